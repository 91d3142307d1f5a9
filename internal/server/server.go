// Package server provides the HTTP control surface: run lifecycle, the
// progress stream, campaign sends and delivery webhooks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/outreach"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/server/middleware"
	"github.com/jonathan/leadflow/internal/server/ratelimit"
	"github.com/jonathan/leadflow/internal/types"
	"github.com/jonathan/leadflow/internal/webhook"
)

// Runs controls run lifecycles.
type Runs interface {
	Start(ctx context.Context, cfg types.RunConfig) (uuid.UUID, error)
	Resume(ctx context.Context, id uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID) error
	Status(ctx context.Context, id uuid.UUID) (*types.Run, error)
}

// EventStream is the read side of the progress bus.
type EventStream interface {
	Subscribe(ctx context.Context, runID uuid.UUID, afterSeq int64) (*events.Subscription, error)
	LastSequence(ctx context.Context, runID uuid.UUID) (int64, error)
}

// Campaigns sends outreach campaigns.
type Campaigns interface {
	SendCampaign(ctx context.Context, id uuid.UUID, req outreach.SendRequest) (*outreach.SendResponse, error)
}

// Webhooks processes inbound delivery callbacks.
type Webhooks interface {
	Process(ctx context.Context, kind webhook.Kind, header http.Header, body []byte) (*webhook.Result, error)
}

// Reader serves listing queries.
type Reader interface {
	ListRuns(ctx context.Context, limit int) ([]*types.Run, error)
	ListEntities(ctx context.Context, runID uuid.UUID) ([]types.Entity, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (*types.Campaign, error)
	ListCampaigns(ctx context.Context, runID uuid.UUID) ([]*types.Campaign, error)
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Runs      Runs
	Events    EventStream
	Campaigns Campaigns
	Webhooks  Webhooks
	Reader    Reader
}

// Config holds server configuration
type Config struct {
	Port            int
	ShutdownTimeout time.Duration
	// MaxBodyBytes caps request bodies; webhook batches are the largest.
	MaxBodyBytes int64
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	RateLimit *ratelimit.Config
}

// Defaults
const (
	DefaultPort            = 8080
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxBodyBytes    = 1 << 20
	DefaultHeartbeat       = 15 * time.Second
	defaultListLimit       = 50
	maxListLimit           = 500
)

// Server represents the HTTP server
type Server struct {
	cfg         Config
	deps        Deps
	logger      *zap.Logger
	rateLimiter *ratelimit.Limiter
	handler     http.Handler
}

// New creates a server. Every dependency in deps is required.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Runs == nil || deps.Events == nil || deps.Campaigns == nil || deps.Webhooks == nil || deps.Reader == nil {
		return nil, errors.New("server: all dependencies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}

	s := &Server{
		cfg:         cfg,
		deps:        deps,
		logger:      logger.Named("http"),
		rateLimiter: ratelimit.NewLimiter(cfg.RateLimit),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /runs", s.handleStartRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /runs/{id}/resume", s.handleResumeRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /runs/{id}/entities", s.handleListEntities)
	mux.HandleFunc("GET /runs/{id}/campaigns", s.handleListCampaigns)

	mux.HandleFunc("GET /campaigns/{id}", s.handleGetCampaign)
	mux.HandleFunc("POST /campaigns/{id}/send", s.handleSendCampaign)

	mux.HandleFunc("POST /webhooks/email", s.handleWebhook(webhook.KindEmail))
	mux.HandleFunc("POST /webhooks/messaging", s.handleWebhook(webhook.KindMessaging))

	s.handler = middleware.Chain(mux,
		middleware.Recover(s.logger),
		s.withRateLimit,
		middleware.Logging(s.logger),
		middleware.CORS,
	)
	return s, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Event streams clear their own write deadline.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.rateLimiter.Stop()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.rateLimiter.Stop()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-errCh
	s.logger.Info("server stopped")
	return nil
}

// Close releases background resources of a server that never listened.
func (s *Server) Close() {
	s.rateLimiter.Stop()
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(extractClientID(r), r.URL.Path, r.Method)
		setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// errorResponse maps err onto the error envelope.
func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	var circuit *provider.CircuitOpenError
	if errors.As(err, &circuit) && circuit.RetryIn > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(circuit.RetryIn.Round(time.Second).Seconds())))
	}
	s.jsonResponse(w, status, body)
}

// decodeJSON reads a size-limited JSON body into v. Unknown fields are
// rejected.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &provider.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

// pathID parses the {id} path value.
func pathID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &provider.ValidationError{Field: "id", Message: fmt.Sprintf("invalid id %q", raw)}
	}
	return id, nil
}

// extractClientID uses the IP address from RemoteAddr.
func extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	retry := int(info.RetryAfter.Round(time.Second).Seconds())
	if info.RetryAfter > 0 && retry == 0 {
		retry = 1
	}
	if retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
	s.logger.Warn("rate limit exceeded",
		zap.String("client", extractClientID(r)),
		zap.String("path", r.URL.Path),
		zap.Int("limit", info.Limit),
	)
	s.jsonResponse(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"code":        "rate_limited",
		"limit":       info.Limit,
		"retry_after": retry,
	})
}
