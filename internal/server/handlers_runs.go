package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/types"
)

// StartRunResponse is returned when a run is accepted.
type StartRunResponse struct {
	RunID     uuid.UUID   `json:"run_id"`
	Phase     types.Phase `json:"phase"`
	StatusURL string      `json:"status_url"`
	EventsURL string      `json:"events_url"`
}

// handleStartRun handles POST /runs
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var cfg types.RunConfig
	if err := s.decodeJSON(w, r, &cfg); err != nil {
		s.errorResponse(w, r, err)
		return
	}

	id, err := s.deps.Runs.Start(r.Context(), cfg)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	base := "/runs/" + id.String()
	w.Header().Set("Location", base)
	s.jsonResponse(w, http.StatusAccepted, StartRunResponse{
		RunID:     id,
		Phase:     types.PhaseInitializing,
		StatusURL: base,
		EventsURL: base + "/events",
	})
}

// handleListRuns handles GET /runs?limit=N
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			s.errorResponse(w, r, &provider.ValidationError{Field: "limit", Message: "must be between 1 and 500"})
			return
		}
		limit = n
	}
	runs, err := s.deps.Reader.ListRuns(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if runs == nil {
		runs = []*types.Run{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleGetRun handles GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	run, err := s.deps.Runs.Status(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

// handleCancelRun handles POST /runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Runs.Cancel)
}

// handleResumeRun handles POST /runs/{id}/resume
func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Runs.Resume)
}

// lifecycle applies op to the run in the path and answers with its status.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) error) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if err := op(r.Context(), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	run, err := s.deps.Runs.Status(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, run)
}

// handleListEntities handles GET /runs/{id}/entities
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if _, err := s.deps.Runs.Status(r.Context(), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	entities, err := s.deps.Reader.ListEntities(r.Context(), id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if entities == nil {
		entities = []types.Entity{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"run_id": id, "entities": entities, "count": len(entities)})
}

// handleRunEvents handles GET /runs/{id}/events as a Server-Sent Events
// stream. Clients resume with ?after=<seq> or Last-Event-ID and receive
// every event after that sequence exactly once, in order. The stream ends
// after run_finished.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	after, err := resumeCursor(r)
	if err != nil {
		s.errorResponse(w, r, &provider.ValidationError{Field: "after", Message: err.Error()})
		return
	}
	ctx := r.Context()
	run, err := s.deps.Runs.Status(ctx, id)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}

	// A finished run whose log the client has fully seen has nothing left
	// to stream.
	if run.Phase.IsTerminal() {
		last, err := s.deps.Events.LastSequence(ctx, id)
		if err != nil {
			s.errorResponse(w, r, err)
			return
		}
		if after >= last {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	sub, err := s.deps.Events.Subscribe(ctx, id, after)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	defer sub.Close()

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	_ = sse.WriteRetry(3 * time.Second)

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	log := s.logger.With(zap.String("run_id", id.String()), zap.Int64("after", after))
	log.Debug("event stream opened")
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				if errors.Is(sub.Err(), events.ErrLagged) {
					sse.WriteError("stream fell behind; reconnect with Last-Event-ID")
				}
				log.Debug("event stream closed", zap.Error(sub.Err()))
				return
			}
			if err := sse.WriteEvent(ev); err != nil {
				log.Debug("event stream write failed", zap.Error(err))
				return
			}
			if ev.Type == events.TypeRunFinished {
				return
			}
		case <-heartbeat.C:
			if err := sse.WriteHeartbeat(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
