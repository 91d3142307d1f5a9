package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jonathan/leadflow/internal/delivery"
	"github.com/jonathan/leadflow/internal/events"
	"github.com/jonathan/leadflow/internal/outreach"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/runstate"
	"github.com/jonathan/leadflow/internal/server/ratelimit"
	"github.com/jonathan/leadflow/internal/types"
	"github.com/jonathan/leadflow/internal/webhook"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const webhookSecret = "whsec_server"

// fakeRuns records runs in the shared store so reads line up.
type fakeRuns struct {
	store    *runstate.MemoryStore
	startErr error

	mu        sync.Mutex
	started   []types.RunConfig
	cancelled []uuid.UUID
}

func (f *fakeRuns) Start(ctx context.Context, cfg types.RunConfig) (uuid.UUID, error) {
	if f.startErr != nil {
		return uuid.Nil, f.startErr
	}
	f.mu.Lock()
	f.started = append(f.started, cfg)
	f.mu.Unlock()
	run := newRun(types.PhaseInitializing)
	run.Config = cfg
	return run.ID, f.store.CreateRun(ctx, run)
}

func (f *fakeRuns) Resume(ctx context.Context, id uuid.UUID) error {
	run, err := f.Status(ctx, id)
	if err != nil {
		return err
	}
	if run.Phase.IsTerminal() {
		return &provider.ValidationError{Field: "run", Message: "run already " + string(run.Phase)}
	}
	return nil
}

func (f *fakeRuns) Cancel(ctx context.Context, id uuid.UUID) error {
	if _, err := f.Status(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, id)
	f.mu.Unlock()
	return f.store.UpdateRunPhase(ctx, id, types.PhaseCancelling)
}

func (f *fakeRuns) Status(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	run, err := f.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, &types.NotFoundError{Resource: "run", ID: id.String()}
	}
	return run, nil
}

type fakeCampaigns struct {
	resp *outreach.SendResponse
	err  error
	got  outreach.SendRequest
}

func (f *fakeCampaigns) SendCampaign(_ context.Context, id uuid.UUID, req outreach.SendRequest) (*outreach.SendResponse, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	resp.CampaignID = id
	return &resp, nil
}

type harness struct {
	srv       *Server
	store     *runstate.MemoryStore
	bus       *events.Bus
	runs      *fakeRuns
	campaigns *fakeCampaigns
}

func newHarness(t *testing.T, limits *ratelimit.Config) *harness {
	t.Helper()
	store := runstate.NewMemoryStore()
	bus := events.NewBus(nil, nil)
	rec := delivery.NewReconciler(store, bus, nil)
	rec.SetIdleTimeout(20 * time.Millisecond)
	t.Cleanup(rec.Close)

	if limits == nil {
		limits = &ratelimit.Config{Enabled: false}
	}
	h := &harness{
		store:     store,
		bus:       bus,
		runs:      &fakeRuns{store: store},
		campaigns: &fakeCampaigns{resp: &outreach.SendResponse{Aggregate: types.CampaignInProgress}},
	}
	srv, err := New(Config{RateLimit: limits, Heartbeat: time.Hour}, Deps{
		Runs:      h.runs,
		Events:    bus,
		Campaigns: h.campaigns,
		Webhooks:  webhook.NewProcessor(webhook.NewHMACVerifier(webhookSecret), rec, nil),
		Reader:    store,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	h.srv = srv
	return h
}

func newRun(phase types.Phase) *types.Run {
	now := time.Now().UTC()
	return &types.Run{
		ID:        uuid.New(),
		Phase:     phase,
		Errors:    []types.RunError{},
		StartedAt: now,
		UpdatedAt: now,
	}
}

func (h *harness) do(t *testing.T, method, path string, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{}, nil)
	assert.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStartRun(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, http.MethodPost, "/runs", `{"location":"Austin, TX","niche":"plumbers","limits":{"max_entities":10}}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decodeBody[StartRunResponse](t, w)
	assert.NotEqual(t, uuid.Nil, resp.RunID)
	assert.Equal(t, "/runs/"+resp.RunID.String()+"/events", resp.EventsURL)
	assert.Equal(t, "/runs/"+resp.RunID.String(), w.Header().Get("Location"))
	require.Len(t, h.runs.started, 1)
	assert.Equal(t, "plumbers", h.runs.started[0].Niche)
	assert.Equal(t, 10, h.runs.started[0].Limits.MaxEntities)
}

func TestStartRun_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		field    string
	}{
		{"malformed json", `{"location":`, nil, "body"},
		{"unknown field", `{"location":"x","nope":1}`, nil, "body"},
		{"invalid config", `{"location":"Austin","niche":"x"}`, &provider.ValidationError{Field: "niche", Message: "too short"}, "niche"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.runs.startErr = tt.startErr
			w := h.do(t, http.MethodPost, "/runs", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			body := decodeBody[ErrorBody](t, w)
			assert.Equal(t, CodeInvalidRequest, body.Code)
			assert.Equal(t, tt.field, body.Field)
		})
	}
}

func TestGetRun(t *testing.T) {
	h := newHarness(t, nil)
	run := newRun(types.PhaseScoring)
	require.NoError(t, h.store.CreateRun(context.Background(), run))

	w := h.do(t, http.MethodGet, "/runs/"+run.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[types.Run](t, w)
	assert.Equal(t, types.PhaseScoring, got.Phase)

	w = h.do(t, http.MethodGet, "/runs/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decodeBody[ErrorBody](t, w).Code)

	w = h.do(t, http.MethodGet, "/runs/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRuns(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.store.CreateRun(context.Background(), newRun(types.PhaseDiscovering)))
	}
	w := h.do(t, http.MethodGet, "/runs?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[struct {
		Runs  []types.Run `json:"runs"`
		Count int         `json:"count"`
	}](t, w)
	assert.Equal(t, 2, body.Count)

	w = h.do(t, http.MethodGet, "/runs?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelAndResume(t *testing.T) {
	h := newHarness(t, nil)
	run := newRun(types.PhaseGenerating)
	require.NoError(t, h.store.CreateRun(context.Background(), run))

	w := h.do(t, http.MethodPost, "/runs/"+run.ID.String()+"/cancel", "", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, types.PhaseCancelling, decodeBody[types.Run](t, w).Phase)
	assert.Equal(t, []uuid.UUID{run.ID}, h.runs.cancelled)

	done := newRun(types.PhaseCompleted)
	require.NoError(t, h.store.CreateRun(context.Background(), done))
	w = h.do(t, http.MethodPost, "/runs/"+done.ID.String()+"/resume", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/runs/"+uuid.NewString()+"/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEntities(t *testing.T) {
	h := newHarness(t, nil)
	run := newRun(types.PhaseScoring)
	ctx := context.Background()
	require.NoError(t, h.store.CreateRun(ctx, run))
	now := time.Now().UTC()
	require.NoError(t, h.store.SaveEntities(ctx, []types.Entity{
		types.NewEntity(run.ID, types.Candidate{Name: "Alpha Plumbing"}, now),
		types.NewEntity(run.ID, types.Candidate{Name: "Beta Pipes"}, now),
	}))

	w := h.do(t, http.MethodGet, "/runs/"+run.ID.String()+"/entities", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[struct {
		Entities []types.Entity `json:"entities"`
		Count    int            `json:"count"`
	}](t, w)
	assert.Equal(t, 2, body.Count)
}

func TestCampaignEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	c := types.NewCampaign(uuid.New(), uuid.New(), time.Now().UTC())
	require.NoError(t, h.store.SaveCampaign(ctx, c))

	w := h.do(t, http.MethodGet, "/campaigns/"+c.ID.String(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decodeBody[map[string]any](t, w)
	assert.Equal(t, string(types.CampaignPending), view["aggregate"])
	assert.Equal(t, c.ID.String(), view["id"])

	w = h.do(t, http.MethodGet, "/campaigns/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/campaigns/"+c.ID.String()+"/send", `{"channels":["email"],"test_mode":true}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, h.campaigns.got.TestMode)
	assert.Equal(t, []types.Channel{types.ChannelEmail}, h.campaigns.got.Channels)

	h.campaigns.resp = &outreach.SendResponse{Scheduled: true}
	w = h.do(t, http.MethodPost, "/campaigns/"+c.ID.String()+"/send", `{"channels":["sms"],"schedule_at":"2099-01-01T00:00:00Z"}`, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, h.campaigns.got.ScheduleAt)
}

func TestSendCampaign_CircuitOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.campaigns.err = fmt.Errorf("send: %w", &provider.CircuitOpenError{PolicyKey: "messaging:sms", RetryIn: 12 * time.Second})

	w := h.do(t, http.MethodPost, "/campaigns/"+uuid.NewString()+"/send", `{"channels":["sms"]}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "12", w.Header().Get("Retry-After"))
	assert.Equal(t, CodeUnavailable, decodeBody[ErrorBody](t, w).Code)
}

func signedHeader(body string) http.Header {
	sig, ts := webhook.Sign(webhookSecret, time.Now(), []byte(body))
	h := http.Header{}
	h.Set(webhook.SignatureHeader, sig)
	h.Set(webhook.TimestampHeader, ts)
	return h
}

func TestWebhooks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	c := types.NewCampaign(uuid.New(), uuid.New(), time.Now().UTC())
	d := c.Channels[types.ChannelEmail]
	d.Enabled = true
	d.State = types.DeliveryQueued
	d.Attempts = 1
	d.MaxAttempts = 3
	d.ProviderMessageID = "m-1"
	require.NoError(t, h.store.SaveCampaign(ctx, c))

	body := `[{"message_id":"m-1","event_type":"processed","timestamp":1712345678},
		{"message_id":"m-1","event_type":"delivered","timestamp":1712345680},
		{"message_id":"m-404","event_type":"delivered","timestamp":1712345680}]`
	w := h.do(t, http.MethodPost, "/webhooks/email", body, signedHeader(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[webhook.Result](t, w)
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Unmatched)

	stored, err := h.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDelivered, stored.Channels[types.ChannelEmail].State)

	w = h.do(t, http.MethodPost, "/webhooks/email", body, http.Header{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, CodeUnauthorized, decodeBody[ErrorBody](t, w).Code)

	bad := `{"message_id":"SM1"}`
	w = h.do(t, http.MethodPost, "/webhooks/messaging", bad, signedHeader(bad))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, &ratelimit.Config{
		Enabled:       true,
		DefaultLimit:  100,
		DefaultWindow: time.Minute,
		EndpointConfigs: []ratelimit.EndpointConfig{
			{Path: "/runs", Method: "POST", Limit: 1, Window: time.Hour, Burst: 1},
		},
	})
	body := `{"location":"Austin","niche":"plumbers"}`
	w := h.do(t, http.MethodPost, "/runs", body, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = h.do(t, http.MethodPost, "/runs", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Len(t, h.runs.started, 1)
}

// readSSE collects event ids and types until the stream ends.
func readSSE(t *testing.T, resp *http.Response) (ids []string, kinds []string) {
	t.Helper()
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: "):
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	return ids, kinds
}

func publish(t *testing.T, bus *events.Bus, runID uuid.UUID, typ events.Type) {
	t.Helper()
	_, err := bus.Publish(context.Background(), runID, typ, map[string]string{"run_id": runID.String()})
	require.NoError(t, err)
}

func TestRunEvents_ReplayAfterCursor(t *testing.T) {
	h := newHarness(t, nil)
	run := newRun(types.PhaseCompleted)
	require.NoError(t, h.store.CreateRun(context.Background(), run))
	publish(t, h.bus, run.ID, events.TypePhaseTransition)
	publish(t, h.bus, run.ID, events.TypeProgress)
	publish(t, h.bus, run.ID, events.TypeRunFinished)

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/runs/" + run.ID.String() + "/events?after=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	ids, kinds := readSSE(t, resp)
	assert.Equal(t, []string{"2", "3"}, ids)
	assert.Equal(t, []string{"progress_update", "run_finished"}, kinds)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/runs/"+run.ID.String()+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "3")
	resp2, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)
}

func TestRunEvents_LiveUntilFinished(t *testing.T) {
	h := newHarness(t, nil)
	run := newRun(types.PhaseDiscovering)
	require.NoError(t, h.store.CreateRun(context.Background(), run))
	publish(t, h.bus, run.ID, events.TypePhaseTransition)

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/runs/" + run.ID.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	publish(t, h.bus, run.ID, events.TypeEntityCompleted)
	publish(t, h.bus, run.ID, events.TypeRunFinished)

	ids, _ := readSSE(t, resp)
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestRunEvents_BadCursor(t *testing.T) {
	h := newHarness(t, nil)
	run := newRun(types.PhaseDiscovering)
	require.NoError(t, h.store.CreateRun(context.Background(), run))
	w := h.do(t, http.MethodGet, "/runs/"+run.ID.String()+"/events?after=-4", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodGet, "/runs/"+uuid.NewString()+"/events", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.cfg.MaxBodyBytes = 16
	w := h.do(t, http.MethodPost, "/webhooks/email", string(bytes.Repeat([]byte("x"), 64)), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
