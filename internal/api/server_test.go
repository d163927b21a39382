package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/steveyegge/claims/internal/balancer"
	"github.com/steveyegge/claims/internal/claims"
	"github.com/steveyegge/claims/internal/events"
	"github.com/steveyegge/claims/internal/storage/memory"
	"github.com/steveyegge/claims/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	alice = types.Claimant{ID: "alice", Type: types.ClaimantHuman}
	bot1  = types.Claimant{ID: "bot-1", Type: types.ClaimantAgent}
	bot2  = types.Claimant{ID: "bot-2", Type: types.ClaimantAgent}
)

type testEnv struct {
	srv   *Server
	svc   *claims.Service
	store *memory.Store
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := memory.New(log)
	t.Cleanup(func() { _ = store.Close() })

	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := claims.NewService(store, claims.WithLogger(log), claims.WithClock(func() time.Time {
		start = start.Add(time.Second)
		return start
	}))
	return &testEnv{
		srv:   NewServer(svc, append([]Option{WithLogger(log)}, opts...)...),
		svc:   svc,
		store: store,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) claim(t *testing.T, issue string, who types.Claimant) *types.Claim {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/claims", ClaimRequest{IssueID: issue, Repository: "org/repo", Claimant: who})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*types.Claim](t, rec)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestClaimLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	c := env.claim(t, "I1", alice)
	assert.Equal(t, types.StatusActive, c.Status)

	rec := env.do(t, http.MethodPost, "/claims", ClaimRequest{IssueID: "I1", Repository: "org/repo", Claimant: bot1})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[ErrorResponse](t, rec).Code)

	progress := 1.7
	rec = env.do(t, http.MethodPost, "/claims/"+c.ID+"/progress", ProgressRequest{Progress: &progress})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1.0, decode[*types.Claim](t, rec).Progress, "progress is clamped at the edge")

	rec = env.do(t, http.MethodPost, "/claims/"+c.ID+"/pause", ReasonRequest{Reason: "lunch"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.StatusPaused, decode[*types.Claim](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/claims/"+c.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/claims/"+c.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.StatusCompleted, decode[*types.Claim](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/claims/"+c.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[*types.Claim](t, rec)
	assert.Equal(t, 5, got.Version)

	rec = env.do(t, http.MethodGet, "/claims/"+c.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decode[[]*events.Event](t, rec)
	require.Len(t, evs, 5)
	assert.Equal(t, events.TypeClaimed, evs[0].Type)
	assert.Equal(t, events.TypeCompleted, evs[4].Type)

	rec = env.do(t, http.MethodGet, "/claims/"+c.ID+"/events?from_version=4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*events.Event](t, rec), 2)

	rec = env.do(t, http.MethodGet, "/issues/I1/claim?repository=org/repo", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "completed claims free the issue")
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	c := env.claim(t, "I1", alice)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown claim", http.MethodPost, "/claims/nope/release", ReasonRequest{}, http.StatusNotFound, "not_found"},
		{"missing claim", http.MethodGet, "/claims/nope", nil, http.StatusNotFound, "not_found"},
		{"invalid claimant", http.MethodPost, "/claims", ClaimRequest{IssueID: "I2"}, http.StatusBadRequest, "invalid_argument"},
		{"block without reason", http.MethodPost, "/claims/" + c.ID + "/block", ReasonRequest{}, http.StatusBadRequest, "invalid_argument"},
		{"missing progress", http.MethodPost, "/claims/" + c.ID + "/progress", map[string]any{}, http.StatusBadRequest, "invalid_argument"},
		{"unblock active claim", http.MethodPost, "/claims/" + c.ID + "/unblock", nil, http.StatusConflict, "invalid_transition"},
		{"bad sort", http.MethodGet, "/claims?sort_by=size", nil, http.StatusBadRequest, "invalid_argument"},
		{"bad time", http.MethodGet, "/claims?created_after=yesterday", nil, http.StatusBadRequest, "invalid_argument"},
		{"bad stealer type", http.MethodGet, "/stealable?type=robot", nil, http.StatusBadRequest, "invalid_argument"},
		{"no balancer", http.MethodPost, "/sweep", nil, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/claims", bytes.NewBufferString("{not json"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		env.srv.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestIdempotencyKeyHeader(t *testing.T) {
	env := newTestEnv(t)
	body := ClaimRequest{IssueID: "I1", Repository: "org/repo", Claimant: alice}

	first := env.do(t, http.MethodPost, "/claims", body, HeaderIdempotencyKey, "req-1")
	require.Equal(t, http.StatusCreated, first.Code)
	retry := env.do(t, http.MethodPost, "/claims", body, HeaderIdempotencyKey, "req-1")
	require.Equal(t, http.StatusCreated, retry.Code, retry.Body.String())
	assert.Equal(t, decode[*types.Claim](t, first).ID, decode[*types.Claim](t, retry).ID)

	id := decode[*types.Claim](t, first).ID
	for range 2 {
		rec := env.do(t, http.MethodPost, "/claims/"+id+"/pause", ReasonRequest{}, HeaderIdempotencyKey, "pause-1")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	evs, err := env.store.GetEvents(t.Context(), id, 1)
	require.NoError(t, err)
	assert.Len(t, evs, 2, "the retried pause is applied once")
}

func TestActorHeader(t *testing.T) {
	env := newTestEnv(t)
	c := env.claim(t, "I1", alice)

	rec := env.do(t, http.MethodPost, "/claims/"+c.ID+"/pause", ReasonRequest{}, HeaderActor, "ops-console")
	require.Equal(t, http.StatusOK, rec.Code)

	evs, err := env.store.GetEvents(t.Context(), c.ID, 2)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "ops-console", evs[0].Actor)
}

func TestHandoffAndStealOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	c := env.claim(t, "I1", alice)

	rec := env.do(t, http.MethodPost, "/claims/"+c.ID+"/handoff", HandoffRequest{To: bot1, Reason: "end of shift"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/handoffs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*types.Claim](t, rec), 1)

	rec = env.do(t, http.MethodPost, "/claims/"+c.ID+"/handoff/accept", HandoffResponse{By: "bot-2"})
	assert.Equal(t, http.StatusConflict, rec.Code, "only the target may accept")

	rec = env.do(t, http.MethodPost, "/claims/"+c.ID+"/handoff/accept", HandoffResponse{By: "bot-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "bot-1", decode[*types.Claim](t, rec).Claimant.ID)

	rec = env.do(t, http.MethodGet, "/claimants/bot-1/claims", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*types.Claim](t, rec), 1)

	rec = env.do(t, http.MethodPost, "/claims/"+c.ID+"/stealable", StealableRequest{
		Reason:              "stuck",
		AllowedStealerTypes: []types.ClaimantType{types.ClaimantAgent},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/stealable?type=human", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]*types.Claim](t, rec))

	rec = env.do(t, http.MethodPost, "/claims/"+c.ID+"/steal", StealRequest{Stealer: alice})
	assert.Equal(t, http.StatusConflict, rec.Code, "humans are not on the allow-list")

	rec = env.do(t, http.MethodPost, "/claims/"+c.ID+"/steal", StealRequest{Stealer: bot2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stolen := decode[*types.Claim](t, rec)
	assert.Equal(t, "bot-2", stolen.Claimant.ID)
	assert.Equal(t, types.StatusActive, stolen.Status)
}

func TestContestOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	c := env.claim(t, "I1", alice)

	rec := env.do(t, http.MethodPost, "/claims/"+c.ID+"/contest", ContestRequest{Contester: bot1, Reason: "I was first"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/contested", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*types.Claim](t, rec), 1)

	rec = env.do(t, http.MethodPost, "/claims/"+c.ID+"/contest/resolve", ResolveRequest{Resolution: "bot was first", Winner: &bot1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "bot-1", decode[*types.Claim](t, rec).Claimant.ID)

	rec = env.do(t, http.MethodGet, "/contested", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]*types.Claim](t, rec))
}

func TestQueryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	a := env.claim(t, "I1", alice)
	env.claim(t, "I2", bot1)
	env.claim(t, "I3", bot1)

	rec := env.do(t, http.MethodPost, "/claims/"+a.ID+"/pause", ReasonRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/claims?claimant_type=agent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*types.Claim](t, rec), 2)

	rec = env.do(t, http.MethodGet, "/claims?status=paused,blocked", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	paused := decode[[]*types.Claim](t, rec)
	require.Len(t, paused, 1)
	assert.Equal(t, a.ID, paused[0].ID)

	rec = env.do(t, http.MethodGet, "/claims?sort_by=claimed_at&sort_order=desc&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[[]*types.Claim](t, rec)
	require.Len(t, page, 1)
	assert.Equal(t, "I3", page[0].IssueID)

	rec = env.do(t, http.MethodGet, "/claims?repository=other/repo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[types.Statistics](t, rec)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[types.StatusActive])

	// The service clock sits in 2025, so every claim is stale against now
	rec = env.do(t, http.MethodGet, "/stale?older_than=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*types.Claim](t, rec), 3)

	rec = env.do(t, http.MethodGet, "/events?type=paused", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]*events.Event](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/claims/"+a.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[VerifyResponse](t, rec).Consistent)
}

func TestDeleteClaim(t *testing.T) {
	env := newTestEnv(t)
	c := env.claim(t, "I1", alice)

	rec := env.do(t, http.MethodDelete, "/claims/"+c.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/claims/"+c.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[VerifyResponse](t, rec)
	assert.False(t, v.Consistent)
	assert.Contains(t, v.Diff, "missing from the view")
}

func TestBalancerEndpoints(t *testing.T) {
	log := zaptest.NewLogger(t)
	store := memory.New(log)
	t.Cleanup(func() { _ = store.Close() })
	svc := claims.NewService(store, claims.WithLogger(log))

	cfg := balancer.DefaultConfig()
	cfg.Agents = []balancer.Agent{{ID: "bot-1", Type: types.ClaimantAgent, MaxClaims: 1}}
	bal, err := balancer.New(svc, cfg, balancer.WithLogger(log))
	require.NoError(t, err)

	env := &testEnv{srv: NewServer(svc, WithLogger(log), WithBalancer(bal)), svc: svc, store: store}
	env.claim(t, "I1", bot1)
	env.claim(t, "I2", bot1)

	rec := env.do(t, http.MethodGet, "/loads", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	loads := decode[[]balancer.AgentLoad](t, rec)
	require.Len(t, loads, 1)
	assert.Equal(t, 2, loads[0].Active)
	assert.True(t, loads[0].Overloaded)

	rec = env.do(t, http.MethodPost, "/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[balancer.SweepReport](t, rec)
	assert.Empty(t, report.Marked, "fresh claims are not stale")
}

func TestClampProgress(t *testing.T) {
	assert.Equal(t, 0.0, clampProgress(-0.5))
	assert.Equal(t, 0.4, clampProgress(0.4))
	assert.Equal(t, 1.0, clampProgress(3))
}
