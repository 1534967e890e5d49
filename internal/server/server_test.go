package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldproof/internal/config"
	"fieldproof/internal/db"
	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
	"fieldproof/internal/escrow"
	"fieldproof/internal/logging"
	"fieldproof/internal/metrics"
	"fieldproof/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	log := logging.Discard()
	ledger := escrow.NewLedger(escrow.NewDeps(conn, m, log), cfg.Platform.FeeBps)
	e := engine.New(conn, cfg, ledger, m, log)

	handler, err := New(Config{
		Engine:   e,
		Gatherer: reg,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
		Log:      log,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, client: &http.Client{}}
}

// do sends body as JSON and acts as actor via X-Actor-Id when actor is set.
func (s *testServer) do(t *testing.T, method, path, actor string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func (s *testServer) createTask(t *testing.T) domain.Task {
	t.Helper()
	now := time.Now().UTC()
	resp, data := s.do(t, http.MethodPost, "/v0/tasks", "req-1", CreateTaskRequest{
		Title:     "Photograph the storefront",
		Location:  domain.GeoPoint{Lat: 51.5007, Lon: -0.1246},
		RadiusM:   100,
		TimeStart: now.Add(-time.Hour),
		TimeEnd:   now.Add(24 * time.Hour),
		Bounty:    domain.Bounty{Amount: 10_000, Currency: "USDC"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	return decode[domain.Task](t, data)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s := newTestServer(t)
	resp, data := s.do(t, http.MethodGet, "/v0/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))
}

func TestMissingActorIsUnauthorized(t *testing.T) {
	s := newTestServer(t)
	resp, data := s.do(t, http.MethodGet, "/v0/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decode[errorEnvelope](t, data).Error.Code)
}

func TestBearerTokenSetsActor(t *testing.T) {
	s := newTestServer(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "req-jwt"}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	body := strings.NewReader(`{"title":"Bridge","location":{"lat":1,"lon":2},"radius_m":50,` +
		`"time_start":"2030-01-01T00:00:00Z","time_end":"2030-01-02T00:00:00Z","bounty":{"amount":500,"currency":"USDC"}}`)
	req, err := http.NewRequest(http.MethodPost, s.URL+"/v0/tasks", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var task domain.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
	assert.Equal(t, "req-jwt", task.RequesterID)

	req, _ = http.NewRequest(http.MethodGet, s.URL+"/v0/tasks", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	bad, err := s.client.Do(req)
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
}

func TestFullFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	task := s.createTask(t)

	resp, data := s.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/publish", "req-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, domain.TaskPosted, decode[engine.Outcome](t, data).Task.Status)

	resp, data = s.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/claim", "worker-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	claim := decode[engine.ClaimResult](t, data)
	assert.Equal(t, int64(1000), claim.Stake.Amount)

	resp, data = s.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/claim", "worker-2", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "claim_conflict", decode[errorEnvelope](t, data).Error.Code)

	resp, data = s.do(t, http.MethodPost, "/v0/claims/"+claim.Claim.ID+"/submission", "worker-1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	sub := decode[domain.Submission](t, data)

	captured := time.Now().UTC().Add(-time.Minute)
	resp, data = s.do(t, http.MethodPost, "/v0/submissions/"+sub.ID+"/artefacts", "worker-1", ArtefactRequest{
		StorageKey:    "uploads/front.jpg",
		ContentHash:   strings.Repeat("ab", 32),
		DeclaredWidth: 4032, DeclaredHeight: 3024,
		Location:   &domain.GeoPoint{Lat: 51.5007, Lon: -0.1246},
		CapturedAt: &captured,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	resp, data = s.do(t, http.MethodPost, "/v0/submissions/"+sub.ID+"/finalise", "worker-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	sub = decode[domain.Submission](t, data)
	require.NotNil(t, sub.Verification)
	assert.Len(t, sub.ProofBundleHash, 64)

	resp, data = s.do(t, http.MethodPost, "/v0/submissions/"+sub.ID+"/finalise", "worker-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_finalised", decode[errorEnvelope](t, data).Error.Code)

	resp, _ = s.do(t, http.MethodPost, "/v0/submissions/"+sub.ID+"/accept", "worker-1", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, data = s.do(t, http.MethodPost, "/v0/submissions/"+sub.ID+"/accept", "req-1", ReviewRequest{Comment: "good"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	out := decode[engine.Outcome](t, data)
	assert.Equal(t, domain.TaskAccepted, out.Task.Status)
	require.NotNil(t, out.Settlement)
	assert.Equal(t, "release", out.Settlement.Action)

	resp, data = s.do(t, http.MethodGet, "/v0/tasks/"+task.ID, "req-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	detail := decode[TaskDetail](t, data)
	require.NotNil(t, detail.Escrow)
	assert.Equal(t, domain.EscrowReleased, detail.Escrow.Status)
	require.Len(t, detail.Stakes, 1)
	assert.Equal(t, domain.StakeReleased, detail.Stakes[0].Status)

	resp, data = s.do(t, http.MethodGet, "/v0/tasks/"+task.ID+"/ledger", "req-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	ledger := decode[LedgerResponse](t, data)
	assert.NotEmpty(t, ledger.Entries)
	assert.Equal(t, int64(0), ledger.Balance)
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	s := newTestServer(t)
	resp, data := s.do(t, http.MethodGet, "/v0/tasks/nope", "req-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorEnvelope](t, data).Error.Code)
}

func TestPublishByOtherActorIsForbidden(t *testing.T) {
	s := newTestServer(t)
	task := s.createTask(t)
	resp, data := s.do(t, http.MethodPost, "/v0/tasks/"+task.ID+"/publish", "someone-else", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", decode[errorEnvelope](t, data).Error.Code)
}

func TestEventsPaginate(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		s.createTask(t)
	}
	resp, data := s.do(t, http.MethodGet, "/v0/events?type=task.create&limit=2", "req-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	resp, data = s.do(t, http.MethodGet, "/v0/events?type=task.create&limit=2&cursor="+page.NextCursor, "req-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	page = decode[paginatedEvents](t, data)
	assert.Len(t, page.Items, 1)
	assert.Empty(t, page.NextCursor)
}

func TestWorkerProfileAndQuote(t *testing.T) {
	s := newTestServer(t)
	resp, data := s.do(t, http.MethodPut, "/v0/workers/worker-1", "ops", WorkerProfileRequest{ReputationBps: 9000})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, int64(9000), decode[domain.Worker](t, data).ReputationBps)

	resp, data = s.do(t, http.MethodPut, "/v0/workers/worker-1", "ops", WorkerProfileRequest{ReputationBps: 9000, WalletAddress: "nope"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "missing_worker_address", decode[errorEnvelope](t, data).Error.Code)

	resp, data = s.do(t, http.MethodGet, "/v0/workers/worker-1/stake-quote?bounty=10000", "ops", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Contains(t, string(data), `"amount"`)
}

func TestOpsEndpoints(t *testing.T) {
	s := newTestServer(t)
	resp, data := s.do(t, http.MethodPost, "/v0/sweep", "ops", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, data = s.do(t, http.MethodGet, "/v0/chain", "ops", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, domain.ProviderLedger, decode[ChainStatus](t, data).Provider)

	resp, data = s.do(t, http.MethodPost, "/v0/chain/poll", "ops", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "indexer_disabled", decode[errorEnvelope](t, data).Error.Code)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	s := newTestServer(t)
	resp, data := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "fieldproof_")

	resp, data = s.do(t, http.MethodGet, "/v0/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "bearerAuth")
	assert.Contains(t, string(data), "/v0/tasks/{task_id}/claim")
}
