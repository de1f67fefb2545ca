package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/nimbusgpu/nimbus-control-plane/internal/audit"
	"github.com/nimbusgpu/nimbus-control-plane/internal/billing"
	"github.com/nimbusgpu/nimbus-control-plane/internal/config"
	"github.com/nimbusgpu/nimbus-control-plane/internal/effects"
	"github.com/nimbusgpu/nimbus-control-plane/internal/gpu"
	"github.com/nimbusgpu/nimbus-control-plane/internal/metrics"
	"github.com/nimbusgpu/nimbus-control-plane/internal/model"
	"github.com/nimbusgpu/nimbus-control-plane/internal/registry"
	"github.com/nimbusgpu/nimbus-control-plane/internal/store"
)

type testServer struct {
	srv      *Server
	router   http.Handler
	registry *registry.Registry
	store    *store.MemoryStore
	disp     *effects.Dispatcher
	ledger   *billing.MemoryLedger
	sink     *audit.MemorySink
	prov     *gpu.FakeProvisioner
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	metrics.ResetDefaultForTest()
	cfg := config.Config{
		JWTSecret:        "test-secret",
		AgentSharedKey:   "agent-key",
		DefaultRegion:    "us-east-1",
		SupportedRegions: []string{"us-east-1", "eu-west-1"},
		GPUProvider:      "fake",
		AWSInstanceType:  "g4dn.xlarge",
	}
	st := store.NewMemoryStore()
	ledger := billing.NewMemoryLedger()
	sink := audit.NewMemorySink()
	prov := gpu.NewFakeProvisioner()
	disp := effects.New(ledger, sink, prov, effects.RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}, zerolog.Nop())
	reg := registry.New(st, disp, zerolog.Nop())
	srv := NewServer(cfg, reg, prov, zerolog.Nop())
	return &testServer{
		srv:      srv,
		router:   srv.Routes(),
		registry: reg,
		store:    st,
		disp:     disp,
		ledger:   ledger,
		sink:     sink,
		prov:     prov,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func userHeaders(t *testing.T, userID string) map[string]string {
	t.Helper()
	return map[string]string{"Authorization": "Bearer " + testJWT(t, "test-secret", userID)}
}

func agentHeaders() map[string]string {
	return map[string]string{"X-Agent-Auth": "agent-key"}
}

func testJWT(t *testing.T, secret, userID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"uid": userID,
		"exp": time.Now().Add(1 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func decodeSession(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload struct {
		Session map[string]any `json:"session"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v body=%s", err, rr.Body.String())
	}
	return payload.Session
}

func (ts *testServer) waitForState(t *testing.T, id string, want model.SessionState) *model.Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := ts.registry.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.State == want {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess, _ := ts.registry.Get(context.Background(), id)
	t.Fatalf("session %s never reached %s, stuck in %s", id, want, sess.State)
	return nil
}

func TestCreateSession_ProvisionsAsynchronously(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/v1/sessions", nil, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	sess := decodeSession(t, rr)
	if sess["state"] != "provisioning" {
		t.Fatalf("expected provisioning, got %v", sess["state"])
	}
	if sess["region"] != "us-east-1" {
		t.Fatalf("expected default region, got %v", sess["region"])
	}

	id := sess["session_id"].(string)
	ready := ts.waitForState(t, id, model.SessionReady)
	if ready.GPUInstanceID != "i-fake-"+id {
		t.Fatalf("unexpected instance id %q", ready.GPUInstanceID)
	}
	if ready.Version != 2 {
		t.Fatalf("expected version 2 after create+provision+ready, got %d", ready.Version)
	}
}

func TestDrainProvisions_JoinsInFlightProvisioning(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/v1/sessions", nil, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	id := decodeSession(t, rr)["session_id"].(string)

	// After the join there is no background goroutine left to race the
	// dispatcher, so Drain immediately observes the final queue.
	ts.srv.DrainProvisions()
	ts.disp.Drain()

	sess, err := ts.registry.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.State != model.SessionReady {
		t.Fatalf("expected ready after provision join, got %s", sess.State)
	}
}

func TestCreateSession_RejectsMissingToken(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/api/v1/sessions", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestFullLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"region_preference": "eu-west-1"}, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	id := decodeSession(t, rr)["session_id"].(string)
	ts.waitForState(t, id, model.SessionReady)

	rr = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/start", nil, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	started := decodeSession(t, rr)
	if started["state"] != "active" {
		t.Fatalf("expected active, got %v", started["state"])
	}
	if started["billable_since"] == nil {
		t.Fatal("active session must carry billable_since")
	}

	rr = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/pause", nil, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if paused := decodeSession(t, rr); paused["billable_since"] != nil {
		t.Fatal("paused session must not carry billable_since")
	}

	rr = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/resume", nil, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/stop", nil, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	stopped := decodeSession(t, rr)
	if stopped["state"] != "terminated" {
		t.Fatalf("expected terminated, got %v", stopped["state"])
	}

	ts.disp.Drain()
	if got := len(ts.ledger.EntriesFor(id)); got != 2 {
		t.Fatalf("expected 2 accrual entries (active->paused, active->terminated), got %d", got)
	}
	for _, kind := range []string{
		audit.KindSessionStart,
		audit.KindSessionPause,
		audit.KindSessionResume,
		audit.KindSessionTerminate,
	} {
		if got := len(ts.sink.ByKind(kind)); got != 1 {
			t.Fatalf("expected 1 %s event, got %d", kind, got)
		}
	}
	released := ts.prov.Released()
	if len(released) != 1 {
		t.Fatalf("expected instance release on terminate, got %v", released)
	}
}

func TestTransition_StaleVersionConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.mustInsert(t, &model.Session{
		ID: "ses_1", OwnerID: "usr_1", State: model.SessionReady, Version: 5,
		Region: "us-east-1", CreatedAt: time.Now().UTC(), LastTransitionAt: time.Now().UTC(),
	})

	rr := ts.do(t, http.MethodPost, "/api/v1/sessions/ses_1/start",
		map[string]any{"expected_version": 3}, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Error.Code != "stale_version" {
		t.Fatalf("expected stale_version, got %s", payload.Error.Code)
	}
	if payload.Error.CurrentVersion == nil || *payload.Error.CurrentVersion != 5 {
		t.Fatalf("expected current_version 5, got %v", payload.Error.CurrentVersion)
	}
}

func TestTransition_IllegalCarriesLegalTargets(t *testing.T) {
	ts := newTestServer(t)
	ts.mustInsert(t, &model.Session{
		ID: "ses_1", OwnerID: "usr_1", State: model.SessionReady, Version: 2,
		Region: "us-east-1", CreatedAt: time.Now().UTC(), LastTransitionAt: time.Now().UTC(),
	})

	rr := ts.do(t, http.MethodPost, "/api/v1/sessions/ses_1/pause", nil, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Error.Code != "illegal_transition" {
		t.Fatalf("expected illegal_transition, got %s", payload.Error.Code)
	}
	want := map[string]bool{"active": true, "terminated": true, "error": true}
	if len(payload.Error.LegalTargets) != len(want) {
		t.Fatalf("unexpected legal targets %v", payload.Error.LegalTargets)
	}
	for _, target := range payload.Error.LegalTargets {
		if !want[target] {
			t.Fatalf("unexpected legal target %q", target)
		}
	}
}

func TestStop_ErrorStateIsNotUserStoppable(t *testing.T) {
	ts := newTestServer(t)
	ts.mustInsert(t, &model.Session{
		ID:               "ses_1",
		OwnerID:          "usr_1",
		State:            model.SessionError,
		Version:          4,
		FailureSignal:    "instance launch failed",
		Region:           "us-east-1",
		CreatedAt:        time.Now().UTC(),
		LastTransitionAt: time.Now().UTC(),
	})

	rr := ts.do(t, http.MethodPost, "/api/v1/sessions/ses_1/stop", nil, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Error.Code != "not_stoppable" {
		t.Fatalf("expected not_stoppable, got %q", payload.Error.Code)
	}
}

func TestStop_PendingDoesNotAdvertiseTerminated(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now().UTC()
	ts.mustInsert(t, &model.Session{
		ID: "ses_1", OwnerID: "usr_1", State: model.SessionPending, Version: 0,
		Region: "us-east-1", CreatedAt: now, LastTransitionAt: now,
	})

	rr := ts.do(t, http.MethodPost, "/api/v1/sessions/ses_1/stop", nil, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Error.Code != "not_stoppable" {
		t.Fatalf("expected not_stoppable, got %q", payload.Error.Code)
	}
	// The refusal must not offer the very transition it refused.
	for _, target := range payload.Error.LegalTargets {
		if target == "terminated" {
			t.Fatal("refused stop must not advertise terminated as a legal target")
		}
	}
}

func TestGetSession_OtherOwnerHidden(t *testing.T) {
	ts := newTestServer(t)
	ts.mustInsert(t, &model.Session{
		ID: "ses_1", OwnerID: "usr_1", State: model.SessionReady, Version: 2,
		Region: "us-east-1", CreatedAt: time.Now().UTC(), LastTransitionAt: time.Now().UTC(),
	})

	rr := ts.do(t, http.MethodGet, "/api/v1/sessions/ses_1", nil, userHeaders(t, "usr_2"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other owner, got %d", rr.Code)
	}
}

func TestListSessions_OwnerScoped(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now().UTC()
	ts.mustInsert(t, &model.Session{ID: "ses_1", OwnerID: "usr_1", State: model.SessionReady, Version: 2, Region: "us-east-1", CreatedAt: now, LastTransitionAt: now})
	ts.mustInsert(t, &model.Session{ID: "ses_2", OwnerID: "usr_2", State: model.SessionReady, Version: 2, Region: "us-east-1", CreatedAt: now, LastTransitionAt: now})

	rr := ts.do(t, http.MethodGet, "/api/v1/sessions", nil, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Sessions []map[string]any `json:"sessions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Sessions) != 1 || payload.Sessions[0]["session_id"] != "ses_1" {
		t.Fatalf("unexpected sessions %v", payload.Sessions)
	}
}

func TestAgentProvisioned_FailureRoutesToError(t *testing.T) {
	ts := newTestServer(t)
	ts.mustInsert(t, &model.Session{
		ID: "ses_1", OwnerID: "usr_1", State: model.SessionProvisioning, Version: 1,
		Region: "us-east-1", CreatedAt: time.Now().UTC(), LastTransitionAt: time.Now().UTC(),
	})

	rr := ts.do(t, http.MethodPost, "/api/v1/agent/sessions/ses_1/provisioned",
		map[string]any{"failure": "no capacity in us-east-1"}, agentHeaders())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	sess := decodeSession(t, rr)
	if sess["state"] != "error" {
		t.Fatalf("expected error state, got %v", sess["state"])
	}
	if sess["failure_signal"] != "no capacity in us-east-1" {
		t.Fatalf("expected failure signal, got %v", sess["failure_signal"])
	}
}

func TestAgentHeartbeat_SharedKeyRequired(t *testing.T) {
	ts := newTestServer(t)
	ts.mustInsert(t, &model.Session{
		ID: "ses_1", OwnerID: "usr_1", State: model.SessionActive, Version: 3,
		Region: "us-east-1", CreatedAt: time.Now().UTC(), LastTransitionAt: time.Now().UTC(),
	})

	rr := ts.do(t, http.MethodPost, "/api/v1/agent/sessions/ses_1/heartbeat", nil,
		map[string]string{"X-Agent-Auth": "wrong"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodPost, "/api/v1/agent/sessions/ses_1/heartbeat", nil, agentHeaders())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	sess, err := ts.registry.Get(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.LastHeartbeatAt == nil {
		t.Fatal("heartbeat not recorded")
	}
	if sess.Version != 3 {
		t.Fatalf("heartbeat must not bump version, got %d", sess.Version)
	}
}

func TestCreateSession_UnsupportedRegionFallsBack(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/api/v1/sessions",
		map[string]any{"region_preference": "ap-south-9"}, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if sess := decodeSession(t, rr); sess["region"] != "us-east-1" {
		t.Fatalf("expected fallback to default region, got %v", sess["region"])
	}
}

func TestManifest_FakeModeUsesPlaceholderImages(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/api/v1/manifest", nil, userHeaders(t, "usr_1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Regions []struct {
			Region              string `json:"region"`
			ImageID             string `json:"image_id"`
			DefaultInstanceType string `json:"default_instance_type"`
		} `json:"regions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Regions) != 2 {
		t.Fatalf("expected 2 regions, got %d", len(payload.Regions))
	}
	if payload.Regions[0].ImageID != "ami-placeholder-us-east-1" {
		t.Fatalf("unexpected image id %q", payload.Regions[0].ImageID)
	}
	if payload.Regions[0].DefaultInstanceType != "g4dn.xlarge" {
		t.Fatalf("unexpected instance type %q", payload.Regions[0].DefaultInstanceType)
	}
}

func (ts *testServer) mustInsert(t *testing.T, sess *model.Session) {
	t.Helper()
	if err := ts.store.Insert(context.Background(), sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}
}
