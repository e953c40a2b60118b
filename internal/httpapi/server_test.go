package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/prunebox/internal/dialog"
	"github.com/agentworkforce/prunebox/internal/prune"
	"github.com/agentworkforce/prunebox/internal/recordstore"
)

const testSecret = "test-secret"

type fakeRuns struct {
	mu       sync.Mutex
	err      error
	busy     bool
	last     *prune.Report
	lastErr  error
	selected []recordstore.Selection
}

func (f *fakeRuns) TriggerAsync(sel recordstore.Selection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.selected = append(f.selected, sel)
	return nil
}

func (f *fakeRuns) LastReport() (*prune.Report, error) { return f.last, f.lastErr }

func (f *fakeRuns) Busy() bool { return f.busy }

type memPreviews struct {
	mu    sync.Mutex
	items map[string]prune.Preview
}

func (m *memPreviews) Put(_ context.Context, key string, p prune.Preview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[string]prune.Preview{}
	}
	m.items[key] = p
	return nil
}

func (m *memPreviews) Get(_ context.Context, key string) (prune.Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[key]
	if !ok {
		return prune.Preview{}, dialog.ErrUnknownDialog
	}
	return p, nil
}

func (m *memPreviews) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		require.NoError(t, err)
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, defaultAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_test"}
}

type testServer struct {
	server   *Server
	broker   *dialog.Broker
	previews *memPreviews
	runs     *fakeRuns
}

func newTestServer(t *testing.T, cfg ServerConfig) *testServer {
	t.Helper()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	broker := dialog.NewBroker(time.Minute, nil)
	t.Cleanup(broker.Close)
	previews := &memPreviews{}
	runs := &fakeRuns{}
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "prunebox_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	srv := NewServer(Deps{Broker: broker, Previews: previews, Runs: runs, Gatherer: reg}, cfg)
	return &testServer{server: srv, broker: broker, previews: previews, runs: runs}
}

type answered struct {
	ok  bool
	err error
}

// openConfirm parks a confirm dialog on the broker and waits until it is
// visible.
func openConfirm(t *testing.T, broker *dialog.Broker, key string) <-chan answered {
	t.Helper()
	done := make(chan answered, 1)
	go func() {
		ok, err := broker.Confirm(context.Background(), key, prune.Stats{AffectedRecords: 1, TotalPayloads: 2, TotalBytes: 30}, nil)
		done <- answered{ok: ok, err: err}
	}()
	require.Eventually(t, func() bool {
		_, ok := broker.Get(key)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return done
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})

	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "prunebox_test_total 1")
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/dialogs"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenValidation(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	scopes := []string{scopeDialogsAnswer}
	cases := []struct {
		name   string
		token  string
		status int
		msg    string
	}{
		{"expired", mustTestJWT(t, testSecret, "op", scopes, time.Now().Add(-time.Hour)), http.StatusUnauthorized, "token expired"},
		{"wrong secret", mustTestJWT(t, "other", "op", scopes, time.Now().Add(time.Hour)), http.StatusUnauthorized, "jwt signature mismatch"},
		{"wrong audience", mustTestJWTWithAudience(t, testSecret, "op", scopes, "relay", time.Now().Add(time.Hour)), http.StatusUnauthorized, "invalid aud claim"},
		{"garbage", "not-a-jwt", http.StatusUnauthorized, "invalid jwt format"},
		{"missing scope", mustTestJWT(t, testSecret, "op", []string{scopeRunsTrigger}, time.Now().Add(time.Hour)), http.StatusForbidden, "missing required scope: dialogs:answer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/dialogs", headers: bearer(tc.token)})
			assert.Equal(t, tc.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.msg)
		})
	}
}

func TestParseScopes(t *testing.T) {
	assert.Len(t, parseScopes("a b  c"), 3)
	assert.Len(t, parseScopes([]any{"a", 1, ""}), 1)
	assert.Empty(t, parseScopes(nil))
}

func TestDialogLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "alice", []string{scopeDialogsAnswer}, time.Now().Add(time.Hour))

	key := prune.NewKey("confirm")
	require.NoError(t, ts.previews.Put(context.Background(), key, prune.Preview{
		Stats: prune.Stats{AffectedRecords: 1, TotalPayloads: 2},
		Rows:  []prune.PreviewRow{{ID: "r1", Title: "Report"}},
	}))
	done := openConfirm(t, ts.broker, key)

	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/dialogs", headers: bearer(token)})
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Dialogs []dialog.Dialog `json:"dialogs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Dialogs, 1)
	assert.Equal(t, key, list.Dialogs[0].Key)

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/dialogs/" + key, headers: bearer(token)})
	require.Equal(t, http.StatusOK, rec.Code)
	var detail dialogDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	assert.Equal(t, dialog.KindConfirm, detail.Dialog.Kind)
	require.NotNil(t, detail.Preview)
	assert.Equal(t, "Report", detail.Preview.Rows[0].Title)

	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/dialogs/" + key + "/result", headers: bearer(token), body: map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/dialogs/" + key + "/result", headers: bearer(token), body: map[string]any{"ok": true}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.True(t, got.ok)
	case <-time.After(2 * time.Second):
		t.Fatal("confirm was not answered")
	}

	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/dialogs/" + key + "/result", headers: bearer(token), body: map[string]any{"ok": true}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/dialogs/" + key, headers: bearer(token)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRejectsOversizedAndInvalidBodies(t *testing.T) {
	ts := newTestServer(t, ServerConfig{MaxBodyBytes: 16})
	token := mustTestJWT(t, testSecret, "alice", []string{scopeDialogsAnswer}, time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodPost, "/v1/dialogs/k/result", strings.NewReader(`{"ok": true, "padding": "xxxxxxxxxxxxxxxx"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/dialogs/k/result", strings.NewReader(`{`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEndpoints(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "ops", []string{scopeRunsTrigger}, time.Now().Add(time.Hour))

	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/runs/last", headers: bearer(token)})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/runs", headers: bearer(token), body: map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/runs", headers: bearer(token), body: recordstore.Selection{IDs: []string{"r1", "r2"}}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, ts.runs.selected, 1)
	assert.Equal(t, []string{"r1", "r2"}, ts.runs.selected[0].IDs)
	assert.Contains(t, rec.Body.String(), "corr_test")

	ts.runs.err = prune.ErrRunInProgress
	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/runs", headers: bearer(token), body: recordstore.Selection{All: true}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.runs.err = prune.ErrNotRunning
	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/runs", headers: bearer(token), body: recordstore.Selection{All: true}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts.runs.last = &prune.Report{Outcome: prune.OutcomeCompleted}
	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/runs/last", headers: bearer(token)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(prune.OutcomeCompleted))
}

func TestRateLimitingBySubject(t *testing.T) {
	ts := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	alice := mustTestJWT(t, testSecret, "alice", []string{scopeDialogsAnswer}, time.Now().Add(time.Hour))
	bob := mustTestJWT(t, testSecret, "bob", []string{scopeDialogsAnswer}, time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/dialogs", headers: bearer(alice)})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/dialogs", headers: bearer(alice)})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/dialogs", headers: bearer(bob)})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDialogPage(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})

	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/dialogs/confirm-abc_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `"confirm-abc_1"`)

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/dialogs/%3Cscript%3E"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	rec := doRequest(t, ts.server, request{method: http.MethodDelete, path: "/v1/dialogs"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDialogStream(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	httpSrv := httptest.NewServer(ts.server)
	t.Cleanup(httpSrv.Close)
	token := mustTestJWT(t, testSecret, "alice", []string{scopeDialogsAnswer}, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/dialogs/ws?access_token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ready streamReady
	require.NoError(t, wsjson.Read(ctx, conn, &ready))
	assert.Equal(t, "ready", ready.Type)
	assert.Empty(t, ready.Pending)

	key := prune.NewKey("confirm")
	done := openConfirm(t, ts.broker, key)

	var opened dialog.Event
	require.NoError(t, wsjson.Read(ctx, conn, &opened))
	assert.Equal(t, dialog.EventOpened, opened.Type)
	assert.Equal(t, key, opened.Dialog.Key)

	no := false
	require.NoError(t, wsjson.Write(ctx, conn, streamMessage{Type: "result", Key: key, OK: &no}))

	var closed dialog.Event
	require.NoError(t, wsjson.Read(ctx, conn, &closed))
	assert.Equal(t, dialog.EventClosed, closed.Type)
	require.NotNil(t, closed.OK)
	assert.False(t, *closed.OK)

	got := <-done
	require.NoError(t, got.err)
	assert.False(t, got.ok)
}

func TestIssueToken(t *testing.T) {
	token, err := IssueToken(testSecret, "", "cli", []string{scopeDialogsAnswer, scopeRunsTrigger}, time.Hour)
	require.NoError(t, err)

	p, authErr := authorizeBearer("Bearer "+token, testSecret, defaultAudience, scopeRunsTrigger, time.Now())
	require.Nil(t, authErr)
	assert.Equal(t, "cli", p.Subject)
	assert.Len(t, p.Scopes, 2)
}
