package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/engine"
	"github.com/basket/taskrelay/internal/gateway"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/worker"
)

type engineFunc func(ctx context.Context, task string, hooks engine.Hooks) error

func (f engineFunc) Run(ctx context.Context, task string, hooks engine.Hooks) error {
	return f(ctx, task, hooks)
}

type fakeFactory struct {
	eng engine.Engine
	err error
}

func (f fakeFactory) New(context.Context, engine.Spec) (engine.Engine, error) {
	return f.eng, f.err
}

type fixture struct {
	store  *persistence.Store
	bus    *bus.Bus
	runner *worker.Runner
	srv    *httptest.Server
}

func newFixture(t *testing.T, eng engine.Engine, authToken string) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskrelay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	runner := worker.NewRunner(store, b, fakeFactory{eng: eng}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})

	gw := gateway.New(gateway.Config{
		Store:           store,
		Bus:             b,
		Runner:          runner,
		AuthToken:       authToken,
		DefaultProvider: "openrouter",
		DefaultModel:    "test-model",
		MaxRounds:       4,
		Version:         "test",
	})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &fixture{store: store, bus: b, runner: runner, srv: srv}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (f *fixture) createSession(t *testing.T, task string) string {
	t.Helper()
	resp := f.postJSON(t, "/api/v1/sessions", map[string]string{"task": task})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	var out struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SessionID == "" || out.Status != "BUILDING_TEAM" {
		t.Fatalf("create response = %+v", out)
	}
	return out.SessionID
}

func (f *fixture) waitStatus(t *testing.T, id string, want persistence.SessionStatus) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		sess, err := f.store.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s, have %s", want, sess.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCreateSessionRunsTask(t *testing.T) {
	eng := engineFunc(func(_ context.Context, task string, hooks engine.Hooks) error {
		fmt.Fprintf(hooks, "working on %s\n", task)
		return nil
	})
	f := newFixture(t, eng, "")

	id := f.createSession(t, "summarize report")
	f.waitStatus(t, id, persistence.StatusCompleted)

	resp, err := http.Get(f.srv.URL + "/api/v1/sessions/" + id + "/logs")
	if err != nil {
		t.Fatalf("GET logs: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Logs []persistence.LogRecord `json:"logs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	var sawChunk bool
	for _, rec := range out.Logs {
		if rec.Kind == persistence.KindLog && rec.Content == "working on summarize report\n" {
			sawChunk = true
		}
	}
	if !sawChunk {
		t.Fatalf("engine output missing from transcript: %+v", out.Logs)
	}
}

func TestCreateSessionRequiresTask(t *testing.T) {
	f := newFixture(t, engineFunc(func(context.Context, string, engine.Hooks) error { return nil }), "")
	resp := f.postJSON(t, "/api/v1/sessions", map[string]string{"task": "  "})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	f := newFixture(t, engineFunc(func(context.Context, string, engine.Hooks) error { return nil }), "")
	for _, path := range []string{
		"/api/v1/sessions/nope",
		"/api/v1/sessions/nope/logs",
	} {
		resp, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestListSessions(t *testing.T) {
	eng := engineFunc(func(context.Context, string, engine.Hooks) error { return nil })
	f := newFixture(t, eng, "")

	id := f.createSession(t, "first")
	f.waitStatus(t, id, persistence.StatusCompleted)

	resp, err := http.Get(f.srv.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Sessions []persistence.Session `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Sessions) != 1 || out.Sessions[0].ID != id {
		t.Fatalf("sessions = %+v", out.Sessions)
	}
}

func TestReplyReachesBlockedSession(t *testing.T) {
	got := make(chan string, 1)
	eng := engineFunc(func(ctx context.Context, _ string, hooks engine.Hooks) error {
		reply, err := hooks.RequestHumanInput(ctx, "proceed?")
		if err != nil {
			return engine.ExecutionFault(err)
		}
		got <- reply
		return nil
	})
	f := newFixture(t, eng, "")

	id := f.createSession(t, "needs input")
	f.waitStatus(t, id, persistence.StatusWaitingForInput)

	resp := f.postJSON(t, "/api/v1/sessions/"+id+"/reply", map[string]string{"message": "yes"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reply status = %d", resp.StatusCode)
	}

	select {
	case reply := <-got:
		if reply != "yes" {
			t.Fatalf("engine got %q", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never reached the engine")
	}
	f.waitStatus(t, id, persistence.StatusCompleted)

	// The reply is part of the durable transcript.
	logs, err := f.store.ListLogs(context.Background(), id)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	var sawReply bool
	for _, rec := range logs {
		if rec.Content == "\nUser: yes\n" {
			sawReply = true
		}
	}
	if !sawReply {
		t.Fatal("reply record missing from transcript")
	}
}

func TestStopTerminatesBlockedSession(t *testing.T) {
	eng := engineFunc(func(ctx context.Context, _ string, hooks engine.Hooks) error {
		reply, err := hooks.RequestHumanInput(ctx, "next?")
		if err != nil {
			return engine.ExecutionFault(err)
		}
		if reply != engine.ExitSentinel {
			return engine.ExecutionFault(fmt.Errorf("expected exit sentinel, got %q", reply))
		}
		return nil
	})
	f := newFixture(t, eng, "")

	id := f.createSession(t, "stoppable")
	f.waitStatus(t, id, persistence.StatusWaitingForInput)

	resp := f.postJSON(t, "/api/v1/sessions/"+id+"/stop", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "stop_signal_sent" {
		t.Fatalf("stop response = %v", out)
	}
	f.waitStatus(t, id, persistence.StatusCompleted)
}

func TestAuthTokenGuardsMutations(t *testing.T) {
	eng := engineFunc(func(context.Context, string, engine.Hooks) error { return nil })
	f := newFixture(t, eng, "s3cret")

	// No token: rejected.
	resp := f.postJSON(t, "/api/v1/sessions", map[string]string{"task": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create status = %d, want 401", resp.StatusCode)
	}

	// Correct bearer token: accepted.
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/sessions",
		strings.NewReader(`{"task":"x"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer s3cret")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed create: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusCreated {
		t.Fatalf("authed create status = %d, want 201", authed.StatusCode)
	}

	// Reads stay open.
	list, err := http.Get(f.srv.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	list.Body.Close()
	if list.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", list.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, engineFunc(func(context.Context, string, engine.Hooks) error { return nil }), "")

	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["healthy"] != true || out["db_ok"] != true {
		t.Fatalf("healthz = %v", out)
	}
}
