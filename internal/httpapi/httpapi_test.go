package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/termux-extensions/te-framework/internal/fwshell"
	"github.com/termux-extensions/te-framework/internal/jobs"
	"github.com/termux-extensions/te-framework/internal/pathsafe"
	"github.com/termux-extensions/te-framework/internal/ptyshell"
	"github.com/termux-extensions/te-framework/internal/statestore"
	"github.com/termux-extensions/te-framework/internal/supervisor"
)

// newTestServer wires a Server against freshly constructed managers rooted
// at a scratch directory, mirroring supervisor_test.go's newTestSupervisor.
func newTestServer(t *testing.T, shellToken string) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	sb := pathsafe.New(dir)

	fwMgr, err := fwshell.NewManager(dir, "boot", fwshell.DefaultMaxShells, sb, slog.Default())
	if err != nil {
		t.Fatalf("fwshell.NewManager: %v", err)
	}
	ptyMgr, err := ptyshell.NewManager(dir, "boot", 5, sb, slog.Default(), []string{"sh"})
	if err != nil {
		t.Fatalf("ptyshell.NewManager: %v", err)
	}
	jobMgr, err := jobs.NewManager(filepath.Join(dir, "jobs.json"), jobs.DefaultWorkers, slog.Default())
	if err != nil {
		t.Fatalf("jobs.NewManager: %v", err)
	}
	t.Cleanup(jobMgr.Shutdown)

	state, err := statestore.Open(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}

	sup, err := supervisor.New(dir, slog.Default(), fwMgr, ptyMgr, jobMgr)
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}

	s := New(fwMgr, ptyMgr, jobMgr, state, sup, sb, shellToken, slog.Default())
	srv := httptest.NewServer(s.mux())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestStateRoundTrip(t *testing.T) {
	srv := newTestServer(t, "")

	resp := postJSON(t, srv.URL+"/state", setStateRequest{Key: "k", Value: map[string]any{"a": float64(1)}})
	env := decodeEnvelope(t, resp)
	if !env.OK {
		t.Fatalf("set state: %+v", env)
	}

	resp = postJSON(t, srv.URL+"/state", setStateRequest{Key: "k", Value: map[string]any{"b": float64(2)}, Merge: true})
	env = decodeEnvelope(t, resp)
	if !env.OK {
		t.Fatalf("merge state: %+v", env)
	}

	resp, err := http.Get(srv.URL + "/state?key=k")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	env = decodeEnvelope(t, resp)
	data, _ := env.Data.(map[string]any)
	kv, _ := data["k"].(map[string]any)
	if kv["a"] != float64(1) || kv["b"] != float64(2) {
		t.Fatalf("merged value = %+v, want a=1 b=2", kv)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/state?key=k", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete state: %v", err)
	}
	env = decodeEnvelope(t, resp)
	if !env.OK {
		t.Fatalf("delete state: %+v", env)
	}
}

func TestSubmitUnknownJobTypeRejected(t *testing.T) {
	srv := newTestServer(t, "")

	resp := postJSON(t, srv.URL+"/jobs", submitJobRequest{Type: "does_not_exist", Params: map[string]any{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("submit unknown job type: status = %d, want 400", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.OK || env.Error == nil {
		t.Fatalf("expected error envelope, got %+v", env)
	}
}

func TestFrameworkShellSpawnRequiresToken(t *testing.T) {
	srv := newTestServer(t, "secret")

	resp := postJSON(t, srv.URL+"/framework_shells", spawnShellRequest{Command: []string{"sh", "-c", "true"}})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("spawn without token: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/framework_shells", bytes.NewReader(mustJSON(t, spawnShellRequest{
		Command: []string{"sh", "-c", "true"},
	})))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Framework-Key", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("spawn with token: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn with token: status = %d, want 201", resp.StatusCode)
	}
}

func TestRuntimeMetrics(t *testing.T) {
	srv := newTestServer(t, "")

	resp, err := http.Get(srv.URL + "/runtime/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	env := decodeEnvelope(t, resp)
	if !env.OK {
		t.Fatalf("metrics: %+v", env)
	}
	data, _ := env.Data.(map[string]any)
	if data["run_id"] == "" || data["run_id"] == nil {
		t.Fatalf("metrics missing run_id: %+v", data)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
