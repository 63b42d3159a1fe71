package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeWorker accepts uploads and reports every uploaded job as completed.
type fakeWorker struct {
	mu       sync.Mutex
	uploaded map[string]bool
}

func (f *fakeWorker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		json.NewEncoder(w).Encode(map[string]any{"status": "ok"}) //nolint:errcheck
	case r.Method == http.MethodPost && r.URL.Path == "/upload":
		io.Copy(io.Discard, r.Body) //nolint:errcheck
		id := r.Header.Get("X-Job-Id")
		f.uploaded[id] = true
		json.NewEncoder(w).Encode(map[string]any{"success": true, "id": id, "message": "upload accepted"}) //nolint:errcheck
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/jobs/"):
		id := strings.TrimPrefix(r.URL.Path, "/jobs/")
		if !f.uploaded[id] {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "job not found"}) //nolint:errcheck
			return
		}
		res := map[string]any{"id": id, "status": "completed", "summary": "# Notes", "transcript": "hello"}
		json.NewEncoder(w).Encode(res) //nolint:errcheck
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type testEnv struct {
	cfgPath string
	recDir  string
	outDir  string
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	srv := httptest.NewServer(&fakeWorker{uploaded: make(map[string]bool)})
	t.Cleanup(srv.Close)

	root := t.TempDir()
	e := &testEnv{
		cfgPath: filepath.Join(root, "relay.yaml"),
		recDir:  filepath.Join(root, "recordings"),
		outDir:  filepath.Join(root, "notes"),
	}
	if err := os.Mkdir(e.recDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := fmt.Sprintf(`server_url: %s
recordings_dir: %s
store_path: %s
output_dir: %s
stable_wait: 0s
log_level: error
`, srv.URL, e.recDir, filepath.Join(root, "jobs.json"), e.outDir)
	if err := os.WriteFile(e.cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return e
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", e.cfgPath, "--no-prompt"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSyncEndToEnd(t *testing.T) {
	e := setup(t)
	if err := os.WriteFile(filepath.Join(e.recDir, "standup.mp4"), []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := e.run(t, "sync")
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if !strings.Contains(out, "new 1") || !strings.Contains(out, "uploaded 1") {
		t.Errorf("first sync output = %q", out)
	}

	out, err = e.run(t, "sync")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !strings.Contains(out, "completed 1") {
		t.Errorf("second sync output = %q", out)
	}

	note, err := os.ReadFile(filepath.Join(e.outDir, "standup.mp4.md"))
	if err != nil {
		t.Fatalf("note not written: %v", err)
	}
	if !strings.Contains(string(note), "# Notes") {
		t.Errorf("note = %q", note)
	}

	out, err = e.run(t, "list", "--status", "completed")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "standup.mp4") {
		t.Errorf("list output = %q", out)
	}
}

func TestListShowReset(t *testing.T) {
	e := setup(t)
	if err := os.WriteFile(filepath.Join(e.recDir, "a.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := e.run(t, "sync"); err != nil {
		t.Fatal(err)
	}

	out, err := e.run(t, "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "a.mp4") || !strings.Contains(out, "processing") {
		t.Fatalf("list output = %q", out)
	}

	if _, err := e.run(t, "list", "--status", "bogus"); err == nil {
		t.Error("expected error for unknown status")
	}

	// The list shows 8-character id prefixes; show and reset accept them.
	data, err := os.ReadFile(filepath.Join(filepath.Dir(e.cfgPath), "jobs.json"))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil || len(doc) != 1 {
		t.Fatalf("store document: %v %s", err, data)
	}
	var id string
	for k := range doc {
		id = k
	}
	prefix := id[:8]

	out, err = e.run(t, "show", prefix)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "a.mp4") {
		t.Errorf("show output = %q", out)
	}

	if _, err := e.run(t, "reset", prefix); err != nil {
		t.Fatalf("reset: %v", err)
	}
	out, _ = e.run(t, "list", "--status", "waiting_upload")
	if !strings.Contains(out, "a.mp4") {
		t.Errorf("job not back in waiting_upload: %q", out)
	}

	if _, err := e.run(t, "show", "nope"); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestHealth(t *testing.T) {
	e := setup(t)
	out, err := e.run(t, "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.Contains(out, "ok") {
		t.Errorf("output = %q", out)
	}
}
