package gateway

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestStandaloneStartStop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, `
logging:
  level: error
  console: false
devices:
  store_path: `+filepath.Join(dir, "devices.db")+`
`)

	gw, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := gw.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	gw.Registry().Report("lamp-1", map[string]any{"on": true})
	if _, ok := gw.Registry().Get("lamp-1"); !ok {
		t.Error("reported device missing from registry")
	}

	if err := gw.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop is idempotent.
	if err := gw.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
logging:
  level: error
  console: false
metrics:
  enabled: true
  listen: 127.0.0.1:0
`)

	// An ephemeral port keeps parallel test runs from colliding, but means
	// we cannot dial it back; exercise the handler directly instead.
	gw, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = gw.Stop(context.Background()) })

	rec := newRecorder()
	gw.handleHealthz(rec, nil)
	if rec.status != 0 && rec.status != http.StatusOK {
		t.Errorf("status = %d", rec.status)
	}
	if len(rec.body) == 0 {
		t.Error("empty healthz body")
	}
}

type recorder struct {
	hdr    http.Header
	body   []byte
	status int
}

func newRecorder() *recorder { return &recorder{hdr: http.Header{}} }

func (r *recorder) Header() http.Header { return r.hdr }
func (r *recorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return len(b), nil
}
func (r *recorder) WriteHeader(code int) { r.status = code }

func TestProbeTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		url  string
		want string
		ok   bool
	}{
		{"wss://cloud.example.com/gw", "cloud.example.com:443", true},
		{"ws://cloud.example.com/gw", "cloud.example.com:80", true},
		{"wss://cloud.example.com:8443/gw", "cloud.example.com:8443", true},
		{"wss:///nohost", "", false},
	}
	for _, tc := range cases {
		got, err := probeTarget(tc.url)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("probeTarget(%q) = %q, %v; want %q", tc.url, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("probeTarget(%q) should fail", tc.url)
		}
	}
}

func TestStartContextCancelStopsWatcher(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
logging:
  level: error
  console: false
devices:
  offline_after: 5m
`)

	gw, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = gw.Stop(context.Background()) })

	// Canceling the caller's context winds down the config watcher, so a
	// rewrite after cancel must not commit.
	cancel()
	time.Sleep(200 * time.Millisecond)
	body := `
logging:
  level: error
  console: false
devices:
  offline_after: 1m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	time.Sleep(time.Second)
	if cfg := gw.cfgMgr.Get(); cfg == nil || cfg.Devices.OfflineAfter != "5m" {
		t.Fatal("watcher committed a reload after its context was canceled")
	}

	if err := gw.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after cancel: %v", err)
	}
}

func TestConfigReloadAppliesOfflineAfter(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
logging:
  level: error
  console: false
devices:
  offline_after: 5m
`)

	gw, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = gw.Stop(context.Background()) })

	// Rewrite the file; the watcher debounces for 250ms before reloading.
	body := `
logging:
  level: error
  console: false
devices:
  offline_after: 1m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cfg := gw.cfgMgr.Get(); cfg != nil && cfg.Devices.OfflineAfter == "1m" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("config reload never committed")
}
