package doctor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/basket/agentdeck/internal/config"
)

func backend(t *testing.T, models string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/models":
			io.WriteString(w, models)
		case strings.HasPrefix(r.URL.Path, "/ws/chat/doctor-"):
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			defer conn.CloseNow()
			conn.Read(r.Context())
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, base string) *config.Config {
	t.Helper()
	return &config.Config{
		HomeDir:    t.TempDir(),
		APIBaseURL: base,
		WSBaseURL:  "ws" + strings.TrimPrefix(base, "http"),
	}
}

func byName(d Diagnosis, name string) CheckResult {
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	return CheckResult{}
}

func TestRun_HealthyBackend(t *testing.T) {
	srv := backend(t, `[{"id":"llama3-8b"}]`)
	cfg := testConfig(t, srv.URL)

	d := Run(context.Background(), cfg, "test")
	for _, name := range []string{"Permissions", "Network", "Backend API", "Realtime"} {
		if r := byName(d, name); r.Status != "PASS" {
			t.Fatalf("%s = %+v", name, r)
		}
	}
	if r := byName(d, "Config"); r.Status != "PASS" && r.Status != "WARN" {
		t.Fatalf("Config = %+v", r)
	}
	if d.Failed() {
		t.Fatalf("diagnosis failed: %+v", d.Results)
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}

func TestRun_UnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	d := Run(context.Background(), testConfig(t, base), "test")
	if r := byName(d, "Backend API"); r.Status != "FAIL" {
		t.Fatalf("Backend API = %+v", r)
	}
	if r := byName(d, "Realtime"); r.Status != "FAIL" {
		t.Fatalf("Realtime = %+v", r)
	}
	if !d.Failed() {
		t.Fatal("expected Failed()")
	}
}

func TestCheckBackend_EmptyModelListWarns(t *testing.T) {
	srv := backend(t, `[]`)
	r := checkBackend(context.Background(), testConfig(t, srv.URL))
	if r.Status != "WARN" {
		t.Fatalf("status = %+v", r)
	}
}

func TestCheckConfig(t *testing.T) {
	if r := checkConfig(context.Background(), nil); r.Status != "FAIL" {
		t.Fatalf("nil config = %+v", r)
	}
	cfg := &config.Config{HomeDir: t.TempDir(), APIBaseURL: "ftp://x", WSBaseURL: "ws://x"}
	if r := checkConfig(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("invalid config = %+v", r)
	}
	cfg.APIBaseURL = "http://x"
	cfg.NeedsSetup = true
	if r := checkConfig(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("missing file = %+v", r)
	}
}

func TestChecks_NilConfigSkips(t *testing.T) {
	ctx := context.Background()
	for _, r := range []CheckResult{
		checkPermissions(ctx, nil),
		checkNetwork(ctx, nil),
		checkBackend(ctx, nil),
		checkRealtime(ctx, nil),
	} {
		if r.Status != "SKIP" {
			t.Fatalf("%s = %s, want SKIP", r.Name, r.Status)
		}
	}
}

func TestCheckPermissions_CreatesLogDir(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	if r := checkPermissions(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("permissions = %+v", r)
	}
	if _, err := os.Stat(filepath.Join(cfg.HomeDir, "logs")); err != nil {
		t.Fatalf("logs dir: %v", err)
	}
}
