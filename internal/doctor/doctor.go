package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/basket/agentdeck/internal/api"
	"github.com/basket/agentdeck/internal/config"
	"github.com/basket/agentdeck/internal/realtime"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

const probeTimeout = 5 * time.Second

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkNetwork,
		checkBackend,
		checkRealtime,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration invalid", Detail: err.Error()}
	}
	detail := fmt.Sprintf("api=%s ws=%s", cfg.APIBaseURL, cfg.WSBaseURL)
	if cfg.NeedsSetup {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml; using defaults and environment", Detail: detail}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)), Detail: detail}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	logDir := filepath.Join(cfg.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Cannot create log dir: %v", err)}
	}
	testFile := filepath.Join(logDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Log dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	u, err := url.Parse(cfg.APIBaseURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Network", Status: "FAIL", Message: fmt.Sprintf("Cannot parse host from %q", cfg.APIBaseURL)}
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return CheckResult{Name: "Network", Status: "PASS", Message: fmt.Sprintf("%s is an IP address", host)}
	}

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}

func checkBackend(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backend API", Status: "SKIP", Message: "Config missing"}
	}
	client := api.New(cfg.APIBaseURL, probeTimeout)
	start := time.Now()
	list := client.ListModels(ctx)
	latency := time.Since(start)

	if list.Degraded {
		var se *api.StatusError
		status := "FAIL"
		if errors.As(list.Cause, &se) || list.Cause == nil {
			// Reachable but unhelpful.
			status = "WARN"
		}
		return CheckResult{
			Name:    "Backend API",
			Status:  status,
			Message: fmt.Sprintf("GET %s/api/models did not return models; built-in defaults will be shown", cfg.APIBaseURL),
			Detail:  errDetail(list.Cause),
		}
	}
	return CheckResult{
		Name:    "Backend API",
		Status:  "PASS",
		Message: fmt.Sprintf("%d models available (%dms)", len(list.Models), latency.Milliseconds()),
	}
}

// checkRealtime performs a websocket handshake against a throwaway session
// id and closes it straight away.
func checkRealtime(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Realtime", Status: "SKIP", Message: "Config missing"}
	}
	endpoint, err := realtime.Endpoint(cfg.WSBaseURL, "doctor-"+uuid.NewString())
	if err != nil {
		return CheckResult{Name: "Realtime", Status: "FAIL", Message: err.Error()}
	}

	dialCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	start := time.Now()
	conn, resp, err := websocket.Dial(dialCtx, endpoint, nil)
	if err != nil {
		detail := err.Error()
		if resp != nil {
			detail = fmt.Sprintf("handshake status %s", resp.Status)
		}
		return CheckResult{Name: "Realtime", Status: "FAIL", Message: fmt.Sprintf("Websocket handshake failed for %s", cfg.WSBaseURL), Detail: detail}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "doctor probe")

	return CheckResult{
		Name:    "Realtime",
		Status:  "PASS",
		Message: fmt.Sprintf("Websocket handshake ok (%dms)", time.Since(start).Milliseconds()),
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
