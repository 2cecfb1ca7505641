package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/goprobe/internal/config"
	"github.com/basket/goprobe/internal/persistence"
	"github.com/basket/goprobe/internal/sqlengine"
	"github.com/basket/goprobe/internal/table/builtin"
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
		checkDatabase,
		checkIdentity,
		checkTables,
		checkNetwork,
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
	if cfg.NeedsSetup {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing",
			Detail:  fmt.Sprintf("Create %s with server_url and enroll_secret", config.ConfigPath(cfg.HomeDir)),
		}
	}
	if err := cfg.ValidateForDaemon(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.StatePath())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s, schema=v%d (%s)", cfg.StatePath(), version, checksum),
	}
}

func checkIdentity(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Identity", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.StatePath())
	if err != nil {
		return CheckResult{Name: "Identity", Status: "SKIP", Message: "Database unavailable"}
	}
	defer store.Close()

	key, err := store.KVGet(ctx, persistence.KeyNodeKey)
	if err != nil {
		return CheckResult{Name: "Identity", Status: "FAIL", Message: fmt.Sprintf("Read node key: %v", err)}
	}
	if key == "" {
		return CheckResult{Name: "Identity", Status: "WARN", Message: "Not enrolled; the daemon enrolls on its first check-in"}
	}
	res := CheckResult{Name: "Identity", Status: "PASS", Message: "Enrolled"}
	if last, err := store.LastCheckin(ctx); err == nil && last != nil {
		res.Detail = fmt.Sprintf("last check-in %s: %s", last.At.Format(time.RFC3339), last.Outcome)
	}
	return res
}

func checkTables(ctx context.Context, _ *config.Config) CheckResult {
	eng, err := sqlengine.New(builtin.All(builtin.Options{}), sqlengine.Options{})
	if err != nil {
		return CheckResult{Name: "Tables", Status: "FAIL", Message: fmt.Sprintf("Engine setup failed: %v", err)}
	}
	defer eng.Close()

	var failed []string
	descs := eng.Tables()
	for _, d := range descs {
		if _, err := eng.Query(ctx, fmt.Sprintf("SELECT * FROM %q", d.Name)); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", d.Name, err))
		}
	}
	if len(failed) > 0 {
		return CheckResult{
			Name:    "Tables",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d tables failed", len(failed), len(descs)),
			Detail:  fmt.Sprintf("%v", failed),
		}
	}
	return CheckResult{Name: "Tables", Status: "PASS", Message: fmt.Sprintf("%d tables queryable", len(descs))}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.ServerURL == "" {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "server_url not configured"}
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Network", Status: "FAIL", Message: fmt.Sprintf("Invalid server_url %q", cfg.ServerURL)}
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(probeCtx, host)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(probeCtx, "tcp", net.JoinHostPort(host, port))
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("Connect to %s:%s failed: %v", host, port, err),
			Detail:  fmt.Sprintf("addresses=%v, latency=%dms", addrs, latency.Milliseconds()),
		}
	}
	conn.Close()

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("Reached %s:%s (%dms)", host, port, latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
