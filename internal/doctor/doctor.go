// Package doctor runs preflight checks against a missionctl configuration.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/missionctl/internal/config"
	"github.com/basket/missionctl/internal/lifecycle"
	"github.com/basket/missionctl/internal/persistence"
	"github.com/basket/missionctl/internal/persistence/postgres"
	"github.com/basket/missionctl/internal/schema"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// Run executes every check. cfg may be nil when loading failed; checks
// that need it are skipped.
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
	for _, c := range []check{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkPayloadSchema,
		checkAuth,
		checkAlerts,
		checkBindAddr,
	} {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml; running on defaults",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir not creatable: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

type countingStore interface {
	CountAgents(ctx context.Context) (map[lifecycle.AgentStatus]int, error)
	CountTasks(ctx context.Context) (map[lifecycle.TaskStatus]int, error)
	Close() error
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		store  countingStore
		err    error
		target string
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		target = "postgres"
		var pg *postgres.Store
		if pg, err = postgres.Open(ctx, cfg.Database.DSN); err == nil {
			store = pg
		}
	default:
		target = cfg.DatabasePath()
		var lite *persistence.Store
		if lite, err = persistence.Open(target); err == nil {
			store = lite
		}
	}
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err), Detail: target}
	}
	defer store.Close()

	agents, err := store.CountAgents(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: target}
	}
	tasks, err := store.CountTasks(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: target}
	}
	return CheckResult{Name: "Database", Status: StatusPass,
		Message: fmt.Sprintf("Schema valid (%d agents, %d tasks)", sum(agents), sum(tasks)), Detail: target}
}

func checkPayloadSchema(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Tasks.PayloadSchema == "" {
		return CheckResult{Name: "Payload Schema", Status: StatusSkip, Message: "Not configured"}
	}
	if _, err := schema.Load(cfg.Tasks.PayloadSchema); err != nil {
		return CheckResult{Name: "Payload Schema", Status: StatusFail, Message: err.Error(), Detail: cfg.Tasks.PayloadSchema}
	}
	return CheckResult{Name: "Payload Schema", Status: StatusPass, Message: "Schema compiles", Detail: cfg.Tasks.PayloadSchema}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.AuthToken != "" {
		return CheckResult{Name: "Auth", Status: StatusPass, Message: "Bearer token required"}
	}
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err == nil && isLoopback(host) {
		return CheckResult{Name: "Auth", Status: StatusPass, Message: "No token; gateway bound to loopback"}
	}
	return CheckResult{Name: "Auth", Status: StatusWarn, Message: "No auth_token and gateway is reachable off-host",
		Detail: "set auth_token or MISSIONCTL_AUTH_TOKEN"}
}

func checkAlerts(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Alerts.Telegram.Enabled {
		return CheckResult{Name: "Alerts", Status: StatusSkip, Message: "Telegram alerts disabled"}
	}
	tg := cfg.Alerts.Telegram
	var problems []string
	if tg.Token == "" {
		problems = append(problems, "token missing")
	}
	if len(tg.ChatIDs) == 0 {
		problems = append(problems, "no chat_ids")
	}
	if len(problems) > 0 {
		return CheckResult{Name: "Alerts", Status: StatusFail, Message: "Telegram misconfigured", Detail: strings.Join(problems, ", ")}
	}
	return CheckResult{Name: "Alerts", Status: StatusPass, Message: fmt.Sprintf("Telegram to %d chat(s) at %s and above", len(tg.ChatIDs), tg.MinLevel)}
}

// checkBindAddr warns when the gateway port is already taken, which is
// expected while a server is running.
func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Bind Address", Status: StatusWarn, Message: fmt.Sprintf("%s unavailable", cfg.BindAddr),
			Detail: err.Error()}
	}
	_ = ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func sum[K comparable](m map[K]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
