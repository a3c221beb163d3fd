package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/missionctl/internal/agent"
	"github.com/basket/missionctl/internal/alert"
	"github.com/basket/missionctl/internal/bus"
	"github.com/basket/missionctl/internal/config"
	"github.com/basket/missionctl/internal/gateway"
	"github.com/basket/missionctl/internal/monitor"
	"github.com/basket/missionctl/internal/orchestrator"
	otelPkg "github.com/basket/missionctl/internal/otel"
	"github.com/basket/missionctl/internal/persistence"
	"github.com/basket/missionctl/internal/persistence/postgres"
	"github.com/basket/missionctl/internal/schema"
	"github.com/basket/missionctl/internal/shared"
	"github.com/basket/missionctl/internal/telemetry"
	"github.com/basket/missionctl/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: %[1]s [flags] [command]

COMMANDS:
  serve      Run the orchestration server (default)
  status     Query a running server's /healthz (-stats adds counters)
  doctor     Check config, store and environment (-json for JSON)
  version    Print the version

FLAGS:
  -daemon    Run without the terminal dashboard, logging to stderr

ENVIRONMENT VARIABLES:
  MISSIONCTL_HOME         Data directory (default: ~/.missionctl)
  MISSIONCTL_NO_TUI       Set to 1 to disable the dashboard
`, "missionctl")
	fmt.Fprintf(w, "\nConfig overrides:\n")
	for _, key := range config.EnvOverrides {
		fmt.Fprintf(w, "  %s\n", key)
	}
}

// store is what the services and the gateway need from either backend.
type store interface {
	persistence.Repository
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	daemon := flag.Bool("daemon", false, "run without the terminal dashboard")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := "serve"
	if args := flag.Args(); len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
	}
	switch cmd {
	case "serve":
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	case "version":
		fmt.Println("missionctl", Version)
		return
	case "status":
		os.Exit(runStatusCommand(ctx, flag.Args()[1:], os.Stdout))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, flag.Args()[1:], os.Stdout))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}

	interactive := !*daemon && tui.Interactive() && os.Getenv("MISSIONCTL_NO_TUI") == ""
	if err := serve(ctx, stop, interactive); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, interactive bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) while the dashboard owns the terminal.
	logger, logSink, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logSink.Close()
	slog.SetDefault(logger)
	logStartupEnv(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics := otelProvider.Metrics

	db, err := openStore(ctx, cfg)
	if err != nil {
		return fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer db.Close()
	logger.Info("startup phase", "phase", "store_ready", "driver", cfg.Database.Driver)

	payloads, err := schema.Load(cfg.Tasks.PayloadSchema)
	if err != nil {
		return fatalStartup(logger, "E_PAYLOAD_SCHEMA", err)
	}

	eventBus := bus.New()
	registry := agent.NewRegistry(db, eventBus,
		agent.WithLogger(logger), agent.WithTracer(otelProvider.Tracer), agent.WithMetrics(metrics))
	queue := orchestrator.NewQueue(db, eventBus,
		orchestrator.WithLogger(logger), orchestrator.WithTracer(otelProvider.Tracer), orchestrator.WithMetrics(metrics))

	sinks, err := alertSinks(cfg)
	if err != nil {
		return fatalStartup(logger, "E_ALERT_SINK", err)
	}
	alerts := alert.NewDispatcher(eventBus, logger, sinks...)
	defer alerts.Wait()

	status := &dashboardState{started: time.Now()}
	alertOnSweep := alerts.SweepHook()
	mon, err := monitor.New(monitor.Config{
		Agents:       registry,
		Tasks:        queue,
		Logger:       logger,
		Interval:     cfg.MonitorInterval(),
		Schedule:     cfg.Heartbeat.Schedule,
		AgentTimeout: cfg.AgentTimeout(),
		TaskTimeout:  cfg.TaskTimeout(),
		Metrics:      metrics,
		OnSweep: func(ctx context.Context, res monitor.SweepResult) {
			status.recordSweep(res)
			alertOnSweep(ctx, res)
		},
	})
	if err != nil {
		return fatalStartup(logger, "E_MONITOR_INIT", err)
	}
	mon.Start(ctx)
	defer mon.Stop()
	logger.Info("startup phase", "phase", "monitor_started",
		"agent_timeout", cfg.AgentTimeout(), "task_timeout", cfg.TaskTimeout())

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		return fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go config.ApplyReloads(confWatcher, logger,
		func(c config.Config) { mon.SetTimeouts(c.AgentTimeout(), c.TaskTimeout()) },
		func(c config.Config) { logSink.SetLevel(c.LogLevel) },
	)

	var limiter *gateway.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = gateway.NewRateLimiter(cfg.RateLimit)
		limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
	}
	gw := gateway.New(gateway.Config{
		Agents:            registry,
		Tasks:             queue,
		Store:             db,
		Bus:               eventBus,
		Payloads:          payloads,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         limiter,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if interactive {
		feed := tui.NewActivityFeed()
		sub := eventBus.SubscribeRooms(bus.RoomDashboard)
		go func() {
			defer eventBus.Unsubscribe(sub)
			feed.Watch(ctx, sub)
		}()
		go func() {
			provider := status.provider(ctx, registry, queue, db, eventBus)
			if err := tui.Run(ctx, provider, feed); err != nil && ctx.Err() == nil {
				logger.Error("dashboard exited with error", "error", err)
			}
			stop()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return runErr
}

func openStore(ctx context.Context, cfg config.Config) (store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		lite, err := persistence.Open(cfg.DatabasePath())
		if err != nil {
			return nil, err
		}
		return lite, nil
	}
}

func alertSinks(cfg config.Config) ([]alert.Sink, error) {
	tg := cfg.Alerts.Telegram
	if !tg.Enabled {
		return nil, nil
	}
	minLevel, err := alert.ParseLevel(tg.MinLevel)
	if err != nil {
		return nil, err
	}
	bot, err := alert.DialTelegram(tg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return []alert.Sink{alert.NewTelegramSink(bot, tg.ChatIDs, minLevel)}, nil
}

// logStartupEnv records which overrides are in effect without leaking
// their secret values.
func logStartupEnv(logger *slog.Logger) {
	for _, key := range config.EnvOverrides {
		if v, ok := os.LookupEnv(key); ok {
			logger.Info("env override", "key", key, "value", shared.RedactEnvValue(key, v))
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}

// dashboardState carries what the dashboard shows that the store cannot
// answer.
type dashboardState struct {
	started time.Time

	mu        sync.Mutex
	lastSweep string
	lastError string
}

func (d *dashboardState) recordSweep(res monitor.SweepResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSweep = tui.SweepLine(res.Started, res.AgentsOffline, res.TasksReclaimed, res.Err)
	if res.Err != nil {
		d.lastError = res.Err.Error()
	}
}

func (d *dashboardState) provider(ctx context.Context, reg *agent.Registry, q *orchestrator.Queue, db store, b *bus.Bus) tui.StatusProvider {
	return func() tui.Snapshot {
		qctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		snap := tui.Snapshot{
			DBOK:        db.Ping(qctx) == nil,
			Subscribers: b.SubscriberCount(),
			Dropped:     b.Dropped(),
			Uptime:      time.Since(d.started),
		}
		snap.Agents, _ = reg.Stats(qctx)
		snap.Tasks, _ = q.Stats(qctx)

		d.mu.Lock()
		snap.LastSweep, snap.LastError = d.lastSweep, d.lastError
		d.mu.Unlock()
		return snap
	}
}
