package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/fleetdeck/internal/bus"
	"github.com/basket/fleetdeck/internal/channels"
	"github.com/basket/fleetdeck/internal/config"
	"github.com/basket/fleetdeck/internal/gateway"
	"github.com/basket/fleetdeck/internal/journal"
	"github.com/basket/fleetdeck/internal/monitor"
	otelpkg "github.com/basket/fleetdeck/internal/otel"
	"github.com/basket/fleetdeck/internal/retention"
	"github.com/basket/fleetdeck/internal/telemetry"
	"github.com/basket/fleetdeck/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Start the monitor TUI

DAEMON MODE:
  %s -daemon                  Start daemon (no TUI, logs to stdout)

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FLEETDECK_HOME          Data directory (default: ~/.fleetdeck)
  FLEETDECK_NO_TUI        Set to 1 to disable the TUI
`)
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("FLEETDECK_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run in daemon mode (no TUI, logs to stdout)")
	fresh := flag.Bool("fresh", false, "start with an empty graph (skip previous-session replay)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir, err := resolveHomeDir()
	if err != nil {
		fatalStartup(nil, "E_HOME_RESOLVE", err)
	}

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, homeDir, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) in interactive mode so the TUI stays clean.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on non-loopback bind; anyone who can reach the port can push updates", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelpkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	var jnl *journal.Journal
	// replaying suppresses the journal hook while the previous session is
	// being fed back through the console, so replayed events are not
	// re-recorded under the new session.
	var replaying atomic.Bool
	if cfg.Journal.Enabled {
		jnl, err = journal.Open(cfg.JournalPath())
		if err != nil {
			fatalStartup(logger, "E_JOURNAL_OPEN", err)
		}
		defer jnl.Close()
		logger.Info("startup phase", "phase", "journal_opened", "session_id", jnl.SessionID())
	}

	console := monitor.NewConsole(monitor.ConsoleOptions{
		MaxEntities:     cfg.Monitor.MaxEntities,
		MaxBufferPasses: cfg.Monitor.OrphanBufferPasses,
		Logger:          logger,
		Bus:             eventBus,
		Metrics:         metrics,
		OnAccepted: func(ev monitor.UpdateEvent) {
			if jnl == nil || replaying.Load() {
				return
			}
			if err := jnl.Append(context.Background(), ev); err != nil {
				logger.Warn("journal append failed", "error", err)
			}
		},
	})

	replayed := 0
	if jnl != nil && !*fresh {
		replayCtx, span := otelpkg.StartSpan(ctx, otelProvider.Tracer, "journal.replay",
			otelpkg.AttrSessionID.String(jnl.SessionID()))
		replaying.Store(true)
		replayed = replayPreviousSession(replayCtx, jnl, console, logger)
		replaying.Store(false)
		span.End()
	}
	sessionID := ""
	if jnl != nil {
		sessionID = jnl.SessionID()
	}
	eventBus.Publish(bus.TopicSessionStarted, bus.SessionStartedEvent{
		SessionID:      sessionID,
		ReplayedEvents: replayed,
	})
	logger.Info("startup phase", "phase", "recovery_completed", "replayed", replayed)

	gw, err := gateway.New(gateway.Config{
		Console:      console,
		Bus:          eventBus,
		Journal:      jnl,
		Logger:       logger,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND",
				fmt.Errorf("%w\n\n  Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// sweeperMu guards the sweeper pointer, which the config hot-reload
	// goroutine may replace.
	var (
		sweeperMu sync.Mutex
		sweeper   *retention.Sweeper
	)
	if cfg.Retention.Enabled {
		sweeper, err = retention.New(retention.Config{
			Console:              console,
			Logger:               logger,
			CronSpec:             cfg.Retention.CronSpec,
			ClearCompletedAgents: cfg.Retention.ClearCompletedAgents,
		})
		if err != nil {
			fatalStartup(logger, "E_RETENTION_INIT", err)
		}
		sweeper.Start(ctx)
	}
	defer func() {
		sweeperMu.Lock()
		defer sweeperMu.Unlock()
		if sweeper != nil {
			sweeper.Stop()
		}
	}()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				console,
				eventBus,
				logger,
			)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.Load(cfg.HomeDir)
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			// Only the retention schedule is applied live; transport and
			// journal settings need a restart.
			if newCfg.Retention != cfg.Retention {
				sweeperMu.Lock()
				if sweeper != nil {
					sweeper.Stop()
					sweeper = nil
				}
				if newCfg.Retention.Enabled {
					ns, err := retention.New(retention.Config{
						Console:              console,
						Logger:               logger,
						CronSpec:             newCfg.Retention.CronSpec,
						ClearCompletedAgents: newCfg.Retention.ClearCompletedAgents,
					})
					if err != nil {
						logger.Error("retention reload rejected; sweeper stopped", "error", err)
					} else {
						ns.Start(ctx)
						sweeper = ns
					}
				}
				sweeperMu.Unlock()
				cfg.Retention = newCfg.Retention
				logger.Info("retention config hot-reloaded")
			}
			if newCfg.BindAddr != cfg.BindAddr || newCfg.AuthToken != cfg.AuthToken {
				logger.Warn("bind_addr/auth_token changed in config.yaml; restart to apply")
			}
		}
	}()

	if interactive {
		go func() {
			if err := tui.Run(ctx, console); err != nil && ctx.Err() == nil {
				logger.Error("tui exited with error", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if jnl != nil {
		if err := jnl.CloseSession(shutdownCtx); err != nil {
			logger.Warn("journal session close failed", "error", err)
		}
	}
	logger.Info("shutdown complete")
}

// replayPreviousSession feeds the most recent closed session back through
// the console so the graph survives a restart. Replay errors are logged and
// skipped; a torn journal must not block startup.
func replayPreviousSession(ctx context.Context, jnl *journal.Journal, console *monitor.Console, logger *slog.Logger) int {
	prev, err := jnl.LatestSessionID(ctx)
	if err != nil {
		logger.Warn("previous session lookup failed", "error", err)
		return 0
	}
	if prev == "" {
		return 0
	}
	n, err := jnl.Replay(ctx, prev, func(ev monitor.UpdateEvent) error {
		if _, err := console.Ingest(ev); err != nil {
			logger.Warn("replay event rejected", "kind", ev.TargetKind, "id", ev.TargetID, "error", err)
		}
		return nil
	})
	if err != nil {
		logger.Warn("session replay incomplete", "session_id", prev, "replayed", n, "error", err)
	}
	return n
}

// resolveHomeDir picks the data directory and ensures it exists.
func resolveHomeDir() (string, error) {
	home := strings.TrimSpace(os.Getenv("FLEETDECK_HOME"))
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve user home: %w", err)
		}
		home = filepath.Join(userHome, ".fleetdeck")
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return "", fmt.Errorf("create home: %w", err)
	}
	return home, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
