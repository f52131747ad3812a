// Podagent is the on-device controller for a gomama pod. It reads
// sensor frames from the pod microcontroller over a serial link, folds
// them into the canonical occupancy/disinfection state, and delivers
// telemetry to the backend over MQTT with an HTTP fallback and a
// bounded offline queue.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	podagent serve           Run the agent
//	podagent once            Read and print one parsed sensor frame
//	podagent version         Print version and build information
//	podagent -o json version Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gomama/pod-agent/internal/buildinfo"
	"github.com/gomama/pod-agent/internal/config"
	"github.com/gomama/pod-agent/internal/connwatch"
	"github.com/gomama/pod-agent/internal/events"
	"github.com/gomama/pod-agent/internal/fallback"
	"github.com/gomama/pod-agent/internal/frame"
	"github.com/gomama/pod-agent/internal/httpkit"
	"github.com/gomama/pod-agent/internal/identity"
	"github.com/gomama/pod-agent/internal/pod"
	"github.com/gomama/pod-agent/internal/schedule"
	"github.com/gomama/pod-agent/internal/serial"
	"github.com/gomama/pod-agent/internal/statestore"
	"github.com/gomama/pod-agent/internal/telemetry"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the podagent command. All OS-level
// dependencies are injected as parameters; run returns nil on clean
// shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "once":
		return runOnce(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Podagent - Pod Telemetry Controller")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: podagent [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the agent")
	fmt.Fprintln(w, "  once         Read and print one parsed sensor frame")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./podagent.yaml, ~/.config/podagent/podagent.yaml, /etc/podagent/podagent.yaml")
	return nil
}

// runOnce reads frames from the serial link until one parses, folds it
// through the state machine once, and prints the resulting snapshot as
// JSON. Nothing is persisted or sent — this is the bench diagnostic for
// wiring and firmware checks.
func runOnce(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	link := serial.New(serialConfig(cfg), nil, logger)
	defer link.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := link.Open(ctx); err != nil {
		return fmt.Errorf("open serial link: %w", err)
	}

	machine := pod.New(cfg.ListingID, false, nil, logger)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("no valid frame within 30s: %w", err)
		}
		line, err := link.ReadFrame()
		if err != nil {
			if errors.Is(err, serial.ErrReadTimeout) {
				continue
			}
			return fmt.Errorf("read frame: %w", err)
		}

		f, err := frame.Parse(line)
		if err != nil {
			logger.Warn("dropped malformed frame", "line", line, "error", err)
			continue
		}

		state, _ := machine.Fold(f, time.Now())
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}
}

// runServe is the primary operating mode: it wires the serial link,
// state machine, stores, and transports together and blocks until a
// shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The serve loop persists the final snapshot
//  3. The MQTT transport publishes "offline" and disconnects
//  4. The schedule, watchers, and state store close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting podagent",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. Debug
	// wins over log_level for quick field diagnostics.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated shape; parse errors fall back to info.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		if cfg.Debug {
			level = slog.LevelDebug
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"listing_id", cfg.ListingID,
		"mqtt", cfg.MQTT.Enabled,
		"fallback", cfg.Fallback.Enabled,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	instanceID, err := identity.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}
	logger.Info("instance identity", "instance_id", instanceID)

	// --- State store ---
	// The snapshot is persisted before every send; on startup it seeds
	// the state machine so a restart mid-disinfection resumes the cycle.
	store, err := statestore.Open(filepath.Join(cfg.DataDir, "podagent.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	bus := events.New()
	machine := pod.New(cfg.ListingID, cfg.Telemetry.SendOnChange, bus, logger)
	if prev, ok, err := store.Load(); err != nil {
		logger.Warn("persisted state unreadable, starting fresh", "error", err)
	} else if ok {
		machine.Restore(prev)
		logger.Info("state restored",
			"occupied", prev.Occupied, "disinfecting", prev.Disinfecting)
	}

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// trigger the same graceful shutdown as a cancelled context.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Serial link ---
	link := serial.New(serialConfig(cfg), bus, logger)
	defer link.Close()
	go link.Watchdog(ctx)

	// --- Transports ---
	var mqttTransport *telemetry.MQTTTransport
	if cfg.MQTT.Enabled {
		mqttTransport = telemetry.NewMQTTTransport(cfg, instanceID, bus, logger)
		if err := mqttTransport.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt transport: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := mqttTransport.Stop(stopCtx); err != nil {
				logger.Warn("mqtt shutdown incomplete", "error", err)
			}
		}()
	}

	var fallbackClient *fallback.Client
	if cfg.Fallback.Enabled {
		fallbackClient = fallback.New(cfg.Fallback, logger)
	}

	// The publisher takes interfaces; hand it nil interfaces rather than
	// typed nils when a transport is disabled.
	var primary telemetry.Primary
	if mqttTransport != nil {
		primary = mqttTransport
	}
	var secondary telemetry.Fallback
	if fallbackClient != nil {
		secondary = fallbackClient
	}
	publisher := telemetry.NewPublisher(cfg, primary, secondary, bus, logger)

	// --- Backend health watcher ---
	// Degraded-mode visibility: when the backend API disappears, the
	// fallback path is dead too, and the only safety net left is the
	// offline queue. Worth a log line the moment it happens.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	if cfg.Fallback.Enabled {
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "backend",
			Probe:   connwatch.HTTPProbe(httpkit.NewClient(httpkit.WithTimeout(10*time.Second)), cfg.Fallback.URL),
			Backoff: connwatch.DefaultBackoffConfig(),
			OnDown: func(err error) {
				logger.Warn("backend unreachable, fallback path degraded", "error", err)
			},
			Logger: logger,
		})
	}

	// --- Daily schedule ---
	if cfg.Schedule.Enabled {
		sched, err := buildSchedule(cfg, machine, bus, logger)
		if err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	if err := serveLoop(ctx, cfg, link, machine, store, publisher, mqttTransport, bus, cancel, logger); err != nil {
		return err
	}

	logger.Info("podagent stopped")
	return nil
}

// serveLoop is the main cycle: it consumes serial lines, folds the
// latest frame once per send interval, persists the snapshot, and hands
// it to the publisher. Transport events and inbound commands arrive on
// the bus and are handled here, keeping a single writer for pod state.
func serveLoop(
	ctx context.Context,
	cfg *config.Config,
	link *serial.Link,
	machine *pod.Machine,
	store *statestore.Store,
	publisher *telemetry.Publisher,
	mqttTransport *telemetry.MQTTTransport,
	bus *events.Bus,
	shutdown context.CancelFunc,
	logger *slog.Logger,
) error {
	interval := time.Duration(cfg.Telemetry.SendIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lines := link.Lines(ctx)
	busCh := bus.Subscribe(64)
	defer bus.Unsubscribe(busCh)

	var latest *frame.Frame
	for {
		select {
		case <-ctx.Done():
			// Final persist so the next boot resumes from here.
			if err := store.Save(machine.Snapshot()); err != nil {
				logger.Warn("final snapshot persist failed", "error", err)
			}
			return nil

		case line, ok := <-lines:
			if !ok {
				continue
			}
			logger.Log(ctx, config.LevelTrace, "serial line", "line", line)
			f, err := frame.Parse(line)
			if err != nil {
				logger.Warn("dropped malformed frame", "line", line, "error", err)
				bus.Publish(events.Event{
					Timestamp: time.Now(),
					Source:    events.SourceSerial,
					Kind:      events.KindFrameDropped,
					Data:      map[string]any{"reason": err.Error()},
				})
				continue
			}
			latest = &f

		case <-ticker.C:
			if latest == nil {
				continue
			}
			state, due := machine.Fold(*latest, time.Now())
			latest = nil
			if !due {
				continue
			}

			// Persist before send: a crash between the two loses
			// nothing, a duplicate send is harmless.
			if err := store.Save(state); err != nil {
				logger.Warn("snapshot persist failed, will retry next cycle", "error", err)
			}
			if err := publisher.Send(ctx, state); err != nil {
				logger.Debug("send cycle incomplete",
					"error", err, "queued", publisher.QueueLen(), "lost", publisher.Lost())
				continue
			}
			transport := "http"
			if mqttTransport != nil && mqttTransport.Connected() {
				transport = "mqtt"
			}
			if err := store.MarkSent(transport, time.Now()); err != nil {
				logger.Debug("send mark failed", "error", err)
			}

		case ev := <-busCh:
			handleEvent(ctx, ev, machine, publisher, mqttTransport, shutdown, logger)
		}
	}
}

// handleEvent processes one bus event in the main cycle.
func handleEvent(
	ctx context.Context,
	ev events.Event,
	machine *pod.Machine,
	publisher *telemetry.Publisher,
	mqttTransport *telemetry.MQTTTransport,
	shutdown context.CancelFunc,
	logger *slog.Logger,
) {
	switch ev.Kind {
	case events.KindConnected:
		// Broker is back: replay whatever the outage queued up.
		publisher.Drain(ctx)

	case events.KindCommand:
		command, _ := ev.Data["command"].(string)
		switch command {
		case "ping":
			logger.Info("ping command received")
			if mqttTransport != nil {
				mqttTransport.PublishStatus(ctx, "online")
			}
		case "restart":
			logger.Info("restart command received, shutting down")
			shutdown()
		case "disinfect_start":
			if !machine.SetDisinfecting(true, false) {
				logger.Warn("disinfect_start command refused: pod occupied")
			}
		case "disinfect_stop":
			machine.SetDisinfecting(false, false)
		default:
			logger.Warn("unrecognized command ignored", "command", command)
		}

	case events.KindRestartRequested:
		origin, _ := ev.Data["origin"].(string)
		logger.Info("restart requested, shutting down", "origin", origin)
		shutdown()
	}
}

// buildSchedule wires the daily disinfection window and optional
// restart job.
func buildSchedule(cfg *config.Config, machine *pod.Machine, bus *events.Bus, logger *slog.Logger) (*schedule.Scheduler, error) {
	loc := time.Local
	if cfg.Schedule.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Schedule.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load schedule timezone: %w", err)
		}
	}

	start, err := schedule.ParseClock(cfg.Schedule.DisinfectStart)
	if err != nil {
		return nil, fmt.Errorf("schedule.disinfect_start: %w", err)
	}
	end, err := schedule.ParseClock(cfg.Schedule.DisinfectEnd)
	if err != nil {
		return nil, fmt.Errorf("schedule.disinfect_end: %w", err)
	}

	sched := schedule.New(loc, logger)
	sched.Add(schedule.Job{
		Name: "disinfect_start",
		At:   start,
		Run: func(context.Context) {
			// Refused while occupied; the window simply passes and the
			// next day's job tries again.
			if !machine.SetDisinfecting(true, true) {
				logger.Warn("scheduled disinfection skipped: pod occupied")
			}
		},
	})
	sched.Add(schedule.Job{
		Name: "disinfect_end",
		At:   end,
		Run: func(context.Context) {
			machine.SetDisinfecting(false, false)
		},
	})

	if cfg.Schedule.RestartAt != "" {
		restartAt, err := schedule.ParseClock(cfg.Schedule.RestartAt)
		if err != nil {
			return nil, fmt.Errorf("schedule.restart_at: %w", err)
		}
		sched.Add(schedule.Job{
			Name: "restart",
			At:   restartAt,
			Run: func(context.Context) {
				bus.Publish(events.Event{
					Timestamp: time.Now(),
					Source:    events.SourceSchedule,
					Kind:      events.KindRestartRequested,
					Data:      map[string]any{"origin": "schedule"},
				})
			},
		})
	}

	return sched, nil
}

// serialConfig maps the YAML serial section to the link config.
func serialConfig(cfg *config.Config) serial.Config {
	return serial.Config{
		Port:            cfg.Serial.Port,
		ExtraPorts:      cfg.Serial.ExtraPorts,
		BaudRate:        cfg.Serial.BaudRate,
		ReadTimeout:     time.Duration(cfg.Serial.ReadTimeoutSec) * time.Second,
		WatchdogTimeout: time.Duration(cfg.Serial.WatchdogTimeoutSec) * time.Second,
	}
}

// newLogger creates a structured logger that writes to w at the given
// level. All log output goes through slog; this helper standardizes the
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
