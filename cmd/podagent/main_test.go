package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gomama/pod-agent/internal/config"
	"github.com/gomama/pod-agent/internal/events"
	"github.com/gomama/pod-agent/internal/pod"
	"github.com/gomama/pod-agent/internal/telemetry"
)

func TestRunVersionText(t *testing.T) {
	var buf bytes.Buffer
	if err := run(context.Background(), &buf, &buf, []string{"version"}); err != nil {
		t.Fatalf("run(version) error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"version:", "git_commit:", "go_version:"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output missing %q:\n%s", want, out)
		}
	}
}

func TestRunVersionJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := run(context.Background(), &buf, &buf, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run(-o json version) error: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("version output is not valid JSON: %v\n%s", err, buf.String())
	}
	if info["version"] == "" {
		t.Error("JSON version output missing the version field")
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	err := run(context.Background(), &buf, &buf, []string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("run(bogus) error = %v, want unknown command", err)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	var buf bytes.Buffer
	err := run(context.Background(), &buf, &buf, []string{"--frobnicate", "serve"})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Errorf("run(--frobnicate) error = %v, want unknown flag", err)
	}
}

func TestRunRejectsUnknownOutputFormat(t *testing.T) {
	var buf bytes.Buffer
	err := run(context.Background(), &buf, &buf, []string{"-o", "xml", "version"})
	if err == nil || !strings.Contains(err.Error(), "output format") {
		t.Errorf("run(-o xml) error = %v, want output format error", err)
	}
}

func TestRunNoCommandPrintsUsage(t *testing.T) {
	var buf bytes.Buffer
	if err := run(context.Background(), &buf, &buf, nil); err != nil {
		t.Fatalf("run() error: %v", err)
	}
	if !strings.Contains(buf.String(), "Usage: podagent") {
		t.Errorf("bare invocation should print usage, got:\n%s", buf.String())
	}
}

func TestRunHelpFlag(t *testing.T) {
	var buf bytes.Buffer
	if err := run(context.Background(), &buf, &buf, []string{"--help"}); err != nil {
		t.Fatalf("run(--help) error: %v", err)
	}
	if !strings.Contains(buf.String(), "serve") {
		t.Errorf("help output missing commands, got:\n%s", buf.String())
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHandleEventCommandDispatch(t *testing.T) {
	logger := testLogger()
	machine := pod.New("pod-17", false, nil, logger)
	cfg := config.Default()
	cfg.ListingID = "pod-17"
	publisher := telemetry.NewPublisher(cfg, nil, nil, nil, logger)

	var stopped bool
	shutdown := func() { stopped = true }

	command := func(name string) events.Event {
		return events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceTelemetry,
			Kind:      events.KindCommand,
			Data:      map[string]any{"command": name},
		}
	}

	handleEvent(context.Background(), command("disinfect_start"), machine, publisher, nil, shutdown, logger)
	if !machine.Snapshot().Disinfecting {
		t.Error("disinfect_start command did not start disinfection")
	}

	handleEvent(context.Background(), command("disinfect_stop"), machine, publisher, nil, shutdown, logger)
	if machine.Snapshot().Disinfecting {
		t.Error("disinfect_stop command did not end disinfection")
	}

	// Unknown commands are logged and ignored, never fatal.
	handleEvent(context.Background(), command("self_destruct"), machine, publisher, nil, shutdown, logger)
	if stopped {
		t.Fatal("unknown command must not trigger shutdown")
	}

	handleEvent(context.Background(), command("restart"), machine, publisher, nil, shutdown, logger)
	if !stopped {
		t.Error("restart command did not trigger shutdown")
	}
}

func TestHandleEventRestartRequested(t *testing.T) {
	logger := testLogger()
	machine := pod.New("pod-17", false, nil, logger)
	cfg := config.Default()
	publisher := telemetry.NewPublisher(cfg, nil, nil, nil, logger)

	var stopped bool
	handleEvent(context.Background(), events.Event{
		Kind: events.KindRestartRequested,
		Data: map[string]any{"origin": "schedule"},
	}, machine, publisher, nil, func() { stopped = true }, logger)
	if !stopped {
		t.Error("restart_requested event did not trigger shutdown")
	}
}

func TestBuildScheduleJobs(t *testing.T) {
	logger := testLogger()
	cfg := config.Default()
	cfg.Schedule.Enabled = true
	cfg.Schedule.DisinfectStart = "06:00"
	cfg.Schedule.DisinfectEnd = "06:10"
	cfg.Schedule.RestartAt = "04:00"
	cfg.Schedule.Timezone = "UTC"

	machine := pod.New("pod-17", false, nil, logger)
	sched, err := buildSchedule(cfg, machine, events.New(), logger)
	if err != nil {
		t.Fatalf("buildSchedule() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	for _, name := range []string{"disinfect_start", "disinfect_end", "restart"} {
		if _, ok := sched.NextRun(name); !ok {
			t.Errorf("job %q not armed", name)
		}
	}
}

func TestBuildScheduleRejectsBadClock(t *testing.T) {
	logger := testLogger()
	cfg := config.Default()
	cfg.Schedule.DisinfectStart = "25:99"

	machine := pod.New("pod-17", false, nil, logger)
	if _, err := buildSchedule(cfg, machine, events.New(), logger); err == nil {
		t.Error("buildSchedule() accepted an invalid clock value")
	}
}

func TestSerialConfigMapsDurations(t *testing.T) {
	cfg := config.Default()
	cfg.Serial.Port = "/dev/ttyUSB3"
	cfg.Serial.ReadTimeoutSec = 5
	cfg.Serial.WatchdogTimeoutSec = 15

	sc := serialConfig(cfg)
	if sc.Port != "/dev/ttyUSB3" {
		t.Errorf("Port = %q", sc.Port)
	}
	if sc.ReadTimeout != 5*time.Second {
		t.Errorf("ReadTimeout = %v, want 5s", sc.ReadTimeout)
	}
	if sc.WatchdogTimeout != 15*time.Second {
		t.Errorf("WatchdogTimeout = %v, want 15s", sc.WatchdogTimeout)
	}
}
