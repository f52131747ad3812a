// Package serial owns the physical link to the pod microcontroller.
// It exposes line-delimited frame reads, probes candidate device paths
// when no port is pinned in config, and runs an idle watchdog that
// forces a close-and-reopen when the link goes silent — recovering from
// a hung microcontroller or a USB re-enumeration without a process
// restart.
//
// The watchdog and the reader are independent goroutines. Reopening
// invalidates the handle atomically under the link mutex; a reader
// holding the stale handle observes [ErrClosed] and retries on its next
// iteration instead of crashing.
package serial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	serialport "go.bug.st/serial"

	"github.com/gomama/pod-agent/internal/events"
)

var (
	// ErrNoPortAvailable reports that no candidate device path could be
	// opened.
	ErrNoPortAvailable = errors.New("no serial port available")
	// ErrClosed reports a read against a handle that was torn down,
	// typically by the watchdog reopening the link mid-read.
	ErrClosed = errors.New("serial port closed")
	// ErrReadTimeout reports that no complete line arrived within the
	// configured read timeout.
	ErrReadTimeout = errors.New("serial read timeout")
)

// maxProbedPorts bounds the /dev/ttyUSB probe range.
const maxProbedPorts = 32

// Config holds the link settings.
type Config struct {
	// Port pins a device path. Empty means probe candidates in order.
	Port string
	// ExtraPorts are probed after the built-in candidate range.
	ExtraPorts []string
	BaudRate   int
	// ReadTimeout bounds a single ReadFrame call.
	ReadTimeout time.Duration
	// WatchdogTimeout is how long the link may stay silent before the
	// watchdog forces a close-and-reopen.
	WatchdogTimeout time.Duration
}

// opener abstracts serialport.Open so tests can substitute fake ports.
type opener func(portName string, mode *serialport.Mode) (serialport.Port, error)

// handle pairs a port with its buffered reader so a reopen swaps both
// atomically.
type handle struct {
	port serialport.Port
	name string
	rd   *bufio.Reader
}

// Link owns the serial connection. All methods are safe for concurrent
// use; the reader and the watchdog run against the same Link.
type Link struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	openFn opener

	mu sync.Mutex
	h  *handle

	// lastData is the unix nanosecond timestamp of the most recent
	// byte arrival, maintained by the reader for the watchdog.
	lastData atomic.Int64

	// watchdogInterval is one second in production; tests shrink it.
	watchdogInterval time.Duration
}

// New creates a Link. It does not open the port; call [Link.Open] or
// let [Link.Lines] open it lazily.
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 15 * time.Second
	}
	l := &Link{
		cfg:              cfg,
		logger:           logger,
		bus:              bus,
		openFn:           serialport.Open,
		watchdogInterval: time.Second,
	}
	l.lastData.Store(time.Now().UnixNano())
	return l
}

// candidates returns the device paths to probe, in order.
func (l *Link) candidates() []string {
	if l.cfg.Port != "" {
		return []string{l.cfg.Port}
	}
	paths := make([]string, 0, maxProbedPorts+len(l.cfg.ExtraPorts))
	for i := 0; i < maxProbedPorts; i++ {
		paths = append(paths, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	return append(paths, l.cfg.ExtraPorts...)
}

// Open binds the first candidate device path that opens successfully.
// Any previously held handle is closed first, so Open doubles as the
// reopen path. Returns [ErrNoPortAvailable] if every candidate fails.
func (l *Link) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openLocked(ctx)
}

func (l *Link) openLocked(ctx context.Context) error {
	l.closeLocked()

	mode := &serialport.Mode{BaudRate: l.cfg.BaudRate}
	for _, name := range l.candidates() {
		if err := ctx.Err(); err != nil {
			return err
		}
		port, err := l.openFn(name, mode)
		if err != nil {
			l.logger.Debug("serial candidate failed", "port", name, "error", err)
			continue
		}
		if err := port.SetReadTimeout(l.cfg.ReadTimeout); err != nil {
			port.Close()
			l.logger.Debug("serial candidate rejected", "port", name, "error", err)
			continue
		}
		// Discard whatever accumulated while nobody was reading.
		_ = port.ResetInputBuffer()

		l.h = &handle{
			port: port,
			name: name,
			rd:   bufio.NewReader(&dataReader{port: port, link: l}),
		}
		l.lastData.Store(time.Now().UnixNano())
		l.logger.Info("serial port opened", "port", name, "baud", l.cfg.BaudRate)
		l.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceSerial,
			Kind:      events.KindPortOpened,
			Data:      map[string]any{"port": name},
		})
		return nil
	}
	return ErrNoPortAvailable
}

// Port returns the bound device path, or empty when closed.
func (l *Link) Port() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h == nil {
		return ""
	}
	return l.h.name
}

// Close releases the port. Idempotent and safe concurrent with reads:
// an in-flight ReadFrame fails with [ErrClosed].
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
}

func (l *Link) closeLocked() {
	if l.h == nil {
		return
	}
	if err := l.h.port.Close(); err != nil {
		l.logger.Debug("serial close", "port", l.h.name, "error", err)
	}
	l.h = nil
}

// ReadFrame reads one newline-terminated line from the link. It
// returns [ErrClosed] when no handle is bound or the handle was torn
// down mid-read, and [ErrReadTimeout] when no complete line arrived
// within the read timeout.
func (l *Link) ReadFrame() (string, error) {
	l.mu.Lock()
	h := l.h
	l.mu.Unlock()
	if h == nil {
		return "", ErrClosed
	}

	line, err := h.rd.ReadString('\n')
	if err != nil {
		// The watchdog may have swapped the handle under us; surface
		// that as ErrClosed so the caller retries with the new handle.
		l.mu.Lock()
		stale := l.h != h
		l.mu.Unlock()
		if stale {
			return "", ErrClosed
		}
		if errors.Is(err, ErrReadTimeout) {
			return "", ErrReadTimeout
		}
		return "", fmt.Errorf("serial read: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Lines opens the port if needed and streams frames until ctx is
// cancelled. Read errors are absorbed: timeouts simply continue,
// ErrClosed retries against the reopened handle, and open failures
// back off for one watchdog interval. The channel is closed on return.
func (l *Link) Lines(ctx context.Context) <-chan string {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for {
			if err := ctx.Err(); err != nil {
				return
			}

			l.mu.Lock()
			bound := l.h != nil
			l.mu.Unlock()
			if !bound {
				if err := l.Open(ctx); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					l.logger.Warn("serial open failed", "error", err)
					if !sleepCtx(ctx, l.watchdogInterval) {
						return
					}
					continue
				}
			}

			line, err := l.ReadFrame()
			switch {
			case err == nil:
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			case errors.Is(err, ErrReadTimeout), errors.Is(err, ErrClosed):
				// Watchdog territory — retry on the next iteration.
			default:
				l.logger.Warn("serial read error", "error", err)
				if !sleepCtx(ctx, l.watchdogInterval) {
					return
				}
			}
		}
	}()
	return out
}

// Watchdog runs the idle monitor until ctx is cancelled. Once per
// interval it checks whether any bytes arrived; after WatchdogTimeout
// of continuous silence (counting time with no handle at all) it
// forces a close-and-reopen and resets the idle clock.
func (l *Link) Watchdog(ctx context.Context) {
	ticker := time.NewTicker(l.watchdogInterval)
	defer ticker.Stop()

	threshold := int64(l.cfg.WatchdogTimeout / l.watchdogInterval)
	if threshold < 1 {
		threshold = 1
	}

	var idle int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			since := time.Since(time.Unix(0, l.lastData.Load()))
			if since < l.watchdogInterval {
				idle = 0
				continue
			}
			idle++
			l.logger.Debug("serial watchdog idle", "idle", idle, "threshold", threshold)
			if idle < threshold {
				continue
			}

			idle = 0
			l.logger.Warn("serial link silent, forcing reopen",
				"silent", since.Truncate(time.Second).String())
			l.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceSerial,
				Kind:      events.KindPortReopened,
				Data:      map[string]any{"idle_seconds": since.Seconds()},
			})
			if err := l.Open(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Warn("serial reopen failed", "error", err)
			}
		}
	}
}

// dataReader adapts a serial port to io.Reader for bufio while feeding
// the watchdog. go.bug.st/serial returns (0, nil) on a read timeout,
// which bufio would treat as no progress; convert it to ErrReadTimeout.
type dataReader struct {
	port serialport.Port
	link *Link
}

func (r *dataReader) Read(p []byte) (int, error) {
	n, err := r.port.Read(p)
	if n > 0 {
		r.link.lastData.Store(time.Now().UnixNano())
	}
	if n == 0 && err == nil {
		return 0, ErrReadTimeout
	}
	return n, err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
