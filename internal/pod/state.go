// Package pod derives the canonical pod state from sensor frames. The
// state machine folds one frame per cycle, applies the occupancy and
// disinfection rules, and flags when a telemetry send is due. Exactly
// one Machine exists per process; it is the only writer of the state,
// and everything downstream works on copied snapshots.
package pod

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gomama/pod-agent/internal/events"
	"github.com/gomama/pod-agent/internal/frame"
)

// DefaultDebounceThreshold is the number of consecutive non-occupied
// fold cycles after which the debounce counter wraps back to zero.
const DefaultDebounceThreshold = 25

// State is the canonical pod state. The JSON field names are the wire
// names used by both transports and the durable store.
type State struct {
	ListingID    string  `json:"listing_id"`
	Timestamp    int64   `json:"timestamp"`
	Occupied     bool    `json:"is_occupied"`
	Disinfecting bool    `json:"is_disinfecting"`
	DoorOpened   bool    `json:"is_door_opened"`
	LEDLightOn   bool    `json:"is_led_light_on"`
	FanOn        bool    `json:"is_fan_on"`
	UVCLampOn    bool    `json:"is_uvc_lamp_on"`
	Scheduled    bool    `json:"is_scheduled"`
	Temperature  float64 `json:"temperature"`
	Humidity     float64 `json:"humidity"`
}

// Machine owns the live State and folds sensor frames into it on a
// fixed cadence. All methods are safe for concurrent use; Fold is the
// only mutation path for sensor-derived fields, and command methods
// (SetDisinfecting) take the same lock.
type Machine struct {
	mu    sync.Mutex
	state State
	prev  State

	// pending is armed by a qualifying occupied→vacant transition and
	// consumed when the disinfection cycle actually starts.
	pending         bool
	debounce        int
	debounceLimit   int
	disinfectCycles int

	sendOnChange bool
	firstFold    bool

	bus    *events.Bus
	logger *slog.Logger
}

// New creates a Machine for the given pod listing. When sendOnChange is
// false the machine flags a send on every fold cycle, preserving the
// fixed telemetry cadence; when true it flags only real deltas.
func New(listingID string, sendOnChange bool, bus *events.Bus, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		state:         State{ListingID: listingID},
		debounceLimit: DefaultDebounceThreshold,
		sendOnChange:  sendOnChange,
		firstFold:     true,
		bus:           bus,
		logger:        logger,
	}
}

// Restore seeds the machine with a previously persisted state, keeping
// occupancy and disinfection continuity across process restarts. The
// listing ID from construction wins over the stored one.
func (m *Machine) Restore(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.state.ListingID
	m.state = s
	m.state.ListingID = id
	m.prev = m.state
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fold applies one sensor frame at the given wall-clock instant and
// returns the resulting snapshot plus whether a telemetry send is due.
// Relay bits use inverted logic (0 = energized). Fold never fails: the
// caller is expected to drop malformed frames before reaching here.
func (m *Machine) Fold(f frame.Frame, now time.Time) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasOccupied := m.state.Occupied

	m.state.Timestamp = now.Unix()
	m.state.Temperature = f.Temperature
	m.state.Humidity = f.Humidity

	m.state.DoorOpened = f.DoorBit == 1
	m.state.LEDLightOn = f.LightRelayBit == 0
	m.state.FanOn = f.ACRelayBit == 0
	m.state.UVCLampOn = f.UVRelayBit == 0
	m.state.Occupied = f.PresenceState == 1

	// Debounce: reset while occupied or while the door is open, count
	// vacant cycles otherwise, wrap past the threshold.
	if m.state.Occupied || m.state.DoorOpened {
		m.debounce = 0
	} else {
		m.debounce++
		if m.debounce > m.debounceLimit {
			m.logger.Debug("debounce counter wrapped", "cycles", m.debounce)
			m.debounce = 0
		}
	}

	if m.state.Occupied {
		// Occupancy always wins: an occupied pod must never run the
		// lamp, whatever the relay mirror claims.
		m.state.UVCLampOn = false
		m.state.Scheduled = false
		m.pending = false
		if m.state.Disinfecting {
			m.endDisinfectLocked(true)
		}
	} else {
		if wasOccupied && !m.state.DoorOpened {
			// Qualifying exit: somebody just left and the door is
			// closed behind them.
			m.pending = true
		}

		switch {
		case m.state.Disinfecting:
			m.disinfectCycles++
			if !m.state.UVCLampOn {
				m.endDisinfectLocked(false)
			}
		case m.pending:
			m.state.Disinfecting = true
			m.state.UVCLampOn = true
			m.pending = false
			m.disinfectCycles = 0
			m.logger.Info("disinfection cycle started")
			m.bus.Publish(events.Event{
				Timestamp: now,
				Source:    events.SourcePod,
				Kind:      events.KindDisinfectStart,
				Data:      map[string]any{"scheduled": false},
			})
		}
	}

	if m.state.Occupied != wasOccupied {
		m.logger.Info("occupancy changed", "occupied", m.state.Occupied)
		m.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourcePod,
			Kind:      events.KindOccupied,
			Data:      map[string]any{"occupied": m.state.Occupied},
		})
	}

	due := true
	if m.sendOnChange {
		due = m.firstFold || m.state != m.prev
	}
	m.firstFold = false
	m.prev = m.state

	return m.state, due
}

// endDisinfectLocked clears the disinfection cycle. Callers hold m.mu.
func (m *Machine) endDisinfectLocked(interrupted bool) {
	cycles := m.disinfectCycles
	m.state.Disinfecting = false
	m.state.Scheduled = false
	m.disinfectCycles = 0
	m.logger.Info("disinfection cycle ended",
		"cycles", cycles, "interrupted", interrupted)
	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourcePod,
		Kind:      events.KindDisinfectEnd,
		Data:      map[string]any{"cycles": cycles, "interrupted": interrupted},
	})
}

// SetDisinfecting starts or stops a disinfection cycle on command (from
// the schedule window or the commands topic). Starting is refused while
// the pod is occupied. scheduled marks the cycle as schedule-driven in
// the snapshot.
func (m *Machine) SetDisinfecting(on, scheduled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if on {
		if m.state.Occupied {
			m.logger.Warn("disinfection start refused: pod occupied")
			return false
		}
		if m.state.Disinfecting {
			return true
		}
		m.state.Disinfecting = true
		m.state.UVCLampOn = true
		m.state.Scheduled = scheduled
		m.disinfectCycles = 0
		m.logger.Info("disinfection cycle started", "scheduled", scheduled)
		m.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourcePod,
			Kind:      events.KindDisinfectStart,
			Data:      map[string]any{"scheduled": scheduled},
		})
		return true
	}

	if !m.state.Disinfecting {
		return true
	}
	m.state.UVCLampOn = false
	m.endDisinfectLocked(false)
	return true
}

// DisinfectCycles returns how many fold cycles the current disinfection
// cycle has run.
func (m *Machine) DisinfectCycles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disinfectCycles
}
