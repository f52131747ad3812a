package pod

import (
	"testing"
	"time"

	"github.com/gomama/pod-agent/internal/frame"
)

// sensorFrame builds a frame from the interesting bits. Relay bits are
// inverted on the wire: 0 means the actuator is energized.
func sensorFrame(doorBit, uvBit, presenceState int) frame.Frame {
	return frame.Frame{
		Temperature:   25.5,
		Humidity:      60.0,
		DoorBit:       doorBit,
		FanRelayBit:   1,
		ACRelayBit:    1,
		LightRelayBit: 1,
		UVRelayBit:    uvBit,
		PresenceState: presenceState,
	}
}

func foldN(t *testing.T, m *Machine, f frame.Frame, n int) State {
	t.Helper()
	var s State
	now := time.Now()
	for i := 0; i < n; i++ {
		s, _ = m.Fold(f, now.Add(time.Duration(i)*time.Second))
	}
	return s
}

func TestFoldMirrorsSensorFields(t *testing.T) {
	m := New("pod-17", false, nil, nil)

	f := frame.Frame{
		Temperature:   29.3,
		Humidity:      62.41,
		DoorBit:       1,
		FanRelayBit:   1,
		ACRelayBit:    0,
		LightRelayBit: 0,
		UVRelayBit:    1,
		PresenceState: 0,
	}
	s, due := m.Fold(f, time.Unix(1700000000, 0))

	if !due {
		t.Error("first fold not flagged due")
	}
	if s.ListingID != "pod-17" {
		t.Errorf("ListingID = %q", s.ListingID)
	}
	if s.Timestamp != 1700000000 {
		t.Errorf("Timestamp = %d", s.Timestamp)
	}
	if s.Temperature != 29.3 || s.Humidity != 62.41 {
		t.Errorf("climate = %v/%v", s.Temperature, s.Humidity)
	}
	if !s.DoorOpened {
		t.Error("door bit 1 should mean opened")
	}
	if !s.FanOn || !s.LEDLightOn {
		t.Error("relay bit 0 should mean actuator on")
	}
	if s.UVCLampOn {
		t.Error("relay bit 1 should mean actuator off")
	}
	if s.Occupied {
		t.Error("presence state 0 should mean vacant")
	}
}

func TestOccupancyForcesLampOff(t *testing.T) {
	m := New("pod-17", false, nil, nil)

	// Firmware claims the lamp relay is energized while someone is
	// inside; occupancy must win.
	s, _ := m.Fold(sensorFrame(0, 0, 1), time.Now())
	if !s.Occupied {
		t.Fatal("not occupied")
	}
	if s.UVCLampOn {
		t.Error("lamp reported on while occupied")
	}
	if s.Disinfecting {
		t.Error("disinfecting while occupied")
	}
}

func TestDisinfectionStartsOnVacancyWithDoorClosed(t *testing.T) {
	m := New("pod-17", false, nil, nil)

	foldN(t, m, sensorFrame(0, 1, 1), 3) // occupied
	s, _ := m.Fold(sensorFrame(0, 1, 0), time.Now())

	if s.Occupied {
		t.Fatal("still occupied")
	}
	if !s.Disinfecting {
		t.Error("disinfection did not start on vacancy with door closed")
	}
	if !s.UVCLampOn {
		t.Error("lamp not commanded on at cycle start")
	}
}

func TestDisinfectionNotStartedWhileDoorOpen(t *testing.T) {
	m := New("pod-17", false, nil, nil)

	foldN(t, m, sensorFrame(0, 1, 1), 3) // occupied
	s, _ := m.Fold(sensorFrame(1, 1, 0), time.Now())

	if s.Disinfecting {
		t.Error("disinfection started with the door open")
	}
}

func TestDisinfectionPersistsWhileLampOn(t *testing.T) {
	m := New("pod-17", false, nil, nil)

	foldN(t, m, sensorFrame(0, 1, 1), 2)
	m.Fold(sensorFrame(0, 1, 0), time.Now()) // cycle starts

	// Lamp relay now reports energized; cycle keeps running.
	s := foldN(t, m, sensorFrame(0, 0, 0), 5)
	if !s.Disinfecting {
		t.Fatal("cycle did not persist while lamp on")
	}
	if m.DisinfectCycles() != 5 {
		t.Errorf("DisinfectCycles() = %d, want 5", m.DisinfectCycles())
	}

	// Lamp relay de-energizes; cycle ends.
	s, _ = m.Fold(sensorFrame(0, 1, 0), time.Now())
	if s.Disinfecting {
		t.Error("cycle did not clear when lamp turned off")
	}
	if m.DisinfectCycles() != 0 {
		t.Errorf("cycle counter not reset, got %d", m.DisinfectCycles())
	}
}

func TestDisinfectionInterruptedByReentry(t *testing.T) {
	m := New("pod-17", false, nil, nil)

	foldN(t, m, sensorFrame(0, 1, 1), 2)
	m.Fold(sensorFrame(0, 1, 0), time.Now()) // cycle starts
	foldN(t, m, sensorFrame(0, 0, 0), 3)

	s, _ := m.Fold(sensorFrame(0, 0, 1), time.Now()) // somebody walks in
	if s.Disinfecting {
		t.Error("cycle not interrupted by re-entry")
	}
	if s.UVCLampOn {
		t.Error("lamp still on with pod occupied")
	}
}

// The pod must never report occupied and disinfecting at once, whatever
// frame sequence arrives.
func TestOccupiedAndDisinfectingNeverCoincide(t *testing.T) {
	m := New("pod-17", false, nil, nil)

	frames := []frame.Frame{
		sensorFrame(0, 1, 1),
		sensorFrame(0, 1, 0),
		sensorFrame(0, 0, 0),
		sensorFrame(0, 0, 1),
		sensorFrame(1, 0, 1),
		sensorFrame(1, 0, 0),
		sensorFrame(0, 0, 0),
		sensorFrame(0, 1, 1),
	}
	now := time.Now()
	for i, f := range frames {
		s, _ := m.Fold(f, now.Add(time.Duration(i)*time.Second))
		if s.Occupied && s.Disinfecting {
			t.Fatalf("frame %d: occupied and disinfecting simultaneously", i)
		}
		if s.Occupied && s.UVCLampOn {
			t.Fatalf("frame %d: occupied with lamp on", i)
		}
	}
}

func TestSetDisinfectingRefusedWhileOccupied(t *testing.T) {
	m := New("pod-17", false, nil, nil)
	m.Fold(sensorFrame(0, 1, 1), time.Now())

	if m.SetDisinfecting(true, true) {
		t.Error("scheduled start accepted while occupied")
	}
	if s := m.Snapshot(); s.Disinfecting {
		t.Error("state shows disinfecting after refused start")
	}
}

func TestSetDisinfectingScheduledCycle(t *testing.T) {
	m := New("pod-17", false, nil, nil)
	m.Fold(sensorFrame(0, 1, 0), time.Now())

	if !m.SetDisinfecting(true, true) {
		t.Fatal("scheduled start refused on a vacant pod")
	}
	s := m.Snapshot()
	if !s.Disinfecting || !s.Scheduled || !s.UVCLampOn {
		t.Errorf("after scheduled start: %+v", s)
	}

	if !m.SetDisinfecting(false, false) {
		t.Fatal("stop refused")
	}
	s = m.Snapshot()
	if s.Disinfecting || s.Scheduled || s.UVCLampOn {
		t.Errorf("after stop: %+v", s)
	}
}

func TestSendOnChangeSuppressesIdenticalCycles(t *testing.T) {
	m := New("pod-17", true, nil, nil)

	now := time.Unix(1700000000, 0)
	if _, due := m.Fold(sensorFrame(0, 1, 0), now); !due {
		t.Fatal("first fold must always be due")
	}
	// Same frame, same second: nothing changed.
	if _, due := m.Fold(sensorFrame(0, 1, 0), now); due {
		t.Error("unchanged fold flagged due")
	}
	// Door opens: that is a delta.
	if _, due := m.Fold(sensorFrame(1, 1, 0), now); !due {
		t.Error("changed fold not flagged due")
	}
}

func TestRestoreKeepsConstructedListingID(t *testing.T) {
	m := New("pod-17", false, nil, nil)
	m.Restore(State{ListingID: "stale", Disinfecting: true, UVCLampOn: true})

	s := m.Snapshot()
	if s.ListingID != "pod-17" {
		t.Errorf("ListingID = %q, want pod-17", s.ListingID)
	}
	if !s.Disinfecting {
		t.Error("restored disinfection flag lost")
	}
}
