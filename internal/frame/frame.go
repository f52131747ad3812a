// Package frame decodes raw sensor lines from the microcontroller into
// typed frames. One line describes the full sensor and actuator state
// of the pod at the moment it was emitted.
//
// The wire format is a single newline-terminated ASCII record with
// ";"-separated positional fields: temperature with a C suffix,
// relative humidity with a % suffix, then eight to ten integer fields
// in a fixed order (door, fan relay, AC relay, light relay, UV relay,
// presence sense, auxiliary presence sense, presence state, and the
// optional firmware state and movement counters). Relay bits use
// inverted logic: 0 means the relay is energized.
package frame

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedFrame reports a line that does not match the expected
// record shape. Malformed frames are dropped by the caller; they must
// never abort the read loop.
var ErrMalformedFrame = errors.New("malformed sensor frame")

// Field positions after the temperature and humidity columns.
const (
	fieldDoor = iota
	fieldFanRelay
	fieldACRelay
	fieldLightRelay
	fieldUVRelay
	fieldPresence
	fieldPresenceAux
	fieldPresenceState
	fieldStateCounter
	fieldMovementCounter

	// minIntFields is the number of integer columns a frame must carry;
	// the two trailing counters are optional.
	minIntFields = fieldPresenceState + 1
	maxIntFields = fieldMovementCounter + 1
)

// Frame is the decoded sensor/actuator state from one serial line.
// It is ephemeral: it lives for one parse-apply cycle and is discarded
// after being folded into the pod state.
type Frame struct {
	Temperature float64
	Humidity    float64

	DoorBit       int
	FanRelayBit   int
	ACRelayBit    int
	LightRelayBit int
	UVRelayBit    int

	PresenceBit    int
	PresenceAuxBit int
	PresenceState  int

	StateCounter    int
	MovementCounter int
}

// Parse decodes one raw serial line. Parsing is deterministic: the same
// line always yields the same Frame. Any shape violation (wrong field
// count, non-numeric field) returns an error wrapping
// [ErrMalformedFrame].
func Parse(line string) (Frame, error) {
	var f Frame

	fields := strings.Split(strings.TrimSpace(line), ";")
	if len(fields) < 2+minIntFields || len(fields) > 2+maxIntFields {
		return f, fmt.Errorf("%w: %d fields (want %d..%d)",
			ErrMalformedFrame, len(fields), 2+minIntFields, 2+maxIntFields)
	}

	temp, err := parseUnitFloat(fields[0], "C")
	if err != nil {
		return f, fmt.Errorf("%w: temperature %q: %v", ErrMalformedFrame, fields[0], err)
	}
	hum, err := parseUnitFloat(fields[1], "%")
	if err != nil {
		return f, fmt.Errorf("%w: humidity %q: %v", ErrMalformedFrame, fields[1], err)
	}
	f.Temperature = temp
	f.Humidity = hum

	ints := make([]int, maxIntFields)
	for i, raw := range fields[2:] {
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return Frame{}, fmt.Errorf("%w: field %d %q: not an integer", ErrMalformedFrame, i+2, raw)
		}
		ints[i] = v
	}

	f.DoorBit = ints[fieldDoor]
	f.FanRelayBit = ints[fieldFanRelay]
	f.ACRelayBit = ints[fieldACRelay]
	f.LightRelayBit = ints[fieldLightRelay]
	f.UVRelayBit = ints[fieldUVRelay]
	f.PresenceBit = ints[fieldPresence]
	f.PresenceAuxBit = ints[fieldPresenceAux]
	f.PresenceState = ints[fieldPresenceState]
	f.StateCounter = ints[fieldStateCounter]
	f.MovementCounter = ints[fieldMovementCounter]

	return f, nil
}

// parseUnitFloat parses a numeric field carrying a known unit suffix,
// e.g. "29.30*C" or "62.41%". The suffix is optional; a leading "*"
// before the unit (firmware quirk for the degree glyph) is stripped too.
func parseUnitFloat(raw, unit string) (float64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, unit)
	s = strings.TrimSuffix(s, "*")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.ParseFloat(s, 64)
}
