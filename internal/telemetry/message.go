// Package telemetry delivers pod state snapshots to the backend. The
// primary path is MQTT with automatic reconnect; failed sends land in a
// bounded offline queue for replay and, when enabled, are mirrored to
// an HTTP fallback endpoint. The publisher never blocks the send cycle
// on a dead broker.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/gomama/pod-agent/internal/pod"
)

// Message is the wire payload for one telemetry delivery, identical on
// both transports. It is immutable once constructed.
type Message struct {
	ListingID  string    `json:"listing_id"`
	Timestamp  int64     `json:"timestamp"`
	AuthHash   string    `json:"auth_hash"`
	SensorData pod.State `json:"sensor_data"`
}

// AuthHash computes the payload authenticity digest: hex-encoded
// SHA-256 over the concatenation of api key, pod ID, and the decimal
// timestamp. The backend recomputes it from the same inputs; it is an
// application-layer freshness signal, not a transport credential.
func AuthHash(apiKey, podID string, timestamp int64) string {
	sum := sha256.Sum256([]byte(apiKey + podID + strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(sum[:])
}

// NewMessage builds a Message from a state snapshot. The snapshot's
// timestamp is the hash timestamp, so a replayed message carries the
// hash of its original capture time.
func NewMessage(state pod.State, apiKey, podID string) Message {
	return Message{
		ListingID:  state.ListingID,
		Timestamp:  state.Timestamp,
		AuthHash:   AuthHash(apiKey, podID, state.Timestamp),
		SensorData: state,
	}
}
