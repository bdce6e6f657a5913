// Package mqtt publishes device locations and system events, and receives
// commands, over MQTT.
package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sweeney/fmip-tracker/internal/device"
)

// DefaultTopicPrefix is the root of every topic this service uses.
const DefaultTopicPrefix = "fmip"

// Publisher publishes device state and system events to MQTT.
// It satisfies scanner.Sink.
type Publisher interface {
	// See publishes the current state of one device, retained.
	// Returns error if publishing fails (should not crash the process).
	See(ctx context.Context, key string, pos device.Position, attrs map[string]any) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Subscribe registers handler for messages on topic.
	Subscribe(topic string, handler func(payload []byte)) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Topics builds topic names under a common prefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.TrimSuffix(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// Device returns the state topic for key, scoped by account when known.
func (t Topics) Device(account, key string) string {
	if account == "" {
		return t.prefix() + "/device/" + key
	}
	return t.prefix() + "/device/" + account + "/" + key
}

// System returns the topic for lifecycle events.
func (t Topics) System() string {
	return t.prefix() + "/system"
}

// Command returns the default inbound command topic.
func (t Topics) Command() string {
	return t.prefix() + "/command"
}

// accountOf extracts the account id carried in the attribute map.
func accountOf(attrs map[string]any) string {
	s, _ := attrs[device.AttrUsername].(string)
	return s
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// DevicePayload is the retained state message for one device.
type DevicePayload struct {
	Device DeviceState `json:"device"`
}

// DeviceState contains the published device fields.
type DeviceState struct {
	Key        string         `json:"key"`
	Latitude   float64        `json:"latitude"`
	Longitude  float64        `json:"longitude"`
	Attributes map[string]any `json:"attributes"`
}

// FormatDevicePayload creates the JSON payload for a device sighting.
func FormatDevicePayload(key string, pos device.Position, attrs map[string]any) ([]byte, error) {
	return json.Marshal(DevicePayload{
		Device: DeviceState{
			Key:        key,
			Latitude:   pos.Latitude,
			Longitude:  pos.Longitude,
			Attributes: attrs,
		},
	})
}

// SystemPayload is used for simple events (LWT, RECONNECTED) that don't carry
// a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}
