package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	DeviceCount   int           `json:"device_count"`
	Accounts      []AccountJSON `json:"accounts"`
	Config        ConfigJSON    `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// AccountJSON is the JSON representation of one account.
type AccountJSON struct {
	Username    string       `json:"username"`
	Interval    int          `json:"update_interval"`
	Polls       int          `json:"polls"`
	Failures    int          `json:"failures"`
	LastPoll    string       `json:"last_poll,omitempty"`
	LastSuccess string       `json:"last_success,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	Devices     []DeviceJSON `json:"devices"`
}

// DeviceJSON is the JSON representation of one device. Field names match
// the sink attribute keys.
type DeviceJSON struct {
	Key           string  `json:"key"`
	DeviceID      string  `json:"device_id"`
	Name          string  `json:"name"`
	DisplayName   string  `json:"device_display_name"`
	BatteryLevel  string  `json:"battery_level"`
	BatteryStatus string  `json:"battery_status"`
	Latitude      string  `json:"latitude"`
	Longitude     string  `json:"longitude"`
	Status        *string `json:"device_status"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
	Influx      string `json:"influx,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildInner(snap Snapshot) StatusInner {
	accounts := make([]AccountJSON, 0, len(snap.Accounts))
	for _, a := range snap.Accounts {
		devices := make([]DeviceJSON, 0, len(a.Devices))
		for _, d := range a.Devices {
			dj := DeviceJSON{
				Key:           d.Key,
				DeviceID:      d.DeviceID,
				Name:          d.Name,
				DisplayName:   d.DisplayName,
				BatteryLevel:  d.BatteryLevel,
				BatteryStatus: d.BatteryStatus,
				Latitude:      d.Latitude,
				Longitude:     d.Longitude,
			}
			if d.Status != "" {
				s := d.Status
				dj.Status = &s
			}
			devices = append(devices, dj)
		}
		accounts = append(accounts, AccountJSON{
			Username:    a.ID,
			Interval:    a.Interval,
			Polls:       a.Polls,
			Failures:    a.Failures,
			LastPoll:    formatTime(a.LastPoll),
			LastSuccess: formatTime(a.LastSuccess),
			LastError:   a.LastError,
			Devices:     devices,
		})
	}

	return StatusInner{
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		DeviceCount:   snap.DeviceCount(),
		Accounts:      accounts,
		Config: ConfigJSON{
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			Influx:      snap.Config.Influx,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
