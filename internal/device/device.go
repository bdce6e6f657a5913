// Package device contains the normalized device-state record produced by each poll.
// This package has NO network or I/O dependencies.
// Time is always injectable via time.Time parameters.
package device

import (
	"fmt"
	"time"
)

// Status is the mapped connection state of a device.
type Status string

const (
	StatusOnline       Status = "online"
	StatusOffline      Status = "offline"
	StatusPending      Status = "pending"
	StatusUnregistered Status = "unregistered"
)

var statusCodes = map[string]Status{
	"200": StatusOnline,
	"201": StatusOffline,
	"203": StatusPending,
	"204": StatusUnregistered,
}

// LookupStatus maps a vendor status code. Unknown codes return ("", false).
func LookupStatus(code string) (Status, bool) {
	s, ok := statusCodes[code]
	return s, ok
}

// Position is a latitude/longitude pair.
type Position struct {
	Latitude  float64
	Longitude float64
}

// Fields holds the vendor values a Record is built from.
type Fields struct {
	DeviceID        string
	Name            string
	DisplayName     string
	BatteryFraction float64
	BatteryStatus   string
	Latitude        float64
	Longitude       float64
	StatusCode      string
}

// Record is an immutable snapshot of one device at one poll.
// All fields are unexported; use NewRecord to build one.
type Record struct {
	accountID  string
	f          Fields
	observedAt time.Time
}

// NewRecord builds a Record owned by accountID, observed at now.
func NewRecord(accountID string, f Fields, now time.Time) Record {
	return Record{accountID: accountID, f: f, observedAt: now}
}

// AccountID returns the owning account identifier.
func (r Record) AccountID() string { return r.accountID }

// DeviceID returns the vendor-assigned device identifier.
func (r Record) DeviceID() string { return r.f.DeviceID }

// RawName returns the vendor name verbatim.
func (r Record) RawName() string { return r.f.Name }

// Name returns the vendor name folded to ASCII.
func (r Record) Name() string { return asciiFold(r.f.Name) }

// DisplayName returns the human-facing device name verbatim.
func (r Record) DisplayName() string { return r.f.DisplayName }

// BatteryFraction returns the battery level as reported, in [0, 1].
func (r Record) BatteryFraction() float64 { return r.f.BatteryFraction }

// BatteryLevel returns the battery as a whole-number percentage string.
func (r Record) BatteryLevel() string {
	return fmt.Sprintf("%.0f", r.f.BatteryFraction*100)
}

// BatteryStatus returns the vendor battery status token.
func (r Record) BatteryStatus() string { return r.f.BatteryStatus }

func (r Record) Latitude() float64  { return r.f.Latitude }
func (r Record) Longitude() float64 { return r.f.Longitude }

// LatitudeString returns the latitude formatted to 4 decimal places.
func (r Record) LatitudeString() string { return fmt.Sprintf("%.4f", r.f.Latitude) }

// LongitudeString returns the longitude formatted to 4 decimal places.
func (r Record) LongitudeString() string { return fmt.Sprintf("%.4f", r.f.Longitude) }

// Position returns the full-precision coordinates.
func (r Record) Position() Position {
	return Position{Latitude: r.f.Latitude, Longitude: r.f.Longitude}
}

// StatusCode returns the raw vendor status code.
func (r Record) StatusCode() string { return r.f.StatusCode }

// Status returns the mapped status, or ("", false) for an unknown code.
func (r Record) Status() (Status, bool) { return LookupStatus(r.f.StatusCode) }

// ObservedAt returns when the record was constructed.
func (r Record) ObservedAt() time.Time { return r.observedAt }

// Key returns the sink identifier for the device.
// Falls back to the raw name, then the device id, when the display name
// slugifies to nothing.
func (r Record) Key() string {
	for _, s := range []string{r.f.DisplayName, r.f.Name, r.f.DeviceID} {
		if k := Slugify(s); k != "" {
			return k
		}
	}
	return ""
}

// Attribute keys handed to sinks.
const (
	AttrUsername          = "username"
	AttrDeviceID          = "device_id"
	AttrName              = "name"
	AttrDeviceDisplayName = "device_display_name"
	AttrBatteryLevel      = "battery_level"
	AttrBatteryStatus     = "battery_status"
	AttrLatitude          = "latitude"
	AttrLongitude         = "longitude"
	AttrDeviceStatus      = "device_status"
	AttrLastUpdate        = "last_update"
	AttrUpdateInterval    = "update_interval"
)

// Attributes returns the sink attribute map for the record. The device_status
// entry is nil when the status code is unknown.
func (r Record) Attributes(updateInterval int) map[string]any {
	var status any
	if s, ok := r.Status(); ok {
		status = string(s)
	}
	return map[string]any{
		AttrUsername:          r.accountID,
		AttrDeviceID:          r.f.DeviceID,
		AttrName:              r.Name(),
		AttrDeviceDisplayName: r.f.DisplayName,
		AttrBatteryLevel:      r.BatteryLevel(),
		AttrBatteryStatus:     r.f.BatteryStatus,
		AttrLatitude:          r.LatitudeString(),
		AttrLongitude:         r.LongitudeString(),
		AttrDeviceStatus:      status,
		AttrLastUpdate:        r.observedAt,
		AttrUpdateInterval:    updateInterval,
	}
}
