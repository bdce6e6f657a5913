package fmip

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sweeney/fmip-tracker/internal/device"
)

var errMissing = errors.New("missing field")

// initClientResponse is the envelope of an initClient reply. Entries are kept
// raw so one bad device cannot fail the decode of the others.
type initClientResponse struct {
	Content *[]json.RawMessage `json:"content"`
}

// rawDevice mirrors one content entry. Pointers distinguish absent from zero.
type rawDevice struct {
	ID                *string      `json:"id"`
	Name              *string      `json:"name"`
	DeviceDisplayName *string      `json:"deviceDisplayName"`
	BatteryLevel      *float64     `json:"batteryLevel"`
	BatteryStatus     *string      `json:"batteryStatus"`
	Location          *rawLocation `json:"location"`
	DeviceStatus      *statusCode  `json:"deviceStatus"`
}

type rawLocation struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// statusCode accepts "200" or 200.
type statusCode string

func (s *statusCode) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = statusCode(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("deviceStatus: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("deviceStatus: %w", err)
	}
	*s = statusCode(n.String())
	return nil
}

// parseDeviceList splits an initClient body into records and per-entry errors.
// Only an unusable envelope is an error for the whole body.
func parseDeviceList(accountID string, body []byte, now time.Time) ([]device.Record, []*ParseError, error) {
	var resp initClientResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Content == nil {
		return nil, nil, fmt.Errorf("%w: no content array", ErrMalformedResponse)
	}

	records := make([]device.Record, 0, len(*resp.Content))
	var skipped []*ParseError
	for i, raw := range *resp.Content {
		rec, err := parseDevice(accountID, raw, now)
		if err != nil {
			err.Index = i
			skipped = append(skipped, err)
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, nil
}

// parseDevice normalizes one content entry.
func parseDevice(accountID string, raw json.RawMessage, now time.Time) (device.Record, *ParseError) {
	var d rawDevice
	if err := json.Unmarshal(raw, &d); err != nil {
		return device.Record{}, &ParseError{Err: err}
	}

	id := ""
	if d.ID != nil {
		id = *d.ID
	}
	missing := func(field string) *ParseError {
		return &ParseError{DeviceID: id, Field: field, Err: errMissing}
	}

	switch {
	case d.ID == nil:
		return device.Record{}, missing("id")
	case d.Name == nil:
		return device.Record{}, missing("name")
	case d.DeviceDisplayName == nil:
		return device.Record{}, missing("deviceDisplayName")
	case d.BatteryLevel == nil:
		return device.Record{}, missing("batteryLevel")
	case d.BatteryStatus == nil:
		return device.Record{}, missing("batteryStatus")
	case d.Location == nil:
		return device.Record{}, missing("location")
	case d.Location.Latitude == nil:
		return device.Record{}, missing("location.latitude")
	case d.Location.Longitude == nil:
		return device.Record{}, missing("location.longitude")
	case d.DeviceStatus == nil:
		return device.Record{}, missing("deviceStatus")
	}

	return device.NewRecord(accountID, device.Fields{
		DeviceID:        *d.ID,
		Name:            *d.Name,
		DisplayName:     *d.DeviceDisplayName,
		BatteryFraction: *d.BatteryLevel,
		BatteryStatus:   *d.BatteryStatus,
		Latitude:        *d.Location.Latitude,
		Longitude:       *d.Location.Longitude,
		StatusCode:      string(*d.DeviceStatus),
	}, now), nil
}
