package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/fmip-tracker/internal/device"
)

var _ Publisher = (*FakePublisher)(nil)
var _ Publisher = (*RealPublisher)(nil)
var _ ConnectionStatus = (*RealPublisher)(nil)

func TestTopics(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "fmip/device/alice/johns_iphone"},
		{"home/fmip", "home/fmip/device/alice/johns_iphone"},
		{"home/fmip/", "home/fmip/device/alice/johns_iphone"},
	}
	for _, tt := range tests {
		got := Topics{Prefix: tt.prefix}.Device("alice", "johns_iphone")
		if got != tt.want {
			t.Errorf("Device(%q): got %q, want %q", tt.prefix, got, tt.want)
		}
	}

	topics := Topics{}
	if got := topics.Device("", "k"); got != "fmip/device/k" {
		t.Errorf("Device without account: got %q", got)
	}
	if got := topics.System(); got != "fmip/system" {
		t.Errorf("System: got %q", got)
	}
	if got := topics.Command(); got != "fmip/command" {
		t.Errorf("Command: got %q", got)
	}
}

func TestFormatDevicePayload(t *testing.T) {
	attrs := map[string]any{
		device.AttrUsername:     "alice",
		device.AttrBatteryLevel: "73",
		device.AttrDeviceStatus: nil,
	}
	payload, err := FormatDevicePayload("johns_iphone", device.Position{Latitude: 37.5, Longitude: -122.25}, attrs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed DevicePayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Device.Key != "johns_iphone" {
		t.Errorf("key: got %q", parsed.Device.Key)
	}
	if parsed.Device.Latitude != 37.5 || parsed.Device.Longitude != -122.25 {
		t.Errorf("position: got %v,%v", parsed.Device.Latitude, parsed.Device.Longitude)
	}
	if parsed.Device.Attributes[device.AttrBatteryLevel] != "73" {
		t.Errorf("battery_level: got %v", parsed.Device.Attributes[device.AttrBatteryLevel])
	}
	if v, ok := parsed.Device.Attributes[device.AttrDeviceStatus]; !ok || v != nil {
		t.Errorf("device_status: got %v (present %v), want null", v, ok)
	}
}

func TestFormatSystemPayload(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 2, 22, 18, 12, 0, time.FixedZone("X", 3600)),
		Event:     "SHUTDOWN",
		Reason:    "SIGTERM",
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed SystemPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.System.Timestamp != "2026-02-02T21:18:12Z" {
		t.Errorf("timestamp: got %s", parsed.System.Timestamp)
	}
	if parsed.System.Event != "SHUTDOWN" || parsed.System.Reason != "SIGTERM" {
		t.Errorf("event: got %+v", parsed.System)
	}
}

func TestFormatSystemPayloadOmitsEmptyReason(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "STARTUP"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := raw["system"]["reason"]; ok {
		t.Error("reason should be omitted when empty")
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"custom":true}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "HEARTBEAT", RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("got %s, want %s", payload, raw)
	}
}

func TestFakePublisherSee(t *testing.T) {
	f := NewFakePublisher()
	f.Topics = Topics{Prefix: "test"}

	attrs := map[string]any{device.AttrUsername: "bob"}
	if err := f.See(context.Background(), "pad", device.Position{Latitude: 1, Longitude: 2}, attrs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.DeviceCount() != 1 {
		t.Fatalf("devices: got %d, want 1", f.DeviceCount())
	}
	m := f.Devices[0]
	if m.Topic != "test/device/bob/pad" {
		t.Errorf("topic: got %q", m.Topic)
	}
	if !m.Retained {
		t.Error("device state should be retained")
	}

	f.SeeError = errors.New("broker gone")
	if err := f.See(context.Background(), "pad", device.Position{}, attrs); err == nil {
		t.Error("expected SeeError")
	}
	if f.DeviceCount() != 1 {
		t.Errorf("failed See should not record, got %d", f.DeviceCount())
	}
}

func TestFakePublisherSystemAndReset(t *testing.T) {
	f := NewFakePublisher()
	f.Connected = true
	_ = f.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "STARTUP"})
	_ = f.PublishSystem(SystemEvent{Timestamp: time.Now(), Event: "HEARTBEAT"})

	got := f.SystemEventNames()
	if len(got) != 2 || got[0] != "STARTUP" || got[1] != "HEARTBEAT" {
		t.Errorf("system events: got %v", got)
	}
	if len(f.SystemPayloads) != 2 {
		t.Errorf("payloads: got %d, want 2", len(f.SystemPayloads))
	}

	f.Reset()
	if len(f.SystemEvents) != 0 || f.IsConnected() || f.Closed {
		t.Error("Reset should clear state")
	}
}

func TestFakePublisherDeliver(t *testing.T) {
	f := NewFakePublisher()
	var got []byte
	if err := f.Subscribe("fmip/command", func(p []byte) { got = p }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := f.Deliver("fmip/command", []byte("hello")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("handler got %q", got)
	}
	if err := f.Deliver("other", nil); err == nil {
		t.Error("expected error delivering to unsubscribed topic")
	}
}
