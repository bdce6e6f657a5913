package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/fmip-tracker/internal/device"
	"github.com/sweeney/fmip-tracker/internal/logger"
	"github.com/sweeney/fmip-tracker/internal/scanner"
)

var (
	_ scanner.Sink = Multi(nil)
	_ scanner.Sink = (*Influx)(nil)
	_ scanner.Sink = (*KnownDevices)(nil)
)

var seenAt = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func testAttrs() map[string]any {
	r := device.NewRecord("alice", device.Fields{
		DeviceID:        "dev1",
		Name:            "John's iPhone",
		DisplayName:     "iPhone 15",
		BatteryFraction: 0.73,
		BatteryStatus:   "Charging",
		Latitude:        51.5,
		Longitude:       -0.12,
		StatusCode:      "200",
	}, seenAt)
	return r.Attributes(5)
}

func TestMultiCallsEverySink(t *testing.T) {
	a, b := scanner.NewFakeSink(), scanner.NewFakeSink()
	boom := errors.New("boom")
	a.SeeError = boom

	err := Multi{a, b}.See(context.Background(), "k", device.Position{}, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, b.Count(), "later sinks still called")
}

func TestMultiEmpty(t *testing.T) {
	assert.NoError(t, Multi{}.See(context.Background(), "k", device.Position{}, nil))
}

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
	err    error
}

func (f *fakeWriter) WritePoint(_ context.Context, p ...*write.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, p...)
	return nil
}

func TestInfluxPoint(t *testing.T) {
	s := NewInfluxWriter(&fakeWriter{})
	p := s.Point("johns_iphone", device.Position{Latitude: 51.5, Longitude: -0.12}, testAttrs())

	assert.Equal(t, Measurement, p.Name())
	assert.True(t, p.Time().Equal(seenAt))

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{
		"key":       "johns_iphone",
		"account":   "alice",
		"device_id": "dev1",
		"name":      "John's iPhone",
	}, tags)

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 51.5, fields["latitude"])
	assert.Equal(t, -0.12, fields["longitude"])
	assert.Equal(t, 73.0, fields["battery_level"])
	assert.Equal(t, "online", fields["device_status"])
}

func TestInfluxPointUnknownStatusOmitted(t *testing.T) {
	s := NewInfluxWriter(&fakeWriter{})
	attrs := testAttrs()
	attrs[device.AttrDeviceStatus] = nil

	p := s.Point("k", device.Position{}, attrs)
	for _, f := range p.FieldList() {
		assert.NotEqual(t, "device_status", f.Key)
	}
}

func TestInfluxSeeWrapsError(t *testing.T) {
	w := &fakeWriter{err: errors.New("unauthorized")}
	err := NewInfluxWriter(w).See(context.Background(), "k", device.Position{}, testAttrs())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "influx write k")
}

func TestInfluxWritesLineProtocol(t *testing.T) {
	var mu sync.Mutex
	var body, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, path = string(b), r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewInflux(srv.URL, "token", "home", "fmip")
	defer s.Close()

	require.NoError(t, s.See(context.Background(), "johns_iphone", device.Position{Latitude: 51.5, Longitude: -0.12}, testAttrs()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/api/v2/write", path)
	assert.True(t, strings.HasPrefix(body, Measurement+","), body)
	assert.Contains(t, body, "account=alice")
	assert.Contains(t, body, "latitude=51.5")
}

func TestKnownDevicesRecordsFirstSighting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_devices.yaml")
	k, err := LoadKnownDevices(path, logger.NewTestLogger())
	require.NoError(t, err)
	assert.Empty(t, k.Keys())

	ctx := context.Background()
	require.NoError(t, k.See(ctx, "johns_iphone", device.Position{}, testAttrs()))

	got, ok := k.Get("johns_iphone")
	require.True(t, ok)
	assert.Equal(t, "John's iPhone", got.Name)
	assert.Equal(t, "alice", got.Account)
	assert.Equal(t, "dev1", got.DeviceID)
	assert.True(t, got.Track)
	assert.True(t, got.FirstSeen.Equal(seenAt))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "johns_iphone:")
}

func TestKnownDevicesKeepsUserEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`johns_iphone:
  name: Dad
  first_seen: 2025-01-01T00:00:00Z
  track: false
`), 0o644))

	k, err := LoadKnownDevices(path, logger.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, k.See(context.Background(), "johns_iphone", device.Position{}, testAttrs()))
	got, _ := k.Get("johns_iphone")
	assert.Equal(t, "Dad", got.Name)
	assert.False(t, got.Track)

	require.NoError(t, k.See(context.Background(), "kitchen_ipad", device.Position{}, testAttrs()))

	reloaded, err := LoadKnownDevices(path, logger.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"johns_iphone", "kitchen_ipad"}, reloaded.Keys())
	got, _ = reloaded.Get("johns_iphone")
	assert.Equal(t, "Dad", got.Name)
}

func TestKnownDevicesBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- not\n- a map\n"), 0o644))

	_, err := LoadKnownDevices(path, logger.NewTestLogger())
	assert.Error(t, err)
}

func TestKnownDevicesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_devices.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	k, err := LoadKnownDevices(path, logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, k.See(context.Background(), "x", device.Position{}, testAttrs()))
}
