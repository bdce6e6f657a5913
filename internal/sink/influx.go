package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/sweeney/fmip-tracker/internal/device"
)

// Measurement is the InfluxDB measurement written for every sighting.
const Measurement = "device_location"

// PointWriter writes points. api.WriteAPIBlocking satisfies it.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx records position history in InfluxDB.
type Influx struct {
	writer PointWriter
	client influxdb2.Client
	now    func() time.Time
}

// NewInflux connects to an InfluxDB v2 server and writes to org/bucket.
func NewInflux(url, token, org, bucket string) *Influx {
	client := influxdb2.NewClient(url, token)
	return &Influx{
		writer: client.WriteAPIBlocking(org, bucket),
		client: client,
		now:    time.Now,
	}
}

// NewInfluxWriter wraps an existing writer.
func NewInfluxWriter(w PointWriter) *Influx {
	return &Influx{writer: w, now: time.Now}
}

// Point builds the point for one sighting. Tags identify the device; the
// position, battery level and status code are fields.
func (s *Influx) Point(key string, pos device.Position, attrs map[string]any) *write.Point {
	tags := map[string]string{"key": key}
	for tag, attr := range map[string]string{
		"account":   device.AttrUsername,
		"device_id": device.AttrDeviceID,
		"name":      device.AttrName,
	} {
		if v, ok := attrs[attr].(string); ok && v != "" {
			tags[tag] = v
		}
	}

	fields := map[string]any{
		"latitude":  pos.Latitude,
		"longitude": pos.Longitude,
	}
	if v, ok := attrs[device.AttrBatteryLevel].(string); ok {
		if pct, err := strconv.ParseFloat(v, 64); err == nil {
			fields["battery_level"] = pct
		}
	}
	if v, ok := attrs[device.AttrBatteryStatus].(string); ok {
		fields["battery_status"] = v
	}
	if v, ok := attrs[device.AttrDeviceStatus].(string); ok {
		fields["device_status"] = v
	}

	ts := s.now()
	if t, ok := attrs[device.AttrLastUpdate].(time.Time); ok && !t.IsZero() {
		ts = t
	}
	return influxdb2.NewPoint(Measurement, tags, fields, ts)
}

// See implements scanner.Sink.
func (s *Influx) See(ctx context.Context, key string, pos device.Position, attrs map[string]any) error {
	if err := s.writer.WritePoint(ctx, s.Point(key, pos, attrs)); err != nil {
		return fmt.Errorf("influx write %s: %w", key, err)
	}
	return nil
}

// Close releases the client, if this sink owns one.
func (s *Influx) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
