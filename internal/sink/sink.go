// Package sink provides device sinks beyond MQTT: fan-out, InfluxDB position
// history and a known-devices file.
package sink

import (
	"context"
	"errors"

	"github.com/sweeney/fmip-tracker/internal/device"
	"github.com/sweeney/fmip-tracker/internal/scanner"
)

// Multi forwards every sighting to each of its sinks. All sinks are called
// even if one fails; the failures are joined.
type Multi []scanner.Sink

// See implements scanner.Sink.
func (m Multi) See(ctx context.Context, key string, pos device.Position, attrs map[string]any) error {
	var errs []error
	for _, s := range m {
		if err := s.See(ctx, key, pos, attrs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
