// Package scanner drives polling for one account and pushes results to a sink.
package scanner

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sweeney/fmip-tracker/internal/device"
	"github.com/sweeney/fmip-tracker/internal/logger"
)

// API is the device service as seen by a scanner. *fmip.Client satisfies it.
type API interface {
	RefreshDevices(ctx context.Context) error
	Devices() []device.Record
	TriggerAlert(ctx context.Context, deviceIDs ...string) error
}

// Sink receives one call per device per successful poll.
type Sink interface {
	See(ctx context.Context, key string, pos device.Position, attrs map[string]any) error
}

// PollResult describes one attempted poll-and-push cycle.
type PollResult struct {
	AccountID string
	Forced    bool
	Started   time.Time
	Duration  time.Duration
	Devices   []device.Record
	Interval  int
	Err       error
}

// Observer is told about every attempted cycle.
type Observer interface {
	PollCompleted(PollResult)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(PollResult)

func (f ObserverFunc) PollCompleted(r PollResult) { f(r) }

// Offset bounds for the per-minute scheduling second.
const (
	minOffset = 10
	maxOffset = 59
)

// ClampInterval returns n, or 1 if n is below 1.
func ClampInterval(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Scanner owns the polling state of one account.
type Scanner struct {
	accountID string
	api       API
	sink      Sink
	observers []Observer
	log       zerolog.Logger
	now       func() time.Time
	offset    int

	// busy serialises poll-and-push cycles.
	busy sync.Mutex

	mu         sync.RWMutex
	interval   int
	devices    []device.Record
	lastMinute time.Time
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the logger. The account id is added to every line.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scanner) { s.log = l.With().Str("account", s.accountID).Logger() }
}

// WithClock sets the clock used for cycle timing.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// WithObserver registers an observer for cycle results.
func WithObserver(o Observer) Option {
	return func(s *Scanner) { s.observers = append(s.observers, o) }
}

// WithOffset fixes the scheduling second instead of picking one at random.
func WithOffset(second int) Option {
	return func(s *Scanner) { s.offset = second % 60 }
}

// New creates a scanner for accountID and runs one forced cycle before
// returning. The interval is clamped to at least one minute.
func New(ctx context.Context, accountID string, api API, interval int, sink Sink, opts ...Option) (*Scanner, error) {
	s := &Scanner{
		accountID: accountID,
		api:       api,
		sink:      sink,
		interval:  ClampInterval(interval),
		now:       time.Now,
		offset:    minOffset + rand.Intn(maxOffset-minOffset+1),
	}
	s.log = logger.WithComponent("scanner").With().Str("account", accountID).Logger()

	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.OnTick(ctx, s.now(), true); err != nil {
		return nil, fmt.Errorf("initial poll for %s: %w", accountID, err)
	}
	return s, nil
}

// AccountID returns the account this scanner serves.
func (s *Scanner) AccountID() string { return s.accountID }

// Offset returns the second within each minute at which scheduled ticks fire.
func (s *Scanner) Offset() int { return s.offset }

// Interval returns the current poll interval in minutes.
func (s *Scanner) Interval() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// UpdateInterval sets the poll interval, clamped to at least 1, and returns
// the effective value. It takes effect on the next tick.
func (s *Scanner) UpdateInterval(n int) int {
	n = ClampInterval(n)
	s.mu.Lock()
	s.interval = n
	s.mu.Unlock()
	s.log.Info().Int("interval", n).Msgf("scan interval updated to every %d minutes", n)
	return n
}

// Devices returns the last successfully polled device list, nil before the first.
func (s *Scanner) Devices() []device.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.devices == nil {
		return nil
	}
	out := make([]device.Record, len(s.devices))
	copy(out, s.devices)
	return out
}

// Due reports whether a scheduled tick should run at now: at most once per
// wall-clock minute, on the first call whose second is at or past Offset.
func (s *Scanner) Due(now time.Time) bool {
	if now.Second() < s.offset {
		return false
	}
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()
	if minute.Equal(s.lastMinute) {
		return false
	}
	s.lastMinute = minute
	return true
}

// ShouldPoll is the interval gate: the minute of day must be a multiple of interval.
func ShouldPoll(now time.Time, interval int) bool {
	minuteOfDay := now.Hour()*60 + now.Minute()
	return minuteOfDay%ClampInterval(interval) == 0
}

// OnTick runs a cycle if force is set or the interval gate opens at now.
// It reports whether a cycle ran.
func (s *Scanner) OnTick(ctx context.Context, now time.Time, force bool) (bool, error) {
	if !force && !ShouldPoll(now, s.Interval()) {
		return false, nil
	}
	s.busy.Lock()
	defer s.busy.Unlock()
	return true, s.pollAndPush(ctx, force)
}

// TryTick is OnTick that gives up immediately if a cycle is already running.
// skipped is true in that case.
func (s *Scanner) TryTick(ctx context.Context, now time.Time) (polled, skipped bool, err error) {
	if !ShouldPoll(now, s.Interval()) {
		return false, false, nil
	}
	if !s.busy.TryLock() {
		return false, true, nil
	}
	defer s.busy.Unlock()
	return true, false, s.pollAndPush(ctx, false)
}

// PollAndPush runs one forced cycle.
func (s *Scanner) PollAndPush(ctx context.Context) error {
	_, err := s.OnTick(ctx, s.now(), true)
	return err
}

// PlayAlert plays the alert sound on the given devices.
func (s *Scanner) PlayAlert(ctx context.Context, deviceIDs ...string) error {
	return s.api.TriggerAlert(ctx, deviceIDs...)
}

// pollAndPush refreshes the device list and pushes every record to the sink.
// On a refresh error nothing is pushed and the previous list is kept. The
// first sink error aborts the push. Caller holds busy.
func (s *Scanner) pollAndPush(ctx context.Context, forced bool) (err error) {
	start := s.now()
	interval := s.Interval()
	log := s.log.With().Str("poll_id", uuid.NewString()).Logger()

	result := PollResult{AccountID: s.accountID, Forced: forced, Started: start, Interval: interval}
	defer func() {
		result.Duration = s.now().Sub(start)
		result.Err = err
		for _, o := range s.observers {
			o.PollCompleted(result)
		}
	}()

	log.Info().Bool("forced", forced).Msg("updating devices")

	if err := s.api.RefreshDevices(ctx); err != nil {
		return fmt.Errorf("refresh %s: %w", s.accountID, err)
	}
	devices := s.api.Devices()

	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
	result.Devices = devices

	for _, d := range devices {
		if err := s.sink.See(ctx, d.Key(), d.Position(), d.Attributes(interval)); err != nil {
			log.Error().Str("device", d.DeviceID()).Err(err).Msg("sink rejected device")
			return fmt.Errorf("push %s/%s: %w", s.accountID, d.Key(), err)
		}
	}

	log.Debug().Int("devices", len(devices)).Msg("devices pushed")
	return nil
}
