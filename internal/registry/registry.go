// Package registry maps account ids to their scanners and routes commands.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/fmip-tracker/internal/logger"
	"github.com/sweeney/fmip-tracker/internal/scanner"
)

// ErrUnknownAccount is returned when a command names an unregistered account.
var ErrUnknownAccount = errors.New("unknown account")

// Registry is safe for concurrent use.
type Registry struct {
	log    zerolog.Logger
	onSkip func(account string)

	mu       sync.RWMutex
	scanners map[string]*scanner.Scanner
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithSkipHook sets a function called when a tick is skipped because the
// account's previous poll is still running.
func WithSkipHook(fn func(account string)) Option {
	return func(r *Registry) { r.onSkip = fn }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:      logger.WithComponent("registry"),
		scanners: make(map[string]*scanner.Scanner),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds s under id, replacing any previous scanner for that id.
func (r *Registry) Register(id string, s *scanner.Scanner) {
	r.mu.Lock()
	_, replaced := r.scanners[id]
	r.scanners[id] = s
	r.mu.Unlock()

	if replaced {
		r.log.Warn().Str("account", id).Msg("replaced existing scanner")
	}
}

// Get returns the scanner for id.
func (r *Registry) Get(id string) (*scanner.Scanner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scanners[id]
	return s, ok
}

// Accounts returns the registered ids in sorted order.
func (r *Registry) Accounts() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.scanners))
	for id := range r.scanners {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) lookup(id string) (*scanner.Scanner, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return s, nil
}

// snapshot returns the registered scanners without holding the lock during I/O.
func (r *Registry) snapshot() []*scanner.Scanner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*scanner.Scanner, 0, len(r.scanners))
	for _, s := range r.scanners {
		out = append(out, s)
	}
	return out
}

// ForceUpdate runs one immediate cycle for id.
func (r *Registry) ForceUpdate(ctx context.Context, id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	return s.PollAndPush(ctx)
}

// ForceUpdateAll runs one immediate cycle for every account concurrently.
// Every account is attempted; the failures are joined.
func (r *Registry) ForceUpdateAll(ctx context.Context) error {
	scanners := r.snapshot()
	errs := make([]error, len(scanners))

	var g errgroup.Group
	for i, s := range scanners {
		i, s := i, s
		g.Go(func() error {
			errs[i] = s.PollAndPush(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// UpdateInterval changes the poll interval for id and returns the clamped value.
func (r *Registry) UpdateInterval(id string, minutes int) (int, error) {
	s, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	return s.UpdateInterval(minutes), nil
}

// PlayAlert plays the alert sound on deviceIDs of account id.
func (r *Registry) PlayAlert(ctx context.Context, id string, deviceIDs []string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	return s.PlayAlert(ctx, deviceIDs...)
}

// Tick offers now to every scanner. Scanners that are due run their gated
// cycle concurrently; one still busy from an earlier tick is skipped. Errors
// are logged, never returned.
func (r *Registry) Tick(ctx context.Context, now time.Time) {
	var g errgroup.Group
	for _, s := range r.snapshot() {
		if !s.Due(now) {
			continue
		}
		s := s
		g.Go(func() error {
			polled, skipped, err := s.TryTick(ctx, now)
			log := r.log.With().Str("account", s.AccountID()).Logger()
			switch {
			case skipped:
				log.Warn().Msg("previous poll still running, skipping tick")
				if r.onSkip != nil {
					r.onSkip(s.AccountID())
				}
			case err != nil:
				log.Error().Err(err).Msg("scheduled poll failed")
			case polled:
				log.Debug().Msg("scheduled poll complete")
			}
			return nil
		})
	}
	_ = g.Wait()
}
