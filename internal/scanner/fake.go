package scanner

import (
	"context"
	"sync"

	"github.com/sweeney/fmip-tracker/internal/device"
)

// FakeAPI is a scripted API for tests.
type FakeAPI struct {
	mu sync.Mutex

	// Lists are returned by successive successful refreshes. The last list
	// repeats once the script is exhausted.
	Lists [][]device.Record

	// RefreshError, if set, is returned by RefreshDevices.
	RefreshError error

	// AlertError, if set, is returned by TriggerAlert.
	AlertError error

	// Refreshes counts RefreshDevices calls.
	Refreshes int

	// Alerts records every TriggerAlert call.
	Alerts [][]string

	current []device.Record
	index   int
}

// NewFakeAPI creates a FakeAPI returning the given lists in order.
func NewFakeAPI(lists ...[]device.Record) *FakeAPI {
	return &FakeAPI{Lists: lists}
}

// RefreshDevices advances to the next scripted list.
func (f *FakeAPI) RefreshDevices(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Refreshes++
	if f.RefreshError != nil {
		return f.RefreshError
	}
	if len(f.Lists) == 0 {
		f.current = []device.Record{}
		return nil
	}
	f.current = f.Lists[f.index]
	if f.index < len(f.Lists)-1 {
		f.index++
	}
	return nil
}

// Devices returns the current list.
func (f *FakeAPI) Devices() []device.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.Record(nil), f.current...)
}

// TriggerAlert records the ids.
func (f *FakeAPI) TriggerAlert(_ context.Context, deviceIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Alerts = append(f.Alerts, append([]string(nil), deviceIDs...))
	return f.AlertError
}

// RefreshCount returns Refreshes under the lock.
func (f *FakeAPI) RefreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Refreshes
}

// SetRefreshError sets RefreshError under the lock.
func (f *FakeAPI) SetRefreshError(err error) {
	f.mu.Lock()
	f.RefreshError = err
	f.mu.Unlock()
}

// Sighting is one recorded sink call.
type Sighting struct {
	Key        string
	Position   device.Position
	Attributes map[string]any
}

// FakeSink records sink calls for test assertions.
type FakeSink struct {
	mu sync.Mutex

	// Sightings contains every accepted call, in order.
	Sightings []Sighting

	// SeeError, if set, is returned by See.
	SeeError error
}

// NewFakeSink creates a FakeSink.
func NewFakeSink() *FakeSink {
	return &FakeSink{}
}

// See records the sighting.
func (f *FakeSink) See(_ context.Context, key string, pos device.Position, attrs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SeeError != nil {
		return f.SeeError
	}
	f.Sightings = append(f.Sightings, Sighting{Key: key, Position: pos, Attributes: attrs})
	return nil
}

// Count returns the number of recorded sightings.
func (f *FakeSink) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sightings)
}

// Reset clears recorded sightings and errors.
func (f *FakeSink) Reset() {
	f.mu.Lock()
	f.Sightings = nil
	f.SeeError = nil
	f.mu.Unlock()
}
