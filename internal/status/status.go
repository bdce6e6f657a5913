// Package status provides a thread-safe status tracker for the tracker daemon.
// It is read by the HTTP handlers and the MQTT system events.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/fmip-tracker/internal/device"
	"github.com/sweeney/fmip-tracker/internal/scanner"
)

// Config contains daemon configuration for display.
type Config struct {
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
	Influx      string
}

// Device is the displayed state of one device.
type Device struct {
	Key           string
	DeviceID      string
	Name          string
	DisplayName   string
	BatteryLevel  string
	BatteryStatus string
	Latitude      string
	Longitude     string
	Status        string // empty when the status code is unknown
	StatusCode    string
}

// Account is the polling state of one account.
type Account struct {
	ID          string
	Interval    int
	Polls       int
	Failures    int
	LastPoll    time.Time
	LastSuccess time.Time
	LastError   string
	Devices     []Device
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Accounts      []Account // sorted by ID
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// DeviceCount returns the number of devices across all accounts.
func (s Snapshot) DeviceCount() int {
	n := 0
	for _, a := range s.Accounts {
		n += len(a.Devices)
	}
	return n
}

// Tracker holds mutable daemon state behind an RWMutex. It implements
// scanner.Observer.
type Tracker struct {
	now func() time.Time

	mu        sync.RWMutex
	start     time.Time
	cfg       Config
	connected bool
	accounts  map[string]*Account
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		now:      time.Now,
		start:    startTime,
		cfg:      cfg,
		accounts: make(map[string]*Account),
	}
}

// AddAccount makes an account visible before its first poll completes.
func (t *Tracker) AddAccount(id string, interval int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.accounts[id]; !ok {
		t.accounts[id] = &Account{ID: id, Interval: interval}
	}
}

// PollCompleted records the outcome of one cycle.
func (t *Tracker) PollCompleted(r scanner.PollResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.accounts[r.AccountID]
	if !ok {
		a = &Account{ID: r.AccountID}
		t.accounts[r.AccountID] = a
	}
	a.Interval = r.Interval
	a.Polls++
	a.LastPoll = r.Started
	if r.Err != nil {
		a.Failures++
		a.LastError = r.Err.Error()
		return
	}
	a.LastSuccess = r.Started
	a.LastError = ""
	a.Devices = devices(r.Devices)
}

// SetInterval updates the displayed interval for id.
func (t *Tracker) SetInterval(id string, interval int) {
	t.mu.Lock()
	if a, ok := t.accounts[id]; ok {
		a.Interval = interval
	}
	t.mu.Unlock()
}

func devices(records []device.Record) []Device {
	out := make([]Device, 0, len(records))
	for _, r := range records {
		s, _ := r.Status()
		out = append(out, Device{
			Key:           r.Key(),
			DeviceID:      r.DeviceID(),
			Name:          r.Name(),
			DisplayName:   r.DisplayName(),
			BatteryLevel:  r.BatteryLevel(),
			BatteryStatus: r.BatteryStatus(),
			Latitude:      r.LatitudeString(),
			Longitude:     r.LongitudeString(),
			Status:        string(s),
			StatusCode:    r.StatusCode(),
		})
	}
	return out
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := Snapshot{
		StartTime:     t.start,
		MQTTConnected: t.connected,
		Config:        t.cfg,
		Accounts:      make([]Account, 0, len(t.accounts)),
	}
	for _, a := range t.accounts {
		c := *a
		c.Devices = append([]Device(nil), a.Devices...)
		s.Accounts = append(s.Accounts, c)
	}
	t.mu.RUnlock()

	sort.Slice(s.Accounts, func(i, j int) bool { return s.Accounts[i].ID < s.Accounts[j].ID })
	s.Now = t.now()
	return s
}
