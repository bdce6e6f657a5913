package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/fmip-tracker/internal/device"
)

// KnownDevice is one entry in the known-devices file.
type KnownDevice struct {
	Name      string    `yaml:"name"`
	Account   string    `yaml:"account,omitempty"`
	DeviceID  string    `yaml:"device_id,omitempty"`
	FirstSeen time.Time `yaml:"first_seen"`
	Track     bool      `yaml:"track"`
}

// KnownDevices records every device key the first time it is seen, in a YAML
// file keyed by device key. Existing entries are never rewritten, so a user
// may edit names or set track to false.
type KnownDevices struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	devices map[string]KnownDevice
}

// LoadKnownDevices reads path, if it exists.
func LoadKnownDevices(path string, log zerolog.Logger) (*KnownDevices, error) {
	k := &KnownDevices{path: path, log: log, devices: make(map[string]KnownDevice)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read known devices: %w", err)
	}
	if err := yaml.Unmarshal(data, &k.devices); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if k.devices == nil {
		k.devices = make(map[string]KnownDevice)
	}
	return k, nil
}

// Get returns the entry for key.
func (k *KnownDevices) Get(key string) (KnownDevice, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	d, ok := k.devices[key]
	return d, ok
}

// Keys returns the known keys in sorted order.
func (k *KnownDevices) Keys() []string {
	k.mu.Lock()
	keys := make([]string, 0, len(k.devices))
	for key := range k.devices {
		keys = append(keys, key)
	}
	k.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// See implements scanner.Sink. A new key is added and the file rewritten.
func (k *KnownDevices) See(_ context.Context, key string, _ device.Position, attrs map[string]any) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.devices[key]; ok {
		return nil
	}

	entry := KnownDevice{Track: true, FirstSeen: time.Now().UTC()}
	entry.Name, _ = attrs[device.AttrDeviceDisplayName].(string)
	if n, ok := attrs[device.AttrName].(string); ok && n != "" {
		entry.Name = n
	}
	entry.Account, _ = attrs[device.AttrUsername].(string)
	entry.DeviceID, _ = attrs[device.AttrDeviceID].(string)
	if t, ok := attrs[device.AttrLastUpdate].(time.Time); ok && !t.IsZero() {
		entry.FirstSeen = t.UTC()
	}

	k.devices[key] = entry
	if err := k.save(); err != nil {
		delete(k.devices, key)
		return err
	}
	k.log.Info().Str("key", key).Str("account", entry.Account).Msg("new device discovered")
	return nil
}

// save writes the file atomically. Caller holds mu.
func (k *KnownDevices) save() error {
	data, err := yaml.Marshal(k.devices)
	if err != nil {
		return fmt.Errorf("encode known devices: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(k.path), ".known-*.yaml")
	if err != nil {
		return fmt.Errorf("write known devices: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write known devices: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write known devices: %w", err)
	}
	if err := os.Rename(tmp.Name(), k.path); err != nil {
		return fmt.Errorf("write known devices: %w", err)
	}
	return nil
}
