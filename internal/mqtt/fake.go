package mqtt

import (
	"context"
	"fmt"
	"sync"

	"github.com/sweeney/fmip-tracker/internal/device"
)

// Message is one recorded publish.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// FakePublisher records published messages for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	// Topics builds topic names the same way RealPublisher does.
	Topics Topics

	// Devices contains every device state message that was published.
	Devices []Message

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// Handlers holds subscriptions by topic.
	Handlers map[string]func([]byte)

	// SeeError, if set, will be returned by See.
	SeeError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Handlers: make(map[string]func([]byte))}
}

// See records the device state message.
func (f *FakePublisher) See(_ context.Context, key string, pos device.Position, attrs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SeeError != nil {
		return f.SeeError
	}
	payload, err := FormatDevicePayload(key, pos, attrs)
	if err != nil {
		return err
	}
	f.Devices = append(f.Devices, Message{Topic: f.Topics.Device(accountOf(attrs), key), Payload: payload, Retained: true})
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// Subscribe records handler for topic.
func (f *FakePublisher) Subscribe(topic string, handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Handlers == nil {
		f.Handlers = make(map[string]func([]byte))
	}
	f.Handlers[topic] = handler
	return nil
}

// Deliver simulates an inbound message on topic.
func (f *FakePublisher) Deliver(topic string, payload []byte) error {
	f.mu.Lock()
	h, ok := f.Handlers[topic]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription for %s", topic)
	}
	h(payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// DeviceCount returns the number of device messages recorded.
func (f *FakePublisher) DeviceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Devices)
}

// SystemEventNames returns the Event field of every recorded system event.
func (f *FakePublisher) SystemEventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.SystemEvents))
	for i, e := range f.SystemEvents {
		out[i] = e.Event
	}
	return out
}

// Reset clears recorded messages and errors.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Devices = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.SeeError = nil
	f.PublishSystemError = nil
	f.Closed = false
	f.Connected = false
}
