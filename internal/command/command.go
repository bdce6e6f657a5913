// Package command parses inbound service calls and applies them to a registry.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sweeney/fmip-tracker/internal/logger"
)

// Service names accepted on the command topic and the web endpoint.
const (
	ServicePlaySound           = "fmip_play_sound"
	ServiceForceUsernameUpdate = "fmip_force_username_update"
	ServiceForceUpdate         = "fmip_force_update"
	ServiceUpdateScanInterval  = "fmip_update_scan_interval"
)

var (
	// ErrUnknownService is returned for a service name not listed above.
	ErrUnknownService = errors.New("unknown service")

	// ErrInvalidCommand is returned when a payload is malformed or lacks a
	// field its service requires.
	ErrInvalidCommand = errors.New("invalid command")
)

// Command is one service call.
type Command struct {
	Service        string   `json:"service"`
	Username       string   `json:"username,omitempty"`
	DeviceIDs      []string `json:"device_ids,omitempty"`
	UpdateInterval *int     `json:"update_interval,omitempty"`
}

// Parse decodes and validates a JSON command payload.
func Parse(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	c.Service = strings.TrimSpace(c.Service)
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// Validate checks that c names a known service and carries its fields.
func (c Command) Validate() error {
	switch c.Service {
	case ServiceForceUpdate:
		return nil
	case ServiceForceUsernameUpdate:
		if c.Username == "" {
			return fmt.Errorf("%w: %s requires username", ErrInvalidCommand, c.Service)
		}
	case ServicePlaySound:
		if c.Username == "" || len(c.DeviceIDs) == 0 {
			return fmt.Errorf("%w: %s requires username and device_ids", ErrInvalidCommand, c.Service)
		}
	case ServiceUpdateScanInterval:
		if c.Username == "" || c.UpdateInterval == nil {
			return fmt.Errorf("%w: %s requires username and update_interval", ErrInvalidCommand, c.Service)
		}
	case "":
		return fmt.Errorf("%w: missing service", ErrInvalidCommand)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownService, c.Service)
	}
	return nil
}

// Target is the set of account operations a command can invoke.
// *registry.Registry satisfies it.
type Target interface {
	ForceUpdate(ctx context.Context, id string) error
	ForceUpdateAll(ctx context.Context) error
	UpdateInterval(id string, minutes int) (int, error)
	PlayAlert(ctx context.Context, id string, deviceIDs []string) error
}

// Dispatcher applies commands to a Target.
type Dispatcher struct {
	target Target
	log    zerolog.Logger
	hook   func(service string, err error)
}

// NewDispatcher creates a Dispatcher for target.
func NewDispatcher(target Target, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{target: target, log: log}
}

// NewDefaultDispatcher uses the component logger.
func NewDefaultDispatcher(target Target) *Dispatcher {
	return NewDispatcher(target, logger.WithComponent("command"))
}

// OnResult sets a function called with the outcome of every handled command.
func (d *Dispatcher) OnResult(fn func(service string, err error)) {
	d.hook = fn
}

func (d *Dispatcher) report(service string, err error) {
	if d.hook != nil {
		d.hook(service, err)
	}
}

// Dispatch validates c and runs it.
func (d *Dispatcher) Dispatch(ctx context.Context, c Command) (err error) {
	defer func() { d.report(c.Service, err) }()

	if err := c.Validate(); err != nil {
		return err
	}

	log := d.log.With().Str("service", c.Service).Str("account", c.Username).Logger()
	log.Info().Msg("handling command")

	switch c.Service {
	case ServiceForceUpdate:
		err = d.target.ForceUpdateAll(ctx)
	case ServiceForceUsernameUpdate:
		err = d.target.ForceUpdate(ctx, c.Username)
	case ServicePlaySound:
		err = d.target.PlayAlert(ctx, c.Username, c.DeviceIDs)
	case ServiceUpdateScanInterval:
		_, err = d.target.UpdateInterval(c.Username, *c.UpdateInterval)
	}
	if err != nil {
		log.Error().Err(err).Msg("command failed")
		return fmt.Errorf("%s: %w", c.Service, err)
	}
	return nil
}

// Handle parses a raw payload and dispatches it.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte) error {
	c, err := Parse(payload)
	if err != nil {
		d.log.Warn().Err(err).Msg("rejected command")
		d.report("", err)
		return err
	}
	return d.Dispatch(ctx, c)
}
