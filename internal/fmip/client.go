// Package fmip is a client for the Find My iPhone device service.
//
// A Client belongs to one account. It fetches the account's device list
// (initClient) and asks individual devices to play an alert (playSound).
package fmip

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/fmip-tracker/internal/device"
	"github.com/sweeney/fmip-tracker/internal/logger"
)

// DefaultBaseURL is the device service root; the account name is appended.
const DefaultBaseURL = "https://fmipmobile.icloud.com/fmipservice/device"

// DefaultTimeout bounds every request made with the default HTTP client.
const DefaultTimeout = 30 * time.Second

const (
	authScheme = "UserIDGuest"
	userAgent  = "FindMyiPhone/500 CFNetwork/758.4.3 Darwin/15.5.0"
)

// HTTPClient is the subset of *http.Client the Client uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Credentials identify one account.
type Credentials struct {
	Username string
	Password string
}

// Client talks to the device service on behalf of one account.
type Client struct {
	username string
	headers  http.Header

	deviceURL    string
	playSoundURL string

	http HTTPClient
	log  zerolog.Logger
	now  func() time.Time

	mu      sync.RWMutex
	devices []device.Record
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the service root (tests point this at httptest).
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.deviceURL, c.playSoundURL = endpoints(base, c.username)
	}
}

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(h HTTPClient) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger. The account name is added to every line.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l.With().Str("account", c.username).Logger() }
}

// WithClock sets the clock used to stamp device records.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New builds a Client and performs the first device fetch.
// A 401 returns ErrAuth; other failures a *TransportError. A 403 is not an
// error: the Client is returned with no devices.
func New(ctx context.Context, creds Credentials, opts ...Option) (*Client, error) {
	c := &Client{
		username: creds.Username,
		headers:  authHeaders(creds),
		http:     &http.Client{Timeout: DefaultTimeout},
		now:      time.Now,
	}
	c.deviceURL, c.playSoundURL = endpoints(DefaultBaseURL, creds.Username)
	c.log = logger.WithComponent("fmip").With().Str("account", creds.Username).Logger()

	for _, opt := range opts {
		opt(c)
	}

	if err := c.RefreshDevices(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func authHeaders(creds Credentials) http.Header {
	token := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password))

	h := http.Header{}
	h.Set("Authorization", "Basic "+token)
	h.Set("X-Apple-Realm-Support", "1.0")
	h.Set("X-Apple-Find-API-Ver", "3.0")
	h.Set("X-Apple-AuthScheme", authScheme)
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "application/json")
	return h
}

func endpoints(base, username string) (deviceURL, playSoundURL string) {
	prefix := base + "/" + url.PathEscape(username)
	return prefix + "/initClient", prefix + "/playSound"
}

// Username returns the account this client serves.
func (c *Client) Username() string { return c.username }

// Devices returns the most recently parsed device list. It may be empty.
func (c *Client) Devices() []device.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]device.Record, len(c.devices))
	copy(out, c.devices)
	return out
}

// RefreshDevices fetches and parses the account's devices, replacing the
// current list only when the whole request succeeds. Entries that cannot be
// normalized are logged and skipped.
func (c *Client) RefreshDevices(ctx context.Context) error {
	res, err := c.post(ctx, "initClient", c.deviceURL, nil)
	if err != nil {
		return err
	}
	if res.outcome == outcomeIgnored {
		c.log.Debug().Msg("device fetch forbidden, keeping previous list")
		return nil
	}

	records, skipped, err := parseDeviceList(c.username, res.body, c.now())
	if err != nil {
		return err
	}
	for _, pe := range skipped {
		c.log.Debug().Str("device", pe.DeviceID).Int("index", pe.Index).Err(pe).Msg("skipping device entry")
	}

	c.mu.Lock()
	c.devices = records
	c.mu.Unlock()

	c.log.Debug().Int("devices", len(records)).Int("skipped", len(skipped)).Msg("device list refreshed")
	return nil
}

// TriggerAlert plays the alert sound on each device. Every id is attempted;
// the result joins one *AlertError per failed device, or is nil.
func (c *Client) TriggerAlert(ctx context.Context, deviceIDs ...string) error {
	var errs []error
	for _, id := range deviceIDs {
		body, err := json.Marshal(playSoundRequest{Device: id})
		if err != nil {
			errs = append(errs, &AlertError{DeviceID: id, Err: err})
			continue
		}
		if _, err := c.post(ctx, "playSound", c.playSoundURL, body); err != nil {
			c.log.Error().Str("device", id).Err(err).Msg("play sound failed")
			errs = append(errs, &AlertError{DeviceID: id, Err: err})
			continue
		}
		c.log.Info().Str("device", id).Msg("play sound sent")
	}
	return errors.Join(errs...)
}

type playSoundRequest struct {
	Device string `json:"device"`
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeIgnored
)

type response struct {
	outcome outcome
	body    []byte
}

// post sends an authenticated POST. 401 maps to ErrAuth, 403 to
// outcomeIgnored, any other non-2xx or I/O failure to *TransportError.
func (c *Client) post(ctx context.Context, op, target string, body []byte) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return response{}, &TransportError{Op: op, Err: err}
	}
	req.Header = c.headers.Clone()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.log.Error().Str("op", op).Msg("authorization rejected, check credentials")
		return response{}, fmt.Errorf("%s: %w", op, ErrAuth)
	case resp.StatusCode == http.StatusForbidden:
		return response{outcome: outcomeIgnored}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return response{}, &TransportError{Op: op, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, &TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	return response{outcome: outcomeOK, body: data}, nil
}
