package fmip

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/fmip-tracker/internal/logger"
)

const twoDevices = `{"content":[
 {"id":"dev1","name":"Alice's iPhone","deviceDisplayName":"iPhone 15","batteryLevel":0.73,
  "batteryStatus":"NotCharging","location":{"latitude":37.123456,"longitude":-122.0},"deviceStatus":"200"},
 {"id":"dev2","name":"Alice's Watch","deviceDisplayName":"Apple Watch","batteryLevel":0.4,
  "batteryStatus":"Charging","location":{"latitude":1.5,"longitude":2.5},"deviceStatus":"201"}
]}`

type recordedRequest struct {
	Path   string
	Header http.Header
	Body   string
}

// fakeService is an httptest-backed device service. Status codes can be
// scripted per path; each scripted code is consumed once.
type fakeService struct {
	t *testing.T

	mu       sync.Mutex
	requests []recordedRequest
	statuses map[string][]int
	body     string

	srv *httptest.Server
}

func newFakeService(t *testing.T, body string) *fakeService {
	t.Helper()
	f := &fakeService{t: t, body: body, statuses: map[string][]int{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Path: r.URL.Path, Header: r.Header.Clone(), Body: string(b)})
	status := http.StatusOK
	if q := f.statuses[r.URL.Path]; len(q) > 0 {
		status = q[0]
		f.statuses[r.URL.Path] = q[1:]
	}
	body := f.body
	f.mu.Unlock()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(status)
	if status == http.StatusOK && strings.HasSuffix(r.URL.Path, "/initClient") {
		io.WriteString(w, body)
	}
}

func (f *fakeService) script(path string, statuses ...int) {
	f.mu.Lock()
	f.statuses[path] = append(f.statuses[path], statuses...)
	f.mu.Unlock()
}

func (f *fakeService) setBody(body string) {
	f.mu.Lock()
	f.body = body
	f.mu.Unlock()
}

func (f *fakeService) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestClient(t *testing.T, f *fakeService, username string) (*Client, error) {
	t.Helper()
	return New(context.Background(), Credentials{Username: username, Password: "secret"},
		WithBaseURL(f.srv.URL),
		WithHTTPClient(f.srv.Client()),
		WithLogger(logger.NewTestLogger()),
		WithClock(func() time.Time { return time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC) }),
	)
}

func TestNewPerformsInitialFetch(t *testing.T) {
	f := newFakeService(t, twoDevices)

	c, err := newTestClient(t, f, "alice")
	require.NoError(t, err)

	reqs := f.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/alice/initClient", reqs[0].Path)
	assert.Empty(t, reqs[0].Body)

	devices := c.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "dev1", devices[0].DeviceID())
	assert.Equal(t, "alice", devices[0].AccountID())
	assert.Equal(t, "73", devices[0].BatteryLevel())
	assert.Equal(t, "37.1235", devices[0].LatitudeString())
}

func TestRequestHeaders(t *testing.T) {
	f := newFakeService(t, twoDevices)

	_, err := newTestClient(t, f, "alice")
	require.NoError(t, err)

	h := f.recorded()[0].Header
	wantToken := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	assert.Equal(t, "Basic "+wantToken, h.Get("Authorization"))
	assert.Equal(t, "1.0", h.Get("X-Apple-Realm-Support"))
	assert.Equal(t, "3.0", h.Get("X-Apple-Find-API-Ver"))
	assert.Equal(t, "UserIDGuest", h.Get("X-Apple-AuthScheme"))
	assert.Equal(t, userAgent, h.Get("User-Agent"))
}

func TestNewAuthError(t *testing.T) {
	f := newFakeService(t, twoDevices)
	f.script("/alice/initClient", http.StatusUnauthorized)

	c, err := newTestClient(t, f, "alice")
	require.Error(t, err)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestNewTransportError(t *testing.T) {
	f := newFakeService(t, twoDevices)
	f.script("/alice/initClient", http.StatusInternalServerError)

	_, err := newTestClient(t, f, "alice")
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.StatusCode)
	assert.Equal(t, "initClient", te.Op)
	assert.NotErrorIs(t, err, ErrAuth)
}

func TestNewForbiddenIsIgnored(t *testing.T) {
	f := newFakeService(t, twoDevices)
	f.script("/alice/initClient", http.StatusForbidden)

	c, err := newTestClient(t, f, "alice")
	require.NoError(t, err)
	assert.Empty(t, c.Devices())
}

func TestNetworkFailureIsTransportError(t *testing.T) {
	f := newFakeService(t, twoDevices)
	url := f.srv.URL
	f.srv.Close()

	_, err := New(context.Background(), Credentials{Username: "alice", Password: "x"},
		WithBaseURL(url), WithLogger(logger.NewTestLogger()))
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, te.StatusCode)
}

func TestRefreshSkipsMalformedEntry(t *testing.T) {
	body := `{"content":[
	 {"id":"good","name":"n","deviceDisplayName":"Good","batteryLevel":0.5,"batteryStatus":"Charging",
	  "location":{"latitude":1,"longitude":2},"deviceStatus":"200"},
	 {"id":"offline","name":"n","deviceDisplayName":"Offline","batteryLevel":0.5,"batteryStatus":"Unknown",
	  "deviceStatus":"201"}
	]}`
	f := newFakeService(t, body)

	c, err := newTestClient(t, f, "alice")
	require.NoError(t, err)

	devices := c.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "good", devices[0].DeviceID())
}

func TestRefreshIsAllOrNothing(t *testing.T) {
	f := newFakeService(t, twoDevices)
	c, err := newTestClient(t, f, "alice")
	require.NoError(t, err)
	require.Len(t, c.Devices(), 2)

	f.script("/alice/initClient", http.StatusBadGateway)
	err = c.RefreshDevices(context.Background())
	require.Error(t, err)
	assert.Len(t, c.Devices(), 2, "failed refresh must keep previous list")

	f.setBody(`{"unexpected":true}`)
	err = c.RefreshDevices(context.Background())
	require.ErrorIs(t, err, ErrMalformedResponse)
	assert.Len(t, c.Devices(), 2)

	f.setBody(`not json`)
	err = c.RefreshDevices(context.Background())
	require.ErrorIs(t, err, ErrMalformedResponse)
	assert.Len(t, c.Devices(), 2)
}

func TestRefreshForbiddenKeepsList(t *testing.T) {
	f := newFakeService(t, twoDevices)
	c, err := newTestClient(t, f, "alice")
	require.NoError(t, err)

	f.script("/alice/initClient", http.StatusForbidden)
	require.NoError(t, c.RefreshDevices(context.Background()))
	assert.Len(t, c.Devices(), 2)
}

func TestRefreshReplacesList(t *testing.T) {
	f := newFakeService(t, twoDevices)
	c, err := newTestClient(t, f, "alice")
	require.NoError(t, err)

	f.setBody(`{"content":[]}`)
	require.NoError(t, c.RefreshDevices(context.Background()))
	assert.Empty(t, c.Devices())
}

func TestDevicesReturnsCopy(t *testing.T) {
	f := newFakeService(t, twoDevices)
	c, err := newTestClient(t, f, "alice")
	require.NoError(t, err)

	d := c.Devices()
	d[0] = d[1]
	assert.Equal(t, "dev1", c.Devices()[0].DeviceID())
}

func TestTriggerAlertPostsEachDevice(t *testing.T) {
	f := newFakeService(t, twoDevices)
	c, err := newTestClient(t, f, "alice")
	require.NoError(t, err)

	require.NoError(t, c.TriggerAlert(context.Background(), "dev1", "dev2"))

	reqs := f.recorded()[1:]
	require.Len(t, reqs, 2)
	for i, want := range []string{"dev1", "dev2"} {
		assert.Equal(t, "/alice/playSound", reqs[i].Path)
		assert.Equal(t, "application/json", reqs[i].Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.Unmarshal([]byte(reqs[i].Body), &body))
		assert.Equal(t, map[string]string{"device": want}, body)
	}
}

func TestTriggerAlertContinuesAfterFailure(t *testing.T) {
	f := newFakeService(t, twoDevices)
	c, err := newTestClient(t, f, "alice")
	require.NoError(t, err)

	f.script("/alice/playSound", http.StatusUnauthorized)
	err = c.TriggerAlert(context.Background(), "dev1", "dev2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)

	var ae *AlertError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "dev1", ae.DeviceID)

	reqs := f.recorded()[1:]
	require.Len(t, reqs, 2, "second device must still be attempted")
	assert.JSONEq(t, `{"device":"dev2"}`, reqs[1].Body)
}

func TestTriggerAlertCollectsEveryFailure(t *testing.T) {
	f := newFakeService(t, twoDevices)
	c, err := newTestClient(t, f, "alice")
	require.NoError(t, err)

	f.script("/alice/playSound", http.StatusInternalServerError, http.StatusOK, http.StatusForbidden, http.StatusUnauthorized)
	err = c.TriggerAlert(context.Background(), "a", "b", "c", "d")
	require.Error(t, err)

	var failed []string
	for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
		var ae *AlertError
		require.True(t, errors.As(e, &ae))
		failed = append(failed, ae.DeviceID)
	}
	assert.Equal(t, []string{"a", "d"}, failed)
}

func TestTriggerAlertNoDevices(t *testing.T) {
	f := newFakeService(t, twoDevices)
	c, err := newTestClient(t, f, "alice")
	require.NoError(t, err)

	assert.NoError(t, c.TriggerAlert(context.Background()))
	assert.Len(t, f.recorded(), 1)
}

func TestUsernameIsPathEscaped(t *testing.T) {
	f := newFakeService(t, twoDevices)
	_, err := newTestClient(t, f, "bob smith")
	require.NoError(t, err)
	assert.Equal(t, "/bob smith/initClient", f.recorded()[0].Path)
}
