package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/sotacat/pkg/cat"
	"github.com/dougsko/sotacat/pkg/config"
	"github.com/dougsko/sotacat/pkg/engine"
	"github.com/dougsko/sotacat/pkg/link"
	"github.com/dougsko/sotacat/pkg/rigsim"
	"github.com/dougsko/sotacat/pkg/spots"
)

type stubFetcher []spots.Spot

func (f stubFetcher) Fetch(ctx context.Context) ([]spots.Spot, error) {
	return f, nil
}

var testSpots = stubFetcher{
	{ID: 1, Activator: "G4ABC/P", Summit: "G/LD-001", FrequencyMHz: 7.032, Mode: "CW"},
	{ID: 2, Activator: "DL2CD/P", Summit: "DM/BW-001", FrequencyMHz: 14.285, Mode: "SSB"},
	{ID: 3, Activator: "W7XYZ/P", Summit: "W7W/LC-001", FrequencyMHz: 50.150, Mode: "SSB"},
}

func newTestDaemon(t *testing.T) (*SotaDaemon, *rigsim.Radio) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Radio.Device = "/dev/ttyTEST0"
	cfg.Link.ResponseTimeoutMs = 200
	cfg.Link.CommandGapMs = 0
	cfg.API.UnixSocket = filepath.Join(dir, "sotad.sock")
	cfg.Storage.DatabasePath = filepath.Join(dir, "test.db")

	radio := rigsim.New()
	d, err := NewSotaDaemon(cfg, engine.WithOpener(radio), engine.WithFetcher(testSpots))
	require.NoError(t, err)
	t.Cleanup(func() {
		d.cancel()
		d.coreEngine.Stop()
	})

	require.NoError(t, d.coreEngine.Connect(context.Background()))
	_, err = d.coreEngine.RefreshSpots(context.Background())
	require.NoError(t, err)

	return d, radio
}

func doRequest(t *testing.T, d *SotaDaemon, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	d.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrInvalidArgument, http.StatusBadRequest},
		{cat.ErrOutOfRange, http.StatusBadRequest},
		{engine.ErrOutsideWindow, http.StatusUnprocessableEntity},
		{link.ErrBusy, http.StatusConflict},
		{link.ErrInvalidState, http.StatusConflict},
		{link.ErrDeviceUnavailable, http.StatusServiceUnavailable},
		{engine.ErrSpotsDisabled, http.StatusServiceUnavailable},
		{link.ErrTimeout, http.StatusGatewayTimeout},
		{link.ErrDeviceRejected, http.StatusBadGateway},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatus(tt.err), "%v", tt.err)
	}
}

func TestTuneHandler(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		d, radio := newTestDaemon(t)

		w, body := doRequest(t, d, http.MethodPost, "/api/v1/tune",
			map[string]interface{}{"frequency_hz": 14_285_000, "mode": "usb"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "confirmed", body["outcome"])
		assert.Equal(t, "frequency_and_mode", body["applied"])
		assert.NotEmpty(t, body["request_id"])
		assert.Equal(t, cat.Frequency(14_285_000), radio.Frequency())
		assert.Equal(t, cat.ModeUSB, radio.Mode())
	})

	t.Run("megahertz", func(t *testing.T) {
		d, radio := newTestDaemon(t)

		w, _ := doRequest(t, d, http.MethodPost, "/api/v1/tune",
			map[string]interface{}{"frequency_mhz": 7.0325, "mode": "CW"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, cat.Frequency(7_032_500), radio.Frequency())
	})

	t.Run("outside window", func(t *testing.T) {
		d, radio := newTestDaemon(t)

		w, body := doRequest(t, d, http.MethodPost, "/api/v1/tune",
			map[string]interface{}{"frequency_hz": 3_573_000, "mode": "USB"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "outside_window", body["kind"])
		assert.NotEmpty(t, body["request_id"])
		assert.Empty(t, radio.Commands())
	})

	t.Run("bad input", func(t *testing.T) {
		d, _ := newTestDaemon(t)

		for name, req := range map[string]map[string]interface{}{
			"no frequency": {"mode": "USB"},
			"both units":   {"frequency_hz": 14_285_000, "frequency_mhz": 14.285, "mode": "USB"},
			"bad mode":     {"frequency_hz": 14_285_000, "mode": "FT8"},
		} {
			w, body := doRequest(t, d, http.MethodPost, "/api/v1/tune", req)
			assert.Equal(t, http.StatusBadRequest, w.Code, name)
			assert.Equal(t, "invalid_argument", body["kind"], name)
		}
	})

	t.Run("partial application", func(t *testing.T) {
		d, radio := newTestDaemon(t)
		radio.Reject(cat.OpMode, cat.ErrCodeSyntax)

		w, body := doRequest(t, d, http.MethodPost, "/api/v1/tune",
			map[string]interface{}{"frequency_hz": 21_285_000, "mode": "AM"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "partially_applied", body["outcome"])
		assert.Equal(t, "frequency_only", body["applied"])
		assert.NotEmpty(t, body["mode_error"])
		assert.Equal(t, cat.Frequency(21_285_000), radio.Frequency())
	})

	t.Run("link closed", func(t *testing.T) {
		d, _ := newTestDaemon(t)
		w, body := doRequest(t, d, http.MethodPost, "/api/v1/link/disconnect", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "closed", body["link"].(map[string]interface{})["state"])

		w, body = doRequest(t, d, http.MethodPost, "/api/v1/tune",
			map[string]interface{}{"frequency_hz": 14_285_000, "mode": "USB"})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "invalid_state", body["kind"])

		w, _ = doRequest(t, d, http.MethodPost, "/api/v1/link/connect", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("timeout", func(t *testing.T) {
		d, radio := newTestDaemon(t)
		radio.Silence(cat.OpFrequencyA)

		w, body := doRequest(t, d, http.MethodPost, "/api/v1/tune",
			map[string]interface{}{"frequency_hz": 14_285_000, "mode": "USB"})
		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		assert.Equal(t, "timeout", body["kind"])
	})
}

func TestModeHandler(t *testing.T) {
	d, radio := newTestDaemon(t)

	w, body := doRequest(t, d, http.MethodPost, "/api/v1/tune/mode", map[string]interface{}{"mode": "FM"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "FM", body["mode"])
	assert.Equal(t, cat.ModeFM, radio.Mode())

	w, _ = doRequest(t, d, http.MethodPost, "/api/v1/tune/mode", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSpotHandlers(t *testing.T) {
	d, radio := newTestDaemon(t)

	w, body := doRequest(t, d, http.MethodGet, "/api/v1/spots", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), body["count"])
	list := body["spots"].([]interface{})
	first := list[0].(map[string]interface{})["meta"].(map[string]interface{})
	assert.Equal(t, float64(7_032_000), first["frequency_hz"])
	assert.Equal(t, "CW", first["cat_mode"])
	assert.Equal(t, true, first["in_window"])
	last := list[2].(map[string]interface{})["meta"].(map[string]interface{})
	assert.Equal(t, false, last["in_window"])

	w, body = doRequest(t, d, http.MethodGet, "/api/v1/spots?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])

	w, body = doRequest(t, d, http.MethodPost, "/api/v1/spots/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), body["count"])

	w, body = doRequest(t, d, http.MethodPost, "/api/v1/spots/1/tune", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "DM/BW-001", body["spot"].(map[string]interface{})["summit"])
	assert.Equal(t, cat.Frequency(14_285_000), radio.Frequency())
	assert.Equal(t, cat.ModeUSB, radio.Mode())

	w, body = doRequest(t, d, http.MethodPost, "/api/v1/spots/2/tune", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "outside_window", body["kind"])

	w, _ = doRequest(t, d, http.MethodPost, "/api/v1/spots/9/tune", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doRequest(t, d, http.MethodPost, "/api/v1/spots/x/tune", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryHandler(t *testing.T) {
	d, _ := newTestDaemon(t)

	doRequest(t, d, http.MethodPost, "/api/v1/tune", map[string]interface{}{"frequency_hz": 14_285_000, "mode": "USB"})
	doRequest(t, d, http.MethodPost, "/api/v1/tune", map[string]interface{}{"frequency_hz": 3_573_000, "mode": "USB"})
	doRequest(t, d, http.MethodPost, "/api/v1/spots/0/tune", nil)

	w, body := doRequest(t, d, http.MethodGet, "/api/v1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), body["count"])
	stats := body["stats"].(map[string]interface{})
	assert.Equal(t, float64(3), stats["total_tunes"])
	assert.Equal(t, float64(1), stats["total_failed"])

	w, body = doRequest(t, d, http.MethodGet, "/api/v1/history?outcome=failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])

	w, body = doRequest(t, d, http.MethodGet, "/api/v1/history?source=spot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := body["history"].([]interface{})
	require.Len(t, entries, 1)
	assert.Equal(t, "G4ABC/P", entries[0].(map[string]interface{})["activator"])

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w, body = doRequest(t, d, http.MethodGet, "/api/v1/history?since="+future, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["count"])

	w, _ = doRequest(t, d, http.MethodGet, "/api/v1/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = doRequest(t, d, http.MethodGet, "/api/v1/history?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWindowHandlers(t *testing.T) {
	d, _ := newTestDaemon(t)

	w, body := doRequest(t, d, http.MethodGet, "/api/v1/window", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7.0, body["min_mhz"])
	assert.Equal(t, 28.0, body["max_mhz"])

	w, body = doRequest(t, d, http.MethodPut, "/api/v1/window", map[string]float64{"min_mhz": 3.5, "max_mhz": 54})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3.5, body["min_mhz"])

	w, _ = doRequest(t, d, http.MethodPost, "/api/v1/tune", map[string]interface{}{"frequency_hz": 3_573_000, "mode": "USB"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = doRequest(t, d, http.MethodPut, "/api/v1/window", map[string]float64{"min_mhz": 30, "max_mhz": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_argument", body["kind"])
	assert.Equal(t, 3.5, d.coreEngine.Window().MinMHz)
}

func TestStatusHandler(t *testing.T) {
	d, _ := newTestDaemon(t)

	w, body := doRequest(t, d, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "idle", body["link"].(map[string]interface{})["state"])
	assert.Equal(t, float64(3), body["spots"])
	assert.Equal(t, engine.Version, body["version"])
}

func TestLinkEvents(t *testing.T) {
	d, _ := newTestDaemon(t)

	server := httptest.NewServer(d.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/link/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() string {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev struct {
			Type   string `json:"type"`
			Status struct {
				State string `json:"state"`
			} `json:"status"`
		}
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, "link_status", ev.Type)
		return ev.Status.State
	}

	assert.Equal(t, "idle", read())

	require.NoError(t, d.coreEngine.Disconnect())
	var states []string
	for {
		state := read()
		states = append(states, state)
		if state == "closed" {
			break
		}
	}
	assert.Contains(t, states, "closing")
}
