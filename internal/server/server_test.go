package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdlog/internal/acquisition"
	"github.com/shaunagostinho/obdlog/internal/config"
	"github.com/shaunagostinho/obdlog/internal/export"
	"github.com/shaunagostinho/obdlog/internal/link"
	"github.com/shaunagostinho/obdlog/internal/server"
	"github.com/shaunagostinho/obdlog/internal/store"
)

type env struct {
	srv      *httptest.Server
	store    *store.Store
	cfg      *config.Config
	pipeline *acquisition.Pipeline
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(context.Background(), filepath.Join(dir, "obdlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.DefaultConfig()
	cfg.Device.Transport = config.TransportEmulator
	cfg.Device.Address = "emulator"
	cfg.Acquisition.IntervalMs = 50
	cfg.Acquisition.CommandTimeoutMs = 150

	p, err := acquisition.New(acquisition.Options{Config: cfg, Store: s})
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	api := server.New(server.Options{
		Config:   cfg,
		Store:    s,
		Pipeline: p,
		Exporter: export.NewExporter(filepath.Join(dir, "export"), s),
		Devices: func() ([]link.Device, error) {
			return []link.Device{{Name: "/dev/ttyUSB0", USB: true, VID: "0403", PID: "6001"}}, nil
		},
	})
	t.Cleanup(api.Close)

	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)
	return &env{srv: ts, store: s, cfg: cfg, pipeline: p}
}

func (e *env) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestDrivers(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/drivers", `{"name":"Alex"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Alex", decode[store.Driver](t, body).Name)

	resp, body = e.do(t, http.MethodPost, "/api/drivers", `{"name":"ALEX"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate_driver", decode[map[string]string](t, body)["code"])

	resp, _ = e.do(t, http.MethodPost, "/api/drivers", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/drivers", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/drivers", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]store.Driver](t, body), 1)
}

func TestStartErrors(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/acquisition/start", `{"driver":"Nobody"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "configuration", decode[map[string]string](t, body)["kind"])

	_, err := e.store.CreateDriver(context.Background(), "Alex")
	require.NoError(t, err)
	require.NoError(t, e.cfg.UpdateFromJSON([]byte(`{"device":{"address":""}}`)))

	resp, body = e.do(t, http.MethodPost, "/api/acquisition/start", `{"driver":"Alex"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "configuration", decode[map[string]string](t, body)["kind"])
}

func TestAcquisitionRoundTrip(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.CreateDriver(context.Background(), "Alex")
	require.NoError(t, err)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	var first server.Frame
	require.NoError(t, ws.ReadJSON(&first))
	assert.Equal(t, "status", first.Type)
	require.NotNil(t, first.Status)
	assert.Equal(t, "idle", first.Status.State)

	resp, body := e.do(t, http.MethodPost, "/api/acquisition/start", `{"driver":"Alex"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	resp, _ = e.do(t, http.MethodPost, "/api/acquisition/start", `{"driver":"Alex"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/mil/reset", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, body := e.do(t, http.MethodGet, "/api/status", "")
		return decode[acquisition.Status](t, body).Samples >= 2
	}, 3*time.Second, 20*time.Millisecond)

	resp, body = e.do(t, http.MethodPost, "/api/acquisition/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[acquisition.Status](t, body)
	assert.Equal(t, "idle", st.State)
	require.NotZero(t, st.Session)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var stopped server.Frame
	require.NoError(t, ws.ReadJSON(&stopped))
	assert.Equal(t, "stopped", stopped.Type)

	_, body = e.do(t, http.MethodGet, "/api/sessions", "")
	sessions := decode[[]store.Session](t, body)
	require.Len(t, sessions, 1)
	id := sessions[0].ID
	assert.Equal(t, st.Session, id)
	require.NotNil(t, sessions[0].End)

	resp, body = e.do(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d", id), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Alex", decode[store.Session](t, body).Driver)

	_, body = e.do(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d/samples", id), "")
	samples := decode[[]store.Sample](t, body)
	assert.Len(t, samples, st.Samples)

	_, body = e.do(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d/stats", id), "")
	stats := decode[store.Stats](t, body)
	assert.Equal(t, st.Samples, stats.Samples)
	assert.Greater(t, stats.MaxRPM, 0)

	resp, body = e.do(t, http.MethodGet, fmt.Sprintf("/api/sessions/%d/export.csv", id), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Equal(t, "timestamp,speed_kph,rpm,throttle_pct,fuel_rate_lph", lines[0])
	assert.Len(t, lines, st.Samples+1)

	resp, body = e.do(t, http.MethodPost, fmt.Sprintf("/api/sessions/%d/export", id), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasSuffix(decode[map[string]string](t, body)["path"], ".csv"))

	resp, _ = e.do(t, http.MethodPost, "/api/mil/reset", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionNotFound(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/api/sessions/12345", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/sessions/12345/export.csv", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/sessions/abc/stats", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/sessions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDevices(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/api/devices", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	devices := decode[[]link.Device](t, body)
	require.Len(t, devices, 1)
	assert.Equal(t, "/dev/ttyUSB0", devices[0].Name)
}

func TestConfig(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, http.MethodGet, "/api/config", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "password")
	cfg := decode[map[string]any](t, body)
	assert.Equal(t, "emulator", cfg["device"].(map[string]any)["transport"])

	resp, _ = e.do(t, http.MethodPost, "/api/config", `{"acquisition":{"pidRetries":2}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, e.cfg.AcquisitionSettings().PIDRetries)

	resp, body = e.do(t, http.MethodPost, "/api/config", `{"acquisition":{"intervalMs":0}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
	assert.Equal(t, 50, e.cfg.AcquisitionSettings().IntervalMs)

	resp, _ = e.do(t, http.MethodPost, "/api/config", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusIdle(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", decode[acquisition.Status](t, body).State)
}
