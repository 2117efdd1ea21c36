package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbipmgr/usbipmgr/executor"
	"github.com/usbipmgr/usbipmgr/reconcile"
	"github.com/usbipmgr/usbipmgr/settings"
	"github.com/usbipmgr/usbipmgr/state"
	"github.com/usbipmgr/usbipmgr/usbip"
)

const testHost = "10.0.0.5"

type scriptedExec struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *scriptedExec) Run(_ context.Context, command string, _ time.Duration) (executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	if f.fail {
		return executor.Result{ExitCode: 1, Stderr: "nope"}, nil
	}
	return executor.Result{}, nil
}

func (f *scriptedExec) called(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type fixture struct {
	srv    *httptest.Server
	store  *state.Store
	cfg    *settings.File
	remote *scriptedExec
	local  *scriptedExec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.NewNopLogger()
	store := state.NewStore(logger, prometheus.NewRegistry())
	remote, local := &scriptedExec{}, &scriptedExec{}
	rec := reconcile.NewReconciler(logger, store, local, usbip.Linux{}, prometheus.NewRegistry())
	require.NoError(t, rec.RegisterHost(reconcile.Host{
		Name:         testHost,
		Platform:     usbip.Linux{},
		Exec:         remote,
		SudoPassword: "pw",
	}))
	sched := reconcile.NewScheduler(logger, store, rec, prometheus.NewRegistry())
	bulk := reconcile.NewBulk(logger, store, rec)
	cfg, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"), logger)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewServer(logger, store, rec, sched, bulk, cfg).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, cfg: cfg, remote: remote, local: local}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func seed(store *state.Store) {
	store.Merge(testHost, state.SideRemote, []state.DeviceRecord{
		{BusId: "2-1.4", Description: "ethernet adapter", Bound: true, Attached: true},
		{BusId: "2-2", Description: "receiver", Bound: true},
	})
	store.SaveMapping(testHost, state.DeviceMapping{RemoteBusId: "2-1.4", Port: "0"})
}

func TestDevicesSnapshot(t *testing.T) {
	f := newFixture(t)
	seed(f.store)

	resp := f.do(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var devices []state.DeviceRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&devices))
	require.Len(t, devices, 2)
	assert.Equal(t, "2-1.4", devices[0].BusId)
}

func TestDeviceOperations(t *testing.T) {
	f := newFixture(t)
	seed(f.store)

	resp := f.do(t, http.MethodPost, "/api/devices/"+testHost+"/2-2/bind", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.remote.called("usbip bind -b 2-2"))

	resp = f.do(t, http.MethodPost, "/api/devices/"+testHost+"/2-2/attach", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.local.called("usbip attach"))

	resp = f.do(t, http.MethodPost, "/api/devices/"+testHost+"/2-1.4/detach", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.local.called("usbip detach -p 0"))
}

func TestDeviceOpRejectsBadBusId(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/devices/"+testHost+"/not..valid/bind", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, f.remote.calls)
}

func TestAutoToggle(t *testing.T) {
	f := newFixture(t)
	seed(f.store)

	resp := f.do(t, http.MethodPost, "/api/devices/"+testHost+"/2-2/auto", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, ok := f.store.Device(state.Key{Host: testHost, Side: state.SideRemote, BusId: "2-2"})
	require.True(t, ok)
	assert.True(t, got.AutoReconnect)

	resp = f.do(t, http.MethodPost, "/api/devices/"+testHost+"/9-9/auto", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPolicyRoundTrip(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/api/policy",
		`{"enabled":true,"check_interval_seconds":10,"max_attempts":2,"grace_period_seconds":20}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	p := f.store.Policy()
	assert.Equal(t, 10*time.Second, p.CheckInterval)
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, 20*time.Second, p.GracePeriod)

	// persisted as well
	assert.Equal(t, 2, f.cfg.Policy().MaxAttempts)

	resp = f.do(t, http.MethodGet, "/api/policy", "")
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 10, body["check_interval_seconds"])
}

func TestPolicyRejectsNonPositiveValues(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPut, "/api/policy",
		`{"enabled":true,"check_interval_seconds":0,"max_attempts":5,"grace_period_seconds":60}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBulkDetachArmsGrace(t *testing.T) {
	f := newFixture(t)
	seed(f.store)

	resp := f.do(t, http.MethodPost, "/api/hosts/"+testHost+"/detach-all", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res reconcile.BulkResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, map[string]bool{"2-1.4": true}, res.Outcomes)
	assert.True(t, f.store.Policy().InGrace(time.Now()))
}

func TestServiceAction(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/hosts/"+testHost+"/service", `{"action":"restart"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.remote.called("systemctl restart usbipd"))

	resp = f.do(t, http.MethodPost, "/api/hosts/"+testHost+"/service", `{"action":"explode"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServiceStatus(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/hosts/"+testHost+"/service", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.remote.called("systemctl status usbipd"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "running", body["state"])
}
