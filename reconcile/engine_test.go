package reconcile

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbipmgr/usbipmgr/executor"
	"github.com/usbipmgr/usbipmgr/state"
	"github.com/usbipmgr/usbipmgr/usbip"
)

const testHost = "10.0.0.5"

const linuxListOutput = ` - busid 2-1.4 (0bda:8153)
   Realtek Semiconductor Corp. : RTL8153 Gigabit Ethernet Adapter (0bda:8153)

 - busid 2-2 (046d:c52b)
   Logitech, Inc. : Unifying Receiver (046d:c52b)
`

const linuxRemoteListOutput = `Exportable USB devices
======================
 - 10.0.0.5
      2-1.4: Realtek Semiconductor Corp. : RTL8153 Gigabit Ethernet Adapter (0bda:8153)
           : /sys/devices/pci0000:00/0000:00:14.0/usb2/2-1/2-1.4
           : (Defined at Interface level) (00/00/00)
      2-2: Logitech, Inc. : Unifying Receiver (046d:c52b)
           : /sys/devices/pci0000:00/0000:00:14.0/usb2/2-2
           : (Defined at Interface level) (00/00/00)
`

const linuxPortOutput = `Imported USB devices
====================
Port 00: <Port in Use> at High Speed(480Mbps)
       Realtek Semiconductor Corp. : RTL8153 Gigabit Ethernet Adapter (0bda:8153)
       2-1 -> unknown host, remote port and remote busid
`

const windowsListOutput = `Connected:
BUSID  VID:PID    DEVICE                                          STATE
3-2    1234:5678  USB Device Name                                 Shared
3-4    0bda:8153  Realtek USB GbE Family Controller               Not shared
`

const windowsPortOutput = `Imported USB devices
====================
Port 01: <Port in Use> at Full Speed(12Mbps)
       unknown vendor : unknown product (1234:5678)
       -> usbip://10.0.0.5:3240/3-2
`

// fakeExec is a scriptable Executor recording every command it ran.
type fakeExec struct {
	mu      sync.Mutex
	handler func(command string) (executor.Result, error)
	calls   []string
}

func newFakeExec(handler func(string) (executor.Result, error)) *fakeExec {
	return &fakeExec{handler: handler}
}

func (f *fakeExec) Run(_ context.Context, command string, _ time.Duration) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	handler := f.handler
	f.mu.Unlock()
	return handler(command)
}

func (f *fakeExec) setHandler(handler func(string) (executor.Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeExec) callCount(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func respond(out map[string]executor.Result) func(string) (executor.Result, error) {
	return func(command string) (executor.Result, error) {
		for substr, res := range out {
			if strings.Contains(command, substr) {
				return res, nil
			}
		}
		return executor.Result{}, nil
	}
}

func newTestReconciler(t *testing.T, remote, local executor.Executor, hostPlatform, localPlatform usbip.Platform) (*Reconciler, *state.Store) {
	t.Helper()
	store := state.NewStore(log.NewNopLogger(), prometheus.NewRegistry())
	rec := NewReconciler(log.NewNopLogger(), store, local, localPlatform, prometheus.NewRegistry())
	require.NoError(t, rec.RegisterHost(Host{
		Name:         testHost,
		Platform:     hostPlatform,
		Exec:         remote,
		SudoPassword: "hunter2",
	}))
	return rec, store
}

func TestRefreshLinuxCorrelatesByDescription(t *testing.T) {
	remote := newFakeExec(respond(map[string]executor.Result{
		"usbip list -l": {Stdout: linuxListOutput},
	}))
	local := newFakeExec(respond(map[string]executor.Result{
		"usbip port":    {Stdout: linuxPortOutput},
		"usbip list -r": {Stdout: linuxRemoteListOutput},
	}))
	rec, store := newTestReconciler(t, remote, local, usbip.Linux{}, usbip.Linux{})

	diff, err := rec.Refresh(context.Background(), testHost)
	require.NoError(t, err)
	assert.Len(t, diff.Remote.Added, 2)

	// the ethernet adapter shows up in the local port table, so it is
	// attached despite the remote listing not saying so
	eth, ok := store.Device(state.Key{Host: testHost, Side: state.SideRemote, BusId: "2-1.4"})
	require.True(t, ok)
	assert.True(t, eth.Attached)
	assert.True(t, eth.Bound, "exported per the client-side listing")

	recv, ok := store.Device(state.Key{Host: testHost, Side: state.SideRemote, BusId: "2-2"})
	require.True(t, ok)
	assert.False(t, recv.Attached)

	// correlation also records the port mapping used by detach
	m, ok := store.Mapping(testHost, "2-1.4")
	require.True(t, ok)
	assert.Equal(t, "00", m.Port)

	host, ok := store.Host(testHost)
	require.True(t, ok)
	assert.True(t, host.Reachable)
}

func TestRefreshWindowsCorrelatesByBusId(t *testing.T) {
	remote := newFakeExec(respond(map[string]executor.Result{
		"usbipd list": {Stdout: windowsListOutput},
	}))
	local := newFakeExec(respond(map[string]executor.Result{
		"usbip port": {Stdout: windowsPortOutput},
	}))
	rec, store := newTestReconciler(t, remote, local, usbip.Windows{}, usbip.Windows{})

	_, err := rec.Refresh(context.Background(), testHost)
	require.NoError(t, err)

	shared, ok := store.Device(state.Key{Host: testHost, Side: state.SideRemote, BusId: "3-2"})
	require.True(t, ok)
	assert.True(t, shared.Bound)
	assert.True(t, shared.Attached, "bus id 3-2 appears in the local port table")

	unshared, ok := store.Device(state.Key{Host: testHost, Side: state.SideRemote, BusId: "3-4"})
	require.True(t, ok)
	assert.False(t, unshared.Bound)
	assert.False(t, unshared.Attached)

	m, ok := store.Mapping(testHost, "3-2")
	require.True(t, ok)
	assert.Equal(t, "01", m.Port)
}

func TestRefreshReportsLostDevices(t *testing.T) {
	remote := newFakeExec(respond(map[string]executor.Result{
		"usbip list -l": {Stdout: linuxListOutput},
	}))
	local := newFakeExec(respond(map[string]executor.Result{
		"usbip port":    {Stdout: linuxPortOutput},
		"usbip list -r": {Stdout: linuxRemoteListOutput},
	}))
	rec, _ := newTestReconciler(t, remote, local, usbip.Linux{}, usbip.Linux{})

	_, err := rec.Refresh(context.Background(), testHost)
	require.NoError(t, err)

	// the import disappears from the local port table
	local.setHandler(respond(map[string]executor.Result{
		"usbip port":    {Stdout: "Imported USB devices\n====================\n"},
		"usbip list -r": {Stdout: linuxRemoteListOutput},
	}))
	diff, err := rec.Refresh(context.Background(), testHost)
	require.NoError(t, err)

	require.Len(t, diff.Candidates, 1)
	cand := diff.Candidates[0]
	assert.Equal(t, "2-1.4", cand.Record.BusId)
	assert.False(t, cand.Record.Attached)
	assert.True(t, cand.Record.Bound)
	assert.True(t, cand.LostAttach)
	assert.False(t, cand.LostBind)
}

func TestRefreshConnectionErrorMarksHostUnreachable(t *testing.T) {
	remote := newFakeExec(func(string) (executor.Result, error) {
		return executor.Result{}, &executor.ConnectionError{Host: testHost}
	})
	local := newFakeExec(respond(nil))
	rec, store := newTestReconciler(t, remote, local, usbip.Linux{}, usbip.Linux{})
	store.UpsertHost(state.HostRecord{Host: testHost, Reachable: true})

	_, err := rec.Refresh(context.Background(), testHost)
	require.Error(t, err)
	assert.True(t, executor.IsConnection(err))

	host, ok := store.Host(testHost)
	require.True(t, ok)
	assert.False(t, host.Reachable)
}

func TestDetectPlatform(t *testing.T) {
	windows := newFakeExec(respond(map[string]executor.Result{
		"ver": {Stdout: "Microsoft Windows [Version 10.0.19045]"},
	}))
	pt, err := DetectPlatform(context.Background(), windows)
	require.NoError(t, err)
	assert.Equal(t, usbip.PlatformWindows, pt)

	linux := newFakeExec(func(command string) (executor.Result, error) {
		if strings.Contains(command, "uname") {
			return executor.Result{Stdout: "Linux\n"}, nil
		}
		return executor.Result{ExitCode: 127, Stderr: "ver: command not found"}, nil
	})
	pt, err = DetectPlatform(context.Background(), linux)
	require.NoError(t, err)
	assert.Equal(t, usbip.PlatformLinux, pt)

	weird := newFakeExec(respond(map[string]executor.Result{
		"uname": {Stdout: "Plan9\n"},
	}))
	pt, err = DetectPlatform(context.Background(), weird)
	require.NoError(t, err)
	assert.Equal(t, usbip.PlatformUnknown, pt)
}

func TestDetachUsesRecordedMapping(t *testing.T) {
	remote := newFakeExec(respond(nil))
	local := newFakeExec(respond(nil))
	rec, store := newTestReconciler(t, remote, local, usbip.Linux{}, usbip.Linux{})
	store.SaveMapping(testHost, state.DeviceMapping{RemoteBusId: "2-1.4", Port: "3"})

	require.NoError(t, rec.Detach(context.Background(), testHost, "2-1.4"))
	assert.Equal(t, 1, local.callCount("usbip detach -p 3"))

	_, ok := store.Mapping(testHost, "2-1.4")
	assert.False(t, ok, "mapping cleared after detach")

	err := rec.Detach(context.Background(), testHost, "9-9")
	require.Error(t, err, "no mapping, nothing to detach")
}

func TestBindSurfacesSudoAuthFailure(t *testing.T) {
	remote := newFakeExec(respond(map[string]executor.Result{
		"usbip bind": {ExitCode: 1, Stderr: "[sudo] password for user: Sorry, try again."},
	}))
	local := newFakeExec(respond(nil))
	rec, _ := newTestReconciler(t, remote, local, usbip.Linux{}, usbip.Linux{})

	err := rec.Bind(context.Background(), testHost, "2-1.4")
	require.Error(t, err)
	assert.True(t, executor.IsAuth(err))
}

func TestOpsValidateBeforeExecuting(t *testing.T) {
	remote := newFakeExec(respond(nil))
	local := newFakeExec(respond(nil))
	rec, _ := newTestReconciler(t, remote, local, usbip.Linux{}, usbip.Linux{})

	require.Error(t, rec.Bind(context.Background(), testHost, "2-1; rm -rf /"))
	require.Error(t, rec.Attach(context.Background(), testHost, "../../etc"))
	assert.Empty(t, remote.calls, "invalid input must never reach the executor")
	assert.Empty(t, local.calls)
}
