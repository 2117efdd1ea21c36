package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/usbipmgr/usbipmgr/executor"
	"github.com/usbipmgr/usbipmgr/state"
	"github.com/usbipmgr/usbipmgr/usbip"
)

// LocalHost is the pseudo host name under which the local machine's
// imported devices are stored. `usbip port` is a single local listing
// covering imports from every remote, so they live in one slice.
const LocalHost = "local"

// Host is one registered remote endpoint: its usbip dialect, the
// transport to reach it, and the sudo password used for privileged
// commands on it.
type Host struct {
	Name         string
	Platform     usbip.Platform
	Exec         executor.Executor
	SudoPassword string
}

// Candidate is a device that lost state since the previous refresh,
// together with which state was lost. Restoration follows the loss: a
// device the user only ever bound gets its bind back and is never
// force-imported onto the local machine.
type Candidate struct {
	Record     state.DeviceRecord
	LostAttach bool
	LostBind   bool
}

// DiffResult reports what one refresh changed and which devices lost
// their attached or bound state since the previous refresh. The latter
// are the reconnect candidates the scheduler considers.
type DiffResult struct {
	Remote     state.MergeResult
	Local      state.MergeResult
	Candidates []Candidate
}

// Reconciler drives the refresh cycle: it runs the list commands,
// parses their output through the platform strategies, correlates the
// remote listing with the local port table and merges the outcome into
// the state store.
type Reconciler struct {
	logger        log.Logger
	store         *state.Store
	local         executor.Executor
	localPlatform usbip.Platform

	mu        sync.Mutex
	hosts     map[string]Host
	localSudo string

	refreshesTotal *prometheus.CounterVec
}

func NewReconciler(logger log.Logger, store *state.Store, local executor.Executor, localPlatform usbip.Platform, reg prometheus.Registerer) *Reconciler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Reconciler{
		logger:        logger,
		store:         store,
		local:         local,
		localPlatform: localPlatform,
		hosts:         map[string]Host{},
		refreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbipmgr_refreshes_total",
			Help: "The number of refresh cycles per host and outcome.",
		}, []string{"host", "result"}),
	}
	if reg != nil {
		reg.MustRegister(r.refreshesTotal)
	}
	return r
}

// SetLocalSudoPassword sets the password used for privileged local
// commands (attach/detach on a Linux client). Held in memory only.
func (r *Reconciler) SetLocalSudoPassword(pw string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localSudo = pw
}

func (r *Reconciler) localSudoPassword() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localSudo
}

// RegisterHost adds or replaces a remote endpoint.
func (r *Reconciler) RegisterHost(h Host) error {
	if err := usbip.ValidateHost(h.Name); err != nil {
		return err
	}
	if h.Platform == nil {
		return errors.Newf("host %s has no platform strategy", h.Name)
	}
	if h.Exec == nil {
		return errors.Newf("host %s has no executor", h.Name)
	}
	r.mu.Lock()
	r.hosts[h.Name] = h
	r.mu.Unlock()
	r.store.UpsertHost(state.HostRecord{Host: h.Name, Platform: h.Platform.Type()})
	return nil
}

// UnregisterHost removes a host and all state discovered on it.
func (r *Reconciler) UnregisterHost(name string) {
	r.mu.Lock()
	delete(r.hosts, name)
	r.mu.Unlock()
	r.store.RemoveHost(name)
}

func (r *Reconciler) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.hosts))
	for name := range r.hosts {
		names = append(names, name)
	}
	return names
}

func (r *Reconciler) host(name string) (Host, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[name]
	return h, ok
}

// DetectPlatform probes a freshly connected host for its dialect:
// `ver` answers on Windows, `uname -s` on anything unixy.
func DetectPlatform(ctx context.Context, exec executor.Executor) (usbip.PlatformType, error) {
	res, err := exec.Run(ctx, "ver", executor.InteractiveTimeout)
	if err == nil && res.ExitCode == 0 && strings.Contains(res.Stdout, "Microsoft Windows") {
		return usbip.PlatformWindows, nil
	}
	if err != nil && !executor.IsTimeout(err) {
		// transport-level failures abort detection; a failed `ver` on
		// a Linux host just falls through to uname
		if executor.IsConnection(err) || executor.IsAuth(err) {
			return usbip.PlatformUnknown, err
		}
	}
	res, err = exec.Run(ctx, "uname -s", executor.InteractiveTimeout)
	if err != nil {
		return usbip.PlatformUnknown, errors.Wrap(err, "platform detection failed")
	}
	if res.ExitCode == 0 && strings.Contains(res.Stdout, "Linux") {
		return usbip.PlatformLinux, nil
	}
	return usbip.PlatformUnknown, nil
}

// Refresh runs one reconciliation cycle for the given host: list the
// remote devices, list the local imports, correlate the two, merge into
// the store and report which devices lost state.
func (r *Reconciler) Refresh(ctx context.Context, hostName string) (DiffResult, error) {
	var diff DiffResult
	h, ok := r.host(hostName)
	if !ok {
		return diff, errors.Newf("host %s is not registered", hostName)
	}

	listRes, err := h.Exec.Run(ctx, h.Platform.ListCommand(), executor.InteractiveTimeout)
	if err != nil {
		if executor.IsConnection(err) || executor.IsTimeout(err) {
			r.store.SetHostReachable(hostName, false)
		}
		r.refreshesTotal.WithLabelValues(hostName, "error").Inc()
		return diff, errors.Wrapf(err, "listing devices on %s", hostName)
	}
	if listRes.ExitCode != 0 {
		_ = level.Warn(r.logger).Log("msg", "list command exited non-zero", "host", hostName, "code", listRes.ExitCode, "stderr", strings.TrimSpace(listRes.Stderr))
	}
	devices := h.Platform.ParseDeviceList(listRes.Stdout)

	ports := r.localPortTable(ctx)

	var boundSet map[string]bool
	if h.Platform.Type() == usbip.PlatformLinux {
		boundSet = r.exportedBusIds(ctx, hostName)
	}

	remoteBusIds := ports.BusIds()
	localDescs := map[string]string{}
	for _, e := range ports.Entries {
		if e.Description != "" {
			localDescs[usbip.NormalizeDescription(e.Description)] = e.Port
		}
	}

	recs := make([]state.DeviceRecord, 0, len(devices))
	for _, d := range devices {
		rec := state.DeviceRecord{
			BusId:       d.BusId,
			Description: d.Description,
			Bound:       d.Shared,
			Attached:    d.Attached,
		}
		if h.Platform.Type() == usbip.PlatformLinux {
			// the Linux listing exposes neither bind nor attach state;
			// bind state comes from the client-side exportable listing,
			// attachment from the local port table below
			if boundSet != nil {
				rec.Bound = boundSet[d.BusId]
			} else {
				rec.Bound = true
			}
		}
		if !rec.Attached {
			switch h.Platform.Type() {
			case usbip.PlatformWindows:
				rec.Attached = remoteBusIds[d.BusId]
			default:
				port, found := localDescs[usbip.NormalizeDescription(d.Description)]
				rec.Attached = found
				if found {
					r.store.SaveMapping(hostName, state.DeviceMapping{
						RemoteBusId: d.BusId,
						Port:        port,
						Description: d.Description,
					})
				}
			}
		}
		recs = append(recs, rec)
	}

	prev := map[string]state.DeviceRecord{}
	for _, p := range r.store.Devices(hostName, state.SideRemote) {
		prev[p.BusId] = p
	}

	diff.Remote = r.store.Merge(hostName, state.SideRemote, recs)
	diff.Local = r.mergeLocal(hostName, ports)

	for busId, old := range prev {
		cur, ok := r.store.Device(state.Key{Host: hostName, Side: state.SideRemote, BusId: busId})
		if !ok {
			continue
		}
		lostAttach := old.Attached && !cur.Attached
		lostBind := old.Bound && !cur.Bound
		if lostAttach || lostBind {
			diff.Candidates = append(diff.Candidates, Candidate{
				Record:     cur,
				LostAttach: lostAttach,
				LostBind:   lostBind,
			})
		}
	}

	r.store.UpsertHost(state.HostRecord{
		Host:      hostName,
		Platform:  h.Platform.Type(),
		Reachable: true,
		LastSeen:  time.Now(),
	})
	r.refreshesTotal.WithLabelValues(hostName, "ok").Inc()
	return diff, nil
}

// exportedBusIds asks the remote usbipd, from the client side, which
// devices it currently exports. Returns nil when the listing is not
// available; callers fall back to treating listed devices as bound.
func (r *Reconciler) exportedBusIds(ctx context.Context, hostName string) map[string]bool {
	cmd, err := r.localPlatform.RemoteListCommand(hostName)
	if err != nil {
		return nil
	}
	res, err := r.local.Run(ctx, cmd, executor.InteractiveTimeout)
	if err != nil || res.ExitCode != 0 {
		_ = level.Debug(r.logger).Log("msg", "exportable listing unavailable", "host", hostName, "err", err)
		return nil
	}
	set := map[string]bool{}
	for _, d := range r.localPlatform.ParseRemoteList(res.Stdout) {
		set[d.BusId] = true
	}
	return set
}

func (r *Reconciler) localPortTable(ctx context.Context) usbip.PortTable {
	res, err := r.local.Run(ctx, r.localPlatform.PortCommand(), executor.InteractiveTimeout)
	if err != nil {
		// best effort: a broken local listing degrades attachment
		// detection, it does not abort the refresh
		_ = level.Warn(r.logger).Log("msg", "local port listing failed", "err", err)
		return usbip.PortTable{}
	}
	return r.localPlatform.ParsePortOutput(res.Stdout)
}

// mergeLocal stores the local machine's imports. Windows port output
// names the originating host and bus id; those entries also refresh the
// remote-to-port mapping table.
func (r *Reconciler) mergeLocal(hostName string, ports usbip.PortTable) state.MergeResult {
	recs := make([]state.DeviceRecord, 0, len(ports.Entries))
	for _, e := range ports.Entries {
		busId := e.RemoteBusId
		if busId == "" {
			busId = e.LocalBusId
		}
		if busId == "" {
			busId = "port-" + e.Port
		}
		recs = append(recs, state.DeviceRecord{
			BusId:       busId,
			Description: e.Description,
			Attached:    true,
		})
		if e.RemoteBusId != "" {
			mapHost := e.RemoteHost
			if mapHost == "" {
				mapHost = hostName
			}
			r.store.SaveMapping(mapHost, state.DeviceMapping{
				RemoteBusId: e.RemoteBusId,
				Port:        e.Port,
				PortBusId:   e.LocalBusId,
				Description: e.Description,
			})
		}
	}
	return r.store.Merge(LocalHost, state.SideLocal, recs)
}
