package state

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// missedThreshold is the number of consecutive refreshes a device may
// be absent from before its record is dropped. One missed scan is
// treated as a transient parse miss.
const missedThreshold = 2

// FlagSink receives per-device auto-reconnect flag changes so they can
// be persisted outside the core.
type FlagSink interface {
	SaveAuto(key Key, enabled bool)
}

type deviceEntry struct {
	rec         DeviceRecord
	missedScans int
	seq         uint64
}

type mappingKey struct {
	Host        string
	RemoteBusId string
}

// MergeResult reports what one refresh changed, by bus id.
type MergeResult struct {
	Added   []string
	Updated []string
	Removed []string
}

func (r MergeResult) Empty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Removed) == 0
}

// Store is the authoritative in-memory device state. All mutation is
// serialized behind one mutex; the UI-triggered refresh path and the
// background scheduler both read and write it concurrently.
type Store struct {
	logger log.Logger

	mu        sync.Mutex
	hosts     map[string]*HostRecord
	devices   map[Key]*deviceEntry
	mappings  map[mappingKey]DeviceMapping
	savedAuto map[Key]bool
	seq       uint64
	flagSink  FlagSink

	policy atomic.Pointer[ReconnectPolicy]

	subMu       sync.Mutex
	subscribers []chan Event

	// metrics
	knownDeviceGauge    prometheus.Gauge
	attachedDeviceGauge prometheus.Gauge
	eventsDroppedTotal  prometheus.Counter
}

func NewStore(logger log.Logger, reg prometheus.Registerer) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Store{
		logger:    logger,
		hosts:     map[string]*HostRecord{},
		devices:   map[Key]*deviceEntry{},
		mappings:  map[mappingKey]DeviceMapping{},
		savedAuto: map[Key]bool{},
		knownDeviceGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbipmgr_known_devices",
			Help: "The number of device records currently in the state store.",
		}),
		attachedDeviceGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbipmgr_attached_devices",
			Help: "The number of devices currently observed as attached.",
		}),
		eventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbipmgr_events_dropped_total",
			Help: "The number of events dropped because a subscriber was not keeping up.",
		}),
	}
	policy := DefaultReconnectPolicy()
	s.policy.Store(&policy)
	if reg != nil {
		reg.MustRegister(s.knownDeviceGauge, s.attachedDeviceGauge, s.eventsDroppedTotal)
	}
	return s
}

// SetFlagSink wires the persistence collaborator for auto flags.
func (s *Store) SetFlagSink(sink FlagSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagSink = sink
}

// Subscribe returns a channel receiving all store events. Sends never
// block mutation; events to a full channel are dropped and counted.
func (s *Store) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Unsubscribe drops a channel obtained from Subscribe. The channel is
// not closed; the caller simply stops receiving.
func (s *Store) Unsubscribe(ch <-chan Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

func (s *Store) emit(ev Event) {
	ev.Time = time.Now()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.eventsDroppedTotal.Inc()
		}
	}
}

// Policy returns the current reconnect policy snapshot.
func (s *Store) Policy() ReconnectPolicy {
	return *s.policy.Load()
}

// SetPolicy atomically replaces the whole policy value.
func (s *Store) SetPolicy(p ReconnectPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy.Store(&p)
}

// ArmGracePeriod suppresses the scheduler until now plus the configured
// grace period.
func (s *Store) ArmGracePeriod(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *s.policy.Load()
	p.GraceUntil = now.Add(p.GracePeriod)
	s.policy.Store(&p)
	_ = level.Debug(s.logger).Log("msg", "grace period armed", "until", p.GraceUntil)
}

// SeedAutoFlags installs persisted per-device auto flags; they apply
// when the matching device is next observed.
func (s *Store) SeedAutoFlags(flags map[Key]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range flags {
		s.savedAuto[k] = v
	}
}

// UpsertHost records a host and its detected platform.
func (s *Store) UpsertHost(rec HostRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[rec.Host] = &rec
}

func (s *Store) Host(host string) (HostRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[host]
	if !ok {
		return HostRecord{}, false
	}
	return *h, true
}

func (s *Store) Hosts() []HostRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HostRecord, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// SetHostReachable flips reachability without touching the device set.
func (s *Store) SetHostReachable(host string, reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hosts[host]; ok {
		h.Reachable = reachable
		if reachable {
			h.LastSeen = time.Now()
		}
	}
}

// RemoveHost drops a host and every device record discovered on it.
// Used on explicit disconnect; removal is not a reconnect failure.
func (s *Store) RemoveHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, host)
	for k := range s.devices {
		if k.Host == host {
			delete(s.devices, k)
		}
	}
	for k := range s.mappings {
		if k.Host == host {
			delete(s.mappings, k)
		}
	}
	s.updateGaugesLocked()
	s.emit(Event{Type: EventDeviceStateChanged, Host: host})
}

// Merge replaces the (host, side) slice of the store with the freshly
// parsed records, carrying the persisted flags over by identity.
// Records absent from the incoming list survive one refresh and are
// dropped on the second consecutive miss.
func (s *Store) Merge(host string, side Side, incoming []DeviceRecord) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res MergeResult
	seen := map[Key]bool{}

	for _, rec := range incoming {
		rec.Host = host
		rec.Side = side
		key := rec.Key()
		if seen[key] {
			// identity must be unique within (host, side)
			_ = level.Warn(s.logger).Log("msg", "duplicate bus id in refresh, keeping first", "host", host, "busid", rec.BusId)
			continue
		}
		seen[key] = true

		if e, ok := s.devices[key]; ok {
			prev := e.rec
			rec.AutoReconnect = prev.AutoReconnect
			rec.FailureCount = prev.FailureCount
			rec.LastAttempt = prev.LastAttempt
			e.rec = rec
			e.missedScans = 0
			if prev.Description != rec.Description || prev.Attached != rec.Attached || prev.Bound != rec.Bound {
				res.Updated = append(res.Updated, rec.BusId)
			}
			continue
		}

		if saved, ok := s.savedAuto[key]; ok {
			rec.AutoReconnect = saved
		}
		s.seq++
		s.devices[key] = &deviceEntry{rec: rec, seq: s.seq}
		res.Added = append(res.Added, rec.BusId)
	}

	for key, e := range s.devices {
		if key.Host != host || key.Side != side || seen[key] {
			continue
		}
		e.missedScans++
		if e.missedScans >= missedThreshold {
			delete(s.devices, key)
			res.Removed = append(res.Removed, key.BusId)
		}
	}

	s.updateGaugesLocked()
	if !res.Empty() {
		s.emit(Event{Type: EventDeviceStateChanged, Host: host, Side: side})
	}
	return res
}

func (s *Store) updateGaugesLocked() {
	attached := 0
	for _, e := range s.devices {
		if e.rec.Attached {
			attached++
		}
	}
	s.knownDeviceGauge.Set(float64(len(s.devices)))
	s.attachedDeviceGauge.Set(float64(attached))
}

// Device returns one record by key.
func (s *Store) Device(key Key) (DeviceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.devices[key]
	if !ok {
		return DeviceRecord{}, false
	}
	return e.rec, true
}

// Devices returns the records for one (host, side) pair in stable store
// order (first observation order, not re-sorted between refreshes).
func (s *Store) Devices(host string, side Side) []DeviceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]*deviceEntry, 0)
	for k, e := range s.devices {
		if k.Host == host && k.Side == side {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]DeviceRecord, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

// Snapshot returns every record in stable store order.
func (s *Store) Snapshot() []DeviceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]*deviceEntry, 0, len(s.devices))
	for _, e := range s.devices {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]DeviceRecord, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

// SetAuto flips the per-device auto-reconnect opt-in. Re-enabling
// resets the failure budget.
func (s *Store) SetAuto(key Key, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedAuto[key] = enabled
	e, ok := s.devices[key]
	if ok {
		e.rec.AutoReconnect = enabled
		if enabled {
			e.rec.FailureCount = 0
		}
	}
	if s.flagSink != nil {
		s.flagSink.SaveAuto(key, enabled)
	}
	if ok {
		s.emit(Event{Type: EventDeviceStateChanged, Host: key.Host, Side: key.Side, BusId: key.BusId})
	}
	return ok
}

// MarkAttempt stamps the start of a reconnect attempt and announces it.
func (s *Store) MarkAttempt(key Key, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.devices[key]
	if !ok {
		return
	}
	e.rec.LastAttempt = now
	s.emit(Event{
		Type:        EventReconnectAttemptStarted,
		Host:        key.Host,
		Side:        key.Side,
		BusId:       key.BusId,
		Attempt:     e.rec.FailureCount + 1,
		MaxAttempts: s.policy.Load().MaxAttempts,
	})
}

// RecordAttemptResult applies one attempt outcome. A success resets the
// failure counter; a failure increments it and, once the budget is
// exhausted, forces the auto flag off and raises the auto-disabled
// event exactly once. A disconnect changes nothing: the transport going
// away is not a reconnect failure.
func (s *Store) RecordAttemptResult(key Key, outcome AttemptOutcome, attemptErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.devices[key]
	if !ok {
		return
	}
	policy := s.policy.Load()

	switch outcome {
	case AttemptSuccess:
		e.rec.FailureCount = 0
		s.emit(Event{Type: EventReconnectSucceeded, Host: key.Host, Side: key.Side, BusId: key.BusId})
	case AttemptFailure:
		e.rec.FailureCount++
		if e.rec.FailureCount >= policy.MaxAttempts && e.rec.AutoReconnect {
			e.rec.AutoReconnect = false
			s.savedAuto[key] = false
			if s.flagSink != nil {
				s.flagSink.SaveAuto(key, false)
			}
			s.emit(Event{
				Type:        EventReconnectAutoDisabled,
				Host:        key.Host,
				Side:        key.Side,
				BusId:       key.BusId,
				Attempt:     e.rec.FailureCount,
				MaxAttempts: policy.MaxAttempts,
				Err:         attemptErr,
			})
			return
		}
		s.emit(Event{
			Type:        EventReconnectFailed,
			Host:        key.Host,
			Side:        key.Side,
			BusId:       key.BusId,
			Attempt:     e.rec.FailureCount,
			MaxAttempts: policy.MaxAttempts,
			Err:         attemptErr,
		})
	case AttemptDisconnect:
		_ = level.Debug(s.logger).Log("msg", "attempt ended by disconnect", "host", key.Host, "busid", key.BusId)
	}
}

// BulkCompleted announces the outcome of one bulk operation.
func (s *Store) BulkCompleted(operationId, operation, host string, outcomes map[string]bool) {
	s.emit(Event{
		Type:        EventBulkOperationCompleted,
		Host:        host,
		OperationId: operationId,
		Operation:   operation,
		Outcomes:    outcomes,
	})
}

// SaveMapping remembers the client-side location of an attached import.
func (s *Store) SaveMapping(host string, m DeviceMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[mappingKey{Host: host, RemoteBusId: m.RemoteBusId}] = m
}

func (s *Store) Mapping(host, remoteBusId string) (DeviceMapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[mappingKey{Host: host, RemoteBusId: remoteBusId}]
	return m, ok
}

func (s *Store) RemoveMapping(host, remoteBusId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, mappingKey{Host: host, RemoteBusId: remoteBusId})
}

// Mappings returns the mappings for one host.
func (s *Store) Mappings(host string) []DeviceMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceMapping, 0)
	for k, m := range s.mappings {
		if k.Host == host {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteBusId < out[j].RemoteBusId })
	return out
}
