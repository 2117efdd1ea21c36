package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/usbipmgr/usbipmgr/executor"
	"github.com/usbipmgr/usbipmgr/state"
)

// Scheduler is the auto-reconnect loop. On each tick it refreshes every
// registered host, folds the devices that lost state into its waiting
// set, and issues one reconnect attempt per due device, bounded by the
// executor timeouts. Hosts are handled in parallel so one slow host
// never delays the others.
type Scheduler struct {
	logger log.Logger
	store  *state.Store
	rec    *Reconciler
	now    func() time.Time

	mu      sync.Mutex
	waiting map[state.Key]lostState
	paused  map[string]bool

	attemptsTotal *prometheus.CounterVec
}

func NewScheduler(logger log.Logger, store *state.Store, rec *Reconciler, reg prometheus.Registerer) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Scheduler{
		logger:  logger,
		store:   store,
		rec:     rec,
		now:     time.Now,
		waiting: map[state.Key]lostState{},
		paused:  map[string]bool{},
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbipmgr_reconnect_attempts_total",
			Help: "The number of reconnect attempts by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(s.attemptsTotal)
	}
	return s
}

// Run ticks at the policy's check interval until the context ends. The
// interval is re-read every cycle so policy changes take effect on the
// next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		interval := s.store.Policy().CheckInterval
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		s.Tick(ctx)
	}
}

// Tick runs one full cycle: refresh all hosts and attempt every due
// waiting device. Exposed for the interactive refresh path and tests.
func (s *Scheduler) Tick(ctx context.Context) {
	policy := s.store.Policy()
	now := s.now()

	var wg sync.WaitGroup
	for _, host := range s.rec.Hosts() {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			s.tickHost(ctx, host, policy, now)
		}(host)
	}
	wg.Wait()
}

// PauseHost stops attempts for one host until credentials are
// re-supplied. Set on authentication failures.
func (s *Scheduler) PauseHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[host] = true
}

// ResumeHost lifts an authentication pause.
func (s *Scheduler) ResumeHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paused, host)
}

func (s *Scheduler) isPaused(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[host]
}

// ClearHost drops every waiting device for a host. Called on host
// disconnect; clearing is not a failure, counters stay untouched.
func (s *Scheduler) ClearHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.waiting {
		if key.Host == host {
			delete(s.waiting, key)
		}
	}
}

// lostState marks which state a waiting device lost. Repeated losses
// accumulate, so a device that first lost its attachment and then its
// bind gets both restored.
type lostState struct {
	attach bool
	bind   bool
}

func (s *Scheduler) enqueue(key state.Key, lost lostState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.waiting[key]
	s.waiting[key] = lostState{attach: prev.attach || lost.attach, bind: prev.bind || lost.bind}
}

func (s *Scheduler) dequeue(key state.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiting, key)
}

func (s *Scheduler) waitingFor(host string) map[state.Key]lostState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[state.Key]lostState{}
	for key, lost := range s.waiting {
		if key.Host == host {
			out[key] = lost
		}
	}
	return out
}

func (s *Scheduler) tickHost(ctx context.Context, host string, policy state.ReconnectPolicy, now time.Time) {
	if s.isPaused(host) {
		_ = level.Debug(s.logger).Log("msg", "host paused, skipping", "host", host)
		return
	}

	diff, err := s.rec.Refresh(ctx, host)
	switch {
	case err == nil:
	case executor.IsConnection(err) || executor.IsTimeout(err):
		_ = level.Warn(s.logger).Log("msg", "host unreachable, clearing pending attempts", "host", host, "err", err)
		s.ClearHost(host)
		return
	case executor.IsAuth(err):
		_ = level.Error(s.logger).Log("msg", "authentication failed, pausing host", "host", host, "err", err)
		s.PauseHost(host)
		return
	default:
		_ = level.Warn(s.logger).Log("msg", "refresh failed", "host", host, "err", err)
		return
	}

	for _, cand := range diff.Candidates {
		if cand.Record.AutoReconnect {
			s.enqueue(cand.Record.Key(), lostState{attach: cand.LostAttach, bind: cand.LostBind})
		}
	}

	if !policy.Enabled || policy.InGrace(now) {
		return
	}

	for key, lost := range s.waitingFor(host) {
		cur, ok := s.store.Device(key)
		if !ok {
			s.dequeue(key)
			continue
		}
		if !cur.AutoReconnect || cur.FailureCount >= policy.MaxAttempts {
			s.dequeue(key)
			continue
		}
		if (!lost.attach || cur.Attached) && (!lost.bind || cur.Bound) {
			// recovered without our help
			s.dequeue(key)
			continue
		}
		if !cur.LastAttempt.IsZero() && now.Sub(cur.LastAttempt) < policy.CheckInterval {
			continue
		}
		s.attempt(ctx, key, cur, lost)
	}
}

func (s *Scheduler) attempt(ctx context.Context, key state.Key, rec state.DeviceRecord, lost lostState) {
	s.store.MarkAttempt(key, s.now())
	err := s.rec.Reattach(ctx, rec, lost.attach)
	switch {
	case err == nil:
		s.attemptsTotal.WithLabelValues("success").Inc()
		s.store.RecordAttemptResult(key, state.AttemptSuccess, "")
		s.dequeue(key)
	case executor.IsConnection(err):
		// the transport went away mid-attempt; not a failure
		s.attemptsTotal.WithLabelValues("disconnect").Inc()
		s.store.RecordAttemptResult(key, state.AttemptDisconnect, err.Error())
		s.dequeue(key)
	case executor.IsAuth(err):
		s.attemptsTotal.WithLabelValues("auth").Inc()
		_ = level.Error(s.logger).Log("msg", "authentication failed during reconnect, pausing host", "host", key.Host, "err", err)
		s.PauseHost(key.Host)
	default:
		s.attemptsTotal.WithLabelValues("failure").Inc()
		s.store.RecordAttemptResult(key, state.AttemptFailure, err.Error())
		if cur, ok := s.store.Device(key); ok && !cur.AutoReconnect {
			// the failure budget ran out and the store dropped the flag
			s.dequeue(key)
		}
	}
}
