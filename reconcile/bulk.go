package reconcile

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/usbipmgr/usbipmgr/state"
)

// Bulk operations by name, as reported in the completion event.
const (
	OpAttachAll = "attach_all"
	OpDetachAll = "detach_all"
	OpUnbindAll = "unbind_all"
)

// BulkResult is the outcome of one bulk operation: per-device success,
// keyed by bus id, plus the operation id the completion event carries.
type BulkResult struct {
	OperationId string
	Operation   string
	Outcomes    map[string]bool
}

func (r BulkResult) Failed() int {
	n := 0
	for _, ok := range r.Outcomes {
		if !ok {
			n++
		}
	}
	return n
}

// Bulk fans a host-wide operation out into single-device commands. The
// devices are taken in the order the store holds them; results come
// back in completion order. Whatever the individual outcomes, the
// grace period is armed afterwards so the scheduler does not fight a
// bulk action that just ran.
type Bulk struct {
	logger log.Logger
	store  *state.Store
	rec    *Reconciler
}

func NewBulk(logger log.Logger, store *state.Store, rec *Reconciler) *Bulk {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Bulk{logger: logger, store: store, rec: rec}
}

// AttachAll imports every bound but unattached device on the host.
func (b *Bulk) AttachAll(ctx context.Context, host string) BulkResult {
	return b.run(ctx, host, OpAttachAll,
		func(d state.DeviceRecord) bool { return d.Bound && !d.Attached },
		func(ctx context.Context, d state.DeviceRecord) error {
			return b.rec.Attach(ctx, host, d.BusId)
		})
}

// DetachAll releases every attached device imported from the host.
func (b *Bulk) DetachAll(ctx context.Context, host string) BulkResult {
	return b.run(ctx, host, OpDetachAll,
		func(d state.DeviceRecord) bool { return d.Attached },
		func(ctx context.Context, d state.DeviceRecord) error {
			return b.rec.Detach(ctx, host, d.BusId)
		})
}

// UnbindAll stops sharing every bound device on the host.
func (b *Bulk) UnbindAll(ctx context.Context, host string) BulkResult {
	return b.run(ctx, host, OpUnbindAll,
		func(d state.DeviceRecord) bool { return d.Bound },
		func(ctx context.Context, d state.DeviceRecord) error {
			return b.rec.Unbind(ctx, host, d.BusId)
		})
}

type busOutcome struct {
	busId string
	ok    bool
}

func (b *Bulk) run(ctx context.Context, host, operation string, include func(state.DeviceRecord) bool, op func(context.Context, state.DeviceRecord) error) BulkResult {
	res := BulkResult{
		OperationId: uuid.NewString(),
		Operation:   operation,
		Outcomes:    map[string]bool{},
	}

	var targets []state.DeviceRecord
	for _, d := range b.store.Devices(host, state.SideRemote) {
		if include(d) {
			targets = append(targets, d)
		}
	}

	results := make(chan busOutcome, len(targets))
	for _, d := range targets {
		// dispatch in store order; apply results as they complete
		go func(d state.DeviceRecord) {
			err := op(ctx, d)
			if err != nil {
				_ = level.Warn(b.logger).Log("msg", "bulk step failed", "operation", operation, "host", host, "busid", d.BusId, "err", err)
			}
			results <- busOutcome{busId: d.BusId, ok: err == nil}
		}(d)
	}
	for range targets {
		out := <-results
		res.Outcomes[out.busId] = out.ok
	}

	// armed regardless of outcome: a half-finished bulk action still
	// must not race the scheduler
	b.store.ArmGracePeriod(time.Now())
	b.store.BulkCompleted(res.OperationId, operation, host, res.Outcomes)
	_ = level.Info(b.logger).Log("msg", "bulk operation completed", "operation", operation, "host", host, "devices", len(targets), "failed", res.Failed())
	return res
}
