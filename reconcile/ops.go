package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"

	"github.com/usbipmgr/usbipmgr/executor"
	"github.com/usbipmgr/usbipmgr/state"
	"github.com/usbipmgr/usbipmgr/usbip"
)

// runChecked executes one command and folds a non-zero exit into the
// error return. Sudo rejecting the piped password is reported as an
// AuthError so callers can pause instead of retrying.
func runChecked(ctx context.Context, exec executor.Executor, host, command string, timeout time.Duration) error {
	res, err := exec.Run(ctx, command, timeout)
	if err != nil {
		return err
	}
	if executor.IsSudoAuthFailure(res) {
		return &executor.AuthError{Host: host, Err: errors.New("sudo rejected the password")}
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return errors.Newf("command exited %d: %s", res.ExitCode, msg)
	}
	return nil
}

// Bind marks a device shareable on the remote host.
func (r *Reconciler) Bind(ctx context.Context, hostName, busId string) error {
	if err := usbip.ValidateBusId(busId); err != nil {
		return err
	}
	h, ok := r.host(hostName)
	if !ok {
		return errors.Newf("host %s is not registered", hostName)
	}
	cmd, err := h.Platform.BindCommand(busId, h.SudoPassword)
	if err != nil {
		return err
	}
	_ = level.Info(r.logger).Log("msg", "binding device", "host", hostName, "busid", busId)
	return runChecked(ctx, h.Exec, hostName, cmd, executor.InteractiveTimeout)
}

// Unbind stops sharing a device on the remote host.
func (r *Reconciler) Unbind(ctx context.Context, hostName, busId string) error {
	if err := usbip.ValidateBusId(busId); err != nil {
		return err
	}
	h, ok := r.host(hostName)
	if !ok {
		return errors.Newf("host %s is not registered", hostName)
	}
	cmd, err := h.Platform.UnbindCommand(busId, h.SudoPassword)
	if err != nil {
		return err
	}
	_ = level.Info(r.logger).Log("msg", "unbinding device", "host", hostName, "busid", busId)
	return runChecked(ctx, h.Exec, hostName, cmd, executor.InteractiveTimeout)
}

// Attach imports a remote-shared device on the local machine.
func (r *Reconciler) Attach(ctx context.Context, hostName, busId string) error {
	if err := usbip.ValidateBusId(busId); err != nil {
		return err
	}
	if err := usbip.ValidateHost(hostName); err != nil {
		return err
	}
	cmd, err := r.localPlatform.AttachCommand(hostName, busId, r.localSudoPassword())
	if err != nil {
		return err
	}
	_ = level.Info(r.logger).Log("msg", "attaching device", "host", hostName, "busid", busId)
	return runChecked(ctx, r.local, LocalHost, cmd, executor.InteractiveTimeout)
}

// Detach releases a locally imported device. The port is looked up in
// the mapping table recorded at refresh/attach time.
func (r *Reconciler) Detach(ctx context.Context, hostName, busId string) error {
	if err := usbip.ValidateBusId(busId); err != nil {
		return err
	}
	m, ok := r.store.Mapping(hostName, busId)
	if !ok {
		return errors.Newf("no local port known for device %s on %s", busId, hostName)
	}
	if err := usbip.ValidatePort(m.Port); err != nil {
		return err
	}
	cmd, err := r.localPlatform.DetachCommand(m.Port, r.localSudoPassword())
	if err != nil {
		return err
	}
	_ = level.Info(r.logger).Log("msg", "detaching device", "host", hostName, "busid", busId, "port", m.Port)
	if err := runChecked(ctx, r.local, LocalHost, cmd, executor.InteractiveTimeout); err != nil {
		return err
	}
	r.store.RemoveMapping(hostName, busId)
	return nil
}

// Service drives the usbipd service on the remote host. Actions go
// through the platform's allow list; there is no free-form service
// command.
func (r *Reconciler) Service(ctx context.Context, hostName string, action usbip.ServiceAction) error {
	h, ok := r.host(hostName)
	if !ok {
		return errors.Newf("host %s is not registered", hostName)
	}
	cmd, err := h.Platform.ServiceCommand(action, h.SudoPassword)
	if err != nil {
		return err
	}
	_ = level.Info(r.logger).Log("msg", "service action", "host", hostName, "action", action)
	return runChecked(ctx, h.Exec, hostName, cmd, executor.ServiceTimeout)
}

// ServiceStatus queries and classifies the usbipd service state on the
// remote host. A non-zero exit is part of the answer here, not a
// failure: systemctl reports a stopped unit that way.
func (r *Reconciler) ServiceStatus(ctx context.Context, hostName string) (usbip.ServiceState, error) {
	h, ok := r.host(hostName)
	if !ok {
		return usbip.ServiceUnknown, errors.Newf("host %s is not registered", hostName)
	}
	cmd, err := h.Platform.ServiceCommand(usbip.ServiceStatus, h.SudoPassword)
	if err != nil {
		return usbip.ServiceUnknown, err
	}
	res, err := h.Exec.Run(ctx, cmd, executor.ServiceTimeout)
	if err != nil {
		return usbip.ServiceUnknown, err
	}
	return h.Platform.ClassifyService(res.Stdout, res.Stderr, res.ExitCode), nil
}

// Reattach is one reconnect attempt for a device that lost state: it
// restores the bind first when that was lost too, then re-imports when
// the attachment itself was lost. A device the user only ever bound is
// re-bound and nothing more.
func (r *Reconciler) Reattach(ctx context.Context, rec state.DeviceRecord, restoreAttach bool) error {
	if !rec.Bound {
		if err := r.Bind(ctx, rec.Host, rec.BusId); err != nil {
			return errors.Wrapf(err, "restoring bind for %s", rec.BusId)
		}
	}
	if restoreAttach && !rec.Attached {
		if err := r.Attach(ctx, rec.Host, rec.BusId); err != nil {
			return errors.Wrapf(err, "re-attaching %s", rec.BusId)
		}
	}
	return nil
}
