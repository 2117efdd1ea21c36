package executor

import (
	"bytes"
	"context"
	baseerrors "errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Timeout classes. Interactive operations get a short bound so a dead
// host surfaces quickly; service management is allowed to take longer.
const (
	InteractiveTimeout = 15 * time.Second
	ServiceTimeout     = 60 * time.Second
)

// Result is the structured outcome of one command invocation. A
// non-zero exit code is not an error at this layer; retry policy lives
// with the caller.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs one already-built command line under a hard timeout.
type Executor interface {
	Run(ctx context.Context, command string, timeout time.Duration) (Result, error)
}

// TimeoutError reports that a command exceeded its hard bound.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command did not complete within %s", e.Timeout)
}

// ConnectionError reports that the transport to the host is down or
// unreachable. It is deliberately distinct from a command failure:
// reconnect bookkeeping must not count it as an attempt failure.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError reports rejected credentials. Surfaced to the user
// immediately; never silently retried.
type AuthError struct {
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication to %s failed: %v", e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func IsTimeout(err error) bool {
	var t *TimeoutError
	return baseerrors.As(err, &t)
}

func IsConnection(err error) bool {
	var c *ConnectionError
	return baseerrors.As(err, &c)
}

func IsAuth(err error) bool {
	var a *AuthError
	return baseerrors.As(err, &a)
}

// IsSudoAuthFailure reports whether a completed command failed because
// sudo rejected the piped password.
func IsSudoAuthFailure(res Result) bool {
	if res.ExitCode == 0 {
		return false
	}
	stderr := strings.ToLower(res.Stderr)
	return strings.Contains(stderr, "incorrect password attempt") ||
		strings.Contains(stderr, "sorry, try again")
}

// Local runs commands through the local shell.
type Local struct {
	logger log.Logger

	shell     string
	shellFlag string
}

func NewLocal(logger log.Logger) *Local {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	l := &Local{logger: logger, shell: "/bin/sh", shellFlag: "-c"}
	if runtime.GOOS == "windows" {
		l.shell, l.shellFlag = "cmd", "/C"
	}
	return l
}

func (l *Local) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, l.shell, l.shellFlag, command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if ctx.Err() == context.Canceled {
		// The caller gave up, not the command. Report it like a
		// severed transport so nobody books it as a device failure.
		return res, &ConnectionError{Host: "local", Err: ctx.Err()}
	}
	if ctx.Err() == context.DeadlineExceeded {
		_ = level.Warn(l.logger).Log("msg", "local command timed out", "timeout", timeout)
		return res, &TimeoutError{Timeout: timeout}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if baseerrors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, errors.Wrap(err, "failed to start local command")
	}
	return res, nil
}
