package executor

import (
	"bytes"
	"context"
	baseerrors "errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/crypto/ssh"
)

const defaultSSHPort = 22

// SSHConfig describes one remote endpoint. The password is held in
// memory only for the lifetime of the session; it is never persisted.
type SSHConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// AcceptHostKey skips host key verification. When false, an
	// unknown host key aborts the connection.
	AcceptHostKey bool
	DialTimeout   time.Duration
}

func (c SSHConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSH runs commands on a remote host. Each invocation dials a fresh
// connection, runs one session and tears the connection down; command
// execution against these hosts is rare enough that connection reuse
// is not worth the lifecycle bookkeeping.
type SSH struct {
	cfg    SSHConfig
	logger log.Logger
}

func NewSSH(cfg SSHConfig, logger log.Logger) *SSH {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &SSH{cfg: cfg, logger: logger}
}

func (s *SSH) hostKeyCallback() ssh.HostKeyCallback {
	if s.cfg.AcceptHostKey {
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return errors.Newf("host key for %s not accepted", hostname)
	}
}

func (s *SSH) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	clientConfig := &ssh.ClientConfig{
		User: s.cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(s.cfg.Password),
			ssh.KeyboardInteractive(func(string, string, []string, []bool) ([]string, error) {
				return []string{s.cfg.Password}, nil
			}),
		},
		HostKeyCallback: s.hostKeyCallback(),
		Timeout:         s.cfg.DialTimeout,
	}

	client, err := ssh.Dial("tcp", s.cfg.addr(), clientConfig)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return Result{}, &AuthError{Host: s.cfg.Host, Err: err}
		}
		return Result{}, &ConnectionError{Host: s.cfg.Host, Err: err}
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, &ConnectionError{Host: s.cfg.Host, Err: err}
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = client.Close()
		<-done
		return Result{Stdout: stdout.String(), Stderr: stderr.String()},
			&ConnectionError{Host: s.cfg.Host, Err: ctx.Err()}
	case <-timer.C:
		// Closing the client unblocks the session goroutine.
		_ = client.Close()
		<-done
		_ = level.Warn(s.logger).Log("msg", "remote command timed out", "host", s.cfg.Host, "timeout", timeout)
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, &TimeoutError{Timeout: timeout}
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if baseerrors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, &ConnectionError{Host: s.cfg.Host, Err: err}
	}
	return res, nil
}
