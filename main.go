// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	baseerrors "errors"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/usbipmgr/usbipmgr/api"
	"github.com/usbipmgr/usbipmgr/credentials"
	"github.com/usbipmgr/usbipmgr/executor"
	"github.com/usbipmgr/usbipmgr/reconcile"
	"github.com/usbipmgr/usbipmgr/settings"
	"github.com/usbipmgr/usbipmgr/state"
	"github.com/usbipmgr/usbipmgr/usbip"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	settingsPath := viper.GetString("settings")
	if settingsPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return errors.Wrap(err, "resolving the user config directory")
		}
		settingsPath = filepath.Join(dir, "usbipmgr", "settings.json")
	}
	cfg, err := settings.Open(settingsPath, logger)
	if err != nil {
		return err
	}

	store := state.NewStore(logger, r)
	store.SetPolicy(cfg.Policy())
	store.SeedAutoFlags(cfg.AutoFlags())
	store.SetFlagSink(cfg)

	localPlatform, err := resolveLocalPlatform(viper.GetString("local-platform"))
	if err != nil {
		return err
	}
	local := executor.NewLocal(logger)
	rec := reconcile.NewReconciler(logger, store, local, localPlatform, r)
	rec.SetLocalSudoPassword(viper.GetString("local-sudo-password"))

	hostCfgs, err := getConfiguredHosts()
	if err != nil {
		return err
	}
	if len(hostCfgs) == 0 {
		return fmt.Errorf("at least one host must be configured")
	}

	creds := credentials.NewKeyring()
	for name, hc := range hostCfgs {
		if err := registerHost(logger, rec, creds, name, hc); err != nil {
			return err
		}
	}

	sched := reconcile.NewScheduler(logger, store, rec, r)
	bulk := reconcile.NewBulk(logger, store, rec)

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		api.NewServer(logger, store, rec, sched, bulk, cfg).Register(mux)
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	{
		// The auto-reconnect loop.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			_ = logger.Log("msg", "starting the auto-reconnect scheduler")
			err := sched.Run(ctx)
			if baseerrors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(error) {
			cancel()
		})
	}

	{
		// Mirror store events into the log.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			err := api.LogEvents(ctx, logger, store)
			if baseerrors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}, func(error) {
			cancel()
		})
	}

	return g.Run()
}

func resolveLocalPlatform(name string) (usbip.Platform, error) {
	switch name {
	case "auto":
		if runtime.GOOS == "windows" {
			return usbip.Windows{}, nil
		}
		return usbip.Linux{}, nil
	case "linux":
		return usbip.Linux{}, nil
	case "windows":
		return usbip.Windows{}, nil
	default:
		return nil, fmt.Errorf("local platform %q unknown; possible values are: auto, linux, windows", name)
	}
}

// registerHost wires one configured endpoint: fill in stored
// credentials, detect the platform when not pinned in the config, and
// hand the host to the reconciler. Failing detection leaves the host
// out rather than aborting startup.
func registerHost(logger log.Logger, rec *reconcile.Reconciler, creds credentials.Store, name string, hc *hostConfig) error {
	if hc.Username == "" {
		stored, err := creds.Get(name)
		if err == nil {
			hc.Username = stored.Username
			hc.AcceptHostKey = hc.AcceptHostKey || stored.AcceptHostKey
			if hc.Port == 0 {
				hc.Port = stored.Port
			}
		} else if !baseerrors.Is(err, credentials.ErrNotFound) {
			_ = level.Warn(logger).Log("msg", "credential store unavailable", "host", name, "err", err)
		}
	}
	if hc.Username == "" {
		return fmt.Errorf("no username for host %q in config or credential store", name)
	}
	if err := usbip.ValidateUsername(hc.Username); err != nil {
		return err
	}
	if err := creds.Set(name, credentials.Credentials{
		Username:      hc.Username,
		Port:          hc.Port,
		AcceptHostKey: hc.AcceptHostKey,
	}); err != nil {
		_ = level.Warn(logger).Log("msg", "could not persist credentials", "host", name, "err", err)
	}

	sshExec := executor.NewSSH(executor.SSHConfig{
		Host:          hc.Address,
		Port:          hc.Port,
		Username:      hc.Username,
		Password:      hc.Password,
		AcceptHostKey: hc.AcceptHostKey,
	}, log.With(logger, "host", name))

	var platform usbip.Platform
	switch hc.Platform {
	case "linux":
		platform = usbip.Linux{}
	case "windows":
		platform = usbip.Windows{}
	case "auto":
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		pt, err := reconcile.DetectPlatform(ctx, sshExec)
		cancel()
		if err != nil {
			_ = level.Warn(logger).Log("msg", "platform detection failed, skipping host", "host", name, "err", err)
			return nil
		}
		platform = usbip.ForPlatform(pt)
		if platform == nil {
			_ = level.Warn(logger).Log("msg", "unrecognized platform, skipping host", "host", name)
			return nil
		}
	default:
		return fmt.Errorf("platform %q for host %q unknown; possible values are: auto, linux, windows", hc.Platform, name)
	}

	return rec.RegisterHost(reconcile.Host{
		Name:         hc.Address,
		Platform:     platform,
		Exec:         sshExec,
		SudoPassword: hc.SudoPassword,
	})
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
