// SPDX-License-Identifier: GPL-2.0-only

// Package api exposes the device state and the user-intent operations
// over HTTP, as the surface a presentation layer drives.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipmgr/usbipmgr/executor"
	"github.com/usbipmgr/usbipmgr/reconcile"
	"github.com/usbipmgr/usbipmgr/settings"
	"github.com/usbipmgr/usbipmgr/state"
	"github.com/usbipmgr/usbipmgr/usbip"
)

// Server holds the collaborators the HTTP handlers drive.
type Server struct {
	logger   log.Logger
	store    *state.Store
	rec      *reconcile.Reconciler
	sched    *reconcile.Scheduler
	bulk     *reconcile.Bulk
	settings *settings.File
}

func NewServer(logger log.Logger, store *state.Store, rec *reconcile.Reconciler, sched *reconcile.Scheduler, bulk *reconcile.Bulk, cfg *settings.File) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{logger: logger, store: store, rec: rec, sched: sched, bulk: bulk, settings: cfg}
}

// Register mounts the API routes on the given mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/hosts", s.handleHosts)
	mux.HandleFunc("POST /api/hosts/{host}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/hosts/{host}/attach-all", s.handleBulk(reconcile.OpAttachAll))
	mux.HandleFunc("POST /api/hosts/{host}/detach-all", s.handleBulk(reconcile.OpDetachAll))
	mux.HandleFunc("POST /api/hosts/{host}/unbind-all", s.handleBulk(reconcile.OpUnbindAll))
	mux.HandleFunc("POST /api/hosts/{host}/service", s.handleService)
	mux.HandleFunc("GET /api/hosts/{host}/service", s.handleServiceStatus)
	mux.HandleFunc("POST /api/devices/{host}/{busid}/attach", s.handleDeviceOp(opAttach))
	mux.HandleFunc("POST /api/devices/{host}/{busid}/detach", s.handleDeviceOp(opDetach))
	mux.HandleFunc("POST /api/devices/{host}/{busid}/bind", s.handleDeviceOp(opBind))
	mux.HandleFunc("POST /api/devices/{host}/{busid}/unbind", s.handleDeviceOp(opUnbind))
	mux.HandleFunc("POST /api/devices/{host}/{busid}/auto", s.handleAuto)
	mux.HandleFunc("GET /api/policy", s.handleGetPolicy)
	mux.HandleFunc("PUT /api/policy", s.handleSetPolicy)
	mux.HandleFunc("GET /api/events", s.handleEvents)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		_ = level.Warn(s.logger).Log("msg", "writing response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case executor.IsAuth(err):
		status = http.StatusUnauthorized
	case executor.IsConnection(err):
		status = http.StatusBadGateway
	case executor.IsTimeout(err):
		status = http.StatusGatewayTimeout
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleHosts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Hosts())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	diff, err := s.rec.Refresh(r.Context(), r.PathValue("host"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, diff)
}

func (s *Server) handleBulk(operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := r.PathValue("host")
		var res reconcile.BulkResult
		switch operation {
		case reconcile.OpAttachAll:
			res = s.bulk.AttachAll(r.Context(), host)
		case reconcile.OpDetachAll:
			res = s.bulk.DetachAll(r.Context(), host)
		case reconcile.OpUnbindAll:
			res = s.bulk.UnbindAll(r.Context(), host)
		}
		s.writeJSON(w, http.StatusOK, res)
	}
}

type deviceOp int

const (
	opAttach deviceOp = iota
	opDetach
	opBind
	opUnbind
)

func (s *Server) handleDeviceOp(op deviceOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, busId := r.PathValue("host"), r.PathValue("busid")
		if err := usbip.ValidateBusId(busId); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		var err error
		switch op {
		case opAttach:
			err = s.rec.Attach(r.Context(), host, busId)
		case opDetach:
			err = s.rec.Detach(r.Context(), host, busId)
		case opBind:
			err = s.rec.Bind(r.Context(), host, busId)
		case opUnbind:
			err = s.rec.Unbind(r.Context(), host, busId)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.rec.Service(r.Context(), r.PathValue("host"), usbip.ServiceAction(body.Action)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.rec.ServiceStatus(r.Context(), r.PathValue("host"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]usbip.ServiceState{"state": st})
}

func (s *Server) handleAuto(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool       `json:"enabled"`
		Side    state.Side `json:"side"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Side == "" {
		body.Side = state.SideRemote
	}
	key := state.Key{Host: r.PathValue("host"), Side: body.Side, BusId: r.PathValue("busid")}
	if !s.store.SetAuto(key, body.Enabled) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown device"})
		return
	}
	if body.Enabled {
		// a fresh opt-in lifts an authentication pause once new
		// credentials are in place
		s.sched.ResumeHost(key.Host)
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type policyBody struct {
	Enabled           bool `json:"enabled"`
	CheckIntervalSecs int  `json:"check_interval_seconds"`
	MaxAttempts       int  `json:"max_attempts"`
	GracePeriodSecs   int  `json:"grace_period_seconds"`
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	p := s.store.Policy()
	s.writeJSON(w, http.StatusOK, policyBody{
		Enabled:           p.Enabled,
		CheckIntervalSecs: int(p.CheckInterval / time.Second),
		MaxAttempts:       p.MaxAttempts,
		GracePeriodSecs:   int(p.GracePeriod / time.Second),
	})
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var body policyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.CheckIntervalSecs <= 0 || body.MaxAttempts <= 0 || body.GracePeriodSecs < 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "policy values must be positive"})
		return
	}
	p := state.ReconnectPolicy{
		Enabled:       body.Enabled,
		CheckInterval: time.Duration(body.CheckIntervalSecs) * time.Second,
		MaxAttempts:   body.MaxAttempts,
		GracePeriod:   time.Duration(body.GracePeriodSecs) * time.Second,
	}
	s.store.SetPolicy(p)
	if s.settings != nil {
		if err := s.settings.SetPolicy(p); err != nil {
			_ = level.Error(s.logger).Log("msg", "persisting policy failed", "err", err)
		}
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleEvents streams store events as server-sent events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	events := s.store.Subscribe(64)
	defer s.store.Unsubscribe(events)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(raw) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// LogEvents consumes store events and writes them to the log. Runs
// until the context ends; wired as its own actor.
func LogEvents(ctx context.Context, logger log.Logger, store *state.Store) error {
	events := store.Subscribe(128)
	defer store.Unsubscribe(events)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			_ = level.Info(logger).Log(
				"msg", "event",
				"type", ev.Type,
				"host", ev.Host,
				"busid", ev.BusId,
				"attempt", ev.Attempt,
				"err", ev.Err,
			)
		}
	}
}
