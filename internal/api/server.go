// Package api serves snapshots, history and process actions over HTTP and
// a WebSocket stream. It never mutates sampler state except through
// RequestAction.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Guliveer/vitalis/resmon/internal/bridge"
	"github.com/Guliveer/vitalis/resmon/internal/history"
	"github.com/Guliveer/vitalis/resmon/internal/models"
	"github.com/Guliveer/vitalis/resmon/internal/sampler"
	"github.com/Guliveer/vitalis/resmon/internal/telemetry"
	"github.com/Guliveer/vitalis/resmon/internal/units"
)

const (
	shutdownTimeout = 5 * time.Second
	writeTimeout    = 5 * time.Second
	maxActionBody   = 64 << 10
)

// Provider is the read side of the sampler plus its action entry point.
type Provider interface {
	Latest() *models.Snapshot
	History(id models.EntityID, metric string) ([]history.Point, bool)
	HistoryMetrics(id models.EntityID) []string
	Subscribe() (<-chan *models.Snapshot, func())
	RequestAction(ctx context.Context, req models.ActionRequest) models.ActionResult
}

// Server wires HTTP endpoints to a Provider.
type Server struct {
	mux      *http.ServeMux
	provider Provider
	metrics  *telemetry.Metrics
	units    units.Formatter
	upgrader websocket.Upgrader
	// owner is the uid the monitor runs as; only it and root may request
	// process actions.
	owner  uint32
	logger *zap.Logger
}

// New assembles the routes. metrics may be nil, which disables /metrics.
func New(provider Provider, metrics *telemetry.Metrics, formatter units.Formatter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mux:      http.NewServeMux(),
		provider: provider,
		metrics:  metrics,
		units:    formatter,
		upgrader: websocket.Upgrader{
			CheckOrigin: sameHost,
		},
		owner:  uint32(os.Geteuid()),
		logger: logger,
	}
	s.register()
	return s
}

// ServeHTTP delegates to the underlying mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) register() {
	s.mux.HandleFunc("GET /healthz", s.instrument("/healthz", s.handleHealthz))
	s.mux.HandleFunc("GET /v1/snapshot", s.instrument("/v1/snapshot", s.handleSnapshot))
	s.mux.HandleFunc("GET /v1/summary", s.instrument("/v1/summary", s.handleSummary))
	s.mux.HandleFunc("GET /v1/history", s.instrument("/v1/history", s.handleHistory))
	s.mux.HandleFunc("POST /v1/actions", s.instrument("/v1/actions", s.handleAction))
	s.mux.HandleFunc("GET /v1/stream", s.instrument("/v1/stream", s.handleStream))
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// ListenUnix serves on a Unix socket at path until ctx is cancelled. The
// socket is private to the monitor's user.
func (s *Server) ListenUnix(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket %s: %w", path, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// Requests arriving on Unix socket connections carry the peer's
// credentials in their context.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ConnContext:       peerContext,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("API shutdown incomplete", zap.Error(err))
		return err
	}
	<-errCh
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if snap := s.provider.Latest(); snap != nil {
		status["seq"] = snap.Seq
		status["capabilities"] = snap.Capabilities
	} else {
		status["status"] = "starting"
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Latest()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no snapshot yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("entity")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "entity query parameter required")
		return
	}
	id, err := models.ParseEntityID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if metric := r.URL.Query().Get("metric"); metric != "" {
		points, ok := s.provider.History(id, metric)
		if !ok {
			writeError(w, http.StatusNotFound, "no history for "+id.String()+" "+metric)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entity": id,
			"metric": metric,
			"points": points,
		})
		return
	}

	names := s.provider.HistoryMetrics(id)
	if len(names) == 0 {
		writeError(w, http.StatusNotFound, "no history for "+id.String())
		return
	}
	series := make(map[string][]history.Point, len(names))
	for _, name := range names {
		if points, ok := s.provider.History(id, name); ok {
			series[name] = points
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity": id,
		"series": series,
	})
}

// peerContext attaches the kernel credentials of Unix socket peers.
func peerContext(ctx context.Context, c net.Conn) context.Context {
	if caller, err := bridge.PeerCredentials(c); err == nil {
		return bridge.WithCaller(ctx, caller)
	}
	return ctx
}

// authorizeAction admits callers on the Unix socket running as the
// monitor's user or root. TCP clients cannot be identified and are
// refused.
func (s *Server) authorizeAction(r *http.Request) (string, bool) {
	caller, ok := bridge.CallerFrom(r.Context())
	if !ok {
		return "process actions are accepted only on the API Unix socket", false
	}
	if !caller.Root() && caller.UID != s.owner {
		s.logger.Warn("Refusing action from another user",
			zap.Uint32("caller_uid", caller.UID),
			zap.Int32("caller_pid", caller.PID))
		return fmt.Sprintf("uid %d may not act through this monitor", caller.UID), false
	}
	return "", true
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if reason, ok := s.authorizeAction(r); !ok {
		writeError(w, http.StatusForbidden, reason)
		return
	}

	var req models.ActionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown action kind")
		return
	}
	if req.PID <= 0 {
		writeError(w, http.StatusBadRequest, "pid must be positive")
		return
	}

	res := s.provider.RequestAction(r.Context(), req)
	writeJSON(w, actionStatus(res), res)
}

// actionStatus maps a terminal action result to an HTTP status. The body
// always carries the full result.
func actionStatus(res models.ActionResult) int {
	switch {
	case res.OK:
		return http.StatusOK
	case res.Indeterminate:
		return http.StatusAccepted
	}
	switch bridge.Code(res.Code) {
	case bridge.CodeNotFound:
		return http.StatusNotFound
	case bridge.CodePermissionDenied:
		return http.StatusForbidden
	case sampler.CodeBusy, sampler.CodeReplaced:
		return http.StatusConflict
	case bridge.CodeInvalid:
		return http.StatusBadRequest
	case bridge.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

// summary is the snapshot rendered for display with unit prefixes.
type summary struct {
	Seq          uint64              `json:"seq"`
	Time         time.Time           `json:"time"`
	Capabilities models.Capabilities `json:"capabilities"`
	Entities     []entitySummary     `json:"entities"`
	Apps         []appSummary        `json:"apps"`
	System       appSummary          `json:"system"`
}

type entitySummary struct {
	ID      models.EntityID   `json:"id"`
	Name    string            `json:"name"`
	State   string            `json:"state"`
	Metrics map[string]string `json:"metrics"`
}

type appSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Processes int    `json:"processes"`
	CPU       string `json:"cpu"`
	Memory    string `json:"memory"`
	GPU       string `json:"gpu"`
	Read      string `json:"read"`
	Write     string `json:"write"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	snap := s.provider.Latest()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no snapshot yet")
		return
	}
	writeJSON(w, http.StatusOK, s.summarize(snap))
}

func (s *Server) summarize(snap *models.Snapshot) summary {
	out := summary{
		Seq:          snap.Seq,
		Time:         snap.Time,
		Capabilities: snap.Capabilities,
		Entities:     make([]entitySummary, 0, len(snap.Entities)),
		System:       s.summarizeApp(snap.System),
	}
	for _, e := range snap.Entities {
		es := entitySummary{ID: e.ID, Name: e.Name, State: string(e.State), Metrics: make(map[string]string, len(e.Metrics))}
		for name, m := range e.Metrics {
			es.Metrics[name] = s.units.Metric(name, m)
		}
		out.Entities = append(out.Entities, es)
	}

	apps := make([]models.AppSnapshot, 0, len(snap.Apps))
	for _, a := range snap.Apps {
		if !a.Pseudo {
			apps = append(apps, a)
		}
	}
	sort.SliceStable(apps, func(i, j int) bool {
		return apps[i].CPUPercent.Or(0) > apps[j].CPUPercent.Or(0)
	})
	out.Apps = make([]appSummary, 0, len(apps))
	for _, a := range apps {
		out.Apps = append(out.Apps, s.summarizeApp(a))
	}
	return out
}

func (s *Server) summarizeApp(a models.AppSnapshot) appSummary {
	return appSummary{
		ID:        a.ID,
		Name:      a.Name,
		Processes: len(a.PIDs),
		CPU:       s.units.Metric("cpu_percent", a.CPUPercent),
		Memory:    s.units.Metric("memory_bytes", a.MemoryBytes),
		GPU:       s.units.Metric("gpu_percent", a.GPUPercent),
		Read:      s.units.Metric("read_rate", a.ReadRate),
		Write:     s.units.Metric("write_rate", a.WriteRate),
	}
}

// sameHost accepts requests without an Origin header (non-browser clients)
// and browser requests from the serving host.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := parseOrigin(origin)
	if err != nil {
		return false
	}
	return u == r.Host
}
