// Package httpapi is the HTTP control surface: a thin chi router over the
// registry, the server manager, the acquisition pipeline, and the control
// loop. JSON in, JSON out; errors carry the taxonomy code.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/viable-systems/vsm-mcp-sub004/acquisition"
	"github.com/viable-systems/vsm-mcp-sub004/core"
	"github.com/viable-systems/vsm-mcp-sub004/daemon"
	"github.com/viable-systems/vsm-mcp-sub004/variety"
)

// CapabilityService is the slice of the registry the surface exposes.
type CapabilityService interface {
	List() []core.CapabilityBinding
	Refresh() int
	Invoke(ctx context.Context, capability string, args map[string]interface{}) (json.RawMessage, error)
}

// ServerService is the slice of the server manager the surface exposes.
type ServerService interface {
	List() []core.ServerView
}

// AcquisitionService is the slice of the pipeline the surface exposes.
type AcquisitionService interface {
	Acquire(ctx context.Context, descriptors []core.CapabilityDescriptor, opts acquisition.Options) (*core.AcquisitionRecord, error)
	Recent(n int) []core.AcquisitionRecord
}

// ControlService is the slice of the daemon the surface exposes.
type ControlService interface {
	Inject(descriptors []core.CapabilityDescriptor) bool
	Status() daemon.Status
}

// EnvironmentSink accepts environment observations.
type EnvironmentSink interface {
	Set(snap variety.EnvironmentSnapshot)
}

// Server is the control surface.
type Server struct {
	capabilities CapabilityService
	servers      ServerService
	acquisitions AcquisitionService
	control      ControlService
	environment  EnvironmentSink
	logger       core.Logger

	httpServer *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the surface logger.
func WithLogger(l core.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New wires the control surface. Any service may be nil; its routes then
// answer 503.
func New(capabilities CapabilityService, servers ServerService, acquisitions AcquisitionService, control ControlService, environment EnvironmentSink, opts ...Option) *Server {
	s := &Server{
		capabilities: capabilities,
		servers:      servers,
		acquisitions: acquisitions,
		control:      control,
		environment:  environment,
		logger:       &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler(corsCfg core.CORSConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if corsCfg.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsCfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         corsCfg.MaxAge,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/capabilities", s.handleListCapabilities)
		r.Post("/capabilities/refresh", s.handleRefresh)
		r.Post("/capabilities/{name}/invoke", s.handleInvoke)
		r.Get("/servers", s.handleListServers)
		r.Post("/gaps", s.handleInjectGap)
		r.Post("/acquisitions", s.handleAcquire)
		r.Get("/acquisitions", s.handleRecentAcquisitions)
		r.Get("/status", s.handleStatus)
		r.Get("/health", s.handleHealth)
		r.Put("/environment", s.handleSetEnvironment)
	})

	return otelhttp.NewHandler(r, "httpapi")
}

// Start listens on addr until the context is cancelled, then drains with
// the shutdown timeout. Blocks.
func (s *Server) Start(ctx context.Context, addr string, cfg core.HTTPConfig) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(cfg.CORS),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control surface listening", map[string]interface{}{"addr": addr})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control surface shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	if s.capabilities == nil {
		s.writeUnavailable(w)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"capabilities": s.capabilities.List(),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.capabilities == nil {
		s.writeUnavailable(w)
		return
	}
	count := s.capabilities.Refresh()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"bindings": count})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.capabilities == nil {
		s.writeUnavailable(w)
		return
	}
	name := chi.URLParam(r, "name")

	var args map[string]interface{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			s.writeError(w, http.StatusBadRequest, core.CodeInvalidArgs, "request body is not a JSON object", nil)
			return
		}
	}

	result, err := s.capabilities.Invoke(r.Context(), name, args)
	if err != nil {
		s.writeInvokeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"capability": name,
		"result":     result,
	})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	if s.servers == nil {
		s.writeUnavailable(w)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": s.servers.List(),
	})
}

func (s *Server) handleInjectGap(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		s.writeUnavailable(w)
		return
	}
	descriptors, ok := s.decodeDescriptors(w, r)
	if !ok {
		return
	}
	if !s.control.Inject(descriptors) {
		s.writeError(w, http.StatusServiceUnavailable, core.CodeAcquireCancelled, "control loop not running or queue full", nil)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":    true,
		"descriptors": len(descriptors),
	})
}

// handleAcquire runs the pipeline synchronously and returns its record,
// 200 either way; the record carries the outcome.
func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	if s.acquisitions == nil {
		s.writeUnavailable(w)
		return
	}
	descriptors, ok := s.decodeDescriptors(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	record, err := s.acquisitions.Acquire(r.Context(), descriptors, acquisition.Options{Force: force})
	if err != nil {
		if errors.Is(err, core.ErrInvalidConfiguration) {
			s.writeError(w, http.StatusBadRequest, core.CodeInvalidArgs, err.Error(), nil)
			return
		}
		s.writeError(w, http.StatusBadGateway, core.CodeOf(err), err.Error(), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRecentAcquisitions(w http.ResponseWriter, r *http.Request) {
	if s.acquisitions == nil {
		s.writeUnavailable(w)
		return
	}
	n := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
			n = 20
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"acquisitions": s.acquisitions.Recent(n),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		s.writeUnavailable(w)
		return
	}
	s.writeJSON(w, http.StatusOK, s.control.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSetEnvironment(w http.ResponseWriter, r *http.Request) {
	if s.environment == nil {
		s.writeUnavailable(w)
		return
	}
	var snap variety.EnvironmentSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		s.writeError(w, http.StatusBadRequest, core.CodeInvalidArgs, "request body is not an environment snapshot", nil)
		return
	}
	s.environment.Set(snap)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"updated": true})
}

// decodeDescriptors reads {"descriptors":[...]} or a bare array.
func (s *Server) decodeDescriptors(w http.ResponseWriter, r *http.Request) ([]core.CapabilityDescriptor, bool) {
	var body struct {
		Descriptors []core.CapabilityDescriptor `json:"descriptors"`
	}
	raw, err := readAll(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, core.CodeInvalidArgs, "cannot read request body", nil)
		return nil, false
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Descriptors) == 0 {
		var bare []core.CapabilityDescriptor
		if err := json.Unmarshal(raw, &bare); err != nil || len(bare) == 0 {
			s.writeError(w, http.StatusBadRequest, core.CodeInvalidArgs, "request must carry at least one capability descriptor", nil)
			return nil, false
		}
		body.Descriptors = bare
	}
	for _, d := range body.Descriptors {
		if d.Kind == "" {
			s.writeError(w, http.StatusBadRequest, core.CodeInvalidArgs, "descriptor kind must not be empty", nil)
			return nil, false
		}
	}
	return body.Descriptors, true
}

// writeInvokeError maps the invocation error taxonomy onto HTTP statuses.
// Tool-server error payloads pass through verbatim in error.data.
func (s *Server) writeInvokeError(w http.ResponseWriter, err error) {
	code := core.CodeOf(err)
	var data json.RawMessage
	var ce *core.Error
	if errors.As(err, &ce) {
		data = ce.Data
	}

	status := http.StatusBadGateway
	switch {
	case code == core.CodeNotBound || core.IsNotFound(err):
		status = http.StatusNotFound
	case code == core.CodeInvalidArgs:
		status = http.StatusBadRequest
	case code == core.CodeTransportTimeout || errors.Is(err, core.ErrCallTimeout):
		status = http.StatusGatewayTimeout
	case code == core.CodeServerError:
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		status = 499 // client closed request
	}
	s.writeError(w, status, code, err.Error(), data)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string, data json.RawMessage) {
	if code == "" {
		code = "internal"
	}
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}
	if len(data) > 0 {
		body["error"].(map[string]interface{})["data"] = data
	}
	s.writeJSON(w, status, body)
}

func (s *Server) writeUnavailable(w http.ResponseWriter) {
	s.writeError(w, http.StatusServiceUnavailable, "unavailable", "service not wired", nil)
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}
