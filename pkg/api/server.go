package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/core-tools/hsu-devportal-go/pkg/control"
	"github.com/core-tools/hsu-devportal-go/pkg/errors"
	"github.com/core-tools/hsu-devportal-go/pkg/logging"
	"github.com/core-tools/hsu-devportal-go/pkg/registry"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// DefaultWriteTimeout applies when ServerOptions.WriteTimeout is unset. It must
// cover the slowest control request: a stop spends up to the grace window plus
// the kill settle window on every port of the service.
const DefaultWriteTimeout = 90 * time.Second

// ServerOptions configures the control plane HTTP server
type ServerOptions struct {
	Transport    TransportConfig
	WriteTimeout time.Duration
}

// Server is the HTTP server for the control plane
type Server struct {
	backend  Backend
	listener net.Listener
	server   *http.Server
	started  time.Time
	logger   logging.Logger
}

// NewServer creates a server bound to options.Transport
func NewServer(backend Backend, options ServerOptions, logger logging.Logger) (*Server, error) {
	if backend == nil {
		return nil, errors.NewValidationError("backend is required", nil)
	}
	if logger == nil {
		logger = logging.NewNullLogger()
	}

	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultWriteTimeout
	}

	listener, err := CreateListener(options.Transport)
	if err != nil {
		return nil, err
	}

	s := &Server{
		backend:  backend,
		listener: listener,
		started:  time.Now(),
		logger:   logger,
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      options.WriteTimeout,
	}

	return s, nil
}

// Handler returns the routed handler without a listener, for tests and
// embedding.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.requestID)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/services", s.handleServices).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/ports", s.handlePorts).Methods(http.MethodGet)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/control", s.handleControl).Methods(http.MethodPost)
	v1.HandleFunc("/suite/{action}", s.handleSuiteAction).Methods(http.MethodPost)
	v1.HandleFunc("/services/{id}/{action}", s.handleServiceAction).Methods(http.MethodPost)

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusNotFound, "not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return router
}

// Start starts serving in the background
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Starting control plane server, address: %s", s.GetAddress())

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infof("Stopping control plane server")

	if err := s.server.Shutdown(ctx); err != nil {
		return errors.NewInternalError("server shutdown failed", err)
	}
	return nil
}

// GetAddress returns the server's listen address
func (s *Server) GetAddress() string {
	return GetListenerAddress(s.listener)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		s.logger.Debugf("HTTP request, method: %s, path: %s, request: %s", r.Method, r.URL.Path, id)
		next.ServeHTTP(w, r.WithContext(control.WithRequestID(r.Context(), id)))
	})
}

// HTTP Handlers

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.backend.ListServices(r.Context())
	if err != nil {
		s.sendErrorFromDomainError(w, err)
		return
	}
	if services == nil {
		services = []registry.ServiceDescriptor{}
	}
	s.sendSuccess(w, services)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.backend.GetServiceStatus(r.Context())
	if err != nil {
		s.sendErrorFromDomainError(w, err)
		return
	}
	s.sendSuccess(w, statuses)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.backend.GetPortStatus(r.Context())
	if err != nil {
		s.sendErrorFromDomainError(w, err)
		return
	}
	s.sendSuccess(w, ports)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthMap, err := s.backend.GetHealth(r.Context())
	if err != nil {
		s.sendErrorFromDomainError(w, err)
		return
	}
	s.sendSuccess(w, healthMap)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req control.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	s.control(w, r, req)
}

func (s *Server) handleSuiteAction(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, control.Request{
		Target: registry.SuiteTargetID,
		Action: control.Action(mux.Vars(r)["action"]),
	})
}

func (s *Server) handleServiceAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.control(w, r, control.Request{
		Target: vars["id"],
		Action: control.Action(vars["action"]),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	services, err := s.backend.ListServices(r.Context())
	if err != nil {
		s.sendErrorFromDomainError(w, err)
		return
	}
	s.sendSuccess(w, HealthzResponse{
		Status:   "ok",
		Services: len(services),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, req control.Request) {
	// A client hanging up must not abandon a half-finished stop.
	ctx := context.WithoutCancel(r.Context())

	result, err := s.backend.Control(ctx, req)
	if err != nil {
		s.sendErrorFromDomainError(w, err)
		return
	}
	s.sendJSON(w, controlStatusCode(result), result)
}

func controlStatusCode(result control.Result) int {
	switch {
	case result.Success:
		return http.StatusOK
	case result.ErrorKind == control.ErrorKindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Helper methods

func (s *Server) sendSuccess(w http.ResponseWriter, data interface{}) {
	s.sendJSON(w, http.StatusOK, data)
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorf("Failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := ErrorResponse{
		Success: false,
		Error:   message,
	}
	if err != nil {
		response.Context = map[string]string{"details": err.Error()}
	}

	s.sendJSON(w, statusCode, response)
	s.logger.Warnf("Request error: %s (status: %d)", message, statusCode)
}

func (s *Server) sendErrorFromDomainError(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	message := "internal server error"

	switch {
	case errors.IsNotFoundError(err):
		statusCode = http.StatusNotFound
		message = "not found"
	case errors.IsValidationError(err):
		statusCode = http.StatusBadRequest
		message = "validation error"
	case errors.IsCancelledError(err), errors.IsUnavailableError(err):
		statusCode = http.StatusServiceUnavailable
		message = "service unavailable"
	case errors.IsTimeoutError(err):
		statusCode = http.StatusGatewayTimeout
		message = "timeout"
	}

	s.sendError(w, statusCode, message, err)
}
