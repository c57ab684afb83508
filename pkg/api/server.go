// Package api serves the control and diagnostics HTTP endpoints of the
// bridge.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/devices"
	"github.com/elad-bar/ha-blueiris/pkg/entities"
	"github.com/elad-bar/ha-blueiris/pkg/registry"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("operation requires an admin login")
	ErrNotReady  = errors.New("bridge is not logged in")
)

type Status struct {
	State        string         `json:"state"`
	LoggedIn     bool           `json:"logged_in"`
	Admin        bool           `json:"admin"`
	Version      string         `json:"version,omitempty"`
	SystemName   string         `json:"system_name,omitempty"`
	Profile      int            `json:"profile"`
	Schedule     string         `json:"schedule,omitempty"`
	LastUpdate   *time.Time     `json:"last_update,omitempty"`
	Cameras      int            `json:"cameras"`
	Entities     map[string]int `json:"entities"`
	Devices      int            `json:"devices"`
	Notification string         `json:"notification,omitempty"`
	MQTT         bool           `json:"mqtt_connected"`
}

// Controller is the application surface driven by the API.
type Controller interface {
	Status() Status
	Entities() []entities.Entity
	Devices() []devices.Device
	Refresh(ctx context.Context) error
	Trigger(ctx context.Context, cameraID string) error
	MoveToPreset(ctx context.Context, cameraID string, preset int) error
	SetProfile(ctx context.Context, profile string) error
	SetSchedule(ctx context.Context, schedule string) error
	SetEntityDisabled(uniqueID string, disabled bool) (registry.Entry, error)
}

type Server struct {
	listen     string
	controller Controller
	metrics    http.Handler
	logger     *logrus.Logger
	router     chi.Router
	server     *http.Server
}

func NewServer(listen string, controller Controller, metrics http.Handler, logger *logrus.Logger) *Server {
	s := &Server{
		listen:     listen,
		controller: controller,
		metrics:    metrics,
		logger:     logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/entities", s.handleEntities)
		r.Put("/entities/{uniqueID}/disabled", s.handleSetDisabled)
		r.Get("/devices", s.handleDevices)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/cameras/{camera}/trigger", s.handleTrigger)
		r.Post("/cameras/{camera}/ptz/{preset}", s.handlePTZ)
		r.Post("/profiles/{profile}", s.handleProfile)
		r.Post("/schedules/{schedule}", s.handleSchedule)
	})

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts listening in the background (implements Service interface).
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("HTTP API listening on %s", s.listen)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("HTTP server forced to shutdown")
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.controller.Status()
	if !status.LoggedIn {
		s.respondError(w, http.StatusServiceUnavailable, status.State)
		return
	}
	s.respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, s.controller.Status())
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	items := s.controller.Entities()

	if domain := r.URL.Query().Get("domain"); domain != "" {
		filtered := make([]entities.Entity, 0, len(items))
		for _, entity := range items {
			if string(entity.Domain) == domain {
				filtered = append(filtered, entity)
			}
		}
		items = filtered
	}

	s.respondJSON(w, items)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, s.controller.Devices())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Refresh(r.Context()); err != nil {
		s.respondControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	s.respondJSON(w, s.controller.Status())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	camera := chi.URLParam(r, "camera")

	if err := s.controller.Trigger(r.Context(), camera); err != nil {
		s.respondControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePTZ(w http.ResponseWriter, r *http.Request) {
	camera := chi.URLParam(r, "camera")

	preset, err := strconv.Atoi(chi.URLParam(r, "preset"))
	if err != nil || preset < 1 {
		s.respondError(w, http.StatusBadRequest, "preset must be a positive number")
		return
	}

	if err := s.controller.MoveToPreset(r.Context(), camera, preset); err != nil {
		s.respondControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.SetProfile(r.Context(), chi.URLParam(r, "profile")); err != nil {
		s.respondControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.SetSchedule(r.Context(), chi.URLParam(r, "schedule")); err != nil {
		s.respondControllerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type disabledRequest struct {
	Disabled *bool `json:"disabled"`
}

func (s *Server) handleSetDisabled(w http.ResponseWriter, r *http.Request) {
	var req disabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Disabled == nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	row, err := s.controller.SetEntityDisabled(chi.URLParam(r, "uniqueID"), *req.Disabled)
	if err != nil {
		s.respondControllerError(w, err)
		return
	}
	s.respondJSON(w, row)
}

func (s *Server) respondControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, registry.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		s.respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotReady):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.WithError(err).Error("Request failed")
		s.respondError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
