package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"

	"airwatch-service/cache"
	"airwatch-service/metrics"
	"airwatch-service/models"
	"airwatch-service/registry"
	"airwatch-service/scheduler"
	"airwatch-service/telemetry"
)

// Registry is the room registry as the API uses it
type Registry interface {
	List() ([]models.Room, error)
	Get(id string) (models.Room, error)
	Add(room models.Room) (models.Room, error)
	Remove(id string) error
	Locked() (bool, error)
	SetLocked(locked bool) error
}

// Refresher queues a forced refresh of one room
type Refresher interface {
	Refresh(roomID string) bool
}

// Dependencies wires the server to the rest of the service
type Dependencies struct {
	Registry       Registry
	Cache          *cache.RoomCache
	Scheduler      *scheduler.Scheduler
	Refresher      Refresher
	Metrics        *metrics.Metrics
	Thresholds     telemetry.Thresholds
	Logger         *slog.Logger
	AllowedOrigins []string
}

// Server represents the API server
type Server struct {
	deps    Dependencies
	server  *http.Server
	handler http.Handler
	logger  *slog.Logger
	now     func() time.Time
	started time.Time
}

// NewServer creates a new API server
func NewServer(deps Dependencies, port int) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		deps:    deps,
		logger:  deps.Logger,
		now:     time.Now,
		started: time.Now(),
	}

	r := mux.NewRouter()
	route := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, deps.Metrics.WrapHandler(path, h)).Methods(methods...)
	}

	route("/api/health", s.handleHealthCheck, http.MethodGet)
	route("/api/rooms", s.handleListRooms, http.MethodGet)
	route("/api/rooms", s.handleAddRoom, http.MethodPost)
	route("/api/rooms/{id}", s.handleGetRoom, http.MethodGet)
	route("/api/rooms/{id}", s.handleRemoveRoom, http.MethodDelete)
	route("/api/rooms/{id}/series", s.handleGetSeries, http.MethodGet)
	route("/api/rooms/{id}/alerts", s.handleGetAlerts, http.MethodGet)
	route("/api/rooms/{id}/analytics", s.handleGetAnalytics, http.MethodGet)
	route("/api/rooms/{id}/refresh", s.handleRefresh, http.MethodPost)
	route("/api/lock", s.handleGetLock, http.MethodGet)
	route("/api/lock", s.handleSetLock, http.MethodPut)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	var h http.Handler = r
	h = gzhttp.GzipHandler(h)
	h = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)
	h = handlers.CombinedLoggingHandler(slogWriter{logger: deps.Logger}, h)
	s.handler = h

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins the API server
func (s *Server) Start() error {
	s.logger.Info("api_server_starting", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the API server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// slogWriter feeds access log lines to the structured logger
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Write(p []byte) (int, error) {
	line := string(p)
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	w.logger.Info("http_access", "line", line)
	return len(p), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// registryError maps registry sentinel errors to HTTP statuses
func (s *Server) registryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrLocked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrInvalidRoom):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("registry_error", "error", err)
		writeError(w, http.StatusInternalServerError, "registry unavailable")
	}
}

// roomFromPath resolves the {id} path variable, writing the error response itself
func (s *Server) roomFromPath(w http.ResponseWriter, r *http.Request) (models.Room, bool) {
	room, err := s.deps.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		s.registryError(w, err)
		return models.Room{}, false
	}
	return room, true
}

// handleHealthCheck provides a simple health check endpoint
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	hits, misses := s.deps.Cache.CacheStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   s.now().Format(time.RFC3339),
		"uptime":      s.now().Sub(s.started).Round(time.Second).String(),
		"rooms":       len(s.deps.Cache.All()),
		"cacheHits":   hits,
		"cacheMisses": misses,
	})
}

// handleListRooms returns every registered room with its current verdict
func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.deps.Registry.List()
	if err != nil {
		s.registryError(w, err)
		return
	}

	now := s.now()
	summaries := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		entry, found := s.deps.Cache.Get(room.ID)
		summaries = append(summaries, summarize(room, entry, found, now, s.deps.Thresholds))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rooms":     summaries,
		"count":     len(summaries),
		"timestamp": now,
	})
}

type addRoomRequest struct {
	Name        string `json:"name"`
	SourceURL   string `json:"sourceUrl"`
	Description string `json:"description"`
}

// handleAddRoom registers a new room
func (s *Server) handleAddRoom(w http.ResponseWriter, r *http.Request) {
	var req addRoomRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	room, err := s.deps.Registry.Add(models.Room{Name: req.Name, SourceURL: req.SourceURL, Description: req.Description})
	if err != nil {
		s.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

// handleGetRoom returns the full state of one room
func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}

	now := s.now()
	entry, found := s.deps.Cache.Get(room.ID)
	detail := RoomDetail{RoomSummary: summarize(room, entry, found, now, s.deps.Thresholds)}
	if found {
		detail.Insight = entry.Insight
		detail.FetchError = entry.FetchErr
		detail.Source = entry.Series.Source
		detail.Readings = len(entry.Series.Readings)
	}
	if s.deps.Scheduler != nil {
		if st, ok := s.deps.Scheduler.Snapshot(room.ID); ok {
			detail.Scheduling = &st
		}
		detail.NextAnalysisIn = s.deps.Scheduler.NextAnalysisIn(room.ID).Seconds()
	}

	writeJSON(w, http.StatusOK, detail)
}

// handleRemoveRoom unregisters a room
func (s *Server) handleRemoveRoom(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.Remove(mux.Vars(r)["id"]); err != nil {
		s.registryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetSeries returns the chart window of a room (the last 40 readings by default)
func (s *Server) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	room, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}

	limit := defaultSeriesLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = l
	}

	entry, _ := s.deps.Cache.Get(room.ID)
	readings := entry.Series.Tail(limit)
	if readings == nil {
		readings = []models.SensorReading{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"roomId":    room.ID,
		"synthetic": entry.Series.Synthetic,
		"fetchedAt": entry.Series.FetchedAt,
		"readings":  readings,
		"count":     len(readings),
	})
}

// handleGetAlerts returns the threshold violations in the visible window
func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	room, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}

	entry, _ := s.deps.Cache.Get(room.ID)
	list := alerts(entry.Series.Readings)
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId": room.ID,
		"alerts": list,
		"count":  len(list),
	})
}

// handleGetAnalytics returns per-channel statistics for the visible window
func (s *Server) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	room, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}

	entry, _ := s.deps.Cache.Get(room.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"roomId":    room.ID,
		"analytics": analytics(entry.Series.Readings),
	})
}

// handleRefresh queues a fetch cycle that forces analysis of this room
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	room, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}
	if s.deps.Refresher == nil || !s.deps.Refresher.Refresh(room.ID) {
		writeError(w, http.StatusServiceUnavailable, "refresh queue is full, try again shortly")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"roomId": room.ID, "queued": true})
}

func (s *Server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	locked, err := s.deps.Registry.Locked()
	if err != nil {
		s.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"locked": locked})
}

func (s *Server) handleSetLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Locked *bool `json:"locked"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil || req.Locked == nil {
		writeError(w, http.StatusBadRequest, `body must be {"locked": true|false}`)
		return
	}
	if err := s.deps.Registry.SetLocked(*req.Locked); err != nil {
		s.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"locked": *req.Locked})
}
