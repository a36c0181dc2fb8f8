// Package api provides REST API endpoints for inspecting the sync engine's
// cached vehicle state.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bydlink/internal/journal"
	"bydlink/internal/state"
	"bydlink/internal/storage"
	"bydlink/internal/vehicle"
)

// HistoryStore is the slice of the event-history sink the API reads from.
// Satisfied by *storage.ClickHouseDB.
type HistoryStore interface {
	Query(ctx context.Context, q storage.HistoryQuery) ([]storage.HistoryRow, error)
	Count(ctx context.Context, vin string) (uint64, error)
	CountBySource(ctx context.Context) (map[string]uint64, error)
}

// SnapshotStore is the slice of the exported-snapshot sink the API reads
// from. Satisfied by *storage.PostgresDB.
type SnapshotStore interface {
	GetSection(ctx context.Context, vin, section string) (map[string]any, error)
	ListVehicles(ctx context.Context) ([]string, error)
}

// Server serves read-only diagnostics over the state store and, when they
// are attached, the event journal and the export sinks. It never mutates
// state.
type Server struct {
	store       *state.Store
	journal     *journal.Journal // optional
	history     HistoryStore     // optional
	snapshots   SnapshotStore    // optional
	port        int
	authEnabled bool
	apiKeys     map[string]bool // Simple API key auth (when enabled).
}

// Config holds configuration for the diagnostics API server.
type Config struct {
	Port        int
	AuthEnabled bool
	APIKeys     []string // List of valid API keys.
}

// NewServer creates a diagnostics API server. The journal may be nil; the
// events endpoint then reports that journaling is disabled.
func NewServer(store *state.Store, j *journal.Journal, cfg Config) *Server {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}

	return &Server{
		store:       store,
		journal:     j,
		port:        cfg.Port,
		authEnabled: cfg.AuthEnabled,
		apiKeys:     keys,
	}
}

// AttachExport wires the export sinks so the history and export endpoints
// can serve. Either may be nil; its endpoints then report that the sink is
// not configured.
func (s *Server) AttachExport(h HistoryStore, p SnapshotStore) {
	s.history = h
	s.snapshots = p
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	r := chi.NewRouter()

	// Standard middleware.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Mount("/api/v1", s.Router())

	addr := ":" + strconv.Itoa(s.port)
	log.Printf("Diagnostics API starting at http://localhost%s", addr)
	if s.authEnabled {
		log.Printf("Authentication: ENABLED (API key required)")
	} else {
		log.Printf("Authentication: DISABLED (open access)")
	}

	return http.ListenAndServe(addr, r)
}

// Router returns the configured chi router for embedding in other servers.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	// Optional authentication.
	if s.authEnabled {
		r.Use(s.authMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/vehicles", s.handleListVehicles)
	r.Get("/vehicles/{vin}", s.handleSnapshot)
	r.Get("/vehicles/{vin}/events", s.handleEvents)
	r.Get("/vehicles/{vin}/{section}", s.handleSection)
	r.Get("/history/{vin}", s.handleHistory)
	r.Get("/stats", s.handleStats)
	r.Get("/export/vehicles", s.handleExportVehicles)
	r.Get("/export/vehicles/{vin}/{section}", s.handleExportSection)

	return r
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check X-API-Key header first.
		apiKey := r.Header.Get("X-API-Key")

		// Fall back to Authorization: Bearer <key>.
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	vins := s.store.VINs()
	if vins == nil {
		vins = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": vins})
}

// SectionResponse is the JSON shape for one section read.
type SectionResponse struct {
	VIN       string         `json:"vin"`
	Section   string         `json:"section"`
	Data      map[string]any `json:"data"`
	PayloadTS *float64       `json:"payload_ts,omitempty"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	vin := strings.ToUpper(chi.URLParam(r, "vin"))
	if vin == "" {
		writeError(w, http.StatusBadRequest, "vin is required")
		return
	}

	snap := s.store.Snapshot(vin)
	if len(snap) == 0 {
		writeError(w, http.StatusNotFound, "No state cached for vehicle")
		return
	}

	out := make(map[string]map[string]any, len(snap))
	for section, data := range snap {
		out[string(section)] = data
	}
	writeJSON(w, http.StatusOK, map[string]any{"vin": vin, "sections": out})
}

func (s *Server) handleSection(w http.ResponseWriter, r *http.Request) {
	vin := strings.ToUpper(chi.URLParam(r, "vin"))
	name := strings.ToLower(chi.URLParam(r, "section"))
	if vin == "" || name == "" {
		writeError(w, http.StatusBadRequest, "vin and section are required")
		return
	}
	if !knownSection(name) {
		writeError(w, http.StatusBadRequest, "Unknown section: "+name)
		return
	}

	section := vehicle.Section(name)
	data := s.store.Section(vin, section)
	if data == nil {
		writeError(w, http.StatusNotFound, "No state cached for section")
		return
	}

	writeJSON(w, http.StatusOK, SectionResponse{
		VIN:       vin,
		Section:   name,
		Data:      data,
		PayloadTS: s.store.SectionTimestamp(vin, section),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "Journaling is disabled")
		return
	}

	vin := strings.ToUpper(chi.URLParam(r, "vin"))
	if vin == "" {
		writeError(w, http.StatusBadRequest, "vin is required")
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "Invalid limit (1-1000)")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(vin, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vin": vin, "events": entries})
}

// handleHistory serves the ClickHouse event history for one vehicle, with
// optional section/source/accepted filters.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "History export is not configured")
		return
	}

	vin := strings.ToUpper(chi.URLParam(r, "vin"))
	if vin == "" {
		writeError(w, http.StatusBadRequest, "vin is required")
		return
	}

	q := storage.HistoryQuery{
		VIN:     vin,
		Section: strings.ToLower(r.URL.Query().Get("section")),
		Source:  strings.ToLower(r.URL.Query().Get("source")),
	}
	if raw := r.URL.Query().Get("accepted"); raw != "" {
		accepted, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid accepted (true/false)")
			return
		}
		q.Accepted = &accepted
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "Invalid limit (1-1000)")
			return
		}
		q.Limit = n
	}

	rows, err := s.history.Query(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []storage.HistoryRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vin": vin, "events": rows})
}

// handleStats serves event totals from the history sink.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "History export is not configured")
		return
	}

	total, err := s.history.Count(r.Context(), r.URL.Query().Get("vin"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	bySource, err := s.history.CountBySource(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     total,
		"by_source": bySource,
	})
}

// handleExportVehicles lists vehicles as recorded by the snapshot sink,
// which outlives the in-memory store across restarts.
func (s *Server) handleExportVehicles(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "Snapshot export is not configured")
		return
	}

	vins, err := s.snapshots.ListVehicles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if vins == nil {
		vins = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": vins})
}

// handleExportSection serves the last exported snapshot of one section.
func (s *Server) handleExportSection(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "Snapshot export is not configured")
		return
	}

	vin := strings.ToUpper(chi.URLParam(r, "vin"))
	name := strings.ToLower(chi.URLParam(r, "section"))
	if vin == "" || name == "" {
		writeError(w, http.StatusBadRequest, "vin and section are required")
		return
	}
	if !knownSection(name) {
		writeError(w, http.StatusBadRequest, "Unknown section: "+name)
		return
	}

	data, err := s.snapshots.GetSection(r.Context(), vin, name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if data == nil {
		writeError(w, http.StatusNotFound, "No snapshot exported for section")
		return
	}
	writeJSON(w, http.StatusOK, SectionResponse{VIN: vin, Section: name, Data: data})
}

func knownSection(name string) bool {
	for _, s := range vehicle.Sections {
		if string(s) == name {
			return true
		}
	}
	return false
}

// Helper functions.

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
