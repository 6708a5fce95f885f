package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"fleet-session-processor/internal/db"
	"fleet-session-processor/internal/geo"
	"fleet-session-processor/internal/kpi"
	"fleet-session-processor/internal/models"
	"fleet-session-processor/internal/session"

	"github.com/gorilla/mux"
)

// Store is the registry and statistics storage behind the API.
type Store interface {
	CreateVehicle(ctx context.Context, v *models.Vehicle) error
	GetVehicle(ctx context.Context, id string) (*models.Vehicle, error)
	GetVehicleByName(ctx context.Context, name, organizationID string) (*models.Vehicle, error)
	ListVehicles(ctx context.Context, organizationID string) ([]models.Vehicle, error)
	CreateZone(ctx context.Context, z *models.Zone) error
	ListZones(ctx context.Context, organizationID string) ([]models.Zone, error)
	GetStats(ctx context.Context) (map[string]int64, error)
}

// KPIService serves daily KPI records.
type KPIService interface {
	GetStored(ctx context.Context, vehicleID, date string) (*models.DailyKPIRecord, error)
	CalculateAndStore(ctx context.Context, vehicleID, date, organizationID string) (*models.DailyKPIRecord, error)
	Recalculate(ctx context.Context, vehicleID, date, organizationID string) (*models.DailyKPIRecord, error)
	GetMultipleVehicles(ctx context.Context, vehicleIDs []string, from, to, organizationID string) ([]models.DailyKPIRecord, error)
}

// BatchProcessor ingests a directory tree.
type BatchProcessor interface {
	ProcessAll(ctx context.Context, root string) (models.BatchStats, error)
}

// Config wires the server. Batch and Metrics are optional.
type Config struct {
	KPI            KPIService
	Batch          BatchProcessor
	OrganizationID string // used when a request names none
	InputRoot      string // default root for ingest requests
	Metrics        http.Handler
	Logger         *slog.Logger
}

// Server represents the API server
type Server struct {
	store     Store
	kpi       KPIService
	batch     BatchProcessor
	orgID     string
	inputRoot string
	logger    *slog.Logger
	router    *mux.Router
}

// NewServer creates a new API server
func NewServer(store Store, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		store:     store,
		kpi:       cfg.KPI,
		batch:     cfg.Batch,
		orgID:     cfg.OrganizationID,
		inputRoot: cfg.InputRoot,
		logger:    cfg.Logger,
		router:    mux.NewRouter(),
	}
	s.setupRoutes(cfg.Metrics)
	return s
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(jsonMiddleware)

	api.HandleFunc("/vehicles", s.handleListVehicles).Methods("GET")
	api.HandleFunc("/vehicles", s.handleCreateVehicle).Methods("POST")
	api.HandleFunc("/vehicles/{id}", s.handleGetVehicle).Methods("GET")

	api.HandleFunc("/zones", s.handleListZones).Methods("GET")
	api.HandleFunc("/zones", s.handleCreateZone).Methods("POST")

	api.HandleFunc("/kpis", s.handleListKPIs).Methods("GET")
	api.HandleFunc("/kpis/{vehicle_id}/{date}", s.handleGetKPI).Methods("GET")
	api.HandleFunc("/kpis/{vehicle_id}/{date}/calculate", s.handleCalculateKPI).Methods("POST")

	api.HandleFunc("/ingest", s.handleIngest).Methods("POST")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total"`
	QueryMs int64 `json:"query_ms"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// respondFailure maps storage and engine errors to a status.
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	respondError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) org(r *http.Request) string {
	if org := r.URL.Query().Get("organization_id"); org != "" {
		return org
	}
	return s.orgID
}

func validDate(date string) bool {
	_, err := time.Parse(kpi.DateLayout, date)
	return err == nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := s.store.ListVehicles(r.Context(), s.org(r))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if vehicles == nil {
		vehicles = []models.Vehicle{}
	}
	respondJSON(w, http.StatusOK, vehicles)
}

func (s *Server) handleCreateVehicle(w http.ResponseWriter, r *http.Request) {
	var v models.Vehicle
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if v.OrganizationID == "" {
		v.OrganizationID = s.orgID
	}
	if !session.ValidVehicleName(v.Name) {
		respondError(w, http.StatusBadRequest, "name must be letters followed by digits, as in the dump file names")
		return
	}

	_, err := s.store.GetVehicleByName(r.Context(), v.Name, v.OrganizationID)
	switch {
	case err == nil:
		respondError(w, http.StatusConflict, "vehicle "+v.Name+" already exists")
		return
	case !errors.Is(err, db.ErrNotFound):
		s.respondFailure(w, r, err)
		return
	}

	v.ID = ""
	if err := s.store.CreateVehicle(r.Context(), &v); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	vehicle, err := s.store.GetVehicle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, vehicle)
}

func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.store.ListZones(r.Context(), s.org(r))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if zones == nil {
		zones = []models.Zone{}
	}
	respondJSON(w, http.StatusOK, zones)
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request) {
	var z models.Zone
	if err := json.NewDecoder(r.Body).Decode(&z); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if z.OrganizationID == "" {
		z.OrganizationID = s.orgID
	}
	if z.Name == "" || z.Type == "" {
		respondError(w, http.StatusBadRequest, "name and type are required")
		return
	}
	if geo.Compile(z.Geometry) == nil {
		respondError(w, http.StatusBadRequest, "geometry cannot contain any point")
		return
	}

	z.ID = ""
	if err := s.store.CreateZone(r.Context(), &z); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, z)
}

func (s *Server) handleGetKPI(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !validDate(vars["date"]) {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	rec, err := s.kpi.GetStored(r.Context(), vars["vehicle_id"], vars["date"])
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "no kpi record stored for this day")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCalculateKPI(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !validDate(vars["date"]) {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	calculate := s.kpi.CalculateAndStore
	if r.URL.Query().Get("force") == "true" {
		calculate = s.kpi.Recalculate
	}
	rec, err := calculate(r.Context(), vars["vehicle_id"], vars["date"], r.URL.Query().Get("organization_id"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListKPIs(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if to == "" {
		to = from
	}
	if !validDate(from) || !validDate(to) {
		respondError(w, http.StatusBadRequest, "from and to must be YYYY-MM-DD")
		return
	}

	org := s.org(r)
	var ids []string
	for _, id := range strings.Split(q.Get("vehicle_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		vehicles, err := s.store.ListVehicles(r.Context(), org)
		if err != nil {
			s.respondFailure(w, r, err)
			return
		}
		for _, v := range vehicles {
			ids = append(ids, v.ID)
		}
	}

	recs, err := s.kpi.GetMultipleVehicles(r.Context(), ids, from, to, org)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if recs == nil {
		recs = []models.DailyKPIRecord{}
	}
	respondWithMeta(w, recs, &meta{Total: len(recs), QueryMs: time.Since(start).Milliseconds()})
}

type ingestRequest struct {
	Root string `json:"root"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.batch == nil {
		respondError(w, http.StatusServiceUnavailable, "ingestion is not enabled on this server")
		return
	}
	var req ingestRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if s.inputRoot == "" {
		respondError(w, http.StatusServiceUnavailable, "no input root configured")
		return
	}
	// root selects a subdirectory of the input root, never a path outside it
	root := s.inputRoot
	if req.Root != "" {
		if !filepath.IsLocal(req.Root) {
			respondError(w, http.StatusBadRequest, "root must be a relative path inside the input root")
			return
		}
		root = filepath.Join(s.inputRoot, req.Root)
	}

	stats, err := s.batch.ProcessAll(r.Context(), root)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
