package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleet-session-processor/internal/db"
	"fleet-session-processor/internal/decoder"
	"fleet-session-processor/internal/ingest"
	"fleet-session-processor/internal/kpi"
	"fleet-session-processor/internal/metrics"
	"fleet-session-processor/internal/models"
	"fleet-session-processor/internal/session"
	"fleet-session-processor/internal/synth"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Meta    *meta           `json:"meta"`
}

type testServer struct {
	handler http.Handler
	db      *db.Database
	root    string
}

func newTestServer(t *testing.T, withBatch bool) *testServer {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	engine := kpi.NewEngine(database, kpi.Config{Metrics: m, Logger: logger})

	root := t.TempDir()
	cfg := Config{
		KPI:            engine,
		OrganizationID: "org-1",
		InputRoot:      root,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         logger,
	}
	if withBatch {
		cfg.Batch = &ingest.Processor{
			Detector: session.Detector{OrganizationID: "org-1", Logger: logger},
			Ingestor: ingest.NewIngestor(database, ingest.Config{
				Decoder: decoder.Existing{},
				KPI:     engine,
				Metrics: m,
				Logger:  logger,
			}),
			Metrics: m,
			Logger:  logger,
		}
	}
	return &testServer{handler: NewServer(database, cfg).Router(), db: database, root: root}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid response body %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Data, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, false)
	code, env := s.do(t, "GET", "/health", nil)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("health = %d %+v", code, env)
	}
}

func TestVehicleEndpoints(t *testing.T) {
	s := newTestServer(t, false)

	code, env := s.do(t, "POST", "/api/v1/vehicles", map[string]string{"name": "DOBACK024", "license_plate": "1234-ABC"})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, env.Error)
	}
	created := decode[models.Vehicle](t, env)
	if created.ID == "" || created.OrganizationID != "org-1" {
		t.Errorf("created = %+v", created)
	}

	if code, _ := s.do(t, "POST", "/api/v1/vehicles", map[string]string{"name": "DOBACK024"}); code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", code)
	}
	if code, _ := s.do(t, "POST", "/api/v1/vehicles", map[string]string{"name": "truck one"}); code != http.StatusBadRequest {
		t.Errorf("invalid name = %d, want 400", code)
	}

	code, env = s.do(t, "GET", "/api/v1/vehicles", nil)
	if list := decode[[]models.Vehicle](t, env); code != http.StatusOK || len(list) != 1 {
		t.Errorf("list = %d %v", code, list)
	}

	code, env = s.do(t, "GET", "/api/v1/vehicles/"+created.ID, nil)
	if got := decode[models.Vehicle](t, env); code != http.StatusOK || got.Name != "DOBACK024" {
		t.Errorf("get = %d %+v", code, got)
	}
	if code, _ := s.do(t, "GET", "/api/v1/vehicles/missing", nil); code != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", code)
	}
}

func TestZoneEndpoints(t *testing.T) {
	s := newTestServer(t, false)

	zone := models.Zone{
		Name: "Parque Central",
		Type: models.ZonePark,
		Geometry: models.Geometry{
			Type:         models.GeometryCircle,
			Center:       &models.Coordinate{Lat: 40.4168, Lon: -3.7038},
			RadiusMeters: 150,
		},
	}
	if code, env := s.do(t, "POST", "/api/v1/zones", zone); code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, env.Error)
	}

	bad := zone
	bad.Geometry = models.Geometry{Type: models.GeometryPolygon, Points: []models.Coordinate{{Lat: 40, Lon: -3}}}
	if code, _ := s.do(t, "POST", "/api/v1/zones", bad); code != http.StatusBadRequest {
		t.Errorf("degenerate polygon = %d, want 400", code)
	}

	code, env := s.do(t, "GET", "/api/v1/zones", nil)
	zones := decode[[]models.Zone](t, env)
	if code != http.StatusOK || len(zones) != 1 || zones[0].Geometry.RadiusMeters != 150 {
		t.Errorf("list = %d %+v", code, zones)
	}
}

func TestIngestAndKPIEndpoints(t *testing.T) {
	s := newTestServer(t, true)
	v := &models.Vehicle{Name: "DOBACK024", OrganizationID: "org-1"}
	if err := s.db.CreateVehicle(context.Background(), v); err != nil {
		t.Fatal(err)
	}
	_, err := synth.Generate(s.root, synth.Config{
		Vehicles:      []string{"DOBACK024"},
		Date:          time.Date(2025, 9, 30, 0, 0, 0, 0, time.UTC),
		SessionLength: 2 * time.Minute,
		Translate:     true,
		Seed:          3,
	})
	if err != nil {
		t.Fatal(err)
	}

	code, env := s.do(t, "POST", "/api/v1/ingest", nil)
	if code != http.StatusOK {
		t.Fatalf("ingest = %d %s", code, env.Error)
	}
	stats := decode[models.BatchStats](t, env)
	if stats.SessionsProcessed != 1 || stats.SessionsFailed != 0 {
		t.Errorf("stats = %+v", stats)
	}

	code, env = s.do(t, "GET", "/api/v1/kpis/"+v.ID+"/2025-09-30", nil)
	if code != http.StatusOK {
		t.Fatalf("get kpi = %d %s", code, env.Error)
	}
	if rec := decode[models.DailyKPIRecord](t, env); rec.Sessions != 1 || !rec.IsValid {
		t.Errorf("kpi = %+v", rec)
	}

	if code, _ := s.do(t, "GET", "/api/v1/kpis/"+v.ID+"/2025-09-29", nil); code != http.StatusNotFound {
		t.Errorf("absent kpi = %d, want 404", code)
	}
	if code, _ := s.do(t, "GET", "/api/v1/kpis/"+v.ID+"/30-09-2025", nil); code != http.StatusBadRequest {
		t.Errorf("bad date = %d, want 400", code)
	}

	code, env = s.do(t, "POST", "/api/v1/kpis/"+v.ID+"/2025-09-30/calculate?force=true", nil)
	if rec := decode[models.DailyKPIRecord](t, env); code != http.StatusOK || rec.Samples != 25 {
		t.Errorf("recalculate = %d %+v", code, rec)
	}
	if code, _ := s.do(t, "POST", "/api/v1/kpis/missing/2025-09-30/calculate", nil); code != http.StatusNotFound {
		t.Errorf("calculate for unknown vehicle = %d, want 404", code)
	}

	code, env = s.do(t, "GET", "/api/v1/kpis?from=2025-09-29&to=2025-09-30", nil)
	if code != http.StatusOK || env.Meta == nil || env.Meta.Total != 2 {
		t.Errorf("list kpis = %d %+v", code, env.Meta)
	}
	if code, _ := s.do(t, "GET", "/api/v1/kpis?from=2025-10-01&to=2025-09-01", nil); code != http.StatusBadRequest {
		t.Errorf("reversed range = %d, want 400", code)
	}

	code, env = s.do(t, "GET", "/api/v1/stats", nil)
	if counts := decode[map[string]int64](t, env); code != http.StatusOK || counts["sessions"] != 1 || counts["gps_points"] != 25 {
		t.Errorf("stats = %d %v", code, counts)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if body := rec.Body.String(); !strings.Contains(body, `fleet_sessions_ingested_total{result="success"} 1`) {
		t.Errorf("metrics output missing session counter:\n%s", body)
	}
}

func TestIngestDisabled(t *testing.T) {
	s := newTestServer(t, false)
	if code, _ := s.do(t, "POST", "/api/v1/ingest", map[string]string{"root": s.root}); code != http.StatusServiceUnavailable {
		t.Errorf("ingest without processor = %d, want 503", code)
	}
}

func TestIngestRootStaysInsideInputRoot(t *testing.T) {
	s := newTestServer(t, true)
	if err := os.Mkdir(filepath.Join(s.root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	for _, root := range []string{"..", "../elsewhere", "/etc", "empty/../../x"} {
		if code, _ := s.do(t, "POST", "/api/v1/ingest", map[string]string{"root": root}); code != http.StatusBadRequest {
			t.Errorf("root %q = %d, want 400", root, code)
		}
	}

	code, env := s.do(t, "POST", "/api/v1/ingest", map[string]string{"root": "empty"})
	if code != http.StatusOK {
		t.Fatalf("ingest subdirectory = %d %s", code, env.Error)
	}
	if stats := decode[models.BatchStats](t, env); stats.SessionsProcessed != 0 || stats.SessionsFailed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}
