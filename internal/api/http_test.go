package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisiem/internal/correlation"
	"aisiem/internal/metrics"
	"aisiem/internal/store"
	"aisiem/pkg/models"
)

type memStore struct {
	mu    sync.Mutex
	items map[string]*models.Incident
}

func (s *memStore) UpsertIncident(_ context.Context, inc *models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[inc.ID] = inc
	return nil
}

func (s *memStore) GetIncident(_ context.Context, id string) (*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inc, ok := s.items[id]; ok {
		return inc, nil
	}
	return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
}

func (s *memStore) ListIncidents(_ context.Context, status models.Status, _ int) ([]*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Incident
	for _, inc := range s.items {
		if status == "" || inc.Status == status {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func setup(t *testing.T) (*correlation.Engine, *memStore, http.Handler) {
	t.Helper()
	reg := prometheus.NewRegistry()
	st := &memStore{items: make(map[string]*models.Incident)}
	engine := correlation.New(correlation.DefaultConfig(),
		correlation.WithStore(st),
		correlation.WithMetrics(metrics.New(reg)))
	return engine, st, NewServer(engine, st, reg).Handler()
}

var base = time.Now().UTC().Truncate(time.Second)

func submit(t *testing.T, e *correlation.Engine, id, host string, offset time.Duration) *models.Incident {
	t.Helper()
	inc, err := e.Submit(context.Background(), &models.Detection{
		ID: id, Title: "t", Severity: 5, Timestamp: base.Add(offset), Host: host, RuleID: "R1",
	})
	require.NoError(t, err)
	return inc
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListOpenIncidents(t *testing.T) {
	e, _, h := setup(t)
	submit(t, e, "d1", "H1", 0)
	submit(t, e, "d2", "H2", time.Second)

	rec := do(h, http.MethodGet, "/incidents?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Incidents []models.Incident `json:"incidents"`
		Count     int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, []string{"H2"}, body.Incidents[0].Entities.Hosts)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/incidents?status=bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/incidents?limit=x", "").Code)
}

func TestGetIncidentFallsBackToStore(t *testing.T) {
	e, _, h := setup(t)
	inc := submit(t, e, "d1", "H1", 0)

	rec := do(h, http.MethodGet, "/incidents/"+inc.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodPost, "/incidents/"+inc.ID+"/close", `{"reason":"benign"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, e.Flush(context.Background()))

	rec = do(h, http.MethodGet, "/incidents/"+inc.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Incident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, "benign", got.CloseReason)

	closed := do(h, http.MethodGet, "/incidents?status=closed", "")
	require.Equal(t, http.StatusOK, closed.Code)
	assert.Contains(t, closed.Body.String(), inc.ID)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/incidents/INC-NOPE", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/incidents/"+inc.ID+"/close", "").Code)
}

func TestCloseRejectsBadBody(t *testing.T) {
	e, _, h := setup(t)
	inc := submit(t, e, "d1", "H1", 0)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/incidents/"+inc.ID+"/close", "{").Code)

	rec := do(h, http.MethodPost, "/incidents/"+inc.ID+"/close", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"close_reason":"operator"`)
}

func TestStatusHealthAndMetrics(t *testing.T) {
	e, _, h := setup(t)
	submit(t, e, "d1", "H1", 0)

	rec := do(h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "running", status["status"])
	assert.Equal(t, Version, status["version"])
	assert.Equal(t, float64(1), status["open_incidents"])

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/", "").Code)

	metricsRec := do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, metricsRec.Code)
	assert.Contains(t, metricsRec.Body.String(), "aisiem_incidents_created_total 1")
	assert.Contains(t, metricsRec.Body.String(), "aisiem_open_incidents 1")
}

func TestClosedListingNeedsStore(t *testing.T) {
	engine := correlation.New(correlation.DefaultConfig())
	h := NewServer(engine, nil, nil).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/incidents?status=closed", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/metrics", "").Code)
}
