package http_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/integritystudio/scanforge/internal/engine"
	transporthttp "github.com/integritystudio/scanforge/internal/transport/http"
)

type stubControl struct {
	jobs map[string]engine.Snapshot
}

func newStubControl() *stubControl {
	return &stubControl{jobs: make(map[string]engine.Snapshot)}
}

func (s *stubControl) CreateJobWithID(id, jobType string, data json.RawMessage, fingerprint string) (string, error) {
	s.jobs[id] = engine.Snapshot{ID: id, Type: jobType, Status: engine.StatusQueued, Data: data}
	return id, nil
}

func (s *stubControl) GetJob(id string) (engine.Snapshot, bool) {
	snap, ok := s.jobs[id]
	return snap, ok
}

func (s *stubControl) ListJobs(filter engine.ListFilter) []engine.Snapshot {
	out := make([]engine.Snapshot, 0, len(s.jobs))
	for _, snap := range s.jobs {
		out = append(out, snap)
	}
	return out
}

func (s *stubControl) GetStats() engine.Stats {
	return engine.Stats{Total: len(s.jobs)}
}

func (s *stubControl) CancelJob(id string) engine.OpResult {
	if _, ok := s.jobs[id]; !ok {
		return engine.OpResult{OK: false, Reason: "not found"}
	}
	return engine.OpResult{OK: true}
}

func (s *stubControl) PauseJob(id string) engine.OpResult  { return engine.OpResult{OK: true} }
func (s *stubControl) ResumeJob(id string) engine.OpResult { return engine.OpResult{OK: true} }

func newTestRouter() (*stubControl, http.Handler) {
	ctrl := newStubControl()
	r := transporthttp.NewRouter(transporthttp.RouterConfig{Control: ctrl})
	return ctrl, r
}

func TestCreateScanReturns202WithScanID(t *testing.T) {
	_, router := newTestRouter()

	body := bytes.NewBufferString(`{"repositoryPath":"/repo"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/create-scan", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["scanId"])
}

func TestCreateScanRejectsMissingRepositoryPath(t *testing.T) {
	_, router := newTestRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/create-scan", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobReturns404WhenMissing(t *testing.T) {
	_, router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/job/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobReturnsCreatedSnapshot(t *testing.T) {
	ctrl, router := newTestRouter()
	id, _ := ctrl.CreateJobWithID("job-1", "scan", json.RawMessage(`{}`), "")

	req := httptest.NewRequest(http.MethodGet, "/api/job/"+id, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap engine.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "job-1", snap.ID)
}

func TestHealthzReportsOK(t *testing.T) {
	_, router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestCreateMultiScanCreatesOneJobPerPath(t *testing.T) {
	_, router := newTestRouter()

	body := bytes.NewBufferString(`{"repositoryPaths":["/a","/b"],"groupName":"batch-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/create-multi-scan", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		ScanIDs   []string `json:"scanIds"`
		GroupName string   `json:"groupName"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.ScanIDs, 2)
	require.Equal(t, "batch-1", resp.GroupName)
}
