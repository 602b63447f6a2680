package mcp_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/integritystudio/scanforge/internal/engine"
	"github.com/integritystudio/scanforge/internal/scancache"
	"github.com/integritystudio/scanforge/internal/transport/mcp"
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
		if filter.Type != "" && snap.Type != filter.Type {
			continue
		}
		out = append(out, snap)
	}
	return out
}

func call(t *testing.T, r *mcp.Registry, name string, input string) json.RawMessage {
	t.Helper()
	tool, ok := r.Get(name)
	require.True(t, ok, "tool %s not registered", name)
	out, err := tool.Call(context.Background(), json.RawMessage(input))
	require.NoError(t, err)
	return out
}

func TestScanRepositoryCreatesJob(t *testing.T) {
	ctrl := newStubControl()
	r := mcp.NewDefaultRegistry(ctrl, scancache.New(time.Minute))

	out := call(t, r, "scan_repository", `{"repositoryPath":"/repo"}`)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotEmpty(t, resp["scanId"])
	require.Len(t, ctrl.jobs, 1)
}

func TestScanMultipleRepositoriesCreatesOneJobPerPath(t *testing.T) {
	ctrl := newStubControl()
	r := mcp.NewDefaultRegistry(ctrl, scancache.New(time.Minute))

	out := call(t, r, "scan_multiple_repositories", `{"repositoryPaths":["/a","/b","/c"]}`)

	var resp struct {
		ScanIDs []string `json:"scanIds"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Len(t, resp.ScanIDs, 3)
}

func TestGetScanResultsReturnsErrorForUnknownID(t *testing.T) {
	ctrl := newStubControl()
	r := mcp.NewDefaultRegistry(ctrl, scancache.New(time.Minute))

	tool, ok := r.Get("get_scan_results")
	require.True(t, ok)
	_, err := tool.Call(context.Background(), json.RawMessage(`{"scanId":"missing"}`))
	require.Error(t, err)
}

func TestListJobsFiltersByType(t *testing.T) {
	ctrl := newStubControl()
	_, _ = ctrl.CreateJobWithID("j1", "scan", json.RawMessage(`{}`), "")
	_, _ = ctrl.CreateJobWithID("j2", "cleanup", json.RawMessage(`{}`), "")
	r := mcp.NewDefaultRegistry(ctrl, scancache.New(time.Minute))

	out := call(t, r, "list_jobs", `{"type":"cleanup"}`)

	var snaps []engine.Snapshot
	require.NoError(t, json.Unmarshal(out, &snaps))
	require.Len(t, snaps, 1)
	require.Equal(t, "j2", snaps[0].ID)
}

func TestGetCacheStatusReportsMiss(t *testing.T) {
	ctrl := newStubControl()
	r := mcp.NewDefaultRegistry(ctrl, scancache.New(time.Minute))

	out := call(t, r, "get_cache_status", `{"fingerprint":"abc123"}`)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Equal(t, false, resp["hit"])
}

func TestInvalidateCacheByFingerprint(t *testing.T) {
	ctrl := newStubControl()
	cache := scancache.New(time.Minute)
	cache.Put("fp1", "/repo", scancache.Artifact{SchemaVersion: 1}, 0)
	r := mcp.NewDefaultRegistry(ctrl, cache)

	out := call(t, r, "invalidate_cache", `{"fingerprint":"fp1"}`)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out, &resp))
	require.EqualValues(t, 1, resp["invalidated"])

	_, hit := cache.Get("fp1")
	require.False(t, hit)
}

func TestInvalidateCacheByRepositoryRemovesAllMatching(t *testing.T) {
	ctrl := newStubControl()
	cache := scancache.New(time.Minute)
	cache.Put("fp1", "/repo", scancache.Artifact{SchemaVersion: 1}, 0)
	cache.Put("fp2", "/repo", scancache.Artifact{SchemaVersion: 1}, 0)
	cache.Put("fp3", "/other", scancache.Artifact{SchemaVersion: 1}, 0)
	r := mcp.NewDefaultRegistry(ctrl, cache)

	out := call(t, r, "invalidate_cache", `{"repositoryPath":"/repo"}`)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(out, &resp))
	require.EqualValues(t, 2, resp["invalidated"])
}

func TestRegistryRejectsDuplicateToolName(t *testing.T) {
	r := mcp.NewRegistry()
	tool := mcp.NewToolFunc("dup", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, r.Register(tool))
	require.Error(t, r.Register(tool))
}
