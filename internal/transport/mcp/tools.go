// Package mcp exposes the Control API as the enumerated tool surface of
// spec §6 "Tool surface": scan_repository, scan_multiple_repositories,
// get_scan_results, list_jobs, get_cache_status, invalidate_cache. The
// static name->tool dispatch table is grounded on the teacher's
// jobs/runtime.Registry (a job_type->Handler map enforced at startup to
// be one-to-one and fatal on collision), generalized here from job-type
// dispatch to tool-name dispatch.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/integritystudio/scanforge/internal/engine"
	"github.com/integritystudio/scanforge/internal/scancache"
)

// Tool is the minimal contract every registered tool implements: a name
// and a JSON-in/JSON-out invocation, mirroring runtime.Handler's
// `Type() string; Run(ctx) error` shape generalized to return a value.
type Tool interface {
	Name() string
	Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ToolFunc adapts a function to Tool, matching the teacher's preference
// for small function-shaped handlers where a full struct isn't needed.
type ToolFunc struct {
	name string
	fn   func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

func NewToolFunc(name string, fn func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)) ToolFunc {
	return ToolFunc{name: name, fn: fn}
}

func (t ToolFunc) Name() string { return t.name }
func (t ToolFunc) Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return t.fn(ctx, input)
}

// Registry is a concurrency-free, startup-populated name->tool dispatch
// table (spec'd usage is register-then-serve, never concurrent
// registration), same one-to-one invariant as the teacher's
// runtime.Registry, enforced at registration: Register returns an error
// for a duplicate name instead of replacing the existing tool.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("nil tool")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool Name() is empty")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = t
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Control is the subset of the Control API the tool surface exercises.
type Control interface {
	CreateJobWithID(id, jobType string, data json.RawMessage, fingerprint string) (string, error)
	GetJob(id string) (engine.Snapshot, bool)
	ListJobs(filter engine.ListFilter) []engine.Snapshot
}

const scanJobType = "scan"

// NewDefaultRegistry builds the six enumerated tools over ctrl and cache,
// matching each tool's input schema to its control-surface counterpart
// (spec §6 "input schema matches the control operation above").
func NewDefaultRegistry(ctrl Control, cache *scancache.Cache) *Registry {
	r := NewRegistry()
	_ = r.Register(NewToolFunc("scan_repository", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			RepositoryPath string          `json:"repositoryPath"`
			Options        json.RawMessage `json:"options,omitempty"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		id, err := ctrl.CreateJobWithID(uuid.NewString(), scanJobType, input, "")
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"scanId": id, "status": engine.StatusQueued})
	}))

	_ = r.Register(NewToolFunc("scan_multiple_repositories", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			RepositoryPaths []string `json:"repositoryPaths"`
			GroupName       string   `json:"groupName,omitempty"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(req.RepositoryPaths))
		for _, path := range req.RepositoryPaths {
			data, err := json.Marshal(map[string]any{"repositoryPath": path, "groupName": req.GroupName})
			if err != nil {
				return nil, err
			}
			id, err := ctrl.CreateJobWithID(uuid.NewString(), scanJobType, data, "")
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return json.Marshal(map[string]any{"scanIds": ids, "groupName": req.GroupName})
	}))

	_ = r.Register(NewToolFunc("get_scan_results", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			ScanID string `json:"scanId"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		snap, ok := ctrl.GetJob(req.ScanID)
		if !ok {
			return nil, fmt.Errorf("no job with id %q", req.ScanID)
		}
		return json.Marshal(snap)
	}))

	_ = r.Register(NewToolFunc("list_jobs", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Status string `json:"status,omitempty"`
			Type   string `json:"type,omitempty"`
			Limit  int    `json:"limit,omitempty"`
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &req); err != nil {
				return nil, err
			}
		}
		snaps := ctrl.ListJobs(engine.ListFilter{Status: engine.Status(req.Status), Type: req.Type, Limit: req.Limit})
		return json.Marshal(snaps)
	}))

	_ = r.Register(NewToolFunc("get_cache_status", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Fingerprint string `json:"fingerprint"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		artifact, hit := cache.Get(req.Fingerprint)
		return json.Marshal(map[string]any{"fingerprint": req.Fingerprint, "hit": hit, "artifact": artifact})
	}))

	_ = r.Register(NewToolFunc("invalidate_cache", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Fingerprint    string `json:"fingerprint,omitempty"`
			RepositoryPath string `json:"repositoryPath,omitempty"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		if req.RepositoryPath != "" {
			n := cache.InvalidateByRepository(req.RepositoryPath)
			return json.Marshal(map[string]any{"invalidated": n})
		}
		ok := cache.Invalidate(req.Fingerprint)
		count := 0
		if ok {
			count = 1
		}
		return json.Marshal(map[string]any{"invalidated": count})
	}))

	return r
}
