// Package dupdetect implements the duplicate-detection pipeline flavor
// named in spec §1 and supplemented in SPEC_FULL §12. The orchestrator
// treats this handler as an opaque function (spec §1 "the
// duplicate-detection analysis itself... is out of scope"); what lives
// here is a deliberately simple line-hash similarity pass, just enough
// to exercise the Scan Cache's single-flight/TTL contract end to end.
package dupdetect

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/integritystudio/scanforge/internal/engine"
	"github.com/integritystudio/scanforge/internal/scancache"
)

// HandlerVersion feeds the cache fingerprint (spec §4.8); bump it
// whenever the similarity algorithm below changes shape so stale cache
// entries from a prior version are never mistaken for a fresh one.
const HandlerVersion = "dupdetect/v1"

const jobType = "scan"

// windowSize is the number of consecutive source lines hashed together
// as one duplication unit. Small enough to catch copy-pasted blocks,
// large enough to avoid flagging single boilerplate lines.
const windowSize = 5

var scannableExt = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".py": true,
}

type scanOptions struct {
	ForceRefresh bool `json:"forceRefresh"`
	IncludeTests bool `json:"includeTests"`
	MaxDepth     int  `json:"maxDepth"`
	CacheEnabled bool `json:"cacheEnabled"`
}

type scanRequest struct {
	RepositoryPath string      `json:"repositoryPath"`
	CommitSha      string      `json:"commitSha,omitempty"`
	Options        scanOptions `json:"options,omitempty"`
}

// DuplicateGroup is one set of locations sharing an identical
// windowSize-line block.
type DuplicateGroup struct {
	Hash      string   `json:"hash"`
	Locations []string `json:"locations"`
}

// Result is the artifact shape this handler produces, both as its
// direct job result and as what gets stored in the Scan Cache.
type Result struct {
	RepositoryPath  string           `json:"repositoryPath"`
	FilesScanned    int              `json:"filesScanned"`
	DuplicateGroups []DuplicateGroup `json:"duplicateGroups"`
	FromCache       bool             `json:"fromCache"`
}

// Worker implements engine.JobHandler for jobType "scan". It has no Git
// intent — results are reported through the job's result field and the
// cache, never committed to the repository.
type Worker struct {
	cache *scancache.Cache
}

func New(cache *scancache.Cache) *Worker {
	return &Worker{cache: cache}
}

func (w *Worker) Type() string { return jobType }

func (w *Worker) Run(ctx context.Context, job engine.Snapshot) (any, error) {
	var req scanRequest
	if err := json.Unmarshal(job.Data, &req); err != nil {
		return nil, &engine.HandlerError{Cause: fmt.Errorf("decode scan request: %w", err), Code: "invalid_input", Classification: engine.ClassPermanent}
	}
	if strings.TrimSpace(req.RepositoryPath) == "" {
		return nil, &engine.HandlerError{Cause: fmt.Errorf("repositoryPath is required"), Code: "invalid_input", Classification: engine.ClassPermanent}
	}

	fp := scancache.Fingerprint(req.RepositoryPath, req.CommitSha, HandlerVersion, req.Options)

	if !req.Options.ForceRefresh && w.cache != nil {
		if artifact, ok := w.cache.Get(fp); ok {
			var cached Result
			if err := json.Unmarshal(artifact.Data, &cached); err == nil {
				cached.FromCache = true
				return cached, nil
			}
		}
	}

	build := func() (scancache.Artifact, error) {
		result, err := w.scan(ctx, req)
		if err != nil {
			return scancache.Artifact{}, err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return scancache.Artifact{}, err
		}
		return scancache.Artifact{SchemaVersion: 1, Data: data}, nil
	}

	if w.cache == nil {
		result, err := w.scan(ctx, req)
		return result, err
	}

	artifact, err, _ := w.cache.Acquire(fp, req.RepositoryPath, build)
	if err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal(artifact.Data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (w *Worker) scan(ctx context.Context, req scanRequest) (Result, error) {
	hashes := make(map[string][]string)
	filesScanned := 0

	err := filepath.WalkDir(req.RepositoryPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			if !req.Options.IncludeTests && (name == "testdata" || name == "__tests__") {
				return filepath.SkipDir
			}
			return nil
		}
		if !scannableExt[filepath.Ext(path)] {
			return nil
		}
		filesScanned++
		return hashFile(path, hashes)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, &engine.HandlerError{Cause: ctx.Err(), Code: "scan_cancelled", Classification: engine.ClassCancelled}
		}
		return Result{}, &engine.HandlerError{Cause: fmt.Errorf("walk repository: %w", err), Code: "scan_failed", Classification: engine.ClassTransient}
	}

	var groups []DuplicateGroup
	for hash, locations := range hashes {
		if len(locations) < 2 {
			continue
		}
		sort.Strings(locations)
		groups = append(groups, DuplicateGroup{Hash: hash, Locations: locations})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Hash < groups[j].Hash })

	return Result{
		RepositoryPath:  req.RepositoryPath,
		FilesScanned:    filesScanned,
		DuplicateGroups: groups,
	}, nil
}

func hashFile(path string, hashes map[string][]string) error {
	f, err := os.Open(path)
	if err != nil {
		return nil // unreadable file: skip rather than fail the whole scan
	}
	defer f.Close()

	var window []string
	lineNo := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		window = append(window, line)
		if len(window) < windowSize {
			continue
		}
		if len(window) > windowSize {
			window = window[len(window)-windowSize:]
		}
		h := sha256.Sum256([]byte(strings.Join(window, "\n")))
		key := hex.EncodeToString(h[:])
		loc := fmt.Sprintf("%s:%d", path, lineNo-windowSize+1)
		hashes[key] = append(hashes[key], loc)
	}
	return scanner.Err()
}
