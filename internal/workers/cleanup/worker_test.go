package cleanup_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/integritystudio/scanforge/internal/engine"
	"github.com/integritystudio/scanforge/internal/workers/cleanup"
)

func touchStale(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	stale := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stale, stale))
}

func TestRunRemovesStaleMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	touchStale(t, filepath.Join(dir, "scratch.tmp"), 48*time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.go"), []byte("package x"), 0o644))

	w := cleanup.New()
	data, err := json.Marshal(map[string]any{"repositoryPath": dir})
	require.NoError(t, err)

	res, err := w.Run(context.Background(), engine.Snapshot{Data: data})
	require.NoError(t, err)

	result := res.(cleanup.Result)
	require.Len(t, result.Removed, 1)
	require.Contains(t, result.Removed[0], "scratch.tmp")

	_, statErr := os.Stat(filepath.Join(dir, "scratch.tmp"))
	require.True(t, os.IsNotExist(statErr))
}

func TestDryRunLeavesFilesInPlace(t *testing.T) {
	dir := t.TempDir()
	touchStale(t, filepath.Join(dir, "scratch.bak"), 48*time.Hour)

	w := cleanup.New()
	data, err := json.Marshal(map[string]any{"repositoryPath": dir, "dryRun": true})
	require.NoError(t, err)

	res, err := w.Run(context.Background(), engine.Snapshot{Data: data})
	require.NoError(t, err)
	require.Len(t, res.(cleanup.Result).Removed, 1)

	_, statErr := os.Stat(filepath.Join(dir, "scratch.bak"))
	require.NoError(t, statErr)
}

func TestRecentFilesAreNotRemoved(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fresh.tmp"), []byte("x"), 0o644))

	w := cleanup.New()
	data, err := json.Marshal(map[string]any{"repositoryPath": dir})
	require.NoError(t, err)

	res, err := w.Run(context.Background(), engine.Snapshot{Data: data})
	require.NoError(t, err)
	require.Empty(t, res.(cleanup.Result).Removed)
}
