package dupdetect_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/integritystudio/scanforge/internal/engine"
	"github.com/integritystudio/scanforge/internal/scancache"
	"github.com/integritystudio/scanforge/internal/workers/dupdetect"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunFindsDuplicateBlocks(t *testing.T) {
	dir := t.TempDir()
	block := "line1\nline2\nline3\nline4\nline5\n"
	writeFile(t, filepath.Join(dir, "a.go"), block)
	writeFile(t, filepath.Join(dir, "b.go"), block)

	w := dupdetect.New(nil)
	req := map[string]any{"repositoryPath": dir}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	res, err := w.Run(context.Background(), engine.Snapshot{Data: data})
	require.NoError(t, err)

	result, ok := res.(dupdetect.Result)
	require.True(t, ok)
	require.Equal(t, 2, result.FilesScanned)
	require.Len(t, result.DuplicateGroups, 1)
	require.Len(t, result.DuplicateGroups[0].Locations, 2)
}

func TestRunRejectsMissingRepositoryPath(t *testing.T) {
	w := dupdetect.New(nil)
	_, err := w.Run(context.Background(), engine.Snapshot{Data: json.RawMessage(`{}`)})
	require.Error(t, err)

	var handlerErr *engine.HandlerError
	require.ErrorAs(t, err, &handlerErr)
	require.Equal(t, engine.ClassPermanent, handlerErr.Classification)
}

func TestRunUsesCacheOnSecondCall(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.go"), "package a\nfunc F() {}\n")

	cache := scancache.New(0)
	w := dupdetect.New(cache)
	data, err := json.Marshal(map[string]any{"repositoryPath": dir})
	require.NoError(t, err)

	first, err := w.Run(context.Background(), engine.Snapshot{Data: data})
	require.NoError(t, err)
	require.False(t, first.(dupdetect.Result).FromCache)

	second, err := w.Run(context.Background(), engine.Snapshot{Data: data})
	require.NoError(t, err)
	require.True(t, second.(dupdetect.Result).FromCache)
}
