package scancache_test

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/integritystudio/scanforge/internal/scancache"
)

func TestFingerprintStableAndSensitive(t *testing.T) {
	fp1 := scancache.Fingerprint("/repo", "sha1", "v1", map[string]bool{"includeTests": false})
	fp2 := scancache.Fingerprint("/repo", "sha1", "v1", map[string]bool{"includeTests": false})
	require.Equal(t, fp1, fp2)

	fp3 := scancache.Fingerprint("/repo", "sha2", "v1", map[string]bool{"includeTests": false})
	require.NotEqual(t, fp1, fp3)
}

func TestGetMissThenPutHit(t *testing.T) {
	c := scancache.New(time.Hour)
	var hits, misses int32
	c.OnHit(func(string) { atomic.AddInt32(&hits, 1) })
	c.OnMiss(func(string) { atomic.AddInt32(&misses, 1) })

	fp := "fp-1"
	_, ok := c.Get(fp)
	require.False(t, ok)
	require.Equal(t, int32(1), atomic.LoadInt32(&misses))

	c.Put(fp, "/repo", scancache.Artifact{SchemaVersion: 1, Data: json.RawMessage(`{"n":1}`)}, 0)
	artifact, ok := c.Get(fp)
	require.True(t, ok)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
	require.JSONEq(t, `{"n":1}`, string(artifact.Data))
}

func TestEntryExpiresByTTL(t *testing.T) {
	c := scancache.New(10 * time.Millisecond)
	c.Put("fp", "/repo", scancache.Artifact{SchemaVersion: 1, Data: json.RawMessage(`{}`)}, 0)

	_, ok := c.Get("fp")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("fp")
	require.False(t, ok)
}

func TestInvalidateByRepositoryRemovesAllMatches(t *testing.T) {
	c := scancache.New(time.Hour)
	c.Put("fp-a", "/repo", scancache.Artifact{SchemaVersion: 1}, 0)
	c.Put("fp-b", "/repo", scancache.Artifact{SchemaVersion: 1}, 0)
	c.Put("fp-c", "/other", scancache.Artifact{SchemaVersion: 1}, 0)

	n := c.InvalidateByRepository("/repo")
	require.Equal(t, 2, n)

	_, ok := c.Get("fp-a")
	require.False(t, ok)
	_, ok = c.Get("fp-c")
	require.True(t, ok)
}

func TestAcquireSingleFlightsConcurrentBuilders(t *testing.T) {
	c := scancache.New(time.Hour)
	var buildCount int32
	build := func() (scancache.Artifact, error) {
		atomic.AddInt32(&buildCount, 1)
		time.Sleep(20 * time.Millisecond)
		return scancache.Artifact{SchemaVersion: 1, Data: json.RawMessage(`{"v":1}`)}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err, _ := c.Acquire("fp-shared", "/repo", build)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&buildCount))
}
