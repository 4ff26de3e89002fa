package ragcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/services"
)

type fakeFetcher struct {
	mu      sync.Mutex
	objects map[string][]byte
	delay   time.Duration
	fetches int
}

func (f *fakeFetcher) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.fetches++
	data, ok := f.objects[key]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if !ok {
		return nil, fmt.Errorf("object %q: %w", key, services.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func newTestCache(t *testing.T, fetcher Fetcher, maxTrees int, maxBytes int64) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.RAGConfig{
		DataDir:    dir,
		MaxTrees:   maxTrees,
		MaxBytesGB: float64(maxBytes) / float64(1<<30),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCache(cfg, fetcher, logger), dir
}

func writeArtifact(t *testing.T, path string, nodes []Node) int64 {
	t.Helper()
	data, err := encodeTree(&Tree{Nodes: nodes})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return int64(len(data))
}

func opsNodes(id, text string) []Node {
	return []Node{{ID: id, Text: text, Layer: 0}}
}

func TestLoadFromLocalDiskFlat(t *testing.T) {
	cache, dir := newTestCache(t, nil, 10, 0)
	writeArtifact(t, filepath.Join(dir, "ops.tree"), opsNodes("n1", "redis latency spike"))

	tree, err := cache.Load(context.Background(), "ops")
	require.NoError(t, err)
	require.Len(t, tree.Nodes, 1)
	assert.Equal(t, "redis latency spike", tree.Nodes[0].Text)
}

func TestLoadFromLocalDiskNested(t *testing.T) {
	cache, dir := newTestCache(t, nil, 10, 0)
	writeArtifact(t, filepath.Join(dir, "ops", "ops.tree"), opsNodes("n1", "redis latency spike"))

	tree, err := cache.Load(context.Background(), "ops")
	require.NoError(t, err)
	require.Len(t, tree.Nodes, 1)
}

func TestLoadMissingWithoutFetcher(t *testing.T) {
	cache, _ := newTestCache(t, nil, 10, 0)

	_, err := cache.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestLoadEmptyName(t *testing.T) {
	cache, _ := newTestCache(t, nil, 10, 0)

	_, err := cache.Load(context.Background(), "")
	assert.True(t, services.IsValidationError(err))
}

func TestLoadDownloadsFromStore(t *testing.T) {
	data, err := encodeTree(&Tree{Nodes: opsNodes("n1", "dns resolution failures in kube-system")})
	require.NoError(t, err)
	fetcher := &fakeFetcher{objects: map[string][]byte{"trees/ops.tree": data}}

	cache, dir := newTestCache(t, fetcher, 10, 0)
	tree, err := cache.Load(context.Background(), "ops")
	require.NoError(t, err)
	require.Len(t, tree.Nodes, 1)
	assert.Equal(t, 1, fetcher.count())

	// The artifact landed on disk, so a fresh cache needs no fetch.
	assert.FileExists(t, filepath.Join(dir, "ops.tree"))
	cfg := &config.RAGConfig{DataDir: dir, MaxTrees: 10}
	fresh := NewCache(cfg, fetcher, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err = fresh.Load(context.Background(), "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.count())
}

func TestLoadTriesAlternateObjectKey(t *testing.T) {
	data, err := encodeTree(&Tree{Nodes: opsNodes("n1", "etcd compaction backlog")})
	require.NoError(t, err)
	fetcher := &fakeFetcher{objects: map[string][]byte{"trees/ops/ops.tree": data}}

	cache, _ := newTestCache(t, fetcher, 10, 0)
	tree, err := cache.Load(context.Background(), "ops")
	require.NoError(t, err)
	require.Len(t, tree.Nodes, 1)
	assert.Equal(t, 2, fetcher.count())
}

func TestLoadMissingEverywhere(t *testing.T) {
	fetcher := &fakeFetcher{objects: map[string][]byte{}}
	cache, _ := newTestCache(t, fetcher, 10, 0)

	_, err := cache.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, services.ErrNotFound)
	assert.Equal(t, 2, fetcher.count())
}

func TestLoadCacheHitSkipsDisk(t *testing.T) {
	cache, dir := newTestCache(t, nil, 10, 0)
	path := filepath.Join(dir, "ops.tree")
	writeArtifact(t, path, opsNodes("n1", "oom kills on payments"))

	_, err := cache.Load(context.Background(), "ops")
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	_, err = cache.Load(context.Background(), "ops")
	assert.NoError(t, err)
}

func TestEvictionByCount(t *testing.T) {
	cache, dir := newTestCache(t, nil, 2, 0)
	for _, name := range []string{"alpha", "bravo", "charlie"} {
		writeArtifact(t, filepath.Join(dir, name+".tree"), opsNodes("n1", name+" incidents"))
		_, err := cache.Load(context.Background(), name)
		require.NoError(t, err)
	}

	stats := cache.Stats()
	require.Equal(t, 2, stats.Count)
	assert.Equal(t, "bravo", stats.Trees[0].Name)
	assert.Equal(t, "charlie", stats.Trees[1].Name)
}

func TestTouchOnHitChangesEvictionOrder(t *testing.T) {
	cache, dir := newTestCache(t, nil, 2, 0)
	for _, name := range []string{"alpha", "bravo"} {
		writeArtifact(t, filepath.Join(dir, name+".tree"), opsNodes("n1", name+" incidents"))
		_, err := cache.Load(context.Background(), name)
		require.NoError(t, err)
	}

	// Hitting alpha makes bravo the LRU.
	_, err := cache.Load(context.Background(), "alpha")
	require.NoError(t, err)

	writeArtifact(t, filepath.Join(dir, "charlie.tree"), opsNodes("n1", "charlie incidents"))
	_, err = cache.Load(context.Background(), "charlie")
	require.NoError(t, err)

	stats := cache.Stats()
	require.Equal(t, 2, stats.Count)
	assert.Equal(t, "alpha", stats.Trees[0].Name)
	assert.Equal(t, "charlie", stats.Trees[1].Name)
}

func TestEvictionByBytes(t *testing.T) {
	// Same-length texts keep artifact sizes identical, so the byte cap
	// fits exactly two trees.
	dir := t.TempDir()
	sizeA := writeArtifact(t, filepath.Join(dir, "alpha.tree"), opsNodes("n1", "alpha redis latency"))
	sizeB := writeArtifact(t, filepath.Join(dir, "bravo.tree"), opsNodes("n1", "bravo redis latency"))
	writeArtifact(t, filepath.Join(dir, "charl.tree"), opsNodes("n1", "charl redis latency"))
	require.Equal(t, sizeA, sizeB)

	cfg := &config.RAGConfig{
		DataDir:    dir,
		MaxTrees:   10,
		MaxBytesGB: float64(2*sizeA) / float64(1<<30),
	}
	cache := NewCache(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, name := range []string{"alpha", "bravo", "charl"} {
		_, err := cache.Load(context.Background(), name)
		require.NoError(t, err)
	}

	stats := cache.Stats()
	require.Equal(t, 2, stats.Count)
	assert.Equal(t, "bravo", stats.Trees[0].Name)
	assert.Equal(t, "charl", stats.Trees[1].Name)
	assert.Equal(t, 2*sizeA, stats.TotalBytes)
}

func TestNeverEvictsJustLoadedTree(t *testing.T) {
	cache, dir := newTestCache(t, nil, 10, 1)
	writeArtifact(t, filepath.Join(dir, "huge.tree"), opsNodes("n1", "a tree larger than the whole byte budget"))

	_, err := cache.Load(context.Background(), "huge")
	require.NoError(t, err)

	stats := cache.Stats()
	require.Equal(t, 1, stats.Count)
	assert.Equal(t, "huge", stats.Trees[0].Name)
}

func TestConcurrentLoadsFetchOnce(t *testing.T) {
	data, err := encodeTree(&Tree{Nodes: opsNodes("n1", "ingress 502 burst")})
	require.NoError(t, err)
	fetcher := &fakeFetcher{
		objects: map[string][]byte{"trees/ops.tree": data},
		delay:   30 * time.Millisecond,
	}
	cache, _ := newTestCache(t, fetcher, 10, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Load(context.Background(), "ops")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fetcher.count())
	assert.Equal(t, 1, cache.Stats().Count)
}

func TestCreateTree(t *testing.T) {
	cache, dir := newTestCache(t, nil, 10, 0)

	tree, err := cache.Create("fresh")
	require.NoError(t, err)
	assert.Empty(t, tree.Nodes)
	assert.FileExists(t, filepath.Join(dir, "fresh.tree"))

	_, err = cache.Create("fresh")
	assert.ErrorIs(t, err, services.ErrAlreadyExists)
}

func TestCreateTreeExistingArtifact(t *testing.T) {
	cache, dir := newTestCache(t, nil, 10, 0)
	writeArtifact(t, filepath.Join(dir, "ops.tree"), opsNodes("n1", "existing"))

	_, err := cache.Create("ops")
	assert.ErrorIs(t, err, services.ErrAlreadyExists)
}

func TestDeleteTree(t *testing.T) {
	cache, dir := newTestCache(t, nil, 10, 0)
	path := filepath.Join(dir, "ops.tree")
	writeArtifact(t, path, opsNodes("n1", "stale"))
	_, err := cache.Load(context.Background(), "ops")
	require.NoError(t, err)

	require.NoError(t, cache.Delete("ops"))
	assert.Equal(t, 0, cache.Stats().Count)
	assert.NoFileExists(t, path)

	assert.ErrorIs(t, cache.Delete("ops"), services.ErrNotFound)
}

func TestAddDocumentsPersists(t *testing.T) {
	cache, dir := newTestCache(t, nil, 10, 0)
	_, err := cache.Create("notes")
	require.NoError(t, err)

	tree, err := cache.AddDocuments(context.Background(), "notes", []Document{
		{Text: "Postgres connection pool exhausted during deploy"},
		{Text: "Rolled back to the previous image"},
	})
	require.NoError(t, err)
	require.Len(t, tree.Nodes, 2)
	assert.NotEmpty(t, tree.Nodes[0].ID)

	// A fresh cache reads the persisted artifact.
	cfg := &config.RAGConfig{DataDir: dir, MaxTrees: 10}
	fresh := NewCache(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	reloaded, err := fresh.Load(context.Background(), "notes")
	require.NoError(t, err)
	require.Len(t, reloaded.Nodes, 2)

	results := reloaded.search("connection pool", 5)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Text, "pool exhausted")
}

func TestAddDocumentsMissingTree(t *testing.T) {
	cache, _ := newTestCache(t, nil, 10, 0)

	_, err := cache.AddDocuments(context.Background(), "ghost", []Document{{Text: "orphan"}})
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestAddDocumentsRequiresContent(t *testing.T) {
	cache, _ := newTestCache(t, nil, 10, 0)

	_, err := cache.AddDocuments(context.Background(), "notes", nil)
	assert.True(t, services.IsValidationError(err))
}

func TestAddDocumentsReplacesSnapshot(t *testing.T) {
	cache, _ := newTestCache(t, nil, 10, 0)
	_, err := cache.Create("notes")
	require.NoError(t, err)

	before, err := cache.Load(context.Background(), "notes")
	require.NoError(t, err)

	after, err := cache.AddDocuments(context.Background(), "notes", []Document{{Text: "new chunk"}})
	require.NoError(t, err)

	// Readers holding the old pointer keep a consistent view.
	assert.Empty(t, before.Nodes)
	assert.Len(t, after.Nodes, 1)
}

func TestInfo(t *testing.T) {
	cache, dir := newTestCache(t, nil, 10, 0)
	size := writeArtifact(t, filepath.Join(dir, "ops.tree"), opsNodes("n1", "quota exceeded"))
	_, err := cache.Load(context.Background(), "ops")
	require.NoError(t, err)

	info, ok := cache.Info("ops")
	require.True(t, ok)
	assert.Equal(t, TreeInfo{Name: "ops", Nodes: 1, SizeBytes: size}, info)

	_, ok = cache.Info("ghost")
	assert.False(t, ok)
}
