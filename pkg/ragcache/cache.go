package ragcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// Fetcher retrieves a tree artifact by object key.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (io.ReadCloser, error)
}

// Document is one chunk appended to a tree.
type Document struct {
	Text string `json:"text"`
}

// TreeInfo describes one cached tree for the occupancy listing.
type TreeInfo struct {
	Name      string `json:"name"`
	Nodes     int    `json:"nodes"`
	SizeBytes int64  `json:"size_bytes"`
}

// Stats is the cache occupancy snapshot.
type Stats struct {
	Trees      []TreeInfo `json:"trees"`
	Count      int        `json:"count"`
	TotalBytes int64      `json:"total_bytes"`
	MaxTrees   int        `json:"max_trees"`
	MaxBytes   int64      `json:"max_bytes"`
}

// Cache is a count- and size-bounded LRU of decoded trees. All map and
// order mutation happens under a single mutex; first-use downloads are
// coalesced per tree name so concurrent loads fetch once.
type Cache struct {
	dataDir  string
	maxTrees int
	maxBytes int64
	fetcher  Fetcher
	logger   *slog.Logger

	mu    sync.Mutex
	order []string // LRU at the front, MRU at the end
	trees map[string]*Tree
	sizes map[string]int64

	flight singleflight.Group
}

// NewCache builds a cache from the service configuration. The fetcher
// may be nil, in which case only local artifacts are served.
func NewCache(cfg *config.RAGConfig, fetcher Fetcher, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		dataDir:  cfg.DataDir,
		maxTrees: cfg.MaxTrees,
		maxBytes: int64(cfg.MaxBytesGB * float64(1<<30)),
		fetcher:  fetcher,
		logger:   logger,
		trees:    make(map[string]*Tree),
		sizes:    make(map[string]int64),
	}
}

// Load returns the named tree, bringing it into the cache on first
// use: cache hit, then local disk, then the artifact store.
func (c *Cache) Load(ctx context.Context, name string) (*Tree, error) {
	if name == "" {
		return nil, services.NewValidationError("tree", "tree name is required")
	}

	c.mu.Lock()
	if tree, ok := c.trees[name]; ok {
		c.touchLocked(name)
		c.mu.Unlock()
		return tree, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(name, func() (any, error) {
		// Another flight may have inserted while we queued.
		c.mu.Lock()
		if tree, ok := c.trees[name]; ok {
			c.touchLocked(name)
			c.mu.Unlock()
			return tree, nil
		}
		c.mu.Unlock()

		path, err := c.locate(ctx, name)
		if err != nil {
			return nil, err
		}
		tree, size, err := readTree(name, path)
		if err != nil {
			return nil, err
		}
		c.insert(name, tree, size)
		return tree, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tree), nil
}

// locate finds the artifact on local disk, downloading it from the
// artifact store when absent. Both layouts are tried: <name>.tree and
// <name>/<name>.tree.
func (c *Cache) locate(ctx context.Context, name string) (string, error) {
	for _, path := range c.localPaths(name) {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	if c.fetcher == nil {
		return "", fmt.Errorf("tree %q: %w", name, services.ErrNotFound)
	}
	return c.download(ctx, name)
}

// download fetches the artifact into the data dir, trying both object
// key layouts, and renames it into place atomically.
func (c *Cache) download(ctx context.Context, name string) (string, error) {
	dest := c.localPaths(name)[0]
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}

	var lastErr error
	for _, key := range objectKeys(name) {
		body, err := c.fetcher.Fetch(ctx, key)
		if err != nil {
			lastErr = err
			continue
		}
		tmp, err := os.CreateTemp(filepath.Dir(dest), "."+name+"-*.partial")
		if err != nil {
			body.Close()
			return "", fmt.Errorf("create temp artifact: %w", err)
		}
		_, copyErr := io.Copy(tmp, body)
		body.Close()
		if closeErr := tmp.Close(); copyErr == nil {
			copyErr = closeErr
		}
		if copyErr != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("download tree %q: %w", name, copyErr)
		}
		if err := os.Rename(tmp.Name(), dest); err != nil {
			os.Remove(tmp.Name())
			return "", fmt.Errorf("install tree %q: %w", name, err)
		}
		c.logger.Info("Tree downloaded", "tree", name, "key", key)
		return dest, nil
	}
	return "", fmt.Errorf("tree %q: %w", name, lastErr)
}

func (c *Cache) localPaths(name string) []string {
	return []string{
		filepath.Join(c.dataDir, name+".tree"),
		filepath.Join(c.dataDir, name, name+".tree"),
	}
}

// objectKeys lists the store layouts a tree may live under.
func objectKeys(name string) []string {
	return []string{
		"trees/" + name + ".tree",
		"trees/" + name + "/" + name + ".tree",
	}
}

func readTree(name, path string) (*Tree, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open tree %q: %w", name, err)
	}
	defer f.Close()

	tree, err := decodeTree(name, f)
	if err != nil {
		return nil, 0, fmt.Errorf("tree %q: %w", name, err)
	}
	var artifactBytes int64
	if info, err := f.Stat(); err == nil {
		artifactBytes = info.Size()
	}
	return tree, estimateSize(artifactBytes, len(tree.Nodes)), nil
}

// insert adds a freshly loaded tree at the MRU end and evicts from the
// LRU end until both the count and byte limits hold. The tree being
// inserted is never evicted, even when it alone exceeds the byte limit.
func (c *Cache) insert(name string, tree *Tree, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.trees[name]; ok {
		c.removeLocked(name)
	}
	c.trees[name] = tree
	c.sizes[name] = size
	c.order = append(c.order, name)

	for (c.maxTrees > 0 && len(c.trees) > c.maxTrees) ||
		(c.maxBytes > 0 && c.totalLocked() > c.maxBytes) {
		victim := c.order[0]
		if victim == name {
			break
		}
		c.removeLocked(victim)
		treeEvictions.Inc()
		c.logger.Info("Tree evicted", "tree", victim)
	}
	c.setGaugesLocked()
	c.logger.Info("Tree cached",
		"tree", name,
		"nodes", len(tree.Nodes),
		"size_bytes", size,
		"trees", len(c.trees),
		"total_bytes", c.totalLocked())
}

// touchLocked moves a name to the MRU end.
func (c *Cache) touchLocked(name string) {
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, name)
}

func (c *Cache) removeLocked(name string) {
	delete(c.trees, name)
	delete(c.sizes, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache) totalLocked() int64 {
	var total int64
	for _, size := range c.sizes {
		total += size
	}
	return total
}

func (c *Cache) setGaugesLocked() {
	treesLoaded.Set(float64(len(c.trees)))
	cacheBytes.Set(float64(c.totalLocked()))
}

// Info describes one cached tree, reporting false when not resident.
func (c *Cache) Info(name string) (TreeInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tree, ok := c.trees[name]
	if !ok {
		return TreeInfo{}, false
	}
	return TreeInfo{Name: name, Nodes: len(tree.Nodes), SizeBytes: c.sizes[name]}, true
}

// Stats reports occupancy in LRU-to-MRU order.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Trees:    make([]TreeInfo, 0, len(c.order)),
		Count:    len(c.trees),
		MaxTrees: c.maxTrees,
		MaxBytes: c.maxBytes,
	}
	for _, name := range c.order {
		tree := c.trees[name]
		stats.Trees = append(stats.Trees, TreeInfo{
			Name:      name,
			Nodes:     len(tree.Nodes),
			SizeBytes: c.sizes[name],
		})
		stats.TotalBytes += c.sizes[name]
	}
	return stats
}

// Create registers a new empty tree and persists its artifact.
func (c *Cache) Create(name string) (*Tree, error) {
	if name == "" {
		return nil, services.NewValidationError("tree", "tree name is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.trees[name]; ok {
		return nil, fmt.Errorf("tree %q: %w", name, services.ErrAlreadyExists)
	}
	for _, path := range c.localPaths(name) {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("tree %q: %w", name, services.ErrAlreadyExists)
		}
	}

	tree := &Tree{Name: name}
	size, err := c.persistLocked(tree)
	if err != nil {
		return nil, err
	}
	c.trees[name] = tree
	c.sizes[name] = size
	c.order = append(c.order, name)
	c.setGaugesLocked()
	c.logger.Info("Tree created", "tree", name)
	return tree, nil
}

// Delete drops a tree from the cache and removes its local artifacts.
// The artifact store is left untouched.
func (c *Cache) Delete(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, cached := c.trees[name]
	if cached {
		c.removeLocked(name)
		c.setGaugesLocked()
	}

	removed := false
	for _, path := range c.localPaths(name) {
		if err := os.Remove(path); err == nil {
			removed = true
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("remove tree %q: %w", name, err)
		}
	}
	if !cached && !removed {
		return fmt.Errorf("tree %q: %w", name, services.ErrNotFound)
	}
	c.logger.Info("Tree deleted", "tree", name)
	return nil
}

// AddDocuments appends leaf nodes to a tree and persists the new
// artifact. The cached tree is replaced wholesale so in-flight
// searches keep reading a consistent snapshot.
func (c *Cache) AddDocuments(ctx context.Context, name string, docs []Document) (*Tree, error) {
	if len(docs) == 0 {
		return nil, services.NewValidationError("documents", "at least one document is required")
	}
	current, err := c.Load(ctx, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Load dropped the lock; take whatever is cached now.
	if cached, ok := c.trees[name]; ok {
		current = cached
	}
	next := &Tree{
		Name:  name,
		Nodes: make([]Node, 0, len(current.Nodes)+len(docs)),
	}
	next.Nodes = append(next.Nodes, current.Nodes...)
	for _, doc := range docs {
		if doc.Text == "" {
			continue
		}
		next.Nodes = append(next.Nodes, Node{
			ID:   uuid.NewString(),
			Text: doc.Text,
		})
	}

	size, err := c.persistLocked(next)
	if err != nil {
		return nil, err
	}
	c.trees[name] = next
	c.sizes[name] = size
	c.touchLocked(name)
	c.setGaugesLocked()
	c.logger.Info("Documents added", "tree", name, "nodes", len(next.Nodes))
	return next, nil
}

// persistLocked writes the artifact to the primary local path via a
// temp file and atomic rename.
func (c *Cache) persistLocked(tree *Tree) (int64, error) {
	data, err := encodeTree(tree)
	if err != nil {
		return 0, fmt.Errorf("tree %q: %w", tree.Name, err)
	}
	dest := c.localPaths(tree.Name)[0]
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+tree.Name+"-*.partial")
	if err != nil {
		return 0, fmt.Errorf("create temp artifact: %w", err)
	}
	_, writeErr := tmp.Write(data)
	if closeErr := tmp.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("persist tree %q: %w", tree.Name, writeErr)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("install tree %q: %w", tree.Name, err)
	}
	return estimateSize(int64(len(data)), len(tree.Nodes)), nil
}
