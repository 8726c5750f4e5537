package extdata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jsonkit/jsonkit/internal/tree"
)

// DefaultCacheSize is the number of files whose extData is kept in memory.
const DefaultCacheSize = 4096

type entry struct {
	size    int64
	modTime time.Time
	values  tree.ExtData
	err     error
}

// Cache is the file-level entry point to extraction. Both the directory
// scanner and the change watcher go through it, so an initial scan and a
// later incremental update of the same unchanged file agree.
//
// Entries are validated against the file's size and modification time.
// Returned maps are shared and must not be modified.
type Cache struct {
	mu        sync.RWMutex
	extractor *Extractor
	entries   *lru.Cache[string, entry]
}

// NewCache creates a cache holding up to size entries (DefaultCacheSize if
// size <= 0).
func NewCache(extractor *Extractor, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("create extData cache: %w", err)
	}
	return &Cache{extractor: extractor, entries: entries}, nil
}

// Extractor returns the current extractor.
func (c *Cache) Extractor() *Extractor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.extractor
}

// SetExtractor swaps the rule set and drops every cached result.
func (c *Cache) SetExtractor(extractor *Extractor) {
	c.mu.Lock()
	c.extractor = extractor
	c.mu.Unlock()
	c.entries.Purge()
}

// Enabled reports whether any rules are configured.
func (c *Cache) Enabled() bool {
	return !c.Extractor().Empty()
}

// File returns the extData of the JSON file at path.
//
// Errors wrap tree.ErrNotFound, tree.ErrIO or tree.ErrMalformedContent.
// With no rules configured it returns an empty map without reading the file.
func (c *Cache) File(path string) (tree.ExtData, error) {
	extractor := c.Extractor()
	if extractor.Empty() {
		return tree.ExtData{}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, statError(path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", path, tree.ErrIO)
	}

	if e, ok := c.entries.Get(path); ok && e.size == info.Size() && e.modTime.Equal(info.ModTime()) {
		return e.values, e.err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, statError(path, err)
	}
	values, err := extractor.ExtractBytes(raw)
	if err != nil {
		err = fmt.Errorf("%s: %w", path, err)
	}

	// Only remember results for the extractor they were computed with.
	if c.Extractor() == extractor {
		c.entries.Add(path, entry{size: info.Size(), modTime: info.ModTime(), values: values, err: err})
	}
	return values, err
}

// Forget drops the cached result for path.
func (c *Cache) Forget(path string) {
	c.entries.Remove(path)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func statError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", path, tree.ErrNotFound)
	}
	return fmt.Errorf("%s: %v: %w", path, err, tree.ErrIO)
}
