package cache

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	"github.com/javi11/davmount/internal/pathutil"
)

// DropFunc is told about every key whose materialized content became
// invalid, so the owner of the content can release and unlink it.
type DropFunc func(key string)

// AttributeCache maps canonical keys to the last known remote record. Keys
// live in a radix tree so that the children of a folder are found with an
// ordered prefix walk instead of a scan of the whole cache.
//
// Every exported method is a self-contained transaction: the tree is
// replaced atomically, and drop notifications are delivered after the
// change is visible.
type AttributeCache struct {
	mu     sync.RWMutex
	tree   *iradix.Tree[Record]
	onDrop DropFunc
	logger *slog.Logger
}

// NewAttributeCache creates an empty cache. onDrop may be nil.
func NewAttributeCache(onDrop DropFunc, logger *slog.Logger) *AttributeCache {
	if logger == nil {
		logger = slog.Default()
	}
	if onDrop == nil {
		onDrop = func(string) {}
	}
	return &AttributeCache{
		tree:   iradix.New[Record](),
		onDrop: onDrop,
		logger: logger,
	}
}

// Get returns a copy of the record stored for key.
func (c *AttributeCache) Get(key string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tree.Get([]byte(key))
}

// Update stores record for key unconditionally.
func (c *AttributeCache) Update(key string, record Record) {
	c.mu.Lock()
	c.tree, _, _ = c.tree.Insert([]byte(key), record)
	c.mu.Unlock()
}

// BulkUpdate merges a listing into the cache. New keys are inserted. Keys
// whose record Reconcile declares modified are replaced and their
// materialized content is dropped; other known keys absorb the fresh
// metadata in place. It returns the keys whose content was dropped.
func (c *AttributeCache) BulkUpdate(listing map[string]Record) []string {
	var dropped []string

	c.mu.Lock()
	txn := c.tree.Txn()
	for key, remote := range listing {
		k := []byte(key)
		prior, ok := txn.Get(k)
		if !ok {
			txn.Insert(k, remote)
			continue
		}

		decision := Reconcile(prior, remote)
		switch decision.Verdict {
		case Modified:
			txn.Insert(k, remote)
			if !prior.IsDir() {
				dropped = append(dropped, key)
			}
			c.logger.Debug("Cached record replaced from listing", "path", key, "reason", decision.Reason)
		default:
			txn.Insert(k, Merge(prior, remote))
		}
	}
	c.tree = txn.Commit()
	c.mu.Unlock()

	sort.Strings(dropped)
	for _, key := range dropped {
		c.onDrop(key)
	}
	return dropped
}

// Remove deletes the record for key and drops its materialized content.
func (c *AttributeCache) Remove(key string) {
	c.mu.Lock()
	var existed bool
	c.tree, _, existed = c.tree.Delete([]byte(key))
	c.mu.Unlock()

	if existed {
		c.onDrop(key)
	}
}

// RemoveTree deletes key and every record below it. It returns the number
// of records removed.
func (c *AttributeCache) RemoveTree(key string) int {
	c.mu.Lock()
	var removed []string
	txn := c.tree.Txn()
	if _, ok := txn.Delete([]byte(key)); ok {
		removed = append(removed, key)
	}
	prefix := key + "/"
	if key == pathutil.Root {
		prefix = pathutil.Root
	}
	c.tree.Root().WalkPrefix([]byte(prefix), func(k []byte, _ Record) bool {
		if string(k) != key {
			removed = append(removed, string(k))
		}
		return false
	})
	txn.DeletePrefix([]byte(prefix))
	c.tree = txn.Commit()
	c.mu.Unlock()

	for _, k := range removed {
		c.onDrop(k)
	}
	return len(removed)
}

// ListChildren returns the keys whose immediate parent is folder, in
// lexical order.
func (c *AttributeCache) ListChildren(folder string) []string {
	prefix := folder + "/"
	if folder == pathutil.Root {
		prefix = pathutil.Root
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var children []string
	c.tree.Root().WalkPrefix([]byte(prefix), func(k []byte, _ Record) bool {
		rest := string(k[len(prefix):])
		if rest != "" && !strings.Contains(rest, "/") {
			children = append(children, string(k))
		}
		return false
	})
	return children
}

// Len returns the number of cached records.
func (c *AttributeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tree.Len()
}

// Records returns a copy of every stored record, keyed by path.
func (c *AttributeCache) Records() map[string]Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Record, c.tree.Len())
	c.tree.Root().Walk(func(k []byte, v Record) bool {
		out[string(k)] = v
		return false
	})
	return out
}

// Replace swaps the whole content of the cache for records, without drop
// notifications. It is used to restore a snapshot at mount time.
func (c *AttributeCache) Replace(records map[string]Record) {
	txn := iradix.New[Record]().Txn()
	for k, v := range records {
		txn.Insert([]byte(k), v)
	}

	c.mu.Lock()
	c.tree = txn.Commit()
	c.mu.Unlock()
}
