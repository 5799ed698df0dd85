package fileops

import (
	"container/list"
	"sync"
)

// contentCache is an LRU keyed by canonical path holding a document,
// its revision, and its observed byte size, evicted on a total-byte
// cap rather than an entry count. An entry whose cached revision no
// longer matches the file's current on-disk revision is treated as a
// miss by the caller (Ops.loadDocument), which evicts it via Put on
// the fresh read.
type contentCache struct {
	mu      sync.Mutex
	byteCap int64
	size    int64
	items   map[string]*list.Element
	order   *list.List
}

type cacheEntry struct {
	path string
	doc  *document
	rev  FileRevision
	size int64
}

func newContentCache(byteCap int64) *contentCache {
	return &contentCache{
		byteCap: byteCap,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *contentCache) Get(path string) (*document, FileRevision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[path]
	if !ok {
		return nil, FileRevision{}, false
	}
	c.order.MoveToFront(elem)
	e := elem.Value.(cacheEntry)
	return e.doc, e.rev, true
}

// Delete drops path's entry, if cached. Called by the filesystem
// watcher when the file changes on disk underneath the daemon.
func (c *contentCache) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[path]
	if !ok {
		return
	}
	e := elem.Value.(cacheEntry)
	c.order.Remove(elem)
	delete(c.items, path)
	c.size -= e.size
}

func (c *contentCache) Put(path string, doc *document, rev FileRevision, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[path]; ok {
		old := elem.Value.(cacheEntry)
		c.size -= old.size
		elem.Value = cacheEntry{path: path, doc: doc, rev: rev, size: size}
		c.order.MoveToFront(elem)
		c.size += size
	} else {
		elem := c.order.PushFront(cacheEntry{path: path, doc: doc, rev: rev, size: size})
		c.items[path] = elem
		c.size += size
	}

	for c.size > c.byteCap && c.order.Len() > 1 {
		back := c.order.Back()
		evicted := back.Value.(cacheEntry)
		c.order.Remove(back)
		delete(c.items, evicted.path)
		c.size -= evicted.size
	}
}
