package swcache

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// MatchOptions scopes a registry lookup. An empty CacheName searches every
// generation in creation order.
type MatchOptions struct {
	CacheName string
}

// RegistryOptions configures the storage behind a Registry.
type RegistryOptions struct {
	// Path of the LevelDB directory; empty keeps everything in memory.
	Path    string
	RAMMax  int64
	DiskMax int64
	// Pinned generations are never evicted by the disk budget.
	Pinned func(cacheName string) bool
	Logger *log.Logger
}

type generation struct {
	Name      string
	Seq       uint64
	CreatedAt int64
}

// Registry owns every named cache generation of the worker. It is safe for
// concurrent use; writes to the same key are last-write-wins.
type Registry struct {
	db   *leveldb.DB
	ram  *ramCache
	disk *diskStore
	log  *log.Logger

	// gen is held shared by lookups and writers and exclusively by Delete,
	// so neither a put nor a RAM promotion can resurrect entries of a
	// generation being removed.
	gen sync.RWMutex

	mu     sync.Mutex
	caches map[string]generation
	seq    uint64
}

// Cache is a handle on one named generation.
type Cache struct {
	reg  *Registry
	name string
}

// Entry pairs a request key with a response for bulk puts.
type Entry struct {
	Key      string
	Response *Response
}

func OpenRegistry(opts RegistryOptions) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	db, err := openLevelDB(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", opts.Path, err)
	}
	r := &Registry{
		db:     db,
		log:    logger,
		caches: map[string]generation{},
		ram:    newRAMCache(opts.RAMMax, newRateLimitedLogger(logger, time.Minute)),
	}
	r.disk, err = newDiskStore(db, opts.DiskMax, opts.Pinned, r.ram.Delete)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := r.loadGenerations(); err != nil {
		r.disk.release()
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadGenerations() error {
	it := r.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()
	for it.Next() {
		var g generation
		if err := decodeGob(it.Value(), &g); err != nil {
			r.log.Warn("skipping unreadable cache generation", "key", string(bytes.TrimPrefix(it.Key(), []byte(genPrefix))), "err", err)
			continue
		}
		r.caches[g.Name] = g
		if g.Seq > r.seq {
			r.seq = g.Seq
		}
	}
	return it.Error()
}

func (r *Registry) Close() error {
	err := r.disk.flushAccess()
	r.disk.release()
	return errors.Join(err, r.db.Close())
}

// Open returns the named generation, creating it on first use.
func (r *Registry) Open(name string) (*Cache, error) {
	r.gen.RLock()
	defer r.gen.RUnlock()
	if err := r.ensure(name); err != nil {
		return nil, err
	}
	return &Cache{reg: r, name: name}, nil
}

// Has reports whether a generation exists without creating it.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.caches[name]
	return ok
}

func (r *Registry) ensure(name string) error {
	if name == "" {
		return errors.New("empty cache name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caches[name]; ok {
		return nil
	}
	g := generation{Name: name, Seq: r.seq + 1, CreatedAt: time.Now().UnixNano()}
	b, err := encodeGob(g)
	if err != nil {
		return err
	}
	if err := r.db.Put([]byte(genPrefix+name), b, nil); err != nil {
		return fmt.Errorf("create cache %q: %w", name, err)
	}
	r.seq = g.Seq
	r.caches[name] = g
	return nil
}

// Keys lists generation names in creation order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	gens := make([]generation, 0, len(r.caches))
	for _, g := range r.caches {
		gens = append(gens, g)
	}
	r.mu.Unlock()
	sort.Slice(gens, func(i, j int) bool { return gens[i].Seq < gens[j].Seq })
	out := make([]string, len(gens))
	for i, g := range gens {
		out[i] = g.Name
	}
	return out
}

// Match looks key up. Absence is reported through ok, never as an error.
func (r *Registry) Match(key string, opts MatchOptions) (resp *Response, ok bool) {
	// Shared with writers; Delete must not interleave with a disk hit being
	// promoted into RAM.
	r.gen.RLock()
	defer r.gen.RUnlock()

	names := []string{opts.CacheName}
	if opts.CacheName == "" {
		names = r.Keys()
	} else if !r.Has(opts.CacheName) {
		return nil, false
	}
	for _, name := range names {
		id := entryID(name, key)
		if ent, ok := r.ram.Get(id); ok {
			return ent.response(), true
		}
		if ent, ok := r.disk.Get(id); ok {
			r.ram.PutIfAbsent(id, ent)
			return ent.response(), true
		}
	}
	return nil, false
}

// Put stores resp under key in the named generation, creating it if needed.
func (r *Registry) Put(name, key string, resp *Response) error {
	return r.putEntries(name, []Entry{{Key: key, Response: resp}})
}

func (r *Registry) putEntries(name string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	r.gen.RLock()
	defer r.gen.RUnlock()
	if err := r.ensure(name); err != nil {
		return err
	}
	now := time.Now()
	puts := make([]diskPut, len(entries))
	for i, e := range entries {
		puts[i] = diskPut{id: entryID(name, e.Key), ent: entryFromResponse(e.Response, now)}
	}
	if err := r.disk.Write(new(leveldb.Batch), puts); err != nil {
		return fmt.Errorf("put into %q: %w", name, err)
	}
	for _, p := range puts {
		r.ram.Put(p.id, p.ent)
	}
	return nil
}

// Delete removes a generation and everything in it. It reports whether the
// generation existed.
func (r *Registry) Delete(name string) (bool, error) {
	r.gen.Lock()
	defer r.gen.Unlock()

	existed := r.Has(name)
	batch := new(leveldb.Batch)
	batch.Delete([]byte(genPrefix + name))
	if err := r.disk.DeleteCache(batch, name); err != nil {
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	r.ram.DeletePrefix(entryID(name, ""))

	r.mu.Lock()
	delete(r.caches, name)
	r.mu.Unlock()
	return existed, nil
}

// loadRecord reads a worker record stored next to the caches.
func (r *Registry) loadRecord(name string, v any) (bool, error) {
	b, err := r.db.Get([]byte(metaPrefix+name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := decodeGob(b, v); err != nil {
		return false, fmt.Errorf("decode record %q: %w", name, err)
	}
	return true, nil
}

func (r *Registry) storeRecord(name string, v any) error {
	b, err := encodeGob(v)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(metaPrefix+name), b, nil)
}

func (r *Registry) usage() (ramBytes, diskBytes int64, entries int) {
	return r.ram.TotalSize(), r.disk.TotalSize(), r.disk.KeyCount()
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) Match(key string) (*Response, bool) {
	return c.reg.Match(key, MatchOptions{CacheName: c.name})
}

func (c *Cache) Put(key string, resp *Response) error {
	return c.reg.putEntries(c.name, []Entry{{Key: key, Response: resp}})
}

// PutAll stores every entry in a single atomic write.
func (c *Cache) PutAll(entries []Entry) error {
	return c.reg.putEntries(c.name, entries)
}

// Keys lists the request keys stored in this generation.
func (c *Cache) Keys() []string {
	return c.reg.disk.Keys(c.name)
}
