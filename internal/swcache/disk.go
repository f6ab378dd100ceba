package swcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout:
//
//	g:<cache>              generation record
//	e:<cache>\x00<key>     zstd(gob(CacheEntry))
//	i:<cache>\x00<key>     gob(diskMeta)
//	m:<name>               worker records (active generation, ...)
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	indexPrefix = "i:"
	metaPrefix  = "m:"
)

func entryID(cacheName, key string) string {
	return cacheName + "\x00" + key
}

func splitEntryID(id string) (cacheName, key string) {
	cacheName, key, _ = strings.Cut(id, "\x00")
	return cacheName, key
}

func openLevelDB(path string) (*leveldb.DB, error) {
	if path == "" {
		return leveldb.Open(storage.NewMemStorage(), nil)
	}
	return leveldb.OpenFile(path, nil)
}

// ---- disk cache ----

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskPut struct {
	id  string
	ent CacheEntry
}

type diskStore struct {
	maxBytes int64

	db  *leveldb.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	// pinned entries are never evicted
	pinned  func(cacheName string) bool
	onEvict func(id string)

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64
}

func newDiskStore(db *leveldb.DB, maxBytes int64, pinned func(string) bool, onEvict func(string)) (*diskStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	if pinned == nil {
		pinned = func(string) bool { return false }
	}
	if onEvict == nil {
		onEvict = func(string) {}
	}
	d := &diskStore{
		maxBytes: maxBytes,
		db:       db,
		enc:      enc,
		dec:      dec,
		pinned:   pinned,
		onEvict:  onEvict,
		index:    map[string]diskMeta{},
	}
	if err := d.loadIndex(); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

func (d *diskStore) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(indexPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		id := string(bytes.TrimPrefix(it.Key(), []byte(indexPrefix)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[id] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskStore) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskStore) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

// Keys lists the entry keys stored under cacheName.
func (d *diskStore) Keys(cacheName string) []string {
	prefix := entryID(cacheName, "")
	d.mu.Lock()
	out := make([]string, 0)
	for id := range d.index {
		if strings.HasPrefix(id, prefix) {
			out = append(out, strings.TrimPrefix(id, prefix))
		}
	}
	d.mu.Unlock()
	sort.Strings(out)
	return out
}

func (d *diskStore) Get(id string) (CacheEntry, bool) {
	b, err := d.db.Get([]byte(entryPrefix+id), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	raw, err := d.dec.DecodeAll(b, nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(raw, &ent); err != nil {
		return CacheEntry{}, false
	}
	d.mu.Lock()
	if meta, ok := d.index[id]; ok {
		meta.LastAccess = time.Now().UnixNano()
		d.index[id] = meta
	}
	d.mu.Unlock()
	return ent, true
}

// Write stages puts into batch, commits it, then updates the index. Callers
// may add their own operations to batch beforehand; they commit atomically
// with the entries.
func (d *diskStore) Write(batch *leveldb.Batch, puts []diskPut) error {
	now := time.Now().UnixNano()
	metas := make([]diskMeta, len(puts))
	for i, p := range puts {
		b, err := encodeGob(p.ent)
		if err != nil {
			return fmt.Errorf("encode %q: %w", p.id, err)
		}
		z := d.enc.EncodeAll(b, nil)
		metas[i] = diskMeta{Size: int64(len(z)), LastAccess: now}
		mb, err := encodeGob(metas[i])
		if err != nil {
			return fmt.Errorf("encode meta %q: %w", p.id, err)
		}
		batch.Put([]byte(entryPrefix+p.id), z)
		batch.Put([]byte(indexPrefix+p.id), mb)
	}
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	for i, p := range puts {
		if old, ok := d.index[p.id]; ok {
			d.totalSize -= old.Size
		}
		d.index[p.id] = metas[i]
		d.totalSize += metas[i].Size
	}
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome()
	}
	return nil
}

// DeleteCache stages removal of every entry under cacheName into batch,
// commits it and drops the entries from the index.
func (d *diskStore) DeleteCache(batch *leveldb.Batch, cacheName string) error {
	prefix := entryID(cacheName, "")
	for _, p := range []string{entryPrefix, indexPrefix} {
		it := d.db.NewIterator(util.BytesPrefix([]byte(p+prefix)), nil)
		for it.Next() {
			k := make([]byte, len(it.Key()))
			copy(k, it.Key())
			batch.Delete(k)
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	for id, meta := range d.index {
		if strings.HasPrefix(id, prefix) {
			d.totalSize -= meta.Size
			delete(d.index, id)
		}
	}
	d.mu.Unlock()
	return nil
}

// evictSome drops the least recently accessed 10% of entries outside pinned
// generations. It only runs when a disk budget is configured.
func (d *diskStore) evictSome() {
	type item struct {
		id string
		m  diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for id, m := range d.index {
		name, _ := splitEntryID(id)
		if d.pinned(name) {
			continue
		}
		items = append(items, item{id, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}

	batch := new(leveldb.Batch)
	evicted := make([]string, 0, n)
	for i := 0; i < n && i < len(items); i++ {
		batch.Delete([]byte(entryPrefix + items[i].id))
		batch.Delete([]byte(indexPrefix + items[i].id))
		evicted = append(evicted, items[i].id)
	}
	if len(evicted) == 0 {
		return
	}
	if err := d.db.Write(batch, nil); err != nil {
		return
	}

	d.mu.Lock()
	for _, id := range evicted {
		if meta, ok := d.index[id]; ok {
			d.totalSize -= meta.Size
			delete(d.index, id)
		}
	}
	d.mu.Unlock()

	for _, id := range evicted {
		d.onEvict(id)
	}
}

// flushAccess persists in-memory access times so LRU order survives restarts.
func (d *diskStore) flushAccess() error {
	batch := new(leveldb.Batch)
	d.mu.Lock()
	for id, meta := range d.index {
		mb, err := encodeGob(meta)
		if err != nil {
			continue
		}
		batch.Put([]byte(indexPrefix+id), mb)
	}
	d.mu.Unlock()
	return d.db.Write(batch, nil)
}

func (d *diskStore) release() {
	_ = d.enc.Close()
	d.dec.Close()
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
