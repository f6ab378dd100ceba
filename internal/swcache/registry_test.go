package swcache

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPutMatch(t *testing.T) {
	reg := testRegistry(t)

	_, ok := reg.Match("GET https://app.test/a.css", MatchOptions{})
	assert.False(t, ok)

	require.NoError(t, reg.Put("app-static-v1", "GET https://app.test/a.css", okResponse("body{}")))

	got, ok := reg.Match("GET https://app.test/a.css", MatchOptions{})
	require.True(t, ok)
	assert.Equal(t, 200, got.Status)
	assert.Equal(t, "body{}", string(got.Body))
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
	assert.NotEmpty(t, got.Digest)
	assert.False(t, got.StoredAt.IsZero())

	_, ok = reg.Match("GET https://app.test/a.css", MatchOptions{CacheName: "app-dynamic-v1"})
	assert.False(t, ok, "scoped lookup must not see other generations")
	assert.False(t, reg.Has("app-dynamic-v1"), "lookups must not create generations")
}

func TestRegistryPutOverwrites(t *testing.T) {
	reg := testRegistry(t)
	key := "GET https://app.test/data.json"

	require.NoError(t, reg.Put("app-dynamic-v1", key, okResponse("one")))
	require.NoError(t, reg.Put("app-dynamic-v1", key, okResponse("two")))

	got, ok := reg.Match(key, MatchOptions{CacheName: "app-dynamic-v1"})
	require.True(t, ok)
	assert.Equal(t, "two", string(got.Body))

	c, err := reg.Open("app-dynamic-v1")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, c.Keys())
}

func TestRegistryKeysInCreationOrder(t *testing.T) {
	reg := testRegistry(t)
	for _, name := range []string{"app-static-v2", "app-dynamic-v1", "other-cache"} {
		_, err := reg.Open(name)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"app-static-v2", "app-dynamic-v1", "other-cache"}, reg.Keys())
}

func TestRegistryDelete(t *testing.T) {
	reg := testRegistry(t)
	require.NoError(t, reg.Put("app-static-v1", "GET https://app.test/", okResponse("root")))
	require.NoError(t, reg.Put("app-static-v2", "GET https://app.test/", okResponse("root v2")))

	existed, err := reg.Delete("app-static-v1")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, []string{"app-static-v2"}, reg.Keys())

	got, ok := reg.Match("GET https://app.test/", MatchOptions{})
	require.True(t, ok)
	assert.Equal(t, "root v2", string(got.Body))

	existed, err = reg.Delete("app-static-v1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestRegistryMatchSearchesInCreationOrder(t *testing.T) {
	reg := testRegistry(t)
	key := "GET https://app.test/x.js"
	require.NoError(t, reg.Put("app-static-v1", key, okResponse("static")))
	require.NoError(t, reg.Put("app-dynamic-v1", key, okResponse("dynamic")))

	got, ok := reg.Match(key, MatchOptions{})
	require.True(t, ok)
	assert.Equal(t, "static", string(got.Body))
}

func TestCachePutAll(t *testing.T) {
	reg := testRegistry(t)
	c, err := reg.Open("app-static-v1")
	require.NoError(t, err)

	var entries []Entry
	for i := 1; i <= 5; i++ {
		entries = append(entries, Entry{
			Key:      fmt.Sprintf("GET https://app.test/komik/%d.jpg", i),
			Response: okResponse(strings.Repeat("x", i)),
		})
	}
	require.NoError(t, c.PutAll(entries))
	assert.Len(t, c.Keys(), 5)

	got, ok := c.Match("GET https://app.test/komik/3.jpg")
	require.True(t, ok)
	assert.Equal(t, "xxx", string(got.Body))
}

func TestRegistryRecords(t *testing.T) {
	reg := testRegistry(t)

	var rec activeRecord
	ok, err := reg.loadRecord(activeRecordName, &rec)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.storeRecord(activeRecordName, activeRecord{Version: "v3", ManifestHash: 42}))
	ok, err = reg.loadRecord(activeRecordName, &rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v3", rec.Version)
	assert.Equal(t, uint64(42), rec.ManifestHash)
}

func TestRegistryPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	key := "GET https://app.test/index.html"

	reg, err := OpenRegistry(RegistryOptions{Path: dir, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, reg.Put("app-static-v1", key, okResponse("<html>")))
	_, err = reg.Open("app-dynamic-v1")
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	reg, err = OpenRegistry(RegistryOptions{Path: dir, Logger: testLogger()})
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"app-static-v1", "app-dynamic-v1"}, reg.Keys())
	got, ok := reg.Match(key, MatchOptions{})
	require.True(t, ok)
	assert.Equal(t, "<html>", string(got.Body))
}

func TestRegistryDiskBudgetKeepsPinned(t *testing.T) {
	reg, err := OpenRegistry(RegistryOptions{
		DiskMax: 4 << 10,
		RAMMax:  1,
		Pinned:  func(name string) bool { return strings.Contains(name, "-static-") },
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	defer reg.Close()

	// Random bodies so compression cannot hide them from the budget.
	rng := rand.New(rand.NewSource(1))
	noise := func(n int) string {
		b := make([]byte, n)
		rng.Read(b)
		return base64.StdEncoding.EncodeToString(b)
	}

	pinnedKey := "GET https://app.test/styles.css"
	require.NoError(t, reg.Put("app-static-v1", pinnedKey, okResponse(noise(768))))
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("GET https://app.test/page/%d", i)
		require.NoError(t, reg.Put("app-dynamic-v1", key, okResponse(noise(384))))
	}

	_, ok := reg.Match(pinnedKey, MatchOptions{})
	assert.True(t, ok, "pinned generation must survive eviction")
	_, ok = reg.Match("GET https://app.test/page/0", MatchOptions{})
	assert.False(t, ok, "oldest dynamic entry should be evicted")

	_, disk, _ := reg.usage()
	assert.LessOrEqual(t, disk, int64(4<<10)+1024)
}

func TestRegistryDiskPromotionKeepsNewerWrite(t *testing.T) {
	reg := testRegistry(t)
	key := "GET https://fonts.googleapis.com/css2"
	id := entryID("app-dynamic-v1", key)

	require.NoError(t, reg.Put("app-dynamic-v1", key, okResponse("old")))
	reg.ram.Delete(id)
	stale, ok := reg.disk.Get(id)
	require.True(t, ok)

	// A refresh lands between the disk read and the RAM promotion.
	require.NoError(t, reg.Put("app-dynamic-v1", key, okResponse("new")))
	assert.False(t, reg.ram.PutIfAbsent(id, stale))

	got, ok := reg.Match(key, MatchOptions{CacheName: "app-dynamic-v1"})
	require.True(t, ok)
	assert.Equal(t, "new", string(got.Body))
}

func TestRAMPutIfAbsent(t *testing.T) {
	c := newRAMCache(0, newRateLimitedLogger(testLogger(), time.Minute))
	a := entryFromResponse(okResponse("a"), time.Now())
	b := entryFromResponse(okResponse("b"), time.Now())

	assert.True(t, c.PutIfAbsent("k", a))
	assert.False(t, c.PutIfAbsent("k", b))
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "a", string(got.Body))

	c.Put("k", b)
	got, _ = c.Get("k")
	assert.Equal(t, "b", string(got.Body))
	assert.Equal(t, 1, c.Len())
}
