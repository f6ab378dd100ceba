package swcache

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	tw := newTestWorld(t, testConfig(t, ""))
	e := tw.worker.engine
	url := "https://app.test/styles.css"
	require.NoError(t, tw.reg.Put("app-static-v1", "GET "+url, okResponse("cached")))
	tw.net.set(url, 200, "fresh")

	resp, err := e.CacheFirst(context.Background(), mustRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, "cached", string(resp.Body))
	assert.Equal(t, SourceHit, resp.Source)
	assert.Zero(t, tw.net.callsTo(url))
}

func TestCacheFirstMissStoresInStatic(t *testing.T) {
	tw := newTestWorld(t, testConfig(t, ""))
	e := tw.worker.engine
	url := "https://app.test/script.js"
	tw.net.set(url, 200, "console.log(1)")

	resp, err := e.CacheFirst(context.Background(), mustRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, "console.log(1)", string(resp.Body))

	_, ok := tw.reg.Match("GET "+url, MatchOptions{CacheName: "app-static-v1"})
	assert.True(t, ok)

	tw.net.setOffline(true)
	resp, err = e.CacheFirst(context.Background(), mustRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, SourceHit, resp.Source)
	assert.Equal(t, 1, tw.net.callsTo(url))
}

func TestCacheFirstDoesNotStoreErrors(t *testing.T) {
	tw := newTestWorld(t, testConfig(t, ""))
	url := "https://app.test/missing.png"
	tw.net.set(url, 404, "not found")

	resp, err := tw.worker.engine.CacheFirst(context.Background(), mustRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
	_, ok := tw.reg.Match("GET "+url, MatchOptions{})
	assert.False(t, ok)
}

func TestCacheFirstTotalFailure(t *testing.T) {
	t.Run("503 without offline page", func(t *testing.T) {
		tw := newTestWorld(t, testConfig(t, ""))
		tw.net.setOffline(true)

		resp, err := tw.worker.engine.CacheFirst(context.Background(), mustRequest(t, "https://app.test/a.css"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
		assert.Equal(t, SourceUnavailable, resp.Source)
	})

	t.Run("cached offline page", func(t *testing.T) {
		cfg := testConfig(t, strings.Replace(testConfigYAML, `version: "v1"`, "version: \"v1\"\n  offlinePage: \"/offline.html\"", 1))
		tw := newTestWorld(t, cfg)
		require.NoError(t, tw.reg.Put("app-static-v1", "GET https://app.test/offline.html", okResponse("offline")))
		tw.net.setOffline(true)

		resp, err := tw.worker.engine.CacheFirst(context.Background(), mustRequest(t, "https://app.test/a.css"))
		require.NoError(t, err)
		assert.Equal(t, "offline", string(resp.Body))
		assert.Equal(t, SourceOffline, resp.Source)
	})
}

func TestNetworkFirst(t *testing.T) {
	tw := newTestWorld(t, testConfig(t, ""))
	e := tw.worker.engine
	url := "https://app.test/api/chapters"
	tw.net.set(url, 200, "[1,2]")

	resp, err := e.NetworkFirst(context.Background(), mustRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	_, ok := tw.reg.Match("GET "+url, MatchOptions{CacheName: "app-dynamic-v1"})
	assert.True(t, ok)

	tw.net.setOffline(true)
	resp, err = e.NetworkFirst(context.Background(), mustRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, "[1,2]", string(resp.Body))
}

func TestNetworkFirstReturnsNetworkErrorOnMiss(t *testing.T) {
	tw := newTestWorld(t, testConfig(t, ""))
	tw.net.setOffline(true)

	_, err := tw.worker.engine.NetworkFirst(context.Background(), mustRequest(t, "https://app.test/api/x"))
	assert.ErrorIs(t, err, errOffline)
}

func TestNavigationFallback(t *testing.T) {
	t.Run("cached root", func(t *testing.T) {
		tw := newTestWorld(t, testConfig(t, ""))
		require.NoError(t, tw.reg.Put("app-static-v1", "GET https://app.test/index.html", okResponse("<app>")))
		tw.net.setOffline(true)

		resp, err := tw.worker.engine.NetworkFirstWithFallback(context.Background(), mustRequest(t, "https://app.test/reader"))
		require.NoError(t, err)
		assert.Equal(t, "<app>", string(resp.Body))
		assert.Equal(t, SourceFallback, resp.Source)
	})

	t.Run("synthesized offline document", func(t *testing.T) {
		tw := newTestWorld(t, testConfig(t, ""))
		tw.net.setOffline(true)

		resp, err := tw.worker.engine.NetworkFirstWithFallback(context.Background(), mustRequest(t, "https://app.test/reader"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, SourceOffline, resp.Source)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
		assert.Contains(t, string(resp.Body), "<button")
		assert.Contains(t, string(resp.Body), "location.reload()")
		assert.NotContains(t, string(resp.Body), "https://", "offline document must be self-contained")
	})
}

func TestStaleWhileRevalidate(t *testing.T) {
	tw := newTestWorld(t, testConfig(t, ""))
	e := tw.worker.engine
	url := "https://fonts.googleapis.com/css2?family=Poppins"
	key := "GET " + url
	require.NoError(t, tw.reg.Put("app-dynamic-v1", key, okResponse("v1")))
	tw.net.set(url, 200, "v2")

	resp, err := e.StaleWhileRevalidate(context.Background(), mustRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(resp.Body))
	assert.Equal(t, SourceStale, resp.Source)

	assert.Eventually(t, func() bool {
		got, ok := tw.reg.Match(key, MatchOptions{CacheName: "app-dynamic-v1"})
		return ok && string(got.Body) == "v2"
	}, 2*time.Second, 10*time.Millisecond)

	resp, err = e.StaleWhileRevalidate(context.Background(), mustRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(resp.Body))
}

func TestStaleWhileRevalidateOutlivesCaller(t *testing.T) {
	tw := newTestWorld(t, testConfig(t, ""))
	url := "https://fonts.gstatic.com/s/poppins.woff"
	key := "GET " + url
	require.NoError(t, tw.reg.Put("app-dynamic-v1", key, okResponse("old")))
	tw.net.set(url, 200, "new")
	release := tw.net.hold()

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := tw.worker.engine.StaleWhileRevalidate(ctx, mustRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, "old", string(resp.Body))
	cancel()
	release()

	// Close waits for the detached refresh.
	tw.worker.Close()
	got, ok := tw.reg.Match(key, MatchOptions{CacheName: "app-dynamic-v1"})
	require.True(t, ok)
	assert.Equal(t, "new", string(got.Body))
}

func TestStaleWhileRevalidateMiss(t *testing.T) {
	tw := newTestWorld(t, testConfig(t, ""))
	e := tw.worker.engine
	url := "https://cdnjs.cloudflare.com/ajax/libs/x/all.min"

	tw.net.set(url, 200, "icons")
	resp, err := e.StaleWhileRevalidate(context.Background(), mustRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, "icons", string(resp.Body))

	tw.net.fail("https://cdnjs.cloudflare.com/ajax/libs/y")
	resp, err = e.StaleWhileRevalidate(context.Background(), mustRequest(t, "https://cdnjs.cloudflare.com/ajax/libs/y"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestStaleWhileRevalidateSkipsUnchanged(t *testing.T) {
	tw := newTestWorld(t, testConfig(t, ""))
	url := "https://fonts.googleapis.com/icon"
	key := "GET " + url
	require.NoError(t, tw.reg.Put("app-dynamic-v1", key, okResponse("same")))
	before, ok := tw.reg.Match(key, MatchOptions{CacheName: "app-dynamic-v1"})
	require.True(t, ok)
	tw.net.set(url, 200, "same")

	_, err := tw.worker.engine.StaleWhileRevalidate(context.Background(), mustRequest(t, url))
	require.NoError(t, err)
	tw.worker.Close()

	after, ok := tw.reg.Match(key, MatchOptions{CacheName: "app-dynamic-v1"})
	require.True(t, ok)
	assert.Equal(t, before.StoredAt, after.StoredAt)
}

func TestRouteByKind(t *testing.T) {
	tw := newTestWorld(t, testConfig(t, ""))
	tw.net.setOffline(true)
	ctx := context.Background()

	// Only navigation turns a total failure into a successful response.
	resp, err := tw.worker.engine.Serve(ctx, KindNavigation, mustRequest(t, "https://app.test/x"))
	require.NoError(t, err)
	assert.Equal(t, SourceOffline, resp.Source)

	_, err = tw.worker.engine.Serve(ctx, KindOther, mustRequest(t, "https://app.test/x"))
	assert.Error(t, err)

	resp, err = tw.worker.engine.Serve(ctx, KindStaticAsset, mustRequest(t, "https://app.test/x.css"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}
