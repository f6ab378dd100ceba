package swcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// Values of the X-SW-Cache response header.
const (
	SourceHit         = "hit"
	SourceNetwork     = "network"
	SourceStale       = "stale"
	SourceCache       = "cache"
	SourceFallback    = "fallback"
	SourceOffline     = "offline"
	SourceUnavailable = "unavailable"
	SourceBypass      = "bypass"
)

// Strategy answers one request from cache, network or both.
type Strategy func(ctx context.Context, req *Request) (*Response, error)

// Engine implements the caching strategies over one pair of cache
// generations.
type Engine struct {
	static  string
	dynamic string

	offlineKey string
	rootKeys   []string
	offlineDoc *Response

	reg   *Registry
	net   Fetcher
	life  *lifetime
	log   *log.Logger
	stats *statsCollector

	revalidations singleflight.Group
}

func newEngine(s Settings, reg *Registry, net Fetcher, life *lifetime, logger *log.Logger, stats *statsCollector) (*Engine, error) {
	doc, err := renderOfflineDocument(s.Notifications.Title)
	if err != nil {
		return nil, fmt.Errorf("render offline document: %w", err)
	}
	e := &Engine{
		static:     s.StaticCacheName,
		dynamic:    s.DynamicCacheName,
		offlineDoc: doc,
		reg:        reg,
		net:        net,
		life:       life,
		log:        logger,
		stats:      stats,
	}
	for _, p := range []string{"/", "/index.html"} {
		e.rootKeys = append(e.rootKeys, localKey(s, p))
	}
	if s.OfflinePage != "" {
		e.offlineKey = localKey(s, s.OfflinePage)
	}
	return e, nil
}

// resolveLocal resolves a manifest or fallback path against the worker
// origin. Absolute URLs are returned as they are.
func resolveLocal(s Settings, raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	u := s.Origin.ResolveReference(ref)
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// localKey is the cache key of a GET for path on the worker origin.
func localKey(s Settings, path string) string {
	u, err := resolveLocal(s, path)
	if err != nil {
		return ""
	}
	return http.MethodGet + " " + u.String()
}

// Route picks the strategy for a classified GET request.
func (e *Engine) Route(kind Kind) Strategy {
	switch kind {
	case KindStaticAsset:
		return e.CacheFirst
	case KindExternalResource:
		return e.StaleWhileRevalidate
	case KindNavigation:
		return e.NetworkFirstWithFallback
	default:
		return e.NetworkFirst
	}
}

// Serve routes req by kind and records stats for the outcome.
func (e *Engine) Serve(ctx context.Context, kind Kind, req *Request) (*Response, error) {
	resp, err := e.Route(kind)(ctx, req)
	if err == nil && e.stats != nil {
		e.stats.Observe(resp.Source, len(resp.Body))
	}
	return resp, err
}

// CacheFirst serves any cached copy without revalidating it. On a miss the
// network response is stored in the static generation.
func (e *Engine) CacheFirst(ctx context.Context, req *Request) (*Response, error) {
	key := req.Key()
	if cached, ok := e.reg.Match(key, MatchOptions{}); ok {
		return cached.withSource(SourceHit), nil
	}

	resp, err := e.net.Fetch(ctx, req, FetchOptions{})
	if err != nil {
		e.log.Warn("cache-first: network failed", "url", req.URL.String(), "err", err)
		return e.unavailable("Offline content not available"), nil
	}
	if resp.OK() {
		if err := e.reg.Put(e.static, key, resp); err != nil {
			e.log.Error("cache-first: store failed", "cache", e.static, "url", req.URL.String(), "err", err)
		}
	}
	return resp.withSource(SourceNetwork), nil
}

// NetworkFirst prefers the network and stores successes in the dynamic
// generation. When the network fails and nothing is cached, the network
// error is returned.
func (e *Engine) NetworkFirst(ctx context.Context, req *Request) (*Response, error) {
	key := req.Key()
	resp, err := e.net.Fetch(ctx, req, FetchOptions{})
	if err != nil {
		e.log.Debug("network-first: network failed, trying cache", "url", req.URL.String(), "err", err)
		if cached, ok := e.reg.Match(key, MatchOptions{}); ok {
			return cached.withSource(SourceCache), nil
		}
		return nil, err
	}
	if resp.OK() {
		if err := e.reg.Put(e.dynamic, key, resp); err != nil {
			e.log.Error("network-first: store failed", "cache", e.dynamic, "url", req.URL.String(), "err", err)
		}
	}
	return resp.withSource(SourceNetwork), nil
}

// NetworkFirstWithFallback is NetworkFirst for navigations: it never fails.
// The cached root document is the first fallback, then a synthesized
// offline page.
func (e *Engine) NetworkFirstWithFallback(ctx context.Context, req *Request) (*Response, error) {
	resp, err := e.NetworkFirst(ctx, req)
	if err == nil {
		return resp, nil
	}
	e.log.Info("navigation failed, serving fallback", "url", req.URL.String(), "err", err)
	for _, k := range e.rootKeys {
		if cached, ok := e.reg.Match(k, MatchOptions{}); ok {
			return cached.withSource(SourceFallback), nil
		}
	}
	return e.offlineDoc.withSource(SourceOffline), nil
}

// StaleWhileRevalidate starts a network refresh, then answers from cache
// if it can. The refresh keeps running detached from the caller and lands
// in the dynamic generation. Only on a cache miss does the caller wait for
// the network.
func (e *Engine) StaleWhileRevalidate(ctx context.Context, req *Request) (*Response, error) {
	refresh := e.revalidate(ctx, req)

	key := req.Key()
	cached, ok := e.reg.Match(key, MatchOptions{CacheName: e.dynamic})
	if !ok {
		cached, ok = e.reg.Match(key, MatchOptions{})
	}
	if ok {
		return cached.withSource(SourceStale), nil
	}

	resp, err := refresh.Wait(ctx)
	if err == nil && resp != nil {
		return resp.withSource(SourceNetwork), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return serviceUnavailable("Resource not available offline").withSource(SourceUnavailable), nil
}

// revalidate fetches req in the background and stores a changed 2xx
// response in the dynamic generation. Concurrent refreshes of one key share
// a single fetch.
func (e *Engine) revalidate(ctx context.Context, req *Request) *Task {
	bg := context.WithoutCancel(ctx)
	key := req.Key()
	return e.life.extend(func() (*Response, error) {
		v, err, _ := e.revalidations.Do(key, func() (any, error) {
			resp, err := e.net.Fetch(bg, req, FetchOptions{})
			if err != nil {
				e.log.Debug("revalidate: network failed", "url", req.URL.String(), "err", err)
				return nil, err
			}
			if resp.OK() {
				e.storeIfChanged(e.dynamic, key, resp)
			}
			return resp, nil
		})
		if err != nil {
			return nil, err
		}
		return v.(*Response), nil
	})
}

func (e *Engine) storeIfChanged(cacheName, key string, resp *Response) {
	if cur, ok := e.reg.Match(key, MatchOptions{CacheName: cacheName}); ok && cur.Digest == resp.Digest {
		return
	}
	if err := e.reg.Put(cacheName, key, resp); err != nil {
		e.log.Error("revalidate: store failed", "cache", cacheName, "key", key, "err", err)
	}
}

// unavailable serves the cached offline page if there is one, else a 503.
func (e *Engine) unavailable(msg string) *Response {
	if e.offlineKey != "" {
		if page, ok := e.reg.Match(e.offlineKey, MatchOptions{}); ok {
			return page.withSource(SourceOffline)
		}
	}
	return serviceUnavailable(msg).withSource(SourceUnavailable)
}
