package swcache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// FetchOptions tune a single network fetch.
type FetchOptions struct {
	// Reload skips every intermediate HTTP cache and forces revalidation
	// against the origin server.
	Reload bool
}

// Fetcher is the network as seen by the strategies. An error means the
// network failed; any HTTP status, including 5xx, is a response.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request, opts FetchOptions) (*Response, error)
}

// httpFetcher fetches same-origin requests from the upstream and
// cross-origin requests from their own URL.
type httpFetcher struct {
	client   *http.Client
	origin   string
	upstream *url.URL
}

func newHTTPFetcher(client *http.Client, s Settings) *httpFetcher {
	return &httpFetcher{client: client, origin: originOf(s.Origin), upstream: s.Upstream}
}

// target resolves where req actually goes on the wire.
func (f *httpFetcher) target(u *url.URL) string {
	if originOf(u) != f.origin {
		return u.String()
	}
	t := *f.upstream
	t.Path = strings.TrimRight(f.upstream.Path, "/") + u.Path
	if u.RawPath != "" {
		t.RawPath = strings.TrimRight(f.upstream.EscapedPath(), "/") + u.RawPath
	}
	t.RawQuery = u.RawQuery
	return t.String()
}

func (f *httpFetcher) Fetch(ctx context.Context, r *Request, opts FetchOptions) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, f.target(r.URL), nil)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if opts.Reload {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
		req.Header.Del("If-None-Match")
		req.Header.Del("If-Modified-Since")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	return newResponse(resp.StatusCode, h, body), nil
}

var hopByHop = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, k := range hopByHop {
		dst.Del(k)
	}
}
