package swcache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// Request is an intercepted request as seen by the classifier and the
// strategies. URL is always absolute.
type Request struct {
	Method string
	URL    *url.URL
	// Mode mirrors Sec-Fetch-Mode ("navigate", "cors", "no-cors", ...).
	Mode   string
	Header http.Header
}

// NewRequest builds a GET-style request for an absolute URL.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("request url %q is not absolute", rawURL)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return &Request{Method: strings.ToUpper(method), URL: u, Header: make(http.Header)}, nil
}

// requestFromHTTP resolves an incoming request against the worker origin.
// Absolute-form request targets (proxy requests) keep their own origin.
func requestFromHTTP(r *http.Request, origin *url.URL) *Request {
	var u *url.URL
	if r.URL.IsAbs() {
		cp := *r.URL
		u = &cp
	} else {
		u = origin.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
	}
	u.Fragment = ""
	u.RawFragment = ""
	return &Request{
		Method: r.Method,
		URL:    u,
		Mode:   r.Header.Get("Sec-Fetch-Mode"),
		Header: r.Header.Clone(),
	}
}

// Key is the cache identity of the request: method plus absolute URL.
func (r *Request) Key() string {
	return r.Method + " " + r.URL.String()
}

// Origin returns scheme://host of the request URL.
func (r *Request) Origin() string {
	return originOf(r.URL)
}

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// Response is an immutable response snapshot. Strategies share snapshots
// between concurrent callers, so nothing may mutate one after creation.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Digest digest.Digest
	// StoredAt is zero for responses that never went through the registry.
	StoredAt time.Time

	// Source tells the page how the response was produced; see X-SW-Cache.
	Source string
}

func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

func (r *Response) withSource(src string) *Response {
	cp := *r
	cp.Source = src
	return &cp
}

func newResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		Status: status,
		Header: header,
		Body:   body,
		Digest: digest.FromBytes(body),
	}
}

// CacheEntry is the persisted form of a cached response.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Digest   string
}

func entryFromResponse(resp *Response, now time.Time) CacheEntry {
	d := resp.Digest
	if d == "" {
		d = digest.FromBytes(resp.Body)
	}
	return CacheEntry{
		Status:   resp.Status,
		Header:   cloneHeader(resp.Header),
		Body:     resp.Body,
		StoredAt: now.UnixNano(),
		Digest:   d.String(),
	}
}

func (e CacheEntry) response() *Response {
	return &Response{
		Status:   e.Status,
		Header:   e.Header,
		Body:     e.Body,
		Digest:   digest.Digest(e.Digest),
		StoredAt: time.Unix(0, e.StoredAt),
	}
}

func (e CacheEntry) size() int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
