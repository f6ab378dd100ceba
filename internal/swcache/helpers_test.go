package swcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("network unreachable")

type fakeReply struct {
	status int
	body   string
	header http.Header
}

// fakeNet serves canned replies by absolute URL. Unknown URLs and URLs
// marked failing return errOffline.
type fakeNet struct {
	mu      sync.Mutex
	replies map[string]fakeReply
	failing map[string]bool
	offline bool
	calls   map[string]int
	reloads map[string]int
	gate    chan struct{}
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		replies: map[string]fakeReply{},
		failing: map[string]bool{},
		calls:   map[string]int{},
		reloads: map[string]int{},
	}
}

func (f *fakeNet) set(url string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	f.replies[url] = fakeReply{status: status, body: body, header: h}
}

func (f *fakeNet) fail(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[url] = true
}

func (f *fakeNet) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

// hold makes every fetch block until release is called.
func (f *fakeNet) hold() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gate = g
	var once sync.Once
	return func() { once.Do(func() { close(g) }) }
}

func (f *fakeNet) callsTo(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeNet) reloadsOf(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads[url]
}

func (f *fakeNet) Fetch(ctx context.Context, req *Request, opts FetchOptions) (*Response, error) {
	url := req.URL.String()
	f.mu.Lock()
	f.calls[url]++
	if opts.Reload {
		f.reloads[url]++
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline || f.failing[url] {
		return nil, errOffline
	}
	r, ok := f.replies[url]
	if !ok {
		return nil, errOffline
	}
	return newResponse(r.status, cloneHeader(r.header), []byte(r.body)), nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

const testConfigYAML = `
server:
  origin: "https://app.test"
  upstream: "http://upstream.test"
cache:
  prefix: "app"
  version: "v1"
manifest:
  entries:
    - "/index.html"
    - "/styles.css"
`

func testConfig(t *testing.T, yml string) Config {
	t.Helper()
	if yml == "" {
		yml = testConfigYAML
	}
	cfg, err := ParseConfig([]byte(yml))
	require.NoError(t, err)
	return cfg
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := OpenRegistry(RegistryOptions{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

type testWorld struct {
	reg     *Registry
	net     *fakeNet
	clients *Clients
	worker  *Worker
}

func newTestWorld(t *testing.T, cfg Config) *testWorld {
	t.Helper()
	tw := &testWorld{
		reg:     testRegistry(t),
		net:     newFakeNet(),
		clients: newClients(testLogger()),
	}
	tw.worker = tw.newWorker(t, cfg)
	return tw
}

func (tw *testWorld) newWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	w, err := newWorker(cfg.Settings(), cfg.Sync.Sitemaps, workerDeps{
		reg:      tw.reg,
		net:      tw.net,
		clients:  tw.clients,
		notifier: clientNotifier{clients: tw.clients},
		log:      testLogger(),
		stats:    newStatsCollector(),
	})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w
}

func mustRequest(t *testing.T, rawURL string) *Request {
	t.Helper()
	r, err := NewRequest(http.MethodGet, rawURL)
	require.NoError(t, err)
	return r
}

func okResponse(body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return newResponse(http.StatusOK, h, []byte(body))
}
