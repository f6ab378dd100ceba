package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

const (
	maxControlBody = 64 << 10

	// crossOriginMount is the control sub-path that forwards to allow-listed
	// hosts: <prefix>/x/<scheme>/<host>/<path>.
	crossOriginMount = "/x/"
)

// ErrNotActivated is returned for events that need an active worker before
// the first version has activated.
var ErrNotActivated = errors.New("no active worker")

var errSuperseded = errors.New("superseded by a newer update")

// Options carries the collaborators a Service does not build itself. Zero
// values get defaults.
type Options struct {
	Logger   *log.Logger
	Fetcher  Fetcher
	Notifier Notifier
	Hooks    Hooks
	// RetryInterval is the first delay before a failed install is retried
	// in the background. Defaults to 5s; later delays back off.
	RetryInterval time.Duration
}

// Service is the HTTP face of the worker. It owns the shared registry and
// client list, and the active and waiting worker versions.
type Service struct {
	cfg Config

	reg      *Registry
	clients  *Clients
	net      Fetcher
	notifier Notifier
	hooks    Hooks
	log      *log.Logger
	stats    *statsCollector
	proxy    *httputil.ReverseProxy
	retry    time.Duration

	mu        sync.Mutex // serializes version transitions
	active    atomic.Pointer[Worker]
	waiting   atomic.Pointer[Worker]
	updateSeq atomic.Uint64

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(cfg Config, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	settings := cfg.Settings()

	reg, err := OpenRegistry(RegistryOptions{
		Path:    cfg.Storage.Path,
		RAMMax:  cfg.Storage.ramMax,
		DiskMax: cfg.Storage.diskMax,
		Pinned:  func(name string) bool { return strings.Contains(name, "-static-") },
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		reg:     reg,
		clients: newClients(logger),
		net:     opts.Fetcher,
		hooks:   opts.Hooks,
		log:     logger,
		stats:   newStatsCollector(),
		retry:   opts.RetryInterval,
		stopCh:  make(chan struct{}),
	}
	if s.retry <= 0 {
		s.retry = 5 * time.Second
	}
	if s.net == nil {
		s.net = newHTTPFetcher(&http.Client{Timeout: cfg.FetchTimeout()}, settings)
	}
	s.notifier = opts.Notifier
	if s.notifier == nil {
		s.notifier = clientNotifier{clients: s.clients}
	}
	s.proxy = s.newPassThroughProxy(settings)
	s.clients.setOnEmpty(func() {
		if w := s.waiting.Load(); w != nil {
			s.log.Info("last client gone, activating waiting worker", "version", w.s.Version)
			s.promote(w)
		}
	})
	return s, nil
}

// Start brings up the configured version and starts the background loops.
// A version already activated by a previous run is resumed from storage
// without touching the network. A failed install is not fatal: the previous
// version, if any, keeps serving and the install is retried in the
// background.
func (s *Service) Start(ctx context.Context) error {
	if err := s.boot(ctx); err != nil {
		return err
	}
	if every := s.cfg.PeriodicSyncEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.periodicSyncLoop(every)
		}()
	}
	if every := s.cfg.StatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return nil
}

func (s *Service) boot(ctx context.Context) error {
	seq := s.updateSeq.Add(1)

	var rec activeRecord
	found, err := s.reg.loadRecord(activeRecordName, &rec)
	if err != nil {
		s.log.Warn("cannot read active record", "err", err)
		found = false
	}
	if found && s.resumable(s.cfg, rec) {
		s.log.Info("resuming active version", "version", rec.Version, "static", rec.StaticCache)
		return s.resume(s.cfg)
	}

	err = s.install(ctx, s.cfg, seq)
	if !errors.Is(err, ErrInstallFailed) {
		return err
	}
	if found {
		prev := s.cfg
		prev.Cache.Version = rec.Version
		if s.reg.Has(rec.StaticCache) && prev.Settings().StaticCacheName == rec.StaticCache {
			s.log.Warn("install failed, serving previous version", "version", rec.Version, "err", err)
			if err := s.resume(prev); err != nil {
				return err
			}
		}
	}
	s.retryInstall(s.cfg, seq)
	return nil
}

// resumable reports whether rec describes cfg's version with its static
// generation still on disk.
func (s *Service) resumable(cfg Config, rec activeRecord) bool {
	st := cfg.Settings()
	return rec.Version == st.Version &&
		rec.StaticCache == st.StaticCacheName &&
		rec.ManifestHash == manifestHash(st.Manifest) &&
		s.reg.Has(rec.StaticCache)
}

// resume activates cfg from its stored generations, skipping install.
func (s *Service) resume(cfg Config) error {
	w, err := s.buildWorker(cfg)
	if err != nil {
		return err
	}
	w.setState(StateInstalled)
	if !s.stage(w, 0) {
		return errSuperseded
	}
	s.promote(w)
	return nil
}

// retryInstall keeps installing cfg with exponential backoff until it
// succeeds, the service stops or another Update supersedes it.
func (s *Service) retryInstall(cfg Config, seq uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.retry
		b.MaxElapsedTime = 0

		op := func() error {
			if s.updateSeq.Load() != seq {
				return backoff.Permanent(errSuperseded)
			}
			err := s.install(ctx, cfg, seq)
			if err != nil && !errors.Is(err, ErrInstallFailed) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, next time.Duration) {
			s.log.Warn("install failed, will retry", "version", cfg.Cache.Version, "in", next, "err", err)
		}
		err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
		switch {
		case err == nil:
			s.log.Info("install succeeded after retry", "version", cfg.Cache.Version)
		case errors.Is(err, errSuperseded), ctx.Err() != nil:
		default:
			s.log.Error("giving up install", "version", cfg.Cache.Version, "err", err)
		}
	}()
}

// Update installs cfg as a new worker version. The new version waits until
// it may activate: immediately with skipWaiting, when nothing is active yet,
// or when no page is connected. Storage settings of cfg are ignored; the
// registry is shared by every version. Update cancels any pending
// background install retry.
func (s *Service) Update(ctx context.Context, cfg Config) error {
	s.updateSeq.Add(1)
	return s.install(ctx, cfg, 0)
}

// install runs the install event for cfg and stages the result. A non-zero
// seq drops the result if Update was called since seq was read.
func (s *Service) install(ctx context.Context, cfg Config, seq uint64) error {
	w, err := s.buildWorker(cfg)
	if err != nil {
		return err
	}
	if _, err := w.Dispatch(ctx, Event{Kind: EventInstall}).Wait(ctx); err != nil {
		w.Close()
		return err
	}
	if !s.stage(w, seq) {
		return errSuperseded
	}

	if w.wantsSkipWaiting() || s.active.Load() == nil || s.clients.Len() == 0 {
		s.promote(w)
	} else {
		s.log.Info("new version waiting", "version", w.s.Version, "clients", s.clients.Len())
	}
	return nil
}

func (s *Service) buildWorker(cfg Config) (*Worker, error) {
	w, err := newWorker(cfg.Settings(), cfg.Sync.Sitemaps, workerDeps{
		reg:      s.reg,
		net:      s.net,
		clients:  s.clients,
		notifier: s.notifier,
		hooks:    s.hooks,
		log:      s.log,
		stats:    s.stats,
	})
	if err != nil {
		return nil, err
	}
	w.onReady = s.promote
	return w, nil
}

// stage makes w the waiting worker, replacing any earlier one. It returns
// false and closes w when seq is stale.
func (s *Service) stage(w *Worker, seq uint64) bool {
	s.mu.Lock()
	if seq != 0 && s.updateSeq.Load() != seq {
		s.mu.Unlock()
		w.setState(StateRedundant)
		w.Close()
		return false
	}
	prev := s.waiting.Swap(w)
	s.mu.Unlock()
	if prev != nil {
		prev.setState(StateRedundant)
		prev.Close()
	}
	return true
}

// promote activates a waiting worker and makes it the one serving fetches.
// Activation completes before the swap, so no fetch sees half-cleaned
// caches under the new version.
func (s *Service) promote(w *Worker) {
	if s.waiting.Load() != w || !w.beginActivation() {
		return
	}
	ctx := context.Background()
	if _, err := w.Dispatch(ctx, Event{Kind: EventActivate}).Wait(ctx); err != nil {
		s.log.Error("activation failed", "version", w.s.Version, "err", err)
	}

	s.mu.Lock()
	if !s.waiting.CompareAndSwap(w, nil) {
		s.mu.Unlock()
		return
	}
	old := s.active.Swap(w)
	s.mu.Unlock()

	if old != nil && old != w {
		old.setState(StateRedundant)
		old.Close()
	}
}

// Active returns the worker controlling pages, or nil before the first
// activation.
func (s *Service) Active() *Worker { return s.active.Load() }

// Waiting returns the installed worker waiting to activate, if any.
func (s *Service) Waiting() *Worker { return s.waiting.Load() }

func (s *Service) Clients() *Clients { return s.clients }

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.stopOnce.Do(func() { close(s.stopCh) })
		s.wg.Wait()
		if w := s.waiting.Swap(nil); w != nil {
			w.Close()
		}
		if w := s.active.Load(); w != nil {
			w.Close()
		}
		if err := s.reg.Close(); err != nil {
			s.log.Error("close registry", "err", err)
		}
	})
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	// Tunnelled TLS is opaque and could never be cached; pages reach
	// allow-listed https hosts through the cross-origin mount instead.
	if r.Method == http.MethodConnect {
		w.Header().Set("Allow", "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS")
		http.Error(w, "CONNECT is not supported", http.StatusMethodNotAllowed)
		return
	}

	prefix := s.cfg.Server.ControlPrefix
	if !r.URL.IsAbs() && strings.HasPrefix(r.URL.Path, prefix+"/") {
		path := strings.TrimPrefix(r.URL.Path, prefix)
		if strings.HasPrefix(path, crossOriginMount) {
			s.crossOrigin(w, r)
			return
		}
		s.control(w, r, path)
		return
	}
	s.intercept(w, r)
}

// crossOrigin serves <prefix>/x/<scheme>/<host>/<path>?<query> as if the
// page had requested <scheme>://<host>/<path>?<query>. Only allow-listed
// hosts are reachable.
func (s *Service) crossOrigin(w http.ResponseWriter, r *http.Request) {
	target, err := mountTarget(r.URL, s.cfg.Server.ControlPrefix+crossOriginMount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	wk := s.active.Load()
	if wk == nil {
		http.Error(w, ErrNotActivated.Error(), http.StatusServiceUnavailable)
		return
	}
	if !wk.classifier.AllowsHost(target.Hostname()) {
		http.Error(w, "host not allowed", http.StatusForbidden)
		return
	}

	out := r.Clone(r.Context())
	out.URL = target
	out.Host = target.Host
	s.intercept(w, out)
}

func mountTarget(u *url.URL, mount string) (*url.URL, error) {
	rest := strings.TrimPrefix(u.EscapedPath(), mount)
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[1] == "" {
		return nil, errors.New("want <scheme>/<host>/<path>")
	}
	scheme, host := strings.ToLower(parts[0]), parts[1]
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parts[0])
	}
	path := "/"
	if len(parts) == 3 {
		path += parts[2]
	}
	target, err := url.Parse(scheme + "://" + host + path)
	if err != nil {
		return nil, err
	}
	if target.Host != host || target.User != nil {
		return nil, fmt.Errorf("invalid host %q", host)
	}
	target.RawQuery = u.RawQuery
	return target, nil
}

// intercept hands GET requests to the active worker and passes everything
// else through.
func (s *Service) intercept(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.proxyPass(w, r)
		return
	}

	wk := s.active.Load()
	if wk == nil {
		s.proxyPass(w, r)
		return
	}

	req := requestFromHTTP(r, wk.s.Origin)
	resp, err := wk.Dispatch(r.Context(), Event{Kind: EventFetch, Request: req}).Wait(r.Context())
	switch {
	case errors.Is(err, ErrWorkerClosed):
		s.proxyPass(w, r)
	case err != nil:
		if r.Context().Err() != nil {
			return
		}
		s.log.Warn("fetch failed", "url", req.URL.String(), "err", err)
		setCacheHeaders(w.Header(), "network-error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	case resp == nil:
		s.proxyPass(w, r)
	default:
		writeResponse(w, resp)
	}
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "X-SW-Cache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if resp.Digest != "" && w.Header().Get("ETag") == "" {
		w.Header().Set("ETag", `"`+resp.Digest.Encoded()+`"`)
	}
	setCacheHeaders(w.Header(), resp.Source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setCacheHeaders(h http.Header, source string) {
	if source != "" {
		h.Set("X-SW-Cache", source)
	}
	// Pages read this header from fetch(); CORS hides it unless exposed.
	ensureExposedHeader(h, "X-SW-Cache")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// newPassThroughProxy forwards requests the worker does not intercept.
// Method, headers and body go out unmodified; same-origin requests go to
// the upstream, absolute-form proxy requests to their own host.
func (s *Service) newPassThroughProxy(settings Settings) *httputil.ReverseProxy {
	upstream := settings.Upstream
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if pr.In.URL.IsAbs() {
				u := *pr.In.URL
				pr.Out.URL = &u
				pr.Out.Host = u.Host
			} else {
				pr.SetURL(upstream)
			}
			pr.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			setCacheHeaders(resp.Header, SourceBypass)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn("pass-through failed", "method", r.Method, "url", r.URL.String(), "err", err)
			setCacheHeaders(w.Header(), "bad-gateway")
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}

func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	s.proxy.ServeHTTP(w, r)
}

// ---- control channel ----

func (s *Service) control(w http.ResponseWriter, r *http.Request, path string) {
	switch path {
	case "/clients":
		s.serveClientStream(w, r)
		return
	case "/status":
		s.serveStatus(w, r)
		return
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch path {
	case "/message":
		var m Message
		if err := json.Unmarshal(body, &m); err != nil || m.Type == "" {
			http.Error(w, "invalid message", http.StatusBadRequest)
			return
		}
		target := s.waiting.Load()
		if target == nil {
			target = s.active.Load()
		}
		if target == nil {
			http.Error(w, "no worker", http.StatusServiceUnavailable)
			return
		}
		target.Dispatch(context.Background(), Event{Kind: EventMessage, Message: m})
		w.WriteHeader(http.StatusAccepted)

	case "/sync", "/periodicsync":
		var in struct {
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(body, &in); err != nil || in.Tag == "" {
			http.Error(w, "invalid sync request", http.StatusBadRequest)
			return
		}
		kind := EventSync
		if path == "/periodicsync" {
			kind = EventPeriodicSync
		}
		s.dispatchBackground(w, Event{Kind: kind, Tag: in.Tag})

	case "/push":
		s.dispatchBackground(w, Event{Kind: EventPush, Data: body})

	case "/notificationclick":
		var in struct {
			Tag    string `json:"tag"`
			Action string `json:"action"`
		}
		if err := json.Unmarshal(body, &in); err != nil {
			http.Error(w, "invalid notification click", http.StatusBadRequest)
			return
		}
		wk := s.active.Load()
		if wk == nil {
			http.Error(w, ErrNotActivated.Error(), http.StatusServiceUnavailable)
			return
		}
		resp, err := wk.Dispatch(context.Background(), Event{Kind: EventNotificationClick, Tag: in.Tag, Action: in.Action}).Wait(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeResponse(w, resp)

	default:
		http.NotFound(w, r)
	}
}

// dispatchBackground hands ev to the active worker without waiting; the
// worker keeps itself alive until the handler settles.
func (s *Service) dispatchBackground(w http.ResponseWriter, ev Event) {
	wk := s.active.Load()
	if wk == nil {
		http.Error(w, ErrNotActivated.Error(), http.StatusServiceUnavailable)
		return
	}
	wk.Dispatch(context.Background(), ev)
	w.WriteHeader(http.StatusAccepted)
}

// serveClientStream keeps a page connected as a Server-Sent Events stream.
func (s *Service) serveClientStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	controller := ""
	if wk := s.active.Load(); wk != nil {
		controller = wk.s.Version
	}
	c := s.clients.Connect(r.URL.Query().Get("url"), controller)
	defer s.clients.Disconnect(c.ID)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: hello\ndata: {\"id\":%q,\"controller\":%q}\n\n", c.ID, controller)
	fl.Flush()

	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stopCh:
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			fl.Flush()
		case m := <-c.Messages():
			b, err := json.Marshal(m)
			if err != nil {
				s.log.Error("encode message", "type", m.Type, "err", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			fl.Flush()
		}
	}
}

type statusView struct {
	Active  *versionView  `json:"active,omitempty"`
	Waiting *versionView  `json:"waiting,omitempty"`
	Caches  []string      `json:"caches"`
	Clients int           `json:"clients"`
	Stats   statsSnapshot `json:"stats"`
}

type versionView struct {
	Version      string `json:"version"`
	State        string `json:"state"`
	StaticCache  string `json:"staticCache"`
	DynamicCache string `json:"dynamicCache"`
}

func viewOf(w *Worker) *versionView {
	if w == nil {
		return nil
	}
	return &versionView{
		Version:      w.s.Version,
		State:        w.State().String(),
		StaticCache:  w.s.StaticCacheName,
		DynamicCache: w.s.DynamicCacheName,
	}
}

func (s *Service) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	v := statusView{
		Active:  viewOf(s.active.Load()),
		Waiting: viewOf(s.waiting.Load()),
		Caches:  s.reg.Keys(),
		Clients: s.clients.Len(),
		Stats:   s.stats.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ---- background loops ----

func (s *Service) periodicSyncLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			if wk := s.active.Load(); wk != nil {
				wk.Dispatch(context.Background(), Event{Kind: EventPeriodicSync, Tag: TagContentSync})
			}
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			ram, disk, entries := s.reg.usage()
			rss := "n/a"
			if b, ok := processRSSBytes(); ok {
				rss = humanize.IBytes(b)
			}
			s.log.Infof(
				"Caches: %d, Entries: %d, RAM usage: %s, Disk usage: %s, Resp Min/avg/max %s/%s/%s, RSS %s",
				len(s.reg.Keys()),
				entries,
				humanize.IBytes(uint64(ram)),
				humanize.IBytes(uint64(disk)),
				humanize.IBytes(ss.MinRespBytes),
				humanize.IBytes(ss.AvgRespBytes),
				humanize.IBytes(ss.MaxRespBytes),
				rss,
			)
		}
	}
}
