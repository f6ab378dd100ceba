package swcache

import (
	"context"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
)

// Hooks are extension points for work the page side defines.
type Hooks struct {
	// FlushQueued replays actions queued while offline. Run on
	// background-sync.
	FlushQueued func(ctx context.Context) error
	// ContentSync refreshes content on periodic sync. When nil, configured
	// sitemaps are refreshed instead.
	ContentSync func(ctx context.Context) error
}

// Worker is one installed version: its settings, its pair of cache
// generations and the handlers for every event kind.
type Worker struct {
	s        Settings
	sitemaps []string

	reg      *Registry
	net      Fetcher
	clients  *Clients
	notifier Notifier
	hooks    Hooks
	log      *log.Logger

	classifier *Classifier
	engine     *Engine
	dispatcher *Dispatcher
	life       *lifetime

	bgSem chan struct{}

	mu          sync.Mutex
	state       State
	skipWaiting bool
	onReady     func(*Worker)
}

type workerDeps struct {
	reg      *Registry
	net      Fetcher
	clients  *Clients
	notifier Notifier
	hooks    Hooks
	log      *log.Logger
	stats    *statsCollector
}

func newWorker(s Settings, sitemaps []string, deps workerDeps) (*Worker, error) {
	cl, err := NewClassifier(s)
	if err != nil {
		return nil, err
	}
	logger := deps.log.With("version", s.Version)
	life := &lifetime{}
	engine, err := newEngine(s, deps.reg, deps.net, life, logger, deps.stats)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		s:          s,
		sitemaps:   sitemaps,
		reg:        deps.reg,
		net:        deps.net,
		clients:    deps.clients,
		notifier:   deps.notifier,
		hooks:      deps.hooks,
		log:        logger,
		classifier: cl,
		engine:     engine,
		life:       life,
		dispatcher: newDispatcher(life),
		bgSem:      make(chan struct{}, 8),
		state:      StateParsed,
	}
	d := w.dispatcher
	d.Handle(EventInstall, w.handleInstall)
	d.Handle(EventActivate, w.handleActivate)
	d.Handle(EventFetch, w.handleFetch)
	d.Handle(EventMessage, w.handleMessage)
	d.Handle(EventSync, w.handleSync)
	d.Handle(EventPeriodicSync, w.handlePeriodicSync)
	d.Handle(EventPush, w.handlePush)
	d.Handle(EventNotificationClick, w.handleNotificationClick)
	return w, nil
}

func (w *Worker) Settings() Settings { return w.s }

// Dispatch hands ev to its handler. The worker stays alive until the
// returned task settles.
func (w *Worker) Dispatch(ctx context.Context, ev Event) *Task {
	return w.dispatcher.Dispatch(ctx, ev)
}

// Close refuses new events and waits for in-flight ones, including
// detached revalidations.
func (w *Worker) Close() {
	w.life.close()
}

// handleFetch answers GET requests. A nil response means the request is
// not intercepted and goes to the network untouched.
func (w *Worker) handleFetch(ctx context.Context, ev Event) (*Response, error) {
	req := ev.Request
	if req == nil || req.Method != http.MethodGet {
		return nil, nil
	}
	kind := w.classifier.Classify(req)
	return w.engine.Serve(ctx, kind, req)
}

func (w *Worker) handleMessage(ctx context.Context, ev Event) (*Response, error) {
	switch ev.Message.Type {
	case MsgSkipWaiting:
		w.SkipWaiting()
	default:
		w.log.Debug("ignoring message", "type", ev.Message.Type)
	}
	return nil, nil
}
