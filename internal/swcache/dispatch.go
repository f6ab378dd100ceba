package swcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownEvent = errors.New("no handler for event")
	ErrWorkerClosed = errors.New("worker is shutting down")
)

type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventMessage           EventKind = "message"
	EventSync              EventKind = "sync"
	EventPeriodicSync      EventKind = "periodicsync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

// Event is one delivery from the host runtime. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind EventKind

	Request *Request // fetch
	Message Message  // message
	Tag     string   // sync, periodicsync, notificationclick
	Data    []byte   // push
	Action  string   // notificationclick
}

// HandlerFunc handles one event. Only fetch handlers produce a response.
type HandlerFunc func(ctx context.Context, ev Event) (*Response, error)

// Task is the future returned for a dispatched event. The worker does not
// shut down until every task has settled.
type Task struct {
	done chan struct{}
	resp *Response
	err  error
}

func settledTask(resp *Response, err error) *Task {
	t := &Task{done: make(chan struct{}), resp: resp, err: err}
	close(t.done)
	return t
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task settles or ctx ends. The task keeps running
// when ctx ends first.
func (t *Task) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-t.done:
		return t.resp, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lifetime tracks work that keeps the worker alive.
type lifetime struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// extend runs fn in its own goroutine and holds the worker open until it
// returns.
func (l *lifetime) extend(fn func() (*Response, error)) *Task {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return settledTask(nil, ErrWorkerClosed)
	}
	l.wg.Add(1)
	l.mu.Unlock()

	t := &Task{done: make(chan struct{})}
	go func() {
		defer l.wg.Done()
		defer close(t.done)
		defer func() {
			if p := recover(); p != nil {
				t.resp, t.err = nil, fmt.Errorf("handler panic: %v", p)
			}
		}()
		t.resp, t.err = fn()
	}()
	return t
}

// close refuses new work and waits for everything in flight.
func (l *lifetime) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}

// Dispatcher routes events to the handler registered for their kind.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventKind]HandlerFunc
	life     *lifetime
}

func newDispatcher(life *lifetime) *Dispatcher {
	return &Dispatcher{handlers: map[EventKind]HandlerFunc{}, life: life}
}

func (d *Dispatcher) Handle(kind EventKind, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) *Task {
	d.mu.RLock()
	h, ok := d.handlers[ev.Kind]
	d.mu.RUnlock()
	if !ok {
		return settledTask(nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind))
	}
	return d.life.extend(func() (*Response, error) {
		return h(ctx, ev)
	})
}
