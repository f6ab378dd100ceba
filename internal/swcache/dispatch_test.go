package swcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchUnknownEvent(t *testing.T) {
	d := newDispatcher(&lifetime{})
	_, err := d.Dispatch(context.Background(), Event{Kind: "bogus"}).Wait(context.Background())
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDispatchRoutesByKind(t *testing.T) {
	d := newDispatcher(&lifetime{})
	d.Handle(EventFetch, func(ctx context.Context, ev Event) (*Response, error) {
		return okResponse(ev.Request.URL.Path), nil
	})

	resp, err := d.Dispatch(context.Background(), Event{Kind: EventFetch, Request: mustRequest(t, "https://app.test/hello")}).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/hello", string(resp.Body))
}

func TestDispatchRecoversPanics(t *testing.T) {
	d := newDispatcher(&lifetime{})
	d.Handle(EventPush, func(context.Context, Event) (*Response, error) {
		panic("bad payload")
	})

	_, err := d.Dispatch(context.Background(), Event{Kind: EventPush}).Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad payload")
}

func TestLifetimeCloseWaitsForWork(t *testing.T) {
	life := &lifetime{}
	var finished atomic.Bool
	release := make(chan struct{})

	task := life.extend(func() (*Response, error) {
		<-release
		finished.Store(true)
		return nil, nil
	})

	closed := make(chan struct{})
	go func() {
		life.close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while work was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-closed
	assert.True(t, finished.Load())
	<-task.Done()

	_, err := life.extend(func() (*Response, error) { return nil, nil }).Wait(context.Background())
	assert.ErrorIs(t, err, ErrWorkerClosed)
}

func TestTaskWaitHonorsContext(t *testing.T) {
	life := &lifetime{}
	release := make(chan struct{})
	task := life.extend(func() (*Response, error) {
		<-release
		return okResponse("late"), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := task.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	resp, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", string(resp.Body))
	life.close()
}
