package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Sync tags.
const (
	TagBackgroundSync = "background-sync"
	TagContentSync    = "content-sync"
)

// Notification actions.
const (
	ActionExplore = "explore"
	ActionClose   = "close"
)

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type NotificationData struct {
	DateOfArrival int64  `json:"dateOfArrival"`
	PrimaryKey    string `json:"primaryKey"`
}

type Notification struct {
	Tag     string               `json:"tag"`
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    NotificationData     `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// Notifier displays and dismisses notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// clientNotifier hands notifications to connected pages, which render them.
type clientNotifier struct {
	clients *Clients
}

func (n clientNotifier) Show(_ context.Context, note Notification) error {
	if n.clients.Broadcast(Message{Type: MsgNotification, Payload: note}) == 0 {
		return ErrNoClients
	}
	return nil
}

func (n clientNotifier) Close(_ context.Context, tag string) error {
	n.clients.Broadcast(Message{Type: MsgNotificationClose, Payload: map[string]string{"tag": tag}})
	return nil
}

func (w *Worker) handleSync(ctx context.Context, ev Event) (*Response, error) {
	w.log.Info("background sync triggered", "tag", ev.Tag)
	if ev.Tag != TagBackgroundSync {
		return nil, nil
	}
	return nil, w.backgroundSync(ctx)
}

// backgroundSync flushes queued offline actions and tells every page. A
// failure is logged and left to the runtime's own redelivery.
func (w *Worker) backgroundSync(ctx context.Context) error {
	if w.hooks.FlushQueued != nil {
		if err := w.hooks.FlushQueued(ctx); err != nil {
			w.log.Error("background sync failed", "err", err)
			return err
		}
	}
	n := w.clients.Broadcast(Message{
		Type:    MsgBackgroundSync,
		Payload: map[string]string{"status": "completed"},
	})
	w.log.Debug("background sync completed", "notified", n)
	return nil
}

func (w *Worker) handlePeriodicSync(ctx context.Context, ev Event) (*Response, error) {
	if ev.Tag != TagContentSync {
		return nil, nil
	}
	if err := w.syncContent(ctx); err != nil {
		w.log.Error("content sync failed", "err", err)
		return nil, err
	}
	return nil, nil
}

func (w *Worker) syncContent(ctx context.Context) error {
	if w.hooks.ContentSync != nil {
		return w.hooks.ContentSync(ctx)
	}
	if len(w.sitemaps) == 0 {
		return nil
	}
	refreshed, failed, err := w.refreshFromSitemaps(ctx)
	if err != nil {
		return err
	}
	w.log.Info("content synced", "refreshed", refreshed, "failed", failed)
	return nil
}

func (w *Worker) handlePush(ctx context.Context, ev Event) (*Response, error) {
	if len(ev.Data) == 0 {
		return nil, nil
	}
	note := w.buildNotification(string(ev.Data))
	if err := w.notifier.Show(ctx, note); err != nil {
		w.log.Warn("failed to show notification", "tag", note.Tag, "err", err)
		return nil, err
	}
	return nil, nil
}

func (w *Worker) buildNotification(body string) Notification {
	cfg := w.s.Notifications
	return Notification{
		Tag:     uuid.NewString(),
		Title:   cfg.Title,
		Body:    body,
		Icon:    cfg.Icon,
		Badge:   cfg.Badge,
		Vibrate: append([]int(nil), cfg.Vibrate...),
		Data: NotificationData{
			DateOfArrival: time.Now().UnixMilli(),
			PrimaryKey:    "1",
		},
		Actions: []NotificationAction{
			{Action: ActionExplore, Title: cfg.ExploreTitle, Icon: cfg.Icon},
			{Action: ActionClose, Title: cfg.CloseTitle, Icon: cfg.Icon},
		},
	}
}

type clickResult struct {
	URL       string `json:"url"`
	Delivered bool   `json:"delivered"`
	ClientID  string `json:"clientId,omitempty"`
}

// handleNotificationClick dismisses the notification and sends a page to
// the reader for explore, to the root otherwise.
func (w *Worker) handleNotificationClick(ctx context.Context, ev Event) (*Response, error) {
	if err := w.notifier.Close(ctx, ev.Tag); err != nil {
		w.log.Warn("failed to close notification", "tag", ev.Tag, "err", err)
	}

	target := "/"
	if ev.Action == ActionExplore {
		target = w.s.Notifications.ExploreURL
	}
	res := clickResult{URL: target}
	c, err := w.clients.OpenWindow(target)
	switch {
	case err == nil:
		res.Delivered = true
		res.ClientID = c.ID
	case errors.Is(err, ErrNoClients):
		w.log.Info("no page to open window in", "url", target)
	default:
		return nil, err
	}

	b, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return newResponse(http.StatusOK, h, b), nil
}
