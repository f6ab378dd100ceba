package swcache

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

var ErrNoClients = errors.New("no connected clients")

// Message types exchanged with pages.
const (
	MsgSkipWaiting       = "SKIP_WAITING"
	MsgBackgroundSync    = "BACKGROUND_SYNC"
	MsgControllerChange  = "CONTROLLER_CHANGE"
	MsgOpenWindow        = "OPEN_WINDOW"
	MsgNotification      = "NOTIFICATION"
	MsgNotificationClose = "NOTIFICATION_CLOSE"
)

// Message is the JSON envelope of the page/worker control channel.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Client is one connected page.
type Client struct {
	ID          string
	URL         string
	ConnectedAt time.Time

	msgs chan Message
	done chan struct{}

	mu         sync.Mutex
	controller string
}

func (c *Client) Messages() <-chan Message { return c.msgs }

// Controller is the version controlling the page, empty if none.
func (c *Client) Controller() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

// PostMessage queues m for the page. It reports false when the page is gone
// or not keeping up.
func (c *Client) PostMessage(m Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.msgs <- m:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Clients tracks the pages connected over the control channel.
type Clients struct {
	log *log.Logger

	mu      sync.Mutex
	clients map[string]*Client
	onEmpty func()
}

func newClients(logger *log.Logger) *Clients {
	return &Clients{log: logger, clients: map[string]*Client{}}
}

// Connect registers a page. controller is the version already serving it.
func (cs *Clients) Connect(pageURL, controller string) *Client {
	c := &Client{
		ID:          uuid.NewString(),
		URL:         pageURL,
		ConnectedAt: time.Now(),
		msgs:        make(chan Message, 32),
		done:        make(chan struct{}),
		controller:  controller,
	}
	cs.mu.Lock()
	cs.clients[c.ID] = c
	n := len(cs.clients)
	cs.mu.Unlock()
	cs.log.Debug("client connected", "id", c.ID, "url", pageURL, "clients", n)
	return c
}

func (cs *Clients) Disconnect(id string) {
	cs.mu.Lock()
	c, ok := cs.clients[id]
	if ok {
		delete(cs.clients, id)
		close(c.done)
	}
	empty := ok && len(cs.clients) == 0
	onEmpty := cs.onEmpty
	cs.mu.Unlock()
	if !ok {
		return
	}
	cs.log.Debug("client disconnected", "id", id)
	if empty && onEmpty != nil {
		onEmpty()
	}
}

func (cs *Clients) setOnEmpty(fn func()) {
	cs.mu.Lock()
	cs.onEmpty = fn
	cs.mu.Unlock()
}

func (cs *Clients) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.clients)
}

// MatchAll returns connected clients, oldest first.
func (cs *Clients) MatchAll() []*Client {
	cs.mu.Lock()
	out := make([]*Client, 0, len(cs.clients))
	for _, c := range cs.clients {
		out = append(out, c)
	}
	cs.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Broadcast posts m to every client and returns how many accepted it.
func (cs *Clients) Broadcast(m Message) int {
	n := 0
	for _, c := range cs.MatchAll() {
		if c.PostMessage(m) {
			n++
		} else {
			cs.log.Warn("dropped message for client", "id", c.ID, "type", m.Type)
		}
	}
	return n
}

// Claim makes version the controller of every connected page.
func (cs *Clients) Claim(version string) int {
	all := cs.MatchAll()
	for _, c := range all {
		c.mu.Lock()
		c.controller = version
		c.mu.Unlock()
		c.PostMessage(Message{Type: MsgControllerChange, Payload: map[string]string{"version": version}})
	}
	return len(all)
}

// OpenWindow asks the oldest connected page to navigate to target and
// focus itself.
func (cs *Clients) OpenWindow(target string) (*Client, error) {
	for _, c := range cs.MatchAll() {
		if c.PostMessage(Message{Type: MsgOpenWindow, Payload: map[string]string{"url": target}}) {
			return c, nil
		}
	}
	return nil, ErrNoClients
}
