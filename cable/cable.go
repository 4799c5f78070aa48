// Package cable is a transport speaking the ActionCable websocket protocol:
// one socket, many channel subscriptions addressed by JSON identifiers.
package cable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/karthikraju391/go-nats-chat-console/logger"
	"github.com/karthikraju391/go-nats-chat-console/transport"
)

const (
	writeWait      = 10 * time.Second
	welcomeWait    = 10 * time.Second
	reconnectMin   = 1 * time.Second
	reconnectMax   = 30 * time.Second
	channelDirect  = "ConversationChannel"
	channelGroup   = "GroupChannel"
	typeWelcome    = "welcome"
	typePing       = "ping"
	typeConfirm    = "confirm_subscription"
	typeReject     = "reject_subscription"
	typeDisconnect = "disconnect"
	cmdSubscribe   = "subscribe"
	cmdUnsubscribe = "unsubscribe"
)

// Options configures Dial.
type Options struct {
	// Header is sent with the websocket handshake (cookies, Origin, bearer token).
	Header http.Header
	// Reconnect enables the background reconnect loop after a dropped socket.
	Reconnect bool
}

// frame is every server-to-client envelope.
type frame struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

type command struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
}

type identifier struct {
	Channel        string `json:"channel"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	GroupID        int64  `json:"group_id,omitempty"`
}

// Identifier renders the subscription identifier for ch.
func Identifier(ch transport.Channel) string {
	id := identifier{Channel: channelDirect, ConversationID: ch.TargetID}
	if ch.Family == transport.FamilyGroup {
		id = identifier{Channel: channelGroup, GroupID: ch.TargetID}
	}
	data, _ := json.Marshal(id)
	return string(data)
}

// Conn is a cable connection shared by every subscription of the process.
// Local subscriptions to the same identifier share one server-side
// subscription: the first sends subscribe, the last to leave sends
// unsubscribe, and frames fan out to all of them.
type Conn struct {
	url  string
	opts Options

	writeMu   sync.Mutex
	mu        sync.Mutex
	ws        *websocket.Conn
	subs      map[string][]*subscription
	confirmed map[string]bool
	closed    bool
	done      chan struct{}
}

// Dial opens the socket and waits for the server's welcome frame.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	c := &Conn{
		url:       url,
		opts:      opts,
		subs:      make(map[string][]*subscription),
		confirmed: make(map[string]bool),
		done:      make(chan struct{}),
	}
	ws, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.ws = ws
	go c.readLoop(ws)
	return c, nil
}

func (c *Conn) connect(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial cable %s: %w", c.url, err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(welcomeWait))
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			ws.Close()
			return nil, fmt.Errorf("await cable welcome: %w", err)
		}
		if f.Type == typeWelcome {
			break
		}
	}
	_ = ws.SetReadDeadline(time.Time{})
	return ws, nil
}

// Subscribe adds a local subscription to ch. Only the first local subscription
// of an identifier sends a subscribe command. OnConnect fires once the server
// has confirmed, immediately if it already has.
func (c *Conn) Subscribe(_ context.Context, ch transport.Channel, cb transport.Callbacks) (transport.Subscription, error) {
	sub := &subscription{conn: c, channel: ch, identifier: Identifier(ch), cb: cb}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	first := len(c.subs[sub.identifier]) == 0
	c.subs[sub.identifier] = append(c.subs[sub.identifier], sub)
	confirmed := c.confirmed[sub.identifier]
	c.mu.Unlock()

	if !first {
		if confirmed && cb.OnConnect != nil {
			cb.OnConnect()
		}
		return sub, nil
	}
	if err := c.send(command{Command: cmdSubscribe, Identifier: sub.identifier}); err != nil {
		c.remove(sub)
		return nil, fmt.Errorf("subscribe %s: %w", sub.identifier, err)
	}
	return sub, nil
}

// Close tears the socket down and stops reconnecting.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	close(c.done)
	c.mu.Unlock()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		ws.Close()
	}
}

func (c *Conn) send(cmd command) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.New("cable not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(cmd)
}

// remove drops sub and reports whether it was the last local subscription of
// its identifier.
func (c *Conn) remove(sub *subscription) (last bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[sub.identifier]
	for i, s := range list {
		if s != sub {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) > 0 {
			c.subs[sub.identifier] = list
			return false
		}
		delete(c.subs, sub.identifier)
		delete(c.confirmed, sub.identifier)
		return true
	}
	return false
}

// dropIdentifier forgets every local subscription of identifier.
func (c *Conn) dropIdentifier(identifier string) []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[identifier]
	delete(c.subs, identifier)
	delete(c.confirmed, identifier)
	return list
}

func (c *Conn) lookup(identifier string) []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*subscription(nil), c.subs[identifier]...)
}

func (c *Conn) confirm(identifier string) []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[identifier]
	if len(list) > 0 {
		c.confirmed[identifier] = true
	}
	return append([]*subscription(nil), list...)
}

func (c *Conn) identifiers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

func (c *Conn) snapshot() []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*subscription
	for _, list := range c.subs {
		out = append(out, list...)
	}
	return out
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			c.dropped(ws, err)
			return
		}
		switch f.Type {
		case typePing, typeWelcome:
		case typeConfirm:
			for _, sub := range c.confirm(f.Identifier) {
				if sub.cb.OnConnect != nil {
					sub.cb.OnConnect()
				}
			}
		case typeReject:
			logger.Warn("cable_subscription_rejected", "identifier", f.Identifier)
			err := fmt.Errorf("subscription rejected: %s", f.Identifier)
			for _, sub := range c.dropIdentifier(f.Identifier) {
				if sub.cb.OnDisconnect != nil {
					sub.cb.OnDisconnect(err)
				}
			}
		case typeDisconnect:
			logger.Warn("cable_server_disconnect", "reason", f.Reason)
		case "":
			if len(f.Message) == 0 {
				continue
			}
			for _, sub := range c.lookup(f.Identifier) {
				if sub.cb.OnFrame != nil {
					sub.cb.OnFrame(f.Message)
				}
			}
		default:
			logger.Debug("cable_frame_ignored", "type", f.Type)
		}
	}
}

func (c *Conn) dropped(ws *websocket.Conn, err error) {
	ws.Close()

	c.mu.Lock()
	closed := c.closed
	if c.ws == ws {
		c.ws = nil
	}
	clear(c.confirmed)
	c.mu.Unlock()
	if closed {
		return
	}

	logger.Warn("cable_disconnected", "error", err)
	for _, sub := range c.snapshot() {
		if sub.cb.OnDisconnect != nil {
			sub.cb.OnDisconnect(err)
		}
	}
	if c.opts.Reconnect {
		go c.reconnect()
	}
}

// reconnect redials with exponential backoff and resubscribes every identifier
// that still has a local subscription.
func (c *Conn) reconnect() {
	delay := reconnectMin
	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), welcomeWait)
		ws, err := c.connect(ctx)
		cancel()
		if err != nil {
			logger.Warn("cable_reconnect_failed", "error", err, "retry_in", delay)
			delay = min(delay*2, reconnectMax)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()

		logger.Info("cable_reconnected", "url", c.url)
		go c.readLoop(ws)
		for _, id := range c.identifiers() {
			if err := c.send(command{Command: cmdSubscribe, Identifier: id}); err != nil {
				logger.Warn("cable_resubscribe_failed", "identifier", id, "error", err)
			}
		}
		return
	}
}

type subscription struct {
	conn       *Conn
	channel    transport.Channel
	identifier string
	cb         transport.Callbacks
	once       sync.Once
}

func (s *subscription) Channel() transport.Channel { return s.channel }

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if !s.conn.remove(s) {
			return
		}
		// Last local subscriber for this identifier.
		err = s.conn.send(command{Command: cmdUnsubscribe, Identifier: s.identifier})
	})
	return err
}
