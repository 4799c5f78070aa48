package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"golang.org/x/time/rate"

	"github.com/karthikraju391/go-nats-chat-console/chatcore"
	"github.com/karthikraju391/go-nats-chat-console/config"
	"github.com/karthikraju391/go-nats-chat-console/logger"
	"github.com/karthikraju391/go-nats-chat-console/models"
	"github.com/karthikraju391/go-nats-chat-console/transport"
)

// Client commands.
const (
	cmdOpen      = "open"
	cmdClose     = "close"
	cmdSend      = "send"
	cmdDraft     = "draft"
	cmdDirectory = "directory"
	cmdStart     = "start"
	cmdRefresh   = "refresh"
)

// Server events.
const (
	evOpened    = "opened"
	evAppended  = "appended"
	evReset     = "reset"
	evDirectory = "directory"
	evClosed    = "closed"
	evError     = "error"
)

// commandTimeout bounds each REST round-trip made on behalf of a command.
const commandTimeout = 15 * time.Second

type clientCommand struct {
	Type        string `json:"type"`
	Kind        string `json:"kind,omitempty"`
	ID          int64  `json:"id,omitempty"`
	Body        string `json:"body,omitempty"`
	RecipientID int64  `json:"recipient_id,omitempty"`
}

type serverEvent struct {
	Type         string                    `json:"type"`
	Conversation *models.ConversationState `json:"conversation,omitempty"`
	Entry        *chatcore.RenderedEntry   `json:"entry,omitempty"`
	Entries      []chatcore.RenderedEntry  `json:"entries,omitempty"`
	Directory    *models.Directory         `json:"directory,omitempty"`
	Error        string                    `json:"error,omitempty"`
}

// Gateway mounts one conversation view per websocket.
type Gateway struct {
	Transport transport.Transport
	Backend   chatcore.Backend
	// DefaultUser is used when the upgrade request names no user.
	DefaultUser models.User
	// NewLimiter returns the send limiter for a new view. It may be nil.
	NewLimiter func() *rate.Limiter
}

type Client struct {
	Conn     *websocket.Conn
	View     *chatcore.View
	User     models.User
	Out      chan serverEvent // Events for the writer
	DoneChan chan struct{}    // Closed when the reader stops
}

func NewClient(conn *websocket.Conn, view *chatcore.View, user models.User) *Client {
	return &Client{
		Conn:     conn,
		View:     view,
		User:     user,
		Out:      make(chan serverEvent, 256),
		DoneChan: make(chan struct{}),
	}
}

// emit queues ev for the writer. It gives up when the socket is gone or the
// writer has been stuck for a second.
func (c *Client) emit(ev serverEvent) {
	select {
	case c.Out <- ev:
	case <-c.DoneChan:
	case <-time.After(time.Second):
		logger.Warn("ws_event_dropped", "user", c.User.ID, "type", ev.Type)
	}
}

func (c *Client) emitErr(err error) {
	c.emit(serverEvent{Type: evError, Error: err.Error()})
}

// onTimeline forwards timeline changes of the open conversation.
func (c *Client) onTimeline(ev chatcore.TimelineEvent) {
	entries := c.View.Render()
	if ev.Kind == chatcore.EventAppended {
		if entry, ok := findEntry(entries, ev.Message); ok {
			c.emit(serverEvent{Type: evAppended, Entry: &entry})
			return
		}
	}
	c.emit(serverEvent{Type: evReset, Entries: entries})
}

func findEntry(entries []chatcore.RenderedEntry, m models.Message) (chatcore.RenderedEntry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i].Message
		if (m.ID != 0 && e.ID == m.ID) || (m.ID == 0 && m.ClientID != "" && e.ClientID == m.ClientID) {
			return entries[i], true
		}
	}
	return chatcore.RenderedEntry{}, false
}

// HandleRead reads commands from the websocket and applies them to the view.
func (c *Client) HandleRead(ctx context.Context) {
	defer func() {
		logger.Debug("ws_reader_closed", "user", c.User.ID)
		close(c.DoneChan) // Signal writer to stop
	}()
	c.Conn.SetReadLimit(config.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	})

	for {
		var cmd clientCommand
		if err := c.Conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("ws_read_error", "user", c.User.ID, "error", err)
			} else {
				logger.Debug("ws_closed", "user", c.User.ID, "error", err)
			}
			return
		}
		c.apply(ctx, cmd)
	}
}

func (c *Client) apply(parent context.Context, cmd clientCommand) {
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	switch cmd.Type {
	case cmdOpen:
		kind, err := models.ParseKind(cmd.Kind)
		if err != nil {
			c.emitErr(err)
			return
		}
		c.open(c.View.OpenConversationView(ctx, models.ConversationRef{Kind: kind, ID: cmd.ID}))
	case cmdStart:
		c.open(c.View.StartConversation(ctx, cmd.RecipientID))
	case cmdClose:
		c.View.CloseConversationView()
		c.emit(serverEvent{Type: evClosed})
	case cmdSend:
		if _, err := c.View.SendMessage(ctx, cmd.Body); err != nil {
			c.emitErr(err)
		}
	case cmdDraft:
		c.View.SetDraft(cmd.Body)
	case cmdDirectory:
		dir, err := c.View.ListDirectory(ctx)
		if err != nil {
			c.emitErr(err)
		}
		c.emit(serverEvent{Type: evDirectory, Directory: &dir})
	case cmdRefresh:
		if err := c.View.Refresh(ctx); err != nil && !errors.Is(err, chatcore.ErrStale) {
			c.emitErr(err)
		}
	default:
		c.emitErr(errors.New("unknown command " + strconv.Quote(cmd.Type)))
	}
}

func (c *Client) open(state models.ConversationState, err error) {
	if errors.Is(err, chatcore.ErrStale) {
		return
	}
	if err != nil {
		c.emitErr(err)
		if state.Ref.IsZero() {
			return
		}
	}
	c.emit(serverEvent{Type: evOpened, Conversation: &state})
}

// HandleWrite writes queued events to the websocket and keeps it alive with pings.
func (c *Client) HandleWrite() {
	ticker := time.NewTicker(config.PingPeriod)
	defer func() {
		ticker.Stop()
		logger.Debug("ws_writer_closed", "user", c.User.ID)
	}()

	for {
		select {
		case ev := <-c.Out:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteJSON(ev); err != nil {
				logger.Warn("ws_write_error", "user", c.User.ID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("ws_ping_error", "user", c.User.ID, "error", err)
				return
			}

		case <-c.DoneChan:
			return
		}
	}
}

// userFor reads the user from the upgrade query, falling back to the default.
func (g *Gateway) userFor(conn *websocket.Conn) models.User {
	user := g.DefaultUser
	if id, err := strconv.ParseInt(conn.Query("user_id"), 10, 64); err == nil && id > 0 {
		user = models.User{ID: id, Name: conn.Query("user_name", "user "+strconv.FormatInt(id, 10))}
	}
	return user
}

// HandleWebSocket manages the lifecycle of one websocket: the view is mounted
// when the socket opens and closed exactly once when it ends.
func (g *Gateway) HandleWebSocket(conn *websocket.Conn) {
	user := g.userFor(conn)
	var limiter *rate.Limiter
	if g.NewLimiter != nil {
		limiter = g.NewLimiter()
	}
	view := chatcore.NewView(g.Transport, g.Backend, chatcore.ViewOptions{Me: user, SendLimiter: limiter})
	client := NewClient(conn, view, user)
	logger.Info("ws_connected", "user", user.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unlisten := view.OnMessageAppended(client.onTimeline)
	defer func() {
		unlisten()
		view.Close()
		_ = conn.Close()
		logger.Info("ws_disconnected", "user", user.ID)
	}()

	go client.HandleWrite()

	dirCtx, dirCancel := context.WithTimeout(ctx, commandTimeout)
	if dir, err := view.ListDirectory(dirCtx); err != nil {
		client.emitErr(err)
	} else {
		client.emit(serverEvent{Type: evDirectory, Directory: &dir})
	}
	dirCancel()

	client.HandleRead(ctx)
}
