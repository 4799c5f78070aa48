package chatcore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/karthikraju391/go-nats-chat-console/logger"
	"github.com/karthikraju391/go-nats-chat-console/models"
	"github.com/karthikraju391/go-nats-chat-console/transport"
)

// Handle is one live channel subscription for one conversation. The zero value
// is a handle that was never opened; closing it is a no-op.
type Handle struct {
	ref       models.ConversationRef
	channel   transport.Channel
	onMessage func(models.Message)

	// deliverMu is held across a frame callback so Close can wait for an
	// in-flight delivery.
	deliverMu sync.Mutex

	mu        sync.Mutex
	sub       transport.Subscription
	opened    bool
	closed    bool
	connected bool
	// announced is set once the opened event has been emitted; connect
	// events seen before that are held back until then.
	announced bool
}

func (h *Handle) Ref() models.ConversationRef { return h.ref }

func (h *Handle) Channel() transport.Channel { return h.channel }

// Closed reports whether the handle has been torn down.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Connected reports whether the transport has confirmed the subscription and
// the handle is still open.
func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected && !h.closed
}

type SubscriptionEventKind string

const (
	SubscriptionOpened       SubscriptionEventKind = "opened"
	SubscriptionClosed       SubscriptionEventKind = "closed"
	SubscriptionConnected    SubscriptionEventKind = "connected"
	SubscriptionDisconnected SubscriptionEventKind = "disconnected"
)

type SubscriptionEvent struct {
	Kind SubscriptionEventKind
	Ref  models.ConversationRef
	Err  error
}

// SubscriptionManager keeps at most one channel subscription open and tears
// the previous one down before a new one is opened.
type SubscriptionManager struct {
	tr transport.Transport

	mu      sync.Mutex
	current *Handle

	listeners listeners[SubscriptionEvent]
}

func NewSubscriptionManager(tr transport.Transport) *SubscriptionManager {
	return &SubscriptionManager{tr: tr}
}

// Listen registers fn for lifecycle events. A switch always reports the close
// of the old handle before the open of the new one, and a handle's open is
// always reported before its connect. fn must not call back into the manager.
func (m *SubscriptionManager) Listen(fn func(SubscriptionEvent)) func() {
	return m.listeners.add(fn)
}

// Current returns the active handle, or nil.
func (m *SubscriptionManager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Open subscribes to the channel of ref and routes decoded messages to
// onMessage. Any handle that is still open is closed first.
func (m *SubscriptionManager) Open(ctx context.Context, ref models.ConversationRef, onMessage func(models.Message)) (*Handle, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var events []SubscriptionEvent
	if prev := m.current; prev != nil {
		m.current = nil
		if m.closeLocked(prev) {
			events = append(events, SubscriptionEvent{Kind: SubscriptionClosed, Ref: prev.ref})
		}
	}

	h := &Handle{ref: ref, channel: transport.ChannelFor(ref), onMessage: onMessage}
	sub, err := m.tr.Subscribe(ctx, h.channel, transport.Callbacks{
		OnConnect:    func() { m.connected(h) },
		OnFrame:      func(data []byte) { m.deliver(h, data) },
		OnDisconnect: func(err error) { m.disconnected(h, err) },
	})
	if err != nil {
		m.mu.Unlock()
		m.emit(events)
		return nil, fmt.Errorf("subscribe %s: %w", h.channel, err)
	}

	h.mu.Lock()
	h.sub = sub
	h.opened = true
	h.mu.Unlock()
	m.current = h
	subscriptionsActive.Inc()
	events = append(events, SubscriptionEvent{Kind: SubscriptionOpened, Ref: ref})
	m.mu.Unlock()

	logger.Debug("subscription_opened", "channel", h.channel.String())
	m.emit(events)

	h.mu.Lock()
	h.announced = true
	held := h.connected && !h.closed
	h.mu.Unlock()
	if held {
		m.announceConnected(h)
	}
	return h, nil
}

// Close tears h down. Closing a nil, never-opened or already-closed handle
// does nothing.
func (m *SubscriptionManager) Close(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	if m.current == h {
		m.current = nil
	}
	closed := m.closeLocked(h)
	m.mu.Unlock()

	if closed {
		m.emit([]SubscriptionEvent{{Kind: SubscriptionClosed, Ref: h.ref}})
	}
}

func (m *SubscriptionManager) closeLocked(h *Handle) bool {
	h.mu.Lock()
	if !h.opened || h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	sub := h.sub
	h.mu.Unlock()

	h.deliverMu.Lock()
	h.deliverMu.Unlock()

	subscriptionsActive.Dec()
	if err := sub.Unsubscribe(); err != nil {
		logger.Warn("unsubscribe_failed", "channel", h.channel.String(), "error", err)
	}
	logger.Debug("subscription_closed", "channel", h.channel.String())
	return true
}

func (m *SubscriptionManager) emit(events []SubscriptionEvent) {
	for _, ev := range events {
		m.listeners.emit(ev)
	}
}

func (m *SubscriptionManager) deliver(h *Handle, data []byte) {
	var frame models.PushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		framesTotal.WithLabelValues("malformed").Inc()
		logger.Debug("frame_malformed", "channel", h.channel.String(), "error", err)
		return
	}
	if frame.Message == nil {
		framesTotal.WithLabelValues("empty").Inc()
		return
	}

	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	if h.Closed() {
		framesTotal.WithLabelValues("closed").Inc()
		return
	}

	msg := *frame.Message
	if msg.Ref.IsZero() {
		msg.Ref = h.ref
	}
	framesTotal.WithLabelValues("delivered").Inc()
	if h.onMessage != nil {
		h.onMessage(msg)
	}
}

func (m *SubscriptionManager) connected(h *Handle) {
	h.mu.Lock()
	h.connected = true
	ready := h.announced && !h.closed
	h.mu.Unlock()
	if ready {
		m.announceConnected(h)
	}
}

func (m *SubscriptionManager) announceConnected(h *Handle) {
	logger.Info("subscription_connected", "channel", h.channel.String())
	m.listeners.emit(SubscriptionEvent{Kind: SubscriptionConnected, Ref: h.ref})
}

func (m *SubscriptionManager) disconnected(h *Handle, err error) {
	h.mu.Lock()
	h.connected = false
	ready := h.announced && !h.closed
	h.mu.Unlock()
	if !ready {
		return
	}
	disconnectsTotal.Inc()
	logger.Warn("subscription_disconnected", "channel", h.channel.String(), "error", err)
	m.listeners.emit(SubscriptionEvent{Kind: SubscriptionDisconnected, Ref: h.ref, Err: err})
}
