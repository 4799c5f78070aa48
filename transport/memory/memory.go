// Package memory is an in-process transport. Frames published to a channel are
// delivered synchronously, in publish order, to every live subscriber.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/karthikraju391/go-nats-chat-console/models"
	"github.com/karthikraju391/go-nats-chat-console/transport"
)

type Broker struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
	closed bool

	unsubscribes atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[uint64]*subscription)}
}

type subscription struct {
	id      uint64
	broker  *Broker
	channel transport.Channel
	cb      transport.Callbacks
	done    atomic.Bool
}

func (s *subscription) Channel() transport.Channel { return s.channel }

func (s *subscription) Unsubscribe() error {
	if !s.done.CompareAndSwap(false, true) {
		return nil
	}
	s.broker.mu.Lock()
	delete(s.broker.subs, s.id)
	s.broker.mu.Unlock()
	s.broker.unsubscribes.Add(1)
	return nil
}

func (b *Broker) Subscribe(_ context.Context, ch transport.Channel, cb transport.Callbacks) (transport.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, transport.ErrClosed
	}
	b.nextID++
	sub := &subscription{id: b.nextID, broker: b, channel: ch, cb: cb}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	if cb.OnConnect != nil {
		cb.OnConnect()
	}
	return sub, nil
}

// Publish delivers a raw frame to the subscribers of ch and reports how many
// received it.
func (b *Broker) Publish(ch transport.Channel, data []byte) int {
	targets := b.subscribers(func(s *subscription) bool { return s.channel == ch })
	for _, s := range targets {
		if s.cb.OnFrame != nil {
			s.cb.OnFrame(data)
		}
	}
	return len(targets)
}

// PublishMessage wraps msg in a push frame and publishes it on the message's channel.
func (b *Broker) PublishMessage(msg models.Message) (int, error) {
	data, err := json.Marshal(models.PushFrame{Message: &msg})
	if err != nil {
		return 0, err
	}
	return b.Publish(transport.ChannelFor(msg.Ref), data), nil
}

// Disconnect simulates a connection drop reported to every subscriber.
func (b *Broker) Disconnect(err error) {
	for _, s := range b.subscribers(func(*subscription) bool { return true }) {
		if s.cb.OnDisconnect != nil {
			s.cb.OnDisconnect(err)
		}
	}
}

// Active reports the number of live subscriptions.
func (b *Broker) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Unsubscribes reports how many subscriptions have been torn down.
func (b *Broker) Unsubscribes() int64 {
	return b.unsubscribes.Load()
}

func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()
	for _, s := range subs {
		s.done.Store(true)
	}
}

func (b *Broker) subscribers(match func(*subscription) bool) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if match(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
