package nats_service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/karthikraju391/go-nats-chat-console/config"
	"github.com/karthikraju391/go-nats-chat-console/logger"
	"github.com/karthikraju391/go-nats-chat-console/models"
	"github.com/karthikraju391/go-nats-chat-console/transport"
)

// consumerIdleTimeout lets the server reap ephemeral consumers whose owner vanished
// without stopping them.
const consumerIdleTimeout = 30 * time.Second

// NatsService is the JetStream-backed transport. Each channel maps to one
// subject and each subscription to one ephemeral consumer filtered on it.
type NatsService struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	stream string
	prefix string

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

// NewNatsService connects to NATS and makes sure the channel stream exists.
func NewNatsService(ctx context.Context, cfg *config.Config) (*NatsService, error) {
	s := &NatsService{
		stream: cfg.StreamName,
		prefix: cfg.SubjectPrefix,
		subs:   make(map[*natsSubscription]struct{}),
	}

	nc, err := nats.Connect(cfg.NatsURL,
		nats.Name("chat-console"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
			s.broadcastDisconnect(err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats_reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	s.nc, s.js = nc, js

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, s.stream)
	if err != nil {
		logger.Info("stream_missing", "stream", s.stream)
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        s.stream,
			Description: "Live conversation and group channels",
			Subjects:    []string{s.prefix + ".>"},
			MaxAge:      24 * time.Hour,
			Storage:     jetstream.MemoryStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream '%s': %w", s.stream, err)
		}
		logger.Info("stream_created", "stream", s.stream)
	} else {
		logger.Info("stream_found", "stream", stream.CachedInfo().Config.Name)
	}

	return s, nil
}

// Close stops every consumer and drops the connection.
func (s *NatsService) Close() {
	s.mu.Lock()
	subs := make([]*natsSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
	}
}

// Subject returns the NATS subject carrying ch.
func (s *NatsService) Subject(ch transport.Channel) string {
	return subjectFor(s.prefix, ch)
}

func subjectFor(prefix string, ch transport.Channel) string {
	return prefix + "." + string(ch.Family) + "." + strconv.FormatInt(ch.TargetID, 10)
}

// channelFromSubject is the inverse of subjectFor.
func channelFromSubject(prefix, subject string) (transport.Channel, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return transport.Channel{}, false
	}
	family, id, ok := strings.Cut(rest, ".")
	if !ok {
		return transport.Channel{}, false
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return transport.Channel{}, false
	}
	switch transport.Family(family) {
	case transport.FamilyDirect, transport.FamilyGroup:
		return transport.Channel{Family: transport.Family(family), TargetID: n}, true
	}
	return transport.Channel{}, false
}

// PublishMessage broadcasts msg as a push frame on its conversation's subject.
func (s *NatsService) PublishMessage(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(models.PushFrame{Message: &msg})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.Publish(ctx, transport.ChannelFor(msg.Ref), data)
}

// Publish sends a raw frame to ch.
func (s *NatsService) Publish(ctx context.Context, ch transport.Channel, data []byte) error {
	subject := s.Subject(ch)
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to subject '%s': %w", subject, err)
	}
	logger.Debug("frame_published", "subject", subject, "bytes", len(data))
	return nil
}

// Subscribe starts an ephemeral consumer that delivers only frames published
// after the subscription was created.
func (s *NatsService) Subscribe(ctx context.Context, ch transport.Channel, cb transport.Callbacks) (transport.Subscription, error) {
	subject := s.Subject(ch)
	cons, err := s.js.CreateOrUpdateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: consumerIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for subject '%s': %w", subject, err)
	}

	sub := &natsSubscription{service: s, channel: ch, cb: cb}
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		if got, ok := channelFromSubject(s.prefix, msg.Subject()); !ok || got != ch {
			logger.Debug("frame_misrouted", "subject", msg.Subject(), "want", subject)
			return
		}
		if cb.OnFrame != nil {
			cb.OnFrame(msg.Data())
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		logger.Warn("consume_error", "subject", subject, "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from subject '%s': %w", subject, err)
	}
	sub.consumeCtx = consumeCtx

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	logger.Info("subscribed", "subject", subject)
	if cb.OnConnect != nil {
		cb.OnConnect()
	}
	return sub, nil
}

func (s *NatsService) broadcastDisconnect(err error) {
	s.mu.Lock()
	subs := make([]*natsSubscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		if sub.cb.OnDisconnect != nil {
			sub.cb.OnDisconnect(err)
		}
	}
}

type natsSubscription struct {
	service    *NatsService
	channel    transport.Channel
	cb         transport.Callbacks
	consumeCtx jetstream.ConsumeContext
	once       sync.Once
}

func (n *natsSubscription) Channel() transport.Channel { return n.channel }

func (n *natsSubscription) Unsubscribe() error {
	n.once.Do(func() {
		n.consumeCtx.Stop()
		n.service.mu.Lock()
		delete(n.service.subs, n)
		n.service.mu.Unlock()
		logger.Info("unsubscribed", "subject", n.service.Subject(n.channel))
	})
	return nil
}
