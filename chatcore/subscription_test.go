package chatcore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/go-nats-chat-console/models"
	"github.com/karthikraju391/go-nats-chat-console/transport"
	"github.com/karthikraju391/go-nats-chat-console/transport/memory"
)

func pushTo(t *testing.T, b *memory.Broker, ref models.ConversationRef, m models.Message) int {
	t.Helper()
	m.Ref = ref
	n, err := b.PublishMessage(m)
	require.NoError(t, err)
	return n
}

func TestSubscriptionManager_OpenBIsolatesA(t *testing.T) {
	broker := memory.NewBroker()
	m := NewSubscriptionManager(broker)
	ctx := context.Background()

	var gotA, gotB []models.Message
	ha, err := m.Open(ctx, direct42, func(msg models.Message) { gotA = append(gotA, msg) })
	require.NoError(t, err)
	hb, err := m.Open(ctx, group7, func(msg models.Message) { gotB = append(gotB, msg) })
	require.NoError(t, err)

	assert.True(t, ha.Closed())
	assert.False(t, hb.Closed())
	assert.Equal(t, 1, broker.Active())
	assert.Same(t, hb, m.Current())

	assert.Equal(t, 0, pushTo(t, broker, direct42, msgAt(1, "late for A", 1)))
	pushTo(t, broker, group7, msgAt(2, "for B", 2))

	assert.Empty(t, gotA)
	require.Len(t, gotB, 1)
	assert.Equal(t, "for B", gotB[0].Body)
	assert.Equal(t, group7, gotB[0].Ref)
}

func TestSubscriptionManager_CloseBeforeOpenOrdering(t *testing.T) {
	m := NewSubscriptionManager(memory.NewBroker())
	var events []SubscriptionEvent
	m.Listen(func(ev SubscriptionEvent) {
		if ev.Kind == SubscriptionOpened || ev.Kind == SubscriptionClosed {
			events = append(events, ev)
		}
	})

	_, err := m.Open(context.Background(), direct42, nil)
	require.NoError(t, err)
	_, err = m.Open(context.Background(), direct43, nil)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, SubscriptionEvent{Kind: SubscriptionOpened, Ref: direct42}, events[0])
	assert.Equal(t, SubscriptionEvent{Kind: SubscriptionClosed, Ref: direct42}, events[1])
	assert.Equal(t, SubscriptionEvent{Kind: SubscriptionOpened, Ref: direct43}, events[2])
}

func TestSubscriptionManager_CloseIsIdempotent(t *testing.T) {
	broker := memory.NewBroker()
	m := NewSubscriptionManager(broker)

	m.Close(nil)
	m.Close(&Handle{})

	h, err := m.Open(context.Background(), direct42, nil)
	require.NoError(t, err)
	m.Close(h)
	m.Close(h)

	assert.Equal(t, int64(1), broker.Unsubscribes())
	assert.Equal(t, 0, broker.Active())
	assert.Nil(t, m.Current())
}

func TestSubscriptionManager_FramesWithoutMessageAreDropped(t *testing.T) {
	broker := memory.NewBroker()
	m := NewSubscriptionManager(broker)

	var got []models.Message
	_, err := m.Open(context.Background(), direct42, func(msg models.Message) { got = append(got, msg) })
	require.NoError(t, err)

	ch := transport.ChannelFor(direct42)
	broker.Publish(ch, []byte(`{"message":{"id":9,"body":"hi","user_id":3}}`))
	broker.Publish(ch, []byte(`{"typing":true}`))
	broker.Publish(ch, []byte(`not json`))

	require.Len(t, got, 1)
	assert.Equal(t, int64(9), got[0].ID)
	assert.Equal(t, direct42, got[0].Ref, "ref defaults to the subscribed conversation")
}

func TestSubscriptionManager_ConnectAndDisconnectAreReported(t *testing.T) {
	broker := memory.NewBroker()
	m := NewSubscriptionManager(broker)
	var kinds []SubscriptionEventKind
	m.Listen(func(ev SubscriptionEvent) { kinds = append(kinds, ev.Kind) })

	h, err := m.Open(context.Background(), direct42, nil)
	require.NoError(t, err)
	assert.True(t, h.Connected())

	broker.Disconnect(errors.New("socket reset"))
	assert.False(t, h.Connected())
	assert.Contains(t, kinds, SubscriptionConnected)
	assert.Contains(t, kinds, SubscriptionDisconnected)

	m.Close(h)
	n := len(kinds)
	broker.Disconnect(errors.New("again"))
	assert.Len(t, kinds, n, "closed handles report nothing")
}

func TestSubscriptionManager_OpenedIsReportedBeforeConnected(t *testing.T) {
	m := NewSubscriptionManager(memory.NewBroker())
	var events []SubscriptionEvent
	m.Listen(func(ev SubscriptionEvent) { events = append(events, ev) })

	h, err := m.Open(context.Background(), direct42, nil)
	require.NoError(t, err)
	assert.True(t, h.Connected())
	assert.Equal(t, []SubscriptionEvent{
		{Kind: SubscriptionOpened, Ref: direct42},
		{Kind: SubscriptionConnected, Ref: direct42},
	}, events)
}

func TestSubscriptionManager_SubscribeFailure(t *testing.T) {
	broker := memory.NewBroker()
	broker.Close()
	m := NewSubscriptionManager(broker)

	h, err := m.Open(context.Background(), direct42, nil)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, transport.ErrClosed)

	_, err = m.Open(context.Background(), models.ConversationRef{Kind: "dm", ID: 1}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidRef)
}
