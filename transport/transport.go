// Package transport defines the persistent-connection collaborator the
// messaging core subscribes through. Implementations live in nats_service,
// cable and transport/memory.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/karthikraju391/go-nats-chat-console/models"
)

// ErrClosed is returned by Subscribe once the transport has been closed.
var ErrClosed = errors.New("transport closed")

// Family is the channel family a subscription belongs to. There is one family
// per conversation kind.
type Family string

const (
	FamilyDirect Family = "direct"
	FamilyGroup  Family = "group"
)

// Channel identifies one server-multiplexed stream of push frames.
type Channel struct {
	Family   Family
	TargetID int64
}

func (c Channel) String() string {
	return fmt.Sprintf("%s.%d", c.Family, c.TargetID)
}

// ChannelFor derives the channel for a conversation reference.
func ChannelFor(ref models.ConversationRef) Channel {
	if ref.Kind == models.KindGroup {
		return Channel{Family: FamilyGroup, TargetID: ref.ID}
	}
	return Channel{Family: FamilyDirect, TargetID: ref.ID}
}

// Callbacks are invoked by the transport for one subscription. Any of them may
// be nil. OnFrame receives the raw frame payload.
type Callbacks struct {
	OnConnect    func()
	OnFrame      func(data []byte)
	OnDisconnect func(err error)
}

// Subscription is a live channel subscription.
type Subscription interface {
	Channel() Channel
	Unsubscribe() error
}

// Transport is the process-wide connection shared by every subscription.
type Transport interface {
	Subscribe(ctx context.Context, ch Channel, cb Callbacks) (Subscription, error)
	Close()
}
