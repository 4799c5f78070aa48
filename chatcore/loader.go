package chatcore

import (
	"context"
	"fmt"

	"github.com/karthikraju391/go-nats-chat-console/logger"
	"github.com/karthikraju391/go-nats-chat-console/models"
)

// Backend is the REST collaborator. restapi.Client satisfies it.
type Backend interface {
	FetchConversation(ctx context.Context, id int64) (models.ConversationState, error)
	FetchGroup(ctx context.Context, id int64) (models.ConversationState, error)
	ListConversations(ctx context.Context) ([]models.DirectoryEntry, error)
	ListGroups(ctx context.Context) ([]models.DirectoryEntry, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	CreateMessage(ctx context.Context, nm models.NewMessage) (models.Message, error)
	CreateConversation(ctx context.Context, recipientID int64) (models.DirectoryEntry, error)
}

// Loader fetches the initial state of a conversation or group.
type Loader struct {
	backend Backend
}

func NewLoader(b Backend) *Loader {
	return &Loader{backend: b}
}

// Load fetches metadata and history for ref. Every returned message is
// stamped with ref.
func (l *Loader) Load(ctx context.Context, ref models.ConversationRef) (models.ConversationState, error) {
	if err := ref.Validate(); err != nil {
		return models.ConversationState{}, err
	}

	var (
		state models.ConversationState
		err   error
	)
	switch ref.Kind {
	case models.KindGroup:
		state, err = l.backend.FetchGroup(ctx, ref.ID)
	default:
		state, err = l.backend.FetchConversation(ctx, ref.ID)
	}
	if err != nil {
		loadsTotal.WithLabelValues(string(ref.Kind), "error").Inc()
		logger.Warn("load_failed", "ref", ref.String(), "error", err)
		return models.ConversationState{}, fmt.Errorf("load %s: %w", ref, err)
	}

	state.Ref = ref
	for i := range state.Messages {
		state.Messages[i].Ref = ref
	}
	loadsTotal.WithLabelValues(string(ref.Kind), "ok").Inc()
	logger.Debug("loaded", "ref", ref.String(), "messages", len(state.Messages))
	return state, nil
}
