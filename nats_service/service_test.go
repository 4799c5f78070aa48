package nats_service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/karthikraju391/go-nats-chat-console/models"
	"github.com/karthikraju391/go-nats-chat-console/transport"
)

func TestSubjectFor(t *testing.T) {
	direct := transport.ChannelFor(models.ConversationRef{Kind: models.KindDirect, ID: 42})
	group := transport.ChannelFor(models.ConversationRef{Kind: models.KindGroup, ID: 42})

	assert.Equal(t, "chat.direct.42", subjectFor("chat", direct))
	assert.Equal(t, "chat.group.42", subjectFor("chat", group))
	assert.NotEqual(t, subjectFor("chat", direct), subjectFor("chat", group))
}

func TestChannelFromSubject(t *testing.T) {
	ch, ok := channelFromSubject("chat", "chat.group.7")
	assert.True(t, ok)
	assert.Equal(t, transport.Channel{Family: transport.FamilyGroup, TargetID: 7}, ch)

	for _, subject := range []string{"chat.room.7", "other.direct.7", "chat.direct", "chat.direct.x"} {
		_, ok := channelFromSubject("chat", subject)
		assert.False(t, ok, subject)
	}
}
