package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidRef    = errors.New("invalid conversation reference")
	ErrInvalidTarget = errors.New("message target must be exactly one of conversation or group")
)

// ConversationKind selects between the two channel families.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

func ParseKind(s string) (ConversationKind, error) {
	switch ConversationKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindDirect:
		return KindDirect, nil
	case KindGroup:
		return KindGroup, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRef, s)
}

// ConversationRef identifies the conversation or group a view is showing.
type ConversationRef struct {
	Kind ConversationKind `json:"kind"`
	ID   int64            `json:"id"`
}

func (r ConversationRef) Validate() error {
	if r.Kind != KindDirect && r.Kind != KindGroup {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRef, r.Kind)
	}
	if r.ID <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalidRef)
	}
	return nil
}

func (r ConversationRef) IsZero() bool {
	return r == ConversationRef{}
}

func (r ConversationRef) String() string {
	return string(r.Kind) + ":" + strconv.FormatInt(r.ID, 10)
}

// Message is a chat message. ID is zero until the server has confirmed it.
type Message struct {
	ID         int64
	ClientID   string
	Body       string
	AuthorID   int64
	AuthorName string
	CreatedAt  time.Time
	Ref        ConversationRef
	// Pending marks an optimistic local echo that has not been confirmed yet.
	Pending bool
}

func (m Message) Confirmed() bool {
	return m.ID != 0
}

// wireMessage is the backend's representation of a message.
type wireMessage struct {
	ID             int64     `json:"id,omitempty"`
	ClientID       string    `json:"client_id,omitempty"`
	Body           string    `json:"body"`
	UserID         int64     `json:"user_id"`
	UserName       string    `json:"user_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	GroupID        int64     `json:"group_id,omitempty"`
	Pending        bool      `json:"pending,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:        m.ID,
		ClientID:  m.ClientID,
		Body:      m.Body,
		UserID:    m.AuthorID,
		UserName:  m.AuthorName,
		CreatedAt: m.CreatedAt,
		Pending:   m.Pending,
	}
	switch m.Ref.Kind {
	case KindDirect:
		w.ConversationID = m.Ref.ID
	case KindGroup:
		w.GroupID = m.Ref.ID
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		ID:         w.ID,
		ClientID:   w.ClientID,
		Body:       w.Body,
		AuthorID:   w.UserID,
		AuthorName: w.UserName,
		CreatedAt:  w.CreatedAt,
		Pending:    w.Pending,
	}
	switch {
	case w.GroupID != 0:
		m.Ref = ConversationRef{Kind: KindGroup, ID: w.GroupID}
	case w.ConversationID != 0:
		m.Ref = ConversationRef{Kind: KindDirect, ID: w.ConversationID}
	}
	return nil
}

// PushFrame is the payload carried by a channel broadcast. Frames without a
// message are legal and carry nothing for the timeline.
type PushFrame struct {
	Message *Message `json:"message,omitempty"`
}

// NewMessage is the body of a create-message request.
type NewMessage struct {
	Body           string `json:"body"`
	ClientID       string `json:"client_id,omitempty"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	GroupID        int64  `json:"group_id,omitempty"`
}

// NewMessageFor targets body at ref.
func NewMessageFor(ref ConversationRef, body, clientID string) NewMessage {
	nm := NewMessage{Body: body, ClientID: clientID}
	if ref.Kind == KindGroup {
		nm.GroupID = ref.ID
	} else {
		nm.ConversationID = ref.ID
	}
	return nm
}

func (n NewMessage) Validate() error {
	if (n.ConversationID == 0) == (n.GroupID == 0) {
		return ErrInvalidTarget
	}
	if strings.TrimSpace(n.Body) == "" {
		return errors.New("message body is empty")
	}
	return nil
}
