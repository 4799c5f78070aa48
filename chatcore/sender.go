package chatcore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/karthikraju391/go-nats-chat-console/logger"
	"github.com/karthikraju391/go-nats-chat-console/models"
)

// Sender performs optimistic sends: the message is echoed into the timeline
// before the create request is made, and the confirmed copy replaces the echo.
type Sender struct {
	backend  Backend
	timeline *Timeline
	author   models.User
	limiter  *rate.Limiter
	clock    func() time.Time
	newID    func() string
}

// NewSender returns a Sender that stamps echoes with author. limiter may be nil.
func NewSender(b Backend, tl *Timeline, author models.User, limiter *rate.Limiter) *Sender {
	return &Sender{
		backend:  b,
		timeline: tl,
		author:   author,
		limiter:  limiter,
		clock:    time.Now,
		newID:    uuid.NewString,
	}
}

// Send posts body to ref. A blank body is ignored: nothing is appended and no
// request is made. On failure the echo stays in the timeline as pending and
// the error is returned.
func (s *Sender) Send(ctx context.Context, ref models.ConversationRef, body string) (models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Message{}, nil
	}
	if err := ref.Validate(); err != nil {
		return models.Message{}, err
	}
	if s.limiter != nil && !s.limiter.Allow() {
		sendsTotal.WithLabelValues("rate_limited").Inc()
		return models.Message{}, ErrRateLimited
	}

	echo := models.Message{
		ClientID:   s.newID(),
		Body:       body,
		AuthorID:   s.author.ID,
		AuthorName: s.author.Name,
		CreatedAt:  s.clock(),
		Ref:        ref,
		Pending:    true,
	}
	s.timeline.Append(echo)

	created, err := s.backend.CreateMessage(ctx, models.NewMessageFor(ref, body, echo.ClientID))
	if err != nil {
		sendsTotal.WithLabelValues("error").Inc()
		logger.Warn("send_failed", "ref", ref.String(), "client_id", echo.ClientID, "error", err)
		return echo, fmt.Errorf("send to %s: %w", ref, err)
	}
	sendsTotal.WithLabelValues("ok").Inc()

	created.ClientID = echo.ClientID
	created.Ref = ref
	created.Pending = false
	if created.CreatedAt.IsZero() {
		created.CreatedAt = echo.CreatedAt
	}
	if created.AuthorID == 0 {
		created.AuthorID = echo.AuthorID
		created.AuthorName = echo.AuthorName
	}
	s.timeline.Append(created)
	return created, nil
}
