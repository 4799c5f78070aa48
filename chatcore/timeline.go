package chatcore

import (
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/karthikraju391/go-nats-chat-console/models"
)

type EventKind string

const (
	EventAppended EventKind = "appended"
	EventReplaced EventKind = "replaced"
	EventReset    EventKind = "reset"
)

// TimelineEvent describes one timeline mutation. Message is set for appended
// and replaced events, Messages (a full snapshot) for reset events.
type TimelineEvent struct {
	Kind     EventKind
	Ref      models.ConversationRef
	Message  models.Message
	Messages []models.Message
}

// RenderedEntry is a message decorated for display.
type RenderedEntry struct {
	Message      models.Message `json:"message"`
	Own          bool           `json:"own"`
	FirstInGroup bool           `json:"first_in_group"`
	Label        string         `json:"label"`
}

// Timeline is the ordered, de-duplicated message sequence of the open
// conversation. It is bound to one conversation at a time: messages for any
// other conversation are refused.
//
// Entries are ordered by CreatedAt with insertion order as tie-break. No two
// entries share a server id, and no two share a client id.
type Timeline struct {
	mu        sync.Mutex
	ref       models.ConversationRef
	msgs      []models.Message
	listeners listeners[TimelineEvent]
	clock     func() time.Time
}

func NewTimeline() *Timeline {
	return &Timeline{clock: time.Now}
}

// Listen registers fn for every mutation. fn runs after the timeline lock is
// released, on the mutating goroutine.
func (t *Timeline) Listen(fn func(TimelineEvent)) func() {
	return t.listeners.add(fn)
}

func (t *Timeline) Ref() models.ConversationRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ref
}

// Messages returns a copy of the current sequence.
func (t *Timeline) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Message(nil), t.msgs...)
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// Reset binds the timeline to ref and replaces the whole sequence. A zero ref
// leaves the timeline unbound and empty.
func (t *Timeline) Reset(ref models.ConversationRef, msgs []models.Message) {
	t.mu.Lock()
	t.ref = ref
	t.msgs = t.msgs[:0:0]
	for _, m := range msgs {
		if t.indexByID(m.ID) >= 0 {
			continue
		}
		m.Ref = ref
		t.msgs = append(t.msgs, m)
	}
	sortMessages(t.msgs)
	ev := TimelineEvent{Kind: EventReset, Ref: ref, Messages: append([]models.Message(nil), t.msgs...)}
	t.mu.Unlock()

	t.listeners.emit(ev)
}

// Append adds m to the tail, or inserts it after the last entry that is not
// newer than it. A message whose server id is already present is dropped. A
// confirmed message whose client id matches a pending echo replaces that echo.
// A message without a timestamp is stamped on arrival and lands at the tail.
// Append reports whether the timeline changed.
func (t *Timeline) Append(m models.Message) bool {
	t.mu.Lock()
	ev, ok := t.applyLocked(m)
	t.mu.Unlock()

	if ok {
		t.listeners.emit(ev)
	}
	return ok
}

// Merge folds a refreshed history into the timeline without discarding
// pending echoes or pushed messages the refresh did not include.
func (t *Timeline) Merge(msgs []models.Message) {
	t.mu.Lock()
	if t.ref.IsZero() {
		t.mu.Unlock()
		timelineDropsTotal.WithLabelValues("unbound").Add(float64(len(msgs)))
		return
	}
	for _, m := range msgs {
		if m.Ref.IsZero() {
			m.Ref = t.ref
		}
		if i := t.indexByID(m.ID); i >= 0 && m.ID != 0 {
			m.ClientID = firstNonEmpty(m.ClientID, t.msgs[i].ClientID)
			t.msgs[i] = m
			continue
		}
		_, _ = t.applyLocked(m)
	}
	sortMessages(t.msgs)
	ev := TimelineEvent{Kind: EventReset, Ref: t.ref, Messages: append([]models.Message(nil), t.msgs...)}
	t.mu.Unlock()

	t.listeners.emit(ev)
}

func (t *Timeline) applyLocked(m models.Message) (TimelineEvent, bool) {
	if m.Ref.IsZero() {
		m.Ref = t.ref
	}
	if t.ref.IsZero() || m.Ref != t.ref {
		timelineDropsTotal.WithLabelValues("foreign").Inc()
		return TimelineEvent{}, false
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.arrivalLocked()
	}

	if m.ID != 0 {
		m.Pending = false
		if t.indexByID(m.ID) >= 0 {
			// The confirmed copy is already present; a pending echo of the same
			// send is now redundant.
			if j := t.pendingByClientID(m.ClientID); j >= 0 {
				t.msgs = append(t.msgs[:j], t.msgs[j+1:]...)
				return TimelineEvent{Kind: EventReset, Ref: t.ref, Messages: append([]models.Message(nil), t.msgs...)}, true
			}
			timelineDropsTotal.WithLabelValues("duplicate").Inc()
			return TimelineEvent{}, false
		}
		if j := t.pendingByClientID(m.ClientID); j >= 0 {
			t.msgs = append(t.msgs[:j], t.msgs[j+1:]...)
			t.insertLocked(m)
			return TimelineEvent{Kind: EventReplaced, Ref: t.ref, Message: m}, true
		}
	} else if m.ClientID != "" && t.indexByClientID(m.ClientID) >= 0 {
		timelineDropsTotal.WithLabelValues("duplicate").Inc()
		return TimelineEvent{}, false
	}

	t.insertLocked(m)
	return TimelineEvent{Kind: EventAppended, Ref: t.ref, Message: m}, true
}

// arrivalLocked is the timestamp given to a message that arrived without one:
// the receive time, but never earlier than the current tail, so it lands last.
func (t *Timeline) arrivalLocked() time.Time {
	now := t.clock()
	if n := len(t.msgs); n > 0 && now.Before(t.msgs[n-1].CreatedAt) {
		return t.msgs[n-1].CreatedAt
	}
	return now
}

func (t *Timeline) insertLocked(m models.Message) {
	n := len(t.msgs)
	if n == 0 || !m.CreatedAt.Before(t.msgs[n-1].CreatedAt) {
		t.msgs = append(t.msgs, m)
		return
	}
	i := sort.Search(n, func(i int) bool { return t.msgs[i].CreatedAt.After(m.CreatedAt) })
	t.msgs = append(t.msgs, models.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
}

func (t *Timeline) indexByID(id int64) int {
	if id == 0 {
		return -1
	}
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) indexByClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range t.msgs {
		if t.msgs[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

func (t *Timeline) pendingByClientID(clientID string) int {
	i := t.indexByClientID(clientID)
	if i >= 0 && t.msgs[i].Pending {
		return i
	}
	return -1
}

// Render decorates the sequence for display from the point of view of user
// me. Stored messages are not modified.
func (t *Timeline) Render(me int64) []RenderedEntry {
	msgs := t.Messages()
	now := t.clock()
	out := make([]RenderedEntry, len(msgs))
	for i, m := range msgs {
		out[i] = RenderedEntry{
			Message:      m,
			Own:          m.AuthorID == me,
			FirstInGroup: i == 0 || msgs[i-1].AuthorID != m.AuthorID,
			Label:        TimestampLabel(m.CreatedAt, now),
		}
	}
	return out
}

// TimestampLabel renders a human-readable relative time.
func TimestampLabel(at, now time.Time) string {
	if at.IsZero() {
		return ""
	}
	if now.Sub(at) < time.Minute && !at.After(now) {
		return "just now"
	}
	return humanize.RelTime(at, now, "ago", "from now")
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
