package chatcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/go-nats-chat-console/models"
)

var (
	base     = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	direct42 = models.ConversationRef{Kind: models.KindDirect, ID: 42}
	direct43 = models.ConversationRef{Kind: models.KindDirect, ID: 43}
	group7   = models.ConversationRef{Kind: models.KindGroup, ID: 7}
)

func msgAt(id int64, body string, minute int) models.Message {
	return models.Message{ID: id, Body: body, AuthorID: 1, CreatedAt: base.Add(time.Duration(minute) * time.Minute)}
}

func ids(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func bodies(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestTimeline_ResetThenAppend(t *testing.T) {
	tl := NewTimeline()
	tl.Reset(direct42, []models.Message{msgAt(1, "m1", 1), msgAt(2, "m2", 2)})
	tl.Append(msgAt(3, "m3", 3))
	tl.Append(msgAt(4, "m4", 4))

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, bodies(tl.Messages()))
	for _, m := range tl.Messages() {
		assert.Equal(t, direct42, m.Ref)
	}
}

func TestTimeline_ResetSortsAndCollapsesDuplicates(t *testing.T) {
	tl := NewTimeline()
	tl.Reset(direct42, []models.Message{msgAt(2, "b", 5), msgAt(1, "a", 1), msgAt(2, "b again", 5)})
	assert.Equal(t, []int64{1, 2}, ids(tl.Messages()))
}

func TestTimeline_AppendDropsDuplicateServerID(t *testing.T) {
	tl := NewTimeline()
	tl.Reset(direct42, []models.Message{msgAt(9, "hi", 1)})

	assert.False(t, tl.Append(msgAt(9, "hi", 1)))
	assert.Equal(t, 1, tl.Len())
}

func TestTimeline_AppendInsertsOutOfOrderMessage(t *testing.T) {
	tl := NewTimeline()
	tl.Reset(direct42, []models.Message{msgAt(1, "a", 1), msgAt(3, "c", 3)})

	require.True(t, tl.Append(msgAt(2, "b", 2)))
	assert.Equal(t, []int64{1, 2, 3}, ids(tl.Messages()))

	require.True(t, tl.Append(msgAt(4, "same time as c", 3)))
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(tl.Messages()), "equal timestamps keep insertion order")
}

func TestTimeline_UntimedPushLandsAtTail(t *testing.T) {
	tl := NewTimeline()
	tl.clock = func() time.Time { return base }
	tl.Reset(direct42, []models.Message{msgAt(1, "m1", 1), msgAt(2, "m2", 2)})

	require.True(t, tl.Append(models.Message{ID: 9, Body: "hi", AuthorID: 7}))
	require.True(t, tl.Append(models.Message{ID: 10, Body: "there", AuthorID: 7}))
	assert.Equal(t, []string{"m1", "m2", "hi", "there"}, bodies(tl.Messages()))

	msgs := tl.Messages()
	assert.Equal(t, msgs[1].CreatedAt, msgs[2].CreatedAt, "clock behind the tail borrows the tail's time")

	tl.clock = func() time.Time { return base.Add(time.Hour) }
	require.True(t, tl.Append(models.Message{ID: 11, Body: "later", AuthorID: 7}))
	msgs = tl.Messages()
	assert.Equal(t, "later", msgs[4].Body)
	assert.Equal(t, base.Add(time.Hour), msgs[4].CreatedAt)
}

func TestTimeline_RefusesForeignAndUnbound(t *testing.T) {
	tl := NewTimeline()
	assert.False(t, tl.Append(msgAt(1, "nowhere", 1)), "unbound timeline accepts nothing")

	tl.Reset(direct42, nil)
	foreign := msgAt(2, "other", 2)
	foreign.Ref = direct43
	assert.False(t, tl.Append(foreign))

	sameID := msgAt(3, "group 42", 3)
	sameID.Ref = models.ConversationRef{Kind: models.KindGroup, ID: 42}
	assert.False(t, tl.Append(sameID), "a group with the same id is a different conversation")
	assert.Equal(t, 0, tl.Len())
}

func TestTimeline_ConfirmReplacesPendingEcho(t *testing.T) {
	tl := NewTimeline()
	tl.Reset(direct42, []models.Message{msgAt(1, "a", 1)})

	echo := models.Message{ClientID: "c-1", Body: "hello", AuthorID: 5, CreatedAt: base.Add(2 * time.Minute), Pending: true}
	require.True(t, tl.Append(echo))

	var events []TimelineEvent
	tl.Listen(func(ev TimelineEvent) { events = append(events, ev) })

	confirmed := models.Message{ID: 10, ClientID: "c-1", Body: "hello", AuthorID: 5, CreatedAt: base.Add(2 * time.Minute)}
	require.True(t, tl.Append(confirmed))

	msgs := tl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(10), msgs[1].ID)
	assert.False(t, msgs[1].Pending)
	require.Len(t, events, 1)
	assert.Equal(t, EventReplaced, events[0].Kind)

	assert.False(t, tl.Append(confirmed), "second confirmation is a duplicate")
}

func TestTimeline_PushWithoutClientIDThenConfirmRemovesEcho(t *testing.T) {
	tl := NewTimeline()
	tl.Reset(direct42, nil)
	tl.Append(models.Message{ClientID: "c-1", Body: "hey", CreatedAt: base, Pending: true})

	require.True(t, tl.Append(models.Message{ID: 9, Body: "hey", CreatedAt: base}))
	assert.Equal(t, 2, tl.Len())

	require.True(t, tl.Append(models.Message{ID: 9, ClientID: "c-1", Body: "hey", CreatedAt: base}))
	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(9), msgs[0].ID)
}

func TestTimeline_DuplicatePendingClientIDIsDropped(t *testing.T) {
	tl := NewTimeline()
	tl.Reset(group7, nil)
	echo := models.Message{ClientID: "c-1", Body: "x", CreatedAt: base, Pending: true}
	require.True(t, tl.Append(echo))
	assert.False(t, tl.Append(echo))
}

func TestTimeline_MergeKeepsPendingAndPushed(t *testing.T) {
	tl := NewTimeline()
	tl.Reset(direct42, []models.Message{msgAt(1, "a", 1)})
	tl.Append(msgAt(5, "pushed", 5))
	tl.Append(models.Message{ClientID: "c-1", Body: "pending", CreatedAt: base.Add(6 * time.Minute), Pending: true})

	edited := msgAt(1, "a (edited)", 1)
	tl.Merge([]models.Message{edited, msgAt(2, "b", 2)})

	msgs := tl.Messages()
	assert.Equal(t, []string{"a (edited)", "b", "pushed", "pending"}, bodies(msgs))
	assert.True(t, msgs[3].Pending)
}

func TestTimeline_ListenUnregister(t *testing.T) {
	tl := NewTimeline()
	var n int
	cancel := tl.Listen(func(TimelineEvent) { n++ })
	tl.Reset(direct42, nil)
	tl.Append(msgAt(1, "a", 1))
	cancel()
	tl.Append(msgAt(2, "b", 2))
	assert.Equal(t, 2, n)
}

func TestTimeline_Render(t *testing.T) {
	tl := NewTimeline()
	tl.clock = func() time.Time { return base.Add(3 * time.Hour) }
	a := msgAt(1, "a", 0)
	b := msgAt(2, "b", 1)
	c := msgAt(3, "c", 2)
	c.AuthorID = 2
	tl.Reset(direct42, []models.Message{a, b, c})

	out := tl.Render(2)
	require.Len(t, out, 3)
	assert.True(t, out[0].FirstInGroup)
	assert.False(t, out[1].FirstInGroup)
	assert.True(t, out[2].FirstInGroup)
	assert.False(t, out[0].Own)
	assert.True(t, out[2].Own)
	assert.Contains(t, out[0].Label, "ago")
	assert.Equal(t, "a", tl.Messages()[0].Body, "render never mutates stored messages")
}

func TestTimestampLabel(t *testing.T) {
	assert.Equal(t, "", TimestampLabel(time.Time{}, base))
	assert.Equal(t, "just now", TimestampLabel(base, base.Add(10*time.Second)))
	assert.Equal(t, "2 hours ago", TimestampLabel(base, base.Add(2*time.Hour)))
}
