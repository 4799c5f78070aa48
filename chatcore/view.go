package chatcore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/karthikraju391/go-nats-chat-console/logger"
	"github.com/karthikraju391/go-nats-chat-console/models"
	"github.com/karthikraju391/go-nats-chat-console/transport"
)

type ViewOptions struct {
	// Me is the signed-in user; optimistic echoes are authored by it.
	Me models.User
	// SendLimiter throttles SendMessage. Nil disables throttling.
	SendLimiter *rate.Limiter
	// Clock overrides time.Now for echoes and labels.
	Clock func() time.Time
}

// ViewState is a snapshot of what a front end renders besides the timeline.
type ViewState struct {
	Ref          models.ConversationRef   `json:"ref"`
	Conversation models.ConversationState `json:"conversation"`
	Loading      bool                     `json:"loading"`
	Connected    bool                     `json:"connected"`
	Draft        string                   `json:"draft"`
	LoadErr      error                    `json:"-"`
	SubscribeErr error                    `json:"-"`
	SendErr      error                    `json:"-"`
}

// View is one mounted conversation view: at most one open conversation, its
// live subscription, its timeline and its composer draft.
//
// Every load and send is tagged with the view generation, which changes on
// each open and close. Results that come back for an older generation are
// discarded.
type View struct {
	me       models.User
	subs     *SubscriptionManager
	loader   *Loader
	timeline *Timeline
	sender   *Sender
	dir      *Directory
	disp     *dispatcher
	unlisten func()

	// switchMu serializes subscription switches without blocking readers of
	// the view state.
	switchMu sync.Mutex

	mu      sync.Mutex
	gen     uint64
	ref     models.ConversationRef
	handle  *Handle
	conv    models.ConversationState
	loading bool
	loadErr error
	subErr  error
	sendErr error
	draft   string
	closed  bool
}

func NewView(tr transport.Transport, backend Backend, opts ViewOptions) *View {
	tl := NewTimeline()
	if opts.Clock != nil {
		tl.clock = opts.Clock
	}
	sender := NewSender(backend, tl, opts.Me, opts.SendLimiter)
	if opts.Clock != nil {
		sender.clock = opts.Clock
	}
	v := &View{
		me:       opts.Me,
		subs:     NewSubscriptionManager(tr),
		loader:   NewLoader(backend),
		timeline: tl,
		sender:   sender,
		dir:      NewDirectory(backend),
		disp:     newDispatcher(),
	}
	v.unlisten = tl.Listen(v.disp.push)
	return v
}

func (v *View) Me() models.User { return v.me }

// OnMessageAppended registers fn for every timeline change of the open
// conversation. fn runs on the view's dispatch goroutine, never while a view
// lock is held, so it may call back into the view.
func (v *View) OnMessageAppended(fn func(TimelineEvent)) func() {
	return v.disp.listeners.add(fn)
}

// OnSubscription registers fn for subscription lifecycle events. fn must not
// call back into the view.
func (v *View) OnSubscription(fn func(SubscriptionEvent)) func() {
	return v.subs.Listen(fn)
}

// OpenConversationView switches the view to ref. The previous subscription is
// closed before the new one is opened, and the subscription is opened before
// history is fetched so no push in between is lost. A subscribe failure does
// not prevent the history from loading; both failures are reported.
func (v *View) OpenConversationView(ctx context.Context, ref models.ConversationRef) (models.ConversationState, error) {
	if err := ref.Validate(); err != nil {
		return models.ConversationState{}, err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return models.ConversationState{}, ErrViewClosed
	}
	v.gen++
	gen := v.gen
	v.ref = ref
	v.conv = models.ConversationState{Ref: ref}
	v.loading = true
	v.loadErr, v.subErr, v.sendErr = nil, nil, nil
	v.draft = ""
	v.timeline.Reset(ref, nil)
	v.mu.Unlock()

	subErr, err := v.subscribe(ctx, ref, gen)
	if err != nil {
		return models.ConversationState{}, err
	}

	state, err := v.loader.Load(ctx, ref)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen != gen {
		logger.Debug("view_load_discarded", "ref", ref.String())
		return models.ConversationState{}, ErrStale
	}
	v.loading = false
	if err != nil {
		v.loadErr = err
		return models.ConversationState{}, errors.Join(err, subErr)
	}
	v.timeline.Merge(state.Messages)
	state.Messages = nil
	v.conv = state
	out := state
	out.Messages = v.timeline.Messages()
	return out, subErr
}

// subscribe switches the subscription to ref unless a newer open or close has
// superseded gen, in which case it returns ErrStale. The subscribe failure, if
// any, is recorded and returned as subErr.
func (v *View) subscribe(ctx context.Context, ref models.ConversationRef, gen uint64) (subErr, err error) {
	v.switchMu.Lock()
	defer v.switchMu.Unlock()

	v.mu.Lock()
	stale := v.gen != gen
	v.mu.Unlock()
	if stale {
		return nil, ErrStale
	}

	h, subErr := v.subs.Open(ctx, ref, func(m models.Message) { v.timeline.Append(m) })

	v.mu.Lock()
	if v.gen != gen {
		v.mu.Unlock()
		v.subs.Close(h)
		return nil, ErrStale
	}
	v.handle = h
	v.subErr = subErr
	v.mu.Unlock()

	if subErr != nil {
		logger.Warn("view_subscribe_failed", "ref", ref.String(), "error", subErr)
	}
	return subErr, nil
}

// CloseConversationView tears the open conversation down. Calling it with
// nothing open does nothing.
func (v *View) CloseConversationView() {
	v.mu.Lock()
	if v.ref.IsZero() && v.handle == nil {
		v.mu.Unlock()
		return
	}
	v.gen++
	h := v.handle
	v.handle = nil
	v.ref = models.ConversationRef{}
	v.conv = models.ConversationState{}
	v.loading = false
	v.loadErr, v.subErr, v.sendErr = nil, nil, nil
	v.draft = ""
	v.timeline.Reset(models.ConversationRef{}, nil)
	v.mu.Unlock()

	// A subscribe still in flight sees the new generation and closes itself.
	v.subs.Close(h)
}

// SendMessage sends body to the open conversation. A blank body is a no-op.
// On success the draft is cleared unless it was edited while the send was in
// flight; on failure it is kept and the error is recorded in the state.
func (v *View) SendMessage(ctx context.Context, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, nil
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return models.Message{}, ErrViewClosed
	}
	ref, gen := v.ref, v.gen
	v.mu.Unlock()
	if ref.IsZero() {
		return models.Message{}, ErrNoConversation
	}

	msg, err := v.sender.Send(ctx, ref, body)

	v.mu.Lock()
	if v.gen == gen {
		v.sendErr = err
		if err == nil && v.draft == body {
			v.draft = ""
		}
	}
	v.mu.Unlock()
	return msg, err
}

func (v *View) SetDraft(body string) {
	v.mu.Lock()
	v.draft = body
	v.mu.Unlock()
}

func (v *View) Draft() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.draft
}

// Refresh reloads the open conversation and merges the result into the
// timeline without dropping pending echoes or pushes.
func (v *View) Refresh(ctx context.Context) error {
	v.mu.Lock()
	ref, gen := v.ref, v.gen
	v.mu.Unlock()
	if ref.IsZero() {
		return ErrNoConversation
	}

	state, err := v.loader.Load(ctx, ref)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen != gen {
		return ErrStale
	}
	if err != nil {
		v.loadErr = err
		return err
	}
	v.loadErr = nil
	v.timeline.Merge(state.Messages)
	state.Messages = nil
	v.conv = state
	return nil
}

// ListDirectory refreshes and returns the navigation lists.
func (v *View) ListDirectory(ctx context.Context) (models.Directory, error) {
	return v.dir.Refresh(ctx)
}

// Directory returns the cached navigation lists.
func (v *View) Directory() models.Directory {
	return v.dir.Snapshot()
}

// StartConversation creates a direct conversation with recipientID and opens it.
func (v *View) StartConversation(ctx context.Context, recipientID int64) (models.ConversationState, error) {
	entry, err := v.dir.StartConversation(ctx, recipientID)
	if err != nil {
		return models.ConversationState{}, err
	}
	return v.OpenConversationView(ctx, entry.Ref())
}

func (v *View) Messages() []models.Message {
	return v.timeline.Messages()
}

// Render returns the timeline decorated for the signed-in user.
func (v *View) Render() []RenderedEntry {
	return v.timeline.Render(v.me.ID)
}

func (v *View) State() ViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := ViewState{
		Ref:          v.ref,
		Conversation: v.conv,
		Loading:      v.loading,
		Draft:        v.draft,
		LoadErr:      v.loadErr,
		SubscribeErr: v.subErr,
		SendErr:      v.sendErr,
	}
	if v.handle != nil {
		st.Connected = v.handle.Connected()
	}
	return st
}

// Close unmounts the view: the subscription is closed and listeners stop
// receiving events. Close is idempotent and must not be called from an
// OnMessageAppended listener.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.gen++
	h := v.handle
	v.handle = nil
	v.mu.Unlock()

	v.subs.Close(h)
	v.unlisten()
	v.disp.close()
}
