package chatcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/karthikraju391/go-nats-chat-console/logger"
	"github.com/karthikraju391/go-nats-chat-console/models"
)

// Directory caches the navigation lists: conversations, groups and users.
type Directory struct {
	backend Backend
	clock   func() time.Time

	mu      sync.Mutex
	snap    models.Directory
	pending int64
}

func NewDirectory(b Backend) *Directory {
	return &Directory{backend: b, clock: time.Now}
}

// Refresh fetches all three lists and replaces the cache. The cache is left
// untouched if any list fails.
func (d *Directory) Refresh(ctx context.Context) (models.Directory, error) {
	var (
		wg                    sync.WaitGroup
		convs, groups         []models.DirectoryEntry
		users                 []models.User
		convErr, grpErr, uErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		convs, convErr = d.backend.ListConversations(ctx)
	}()
	go func() {
		defer wg.Done()
		groups, grpErr = d.backend.ListGroups(ctx)
	}()
	go func() {
		defer wg.Done()
		users, uErr = d.backend.ListUsers(ctx)
	}()
	wg.Wait()

	if err := errors.Join(convErr, grpErr, uErr); err != nil {
		logger.Warn("directory_refresh_failed", "error", err)
		return d.Snapshot(), fmt.Errorf("refresh directory: %w", err)
	}

	snap := models.Directory{
		Conversations: convs,
		Groups:        groups,
		Users:         users,
		RefreshedAt:   d.clock(),
	}
	d.mu.Lock()
	d.snap = snap
	d.mu.Unlock()
	logger.Debug("directory_refreshed", "conversations", len(convs), "groups", len(groups), "users", len(users))
	return snap, nil
}

// Snapshot returns the cached lists without a network round-trip.
func (d *Directory) Snapshot() models.Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	return models.Directory{
		Conversations: append([]models.DirectoryEntry(nil), d.snap.Conversations...),
		Groups:        append([]models.DirectoryEntry(nil), d.snap.Groups...),
		Users:         append([]models.User(nil), d.snap.Users...),
		RefreshedAt:   d.snap.RefreshedAt,
	}
}

// RequestConversation records that a direct conversation with recipientID
// should be created. Only the latest request is kept.
func (d *Directory) RequestConversation(recipientID int64) {
	d.mu.Lock()
	d.pending = recipientID
	d.mu.Unlock()
}

// Pending returns the recipient awaiting a new conversation, or zero.
func (d *Directory) Pending() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// ResolvePending creates the requested conversation, if any. The request is
// cleared on success so a repeated call does not create it twice. ok is false
// when nothing was pending.
func (d *Directory) ResolvePending(ctx context.Context) (entry models.DirectoryEntry, ok bool, err error) {
	recipient := d.Pending()
	if recipient == 0 {
		return models.DirectoryEntry{}, false, nil
	}
	entry, err = d.backend.CreateConversation(ctx, recipient)
	if err != nil {
		return models.DirectoryEntry{}, true, fmt.Errorf("start conversation with %d: %w", recipient, err)
	}

	d.mu.Lock()
	if d.pending == recipient {
		d.pending = 0
	}
	if !containsEntry(d.snap.Conversations, entry) {
		d.snap.Conversations = append(d.snap.Conversations, entry)
	}
	d.mu.Unlock()
	logger.Info("conversation_started", "recipient", recipient, "conversation", entry.ID)
	return entry, true, nil
}

// StartConversation requests and immediately resolves a new direct
// conversation with recipientID.
func (d *Directory) StartConversation(ctx context.Context, recipientID int64) (models.DirectoryEntry, error) {
	if recipientID <= 0 {
		return models.DirectoryEntry{}, fmt.Errorf("%w: recipient id must be positive", models.ErrInvalidRef)
	}
	d.RequestConversation(recipientID)
	entry, _, err := d.ResolvePending(ctx)
	return entry, err
}

func containsEntry(entries []models.DirectoryEntry, e models.DirectoryEntry) bool {
	for _, x := range entries {
		if x.ID == e.ID && x.Kind == e.Kind {
			return true
		}
	}
	return false
}
