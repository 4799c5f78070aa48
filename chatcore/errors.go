package chatcore

import "errors"

var (
	// ErrStale is returned when a load finishes after the view moved on.
	ErrStale = errors.New("result discarded: view switched conversation")
	// ErrNoConversation is returned by operations that need an open conversation.
	ErrNoConversation = errors.New("no conversation open")
	// ErrRateLimited is returned when a send exceeds the configured rate.
	ErrRateLimited = errors.New("sending too fast")
	// ErrViewClosed is returned by a view after Close.
	ErrViewClosed = errors.New("view closed")
)
