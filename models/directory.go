package models

import "time"

type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// DirectoryEntry is a conversation or group shown in navigation.
type DirectoryEntry struct {
	ID          int64            `json:"id"`
	DisplayName string           `json:"display_name"`
	Kind        ConversationKind `json:"kind"`
}

func (e DirectoryEntry) Ref() ConversationRef {
	return ConversationRef{Kind: e.Kind, ID: e.ID}
}

type Directory struct {
	Conversations []DirectoryEntry `json:"conversations"`
	Groups        []DirectoryEntry `json:"groups"`
	Users         []User           `json:"users"`
	RefreshedAt   time.Time        `json:"refreshed_at"`
}

// Entries returns conversations followed by groups.
func (d Directory) Entries() []DirectoryEntry {
	out := make([]DirectoryEntry, 0, len(d.Conversations)+len(d.Groups))
	out = append(out, d.Conversations...)
	return append(out, d.Groups...)
}

// ConversationState is everything a view needs when it opens a conversation.
type ConversationState struct {
	Ref          ConversationRef `json:"ref"`
	DisplayName  string          `json:"display_name"`
	Participants []User          `json:"participants"`
	Messages     []Message       `json:"messages"`
}
