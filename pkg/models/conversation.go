package models

import (
	"sort"
	"time"
)

type Conversation struct {
	ID string `json:"id"`
	// Participants holds at least two identity ids, self included.
	Participants  []string  `json:"participants"`
	LastMessage   *Message  `json:"last_message,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
}

// Clone returns a deep copy so snapshots never share mutable state.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	if c.LastMessage != nil {
		m := c.LastMessage.Clone()
		out.LastMessage = &m
	}
	return out
}

// HasExactPair reports whether the conversation is between exactly a and b.
func (c Conversation) HasExactPair(a, b string) bool {
	if len(c.Participants) != 2 {
		return false
	}
	p0, p1 := c.Participants[0], c.Participants[1]
	return (p0 == a && p1 == b) || (p0 == b && p1 == a)
}

// SortByRecent orders conversations most-recent-first. Ties keep their
// existing relative order.
func SortByRecent(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
}

// CloneConversations copies a slice of conversations.
func CloneConversations(in []Conversation) []Conversation {
	out := make([]Conversation, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
