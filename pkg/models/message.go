package models

import (
	"strings"
	"time"
)

// TempIDPrefix marks client-generated identities that have not been
// acknowledged by the server.
const TempIDPrefix = "local-"

type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// AudioRef is the remote reference of an uploaded audio payload.
type AudioRef struct {
	URL      string        `json:"url"`
	Duration time.Duration `json:"duration,omitempty"`
}

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	// Content and AudioRef are mutually exclusive.
	Content   string     `json:"content,omitempty"`
	AudioRef  *AudioRef  `json:"audio_ref,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	IsEdited  bool       `json:"is_edited,omitempty"`
	// IsDeleted is a tombstone: content is suppressed, the row keeps its slot.
	IsDeleted     bool          `json:"is_deleted,omitempty"`
	DeliveryState DeliveryState `json:"delivery_state,omitempty"`
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

func (m Message) IsAudio() bool {
	return m.AudioRef != nil
}

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	out := m
	if m.AudioRef != nil {
		a := *m.AudioRef
		out.AudioRef = &a
	}
	if m.UpdatedAt != nil {
		t := *m.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

// Tombstoned returns m with its content suppressed.
func (m Message) Tombstoned() Message {
	out := m.Clone()
	out.IsDeleted = true
	out.Content = ""
	out.AudioRef = nil
	return out
}

func CloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// Payload is the body of an outgoing message: text or audio, never both.
type Payload struct {
	Text  string
	Audio *AudioRef
}

// LocalBlobScheme prefixes the AudioRef URL of audio that still lives in the
// local blob store.
const LocalBlobScheme = "blob:"

func LocalAudioRef(blobID string) *AudioRef {
	return &AudioRef{URL: LocalBlobScheme + blobID}
}

// LocalBlobID returns the blob id of a not yet uploaded audio payload.
func (a *AudioRef) LocalBlobID() (string, bool) {
	if a == nil || !strings.HasPrefix(a.URL, LocalBlobScheme) {
		return "", false
	}
	return strings.TrimPrefix(a.URL, LocalBlobScheme), true
}
