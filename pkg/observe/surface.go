package observe

import (
	"time"

	"chatsync/pkg/models"
)

// Status is the loading/error signal of one operation family.
type Status struct {
	Loading bool
	Err     error
}

// ThreadView is the message list of the open conversation.
type ThreadView struct {
	ConversationID string
	Messages       []models.Message
}

type PlaybackState struct {
	Ref      *models.AudioRef
	Playing  bool
	Position time.Duration
	Duration time.Duration
}

// Surface groups every observable the engine exposes.
type Surface struct {
	Conversations   *Subject[[]models.Conversation]
	OpenThread      *Subject[ThreadView]
	DirectoryStatus *Subject[Status]
	ThreadStatus    *Subject[Status]
	AttachStatus    *Subject[Status]
	Playback        *Subject[PlaybackState]
}

func NewSurface() *Surface {
	return &Surface{
		Conversations:   NewSubject[[]models.Conversation](nil),
		OpenThread:      NewSubject(ThreadView{}),
		DirectoryStatus: NewSubject(Status{}),
		ThreadStatus:    NewSubject(Status{}),
		AttachStatus:    NewSubject(Status{}),
		Playback:        NewSubject(PlaybackState{}),
	}
}

func (s *Surface) Close() {
	s.Conversations.Close()
	s.OpenThread.Close()
	s.DirectoryStatus.Close()
	s.ThreadStatus.Close()
	s.AttachStatus.Close()
	s.Playback.Close()
}
