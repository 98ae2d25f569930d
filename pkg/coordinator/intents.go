package coordinator

import (
	"context"

	"chatsync/pkg/async"
	"chatsync/pkg/attachment"
	"chatsync/pkg/models"
	"chatsync/pkg/syncerr"
)

func (c *Coordinator) SendText(ctx context.Context, conversationID, text string) (models.Message, *async.Future[models.Message], error) {
	return c.threads.SendText(ctx, conversationID, text)
}

// SendAudio sends a stopped recording. The message shows up pending right
// away; the upload is its remote step.
func (c *Coordinator) SendAudio(ctx context.Context, conversationID string, blob attachment.Blob) (models.Message, *async.Future[models.Message], error) {
	if c.media == nil {
		return models.Message{}, nil, syncerr.Newf(syncerr.ErrInvalidOperation, "audio is not available")
	}
	ref := models.LocalAudioRef(blob.ID)
	ref.Duration = blob.Duration
	return c.threads.SendWith(ctx, conversationID, models.Payload{Audio: ref}, c.media.AudioSender(conversationID, blob.ID))
}

func (c *Coordinator) Retry(ctx context.Context, conversationID, tempID string) (models.Message, *async.Future[models.Message], error) {
	return c.threads.Retry(ctx, conversationID, tempID)
}

func (c *Coordinator) Discard(conversationID, tempID string) error {
	return c.threads.Discard(conversationID, tempID)
}

func (c *Coordinator) Edit(ctx context.Context, messageID, content string) (models.Message, error) {
	return c.threads.Edit(ctx, messageID, content)
}

func (c *Coordinator) Delete(ctx context.Context, messageID string) error {
	return c.threads.Delete(ctx, messageID)
}

func (c *Coordinator) Conversations(ctx context.Context) []models.Conversation {
	return c.dir.List(ctx)
}

func (c *Coordinator) GetOrCreate(ctx context.Context, participantID string) (models.Conversation, error) {
	return c.dir.GetOrCreate(ctx, participantID)
}

// Remove deletes a conversation, leaving it first when it is open.
func (c *Coordinator) Remove(ctx context.Context, conversationID string) *async.Future[struct{}] {
	c.Leave(conversationID)
	return c.dir.Remove(ctx, conversationID)
}

func (c *Coordinator) MarkRead(ctx context.Context, conversationID string) *async.Future[struct{}] {
	return c.dir.MarkRead(ctx, conversationID)
}

func (c *Coordinator) StartRecording() (*attachment.Session, error) {
	if c.media == nil {
		return nil, syncerr.Newf(syncerr.ErrInvalidOperation, "audio is not available")
	}
	return c.media.StartRecording()
}

func (c *Coordinator) StopRecording(s *attachment.Session) (attachment.Blob, error) {
	if c.media == nil {
		return attachment.Blob{}, syncerr.Newf(syncerr.ErrInvalidOperation, "audio is not available")
	}
	return c.media.StopRecording(s)
}

func (c *Coordinator) CancelRecording(s *attachment.Session) error {
	if c.media == nil {
		return syncerr.Newf(syncerr.ErrInvalidOperation, "audio is not available")
	}
	return c.media.CancelRecording(s)
}

func (c *Coordinator) Play(ctx context.Context, ref models.AudioRef) (*attachment.Playback, error) {
	if c.media == nil {
		return nil, syncerr.Newf(syncerr.ErrInvalidOperation, "audio is not available")
	}
	return c.media.Play(ctx, ref)
}
