package attachment

import (
	"bytes"
	"context"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/observe"
	"chatsync/pkg/syncerr"
	"chatsync/pkg/telemetry"
)

// Upload sends blob id to the backend as an audio message of conversationID.
// The blob is deleted only once the backend has accepted it; on failure it
// stays in place for a retry.
func (p *Pipeline) Upload(ctx context.Context, blobID, conversationID string) (models.Message, error) {
	data, err := p.opts.Blobs.ReadAll(blobID)
	if err != nil {
		return models.Message{}, err
	}
	if err := p.checkSize(int64(len(data))); err != nil {
		return models.Message{}, err
	}

	p.setStatus(func(s *observe.Status) { s.Loading = true })
	tr := telemetry.Track("attachment.upload")
	msg, err := p.api.UploadAudio(ctx, conversationID, data)
	tr.Finish(err)
	if err != nil {
		p.setStatus(func(s *observe.Status) {
			s.Loading = false
			s.Err = err
		})
		telemetry.RecordMutation("upload", "failed")
		logger.Warn("upload_failed", "conversation_id", conversationID, "blob_id", blobID, "error", err)
		return models.Message{}, err
	}
	p.setStatus(func(s *observe.Status) {
		s.Loading = false
		s.Err = nil
	})

	p.deleteBlob(blobID)
	telemetry.RecordMutation("upload", "acked")
	logger.Info("upload_done", "conversation_id", conversationID, "blob_id", blobID, "message_id", msg.ID, "size", humanize.IBytes(uint64(len(data))))
	return msg, nil
}

// AudioSender returns the remote step of an audio send: uploading the blob
// produces the server message.
func (p *Pipeline) AudioSender(conversationID, blobID string) func(ctx context.Context) (models.Message, error) {
	return func(ctx context.Context) (models.Message, error) {
		return p.Upload(ctx, blobID, conversationID)
	}
}

// Import stores pre-recorded audio as a blob.
func (p *Pipeline) Import(r io.Reader) (Blob, error) {
	var buf bytes.Buffer
	src := r
	if p.opts.MaxUploadBytes > 0 {
		src = io.LimitReader(r, p.opts.MaxUploadBytes+1)
	}
	if _, err := io.Copy(&buf, src); err != nil {
		return Blob{}, syncerr.Wrapf(syncerr.ErrInvalidOperation, err, "read audio")
	}
	if buf.Len() == 0 {
		return Blob{}, syncerr.Newf(syncerr.ErrInvalidOperation, "empty audio")
	}
	if err := p.checkSize(int64(buf.Len())); err != nil {
		return Blob{}, err
	}

	id := uuid.NewString()
	w, err := p.opts.Blobs.Create(id)
	if err != nil {
		return Blob{}, err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		_ = w.Close()
		p.deleteBlob(id)
		return Blob{}, err
	}
	if err := w.Close(); err != nil {
		return Blob{}, err
	}
	logger.Debug("blob_imported", "blob_id", id, "size", humanize.IBytes(uint64(buf.Len())))
	return Blob{ID: id, Size: int64(buf.Len())}, nil
}

func (p *Pipeline) checkSize(n int64) error {
	if p.opts.MaxUploadBytes > 0 && n > p.opts.MaxUploadBytes {
		return syncerr.Newf(syncerr.ErrInvalidOperation, "audio is %s, limit is %s",
			humanize.IBytes(uint64(n)), humanize.IBytes(uint64(p.opts.MaxUploadBytes)))
	}
	return nil
}
