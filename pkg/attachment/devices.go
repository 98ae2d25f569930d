package attachment

import (
	"context"
	"io"
	"time"

	"chatsync/pkg/models"
)

// Microphone is the platform capture device. Authorization is established
// outside the engine; the pipeline only asks for the outcome.
type Microphone interface {
	Authorized() bool
	// Start begins encoding captured audio into w.
	Start(w io.Writer) (Capture, error)
}

// Capture is one running capture.
type Capture interface {
	// Stop flushes the encoder and returns the recorded duration.
	Stop() (time.Duration, error)
	Cancel() error
}

// Speaker is the platform output device.
type Speaker interface {
	Play(ctx context.Context, src Source) (Track, error)
}

// Source is what a Speaker plays: a remote reference, or the bytes of audio
// that was never uploaded.
type Source struct {
	Ref  models.AudioRef
	Data []byte
}

// Track is one playing source.
type Track interface {
	Position() time.Duration
	Duration() time.Duration
	// Done is closed when the track reaches its end or is stopped.
	Done() <-chan struct{}
	Stop()
}

// BlobStore keeps recorded audio until it is uploaded or discarded.
type BlobStore interface {
	Create(id string) (io.WriteCloser, error)
	ReadAll(id string) ([]byte, error)
	Delete(id string) error
}

// Uploader is the remote half of an audio send.
type Uploader interface {
	UploadAudio(ctx context.Context, conversationID string, payload []byte) (models.Message, error)
}
