package attachment

import (
	"io"
	"time"

	"github.com/google/uuid"

	"chatsync/pkg/logger"
	"chatsync/pkg/syncerr"
	"chatsync/pkg/telemetry"
	"chatsync/pkg/timeutil"
)

type SessionState int

const (
	Recording SessionState = iota
	Stopping
	Stopped
	Cancelled
)

func (s SessionState) String() string {
	switch s {
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Session is one recording. Its audio goes to the blob named BlobID.
type Session struct {
	BlobID    string
	StartedAt time.Time

	state   SessionState
	w       *countingWriter
	capture Capture
}

// Blob is a stopped recording waiting in the blob store.
type Blob struct {
	ID       string
	Size     int64
	Duration time.Duration
}

type countingWriter struct {
	w io.WriteCloser
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

// StartRecording acquires the microphone and starts a session.
func (p *Pipeline) StartRecording() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil, syncerr.Newf(syncerr.ErrInvalidOperation, "attachment pipeline disposed")
	}
	if p.active != nil {
		telemetry.RecordMutation("record", "busy")
		return nil, syncerr.Newf(syncerr.ErrResourceBusy, "recording %s already active", p.active.BlobID)
	}
	if p.opts.Microphone == nil || !p.opts.Microphone.Authorized() {
		telemetry.RecordMutation("record", "denied")
		return nil, syncerr.Newf(syncerr.ErrPermissionDenied, "microphone not authorized")
	}

	id := uuid.NewString()
	w, err := p.opts.Blobs.Create(id)
	if err != nil {
		return nil, err
	}
	cw := &countingWriter{w: w}
	capture, err := p.opts.Microphone.Start(cw)
	if err != nil {
		_ = w.Close()
		p.deleteBlob(id)
		return nil, syncerr.Wrapf(syncerr.ErrResourceBusy, err, "start capture")
	}
	s := &Session{BlobID: id, StartedAt: timeutil.Now(), state: Recording, w: cw, capture: capture}
	p.active = s
	telemetry.RecordMutation("record", "started")
	logger.Info("recording_started", "blob_id", id)
	return s, nil
}

// claim moves s out of Recording. The microphone stays held until release.
func (p *Pipeline) claim(s *Session, next SessionState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == nil || p.active != s || s.state != Recording {
		state := "nil"
		if s != nil {
			state = s.state.String()
		}
		return syncerr.Newf(syncerr.ErrInvalidOperation, "session is %s, not recording", state)
	}
	s.state = next
	return nil
}

func (p *Pipeline) release(s *Session, final SessionState) {
	p.mu.Lock()
	s.state = final
	if p.active == s {
		p.active = nil
	}
	p.mu.Unlock()
}

// StopRecording ends the session and keeps its audio as a blob until it is
// uploaded or discarded.
func (p *Pipeline) StopRecording(s *Session) (Blob, error) {
	if err := p.claim(s, Stopping); err != nil {
		return Blob{}, err
	}
	d, err := s.capture.Stop()
	if cerr := s.w.w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		p.release(s, Cancelled)
		p.deleteBlob(s.BlobID)
		telemetry.RecordMutation("record", "failed")
		logger.Warn("recording_stop_failed", "blob_id", s.BlobID, "error", err)
		return Blob{}, err
	}
	p.release(s, Stopped)
	telemetry.RecordMutation("record", "stopped")
	logger.Info("recording_stopped", "blob_id", s.BlobID, "bytes", s.w.n, "duration", d)
	return Blob{ID: s.BlobID, Size: s.w.n, Duration: d}, nil
}

// CancelRecording ends the session and drops its audio.
func (p *Pipeline) CancelRecording(s *Session) error {
	if err := p.claim(s, Stopping); err != nil {
		return err
	}
	err := s.capture.Cancel()
	_ = s.w.w.Close()
	p.deleteBlob(s.BlobID)
	p.release(s, Cancelled)
	telemetry.RecordMutation("record", "cancelled")
	logger.Info("recording_cancelled", "blob_id", s.BlobID)
	return err
}

// Recording reports whether a session holds the microphone.
func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

// DiscardBlob drops audio that will not be sent.
func (p *Pipeline) DiscardBlob(id string) {
	p.deleteBlob(id)
	logger.Debug("blob_discarded", "blob_id", id)
}

func (p *Pipeline) deleteBlob(id string) {
	if err := p.opts.Blobs.Delete(id); err != nil {
		logger.Warn("blob_delete_failed", "blob_id", id, "error", err)
	}
}
