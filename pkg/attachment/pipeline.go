// Package attachment records, stores, uploads and plays audio messages. It is
// the only part of the engine that holds a device: one recording and one
// playback at a time, process-wide.
package attachment

import (
	"context"
	"sync"
	"time"

	"chatsync/pkg/async"
	"chatsync/pkg/logger"
	"chatsync/pkg/observe"
)

const defaultPlaybackTick = 200 * time.Millisecond

type Options struct {
	Microphone Microphone
	Speaker    Speaker
	Blobs      BlobStore
	// MaxUploadBytes rejects larger payloads before any network call; zero
	// disables the check.
	MaxUploadBytes int64
	PlaybackTick   time.Duration

	Playback *observe.Subject[observe.PlaybackState]
	Status   *observe.Subject[observe.Status]
	Scope    *async.Scope
}

type Pipeline struct {
	api  Uploader
	opts Options

	mu       sync.Mutex
	active   *Session
	disposed bool

	playMu  sync.Mutex
	playing *Playback

	statusMu sync.Mutex
	status   observe.Status
}

func New(api Uploader, opts Options) *Pipeline {
	if opts.PlaybackTick <= 0 {
		opts.PlaybackTick = defaultPlaybackTick
	}
	if opts.Playback == nil {
		opts.Playback = observe.NewSubject(observe.PlaybackState{})
	}
	if opts.Status == nil {
		opts.Status = observe.NewSubject(observe.Status{})
	}
	if opts.Scope == nil {
		opts.Scope = async.NewScope(context.Background())
	}
	return &Pipeline{api: api, opts: opts}
}

// Dispose cancels an active recording and stops playback. Later recordings
// are refused.
func (p *Pipeline) Dispose() {
	p.mu.Lock()
	p.disposed = true
	s := p.active
	p.mu.Unlock()
	if s != nil {
		if err := p.CancelRecording(s); err != nil {
			logger.Warn("recording_dispose_failed", "blob_id", s.BlobID, "error", err)
		}
	}
	p.StopPlayback()
}

// PlaybackState returns the last published playback state.
func (p *Pipeline) PlaybackState() observe.PlaybackState {
	return p.opts.Playback.Snapshot()
}

func (p *Pipeline) setStatus(fn func(*observe.Status)) {
	p.statusMu.Lock()
	fn(&p.status)
	st := p.status
	p.statusMu.Unlock()
	p.opts.Status.Publish(st)
}
