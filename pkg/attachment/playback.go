package attachment

import (
	"context"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/observe"
	"chatsync/pkg/syncerr"
	"chatsync/pkg/telemetry"
)

// Playback is one playing audio message.
type Playback struct {
	ref   models.AudioRef
	track Track
	stop  chan struct{}
	done  chan struct{}
}

func (pb *Playback) Ref() models.AudioRef { return pb.ref }

// Done is closed once the playback has ended and its final state is published.
func (pb *Playback) Done() <-chan struct{} { return pb.done }

// Stop ends the playback and waits for its final state.
func (pb *Playback) Stop() {
	select {
	case <-pb.stop:
	default:
		close(pb.stop)
	}
	<-pb.done
}

// Play starts ref, stopping whatever was playing. Position and duration are
// published every tick; at the end of the track the position returns to zero.
func (p *Pipeline) Play(ctx context.Context, ref models.AudioRef) (*Playback, error) {
	if p.opts.Speaker == nil {
		return nil, syncerr.Newf(syncerr.ErrInvalidOperation, "no audio output")
	}
	src := Source{Ref: ref}
	if blobID, ok := ref.LocalBlobID(); ok {
		data, err := p.opts.Blobs.ReadAll(blobID)
		if err != nil {
			return nil, err
		}
		src.Data = data
	}

	p.playMu.Lock()
	defer p.playMu.Unlock()
	if prev := p.playing; prev != nil {
		prev.Stop()
		p.playing = nil
	}

	track, err := p.opts.Speaker.Play(ctx, src)
	if err != nil {
		logger.Warn("playback_failed", "url", ref.URL, "error", err)
		return nil, err
	}
	pb := &Playback{ref: ref, track: track, stop: make(chan struct{}), done: make(chan struct{})}
	if !p.opts.Scope.Go(func(ctx context.Context) { p.drive(ctx, pb) }) {
		track.Stop()
		return nil, syncerr.Newf(syncerr.ErrInvalidOperation, "attachment pipeline closed")
	}
	p.playing = pb
	telemetry.RecordMutation("play", "started")
	logger.Debug("playback_started", "url", ref.URL)
	return pb, nil
}

// StopPlayback stops the active playback, if any.
func (p *Pipeline) StopPlayback() {
	p.playMu.Lock()
	pb := p.playing
	p.playing = nil
	p.playMu.Unlock()
	if pb != nil {
		pb.Stop()
	}
}

func (p *Pipeline) drive(ctx context.Context, pb *Playback) {
	ref := pb.ref
	publish := func(playing bool, pos time.Duration) {
		dur := pb.track.Duration()
		if dur <= 0 {
			dur = ref.Duration
		}
		p.opts.Playback.Publish(observe.PlaybackState{Ref: &ref, Playing: playing, Position: pos, Duration: dur})
	}
	defer close(pb.done)

	ticker := time.NewTicker(p.opts.PlaybackTick)
	defer ticker.Stop()
	publish(true, 0)
	for {
		select {
		case <-ticker.C:
			pos, dur := pb.track.Position(), pb.track.Duration()
			if dur > 0 && pos >= dur {
				publish(false, 0)
				logger.Debug("playback_ended", "url", ref.URL)
				return
			}
			publish(true, pos)
		case <-pb.track.Done():
			publish(false, 0)
			logger.Debug("playback_ended", "url", ref.URL)
			return
		case <-pb.stop:
			pb.track.Stop()
			publish(false, 0)
			return
		case <-ctx.Done():
			pb.track.Stop()
			publish(false, 0)
			return
		}
	}
}
