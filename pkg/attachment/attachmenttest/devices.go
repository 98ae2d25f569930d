// Package attachmenttest provides scripted audio devices for tests.
package attachmenttest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"chatsync/pkg/attachment"
)

// Microphone writes Payload into the blob when a capture stops.
type Microphone struct {
	mu       sync.Mutex
	denied   bool
	payload  []byte
	duration time.Duration
	starts   int
	failStop error
}

func NewMicrophone(payload []byte, d time.Duration) *Microphone {
	return &Microphone{payload: payload, duration: d}
}

// Deny withdraws authorization.
func (m *Microphone) Deny() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied = true
}

// FailStop makes the next Stop return err.
func (m *Microphone) FailStop(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStop = err
}

func (m *Microphone) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *Microphone) Authorized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.denied
}

func (m *Microphone) Start(w io.Writer) (attachment.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	return &capture{mic: m, w: w}, nil
}

type capture struct {
	mic  *Microphone
	w    io.Writer
	done bool
}

func (c *capture) Stop() (time.Duration, error) {
	if c.done {
		return 0, errors.New("capture already finished")
	}
	c.done = true
	c.mic.mu.Lock()
	payload, d, err := c.mic.payload, c.mic.duration, c.mic.failStop
	c.mic.failStop = nil
	c.mic.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if _, err := c.w.Write(payload); err != nil {
		return 0, err
	}
	return d, nil
}

func (c *capture) Cancel() error {
	c.done = true
	return nil
}

// Speaker hands out Tracks whose position the test advances.
type Speaker struct {
	mu      sync.Mutex
	tracks  []*Track
	sources []attachment.Source
}

func (s *Speaker) Play(_ context.Context, src attachment.Source) (attachment.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := src.Ref.Duration
	if d <= 0 {
		d = time.Second
	}
	t := &Track{duration: d, done: make(chan struct{})}
	s.tracks = append(s.tracks, t)
	s.sources = append(s.sources, src)
	return t, nil
}

func (s *Speaker) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Track(nil), s.tracks...)
}

func (s *Speaker) Sources() []attachment.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]attachment.Source(nil), s.sources...)
}

type Track struct {
	mu       sync.Mutex
	position time.Duration
	duration time.Duration
	stopped  bool
	done     chan struct{}
}

// Advance moves the play head; reaching the duration ends the track.
func (t *Track) Advance(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.position += d
	if t.position >= t.duration {
		t.position = t.duration
		t.stopped = true
		close(t.done)
	}
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) Position() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

func (t *Track) Duration() time.Duration { return t.duration }

func (t *Track) Done() <-chan struct{} { return t.done }

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.done)
	}
}
