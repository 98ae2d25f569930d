// Package thread keeps one ordered message log per conversation and applies
// optimistic sends, edits and deletes against the backend. Remote
// acknowledgments of a conversation are applied in the order the mutations
// were issued, whatever order the responses arrive in.
package thread

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatsync/pkg/async"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/observe"
	"chatsync/pkg/remote"
	"chatsync/pkg/telemetry"
	"chatsync/pkg/timeutil"
)

// ReadMarker clears a conversation's unread state.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string) *async.Future[struct{}]
}

// Snapshots persists threads for warm starts.
type Snapshots interface {
	SaveThread(conversationID string, msgs []models.Message) error
	LoadThread(conversationID string) ([]models.Message, error)
}

// Sender performs the remote half of a send and returns the server message.
type Sender func(ctx context.Context) (models.Message, error)

type Options struct {
	SelfID    string
	Now       func() time.Time
	Reads     ReadMarker
	Snapshots Snapshots
	// AudioSender rebuilds the remote step of an audio send whose payload is
	// still in the local blob store, e.g. a failed send restored at startup.
	AudioSender func(conversationID, blobID string) Sender
	// OnDiscard runs when an unsent message is dropped for good.
	OnDiscard func(models.Message)
	// Scope runs remote calls; it outlives any single conversation view.
	Scope *async.Scope
}

type thread struct {
	id      string
	msgs    []models.Message
	loaded  bool
	seq     *sequencer
	subject *observe.Subject[[]models.Message]
	version uint64

	// newest version handed to subject, guarded by Store.pubMu
	published uint64

	// content before a delete, kept until the backend answers; nil once
	// confirmed. Entries are never removed on success.
	tombstones map[string]*models.Message
	edits      map[string]*editState
	outbox     map[string]Sender

	// pending messages removed locally while their send was in flight
	discarded map[string]models.Message

	// server ids of sends discarded before their ack
	hidden map[string]bool

	// ack epoch of recently acknowledged ids, so a reload that raced the
	// ack does not drop them
	epoch  uint64
	recent map[string]uint64
}

func newThread(id string) *thread {
	return &thread{
		id:         id,
		seq:        newSequencer(),
		tombstones: make(map[string]*models.Message),
		edits:      make(map[string]*editState),
		outbox:     make(map[string]Sender),
		discarded:  make(map[string]models.Message),
		hidden:     make(map[string]bool),
		recent:     make(map[string]uint64),
	}
}

func (t *thread) indexLocked(id string) int {
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *thread) removeLocked(i int) {
	t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
}

func (t *thread) snapshotLocked() ([]models.Message, uint64) {
	t.version++
	return models.CloneMessages(t.msgs), t.version
}

type Store struct {
	api   remote.API
	opts  Options
	scope *async.Scope

	mu      sync.Mutex
	threads map[string]*thread

	pubMu sync.Mutex

	lmu       sync.RWMutex
	listeners []Listener

	persistMu sync.Mutex
	saved     map[string]uint64
}

func New(api remote.API, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = timeutil.Now
	}
	if opts.Scope == nil {
		opts.Scope = async.NewScope(context.Background())
	}
	return &Store{
		api:     api,
		opts:    opts,
		scope:   opts.Scope,
		threads: make(map[string]*thread),
		saved:   make(map[string]uint64),
	}
}

// AddListener registers l for every later event.
func (s *Store) AddListener(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Close waits for in-flight remote calls and closes every subscription.
func (s *Store) Close() {
	s.scope.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		t.subject.Close()
	}
}

// threadLocked returns the thread for id, restoring it from the snapshot
// store on first use. Sends that were pending when the snapshot was taken
// come back as failed.
func (s *Store) threadLocked(id string) *thread {
	if t, ok := s.threads[id]; ok {
		return t
	}
	t := newThread(id)
	if s.opts.Snapshots != nil {
		msgs, err := s.opts.Snapshots.LoadThread(id)
		if err != nil {
			logger.Warn("thread_snapshot_load_failed", "conversation_id", id, "error", err)
		}
		for _, m := range msgs {
			if m.DeliveryState == models.DeliveryPending {
				m.DeliveryState = models.DeliveryFailed
			}
			t.msgs = append(t.msgs, m)
		}
	}
	t.subject = observe.NewSubject(models.CloneMessages(t.msgs))
	s.threads[id] = t
	return t
}

// Messages returns the current ordered snapshot of a conversation.
func (s *Store) Messages(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneMessages(s.threadLocked(conversationID).msgs)
}

// Tail returns the newest message of a conversation.
func (s *Store) Tail(conversationID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threadLocked(conversationID)
	if len(t.msgs) == 0 {
		return models.Message{}, false
	}
	return t.msgs[len(t.msgs)-1].Clone(), true
}

// Loaded reports whether the conversation was reconciled with the backend
// at least once in this process.
func (s *Store) Loaded(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	return ok && t.loaded
}

// Subscribe streams snapshots of a conversation, starting with the current one.
func (s *Store) Subscribe(conversationID string) (<-chan []models.Message, func()) {
	s.mu.Lock()
	sub := s.threadLocked(conversationID).subject
	s.mu.Unlock()
	return sub.Subscribe()
}

// Load replaces the conversation with the backend's view. Unsent local
// messages survive the reload, deleted messages stay tombstoned and edits
// still in flight stay applied. On failure the current snapshot is returned
// with the error.
func (s *Store) Load(ctx context.Context, conversationID string) ([]models.Message, error) {
	tr := telemetry.Track("thread.load")

	s.mu.Lock()
	startEpoch := s.threadLocked(conversationID).epoch
	s.mu.Unlock()

	server, err := s.api.ListMessages(ctx, conversationID)
	tr.Mark("remote")
	if err != nil {
		tr.Finish(err)
		logger.Warn("thread_load_failed", "conversation_id", conversationID, "error", err)
		return s.Messages(conversationID), err
	}

	s.mu.Lock()
	t := s.threadLocked(conversationID)
	t.msgs = t.reconcileLocked(server, startEpoch)
	t.loaded = true
	snap, ver := t.snapshotLocked()
	s.mu.Unlock()

	s.flush(t, snap, ver, &outcome{changed: true})
	tr.Finish(nil)
	logger.Debug("thread_loaded", "conversation_id", conversationID, "messages", len(snap))
	return snap, nil
}

func (t *thread) reconcileLocked(server []models.Message, startEpoch uint64) []models.Message {
	sorted := models.CloneMessages(server)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	seen := make(map[string]bool, len(sorted))
	out := make([]models.Message, 0, len(sorted)+len(t.msgs))
	for _, m := range sorted {
		if seen[m.ID] || t.hidden[m.ID] {
			continue
		}
		seen[m.ID] = true
		delete(t.recent, m.ID)
		m.ConversationID = t.id
		m.DeliveryState = models.DeliverySent
		if st := t.edits[m.ID]; st != nil {
			st.base = m.Clone()
			m = st.view()
		}
		if _, gone := t.tombstones[m.ID]; gone || m.IsDeleted {
			m = m.Tombstoned()
		}
		out = append(out, m)
	}
	for _, m := range t.msgs {
		if seen[m.ID] {
			continue
		}
		if models.IsTempID(m.ID) || t.recent[m.ID] > startEpoch {
			out = append(out, m.Clone())
		}
	}
	return out
}

// MarkConversationRead clears the conversation's unread count.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID string) *async.Future[struct{}] {
	if s.opts.Reads == nil {
		return async.Resolved(struct{}{}, nil)
	}
	return s.opts.Reads.MarkRead(ctx, conversationID)
}

// complete hands the outcome of mutation seq to the thread's sequencer and
// applies whatever became applicable.
func (s *Store) complete(t *thread, seq uint64, fn applyFn) {
	s.mu.Lock()
	out := &outcome{}
	for _, f := range t.seq.complete(seq, fn) {
		f(t, out)
	}
	var snap []models.Message
	var ver uint64
	if out.changed {
		snap, ver = t.snapshotLocked()
	}
	s.mu.Unlock()

	s.flush(t, snap, ver, out)
}

// flush publishes and persists a snapshot taken under the lock, then
// notifies listeners and resolves futures. Must be called without s.mu.
func (s *Store) flush(t *thread, snap []models.Message, ver uint64, out *outcome) {
	if out.changed {
		s.pubMu.Lock()
		if ver > t.published {
			t.published = ver
			t.subject.Publish(snap)
		}
		s.pubMu.Unlock()
		s.persist(t.id, ver, snap)
	}
	if len(out.events) > 0 {
		s.lmu.RLock()
		ls := append([]Listener(nil), s.listeners...)
		s.lmu.RUnlock()
		for _, e := range out.events {
			for _, l := range ls {
				l(e)
			}
		}
	}
	for _, fn := range out.resolve {
		fn()
	}
}

func (s *Store) persist(conversationID string, ver uint64, snap []models.Message) {
	if s.opts.Snapshots == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if ver <= s.saved[conversationID] {
		return
	}
	if err := s.opts.Snapshots.SaveThread(conversationID, snap); err != nil {
		logger.Warn("thread_snapshot_save_failed", "conversation_id", conversationID, "error", err)
		return
	}
	s.saved[conversationID] = ver
}

// run starts a remote step in the store scope. Once the store is closed the
// step still runs, with a cancelled context, so its outcome is applied.
func (s *Store) run(fn func(ctx context.Context)) {
	if s.scope.Go(fn) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go fn(ctx)
}
