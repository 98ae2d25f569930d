// Package directory is the local view of the user's conversations: their
// order, previews and unread counts, and the single entry point for finding
// or creating the conversation with a participant.
package directory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chatsync/pkg/async"
	"chatsync/pkg/cache"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/observe"
	"chatsync/pkg/remote"
	"chatsync/pkg/syncerr"
	"chatsync/pkg/telemetry"
	"chatsync/pkg/timeutil"
)

const listKey = "conversations"

// Snapshots persists the directory and queued read confirmations.
type Snapshots interface {
	SaveConversations(convs []models.Conversation) error
	LoadConversations() ([]models.Conversation, error)
	AddPendingRead(conversationID string) error
	RemovePendingRead(conversationID string) error
	PendingReads() ([]string, error)
}

type Options struct {
	SelfID string
	// StaleAfter is how long a fetched list counts as fresh.
	StaleAfter time.Duration
	Now        func() time.Time
	Snapshots  Snapshots
	// Conversations and Status receive every published state; nil
	// subjects are created privately.
	Conversations *observe.Subject[[]models.Conversation]
	Status        *observe.Subject[observe.Status]
	Scope         *async.Scope
}

type Directory struct {
	api   remote.API
	opts  Options
	scope *async.Scope
	list  *cache.Cache[string, []models.Conversation]

	creates singleflight.Group

	mu    sync.Mutex
	convs []models.Conversation
	open  string
	// unconfirmed read state; refreshes keep these at zero unread
	pendingReads map[string]bool
	// optimistic removals still waiting for the backend
	removing map[string]bool
	// created locally since the last refresh that included them
	created map[string]bool
	status  observe.Status
	version uint64

	persistMu sync.Mutex
	saved     uint64
}

func New(api remote.API, opts Options) *Directory {
	if opts.Now == nil {
		opts.Now = timeutil.Now
	}
	if opts.Scope == nil {
		opts.Scope = async.NewScope(context.Background())
	}
	if opts.Conversations == nil {
		opts.Conversations = observe.NewSubject[[]models.Conversation](nil)
	}
	if opts.Status == nil {
		opts.Status = observe.NewSubject(observe.Status{})
	}
	d := &Directory{
		api:          api,
		opts:         opts,
		scope:        opts.Scope,
		pendingReads: make(map[string]bool),
		removing:     make(map[string]bool),
		created:      make(map[string]bool),
	}
	d.list = cache.New(d.fetch, cache.Options[string, []models.Conversation]{
		TTL:      opts.StaleAfter,
		Now:      opts.Now,
		OnUpdate: func(_ string, convs []models.Conversation) { d.applyServerList(convs) },
		OnError:  func(_ string, err error) { d.fetchFailed(err) },
		Scope:    opts.Scope,
	})
	d.restore()
	return d
}

// restore loads the persisted directory so the list is available before the
// first refresh.
func (d *Directory) restore() {
	if d.opts.Snapshots == nil {
		return
	}
	convs, err := d.opts.Snapshots.LoadConversations()
	if err != nil {
		logger.Warn("directory_snapshot_load_failed", "error", err)
	}
	ids, err := d.opts.Snapshots.PendingReads()
	if err != nil {
		logger.Warn("pending_reads_load_failed", "error", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.pendingReads[id] = true
	}
	if len(convs) == 0 {
		return
	}
	d.convs = models.CloneConversations(convs)
	for i := range d.convs {
		if d.pendingReads[d.convs[i].ID] {
			d.convs[i].UnreadCount = 0
		}
	}
	models.SortByRecent(d.convs)
	d.list.Seed(listKey, models.CloneConversations(convs))
	d.opts.Conversations.Publish(models.CloneConversations(d.convs))
	logger.Info("directory_restored", "conversations", len(d.convs), "pending_reads", len(ids))
}

// List returns the last known conversations, most recent first, and starts a
// background refresh unless the list is fresh. It never waits on the network.
func (d *Directory) List(ctx context.Context) []models.Conversation {
	d.list.Revalidate(listKey)
	return d.Snapshot()
}

// Snapshot returns the current list without side effects.
func (d *Directory) Snapshot() []models.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return models.CloneConversations(d.convs)
}

// Lookup returns one conversation from the local list.
func (d *Directory) Lookup(id string) (models.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexLocked(id); i >= 0 {
		return d.convs[i].Clone(), true
	}
	return models.Conversation{}, false
}

// Subscribe streams the conversation list.
func (d *Directory) Subscribe() (<-chan []models.Conversation, func()) {
	return d.opts.Conversations.Subscribe()
}

// Refresh fetches the list now. On failure the last good list stays in place
// and the status carries the error.
func (d *Directory) Refresh(ctx context.Context) error {
	_, err := d.list.Refresh(ctx, listKey)
	return err
}

// fetch is the cache's fetcher; it also drives the loading signal.
func (d *Directory) fetch(ctx context.Context, _ string) ([]models.Conversation, error) {
	d.setStatus(func(s *observe.Status) { s.Loading = true })
	tr := telemetry.Track("directory.refresh")
	convs, err := d.api.ListConversations(ctx)
	tr.Finish(err)
	return convs, err
}

func (d *Directory) fetchFailed(err error) {
	logger.Warn("directory_refresh_failed", "error", err, "retryable", syncerr.Retryable(err))
	d.setStatus(func(s *observe.Status) {
		s.Loading = false
		s.Err = err
	})
}

// applyServerList merges a fetched list into the local view. Pending
// removals stay removed, unconfirmed reads stay at zero, the open
// conversation stays read and a newer local preview is kept.
func (d *Directory) applyServerList(server []models.Conversation) {
	d.mu.Lock()
	prev := make(map[string]models.Conversation, len(d.convs))
	for _, c := range d.convs {
		prev[c.ID] = c
	}
	seen := make(map[string]bool, len(server))
	merged := make([]models.Conversation, 0, len(server))
	for _, c := range server {
		if d.removing[c.ID] || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		delete(d.created, c.ID)
		c = c.Clone()
		if d.pendingReads[c.ID] || d.open == c.ID {
			c.UnreadCount = 0
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if old, ok := prev[c.ID]; ok && old.LastMessageAt.After(c.LastMessageAt) {
			c.LastMessage = old.LastMessage
			c.LastMessageAt = old.LastMessageAt
		}
		merged = append(merged, c)
	}
	for id := range d.created {
		if c, ok := prev[id]; ok && !seen[id] {
			merged = append(merged, c)
		}
	}
	models.SortByRecent(merged)
	d.convs = merged
	snap, ver := d.publishLocked()
	pending := len(d.pendingReads)
	d.mu.Unlock()
	d.persist(snap, ver)

	d.setStatus(func(s *observe.Status) {
		s.Loading = false
		s.Err = nil
	})
	logger.Debug("directory_refreshed", "conversations", len(merged))
	if pending > 0 {
		d.scope.Go(d.flushPendingReads)
	}
}

// GetOrCreate returns the conversation between the user and participantID.
// A local match returns without a network call; concurrent calls for the
// same participant share one remote create.
func (d *Directory) GetOrCreate(ctx context.Context, participantID string) (models.Conversation, error) {
	if participantID == "" || participantID == d.opts.SelfID {
		return models.Conversation{}, syncerr.Newf(syncerr.ErrInvalidOperation, "invalid participant %q", participantID)
	}
	if c, ok := d.findPair(participantID); ok {
		return c, nil
	}

	ch := d.creates.DoChan(participantID, func() (interface{}, error) {
		if c, ok := d.findPair(participantID); ok {
			return c, nil
		}
		tr := telemetry.Track("directory.get_or_create")
		c, err := d.api.GetOrCreateConversation(context.WithoutCancel(ctx), participantID)
		tr.Finish(err)
		if err != nil {
			logger.Warn("get_or_create_failed", "participant_id", participantID, "error", err)
			return nil, err
		}
		d.insert(c)
		logger.Info("conversation_ready", "conversation_id", c.ID, "participant_id", participantID)
		return c.Clone(), nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.Conversation{}, res.Err
		}
		return res.Val.(models.Conversation).Clone(), nil
	case <-ctx.Done():
		return models.Conversation{}, ctx.Err()
	}
}

func (d *Directory) findPair(participantID string) (models.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.convs {
		if c.HasExactPair(d.opts.SelfID, participantID) {
			return c.Clone(), true
		}
	}
	return models.Conversation{}, false
}

func (d *Directory) insert(c models.Conversation) {
	d.mu.Lock()
	if i := d.indexLocked(c.ID); i >= 0 {
		d.mu.Unlock()
		return
	}
	d.convs = append(d.convs, c.Clone())
	d.created[c.ID] = true
	models.SortByRecent(d.convs)
	snap, ver := d.publishLocked()
	d.mu.Unlock()
	d.persist(snap, ver)
}

// MarkRead zeroes the unread count immediately. The backend confirmation
// runs in the background; a failure is never surfaced nor rolled back, the
// confirmation is queued and re-sent after the next refresh. The returned
// future always resolves without error once the attempt is over.
func (d *Directory) MarkRead(ctx context.Context, conversationID string) *async.Future[struct{}] {
	d.mu.Lock()
	if i := d.indexLocked(conversationID); i >= 0 {
		d.convs[i].UnreadCount = 0
	}
	d.pendingReads[conversationID] = true
	snap, ver := d.publishLocked()
	d.mu.Unlock()
	d.persist(snap, ver)
	if d.opts.Snapshots != nil {
		if err := d.opts.Snapshots.AddPendingRead(conversationID); err != nil {
			logger.Warn("pending_read_save_failed", "conversation_id", conversationID, "error", err)
		}
	}
	telemetry.RecordMutation("mark_read", "applied")

	fut := async.NewFuture[struct{}]()
	started := d.scope.Go(func(ctx context.Context) {
		d.confirmRead(ctx, conversationID)
		fut.Resolve(struct{}{}, nil)
	})
	if !started {
		fut.Resolve(struct{}{}, nil)
	}
	return fut
}

func (d *Directory) confirmRead(ctx context.Context, conversationID string) bool {
	tr := telemetry.Track("directory.mark_read")
	err := d.api.MarkConversationRead(ctx, conversationID)
	tr.Finish(err)
	if err != nil && !syncerr.IsNotFound(err) {
		telemetry.RecordMutation("mark_read", "deferred")
		logger.Debug("mark_read_deferred", "conversation_id", conversationID, "error", err)
		return false
	}
	d.mu.Lock()
	delete(d.pendingReads, conversationID)
	d.mu.Unlock()
	if d.opts.Snapshots != nil {
		if err := d.opts.Snapshots.RemovePendingRead(conversationID); err != nil {
			logger.Warn("pending_read_remove_failed", "conversation_id", conversationID, "error", err)
		}
	}
	telemetry.RecordMutation("mark_read", "acked")
	return true
}

// flushPendingReads re-sends every queued read confirmation.
func (d *Directory) flushPendingReads(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.pendingReads))
	for id := range d.pendingReads {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		d.confirmRead(ctx, id)
	}
}

// PendingReads lists conversations whose read state is not confirmed yet.
func (d *Directory) PendingReads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.pendingReads))
	for id := range d.pendingReads {
		out = append(out, id)
	}
	return out
}

// Remove drops a conversation from the list right away and deletes it
// remotely. A failure puts it back at its previous position and is returned
// through the future.
func (d *Directory) Remove(ctx context.Context, conversationID string) *async.Future[struct{}] {
	d.mu.Lock()
	i := d.indexLocked(conversationID)
	if i < 0 {
		d.mu.Unlock()
		return async.Resolved(struct{}{}, syncerr.Newf(syncerr.ErrNotFound, "conversation %s", conversationID))
	}
	removed := d.convs[i].Clone()
	var before string
	if i > 0 {
		before = d.convs[i-1].ID
	}
	d.convs = append(d.convs[:i], d.convs[i+1:]...)
	d.removing[conversationID] = true
	snap, ver := d.publishLocked()
	d.mu.Unlock()
	d.persist(snap, ver)
	telemetry.RecordMutation("remove", "applied")

	fut := async.NewFuture[struct{}]()
	run := func(ctx context.Context) {
		tr := telemetry.Track("directory.remove")
		err := d.api.DeleteConversation(ctx, conversationID)
		tr.Finish(err)
		if err == nil || syncerr.IsNotFound(err) {
			d.mu.Lock()
			delete(d.removing, conversationID)
			delete(d.created, conversationID)
			delete(d.pendingReads, conversationID)
			d.mu.Unlock()
			telemetry.RecordMutation("remove", "acked")
			if err != nil {
				d.list.Invalidate(listKey)
				d.list.Revalidate(listKey)
			}
			fut.Resolve(struct{}{}, nil)
			return
		}

		d.mu.Lock()
		delete(d.removing, conversationID)
		if d.indexLocked(conversationID) < 0 {
			d.reinsertLocked(removed, before)
		}
		snap, ver := d.publishLocked()
		d.mu.Unlock()
		d.persist(snap, ver)
		d.setStatus(func(s *observe.Status) { s.Err = err })
		telemetry.RecordMutation("remove", "reverted")
		logger.Warn("remove_reverted", "conversation_id", conversationID, "error", err)
		fut.Resolve(struct{}{}, err)
	}
	if !d.scope.Go(run) {
		cctx, cancel := context.WithCancel(context.Background())
		cancel()
		go run(cctx)
	}
	return fut
}

// ApplyPreviewUpdate folds an accepted message into its conversation's
// preview. A new message from someone else raises the unread count unless
// the conversation is open. An unknown conversation triggers a refresh.
func (d *Directory) ApplyPreviewUpdate(conversationID string, msg models.Message) {
	d.mu.Lock()
	i := d.indexLocked(conversationID)
	if i < 0 {
		d.mu.Unlock()
		logger.Debug("preview_for_unknown_conversation", "conversation_id", conversationID)
		d.list.Invalidate(listKey)
		d.list.Revalidate(listKey)
		return
	}
	c := &d.convs[i]
	m := msg.Clone()
	switch {
	case c.LastMessage != nil && c.LastMessage.ID == m.ID:
		c.LastMessage = &m
	case m.IsEdited || m.IsDeleted:
		// an older message changed; the preview stays
		d.mu.Unlock()
		return
	case m.CreatedAt.Before(c.LastMessageAt):
		// acks can be delivered out of order; an older message never
		// replaces a newer preview
		d.mu.Unlock()
		return
	default:
		c.LastMessage = &m
		if m.CreatedAt.After(c.LastMessageAt) {
			c.LastMessageAt = m.CreatedAt
		}
		if m.SenderID != d.opts.SelfID && d.open != conversationID {
			c.UnreadCount++
		}
		models.SortByRecent(d.convs)
	}
	snap, ver := d.publishLocked()
	d.mu.Unlock()
	d.persist(snap, ver)
}

// SyncPreview sets the preview from a reloaded thread's newest message. It
// never changes the unread count.
func (d *Directory) SyncPreview(conversationID string, tail models.Message) {
	if tail.ID == "" || models.IsTempID(tail.ID) {
		return
	}
	d.mu.Lock()
	i := d.indexLocked(conversationID)
	if i < 0 {
		d.mu.Unlock()
		return
	}
	c := &d.convs[i]
	m := tail.Clone()
	if c.LastMessage == nil || c.LastMessage.ID != m.ID {
		if m.CreatedAt.Before(c.LastMessageAt) {
			d.mu.Unlock()
			return
		}
		c.LastMessageAt = m.CreatedAt
	}
	c.LastMessage = &m
	models.SortByRecent(d.convs)
	snap, ver := d.publishLocked()
	d.mu.Unlock()
	d.persist(snap, ver)
}

// SetOpen records the conversation currently on screen.
func (d *Directory) SetOpen(conversationID string) {
	d.mu.Lock()
	d.open = conversationID
	d.mu.Unlock()
}

// ClearOpen forgets the open conversation if it is still conversationID.
func (d *Directory) ClearOpen(conversationID string) {
	d.mu.Lock()
	if d.open == conversationID {
		d.open = ""
	}
	d.mu.Unlock()
}

// reinsertLocked puts c back right after the conversation that preceded it,
// or first when it had none. The list may have changed since the removal, so
// the result is re-sorted by recency.
func (d *Directory) reinsertLocked(c models.Conversation, before string) {
	at := 0
	if before != "" {
		if j := d.indexLocked(before); j >= 0 {
			at = j + 1
		} else {
			at = len(d.convs)
		}
	}
	d.convs = append(d.convs, models.Conversation{})
	copy(d.convs[at+1:], d.convs[at:])
	d.convs[at] = c
	models.SortByRecent(d.convs)
}

func (d *Directory) indexLocked(id string) int {
	for i := range d.convs {
		if d.convs[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *Directory) setStatus(fn func(*observe.Status)) {
	d.mu.Lock()
	fn(&d.status)
	st := d.status
	d.mu.Unlock()
	d.opts.Status.Publish(st)
}

// publishLocked hands the current list to subscribers and returns it with
// its version for persist. Caller holds d.mu so snapshots go out in order.
func (d *Directory) publishLocked() ([]models.Conversation, uint64) {
	snap := models.CloneConversations(d.convs)
	unread := 0
	for _, c := range snap {
		unread += c.UnreadCount
	}
	d.opts.Conversations.Publish(snap)
	telemetry.SetGauge("conversations", float64(len(snap)))
	telemetry.SetGauge("unread_total", float64(unread))
	d.version++
	return models.CloneConversations(snap), d.version
}

// persist writes a published snapshot unless a newer one was saved already.
// Must be called without d.mu.
func (d *Directory) persist(snap []models.Conversation, ver uint64) {
	if d.opts.Snapshots == nil {
		return
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()
	if ver <= d.saved {
		return
	}
	if err := d.opts.Snapshots.SaveConversations(snap); err != nil {
		logger.Warn("directory_snapshot_save_failed", "error", err)
		return
	}
	d.saved = ver
}
