package thread

import (
	"context"
	"strings"
	"time"

	"chatsync/pkg/async"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/syncerr"
	"chatsync/pkg/telemetry"
)

type pendingEdit struct {
	seq     uint64
	content string
	at      time.Time
}

// editState tracks the last confirmed version of a message and the edits
// still waiting for the backend.
type editState struct {
	base    models.Message
	pending []pendingEdit
}

// view is the message as displayed: the newest pending edit over the base.
func (st *editState) view() models.Message {
	m := st.base.Clone()
	if n := len(st.pending); n > 0 {
		last := st.pending[n-1]
		at := last.at
		m.Content = last.content
		m.IsEdited = true
		m.UpdatedAt = &at
	}
	return m
}

func (st *editState) drop(seq uint64) {
	for i, p := range st.pending {
		if p.seq == seq {
			st.pending = append(st.pending[:i], st.pending[i+1:]...)
			return
		}
	}
}

func (s *Store) locateLocked(messageID string) (*thread, int) {
	for _, t := range s.threads {
		if i := t.indexLocked(messageID); i >= 0 {
			return t, i
		}
	}
	return nil, -1
}

// Edit replaces a message's text and waits for the backend. The new text is
// published before the remote call; a rejection restores the previous text.
func (s *Store) Edit(ctx context.Context, messageID, content string) (models.Message, error) {
	_, fut, err := s.EditAsync(ctx, messageID, content)
	if err != nil {
		return models.Message{}, err
	}
	return fut.Wait(ctx)
}

// EditAsync applies an edit optimistically and returns the displayed message
// with a future for the backend's answer. Audio, deleted and unsent messages
// cannot be edited.
func (s *Store) EditAsync(ctx context.Context, messageID, content string) (models.Message, *async.Future[models.Message], error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, nil, err
	}
	if strings.TrimSpace(content) == "" {
		return models.Message{}, nil, syncerr.Newf(syncerr.ErrInvalidOperation, "empty message")
	}

	s.mu.Lock()
	t, i := s.locateLocked(messageID)
	if t == nil {
		s.mu.Unlock()
		return models.Message{}, nil, syncerr.Newf(syncerr.ErrNotFound, "message %s is not loaded", messageID)
	}
	m := t.msgs[i]
	var reason string
	switch {
	case m.IsAudio():
		reason = "audio messages cannot be edited"
	case m.IsDeleted:
		reason = "deleted messages cannot be edited"
	case models.IsTempID(m.ID):
		reason = "message is not delivered yet"
	}
	if reason != "" {
		s.mu.Unlock()
		telemetry.RecordMutation("edit", "invalid")
		return models.Message{}, nil, syncerr.Newf(syncerr.ErrInvalidOperation, "edit %s: %s", messageID, reason)
	}

	st := t.edits[messageID]
	if st == nil {
		st = &editState{base: m.Clone()}
		t.edits[messageID] = st
	}
	seq := t.seq.issue()
	st.pending = append(st.pending, pendingEdit{seq: seq, content: content, at: s.opts.Now()})
	t.msgs[i] = st.view()
	shown := t.msgs[i].Clone()
	snap, ver := t.snapshotLocked()

	fut := async.NewFuture[models.Message]()
	s.run(func(ctx context.Context) {
		tr := telemetry.Track("thread.edit")
		res, err := s.api.EditMessage(ctx, messageID, content)
		tr.Finish(err)
		s.complete(t, seq, func(t *thread, out *outcome) {
			s.applyEditLocked(t, messageID, seq, res, err, fut, out)
		})
	})
	s.mu.Unlock()

	s.flush(t, snap, ver, &outcome{changed: true})
	telemetry.RecordMutation("edit", "applied")
	return shown, fut, nil
}

func (s *Store) applyEditLocked(t *thread, messageID string, seq uint64, res models.Message, err error, fut *async.Future[models.Message], out *outcome) {
	st := t.edits[messageID]
	if st != nil {
		st.drop(seq)
		if err == nil {
			res.DeliveryState = models.DeliverySent
			if res.ConversationID == "" {
				res.ConversationID = t.id
			}
			st.base = res.Clone()
		}
		if len(st.pending) == 0 {
			delete(t.edits, messageID)
		}
	}

	var shown models.Message
	if i := t.indexLocked(messageID); i >= 0 {
		if !t.msgs[i].IsDeleted {
			switch {
			case st != nil:
				t.msgs[i] = st.view()
			case err == nil:
				t.msgs[i] = res.Clone()
			}
			out.changed = true
		}
		shown = t.msgs[i].Clone()
	}

	if err != nil {
		telemetry.RecordMutation("edit", "reverted")
		logger.Warn("edit_reverted", "conversation_id", t.id, "message_id", messageID, "error", err)
		out.emit(Event{Kind: EventFailed, ConversationID: t.id, Op: "edit", Message: shown, Err: err})
		if syncerr.IsNotFound(err) {
			out.emit(Event{Kind: EventResync, ConversationID: t.id, Op: "edit", Err: err})
		}
		out.then(func() { fut.Resolve(shown, err) })
		return
	}
	telemetry.RecordMutation("edit", "acked")
	out.emit(Event{Kind: EventAccepted, ConversationID: t.id, Op: "edit", Message: shown})
	out.then(func() { fut.Resolve(shown, nil) })
}

// Delete tombstones a message and waits for the backend. See DeleteAsync.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	fut, err := s.DeleteAsync(ctx, messageID)
	if err != nil {
		return err
	}
	_, err = fut.Wait(ctx)
	return err
}

// DeleteAsync tombstones a message optimistically; a rejection restores it.
// A message that was never acknowledged is removed locally without a remote
// call. Deleting a tombstone is a no-op.
func (s *Store) DeleteAsync(ctx context.Context, messageID string) (*async.Future[struct{}], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	t, i := s.locateLocked(messageID)
	if t == nil {
		s.mu.Unlock()
		return nil, syncerr.Newf(syncerr.ErrNotFound, "message %s is not loaded", messageID)
	}
	m := t.msgs[i].Clone()
	if m.IsDeleted {
		s.mu.Unlock()
		return async.Resolved(struct{}{}, nil), nil
	}

	if models.IsTempID(m.ID) {
		t.removeLocked(i)
		out := &outcome{changed: true}
		if m.DeliveryState == models.DeliveryPending {
			t.discarded[m.ID] = m
		} else {
			delete(t.outbox, m.ID)
			out.then(func() { s.discarded(m) })
		}
		snap, ver := t.snapshotLocked()
		s.mu.Unlock()
		s.flush(t, snap, ver, out)
		telemetry.RecordMutation("delete", "local")
		logger.Debug("unsent_message_removed", "conversation_id", t.id, "temp_id", m.ID)
		return async.Resolved(struct{}{}, nil), nil
	}

	prev := m
	t.tombstones[messageID] = &prev
	t.msgs[i] = m.Tombstoned()
	seq := t.seq.issue()
	snap, ver := t.snapshotLocked()

	fut := async.NewFuture[struct{}]()
	s.run(func(ctx context.Context) {
		tr := telemetry.Track("thread.delete")
		err := s.api.DeleteMessage(ctx, messageID)
		tr.Finish(err)
		s.complete(t, seq, func(t *thread, out *outcome) {
			s.applyDeleteLocked(t, messageID, err, fut, out)
		})
	})
	s.mu.Unlock()

	s.flush(t, snap, ver, &outcome{changed: true})
	telemetry.RecordMutation("delete", "applied")
	return fut, nil
}

func (s *Store) applyDeleteLocked(t *thread, messageID string, err error, fut *async.Future[struct{}], out *outcome) {
	if err == nil || syncerr.IsNotFound(err) {
		t.tombstones[messageID] = nil
		var tomb models.Message
		if i := t.indexLocked(messageID); i >= 0 {
			tomb = t.msgs[i].Clone()
		}
		telemetry.RecordMutation("delete", "acked")
		out.emit(Event{Kind: EventAccepted, ConversationID: t.id, Op: "delete", Message: tomb})
		if err != nil {
			// already gone remotely; the local view is stale
			out.emit(Event{Kind: EventResync, ConversationID: t.id, Op: "delete", Err: err})
		}
		out.then(func() { fut.Resolve(struct{}{}, nil) })
		return
	}

	prev := t.tombstones[messageID]
	delete(t.tombstones, messageID)
	var restored models.Message
	if i := t.indexLocked(messageID); i >= 0 && prev != nil {
		restored = prev.Clone()
		if st := t.edits[messageID]; st != nil {
			restored = st.view()
		}
		t.msgs[i] = restored
		out.changed = true
	}
	telemetry.RecordMutation("delete", "reverted")
	logger.Warn("delete_reverted", "conversation_id", t.id, "message_id", messageID, "error", err)
	out.emit(Event{Kind: EventFailed, ConversationID: t.id, Op: "delete", Message: restored, Err: err})
	out.then(func() { fut.Resolve(struct{}{}, err) })
}
