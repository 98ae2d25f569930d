package thread

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"chatsync/pkg/async"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/syncerr"
	"chatsync/pkg/telemetry"
)

// SendText sends a text message. See SendWith.
func (s *Store) SendText(ctx context.Context, conversationID, text string) (models.Message, *async.Future[models.Message], error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, nil, syncerr.Newf(syncerr.ErrInvalidOperation, "empty message")
	}
	return s.SendWith(ctx, conversationID, models.Payload{Text: text}, s.textSender(conversationID, text))
}

func (s *Store) textSender(conversationID, text string) Sender {
	return func(ctx context.Context) (models.Message, error) {
		return s.api.SendMessage(ctx, conversationID, text)
	}
}

// SendWith appends a pending message with a temporary identity, publishes it
// and runs send in the background. The returned future resolves to the
// acknowledged message, or to the failed entry and its error. A failed entry
// stays in the thread until it is retried or discarded.
func (s *Store) SendWith(ctx context.Context, conversationID string, p models.Payload, send Sender) (models.Message, *async.Future[models.Message], error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, nil, err
	}
	if (p.Text == "") == (p.Audio == nil) {
		return models.Message{}, nil, syncerr.Newf(syncerr.ErrInvalidOperation, "a message carries either text or audio")
	}
	m := models.Message{
		ID:             models.TempIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.opts.SelfID,
		Content:        p.Text,
		CreatedAt:      s.opts.Now(),
		DeliveryState:  models.DeliveryPending,
	}
	if p.Audio != nil {
		a := *p.Audio
		m.AudioRef = &a
	}

	s.mu.Lock()
	t := s.threadLocked(conversationID)
	t.msgs = append(t.msgs, m)
	t.outbox[m.ID] = send
	fut := s.dispatchLocked(t, m.ID, send)
	snap, ver := t.snapshotLocked()
	s.mu.Unlock()

	s.flush(t, snap, ver, &outcome{changed: true})
	telemetry.RecordMutation("send", "applied")
	logger.Debug("send_issued", "conversation_id", conversationID, "temp_id", m.ID)
	return m.Clone(), fut, nil
}

// Retry re-issues a failed send in place.
func (s *Store) Retry(ctx context.Context, conversationID, tempID string) (models.Message, *async.Future[models.Message], error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, nil, err
	}
	s.mu.Lock()
	t := s.threadLocked(conversationID)
	i := t.indexLocked(tempID)
	if i < 0 {
		s.mu.Unlock()
		return models.Message{}, nil, syncerr.Newf(syncerr.ErrNotFound, "message %s", tempID)
	}
	if t.msgs[i].DeliveryState != models.DeliveryFailed {
		s.mu.Unlock()
		return models.Message{}, nil, syncerr.Newf(syncerr.ErrInvalidOperation, "message %s is %s, only failed sends can be retried", tempID, t.msgs[i].DeliveryState)
	}
	send := t.outbox[tempID]
	if send == nil {
		send = s.rebuildSender(t.msgs[i])
	}
	if send == nil {
		s.mu.Unlock()
		return models.Message{}, nil, syncerr.Newf(syncerr.ErrInvalidOperation, "message %s cannot be resent", tempID)
	}
	t.outbox[tempID] = send
	t.msgs[i].DeliveryState = models.DeliveryPending
	m := t.msgs[i].Clone()
	fut := s.dispatchLocked(t, tempID, send)
	snap, ver := t.snapshotLocked()
	s.mu.Unlock()

	s.flush(t, snap, ver, &outcome{changed: true})
	telemetry.RecordMutation("send", "retried")
	logger.Info("send_retried", "conversation_id", conversationID, "temp_id", tempID)
	return m, fut, nil
}

// rebuildSender recreates the remote step of a failed message restored from
// a snapshot.
func (s *Store) rebuildSender(m models.Message) Sender {
	if blobID, ok := m.AudioRef.LocalBlobID(); ok {
		if s.opts.AudioSender == nil {
			return nil
		}
		return s.opts.AudioSender(m.ConversationID, blobID)
	}
	if m.AudioRef == nil && m.Content != "" {
		return s.textSender(m.ConversationID, m.Content)
	}
	return nil
}

// Discard drops a failed send.
func (s *Store) Discard(conversationID, tempID string) error {
	s.mu.Lock()
	t := s.threadLocked(conversationID)
	i := t.indexLocked(tempID)
	if i < 0 {
		s.mu.Unlock()
		return syncerr.Newf(syncerr.ErrNotFound, "message %s", tempID)
	}
	m := t.msgs[i].Clone()
	if m.DeliveryState != models.DeliveryFailed {
		s.mu.Unlock()
		return syncerr.Newf(syncerr.ErrInvalidOperation, "message %s is %s, only failed sends can be discarded", tempID, m.DeliveryState)
	}
	t.removeLocked(i)
	delete(t.outbox, tempID)
	snap, ver := t.snapshotLocked()
	s.mu.Unlock()

	out := &outcome{changed: true}
	out.then(func() { s.discarded(m) })
	s.flush(t, snap, ver, out)
	telemetry.RecordMutation("send", "discarded")
	return nil
}

func (s *Store) discarded(m models.Message) {
	if s.opts.OnDiscard != nil {
		s.opts.OnDiscard(m)
	}
}

// dispatchLocked issues a sequence number for the send and starts its remote
// step.
func (s *Store) dispatchLocked(t *thread, tempID string, send Sender) *async.Future[models.Message] {
	seq := t.seq.issue()
	fut := async.NewFuture[models.Message]()
	s.run(func(ctx context.Context) {
		tr := telemetry.Track("thread.send")
		res, err := send(ctx)
		tr.Finish(err)
		s.complete(t, seq, func(t *thread, out *outcome) {
			s.applySendLocked(t, tempID, res, err, fut, out)
		})
	})
	return fut
}

func (s *Store) applySendLocked(t *thread, tempID string, res models.Message, err error, fut *async.Future[models.Message], out *outcome) {
	i := t.indexLocked(tempID)

	if gone, ok := t.discarded[tempID]; ok {
		delete(t.discarded, tempID)
		delete(t.outbox, tempID)
		if err != nil {
			out.then(func() {
				s.discarded(gone)
				fut.Resolve(models.Message{}, err)
			})
			return
		}
		// the user deleted it before the ack; delete the server copy too
		t.hidden[res.ID] = true
		if j := t.indexLocked(res.ID); j >= 0 {
			t.removeLocked(j)
			out.changed = true
		}
		serverID := res.ID
		s.run(func(ctx context.Context) {
			if err := s.api.DeleteMessage(ctx, serverID); err != nil && !syncerr.IsNotFound(err) {
				logger.Warn("discarded_send_delete_failed", "conversation_id", t.id, "message_id", serverID, "error", err)
			}
		})
		tomb := res.Tombstoned()
		out.then(func() { fut.Resolve(tomb, nil) })
		return
	}

	if err != nil {
		telemetry.RecordMutation("send", "failed")
		logger.Warn("send_failed", "conversation_id", t.id, "temp_id", tempID, "error", err)
		var failed models.Message
		if i >= 0 {
			t.msgs[i].DeliveryState = models.DeliveryFailed
			failed = t.msgs[i].Clone()
			out.changed = true
		}
		out.emit(Event{Kind: EventFailed, ConversationID: t.id, Op: "send", Message: failed, Err: err})
		if syncerr.IsNotFound(err) {
			out.emit(Event{Kind: EventResync, ConversationID: t.id, Op: "send", Err: err})
		}
		out.then(func() { fut.Resolve(failed, err) })
		return
	}

	delete(t.outbox, tempID)
	res.DeliveryState = models.DeliverySent
	if res.ConversationID == "" {
		res.ConversationID = t.id
	}
	// a reload that raced the ack may already hold the server copy
	if j := t.indexLocked(res.ID); j >= 0 && j != i {
		t.removeLocked(j)
		if j < i {
			i--
		}
	}
	if i >= 0 {
		t.msgs[i] = res.Clone()
	} else {
		t.msgs = append(t.msgs, res.Clone())
	}
	t.epoch++
	t.recent[res.ID] = t.epoch
	out.changed = true

	telemetry.RecordMutation("send", "acked")
	logger.Debug("send_acked", "conversation_id", t.id, "temp_id", tempID, "message_id", res.ID)
	acked := res.Clone()
	out.emit(Event{Kind: EventAccepted, ConversationID: t.id, Op: "send", Message: acked})
	out.then(func() { fut.Resolve(acked, nil) })
}
