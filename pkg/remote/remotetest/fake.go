// Package remotetest provides an in-memory backend implementing remote.API
// with per-operation call counting, failure injection and call holding, so
// tests can control the order in which responses arrive.
package remotetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatsync/pkg/models"
	"chatsync/pkg/remote"
	"chatsync/pkg/syncerr"
)

const (
	OpListConversations  = "list_conversations"
	OpGetOrCreate        = "get_or_create_conversation"
	OpDeleteConversation = "delete_conversation"
	OpMarkRead           = "mark_read"
	OpListMessages       = "list_messages"
	OpSendMessage        = "send_message"
	OpEditMessage        = "edit_message"
	OpDeleteMessage      = "delete_message"
	OpUploadAudio        = "upload_audio"
)

// HeldCall is a request parked until the test releases it.
type HeldCall struct {
	Op      string
	Arg     string
	release chan error
}

// Release lets the call proceed normally.
func (h *HeldCall) Release() { h.release <- nil }

// Fail completes the call with err and no server-side effect.
func (h *HeldCall) Fail(err error) { h.release <- err }

type Fake struct {
	SelfID string
	Now    func() time.Time

	mu          sync.Mutex
	convs       []models.Conversation
	msgs        map[string][]models.Message
	calls       map[string]int
	failNext    map[string][]error
	failAll     map[string]error
	holds       map[string]bool
	held        map[string][]*HeldCall
	nextID      int
	lastPayload []byte
}

var _ remote.API = (*Fake)(nil)

func New(selfID string) *Fake {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int64
	var tickMu sync.Mutex
	return &Fake{
		SelfID: selfID,
		Now: func() time.Time {
			tickMu.Lock()
			defer tickMu.Unlock()
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		},
		msgs:     make(map[string][]models.Message),
		calls:    make(map[string]int),
		failNext: make(map[string][]error),
		failAll:  make(map[string]error),
		holds:    make(map[string]bool),
		held:     make(map[string][]*HeldCall),
	}
}

// Offline is the error a disconnected transport produces.
func Offline(op string) error {
	return syncerr.Newf(syncerr.ErrNetworkUnavailable, "%s: offline", op)
}

// Rejected is a 4xx-style rejection.
func Rejected(op string) error {
	return syncerr.Newf(syncerr.ErrRemoteRejected, "%s: rejected", op)
}

func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// FailNext makes the next call of op return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], err)
}

// FailAlways makes every call of op return err until cleared with nil.
func (f *Fake) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failAll, op)
		return
	}
	f.failAll[op] = err
}

// Hold parks every later call of op until released.
func (f *Fake) Hold(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds[op] = true
}

// Unhold stops parking new calls of op; already parked calls stay parked.
func (f *Fake) Unhold(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.holds, op)
}

// WaitHeld blocks until at least n calls of op are parked and returns them
// in arrival order.
func (f *Fake) WaitHeld(ctx context.Context, op string, n int) ([]*HeldCall, error) {
	for {
		f.mu.Lock()
		if len(f.held[op]) >= n {
			out := append([]*HeldCall(nil), f.held[op][:n]...)
			f.mu.Unlock()
			return out, nil
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %d held %s calls: %w", n, op, ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

// AddConversation seeds a conversation.
func (f *Fake) AddConversation(c models.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convs = append(f.convs, c.Clone())
}

// Deliver appends a message as if another client sent it.
func (f *Fake) Deliver(m models.Message) models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		m.ID = f.newIDLocked("m")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = f.Now()
	}
	m.DeliveryState = models.DeliverySent
	f.msgs[m.ConversationID] = append(f.msgs[m.ConversationID], m)
	f.touchLocked(m, m.SenderID != f.SelfID)
	return m.Clone()
}

// ServerMessages returns the backend's view of a conversation.
func (f *Fake) ServerMessages(convID string) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.CloneMessages(f.msgs[convID])
}

// ServerConversation returns the backend's view of one conversation.
func (f *Fake) ServerConversation(id string) (models.Conversation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.convIndexLocked(id)
	if i < 0 {
		return models.Conversation{}, false
	}
	return f.convs[i].Clone(), true
}

// LastUpload returns the payload of the most recent audio upload.
func (f *Fake) LastUpload() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.lastPayload...)
}

func (f *Fake) enter(ctx context.Context, op, arg string) error {
	f.mu.Lock()
	f.calls[op]++
	if q := f.failNext[op]; len(q) > 0 {
		err := q[0]
		f.failNext[op] = q[1:]
		f.mu.Unlock()
		return err
	}
	if err, ok := f.failAll[op]; ok {
		f.mu.Unlock()
		return err
	}
	if !f.holds[op] {
		f.mu.Unlock()
		return nil
	}
	h := &HeldCall{Op: op, Arg: arg, release: make(chan error, 1)}
	f.held[op] = append(f.held[op], h)
	f.mu.Unlock()

	var err error
	select {
	case err = <-h.release:
	case <-ctx.Done():
		err = syncerr.Wrapf(syncerr.ErrNetworkUnavailable, ctx.Err(), "%s", op)
	}
	f.mu.Lock()
	for i, c := range f.held[op] {
		if c == h {
			f.held[op] = append(f.held[op][:i], f.held[op][i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	return err
}

func (f *Fake) newIDLocked(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *Fake) convIndexLocked(id string) int {
	for i := range f.convs {
		if f.convs[i].ID == id {
			return i
		}
	}
	return -1
}

func (f *Fake) touchLocked(m models.Message, countUnread bool) {
	i := f.convIndexLocked(m.ConversationID)
	if i < 0 {
		return
	}
	last := m.Clone()
	f.convs[i].LastMessage = &last
	f.convs[i].LastMessageAt = m.CreatedAt
	if countUnread {
		f.convs[i].UnreadCount++
	}
}

func (f *Fake) findMessageLocked(id string) (string, int) {
	for convID, list := range f.msgs {
		for i := range list {
			if list[i].ID == id {
				return convID, i
			}
		}
	}
	return "", -1
}

func (f *Fake) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	if err := f.enter(ctx, OpListConversations, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.CloneConversations(f.convs), nil
}

func (f *Fake) GetOrCreateConversation(ctx context.Context, participantID string) (models.Conversation, error) {
	if err := f.enter(ctx, OpGetOrCreate, participantID); err != nil {
		return models.Conversation{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.HasExactPair(f.SelfID, participantID) {
			return c.Clone(), nil
		}
	}
	c := models.Conversation{
		ID:            f.newIDLocked("c"),
		Participants:  []string{f.SelfID, participantID},
		LastMessageAt: f.Now(),
	}
	f.convs = append(f.convs, c)
	return c.Clone(), nil
}

func (f *Fake) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := f.enter(ctx, OpDeleteConversation, conversationID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.convIndexLocked(conversationID)
	if i < 0 {
		return syncerr.Newf(syncerr.ErrNotFound, "conversation %s", conversationID)
	}
	f.convs = append(f.convs[:i], f.convs[i+1:]...)
	delete(f.msgs, conversationID)
	return nil
}

func (f *Fake) MarkConversationRead(ctx context.Context, conversationID string) error {
	if err := f.enter(ctx, OpMarkRead, conversationID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if i := f.convIndexLocked(conversationID); i >= 0 {
		f.convs[i].UnreadCount = 0
	}
	return nil
}

func (f *Fake) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if err := f.enter(ctx, OpListMessages, conversationID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.CloneMessages(f.msgs[conversationID]), nil
}

func (f *Fake) SendMessage(ctx context.Context, conversationID, content string) (models.Message, error) {
	if err := f.enter(ctx, OpSendMessage, content); err != nil {
		return models.Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := models.Message{
		ID:             f.newIDLocked("m"),
		ConversationID: conversationID,
		SenderID:       f.SelfID,
		Content:        content,
		CreatedAt:      f.Now(),
		DeliveryState:  models.DeliverySent,
	}
	f.msgs[conversationID] = append(f.msgs[conversationID], m)
	f.touchLocked(m, false)
	return m.Clone(), nil
}

func (f *Fake) EditMessage(ctx context.Context, messageID, content string) (models.Message, error) {
	if err := f.enter(ctx, OpEditMessage, messageID); err != nil {
		return models.Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	convID, i := f.findMessageLocked(messageID)
	if i < 0 {
		return models.Message{}, syncerr.Newf(syncerr.ErrNotFound, "message %s", messageID)
	}
	m := &f.msgs[convID][i]
	if m.IsDeleted || m.AudioRef != nil {
		return models.Message{}, syncerr.Newf(syncerr.ErrRemoteRejected, "message %s cannot be edited", messageID)
	}
	now := f.Now()
	m.Content = content
	m.IsEdited = true
	m.UpdatedAt = &now
	return m.Clone(), nil
}

func (f *Fake) DeleteMessage(ctx context.Context, messageID string) error {
	if err := f.enter(ctx, OpDeleteMessage, messageID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	convID, i := f.findMessageLocked(messageID)
	if i < 0 {
		return syncerr.Newf(syncerr.ErrNotFound, "message %s", messageID)
	}
	f.msgs[convID][i] = f.msgs[convID][i].Tombstoned()
	return nil
}

func (f *Fake) UploadAudio(ctx context.Context, conversationID string, payload []byte) (models.Message, error) {
	if err := f.enter(ctx, OpUploadAudio, conversationID); err != nil {
		return models.Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPayload = append([]byte(nil), payload...)
	id := f.newIDLocked("m")
	m := models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       f.SelfID,
		AudioRef:       &models.AudioRef{URL: "https://media.example/audio/" + id},
		CreatedAt:      f.Now(),
		DeliveryState:  models.DeliverySent,
	}
	f.msgs[conversationID] = append(f.msgs[conversationID], m)
	f.touchLocked(m, false)
	return m.Clone(), nil
}
