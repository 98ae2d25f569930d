package thread

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/async"
	"chatsync/pkg/models"
	"chatsync/pkg/remote/remotetest"
	"chatsync/pkg/store"
	"chatsync/pkg/syncerr"
)

const self = "me"

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds(op string) []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, e := range r.events {
		if e.Op == op {
			out = append(out, e.Kind)
		}
	}
	return out
}

type readMarker struct {
	mu  sync.Mutex
	ids []string
}

func (r *readMarker) MarkRead(_ context.Context, id string) *async.Future[struct{}] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return async.Resolved(struct{}{}, nil)
}

func clock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func newTestStore(t *testing.T, opts Options) (*Store, *remotetest.Fake, *recorder) {
	t.Helper()
	fake := remotetest.New(self)
	fake.AddConversation(models.Conversation{ID: "c-1", Participants: []string{self, "bob"}})
	opts.SelfID = self
	if opts.Now == nil {
		opts.Now = clock()
	}
	s := New(fake, opts)
	rec := &recorder{}
	s.AddListener(rec.listen)
	t.Cleanup(s.Close)
	return s, fake, rec
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func heldWithArg(t *testing.T, calls []*remotetest.HeldCall, arg string) *remotetest.HeldCall {
	t.Helper()
	for _, c := range calls {
		if c.Arg == arg {
			return c
		}
	}
	t.Fatalf("no held call with arg %q", arg)
	return nil
}

func TestSendPublishesPendingImmediately(t *testing.T) {
	s, fake, _ := newTestStore(t, Options{})
	ctx := testCtx(t)
	fake.Hold(remotetest.OpSendMessage)

	m, fut, err := s.SendText(ctx, "c-1", "hi")
	require.NoError(t, err)
	assert.True(t, models.IsTempID(m.ID))
	assert.Equal(t, models.DeliveryPending, m.DeliveryState)
	assert.Equal(t, self, m.SenderID)

	msgs := s.Messages("c-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)

	held, err := fake.WaitHeld(ctx, remotetest.OpSendMessage, 1)
	require.NoError(t, err)
	held[0].Release()

	acked, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, models.IsTempID(acked.ID))
	assert.Equal(t, models.DeliverySent, acked.DeliveryState)

	msgs = s.Messages("c-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, acked.ID, msgs[0].ID)
}

func TestAcksApplyInIssuanceOrder(t *testing.T) {
	s, fake, _ := newTestStore(t, Options{})
	ctx := testCtx(t)
	fake.Hold(remotetest.OpSendMessage)

	t1, f1, err := s.SendText(ctx, "c-1", "hi")
	require.NoError(t, err)
	t2, f2, err := s.SendText(ctx, "c-1", "there")
	require.NoError(t, err)

	held, err := fake.WaitHeld(ctx, remotetest.OpSendMessage, 2)
	require.NoError(t, err)

	// the backend answers t2 first
	heldWithArg(t, held, "there").Release()
	assert.Never(t, func() bool {
		_, done, _ := f2.TryResult()
		return done
	}, 50*time.Millisecond, 5*time.Millisecond, "t2 must wait for t1")

	msgs := s.Messages("c-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, t1.ID, msgs[0].ID)
	assert.Equal(t, t2.ID, msgs[1].ID)

	heldWithArg(t, held, "hi").Release()
	m1, err := f1.Wait(ctx)
	require.NoError(t, err)
	m2, err := f2.Wait(ctx)
	require.NoError(t, err)

	msgs = s.Messages("c-1")
	assert.Equal(t, []string{"hi", "there"}, contents(msgs))
	assert.Equal(t, m1.ID, msgs[0].ID)
	assert.Equal(t, m2.ID, msgs[1].ID)
	for _, m := range msgs {
		assert.Equal(t, models.DeliverySent, m.DeliveryState)
		assert.False(t, models.IsTempID(m.ID))
	}
}

func TestOfflineSendsRecoverInOrder(t *testing.T) {
	s, fake, _ := newTestStore(t, Options{})
	ctx := testCtx(t)
	fake.FailAlways(remotetest.OpSendMessage, remotetest.Offline(remotetest.OpSendMessage))

	t1, f1, err := s.SendText(ctx, "c-1", "hi")
	require.NoError(t, err)
	t2, f2, err := s.SendText(ctx, "c-1", "there")
	require.NoError(t, err)
	_, err = f1.Wait(ctx)
	assert.True(t, syncerr.Retryable(err))
	_, err = f2.Wait(ctx)
	assert.True(t, syncerr.Retryable(err))

	for _, m := range s.Messages("c-1") {
		assert.Equal(t, models.DeliveryFailed, m.DeliveryState)
	}

	fake.FailAlways(remotetest.OpSendMessage, nil)
	fake.Hold(remotetest.OpSendMessage)
	_, r1, err := s.Retry(ctx, "c-1", t1.ID)
	require.NoError(t, err)
	_, r2, err := s.Retry(ctx, "c-1", t2.ID)
	require.NoError(t, err)

	held, err := fake.WaitHeld(ctx, remotetest.OpSendMessage, 2)
	require.NoError(t, err)
	heldWithArg(t, held, "there").Release()
	heldWithArg(t, held, "hi").Release()
	_, err = r1.Wait(ctx)
	require.NoError(t, err)
	_, err = r2.Wait(ctx)
	require.NoError(t, err)

	msgs := s.Messages("c-1")
	assert.Equal(t, []string{"hi", "there"}, contents(msgs))
	for _, m := range msgs {
		assert.Equal(t, models.DeliverySent, m.DeliveryState)
	}
}

func TestFailedSendStaysVisible(t *testing.T) {
	s, fake, rec := newTestStore(t, Options{})
	ctx := testCtx(t)
	fake.FailNext(remotetest.OpSendMessage, remotetest.Rejected(remotetest.OpSendMessage))

	m, fut, err := s.SendText(ctx, "c-1", "hello")
	require.NoError(t, err)
	failed, err := fut.Wait(ctx)
	assert.ErrorIs(t, err, syncerr.ErrRemoteRejected)
	assert.Equal(t, m.ID, failed.ID)
	assert.Equal(t, models.DeliveryFailed, failed.DeliveryState)

	msgs := s.Messages("c-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DeliveryFailed, msgs[0].DeliveryState)
	assert.Equal(t, []EventKind{EventFailed}, rec.kinds("send"))

	_, _, err = s.Retry(ctx, "c-1", "local-missing")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestRetryRequiresFailed(t *testing.T) {
	s, fake, _ := newTestStore(t, Options{})
	ctx := testCtx(t)
	fake.Hold(remotetest.OpSendMessage)

	m, _, err := s.SendText(ctx, "c-1", "hi")
	require.NoError(t, err)
	_, _, err = s.Retry(ctx, "c-1", m.ID)
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)
	assert.ErrorIs(t, s.Discard("c-1", m.ID), syncerr.ErrInvalidOperation)
}

func TestDiscardFailedSend(t *testing.T) {
	var dropped []models.Message
	s, fake, _ := newTestStore(t, Options{OnDiscard: func(m models.Message) { dropped = append(dropped, m) }})
	ctx := testCtx(t)
	fake.FailNext(remotetest.OpSendMessage, remotetest.Offline(remotetest.OpSendMessage))

	m, fut, err := s.SendText(ctx, "c-1", "oops")
	require.NoError(t, err)
	_, err = fut.Wait(ctx)
	require.Error(t, err)

	require.NoError(t, s.Discard("c-1", m.ID))
	assert.Empty(t, s.Messages("c-1"))
	require.Len(t, dropped, 1)
	assert.Equal(t, m.ID, dropped[0].ID)
}

func TestSendValidation(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	ctx := testCtx(t)

	_, _, err := s.SendText(ctx, "c-1", "   ")
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)

	both := models.Payload{Text: "x", Audio: models.LocalAudioRef("b1")}
	_, _, err = s.SendWith(ctx, "c-1", both, nil)
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)
	assert.Empty(t, s.Messages("c-1"))
}

func TestSendWithAudioSwapsRef(t *testing.T) {
	s, fake, _ := newTestStore(t, Options{})
	ctx := testCtx(t)

	upload := func(ctx context.Context) (models.Message, error) {
		return fake.UploadAudio(ctx, "c-1", []byte("pcm"))
	}
	m, fut, err := s.SendWith(ctx, "c-1", models.Payload{Audio: models.LocalAudioRef("b1")}, upload)
	require.NoError(t, err)
	id, ok := m.AudioRef.LocalBlobID()
	require.True(t, ok)
	assert.Equal(t, "b1", id)

	acked, err := fut.Wait(ctx)
	require.NoError(t, err)
	_, local := acked.AudioRef.LocalBlobID()
	assert.False(t, local)
	assert.Equal(t, []byte("pcm"), fake.LastUpload())
}

func TestLoadReconciles(t *testing.T) {
	s, fake, _ := newTestStore(t, Options{})
	ctx := testCtx(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	fake.Deliver(models.Message{ID: "m-b", ConversationID: "c-1", SenderID: "bob", Content: "second", CreatedAt: base.Add(time.Minute)})
	fake.Deliver(models.Message{ID: "m-a", ConversationID: "c-1", SenderID: "bob", Content: "first", CreatedAt: base})
	fake.Deliver(models.Message{ID: "m-c", ConversationID: "c-1", SenderID: "bob", Content: "tie", CreatedAt: base.Add(time.Minute)})

	fake.FailNext(remotetest.OpSendMessage, remotetest.Offline(remotetest.OpSendMessage))
	_, fut, err := s.SendText(ctx, "c-1", "mine")
	require.NoError(t, err)
	_, _ = fut.Wait(ctx)

	msgs, err := s.Load(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "tie", "mine"}, contents(msgs))
	assert.Equal(t, models.DeliveryFailed, msgs[3].DeliveryState)
	assert.True(t, s.Loaded("c-1"))

	tail, ok := s.Tail("c-1")
	require.True(t, ok)
	assert.Equal(t, "mine", tail.Content)
}

func TestLoadFailureKeepsSnapshot(t *testing.T) {
	s, fake, _ := newTestStore(t, Options{})
	ctx := testCtx(t)
	fake.Deliver(models.Message{ConversationID: "c-1", SenderID: "bob", Content: "hey"})
	_, err := s.Load(ctx, "c-1")
	require.NoError(t, err)

	fake.FailNext(remotetest.OpListMessages, remotetest.Offline(remotetest.OpListMessages))
	msgs, err := s.Load(ctx, "c-1")
	assert.True(t, syncerr.Retryable(err))
	assert.Equal(t, []string{"hey"}, contents(msgs))
}

func TestTombstoneSurvivesLoad(t *testing.T) {
	s, fake, _ := newTestStore(t, Options{})
	ctx := testCtx(t)
	m := fake.Deliver(models.Message{ConversationID: "c-1", SenderID: "bob", Content: "secret"})
	_, err := s.Load(ctx, "c-1")
	require.NoError(t, err)

	fake.Hold(remotetest.OpDeleteMessage)
	fut, err := s.DeleteAsync(ctx, m.ID)
	require.NoError(t, err)

	msgs := s.Messages("c-1")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Content)

	// the backend still shows the old content while the delete is in flight
	msgs, err = s.Load(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Content)

	held, err := fake.WaitHeld(ctx, remotetest.OpDeleteMessage, 1)
	require.NoError(t, err)
	held[0].Release()
	_, err = fut.Wait(ctx)
	require.NoError(t, err)

	msgs, err = s.Load(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Content)
}

func TestDeleteRevertsOnFailure(t *testing.T) {
	s, fake, rec := newTestStore(t, Options{})
	ctx := testCtx(t)
	m := fake.Deliver(models.Message{ConversationID: "c-1", SenderID: self, Content: "keep"})
	_, err := s.Load(ctx, "c-1")
	require.NoError(t, err)

	fake.FailNext(remotetest.OpDeleteMessage, remotetest.Offline(remotetest.OpDeleteMessage))
	err = s.Delete(ctx, m.ID)
	assert.True(t, syncerr.Retryable(err))

	msgs := s.Messages("c-1")
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].IsDeleted)
	assert.Equal(t, "keep", msgs[0].Content)
	assert.Equal(t, []EventKind{EventFailed}, rec.kinds("delete"))
}

func TestDeleteNotFoundResyncs(t *testing.T) {
	s, fake, rec := newTestStore(t, Options{})
	ctx := testCtx(t)
	m := fake.Deliver(models.Message{ConversationID: "c-1", SenderID: self, Content: "stale"})
	_, err := s.Load(ctx, "c-1")
	require.NoError(t, err)

	fake.FailNext(remotetest.OpDeleteMessage, syncerr.Newf(syncerr.ErrNotFound, "message %s", m.ID))
	require.NoError(t, s.Delete(ctx, m.ID))
	assert.Equal(t, []EventKind{EventAccepted, EventResync}, rec.kinds("delete"))
	assert.True(t, s.Messages("c-1")[0].IsDeleted)
}

func TestDeletePendingIsLocal(t *testing.T) {
	s, fake, _ := newTestStore(t, Options{})
	ctx := testCtx(t)
	fake.Hold(remotetest.OpSendMessage)

	m, sendFut, err := s.SendText(ctx, "c-1", "never mind")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, m.ID))
	assert.Empty(t, s.Messages("c-1"))
	assert.Equal(t, 0, fake.Calls(remotetest.OpDeleteMessage))

	// the send still lands remotely; its server copy gets deleted
	held, err := fake.WaitHeld(ctx, remotetest.OpSendMessage, 1)
	require.NoError(t, err)
	held[0].Release()
	final, err := sendFut.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, final.IsDeleted)

	require.Eventually(t, func() bool {
		return fake.Calls(remotetest.OpDeleteMessage) == 1
	}, time.Second, 5*time.Millisecond)

	msgs, err := s.Load(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestEditAudioIsInvalid(t *testing.T) {
	s, fake, _ := newTestStore(t, Options{})
	ctx := testCtx(t)
	audio, err := fake.UploadAudio(ctx, "c-1", []byte("pcm"))
	require.NoError(t, err)
	_, err = s.Load(ctx, "c-1")
	require.NoError(t, err)

	_, err = s.Edit(ctx, audio.ID, "text now")
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)
	assert.Equal(t, 0, fake.Calls(remotetest.OpEditMessage))

	msgs := s.Messages("c-1")
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Content)
	assert.False(t, msgs[0].IsEdited)
	require.NotNil(t, msgs[0].AudioRef)
}

func TestEditRules(t *testing.T) {
	s, fake, _ := newTestStore(t, Options{})
	ctx := testCtx(t)
	m := fake.Deliver(models.Message{ConversationID: "c-1", SenderID: self, Content: "v1"})
	_, err := s.Load(ctx, "c-1")
	require.NoError(t, err)

	_, err = s.Edit(ctx, "m-unknown", "x")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
	_, err = s.Edit(ctx, m.ID, "")
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)

	fake.Hold(remotetest.OpSendMessage)
	pending, _, err := s.SendText(ctx, "c-1", "unsent")
	require.NoError(t, err)
	_, err = s.Edit(ctx, pending.ID, "changed")
	assert.ErrorIs(t, err, syncerr.ErrInvalidOperation)
}

func TestEditOptimisticThenAcked(t *testing.T) {
	s, fake, rec := newTestStore(t, Options{})
	ctx := testCtx(t)
	m := fake.Deliver(models.Message{ConversationID: "c-1", SenderID: self, Content: "v1"})
	_, err := s.Load(ctx, "c-1")
	require.NoError(t, err)

	fake.Hold(remotetest.OpEditMessage)
	shown, fut, err := s.EditAsync(ctx, m.ID, "v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", shown.Content)
	assert.True(t, shown.IsEdited)
	require.NotNil(t, shown.UpdatedAt)
	assert.Equal(t, "v2", s.Messages("c-1")[0].Content)

	held, err := fake.WaitHeld(ctx, remotetest.OpEditMessage, 1)
	require.NoError(t, err)
	held[0].Release()
	final, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", final.Content)
	assert.Equal(t, []EventKind{EventAccepted}, rec.kinds("edit"))
}

func TestEditRevertsOnRejection(t *testing.T) {
	s, fake, rec := newTestStore(t, Options{})
	ctx := testCtx(t)
	m := fake.Deliver(models.Message{ConversationID: "c-1", SenderID: self, Content: "original"})
	_, err := s.Load(ctx, "c-1")
	require.NoError(t, err)

	fake.FailNext(remotetest.OpEditMessage, remotetest.Rejected(remotetest.OpEditMessage))
	_, err = s.Edit(ctx, m.ID, "changed")
	assert.ErrorIs(t, err, syncerr.ErrRemoteRejected)

	got := s.Messages("c-1")[0]
	assert.Equal(t, "original", got.Content)
	assert.False(t, got.IsEdited)
	assert.Nil(t, got.UpdatedAt)
	assert.Equal(t, []EventKind{EventFailed}, rec.kinds("edit"))
}

func TestEditsOutOfOrderKeepNewest(t *testing.T) {
	s, fake, _ := newTestStore(t, Options{})
	ctx := testCtx(t)
	m := fake.Deliver(models.Message{ConversationID: "c-1", SenderID: self, Content: "v1"})
	_, err := s.Load(ctx, "c-1")
	require.NoError(t, err)

	fake.Hold(remotetest.OpEditMessage)
	_, f2, err := s.EditAsync(ctx, m.ID, "v2")
	require.NoError(t, err)
	_, f3, err := s.EditAsync(ctx, m.ID, "v3")
	require.NoError(t, err)

	held, err := fake.WaitHeld(ctx, remotetest.OpEditMessage, 2)
	require.NoError(t, err)
	// both calls carry the same message id; answer them in reverse arrival
	held[1].Release()
	held[0].Release()
	_, err = f2.Wait(ctx)
	require.NoError(t, err)
	_, err = f3.Wait(ctx)
	require.NoError(t, err)

	// each ack carries its own content, so the newest edit stays on screen
	shown := s.Messages("c-1")[0]
	assert.True(t, shown.IsEdited)
	assert.Equal(t, "v3", shown.Content)
}

func TestWarmStartMarksPendingFailed(t *testing.T) {
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.SaveThread("c-1", []models.Message{
		{ID: "srv-old", ConversationID: "c-1", SenderID: "bob", Content: "old", DeliveryState: models.DeliverySent},
		{ID: models.TempIDPrefix + "x", ConversationID: "c-1", SenderID: self, Content: "unsent", DeliveryState: models.DeliveryPending},
	}))

	s, fake, _ := newTestStore(t, Options{Snapshots: db})
	ctx := testCtx(t)

	msgs := s.Messages("c-1")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.DeliveryFailed, msgs[1].DeliveryState)
	assert.False(t, s.Loaded("c-1"))

	_, fut, err := s.Retry(ctx, "c-1", msgs[1].ID)
	require.NoError(t, err)
	acked, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "unsent", acked.Content)
	assert.Equal(t, 1, fake.Calls(remotetest.OpSendMessage))

	require.Eventually(t, func() bool {
		saved, err := db.LoadThread("c-1")
		return err == nil && len(saved) == 2 && saved[1].ID == acked.ID
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "srv-old", s.Messages("c-1")[0].ID)
}

func TestSubscribeSeesUpdates(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	ctx := testCtx(t)

	ch, cancel := s.Subscribe("c-1")
	defer cancel()
	first := <-ch
	assert.Empty(t, first)

	_, fut, err := s.SendText(ctx, "c-1", "hi")
	require.NoError(t, err)
	_, err = fut.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case msgs := <-ch:
			return len(msgs) == 1 && msgs[0].DeliveryState == models.DeliverySent
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMarkConversationReadDelegates(t *testing.T) {
	reads := &readMarker{}
	s, _, _ := newTestStore(t, Options{Reads: reads})
	_, err := s.MarkConversationRead(testCtx(t), "c-1").Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"c-1"}, reads.ids)
}
