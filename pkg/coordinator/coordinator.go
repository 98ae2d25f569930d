// Package coordinator ties the directory, the thread store and the
// attachment pipeline together. It owns the open conversation, routes thread
// outcomes to the directory and keeps the directory refreshed.
package coordinator

import (
	"context"
	"sync"

	"chatsync/pkg/async"
	"chatsync/pkg/attachment"
	"chatsync/pkg/directory"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/observe"
	"chatsync/pkg/thread"
)

type Options struct {
	Surface *observe.Surface
	// Scope is the parent of every conversation scope.
	Scope *async.Scope
}

type Coordinator struct {
	dir     *directory.Directory
	threads *thread.Store
	media   *attachment.Pipeline
	surface *observe.Surface
	scope   *async.Scope

	mu        sync.Mutex
	open      string
	openScope *async.Scope
	unsub     func()

	statusMu sync.Mutex
	status   observe.Status
}

func New(dir *directory.Directory, threads *thread.Store, media *attachment.Pipeline, opts Options) *Coordinator {
	if opts.Surface == nil {
		opts.Surface = observe.NewSurface()
	}
	if opts.Scope == nil {
		opts.Scope = async.NewScope(context.Background())
	}
	c := &Coordinator{
		dir:     dir,
		threads: threads,
		media:   media,
		surface: opts.Surface,
		scope:   opts.Scope,
	}
	threads.AddListener(c.onEvent)
	return c
}

func (c *Coordinator) Surface() *observe.Surface { return c.surface }

// OpenConversation returns the conversation on screen, if any.
func (c *Coordinator) OpenConversation() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open, c.open != ""
}

// Open shows a conversation: it becomes the open thread, is reloaded from the
// backend and, once the reload succeeded, marked read. A failed reload keeps
// the cached messages and leaves the unread count alone.
func (c *Coordinator) Open(ctx context.Context, conversationID string) ([]models.Message, error) {
	c.mu.Lock()
	prev := c.open
	c.mu.Unlock()
	if prev != "" && prev != conversationID {
		c.Leave(prev)
	}

	c.mu.Lock()
	if c.open != conversationID {
		c.open = conversationID
		c.openScope = async.NewScope(c.scope.Context())
		ch, unsub := c.threads.Subscribe(conversationID)
		c.unsub = unsub
		c.openScope.Go(func(ctx context.Context) { c.forward(ctx, conversationID, ch) })
		c.dir.SetOpen(conversationID)
		logger.Info("conversation_opened", "conversation_id", conversationID)
	}
	c.mu.Unlock()

	c.setStatus(func(s *observe.Status) { s.Loading = true })
	msgs, err := c.threads.Load(ctx, conversationID)
	if err != nil {
		c.setStatus(func(s *observe.Status) {
			s.Loading = false
			s.Err = err
		})
		return msgs, err
	}
	c.setStatus(func(s *observe.Status) {
		s.Loading = false
		s.Err = nil
	})
	c.syncPreview(conversationID, msgs)
	c.dir.MarkRead(ctx, conversationID)
	return msgs, nil
}

// syncPreview folds the newest delivered message of a reloaded thread into
// the directory.
func (c *Coordinator) syncPreview(conversationID string, msgs []models.Message) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if !models.IsTempID(msgs[i].ID) {
			c.dir.SyncPreview(conversationID, msgs[i])
			return
		}
	}
}

// Leave closes the conversation view: playback stops and conversation-scoped
// work is cancelled. The thread stays cached and in-flight sends continue.
func (c *Coordinator) Leave(conversationID string) {
	c.mu.Lock()
	if c.open != conversationID || c.open == "" {
		c.mu.Unlock()
		return
	}
	scope, unsub := c.openScope, c.unsub
	c.open, c.openScope, c.unsub = "", nil, nil
	c.mu.Unlock()

	if c.media != nil {
		c.media.StopPlayback()
	}
	unsub()
	scope.Close()
	c.dir.ClearOpen(conversationID)
	c.surface.OpenThread.Publish(observe.ThreadView{})
	logger.Info("conversation_left", "conversation_id", conversationID)
}

func (c *Coordinator) forward(ctx context.Context, conversationID string, ch <-chan []models.Message) {
	for {
		select {
		case msgs, ok := <-ch:
			if !ok {
				return
			}
			c.surface.OpenThread.Publish(observe.ThreadView{ConversationID: conversationID, Messages: msgs})
		case <-ctx.Done():
			return
		}
	}
}

// Refresh reloads the directory now.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.dir.Refresh(ctx)
}

// Close leaves the open conversation and waits for coordinator work.
func (c *Coordinator) Close() {
	if id, ok := c.OpenConversation(); ok {
		c.Leave(id)
	}
	c.scope.Close()
}

func (c *Coordinator) onEvent(e thread.Event) {
	switch e.Kind {
	case thread.EventAccepted:
		if e.Message.ID != "" {
			c.dir.ApplyPreviewUpdate(e.ConversationID, e.Message)
		}
	case thread.EventResync:
		c.resync(e.ConversationID)
	case thread.EventFailed:
		c.setStatus(func(s *observe.Status) { s.Err = e.Err })
	}
}

// resync reloads an open conversation in its scope. Closed conversations
// are reconciled on their next Open.
func (c *Coordinator) resync(conversationID string) {
	c.mu.Lock()
	scope := c.openScope
	open := c.open == conversationID
	c.mu.Unlock()
	if !open || scope == nil {
		return
	}
	scope.Go(func(ctx context.Context) {
		msgs, err := c.threads.Load(ctx, conversationID)
		if err != nil {
			logger.Warn("resync_failed", "conversation_id", conversationID, "error", err)
			return
		}
		c.syncPreview(conversationID, msgs)
		logger.Debug("resync_done", "conversation_id", conversationID)
	})
}

func (c *Coordinator) setStatus(fn func(*observe.Status)) {
	c.statusMu.Lock()
	fn(&c.status)
	st := c.status
	c.statusMu.Unlock()
	c.surface.ThreadStatus.Publish(st)
}
