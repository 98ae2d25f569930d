package thread

import (
	"chatsync/pkg/models"
)

type EventKind string

const (
	// EventAccepted: the backend accepted a send, edit or delete.
	EventAccepted EventKind = "accepted"
	// EventResync: local state referenced something the backend no longer
	// has; the thread should be reloaded.
	EventResync EventKind = "resync"
	// EventFailed: an optimistic mutation was rejected and reverted, or a
	// send was marked failed.
	EventFailed EventKind = "failed"
)

// Event reports the outcome of a remote acknowledgment.
type Event struct {
	Kind           EventKind
	ConversationID string
	Op             string
	Message        models.Message
	Err            error
}

// Listener receives events on the goroutine that applied the outcome, after
// the store lock is released.
type Listener func(Event)

// outcome collects side effects of applies made under the lock.
type outcome struct {
	events  []Event
	resolve []func()
	changed bool
}

func (o *outcome) emit(e Event) { o.events = append(o.events, e) }

func (o *outcome) then(fn func()) { o.resolve = append(o.resolve, fn) }
