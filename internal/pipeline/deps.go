package pipeline

import (
	"context"

	"github.com/stellarlinkco/accueil/internal/bus"
	"github.com/stellarlinkco/accueil/internal/store"
)

// ProfileReader is the read side of the profile store.
type ProfileReader interface {
	Get(handle string) store.UserProfile
}

// ProfileLookup tells an unknown handle apart from a failed read, so that
// analysis never writes guesses over a profile it could not load.
type ProfileLookup interface {
	Lookup(handle string) (p store.UserProfile, found bool, err error)
}

// HistoryReader adds interaction history to ProfileReader.
type HistoryReader interface {
	ProfileReader
	History(handle string, limit int) ([]store.InteractionRecord, error)
}

// Submitter is the write side: every mutation goes through the single writer.
type Submitter interface {
	Submit(store.WriteIntent) error
}

// Flusher is implemented by submitters that can wait for their queue to drain.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Sender delivers a direct message and reports the transport result.
type Sender interface {
	Send(ctx context.Context, target, content string) error
}

type Notifier interface {
	Notify(bus.Notification)
}

type nopNotifier struct{}

func (nopNotifier) Notify(bus.Notification) {}

func notify(n Notifier, source, handle, msg string) {
	n.Notify(bus.Notification{Source: source, Handle: handle, Message: msg})
}
