package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOutboundFull means the outbound queue had no room for the message.
var ErrOutboundFull = errors.New("outbound queue full")

// MessageBus carries protocol events in, direct messages out, and fans
// notifications out to every subscriber.
type MessageBus struct {
	Events   chan Event
	Outbound chan OutboundMessage

	logger *zap.Logger

	subsMu sync.RWMutex
	subs   map[int]chan Notification
	nextID int
}

func NewMessageBus(bufSize int, logger *zap.Logger) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageBus{
		Events:   make(chan Event, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		logger:   logger.Named("bus"),
		subs:     make(map[int]chan Notification),
	}
}

// PublishEvent queues ev without blocking the protocol reader. It reports
// false when the event buffer is full and the event was dropped.
func (b *MessageBus) PublishEvent(ev Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.Events <- ev:
		return true
	default:
		b.logger.Warn("event buffer full, event dropped", zap.Stringer("kind", ev.Kind), zap.String("nick", ev.Nick))
		b.Notify(Notification{
			Source:  SourceWarning,
			Handle:  ev.Nick,
			Message: fmt.Sprintf("File d'événements pleine, %s de %s ignoré", ev.Kind, ev.Nick),
		})
		return false
	}
}

// Send queues a direct message and waits for the dispatcher to report the
// transport result, or for ctx to end.
func (b *MessageBus) Send(ctx context.Context, target, content string) error {
	msg := OutboundMessage{Target: target, Content: content, Done: make(chan error, 1)}
	select {
	case b.Outbound <- msg:
	default:
		return ErrOutboundFull
	}
	select {
	case err := <-msg.Done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchOutbound is the only caller of send. It runs until ctx ends and
// then fails whatever is still queued.
func (b *MessageBus) DispatchOutbound(ctx context.Context, send func(target, content string) error) {
	for {
		select {
		case msg := <-b.Outbound:
			err := send(msg.Target, msg.Content)
			if err != nil {
				b.logger.Warn("outbound send failed", zap.String("target", msg.Target), zap.Error(err))
			}
			reply(msg, err)
		case <-ctx.Done():
			for {
				select {
				case msg := <-b.Outbound:
					reply(msg, ctx.Err())
				default:
					return
				}
			}
		}
	}
}

func reply(msg OutboundMessage, err error) {
	if msg.Done == nil {
		return
	}
	select {
	case msg.Done <- err:
	default:
	}
}

// Subscribe registers a notification listener with its own buffer. Slow
// listeners miss notifications rather than stall the sender. The returned
// func unsubscribes and closes the channel.
func (b *MessageBus) Subscribe(buf int) (<-chan Notification, func()) {
	if buf <= 0 {
		buf = 32
	}
	ch := make(chan Notification, buf)

	b.subsMu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.subsMu.Lock()
			delete(b.subs, id)
			close(ch)
			b.subsMu.Unlock()
		})
	}
}

// Notify fans n out to every subscriber without blocking.
func (b *MessageBus) Notify(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	b.logger.Debug("notification", zap.String("source", n.Source), zap.String("handle", n.Handle), zap.String("message", n.Message))

	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
