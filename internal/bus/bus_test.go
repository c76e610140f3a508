package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishEvent_DropsWhenFull(t *testing.T) {
	b := NewMessageBus(2, nil)
	for i := 0; i < 2; i++ {
		if !b.PublishEvent(Event{Kind: EventJoin, Nick: "a"}) {
			t.Fatalf("publish %d should succeed", i)
		}
	}
	if b.PublishEvent(Event{Kind: EventJoin, Nick: "c"}) {
		t.Fatal("publish on full buffer should report a drop")
	}
	ev := <-b.Events
	if ev.Timestamp.IsZero() {
		t.Error("timestamp should be stamped")
	}
}

func TestPublishEvent_DropIsNotified(t *testing.T) {
	b := NewMessageBus(1, nil)
	notes, unsubscribe := b.Subscribe(4)
	defer unsubscribe()

	b.PublishEvent(Event{Kind: EventJoin, Nick: "a"})
	if b.PublishEvent(Event{Kind: EventJoin, Nick: "lea"}) {
		t.Fatal("publish on full buffer should report a drop")
	}

	select {
	case n := <-notes:
		if n.Source != SourceWarning || n.Handle != "lea" {
			t.Fatalf("notification = %+v, want a warning about lea", n)
		}
	case <-time.After(time.Second):
		t.Fatal("dropped event was not notified")
	}
	if len(notes) != 0 {
		t.Errorf("extra notifications queued: %d", len(notes))
	}
}

func TestSend_SingleDispatcher(t *testing.T) {
	b := NewMessageBus(16, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
		sent     []string
	)
	send := func(target, content string) error {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inFlight--
		sent = append(sent, target)
		mu.Unlock()
		if target == "bad" {
			return errors.New("not connected")
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.DispatchOutbound(ctx, send)
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Send(context.Background(), "nina", "salut"); err != nil {
				t.Errorf("Send error: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := b.Send(context.Background(), "bad", "x"); err == nil {
		t.Error("expected transport error to reach the caller")
	}

	cancel()
	<-done

	if maxSeen != 1 {
		t.Fatalf("max concurrent sends = %d, want 1", maxSeen)
	}
	if len(sent) != 9 {
		t.Fatalf("sent %d messages, want 9", len(sent))
	}
}

func TestSend_FullQueue(t *testing.T) {
	b := NewMessageBus(1, nil)
	b.Outbound <- OutboundMessage{Target: "x"}
	if err := b.Send(context.Background(), "y", "z"); !errors.Is(err, ErrOutboundFull) {
		t.Fatalf("Send = %v, want ErrOutboundFull", err)
	}
}

func TestSend_ContextTimeout(t *testing.T) {
	b := NewMessageBus(4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Send(ctx, "nobody", "listening"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send = %v, want deadline exceeded", err)
	}
}

func TestDispatchOutbound_FailsQueuedOnStop(t *testing.T) {
	b := NewMessageBus(4, nil)
	msg := OutboundMessage{Target: "late", Content: "x", Done: make(chan error, 1)}
	b.Outbound <- msg

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Either the message was sent before ctx was observed or it was failed.
	b.DispatchOutbound(ctx, func(string, string) error { return nil })
	select {
	case <-msg.Done:
	case <-time.After(time.Second):
		t.Fatal("queued message never answered")
	}
}

func TestNotify_FanOut(t *testing.T) {
	b := NewMessageBus(4, nil)
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(1)
	defer unsub1()

	b.Notify(Notification{Source: SourceBot, Handle: "lea", Message: "first"})
	b.Notify(Notification{Source: SourceBot, Handle: "lea", Message: "second"})

	if n := <-ch1; n.Message != "first" || n.Timestamp.IsZero() {
		t.Fatalf("ch1 got %+v", n)
	}
	if n := <-ch1; n.Message != "second" {
		t.Fatalf("ch1 got %+v", n)
	}
	// ch2 has room for one; the second is dropped instead of blocking.
	if n := <-ch2; n.Message != "first" {
		t.Fatalf("ch2 got %+v", n)
	}
	select {
	case n := <-ch2:
		t.Fatalf("ch2 unexpectedly got %+v", n)
	default:
	}

	unsub2()
	unsub2()
	if _, ok := <-ch2; ok {
		t.Fatal("unsubscribed channel should be closed")
	}
	b.Notify(Notification{Source: SourceSystem, Message: "after"})
}

func TestNotificationString(t *testing.T) {
	n := Notification{Source: SourceAnalysis, Message: "alex analysé", Timestamp: time.Date(2026, 1, 1, 9, 5, 7, 0, time.UTC)}
	if got, want := n.String(), "[09:05:07] [Analyse] alex analysé"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
