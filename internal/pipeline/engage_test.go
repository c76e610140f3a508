package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stellarlinkco/accueil/internal/bus"
	"github.com/stellarlinkco/accueil/internal/store"
)

func TestOpeningLines(t *testing.T) {
	base := OpeningLines(store.UserProfile{Handle: "xyz"})
	if len(base) != 4 {
		t.Fatalf("base set has %d lines, want 4", len(base))
	}
	for _, l := range base {
		if !strings.Contains(l, "xyz") {
			t.Errorf("line %q does not address the user", l)
		}
	}

	full := OpeningLines(store.UserProfile{Handle: "xyz", City: "Lyon", Age: 21})
	if len(full) != 6 {
		t.Fatalf("personalized set has %d lines, want 6", len(full))
	}
	if diff := cmp.Diff(base, full[:4]); diff != "" {
		t.Errorf("personalization must extend the base set (-want +got):\n%s", diff)
	}
	if full[4] != "Salut xyz ! Tu es de Lyon aussi ?" || full[5] != "Hey xyz ! Tu es étudiant ?" {
		t.Errorf("personalized lines = %q", full[4:])
	}

	if got := len(OpeningLines(store.UserProfile{Handle: "xyz", Age: 26})); got != 4 {
		t.Errorf("age 26 should not add the student line, got %d lines", got)
	}
}

func TestEngage(t *testing.T) {
	sender := &fakeSender{}
	sub := &recordingSubmitter{}
	notes := &recordingNotifier{}
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	e := NewEngager(sender, sub, notes, EngagerOptions{
		Rand: rand.New(rand.NewPCG(1, 1)),
		Now:  func() time.Time { return now },
	})

	in := store.UserProfile{Handle: "lea", Age: 20, City: "Nice", Targeted: true}
	out, err := e.Engage(context.Background(), in)
	if err != nil {
		t.Fatalf("Engage error: %v", err)
	}
	if out.ConversationCount != 1 || !out.LastSeen.Equal(now) {
		t.Fatalf("engaged profile = %+v", out)
	}

	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].target != "lea" {
		t.Fatalf("sent = %+v", msgs)
	}
	candidates := OpeningLines(in)
	found := false
	for _, c := range candidates {
		found = found || c == msgs[0].content
	}
	if !found {
		t.Fatalf("sent %q is not a candidate line", msgs[0].content)
	}

	want := []store.IntentKind{store.IntentSaveProfile, store.IntentAppendInteraction}
	if diff := cmp.Diff(want, sub.kinds()); diff != "" {
		t.Fatalf("intents (-want +got):\n%s", diff)
	}
	rec := sub.intents[1].Interaction
	if rec.Tag != TagOpening || rec.Outbound != msgs[0].content || rec.ID == "" || !rec.Timestamp.Equal(now) {
		t.Fatalf("interaction = %+v", rec)
	}
	if notes.count(bus.SourceBot) != 1 {
		t.Fatal("expected a Bot notification")
	}
}

func TestEngage_UniformChoice(t *testing.T) {
	e := NewEngager(&fakeSender{}, &recordingSubmitter{}, nil, EngagerOptions{Rand: rand.New(rand.NewPCG(3, 4))})
	p := store.UserProfile{Handle: "u", City: "Lille", Age: 19}
	seen := map[string]int{}
	for i := 0; i < 600; i++ {
		lines := OpeningLines(p)
		seen[lines[e.pick(len(lines))]]++
	}
	if len(seen) != 6 {
		t.Fatalf("picked %d distinct lines, want all 6", len(seen))
	}
	for line, n := range seen {
		if n < 50 {
			t.Errorf("line %q picked only %d/600 times", line, n)
		}
	}
}

func TestEngage_SendFailurePersistsNothing(t *testing.T) {
	sender := &fakeSender{err: errors.New("not connected")}
	sub := &recordingSubmitter{}
	notes := &recordingNotifier{}
	e := NewEngager(sender, sub, notes, EngagerOptions{})

	out, err := e.Engage(context.Background(), store.UserProfile{Handle: "sam"})
	if err == nil {
		t.Fatal("expected send error")
	}
	if out.ConversationCount != 0 {
		t.Fatalf("count = %d after failed send", out.ConversationCount)
	}
	if len(sub.kinds()) != 0 {
		t.Fatalf("intents submitted after failed send: %v", sub.kinds())
	}
	if notes.count(bus.SourceError) != 1 {
		t.Fatal("expected an Erreur notification")
	}
}
