package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/accueil/internal/bus"
	"github.com/stellarlinkco/accueil/internal/store"
)

// TagOpening marks interactions the bot started.
const TagOpening = "opening"

// OpeningLines returns the candidate first messages for p. Known city and
// student-age profiles add lines to the base set; they never replace it.
func OpeningLines(p store.UserProfile) []string {
	u := p.Handle
	lines := []string{
		fmt.Sprintf("Salut %s ! Comment ça va ?", u),
		fmt.Sprintf("Hello %s ! Tu es souvent sur ce salon ?", u),
		fmt.Sprintf("Coucou %s ! Belle journée n'est-ce pas ?", u),
		fmt.Sprintf("Salut %s ! Tu fais quoi de beau ?", u),
	}
	if p.City != "" {
		lines = append(lines, fmt.Sprintf("Salut %s ! Tu es de %s aussi ?", u, p.City))
	}
	if p.Age >= 18 && p.Age <= 25 {
		lines = append(lines, fmt.Sprintf("Hey %s ! Tu es étudiant ?", u))
	}
	return lines
}

type EngagerOptions struct {
	SendTimeout time.Duration
	Rand        *rand.Rand // nil uses the global source
	Now         func() time.Time
	Logger      *zap.Logger
}

// Engager sends the one opening message a targeted handle ever receives
// from the analysis path.
type Engager struct {
	sender   Sender
	writer   Submitter
	notifier Notifier
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewEngager(sender Sender, writer Submitter, notifier Notifier, opts EngagerOptions) *Engager {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engager{
		sender:   sender,
		writer:   writer,
		notifier: notifier,
		logger:   opts.Logger.Named("engage"),
		timeout:  opts.SendTimeout,
		now:      opts.Now,
		rng:      opts.Rand,
	}
}

func (e *Engager) pick(n int) int {
	if e.rng == nil {
		return rand.IntN(n)
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.IntN(n)
}

// Engage sends an opening line to p.Handle, bumps its conversation count
// and records the exchange. On a send failure nothing is persisted, so the
// next analysis of the handle may try again.
func (e *Engager) Engage(ctx context.Context, p store.UserProfile) (store.UserProfile, error) {
	lines := OpeningLines(p)
	msg := lines[e.pick(len(lines))]

	sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
	err := e.sender.Send(sendCtx, p.Handle, msg)
	cancel()
	if err != nil {
		e.logger.Warn("opening message not sent", zap.String("handle", p.Handle), zap.Error(err))
		notify(e.notifier, bus.SourceError, p.Handle, fmt.Sprintf("Erreur initiation conversation avec %s: %v", p.Handle, err))
		return p, fmt.Errorf("send opening to %s: %w", p.Handle, err)
	}

	now := e.now()
	p.ConversationCount++
	p.LastSeen = now
	if err := e.writer.Submit(store.SaveProfile(p)); err != nil {
		e.logger.Warn("engaged profile not persisted", zap.String("handle", p.Handle), zap.Error(err))
		notify(e.notifier, bus.SourceWarning, p.Handle, fmt.Sprintf("Profil de %s non sauvegardé: %v", p.Handle, err))
	}
	record := store.InteractionRecord{
		ID:        uuid.NewString(),
		Handle:    p.Handle,
		Outbound:  msg,
		Timestamp: now,
		Tag:       TagOpening,
	}
	if err := e.writer.Submit(store.AppendInteraction(record)); err != nil {
		e.logger.Warn("opening interaction not persisted", zap.String("handle", p.Handle), zap.Error(err))
		notify(e.notifier, bus.SourceWarning, p.Handle, fmt.Sprintf("Interaction avec %s non sauvegardée: %v", p.Handle, err))
	}

	e.logger.Info("conversation started", zap.String("handle", p.Handle))
	notify(e.notifier, bus.SourceBot, p.Handle, fmt.Sprintf("Conversation initiée avec %s: %s", p.Handle, msg))
	return p, nil
}
