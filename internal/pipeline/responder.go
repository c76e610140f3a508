package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/stellarlinkco/accueil/internal/bus"
	"github.com/stellarlinkco/accueil/internal/config"
	"github.com/stellarlinkco/accueil/internal/generation"
	"github.com/stellarlinkco/accueil/internal/store"
)

// ErrBusy means every generation slot was taken and the message was shed.
var ErrBusy = errors.New("responder busy")

const TagGenerated = "generated"

// FallbackTag is the interaction tag for a reply chosen after a failure of kind.
func FallbackTag(kind generation.Kind) string {
	return "fallback:" + kind.String()
}

type ResponderOptions struct {
	MaxConcurrent  int
	Timeout        time.Duration
	HistoryContext int
	SendTimeout    time.Duration
	Rand           *rand.Rand
	Now            func() time.Time
	Logger         *zap.Logger
}

// Reply is what the bot answered and why.
type Reply struct {
	Text string
	Tag  string
}

// Responder answers private messages. Generation failures never reach the
// user: a local fallback line is sent instead.
type Responder struct {
	reader   HistoryReader
	writer   Submitter
	gen      generation.Generator
	sender   Sender
	notifier Notifier
	logger   *zap.Logger
	opts     ResponderOptions
	sem      *semaphore.Weighted
	persona  atomic.Pointer[config.BotConfig]

	rngMu sync.Mutex
	wg    sync.WaitGroup
}

func NewResponder(reader HistoryReader, writer Submitter, gen generation.Generator, sender Sender, notifier Notifier, persona config.BotConfig, opts ResponderOptions) *Responder {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HistoryContext <= 0 {
		opts.HistoryContext = 5
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	r := &Responder{
		reader:   reader,
		writer:   writer,
		gen:      gen,
		sender:   sender,
		notifier: notifier,
		logger:   opts.Logger.Named("responder"),
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
	r.persona.Store(&persona)
	return r
}

func (r *Responder) SetPersona(p config.BotConfig) {
	r.persona.Store(&p)
}

// Dispatch answers in the background when a generation slot is free and
// sheds the message otherwise, so the event loop never waits on generation.
func (r *Responder) Dispatch(ctx context.Context, handle, text string) error {
	if !r.sem.TryAcquire(1) {
		r.logger.Warn("responder busy, message dropped", zap.String("handle", handle))
		notify(r.notifier, bus.SourceWarning, handle, fmt.Sprintf("Trop de réponses en cours, message de %s ignoré", handle))
		return ErrBusy
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		_, _ = r.respond(ctx, handle, text)
	}()
	return nil
}

// Respond answers synchronously, waiting for a generation slot.
func (r *Responder) Respond(ctx context.Context, handle, text string) (Reply, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Reply{}, err
	}
	defer r.sem.Release(1)
	return r.respond(ctx, handle, text)
}

// Wait blocks until every dispatched reply has finished.
func (r *Responder) Wait() {
	r.wg.Wait()
}

func (r *Responder) respond(ctx context.Context, handle, text string) (Reply, error) {
	persona := *r.persona.Load()
	prof := r.reader.Get(handle)
	history, err := r.reader.History(handle, r.opts.HistoryContext)
	if err != nil {
		r.logger.Warn("history unavailable", zap.String("handle", handle), zap.Error(err))
	}

	genCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	out, err := r.gen.Generate(genCtx, generation.Request{
		Message: text,
		Profile: prof,
		Persona: persona,
		Context: generation.FormatContext(history, persona.Name),
	})
	cancel()

	reply := Reply{Text: out, Tag: TagGenerated}
	if err != nil {
		kind := generation.KindOf(err)
		reply = Reply{Text: r.fallback(persona), Tag: FallbackTag(kind)}
		r.logger.Warn("generation failed, using fallback", zap.String("handle", handle), zap.Stringer("kind", kind), zap.Error(err))
		notify(r.notifier, bus.SourceWarning, handle, fmt.Sprintf("Génération indisponible (%s), réponse de secours", kind))
	}

	sendCtx, cancelSend := context.WithTimeout(ctx, r.opts.SendTimeout)
	err = r.sender.Send(sendCtx, handle, reply.Text)
	cancelSend()
	if err != nil {
		r.logger.Warn("reply not sent", zap.String("handle", handle), zap.Error(err))
		notify(r.notifier, bus.SourceError, handle, fmt.Sprintf("Réponse à %s non envoyée: %v", handle, err))
		return reply, fmt.Errorf("send reply to %s: %w", handle, err)
	}

	now := r.opts.Now()
	record := store.InteractionRecord{
		ID:        uuid.NewString(),
		Handle:    handle,
		Inbound:   text,
		Outbound:  reply.Text,
		Timestamp: now,
		Tag:       reply.Tag,
	}
	if err := r.writer.Submit(store.AppendInteraction(record)); err != nil {
		r.logger.Warn("reply not persisted", zap.String("handle", handle), zap.Error(err))
		notify(r.notifier, bus.SourceWarning, handle, fmt.Sprintf("Interaction avec %s non sauvegardée: %v", handle, err))
	}
	if err := r.writer.Submit(store.TouchProfile(handle, now)); err != nil {
		r.logger.Warn("last seen not persisted", zap.String("handle", handle), zap.Error(err))
	}

	notify(r.notifier, bus.SourceBot, handle, fmt.Sprintf("Réponse à %s: %s", handle, reply.Text))
	return reply, nil
}

func (r *Responder) fallback(persona config.BotConfig) string {
	if r.opts.Rand == nil {
		return generation.Fallback(persona, nil)
	}
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return generation.Fallback(persona, r.opts.Rand)
}
