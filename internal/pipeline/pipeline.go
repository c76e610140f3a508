// Package pipeline admits observed handles into a bounded analysis pool,
// derives and scores their profiles, and starts or continues conversations
// with the ones that match the targeting criteria.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/accueil/internal/bus"
	"github.com/stellarlinkco/accueil/internal/profile"
	"github.com/stellarlinkco/accueil/internal/store"
)

var (
	// ErrIntakeFull means the intake queue had no room and the handle was shed.
	ErrIntakeFull = errors.New("analysis intake full")
	// ErrInFlight means the handle already has an analysis task.
	ErrInFlight = errors.New("analysis already in flight")
	// ErrIgnored means the handle is empty or the bot itself.
	ErrIgnored = errors.New("handle ignored")
	// ErrStopped means the pipeline no longer admits work.
	ErrStopped = errors.New("pipeline stopped")
)

// rolePrefixes are the channel-status decorations a names snapshot carries.
const rolePrefixes = "@+%&~"

// Task is one admitted analysis.
type Task struct {
	Handle   string
	Source   bus.EventKind
	Admitted time.Time
}

type Options struct {
	Workers      int
	IntakeBuffer int
	// Block makes Observe wait up to BlockTimeout for intake room
	// instead of shedding immediately.
	Block        bool
	BlockTimeout time.Duration
	NamesBatch   int
	Self         string
	Criteria     profile.Criteria
	Now          func() time.Time
	Logger       *zap.Logger
}

// Counters is a snapshot of pipeline activity.
type Counters struct {
	Admitted uint64
	Shed     uint64
	Analyzed uint64
	Targeted uint64
	Engaged  uint64
	Failed   uint64
	InFlight int
	Queued   int
}

type Pipeline struct {
	reader   ProfileLookup
	writer   Submitter
	deriver  *profile.Deriver
	engager  *Engager
	notifier Notifier
	logger   *zap.Logger
	opts     Options

	criteria atomic.Pointer[profile.Criteria]
	inflight *InFlight
	intake   chan Task

	mu      sync.RWMutex // guards stopped against close(intake)
	stopped bool

	startOnce sync.Once
	started   atomic.Bool
	ctx       context.Context
	wg        sync.WaitGroup

	admitted atomic.Uint64
	shed     atomic.Uint64
	analyzed atomic.Uint64
	targeted atomic.Uint64
	engaged  atomic.Uint64
	failed   atomic.Uint64
}

func New(reader ProfileLookup, writer Submitter, deriver *profile.Deriver, engager *Engager, notifier Notifier, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.IntakeBuffer <= 0 {
		opts.IntakeBuffer = 50
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 2 * time.Second
	}
	if opts.NamesBatch <= 0 {
		opts.NamesBatch = 20
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
	p := &Pipeline{
		reader:   reader,
		writer:   writer,
		deriver:  deriver,
		engager:  engager,
		notifier: notifier,
		logger:   opts.Logger.Named("pipeline"),
		opts:     opts,
		inflight: NewInFlight(),
		intake:   make(chan Task, opts.IntakeBuffer),
		ctx:      context.Background(),
	}
	crit := opts.Criteria
	p.criteria.Store(&crit)
	return p
}

// Start launches the fixed pool of workers. ctx bounds the outbound sends
// of engagements; it does not interrupt analyses.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.ctx = ctx
		p.started.Store(true)
		for i := 0; i < p.opts.Workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
		p.logger.Info("pipeline started", zap.Int("workers", p.opts.Workers), zap.Int("intake", p.opts.IntakeBuffer))
	})
}

// Stop closes intake, lets workers finish everything already admitted and
// waits for them.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.intake)
	p.mu.Unlock()

	if !p.started.Load() {
		for task := range p.intake {
			p.inflight.Remove(task.Handle)
		}
		return
	}
	p.wg.Wait()
	p.logger.Info("pipeline stopped", zap.Uint64("analyzed", p.analyzed.Load()))
}

// SetCriteria swaps the targeting criteria used by analyses that start afterwards.
func (p *Pipeline) SetCriteria(c profile.Criteria) {
	p.criteria.Store(&c)
	p.logger.Info("targeting criteria updated", zap.Int("ageMin", c.AgeMin), zap.Int("ageMax", c.AgeMax), zap.String("gender", c.Gender))
}

func (p *Pipeline) Criteria() profile.Criteria {
	return *p.criteria.Load()
}

// InFlight exposes the membership set for inspection.
func (p *Pipeline) InFlight() *InFlight {
	return p.inflight
}

// Observe admits handle for analysis. The handle joins the in-flight set
// before it is queued and leaves it again if queuing fails.
func (p *Pipeline) Observe(handle string, source bus.EventKind) error {
	handle = strings.TrimSpace(handle)
	if handle == "" || strings.EqualFold(handle, p.opts.Self) {
		return ErrIgnored
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	if !p.inflight.TryAdd(handle) {
		return ErrInFlight
	}

	task := Task{Handle: handle, Source: source, Admitted: p.opts.Now()}
	if p.enqueue(task) {
		p.admitted.Add(1)
		return nil
	}

	p.inflight.Remove(handle)
	p.shed.Add(1)
	p.logger.Warn("analysis intake full, handle dropped",
		zap.String("handle", handle),
		zap.Stringer("source", source),
		zap.Int("capacity", cap(p.intake)))
	notify(p.notifier, bus.SourceWarning, handle, fmt.Sprintf("Queue d'analyse pleine, %s ignoré", handle))
	return ErrIntakeFull
}

func (p *Pipeline) enqueue(task Task) bool {
	select {
	case p.intake <- task:
		return true
	default:
	}
	if !p.opts.Block {
		return false
	}
	timer := time.NewTimer(p.opts.BlockTimeout)
	defer timer.Stop()
	select {
	case p.intake <- task:
		return true
	case <-timer.C:
		return false
	}
}

// ObserveNames admits the handles of a membership snapshot, at most
// NamesBatch of them. The rest of the batch is abandoned at the first shed.
func (p *Pipeline) ObserveNames(names []string) int {
	admitted, seen := 0, 0
	for _, raw := range names {
		if seen >= p.opts.NamesBatch {
			break
		}
		handle := StripRolePrefix(raw)
		err := p.Observe(handle, bus.EventNames)
		if errors.Is(err, ErrIgnored) {
			continue
		}
		seen++
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrIntakeFull):
			p.logger.Info("names batch abandoned", zap.Int("admitted", admitted), zap.Int("batch", len(names)))
			return admitted
		case errors.Is(err, ErrStopped):
			return admitted
		}
	}
	if admitted > 0 {
		notify(p.notifier, bus.SourceSystem, "", fmt.Sprintf("%d utilisateurs en cours d'analyse", admitted))
	}
	return admitted
}

// StripRolePrefix removes leading channel-status characters from a names entry.
func StripRolePrefix(name string) string {
	return strings.TrimLeft(strings.TrimSpace(name), rolePrefixes)
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	for task := range p.intake {
		p.analyze(task)
	}
	p.logger.Debug("worker exited", zap.Int("worker", id))
}

// analyze never lets a failure escape: the in-flight marker is released on
// every path so the handle can be analyzed again on its next observation.
func (p *Pipeline) analyze(task Task) {
	defer p.inflight.Remove(task.Handle)
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("analysis panicked", zap.String("handle", task.Handle), zap.Any("panic", r))
			notify(p.notifier, bus.SourceError, task.Handle, fmt.Sprintf("Erreur analyse de %s: %v", task.Handle, r))
		}
	}()

	stored, _, err := p.reader.Lookup(task.Handle)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("profile unreadable, analysis skipped", zap.String("handle", task.Handle), zap.Error(err))
		notify(p.notifier, bus.SourceError, task.Handle, fmt.Sprintf("Profil de %s illisible, analyse annulée", task.Handle))
		return
	}
	merged := profile.Merge(stored, p.deriver.Derive(task.Handle))
	merged.LastSeen = p.opts.Now()
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = merged.LastSeen
	}
	merged.Targeted = profile.Matches(merged, p.Criteria())

	if err := p.writer.Submit(store.SaveProfile(merged)); err != nil {
		p.logger.Warn("analyzed profile not persisted", zap.String("handle", task.Handle), zap.Error(err))
		notify(p.notifier, bus.SourceWarning, task.Handle, fmt.Sprintf("Profil de %s non sauvegardé: %v", task.Handle, err))
	}
	p.analyzed.Add(1)
	notify(p.notifier, bus.SourceAnalysis, task.Handle, fmt.Sprintf("Utilisateur %s analysé - Ciblé: %t", task.Handle, merged.Targeted))
	p.logger.Debug("handle analyzed",
		zap.String("handle", task.Handle),
		zap.Int("age", merged.Age),
		zap.String("gender", string(merged.Gender)),
		zap.String("city", merged.City),
		zap.Bool("targeted", merged.Targeted))

	if !merged.Targeted {
		return
	}
	p.targeted.Add(1)
	if merged.ConversationCount != 0 || p.engager == nil {
		return
	}
	if _, err := p.engager.Engage(p.ctx, merged); err != nil {
		return
	}
	p.engaged.Add(1)
	p.settle(task.Handle)
}

// settle waits, while the handle is still in flight, until the writer has
// applied the engagement, so the next analysis of the handle reads a
// non-zero conversation count.
func (p *Pipeline) settle(handle string) {
	f, ok := p.writer.(Flusher)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.BlockTimeout)
	defer cancel()
	if err := f.Flush(ctx); err != nil {
		p.logger.Warn("engagement not confirmed by writer", zap.String("handle", handle), zap.Error(err))
	}
}

func (p *Pipeline) Counters() Counters {
	return Counters{
		Admitted: p.admitted.Load(),
		Shed:     p.shed.Load(),
		Analyzed: p.analyzed.Load(),
		Targeted: p.targeted.Load(),
		Engaged:  p.engaged.Load(),
		Failed:   p.failed.Load(),
		InFlight: p.inflight.Len(),
		Queued:   len(p.intake),
	}
}
