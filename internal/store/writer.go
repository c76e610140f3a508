package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrWriterSaturated means the intent queue was full and the intent was dropped.
	ErrWriterSaturated = errors.New("write queue saturated")
	// ErrWriterClosed means the writer no longer accepts intents.
	ErrWriterClosed = errors.New("writer closed")
)

type IntentKind int

const (
	IntentSaveProfile IntentKind = iota + 1
	IntentAppendInteraction
	IntentTouchProfile
	IntentSetTargeted
	IntentPruneInteractions
	IntentToggleTargeted
	intentBarrier
)

func (k IntentKind) String() string {
	switch k {
	case IntentSaveProfile:
		return "save-profile"
	case IntentAppendInteraction:
		return "append-interaction"
	case IntentTouchProfile:
		return "touch-profile"
	case IntentSetTargeted:
		return "set-targeted"
	case IntentPruneInteractions:
		return "prune-interactions"
	case IntentToggleTargeted:
		return "toggle-targeted"
	case intentBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("intent(%d)", int(k))
	}
}

// WriteIntent is one pending mutation. Which payload field is read depends on Kind.
type WriteIntent struct {
	Kind        IntentKind
	Profile     UserProfile
	Interaction InteractionRecord
	Handle      string
	Targeted    bool
	At          time.Time

	// Seq is stamped by the Writer at enqueue time and is strictly
	// increasing in queue order.
	Seq uint64

	done chan struct{}
}

func SaveProfile(p UserProfile) WriteIntent {
	return WriteIntent{Kind: IntentSaveProfile, Profile: p, Handle: p.Handle}
}

func AppendInteraction(r InteractionRecord) WriteIntent {
	return WriteIntent{Kind: IntentAppendInteraction, Interaction: r, Handle: r.Handle}
}

// TouchProfile updates only last-seen, creating a default row if needed.
func TouchProfile(handle string, at time.Time) WriteIntent {
	return WriteIntent{Kind: IntentTouchProfile, Handle: handle, At: at}
}

// SetTargeted sets the targeted flag to an absolute value.
func SetTargeted(handle string, targeted bool, at time.Time) WriteIntent {
	return WriteIntent{Kind: IntentSetTargeted, Handle: handle, Targeted: targeted, At: at}
}

// ToggleTargeted flips the targeted flag against the stored value at apply
// time, so concurrent toggles never read a stale state.
func ToggleTargeted(handle string, at time.Time) WriteIntent {
	return WriteIntent{Kind: IntentToggleTargeted, Handle: handle, At: at}
}

// PruneInteractions removes interaction records older than before.
func PruneInteractions(before time.Time) WriteIntent {
	return WriteIntent{Kind: IntentPruneInteractions, At: before}
}

// Applier performs a single intent. *Store is the production implementation.
type Applier interface {
	Apply(WriteIntent) error
}

type WriterOptions struct {
	Buffer int
	// Block makes Submit wait up to BlockTimeout for room instead of
	// dropping immediately when the queue is full.
	Block        bool
	BlockTimeout time.Duration
	// Grace bounds how long Close spends draining queued intents.
	Grace  time.Duration
	Logger *zap.Logger
}

// WriterCounters is a point-in-time snapshot of writer activity.
type WriterCounters struct {
	Applied uint64
	Failed  uint64
	Dropped uint64
	Queued  int
}

// Writer is the single goroutine allowed to mutate the store. Intents are
// applied one at a time in the order Submit enqueued them.
type Writer struct {
	applier Applier
	opts    WriterOptions
	logger  *zap.Logger
	queue   chan WriteIntent

	mu     sync.RWMutex // guards closed against close(queue)
	closed bool

	order sync.Mutex // serializes seq stamping with the enqueue
	seq   uint64

	startOnce sync.Once
	started   atomic.Bool
	abort     chan struct{}
	done      chan struct{}

	applied atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewWriter(applier Applier, opts WriterOptions) *Writer {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 2 * time.Second
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		applier: applier,
		opts:    opts,
		logger:  logger.Named("writer"),
		queue:   make(chan WriteIntent, opts.Buffer),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the drain goroutine. Calling it more than once is a no-op.
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run()
	})
}

func (w *Writer) run() {
	defer close(w.done)
	for intent := range w.queue {
		select {
		case <-w.abort:
			w.discard(intent)
			continue
		default:
		}
		w.apply(intent)
	}
}

func (w *Writer) apply(intent WriteIntent) {
	if intent.Kind == intentBarrier {
		close(intent.done)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.failed.Add(1)
			w.logger.Error("write intent panicked",
				zap.Stringer("kind", intent.Kind),
				zap.String("handle", intent.Handle),
				zap.Any("panic", r))
		}
	}()
	if err := w.applier.Apply(intent); err != nil {
		w.failed.Add(1)
		w.logger.Error("write intent failed",
			zap.Stringer("kind", intent.Kind),
			zap.String("handle", intent.Handle),
			zap.Uint64("seq", intent.Seq),
			zap.Error(err))
		return
	}
	w.applied.Add(1)
}

func (w *Writer) discard(intent WriteIntent) {
	if intent.Kind == intentBarrier {
		close(intent.done)
		return
	}
	w.dropped.Add(1)
}

// Submit enqueues intent and returns without waiting for it to be applied.
// It returns ErrWriterSaturated when the queue has no room and ErrWriterClosed
// after Close; in both cases the intent is dropped.
func (w *Writer) Submit(intent WriteIntent) error {
	if intent.Kind == intentBarrier || intent.Kind == 0 {
		return fmt.Errorf("submit: invalid intent kind %s", intent.Kind)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return ErrWriterClosed
	}

	w.order.Lock()
	defer w.order.Unlock()
	intent.Seq = w.seq + 1

	select {
	case w.queue <- intent:
		w.seq++
		return nil
	default:
	}

	if w.opts.Block {
		timer := time.NewTimer(w.opts.BlockTimeout)
		defer timer.Stop()
		select {
		case w.queue <- intent:
			w.seq++
			return nil
		case <-timer.C:
		}
	}

	w.dropped.Add(1)
	w.logger.Warn("write queue saturated, intent dropped",
		zap.Stringer("kind", intent.Kind),
		zap.String("handle", intent.Handle),
		zap.Int("capacity", cap(w.queue)))
	return ErrWriterSaturated
}

// Flush blocks until every intent enqueued before the call has been applied.
// The barrier skips the order lock: every intent whose Submit has returned
// is already queued ahead of it.
func (w *Writer) Flush(ctx context.Context) error {
	barrier := WriteIntent{Kind: intentBarrier, done: make(chan struct{})}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWriterClosed
	}
	select {
	case w.queue <- barrier:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-barrier.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake and drains what is already queued, giving up after
// the grace period. Remaining intents are then counted as dropped.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	if !w.started.Load() {
		// Never started: nothing will drain, account for what was queued.
		for intent := range w.queue {
			w.discard(intent)
		}
		return nil
	}

	timer := time.NewTimer(w.opts.Grace)
	defer timer.Stop()
	select {
	case <-w.done:
		w.logger.Debug("writer drained", zap.Uint64("applied", w.applied.Load()))
		return nil
	case <-timer.C:
	}

	close(w.abort)
	<-w.done
	dropped := w.dropped.Load()
	w.logger.Warn("writer drain exceeded grace period", zap.Duration("grace", w.opts.Grace), zap.Uint64("dropped", dropped))
	return fmt.Errorf("writer drain exceeded %s", w.opts.Grace)
}

func (w *Writer) Counters() WriterCounters {
	return WriterCounters{
		Applied: w.applied.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
		Queued:  len(w.queue),
	}
}
