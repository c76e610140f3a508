package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobFunc is the body of a scheduled job. ctx ends when the service stops.
type JobFunc func(ctx context.Context) error

// JobState is the observable record of a job's last run.
type JobState struct {
	Name       string    `json:"name"`
	Expr       string    `json:"expr"`
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

type job struct {
	state JobState
	fn    JobFunc
	entry rcron.EntryID
}

// Service runs named jobs on cron expressions with a seconds field.
type Service struct {
	logger *zap.Logger
	cron   *rcron.Cron

	mu     sync.Mutex
	jobs   map[string]*job
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
}

func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cron")
	cl := cronLogger{logger.Sugar()}
	return &Service{
		logger: logger,
		cron: rcron.New(
			rcron.WithSeconds(),
			rcron.WithLogger(cl),
			rcron.WithChain(rcron.Recover(cl), rcron.SkipIfStillRunning(cl)),
		),
		jobs: make(map[string]*job),
		ctx:  context.Background(),
	}
}

// AddJob schedules fn under name. Names are unique.
func (s *Service) AddJob(name, expr string, fn JobFunc) error {
	name = strings.TrimSpace(name)
	expr = strings.TrimSpace(expr)
	if name == "" || expr == "" || fn == nil {
		return errors.New("cron job needs a name, an expression and a func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{state: JobState{Name: name, Expr: expr}, fn: fn}
	id, err := s.cron.AddFunc(expr, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", name, expr, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

// RemoveJob unschedules name and reports whether it existed.
func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, name)
	return true
}

// RunNow executes name immediately, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.execute(name)
}

func (s *Service) execute(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.logger.Debug("executing job", zap.String("job", name))
	err := j.fn(ctx)

	s.mu.Lock()
	j.state.Runs++
	j.state.LastRunAt = time.Now()
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
	} else {
		j.state.LastStatus = "ok"
		j.state.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", zap.String("job", name), zap.Error(err))
	}
	return err
}

// ListJobs returns job states sorted by name.
func (s *Service) ListJobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.state)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return errors.New("cron already started")
	}
	s.ctx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("started", zap.Int("jobs", n))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	close(stopCh)

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("stop timeout waiting for running jobs")
	}
	cancel()
	s.logger.Info("stopped")
}

// cronLogger routes robfig/cron's logging into zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
