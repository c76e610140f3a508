package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/accueil/internal/bus"
	"github.com/stellarlinkco/accueil/internal/channel"
	"github.com/stellarlinkco/accueil/internal/config"
	"github.com/stellarlinkco/accueil/internal/cron"
	"github.com/stellarlinkco/accueil/internal/generation"
	"github.com/stellarlinkco/accueil/internal/pipeline"
	"github.com/stellarlinkco/accueil/internal/profile"
	"github.com/stellarlinkco/accueil/internal/store"
)

// Options for creating a Gateway. Zero values select the production
// collaborators.
type Options struct {
	Logger         *zap.Logger
	Store          *store.Store
	Generator      generation.Generator
	RuntimeFactory generation.RuntimeFactory
	IRCFactory     channel.IRCClientFactory
	BotFactory     channel.BotFactory
	ConfigPath     string         // watched for targeting changes; empty disables
	SignalChan     chan os.Signal // for testing signal handling
	Now            func() time.Time
}

type eventHandler func(ctx context.Context, ev bus.Event)

type Gateway struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	store     *store.Store
	writer    *store.Writer
	bus       *bus.MessageBus
	gen       generation.Generator
	pipeline  *pipeline.Pipeline
	responder *pipeline.Responder
	irc       *channel.IRCChannel
	channels  *channel.ChannelManager
	cron      *cron.Service

	handlers   map[bus.EventKind]eventHandler
	configPath string
	signalChan chan os.Signal

	// workCtx outlives event intake so admitted work can finish sending.
	workCtx      context.Context
	eventsCancel context.CancelFunc
	outCancel    context.CancelFunc
	loops        sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{ConfigPath: config.ConfigPath()})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	g := &Gateway{
		cfg:        cfg,
		logger:     logger.Named("gateway"),
		now:        now,
		configPath: opts.ConfigPath,
		signalChan: opts.SignalChan,
		workCtx:    context.Background(),
	}

	tables, err := profile.LoadTables(cfg.HeuristicsFile)
	if err != nil {
		return nil, fmt.Errorf("load heuristics: %w", err)
	}

	g.store = opts.Store
	if g.store == nil {
		g.store, err = store.Open(cfg.DBPath(), logger)
		if err != nil {
			return nil, fmt.Errorf("open profile store: %w", err)
		}
	}

	g.writer = store.NewWriter(g.store, store.WriterOptions{
		Buffer:       cfg.Store.WriteBuffer,
		Block:        cfg.Store.Overflow == config.OverflowBlock,
		BlockTimeout: config.Duration(cfg.Store.BlockTimeout, 2*time.Second),
		Grace:        config.Duration(cfg.Store.ShutdownGrace, 5*time.Second),
		Logger:       logger,
	})

	g.bus = bus.NewMessageBus(cfg.IRC.EventBuf, logger)

	g.gen = opts.Generator
	if g.gen == nil {
		g.gen, err = generation.New(cfg.Provider, cfg.Bot, opts.RuntimeFactory)
		if err != nil {
			_ = g.store.Close()
			return nil, fmt.Errorf("create generator: %w", err)
		}
	}

	engager := pipeline.NewEngager(g.bus, g.writer, g.bus, pipeline.EngagerOptions{
		Now:    now,
		Logger: logger,
	})
	g.pipeline = pipeline.New(g.store, g.writer, profile.NewDeriver(tables).WithClock(now), engager, g.bus, pipeline.Options{
		Workers:      cfg.Pipeline.Workers,
		IntakeBuffer: cfg.Pipeline.IntakeBuffer,
		Block:        cfg.Pipeline.Overflow == config.OverflowBlock,
		BlockTimeout: config.Duration(cfg.Pipeline.BlockTimeout, 2*time.Second),
		NamesBatch:   cfg.IRC.NamesBatch,
		Self:         cfg.Bot.Nickname,
		Criteria:     profile.CriteriaFrom(cfg.Targeting),
		Now:          now,
		Logger:       logger,
	})
	g.responder = pipeline.NewResponder(g.store, g.writer, g.gen, g.bus, g.bus, cfg.Bot, pipeline.ResponderOptions{
		MaxConcurrent:  cfg.Provider.MaxConcurrent,
		Timeout:        time.Duration(cfg.Provider.TimeoutSec) * time.Second,
		HistoryContext: cfg.Provider.HistoryContext,
		Now:            now,
		Logger:         logger,
	})

	if err := g.initChannels(opts); err != nil {
		_ = g.closeResources()
		return nil, err
	}
	if err := g.initCron(); err != nil {
		_ = g.closeResources()
		return nil, err
	}

	g.handlers = map[bus.EventKind]eventHandler{
		bus.EventWelcome:        g.onWelcome,
		bus.EventNames:          g.onNames,
		bus.EventJoin:           g.onJoin,
		bus.EventPublicMessage:  g.onPublicMessage,
		bus.EventPrivateMessage: g.onPrivateMessage,
	}
	return g, nil
}

func (g *Gateway) initChannels(opts Options) error {
	g.channels = channel.NewChannelManager(g.logger)

	var err error
	if opts.IRCFactory != nil {
		g.irc, err = channel.NewIRCChannelWithFactory(g.cfg.IRC, g.cfg.Bot.Nickname, g.bus, g.logger, opts.IRCFactory)
	} else {
		g.irc, err = channel.NewIRCChannel(g.cfg.IRC, g.cfg.Bot.Nickname, g.bus, g.logger)
	}
	if err != nil {
		return fmt.Errorf("init irc channel: %w", err)
	}
	if err := g.channels.Register(g.irc); err != nil {
		return err
	}

	if g.cfg.Telegram.Enabled {
		var tg *channel.TelegramNotifier
		if opts.BotFactory != nil {
			tg, err = channel.NewTelegramNotifierWithFactory(g.cfg.Telegram, g.bus, g.logger, opts.BotFactory)
		} else {
			tg, err = channel.NewTelegramNotifier(g.cfg.Telegram, g.bus, g.logger)
		}
		if err != nil {
			return fmt.Errorf("init telegram notifier: %w", err)
		}
		if err := g.channels.Register(tg); err != nil {
			return err
		}
	}

	if g.cfg.WebUI.Enabled {
		ui, err := channel.NewWebUI(g.cfg.WebUI, g.store, g.writer, g.bus, g.logger)
		if err != nil {
			return fmt.Errorf("init webui: %w", err)
		}
		if err := g.channels.Register(ui); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) initCron() error {
	g.cron = cron.NewService(g.logger)
	jobs := []struct {
		name string
		expr string
		fn   cron.JobFunc
	}{
		{"stats", g.cfg.Schedule.Stats, g.reportStats},
		{"rescan", g.cfg.Schedule.Rescan, g.rescan},
		{"prune", g.cfg.Schedule.Prune, g.prune},
	}
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		if err := g.cron.AddJob(j.name, j.expr, j.fn); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Outbound keeps running until the pipeline and responder have drained.
	outCtx, outCancel := context.WithCancel(context.Background())
	eventsCtx, eventsCancel := context.WithCancel(ctx)
	g.workCtx = outCtx
	g.outCancel = outCancel
	g.eventsCancel = eventsCancel

	g.writer.Start()
	g.loops.Add(1)
	go func() {
		defer g.loops.Done()
		g.bus.DispatchOutbound(outCtx, g.irc.Send)
	}()
	g.pipeline.Start(outCtx)

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", zap.Strings("channels", g.channels.EnabledChannels()))

	if err := g.cron.Start(eventsCtx); err != nil {
		g.logger.Warn("cron start warning", zap.Error(err))
	}

	g.loops.Add(1)
	go func() {
		defer g.loops.Done()
		g.processLoop(eventsCtx)
	}()

	if g.configPath != "" {
		g.loops.Add(1)
		go func() {
			defer g.loops.Done()
			if err := config.Watch(eventsCtx, g.configPath, g.logger, g.applyConfig); err != nil {
				g.logger.Warn("config watch disabled", zap.Error(err))
			}
		}()
	}

	g.logger.Info("running",
		zap.String("server", g.cfg.IRC.Server),
		zap.String("channel", g.cfg.IRC.Channel),
		zap.String("nick", g.cfg.Bot.Nickname))

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case ev := <-g.bus.Events:
			g.dispatch(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, ev bus.Event) {
	h, ok := g.handlers[ev.Kind]
	if !ok {
		g.logger.Debug("unhandled event", zap.Stringer("kind", ev.Kind))
		return
	}
	h(ctx, ev)
}

func (g *Gateway) notify(source, handle, msg string) {
	g.bus.Notify(bus.Notification{Source: source, Handle: handle, Message: msg})
}

func (g *Gateway) onWelcome(ctx context.Context, ev bus.Event) {
	g.notify(bus.SourceSystem, "", fmt.Sprintf("Connecté au serveur IRC en tant que %s", g.cfg.Bot.Nickname))
	if err := g.irc.Join(g.cfg.IRC.Channel); err != nil {
		g.logger.Error("join failed", zap.String("channel", g.cfg.IRC.Channel), zap.Error(err))
		g.notify(bus.SourceError, "", fmt.Sprintf("Impossible de rejoindre %s: %v", g.cfg.IRC.Channel, err))
		return
	}
	if err := g.irc.RequestNames(g.cfg.IRC.Channel); err != nil {
		g.logger.Warn("names request failed", zap.Error(err))
	}
}

func (g *Gateway) onNames(ctx context.Context, ev bus.Event) {
	g.notify(bus.SourceSystem, "", fmt.Sprintf("Utilisateurs détectés: %d", len(ev.Names)))
	g.pipeline.ObserveNames(ev.Names)
}

func (g *Gateway) onJoin(ctx context.Context, ev bus.Event) {
	g.notify(bus.SourceSystem, ev.Nick, fmt.Sprintf("%s a rejoint le salon", ev.Nick))
	if err := g.pipeline.Observe(ev.Nick, bus.EventJoin); err != nil && !errors.Is(err, pipeline.ErrIntakeFull) {
		g.logger.Debug("join not admitted", zap.String("nick", ev.Nick), zap.Error(err))
	}
}

func (g *Gateway) onPublicMessage(ctx context.Context, ev bus.Event) {
	if err := g.writer.Submit(store.TouchProfile(ev.Nick, g.now())); err != nil {
		g.logger.Debug("last-seen update dropped", zap.String("nick", ev.Nick), zap.Error(err))
	}
	g.notify(bus.SourcePublic, ev.Nick, fmt.Sprintf("<%s> %s", ev.Nick, ev.Text))
}

func (g *Gateway) onPrivateMessage(ctx context.Context, ev bus.Event) {
	g.notify(bus.SourcePrivate, ev.Nick, fmt.Sprintf("%s: %s", ev.Nick, ev.Text))
	if err := g.responder.Dispatch(g.workCtx, ev.Nick, ev.Text); err != nil {
		g.logger.Warn("private message not answered", zap.String("nick", ev.Nick), zap.Error(err))
	}
}

// applyConfig swaps the live targeting criteria. Other sections need a
// restart.
func (g *Gateway) applyConfig(cfg *config.Config) {
	c := profile.CriteriaFrom(cfg.Targeting)
	if c == g.pipeline.Criteria() {
		return
	}
	g.pipeline.SetCriteria(c)
	g.notify(bus.SourceSystem, "", fmt.Sprintf("Critères de ciblage mis à jour: %d-%d ans, %s", c.AgeMin, c.AgeMax, c.Gender))
}

func (g *Gateway) reportStats(ctx context.Context) error {
	st, err := g.store.Stats()
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}
	pc := g.pipeline.Counters()
	wc := g.writer.Counters()
	g.logger.Info("stats",
		zap.Int("users", st.Users),
		zap.Int("targeted", st.Targeted),
		zap.Int("interactions", st.Interactions),
		zap.Uint64("analyzed", pc.Analyzed),
		zap.Uint64("shed", pc.Shed),
		zap.Uint64("writesApplied", wc.Applied),
		zap.Uint64("writesDropped", wc.Dropped))
	g.notify(bus.SourceSystem, "", FormatStats(st))
	return nil
}

// FormatStats renders the one-line statistics summary.
func FormatStats(st store.Stats) string {
	return fmt.Sprintf("Statistiques: %d utilisateurs, %d ciblés (%.1f%%), %d interactions, %d conversations (%.1f%%)",
		st.Users, st.Targeted, st.TargetingRate, st.Interactions, st.Conversed, st.ConversationRate)
}

func (g *Gateway) rescan(ctx context.Context) error {
	return g.irc.RequestNames(g.cfg.IRC.Channel)
}

func (g *Gateway) prune(ctx context.Context) error {
	days := g.cfg.Store.RetentionDays
	if days <= 0 {
		return nil
	}
	before := g.now().AddDate(0, 0, -days)
	return g.writer.Submit(store.PruneInteractions(before))
}

// Shutdown stops event intake, drains the pipeline and the responder,
// then the outbound queue and the writer, and closes the store last.
func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		if g.eventsCancel != nil {
			g.eventsCancel()
		}
		g.cron.Stop()
		g.pipeline.Stop()
		g.responder.Wait()
		if g.outCancel != nil {
			g.outCancel()
		}
		_ = g.channels.StopAll()
		g.loops.Wait()

		c := g.writer.Counters()
		if err := g.writer.Close(); err != nil && !errors.Is(err, store.ErrWriterClosed) {
			g.logger.Warn("writer close warning", zap.Error(err))
		}
		if c.Dropped > 0 {
			g.logger.Warn("writes dropped during run", zap.Uint64("dropped", c.Dropped))
		}
		g.shutdownErr = g.closeResources()
		g.logger.Info("shutdown complete")
	})
	return g.shutdownErr
}

func (g *Gateway) closeResources() error {
	var errs []error
	if closer, ok := g.gen.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close generator: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// Bus exposes the message bus (for tests and embedding).
func (g *Gateway) Bus() *bus.MessageBus { return g.bus }

// Store exposes the profile store.
func (g *Gateway) Store() *store.Store { return g.store }

// Writer exposes the single writer.
func (g *Gateway) Writer() *store.Writer { return g.writer }

// Pipeline exposes the analysis pipeline.
func (g *Gateway) Pipeline() *pipeline.Pipeline { return g.pipeline }

// Cron exposes the scheduler.
func (g *Gateway) Cron() *cron.Service { return g.cron }
