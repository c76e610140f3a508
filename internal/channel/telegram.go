package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stellarlinkco/accueil/internal/bus"
	"github.com/stellarlinkco/accueil/internal/config"
	"go.uber.org/zap"
)

const telegramChannelName = "telegram"

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramNotifier forwards selected notifications to one admin chat. It
// keeps its own queue so a slow Telegram API never stalls the bus.
type TelegramNotifier struct {
	token      string
	chatID     int64
	proxy      string
	bufSize    int
	sources    map[string]bool
	bus        *bus.MessageBus
	bot        TelegramBot
	botFactory BotFactory
	logger     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTelegramNotifier(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.Logger) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithFactory(cfg, b, logger, defaultBotFactory)
}

// NewTelegramNotifierWithFactory creates a TelegramNotifier with custom bot factory (for testing)
func NewTelegramNotifierWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.Logger, factory BotFactory) (*TelegramNotifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bufSize := cfg.BufSize
	if bufSize <= 0 {
		bufSize = config.DefaultTelegramBufSize
	}
	sources := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources[strings.TrimSpace(s)] = true
	}
	return &TelegramNotifier{
		token:      cfg.Token,
		chatID:     cfg.ChatID,
		proxy:      cfg.Proxy,
		bufSize:    bufSize,
		sources:    sources,
		bus:        b,
		botFactory: factory,
		logger:     logger.Named("telegram"),
	}, nil
}

func (t *TelegramNotifier) Name() string { return telegramChannelName }

func (t *TelegramNotifier) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.logger.Info("authorized", zap.String("bot", bot.GetSelf().UserName))
	return nil
}

func (t *TelegramNotifier) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}
	ctx, t.cancel = context.WithCancel(ctx)

	sub, unsubscribe := t.bus.Subscribe(t.bufSize)
	queue := make(chan bus.Notification, t.bufSize)

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		defer close(queue)
		defer unsubscribe()
		for {
			select {
			case n, ok := <-sub:
				if !ok {
					return
				}
				if !t.sources[n.Source] {
					continue
				}
				select {
				case queue <- n:
				default:
					t.logger.Warn("telegram queue full, notification dropped",
						zap.String("source", n.Source), zap.String("handle", n.Handle))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer t.wg.Done()
		for n := range queue {
			if err := t.Send(n); err != nil {
				t.logger.Warn("telegram send failed", zap.Error(err))
			}
		}
	}()

	t.logger.Info("notifier started", zap.Int64("chat", t.chatID))
	return nil
}

func (t *TelegramNotifier) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.logger.Info("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramNotifier) SetBot(bot TelegramBot) {
	t.bot = bot
}

// Send posts one notification to the admin chat.
func (t *TelegramNotifier) Send(n bus.Notification) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	plainPrefix := fmt.Sprintf("[%s] ", n.Source)
	htmlPrefix := fmt.Sprintf("<b>[%s]</b> ", escapeHTML(n.Source))

	for _, piece := range splitMessage(n.Message, maxMessageLen-len(htmlPrefix)) {
		msg := tgbotapi.NewMessage(t.chatID, htmlPrefix+escapeHTML(piece))
		msg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(msg); err == nil {
			continue
		}
		// Retry this chunk without HTML parse mode
		msg.ParseMode = ""
		msg.Text = plainPrefix + piece
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// Telegram has a 4096 char limit per message
const maxMessageLen = 4000

// splitMessage cuts text into pieces whose HTML-escaped form fits in limit
// bytes. Cuts fall after the last newline when there is one, and always on
// a rune boundary, so an escaped entity is never split.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return []string{""}
	}
	var pieces []string
	for text != "" {
		size, cut, afterNL := 0, len(text), 0
		for i, r := range text {
			w := escapedLen(r)
			if size+w > limit {
				cut = i
				if afterNL > 0 {
					cut = afterNL
				}
				break
			}
			size += w
			if r == '\n' {
				afterNL = i + 1
			}
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(text)
		}
		pieces = append(pieces, text[:cut])
		text = text[cut:]
	}
	return pieces
}

func escapedLen(r rune) int {
	switch r {
	case '&':
		return len("&amp;")
	case '<', '>':
		return len("&lt;")
	}
	return utf8.RuneLen(r)
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}
