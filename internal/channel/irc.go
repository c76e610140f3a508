package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	"github.com/stellarlinkco/accueil/internal/bus"
	"github.com/stellarlinkco/accueil/internal/config"
	"go.uber.org/zap"
)

const ircChannelName = "irc"

// RPL_NAMREPLY
const rplNamReply = "353"

// IRCClient is the part of an IRC connection the adapter drives.
type IRCClient interface {
	OnConnect(cb func(ircmsg.Message))
	On(command string, cb func(ircmsg.Message))
	Connect() error
	Loop()
	Quit()
	Join(channel string) error
	Privmsg(target, text string) error
	Send(command string, params ...string) error
}

// ircWrapper adapts ircevent.Connection to IRCClient.
type ircWrapper struct {
	conn *ircevent.Connection
}

func (w *ircWrapper) OnConnect(cb func(ircmsg.Message)) { w.conn.AddConnectCallback(cb) }

func (w *ircWrapper) On(command string, cb func(ircmsg.Message)) { w.conn.AddCallback(command, cb) }

func (w *ircWrapper) Connect() error { return w.conn.Connect() }

func (w *ircWrapper) Loop() { w.conn.Loop() }

func (w *ircWrapper) Quit() { w.conn.Quit() }

func (w *ircWrapper) Join(channel string) error { return w.conn.Join(channel) }

func (w *ircWrapper) Privmsg(target, text string) error { return w.conn.Privmsg(target, text) }

func (w *ircWrapper) Send(command string, params ...string) error {
	return w.conn.Send(command, params...)
}

// IRCClientFactory builds the connection (allows mocking).
type IRCClientFactory func(cfg config.IRCConfig, nick string, logger *zap.Logger) IRCClient

var defaultIRCFactory IRCClientFactory = func(cfg config.IRCConfig, nick string, logger *zap.Logger) IRCClient {
	return &ircWrapper{conn: &ircevent.Connection{
		Server:      cfg.Server,
		UseTLS:      cfg.UseTLS,
		Nick:        nick,
		User:        nick,
		RealName:    nick,
		Password:    cfg.Password,
		QuitMessage: "à plus",
		Log:         zap.NewStdLog(logger),
	}}
}

// IRCChannel turns protocol traffic into bus events and owns the outbound
// side of the connection. Send is only called by the bus dispatcher.
type IRCChannel struct {
	cfg     config.IRCConfig
	nick    string
	bus     *bus.MessageBus
	factory IRCClientFactory
	logger  *zap.Logger

	mu     sync.Mutex
	client IRCClient
	done   chan struct{}
}

func NewIRCChannel(cfg config.IRCConfig, nick string, b *bus.MessageBus, logger *zap.Logger) (*IRCChannel, error) {
	return NewIRCChannelWithFactory(cfg, nick, b, logger, defaultIRCFactory)
}

// NewIRCChannelWithFactory creates an IRCChannel with a custom client factory (for testing)
func NewIRCChannelWithFactory(cfg config.IRCConfig, nick string, b *bus.MessageBus, logger *zap.Logger, factory IRCClientFactory) (*IRCChannel, error) {
	if strings.TrimSpace(cfg.Server) == "" {
		return nil, fmt.Errorf("irc server is required")
	}
	if strings.TrimSpace(nick) == "" {
		return nil, fmt.Errorf("irc nickname is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IRCChannel{
		cfg:     cfg,
		nick:    nick,
		bus:     b,
		factory: factory,
		logger:  logger.Named("irc"),
	}, nil
}

func (c *IRCChannel) Name() string { return ircChannelName }

func (c *IRCChannel) Start(ctx context.Context) error {
	client := c.factory(c.cfg, c.nick, c.logger)
	client.OnConnect(c.onWelcome)
	client.On(rplNamReply, c.onNames)
	client.On("JOIN", c.onJoin)
	client.On("PRIVMSG", c.onPrivmsg)

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.Server, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.client = client
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		client.Loop()
	}()

	c.logger.Info("connected", zap.String("server", c.cfg.Server), zap.String("nick", c.nick))
	return nil
}

func (c *IRCChannel) Stop() error {
	c.mu.Lock()
	client, done := c.client, c.done
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}

	client.Quit()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("irc loop did not stop in time")
	}
	c.logger.Info("stopped")
	return nil
}

func (c *IRCChannel) current() (IRCClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, errors.New("irc client not connected")
	}
	return c.client, nil
}

// Send delivers content to target, one PRIVMSG per non-empty line.
func (c *IRCChannel) Send(target, content string) error {
	client, err := c.current()
	if err != nil {
		return err
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := client.Privmsg(target, line); err != nil {
			return fmt.Errorf("privmsg %s: %w", target, err)
		}
	}
	return nil
}

func (c *IRCChannel) Join(channel string) error {
	client, err := c.current()
	if err != nil {
		return err
	}
	return client.Join(channel)
}

// RequestNames asks the server for a fresh membership snapshot of channel.
func (c *IRCChannel) RequestNames(channel string) error {
	client, err := c.current()
	if err != nil {
		return err
	}
	return client.Send("NAMES", channel)
}

func (c *IRCChannel) isSelf(nick string) bool {
	return strings.EqualFold(nick, c.nick)
}

func (c *IRCChannel) onWelcome(msg ircmsg.Message) {
	c.bus.PublishEvent(bus.Event{Kind: bus.EventWelcome, Channel: c.cfg.Channel})
}

// onNames handles RPL_NAMREPLY: <me> <type> <channel> :<names...>
func (c *IRCChannel) onNames(msg ircmsg.Message) {
	if len(msg.Params) < 3 {
		return
	}
	names := strings.Fields(msg.Params[len(msg.Params)-1])
	if len(names) == 0 {
		return
	}
	c.bus.PublishEvent(bus.Event{
		Kind:    bus.EventNames,
		Channel: msg.Params[len(msg.Params)-2],
		Names:   names,
	})
}

func (c *IRCChannel) onJoin(msg ircmsg.Message) {
	nick := sourceNick(msg.Source)
	if nick == "" || c.isSelf(nick) || len(msg.Params) == 0 {
		return
	}
	c.bus.PublishEvent(bus.Event{Kind: bus.EventJoin, Channel: msg.Params[0], Nick: nick})
}

func (c *IRCChannel) onPrivmsg(msg ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	nick := sourceNick(msg.Source)
	text := msg.Params[1]
	if nick == "" || c.isSelf(nick) || strings.HasPrefix(text, "\x01") {
		return
	}

	target := msg.Params[0]
	switch {
	case c.isSelf(target):
		c.bus.PublishEvent(bus.Event{Kind: bus.EventPrivateMessage, Nick: nick, Text: text})
	case isChannelName(target):
		c.bus.PublishEvent(bus.Event{Kind: bus.EventPublicMessage, Channel: target, Nick: nick, Text: text})
	}
}

// sourceNick extracts the nick from a nick!user@host prefix.
func sourceNick(source string) string {
	nick, _, _ := strings.Cut(source, "!")
	return nick
}

func isChannelName(s string) bool {
	return strings.HasPrefix(s, "#") || strings.HasPrefix(s, "&")
}
