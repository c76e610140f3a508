package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Channel is anything the gateway starts and stops with the process.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

type ChannelManager struct {
	mu       sync.Mutex
	channels map[string]Channel
	logger   *zap.Logger
}

func NewChannelManager(logger *zap.Logger) *ChannelManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelManager{
		channels: make(map[string]Channel),
		logger:   logger.Named("channel-mgr"),
	}
}

// Register adds ch. Names must be unique.
func (m *ChannelManager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[ch.Name()]; ok {
		return fmt.Errorf("channel %s already registered", ch.Name())
	}
	m.channels[ch.Name()] = ch
	return nil
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	channels := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(channels))

	for name, ch := range channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.logger.Info("starting", zap.String("channel", name))
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ch := range m.channels {
		m.logger.Info("stopping", zap.String("channel", name))
		if err := ch.Stop(); err != nil {
			m.logger.Warn("stop failed", zap.String("channel", name), zap.Error(err))
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
