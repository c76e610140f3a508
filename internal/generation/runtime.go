package generation

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/accueil/internal/config"
)

// Runtime is the subset of the agent runtime the client needs.
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close() error
}

// RuntimeFactory builds the agent runtime for a provider config and a
// persona-level system prompt.
type RuntimeFactory func(cfg config.ProviderConfig, sysPrompt string) (Runtime, error)

// DefaultRuntimeFactory creates an agentsdk-go runtime backed by an
// OpenAI-compatible provider.
func DefaultRuntimeFactory(cfg config.ProviderConfig, sysPrompt string) (Runtime, error) {
	temperature := cfg.Temperature
	provider := &model.OpenAIProvider{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		ModelName:   cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: &temperature,
	}
	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   filepath.Join(config.ConfigDir(), "agent"),
		ModelFactory:  provider,
		SystemPrompt:  sysPrompt,
		MaxIterations: 1,
		Timeout:       time.Duration(cfg.TimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return rt, nil
}

// RuntimeClient keeps one agent session per handle so the runtime carries
// the conversation history itself.
type RuntimeClient struct {
	rt Runtime
}

func NewRuntimeClient(cfg config.ProviderConfig, persona config.BotConfig, factory RuntimeFactory) (*RuntimeClient, error) {
	if factory == nil {
		factory = DefaultRuntimeFactory
	}
	rt, err := factory(cfg, personaPrompt(persona))
	if err != nil {
		return nil, err
	}
	return &RuntimeClient{rt: rt}, nil
}

func personaPrompt(p config.BotConfig) string {
	return fmt.Sprintf(`Tu es %s, %d ans, %s, habitant à %s, %s. Tu discutes en privé sur IRC.
Reste dans le personnage, sois naturel, réponds court et pose des questions.`,
		p.Name, p.Age, p.Gender, p.City, p.Role)
}

func (c *RuntimeClient) Generate(ctx context.Context, req Request) (string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Interlocuteur: %s", req.Profile.Handle)
	if req.Profile.Age > 0 {
		fmt.Fprintf(&prompt, ", %d ans", req.Profile.Age)
	}
	if req.Profile.City != "" {
		fmt.Fprintf(&prompt, ", %s", req.Profile.City)
	}
	fmt.Fprintf(&prompt, "\nContexte: %s\nMessage: %s", req.Context, req.Message)

	resp, err := c.rt.Run(ctx, api.Request{
		Prompt:    prompt.String(),
		SessionID: "irc:" + req.Profile.Handle,
	})
	if err != nil {
		return "", classify(fmt.Errorf("runtime: %w", err))
	}
	if resp == nil || resp.Result == nil || strings.TrimSpace(resp.Result.Output) == "" {
		return "", &Error{Kind: KindOther, Err: fmt.Errorf("runtime: empty output")}
	}
	return strings.TrimSpace(resp.Result.Output), nil
}

func (c *RuntimeClient) Close() error {
	return c.rt.Close()
}

// New picks the generator for cfg.Type.
func New(cfg config.ProviderConfig, persona config.BotConfig, factory RuntimeFactory) (Generator, error) {
	switch cfg.Type {
	case config.ProviderAgent:
		return NewRuntimeClient(cfg, persona, factory)
	case config.ProviderOpenAI, "":
		return NewHTTPClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
