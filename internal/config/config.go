package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultServer            = "irc.europnet.org:6667"
	DefaultChannel           = "#accueil"
	DefaultNamesBatch        = 20
	DefaultWorkers           = 3
	DefaultIntakeBuffer      = 50
	DefaultWriteBuffer       = 256
	DefaultEventBuffer       = 100
	DefaultBlockTimeout      = "2s"
	DefaultShutdownGrace     = "5s"
	DefaultProviderType      = ProviderOpenAI
	DefaultBaseURL           = "https://api.deepseek.com/v1"
	DefaultModel             = "deepseek-chat"
	DefaultMaxTokens         = 150
	DefaultTemperature       = 0.7
	DefaultTimeoutSec        = 10
	DefaultHistoryContext    = 5
	DefaultMaxConcurrent     = 3
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 18791
	DefaultAgeMin            = 18
	DefaultAgeMax            = 35
	DefaultStatsSchedule     = "0 */15 * * * *"
	DefaultRescanSchedule    = "0 */30 * * * *"
	DefaultPruneSchedule     = "0 0 4 * * *"
	DefaultLogLevel          = "info"
	DefaultTelegramBufSize   = 64
	GenderAny                = "Tous"
	OverflowShed             = "shed"
	OverflowBlock            = "block"
	ProviderOpenAI           = "openai"
	ProviderAgent            = "agent"
	DefaultPersonaGender     = "Femme"
	DefaultPersonaRole       = "Étudiante"
	DefaultPersonaName       = "Julie"
	DefaultPersonaCity       = "Paris"
	DefaultPersonaAge        = 24
	DefaultPersonaNickSuffix = "24"
)

type Config struct {
	Bot            BotConfig       `json:"bot"`
	Targeting      TargetingConfig `json:"targeting"`
	IRC            IRCConfig       `json:"irc"`
	Pipeline       PipelineConfig  `json:"pipeline"`
	Store          StoreConfig     `json:"store"`
	Provider       ProviderConfig  `json:"provider"`
	WebUI          WebUIConfig     `json:"webui"`
	Telegram       TelegramConfig  `json:"telegram"`
	Schedule       ScheduleConfig  `json:"schedule"`
	HeuristicsFile string          `json:"heuristicsFile,omitempty"`
	LogLevel       string          `json:"logLevel,omitempty"`
}

// BotConfig is the persona the bot plays on the channel.
type BotConfig struct {
	Name     string `json:"name"`
	Age      int    `json:"age"`
	Gender   string `json:"gender"`
	City     string `json:"city"`
	Role     string `json:"role"`
	Nickname string `json:"nickname"`
}

type TargetingConfig struct {
	AgeMin int    `json:"ageMin"`
	AgeMax int    `json:"ageMax"`
	Gender string `json:"gender"` // "Tous" (any), "Homme" or "Femme"
}

type IRCConfig struct {
	Server     string `json:"server"`
	UseTLS     bool   `json:"tls"`
	Channel    string `json:"channel"`
	Password   string `json:"password,omitempty"`
	NamesBatch int    `json:"namesBatch"`
	EventBuf   int    `json:"eventBuffer,omitempty"`
}

type PipelineConfig struct {
	Workers      int    `json:"workers"`
	IntakeBuffer int    `json:"intakeBuffer"`
	Overflow     string `json:"overflow"` // "shed" (default) or "block"
	BlockTimeout string `json:"blockTimeout,omitempty"`
}

type StoreConfig struct {
	DBPath        string `json:"dbPath,omitempty"`
	WriteBuffer   int    `json:"writeBuffer"`
	Overflow      string `json:"overflow"`
	BlockTimeout  string `json:"blockTimeout,omitempty"`
	ShutdownGrace string `json:"shutdownGrace"`
	RetentionDays int    `json:"retentionDays"`
}

type ProviderConfig struct {
	Type           string  `json:"type,omitempty"` // "openai" (default, any OpenAI-compatible API) or "agent"
	APIKey         string  `json:"apiKey"`
	BaseURL        string  `json:"baseUrl,omitempty"`
	Model          string  `json:"model"`
	MaxTokens      int     `json:"maxTokens"`
	Temperature    float64 `json:"temperature"`
	TimeoutSec     int     `json:"timeoutSec"`
	HistoryContext int     `json:"historyContext"`
	MaxConcurrent  int     `json:"maxConcurrent"`
}

type WebUIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type TelegramConfig struct {
	Enabled bool     `json:"enabled"`
	Token   string   `json:"token"`
	ChatID  int64    `json:"chatId"`
	Proxy   string   `json:"proxy,omitempty"`
	Sources []string `json:"sources,omitempty"`
	BufSize int      `json:"bufSize,omitempty"`
}

type ScheduleConfig struct {
	Stats  string `json:"stats,omitempty"`
	Rescan string `json:"rescan,omitempty"`
	Prune  string `json:"prune,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			Name:     DefaultPersonaName,
			Age:      DefaultPersonaAge,
			Gender:   DefaultPersonaGender,
			City:     DefaultPersonaCity,
			Role:     DefaultPersonaRole,
			Nickname: DefaultPersonaName + DefaultPersonaNickSuffix,
		},
		Targeting: TargetingConfig{
			AgeMin: DefaultAgeMin,
			AgeMax: DefaultAgeMax,
			Gender: GenderAny,
		},
		IRC: IRCConfig{
			Server:     DefaultServer,
			Channel:    DefaultChannel,
			NamesBatch: DefaultNamesBatch,
			EventBuf:   DefaultEventBuffer,
		},
		Pipeline: PipelineConfig{
			Workers:      DefaultWorkers,
			IntakeBuffer: DefaultIntakeBuffer,
			Overflow:     OverflowShed,
			BlockTimeout: DefaultBlockTimeout,
		},
		Store: StoreConfig{
			WriteBuffer:   DefaultWriteBuffer,
			Overflow:      OverflowShed,
			BlockTimeout:  DefaultBlockTimeout,
			ShutdownGrace: DefaultShutdownGrace,
		},
		Provider: ProviderConfig{
			Type:           DefaultProviderType,
			BaseURL:        DefaultBaseURL,
			Model:          DefaultModel,
			MaxTokens:      DefaultMaxTokens,
			Temperature:    DefaultTemperature,
			TimeoutSec:     DefaultTimeoutSec,
			HistoryContext: DefaultHistoryContext,
			MaxConcurrent:  DefaultMaxConcurrent,
		},
		WebUI: WebUIConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Telegram: TelegramConfig{
			Sources: []string{"Bot", "Warning", "Erreur"},
			BufSize: DefaultTelegramBufSize,
		},
		Schedule: ScheduleConfig{
			Stats:  DefaultStatsSchedule,
			Rescan: DefaultRescanSchedule,
			Prune:  DefaultPruneSchedule,
		},
		LogLevel: DefaultLogLevel,
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".accueil")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DBPath returns the configured database path or the default under ConfigDir.
func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Store.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "accueil.db")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom reads path (a missing file yields defaults), applies
// environment overrides and fills zero values.
func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("ACCUEIL_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("DEEPSEEK_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("ACCUEIL_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if nick := os.Getenv("ACCUEIL_NICK"); nick != "" {
		cfg.Bot.Nickname = nick
	}
	if server := os.Getenv("ACCUEIL_SERVER"); server != "" {
		cfg.IRC.Server = server
	}
	if channel := os.Getenv("ACCUEIL_CHANNEL"); channel != "" {
		cfg.IRC.Channel = channel
	}
	if dbPath := os.Getenv("ACCUEIL_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if token := os.Getenv("ACCUEIL_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if workers := os.Getenv("ACCUEIL_WORKERS"); workers != "" {
		if parsed, err := strconv.Atoi(workers); err == nil {
			cfg.Pipeline.Workers = parsed
		}
	}
	if level := os.Getenv("ACCUEIL_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
}

func normalize(cfg *Config) {
	def := DefaultConfig()
	if cfg.Targeting.Gender == "" {
		cfg.Targeting.Gender = GenderAny
	}
	if cfg.IRC.Server == "" {
		cfg.IRC.Server = def.IRC.Server
	}
	if cfg.IRC.NamesBatch <= 0 {
		cfg.IRC.NamesBatch = DefaultNamesBatch
	}
	if cfg.IRC.EventBuf <= 0 {
		cfg.IRC.EventBuf = DefaultEventBuffer
	}
	if cfg.Pipeline.Overflow == "" {
		cfg.Pipeline.Overflow = OverflowShed
	}
	if cfg.Pipeline.BlockTimeout == "" {
		cfg.Pipeline.BlockTimeout = DefaultBlockTimeout
	}
	if cfg.Store.Overflow == "" {
		cfg.Store.Overflow = OverflowShed
	}
	if cfg.Store.BlockTimeout == "" {
		cfg.Store.BlockTimeout = DefaultBlockTimeout
	}
	if cfg.Store.ShutdownGrace == "" {
		cfg.Store.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProviderType
	}
	if cfg.Provider.BaseURL == "" && cfg.Provider.Type == ProviderOpenAI {
		cfg.Provider.BaseURL = DefaultBaseURL
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.Provider.MaxTokens <= 0 {
		cfg.Provider.MaxTokens = DefaultMaxTokens
	}
	if cfg.Provider.TimeoutSec <= 0 {
		cfg.Provider.TimeoutSec = DefaultTimeoutSec
	}
	if cfg.Provider.HistoryContext <= 0 {
		cfg.Provider.HistoryContext = DefaultHistoryContext
	}
	if cfg.Provider.MaxConcurrent <= 0 {
		cfg.Provider.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.WebUI.Host == "" {
		cfg.WebUI.Host = DefaultHost
	}
	if cfg.WebUI.Port == 0 {
		cfg.WebUI.Port = DefaultPort
	}
	if cfg.Telegram.BufSize <= 0 {
		cfg.Telegram.BufSize = DefaultTelegramBufSize
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
}

// Validate reports settings the gateway cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bot.Nickname) == "" {
		return fmt.Errorf("bot nickname is required")
	}
	if !strings.HasPrefix(c.IRC.Channel, "#") {
		return fmt.Errorf("irc channel %q must start with #", c.IRC.Channel)
	}
	if c.Targeting.AgeMin > c.Targeting.AgeMax {
		return fmt.Errorf("targeting ageMin %d exceeds ageMax %d", c.Targeting.AgeMin, c.Targeting.AgeMax)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.IntakeBuffer <= 0 {
		return fmt.Errorf("pipeline intakeBuffer must be positive, got %d", c.Pipeline.IntakeBuffer)
	}
	if c.Store.WriteBuffer <= 0 {
		return fmt.Errorf("store writeBuffer must be positive, got %d", c.Store.WriteBuffer)
	}
	for name, policy := range map[string]string{"pipeline": c.Pipeline.Overflow, "store": c.Store.Overflow} {
		if policy != OverflowShed && policy != OverflowBlock {
			return fmt.Errorf("%s overflow policy %q must be %q or %q", name, policy, OverflowShed, OverflowBlock)
		}
	}
	switch c.Provider.Type {
	case ProviderOpenAI, ProviderAgent:
	default:
		return fmt.Errorf("unknown provider type %q", c.Provider.Type)
	}
	if c.Telegram.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
		return fmt.Errorf("telegram notifier needs token and chatId")
	}
	return nil
}

// Duration parses a config duration string, falling back to def when empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
		return d
	}
	return def
}

func SaveConfig(cfg *Config) error {
	return SaveConfigTo(ConfigPath(), cfg)
}

func SaveConfigTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
