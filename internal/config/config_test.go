package config

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ACCUEIL_API_KEY", "DEEPSEEK_API_KEY", "OPENAI_API_KEY", "ACCUEIL_BASE_URL",
		"ACCUEIL_NICK", "ACCUEIL_SERVER", "ACCUEIL_CHANNEL", "ACCUEIL_DB_PATH",
		"ACCUEIL_TELEGRAM_TOKEN", "ACCUEIL_WORKERS", "ACCUEIL_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Pipeline.Workers != DefaultWorkers {
		t.Errorf("workers = %d, want %d", cfg.Pipeline.Workers, DefaultWorkers)
	}
	if cfg.Pipeline.IntakeBuffer != DefaultIntakeBuffer {
		t.Errorf("intakeBuffer = %d, want %d", cfg.Pipeline.IntakeBuffer, DefaultIntakeBuffer)
	}
	if cfg.IRC.Channel != DefaultChannel {
		t.Errorf("channel = %q, want %q", cfg.IRC.Channel, DefaultChannel)
	}
	if cfg.Targeting.Gender != GenderAny {
		t.Errorf("target gender = %q, want %q", cfg.Targeting.Gender, GenderAny)
	}
	if cfg.Provider.Model != DefaultModel {
		t.Errorf("model = %q, want %q", cfg.Provider.Model, DefaultModel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.IRC.Server != DefaultServer {
		t.Errorf("server = %q, want %q", cfg.IRC.Server, DefaultServer)
	}
	if !strings.HasSuffix(cfg.DBPath(), filepath.Join(".accueil", "data", "accueil.db")) {
		t.Errorf("db path = %q", cfg.DBPath())
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".accueil")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatal(err)
	}
	testCfg := map[string]any{
		"bot": map[string]any{"nickname": "Lea22"},
		"targeting": map[string]any{
			"ageMin": 20,
			"ageMax": 30,
			"gender": "Homme",
		},
		"pipeline": map[string]any{"workers": 5},
		"provider": map[string]any{"apiKey": "sk-test"},
	}
	data, _ := json.MarshalIndent(testCfg, "", "  ")
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Bot.Nickname != "Lea22" {
		t.Errorf("nickname = %q, want Lea22", cfg.Bot.Nickname)
	}
	if cfg.Targeting.AgeMin != 20 || cfg.Targeting.AgeMax != 30 || cfg.Targeting.Gender != "Homme" {
		t.Errorf("targeting = %+v", cfg.Targeting)
	}
	if cfg.Pipeline.Workers != 5 {
		t.Errorf("workers = %d, want 5", cfg.Pipeline.Workers)
	}
	// Untouched sections keep their defaults.
	if cfg.Pipeline.IntakeBuffer != DefaultIntakeBuffer {
		t.Errorf("intakeBuffer = %d, want %d", cfg.Pipeline.IntakeBuffer, DefaultIntakeBuffer)
	}
	if cfg.Provider.APIKey != "sk-test" {
		t.Errorf("apiKey = %q, want sk-test", cfg.Provider.APIKey)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFrom(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name   string
		env    map[string]string
		verify func(t *testing.T, cfg *Config)
	}{
		{
			name: "accueil key wins",
			env:  map[string]string{"ACCUEIL_API_KEY": "a", "DEEPSEEK_API_KEY": "d"},
			verify: func(t *testing.T, cfg *Config) {
				if cfg.Provider.APIKey != "a" {
					t.Errorf("apiKey = %q, want a", cfg.Provider.APIKey)
				}
			},
		},
		{
			name: "deepseek key fallback",
			env:  map[string]string{"DEEPSEEK_API_KEY": "d"},
			verify: func(t *testing.T, cfg *Config) {
				if cfg.Provider.APIKey != "d" {
					t.Errorf("apiKey = %q, want d", cfg.Provider.APIKey)
				}
			},
		},
		{
			name: "transport overrides",
			env: map[string]string{
				"ACCUEIL_NICK":    "Nina27",
				"ACCUEIL_SERVER":  "irc.example.org:6697",
				"ACCUEIL_CHANNEL": "#test",
				"ACCUEIL_WORKERS": "7",
			},
			verify: func(t *testing.T, cfg *Config) {
				if cfg.Bot.Nickname != "Nina27" || cfg.IRC.Server != "irc.example.org:6697" || cfg.IRC.Channel != "#test" {
					t.Errorf("unexpected overrides: %+v %+v", cfg.Bot, cfg.IRC)
				}
				if cfg.Pipeline.Workers != 7 {
					t.Errorf("workers = %d, want 7", cfg.Pipeline.Workers)
				}
			},
		},
		{
			name: "bad workers ignored",
			env:  map[string]string{"ACCUEIL_WORKERS": "many"},
			verify: func(t *testing.T, cfg *Config) {
				if cfg.Pipeline.Workers != DefaultWorkers {
					t.Errorf("workers = %d, want %d", cfg.Pipeline.Workers, DefaultWorkers)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadConfig()
			if err != nil {
				t.Fatalf("LoadConfig error: %v", err)
			}
			tt.verify(t, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty nickname", func(c *Config) { c.Bot.Nickname = " " }},
		{"channel without hash", func(c *Config) { c.IRC.Channel = "accueil" }},
		{"inverted ages", func(c *Config) { c.Targeting.AgeMin = 40; c.Targeting.AgeMax = 30 }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"zero intake", func(c *Config) { c.Pipeline.IntakeBuffer = 0 }},
		{"zero write buffer", func(c *Config) { c.Store.WriteBuffer = 0 }},
		{"bad overflow", func(c *Config) { c.Store.Overflow = "panic" }},
		{"bad provider", func(c *Config) { c.Provider.Type = "carrier-pigeon" }},
		{"telegram without chat", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.Token = "t" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("3s", time.Second); got != 3*time.Second {
		t.Errorf("Duration(3s) = %v", got)
	}
	if got := Duration("soon", time.Second); got != time.Second {
		t.Errorf("Duration(soon) = %v, want fallback", got)
	}
	if got := Duration("-1s", time.Second); got != time.Second {
		t.Errorf("Duration(-1s) = %v, want fallback", got)
	}
}

func TestSaveConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	cfg := DefaultConfig()
	cfg.Bot.Nickname = "Sophie31"
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}
	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if loaded.Bot.Nickname != "Sophie31" {
		t.Errorf("nickname = %q, want Sophie31", loaded.Bot.Nickname)
	}
}

func TestRandomPersona(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 50; i++ {
		p := RandomPersona(rng)
		if p.Age < 20 || p.Age > 30 {
			t.Fatalf("age %d out of range", p.Age)
		}
		if !strings.HasPrefix(p.Nickname, p.Name) || len(p.Nickname) != len(p.Name)+2 {
			t.Fatalf("nickname %q should be name + two digits", p.Nickname)
		}
		if p.City == "" || p.Role == "" || p.Gender == "" {
			t.Fatalf("incomplete persona %+v", p)
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	if err := SaveConfigTo(path, DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(cfg *Config) { reloaded <- cfg })
	}()

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)

	cfg := DefaultConfig()
	cfg.Targeting.AgeMax = 44
	if err := SaveConfigTo(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-reloaded:
		if got.Targeting.AgeMax != 44 {
			t.Errorf("reloaded ageMax = %d, want 44", got.Targeting.AgeMax)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop")
	}
}
