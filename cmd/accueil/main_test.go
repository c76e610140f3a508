package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/accueil/internal/config"
	"github.com/stellarlinkco/accueil/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// isolate points HOME at a temp dir, clears env overrides and resets flags.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)
	for _, key := range []string{
		"ACCUEIL_API_KEY", "DEEPSEEK_API_KEY", "OPENAI_API_KEY", "ACCUEIL_DB_PATH",
		"ACCUEIL_NICK", "ACCUEIL_SERVER", "ACCUEIL_CHANNEL", "ACCUEIL_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
	genderFlag, ageFlag, searchFlag = nil, "", ""
	limitFlag = 20
	randomFlag, forceFlag = false, false
	return tmpDir
}

func run(t *testing.T, fn func(*cobra.Command, []string) error, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	err := fn(cmd, args)
	return buf.String(), err
}

func seed(t *testing.T, intents ...store.WriteIntent) {
	t.Helper()
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(cfg.DBPath(), nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()
	for _, in := range intents {
		if err := st.Apply(in); err != nil {
			t.Fatalf("Apply(%s) error: %v", in.Kind, err)
		}
	}
}

func seedUsers(t *testing.T) {
	seed(t,
		store.SaveProfile(store.UserProfile{Handle: "julie22", Age: 22, Gender: store.GenderFemale, Targeted: true, ConversationCount: 1, LastSeen: t0, CreatedAt: t0}),
		store.SaveProfile(store.UserProfile{Handle: "marc1990paris", Age: 36, Gender: store.GenderMale, City: "Paris", LastSeen: t0, CreatedAt: t0}),
		store.SaveProfile(store.UserProfile{Handle: "zorglub", LastSeen: t0, CreatedAt: t0}),
		store.AppendInteraction(store.InteractionRecord{ID: "1", Handle: "julie22", Outbound: "coucou ça va ?", Tag: "engagement", Timestamp: t0}),
		store.AppendInteraction(store.InteractionRecord{ID: "2", Handle: "julie22", Inbound: "oui et toi", Outbound: "super", Tag: "generated", Timestamp: t0.Add(time.Minute)}),
	)
}

func TestRunOnboard(t *testing.T) {
	tmpDir := isolate(t)

	output, err := run(t, runOnboard)
	if err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}

	cfgPath := filepath.Join(tmpDir, ".accueil", "config.json")
	cfg, err := config.LoadConfigFrom(cfgPath)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Bot.Nickname != "Julie24" {
		t.Errorf("nickname = %q, want Julie24", cfg.Bot.Nickname)
	}
	if !strings.Contains(output, "Created config") || !strings.Contains(output, "Julie24") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestRunOnboard_AlreadyExists(t *testing.T) {
	tmpDir := isolate(t)
	cfgDir := filepath.Join(tmpDir, ".accueil")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{}"), 0644)

	output, err := run(t, runOnboard)
	if err != nil {
		t.Errorf("runOnboard error: %v", err)
	}
	if !strings.Contains(output, "Config already exists") {
		t.Errorf("expected 'Config already exists', got: %s", output)
	}
	data, _ := os.ReadFile(filepath.Join(cfgDir, "config.json"))
	if string(data) != "{}" {
		t.Error("existing config was overwritten")
	}
}

func TestRunOnboard_RandomForce(t *testing.T) {
	tmpDir := isolate(t)
	cfgDir := filepath.Join(tmpDir, ".accueil")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{}"), 0644)
	randomFlag, forceFlag = true, true

	if _, err := run(t, runOnboard); err != nil {
		t.Fatalf("runOnboard error: %v", err)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bot.Nickname == "" || !strings.HasPrefix(cfg.Bot.Nickname, cfg.Bot.Name) {
		t.Errorf("random persona not written: %+v", cfg.Bot)
	}
	if cfg.Bot.Age < 20 || cfg.Bot.Age > 30 {
		t.Errorf("age = %d, want 20..30", cfg.Bot.Age)
	}
}

func TestRunStatus_NoDatabase(t *testing.T) {
	isolate(t)

	output, err := run(t, runStatus)
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	for _, want := range []string{"Persona: Julie24", "IRC: irc.europnet.org:6667 #accueil", "API Key: not set", "Database: not found"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestRunStatus_WithDatabase(t *testing.T) {
	isolate(t)
	t.Setenv("ACCUEIL_API_KEY", "sk-1234567890abcdef")
	seedUsers(t)

	output, err := run(t, runStatus)
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	if !strings.Contains(output, "API Key: sk-1...cdef") {
		t.Errorf("key not masked:\n%s", output)
	}
	if !strings.Contains(output, "Statistiques: 3 utilisateurs, 1 ciblés") {
		t.Errorf("stats missing:\n%s", output)
	}
}

func TestRunStatus_BadConfig(t *testing.T) {
	tmpDir := isolate(t)
	cfgDir := filepath.Join(tmpDir, ".accueil")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{not json"), 0644)

	output, err := run(t, runStatus)
	if err != nil {
		t.Fatalf("runStatus error: %v", err)
	}
	if !strings.Contains(output, "Config: error") {
		t.Errorf("output = %s", output)
	}
}

func TestRunUsers(t *testing.T) {
	tests := []struct {
		name    string
		genders []string
		age     string
		search  string
		want    []string
		notWant []string
	}{
		{name: "all", want: []string{"julie22", "marc1990paris", "zorglub", "3 profil(s)"}},
		{name: "femme", genders: []string{"Femme"}, want: []string{"julie22", "1 profil(s)"}, notWant: []string{"marc1990paris"}},
		{name: "comma list", genders: []string{"Homme, Autre"}, want: []string{"marc1990paris", "zorglub", "2 profil(s)"}, notWant: []string{"julie22"}},
		{name: "age bracket keeps unknown", age: "18-25", want: []string{"julie22", "zorglub"}, notWant: []string{"marc1990paris"}},
		{name: "search", search: "PARIS", want: []string{"marc1990paris", "1 profil(s)"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			seedUsers(t)
			genderFlag, ageFlag, searchFlag = tt.genders, tt.age, tt.search

			output, err := run(t, runUsers)
			if err != nil {
				t.Fatalf("runUsers error: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(output, w) {
					t.Errorf("output missing %q:\n%s", w, output)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(output, w) {
					t.Errorf("output should not contain %q:\n%s", w, output)
				}
			}
		})
	}
}

func TestRunUsers_InvalidFilter(t *testing.T) {
	isolate(t)
	ageFlag = "12-14"
	if _, err := run(t, runUsers); err == nil {
		t.Error("expected error for unknown age bracket")
	}
}

func TestRunHistory(t *testing.T) {
	isolate(t)
	seedUsers(t)

	output, err := run(t, runHistory, "julie22")
	if err != nil {
		t.Fatalf("runHistory error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), output)
	}
	if !strings.Contains(lines[0], "julie22> oui et toi") {
		t.Errorf("most recent inbound should come first: %q", lines[0])
	}
	if !strings.Contains(lines[2], "bot> coucou ça va ? [engagement]") {
		t.Errorf("oldest line = %q", lines[2])
	}

	limitFlag = 1
	output, _ = run(t, runHistory, "julie22")
	if strings.Contains(output, "engagement") {
		t.Errorf("limit not applied:\n%s", output)
	}
}

func TestRunHistory_Empty(t *testing.T) {
	isolate(t)
	output, err := run(t, runHistory, "personne")
	if err != nil {
		t.Fatalf("runHistory error: %v", err)
	}
	if !strings.Contains(output, "Aucune interaction avec personne") {
		t.Errorf("output = %s", output)
	}
}

func TestRunTarget_Toggle(t *testing.T) {
	isolate(t)
	seedUsers(t)

	output, err := run(t, runTarget, "marc1990paris")
	if err != nil {
		t.Fatalf("runTarget error: %v", err)
	}
	if !strings.Contains(output, "marc1990paris est maintenant ciblé") {
		t.Errorf("output = %s", output)
	}

	output, err = run(t, runTarget, "julie22")
	if err != nil {
		t.Fatalf("runTarget error: %v", err)
	}
	if !strings.Contains(output, "julie22 est maintenant non ciblé") {
		t.Errorf("output = %s", output)
	}

	cfg, _ := config.LoadConfig()
	st, err := store.Open(cfg.DBPath(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if !st.Get("marc1990paris").Targeted {
		t.Error("marc1990paris should be targeted")
	}
	if st.Get("julie22").Targeted {
		t.Error("julie22 should no longer be targeted")
	}
}

func TestRunTarget_UnknownHandle(t *testing.T) {
	isolate(t)
	if _, err := run(t, runTarget, "fantome"); err == nil {
		t.Error("expected error for unknown handle")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList([]string{"Homme, Femme", "", " Autre "})
	want := []string{"Homme", "Femme", "Autre"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("splitList = %v, want %v", got, want)
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "not set"},
		{"short", "set"},
		{"sk-1234567890abcdef", "sk-1...cdef"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.in); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInit(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "onboard", "status", "users", "history", "target"} {
		if !names[want] {
			t.Errorf("command %q not registered", want)
		}
	}
	if historyCmd.Flags().Lookup("limit") == nil {
		t.Error("history --limit flag missing")
	}
}

func TestRunGateway_InvalidConfig(t *testing.T) {
	tmpDir := isolate(t)
	cfg := config.DefaultConfig()
	cfg.IRC.Channel = "accueil"
	cfg.Store.DBPath = filepath.Join(tmpDir, "db", "accueil.db")
	if err := config.SaveConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if err := runGateway(&cobra.Command{}, nil); err == nil {
		t.Error("expected error for channel without #")
	}
}
