package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/accueil/internal/config"
	"github.com/stellarlinkco/accueil/internal/gateway"
	"github.com/stellarlinkco/accueil/internal/logging"
	"github.com/stellarlinkco/accueil/internal/store"
)

var rootCmd = &cobra.Command{
	Use:          "accueil",
	Short:        "accueil - IRC welcome bot",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to IRC and start the pipeline, responder and dashboard",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Create the config file with a fresh persona",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config and store statistics",
	RunE:  runStatus,
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List known profiles",
	RunE:  runUsers,
}

var historyCmd = &cobra.Command{
	Use:   "history <handle>",
	Short: "Show the interaction history of a handle",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var targetCmd = &cobra.Command{
	Use:   "target <handle>",
	Short: "Toggle the targeted flag of a handle",
	Args:  cobra.ExactArgs(1),
	RunE:  runTarget,
}

var (
	genderFlag []string
	ageFlag    string
	searchFlag string
	limitFlag  int
	randomFlag bool
	forceFlag  bool
)

func init() {
	usersCmd.Flags().StringSliceVarP(&genderFlag, "gender", "g", nil, "Gender filter (Homme, Femme, Autre)")
	usersCmd.Flags().StringVarP(&ageFlag, "age", "a", "", "Age bracket (18-25, 26-35, 36-45, 46+)")
	usersCmd.Flags().StringVarP(&searchFlag, "search", "s", "", "Handle substring")
	historyCmd.Flags().IntVarP(&limitFlag, "limit", "n", 20, "Number of interactions")
	onboardCmd.Flags().BoolVar(&randomFlag, "random", false, "Draw a random persona instead of the default one")
	onboardCmd.Flags().BoolVar(&forceFlag, "force", false, "Overwrite an existing config")
	rootCmd.AddCommand(runCmd, onboardCmd, statusCmd, usersCmd, historyCmd, targetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{
		Logger:     logger,
		ConfigPath: config.ConfigPath(),
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); err == nil && !forceFlag {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
		return nil
	}

	cfg := config.DefaultConfig()
	if randomFlag {
		cfg.Bot = config.RandomPersona(rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)))
	}
	if err := config.SaveConfig(cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	fmt.Fprintf(out, "Persona: %s, %d ans, %s, %s (%s)\n",
		cfg.Bot.Name, cfg.Bot.Age, cfg.Bot.Gender, cfg.Bot.City, cfg.Bot.Nickname)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set ACCUEIL_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'accueil run'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Persona: %s (%s)\n", cfg.Bot.Nickname, cfg.Bot.Gender)
	fmt.Fprintf(out, "IRC: %s %s\n", cfg.IRC.Server, cfg.IRC.Channel)
	fmt.Fprintf(out, "Targeting: %s, %d-%d ans\n", cfg.Targeting.Gender, cfg.Targeting.AgeMin, cfg.Targeting.AgeMax)
	fmt.Fprintf(out, "Provider: %s %s\n", cfg.Provider.Type, cfg.Provider.Model)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "WebUI: enabled=%v\n", cfg.WebUI.Enabled)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Telegram.Enabled)

	dbPath := cfg.DBPath()
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintln(out, "Database: not found (run 'accueil run')")
		return nil
	}
	st, err := store.Open(dbPath, nil)
	if err != nil {
		fmt.Fprintf(out, "Database: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		fmt.Fprintf(out, "Database: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Database: %s\n", dbPath)
	fmt.Fprintln(out, gateway.FormatStats(stats))
	return nil
}

func runUsers(cmd *cobra.Command, args []string) error {
	filter := store.SummaryFilter{
		Genders:    splitList(genderFlag),
		AgeBracket: ageFlag,
		Search:     searchFlag,
	}
	if err := filter.Validate(); err != nil {
		return err
	}

	return withStore(func(_ *config.Config, st *store.Store) error {
		all, err := st.AllProfiles()
		if err != nil {
			return err
		}
		printSummaries(cmd.OutOrStdout(), filter.Apply(all))
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	handle := args[0]
	return withStore(func(_ *config.Config, st *store.Store) error {
		records, err := st.History(handle, limitFlag)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintf(out, "Aucune interaction avec %s\n", handle)
			return nil
		}
		for _, r := range records {
			ts := r.Timestamp.Local().Format("2006-01-02 15:04")
			if r.Inbound != "" {
				fmt.Fprintf(out, "%s  %s> %s\n", ts, handle, r.Inbound)
			}
			fmt.Fprintf(out, "%s  bot> %s [%s]\n", ts, r.Outbound, r.Tag)
		}
		return nil
	})
}

func runTarget(cmd *cobra.Command, args []string) error {
	handle := args[0]
	return withStore(func(cfg *config.Config, st *store.Store) error {
		p := st.Get(handle)
		if p.CreatedAt.IsZero() && p.LastSeen.IsZero() {
			return fmt.Errorf("unknown handle %s", handle)
		}

		w := store.NewWriter(st, store.WriterOptions{
			Block: true,
			Grace: config.Duration(cfg.Store.ShutdownGrace, 5*time.Second),
		})
		w.Start()
		if err := w.Submit(store.ToggleTargeted(handle, time.Now())); err != nil {
			_ = w.Close()
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.Flush(ctx); err != nil {
			_ = w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}

		state := "non ciblé"
		if st.Get(handle).Targeted {
			state = "ciblé"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s est maintenant %s\n", handle, state)
		return nil
	})
}

func withStore(fn func(*config.Config, *store.Store) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.DBPath(), nil)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cfg, st)
}

func printSummaries(out io.Writer, rows []store.ProfileSummary) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tAGE\tGENRE\tVILLE\tCIBLÉ\tCONVERSATIONS\tVU")
	for _, r := range rows {
		age := "-"
		if r.Age > 0 {
			age = fmt.Sprint(r.Age)
		}
		gender := string(r.Gender)
		if gender == "" {
			gender = "-"
		}
		city := r.City
		if city == "" {
			city = "-"
		}
		targeted := "non"
		if r.Targeted {
			targeted = "oui"
		}
		seen := "-"
		if !r.LastSeen.IsZero() {
			seen = r.LastSeen.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", r.Handle, age, gender, city, targeted, r.ConversationCount, seen)
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "%d profil(s)\n", len(rows))
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}
