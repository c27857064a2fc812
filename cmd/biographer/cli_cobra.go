package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/biographer/pkg/archive"
	"github.com/dotsetgreg/biographer/pkg/biography"
	"github.com/dotsetgreg/biographer/pkg/config"
	"github.com/dotsetgreg/biographer/pkg/logger"
	"github.com/dotsetgreg/biographer/pkg/memory"
	"github.com/dotsetgreg/biographer/pkg/providers"
)

func executeCLI() error {
	root := buildRootCommand(true)
	return root.Execute()
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "biographer",
		Short: "AI interviewer that turns conversations into a living biography",
		Long: strings.TrimSpace(`biographer interviews a subject over many sessions, consolidates what it
hears into long-term memories, and keeps a versioned biography up to date.

Run an interview in the terminal, serve the HTTP/WebSocket API and Discord
channel, or inspect memories, archives and biography versions.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.biographer/config.json or $BIOGRAPHER_CONFIG)")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newInterviewCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newBioCommand())
	root.AddCommand(newMemoriesCommand())
	root.AddCommand(newArchiveCommand())
	root.AddCommand(newEvalCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}
	return root
}

func newOnboardCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default config file",
		Long:    "Create ~/.biographer/config.json with default engine limits, storage paths and provider settings.",
		Example: "  biographer onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\nOverwrite? (y/n): ", path)
				response, readErr := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				response = strings.ToLower(strings.TrimSpace(response))
				if readErr != nil || (response != "y" && response != "yes") {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s is ready!\n", appName)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  1. Add your API key to", path)
			fmt.Fprintln(out, "     Get one at: https://openrouter.ai/keys")
			fmt.Fprintln(out, "  2. Start talking: biographer interview --user me")
			fmt.Fprintln(out, "  3. Read the result: biographer bio show --user me")
			fmt.Fprintln(out, "  4. (Server mode) biographer serve")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config without asking")
	return cmd
}

func newInterviewCommand() *cobra.Command {
	var (
		user     string
		restart  bool
		maxTurns int
		debug    bool
	)
	cmd := &cobra.Command{
		Use:   "interview",
		Short: "Run an interview session in the terminal",
		Long: strings.TrimSpace(`Start or resume the subject's interview session. An open session is picked
up where it left off; --restart discards it (memories are kept) and begins
a new one.`),
		Example: strings.Join([]string{
			"  biographer interview --user grandma",
			"  biographer interview --user grandma --restart",
			"  biographer interview --user grandma --max-turns 20",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
			if cmd.Flags().Changed("max-turns") {
				cfg.Interview.MaxTurns = maxTurns
			}
			eng, err := newEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.Close(true)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s interview with %s (type /help for commands, Ctrl+C to leave)\n", appName, user)
			in := newLineReader(out)
			defer in.Close()
			t := &terminalInterview{ctrl: eng.ctrl, store: eng.store, user: user, in: in, out: out}
			return t.run(context.Background(), restart)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "cli", "Subject id")
	cmd.Flags().BoolVar(&restart, "restart", false, "Discard the open session and start a new one")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "End the session after this many answers (0 = unlimited)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newServeCommand() *cobra.Command {
	var (
		host  string
		port  int
		debug bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket API, Discord channel and timeout sweeper",
		Long: strings.TrimSpace(`Serve the interview engine over HTTP (/v1/users/{id}/...) and WebSocket,
start enabled chat channels, and pause idle sessions on the configured
cron schedule.`),
		Example: "  biographer serve --port 18790 --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
			if cmd.Flags().Changed("host") {
				cfg.Gateway.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Gateway.Port = port
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides gateway.host)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides gateway.port)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := getConfigPath()
			fmt.Fprintf(out, "%s Status\n", appName)
			fmt.Fprintf(out, "Version: %s\n\n", formatVersion())

			mark := func(ok bool) string {
				if ok {
					return "✓"
				}
				return "✗"
			}
			_, statErr := os.Stat(path)
			fmt.Fprintln(out, "Config:", path, mark(statErr == nil))

			cfg, err := config.LoadConfig(path)
			if err != nil {
				fmt.Fprintln(out, "Config error:", err)
				return nil
			}
			if cfg.Storage.Backend == "sqlite" {
				_, dbErr := os.Stat(cfg.StoragePath())
				fmt.Fprintln(out, "Memory DB:", cfg.StoragePath(), mark(dbErr == nil))
			} else {
				fmt.Fprintln(out, "Storage:", cfg.Storage.Backend)
			}
			fmt.Fprintln(out, "Archive:", cfg.ArchiveDir())

			provider, configured, mode, credErr := providers.ProviderCredentialStatus(cfg)
			if credErr != nil {
				fmt.Fprintln(out, "Provider:", credErr)
			} else {
				fmt.Fprintf(out, "Provider: %s (%s) %s\n", provider, mode, mark(configured))
			}
			fmt.Fprintf(out, "Model: %s\n", cfg.Interview.Model)
			fmt.Fprintf(out, "Extractor: %s  Synthesizer: %s\n", cfg.Memory.Extractor, cfg.Biography.Synthesizer)
			fmt.Fprintln(out, "Discord:", mark(cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != ""))
			fmt.Fprintln(out, "Voice:", mark(cfg.Voice.Enabled))
			return nil
		},
	}
}

// withStore runs fn against the configured store without building a model
// client.
func withStore(fn func(cfg *config.Config, store memory.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func newBioCommand() *cobra.Command {
	bio := &cobra.Command{
		Use:   "bio",
		Short: "Show, export and regenerate biographies",
	}

	var (
		user    string
		format  string
		version int
		output  string
	)
	show := &cobra.Command{
		Use:     "show",
		Short:   "Print a biography version",
		Example: "  biographer bio show --user grandma --format html",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(cfg *config.Config, store memory.Store) error {
				doc, err := pickVersion(cmd.Context(), store, user, version)
				if err != nil {
					return err
				}
				text, err := biography.Render(doc, format)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
	show.Flags().StringVarP(&format, "format", "f", "markdown", "markdown, html, yaml or json")
	show.Flags().IntVar(&version, "version", 0, "Version to show (0 = latest)")

	export := &cobra.Command{
		Use:     "export",
		Short:   "Write a biography version to the export directory",
		Example: "  biographer bio export --user grandma --format html",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(cfg *config.Config, store memory.Store) error {
				doc, err := pickVersion(cmd.Context(), store, user, version)
				if err != nil {
					return err
				}
				dir := output
				if dir == "" {
					dir = cfg.ExportDir()
				}
				path, err := biography.Export(dir, doc, format)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
				return nil
			})
		},
	}
	export.Flags().StringVarP(&format, "format", "f", "markdown", "markdown, html, yaml or json")
	export.Flags().IntVar(&version, "version", 0, "Version to export (0 = latest)")
	export.Flags().StringVarP(&output, "output", "o", "", "Directory (default biography.export_dir)")

	versions := &cobra.Command{
		Use:   "versions",
		Short: "List biography versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(cfg *config.Config, store memory.Store) error {
				docs, err := store.ListBiographyVersions(cmd.Context(), user)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tMEMORIES\tCREATED\tHASH")
				for _, d := range docs {
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", d.Version, d.MemoryCount, d.CreatedAt.Format("2006-01-02 15:04"), shortHash(d.SnapshotHash))
				}
				return w.Flush()
			})
		},
	}

	regenerate := &cobra.Command{
		Use:   "regenerate",
		Short: "Synthesize a new biography version from current memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var gen providers.Generator
			if !strings.EqualFold(cfg.Biography.Synthesizer, "outline") {
				if gen, err = providers.NewGenerator(cfg); err != nil {
					return fmt.Errorf("create provider: %w", err)
				}
			}
			synth, err := biography.SynthesizerFromConfig(cfg, gen)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			trigger := biography.NewTrigger(store, synth, cfg.Biography.RegenerationThreshold)
			defer trigger.Close()

			doc, err := trigger.Regenerate(cmd.Context(), user)
			if errors.Is(err, biography.ErrNoMemories) {
				return fmt.Errorf("%s has no memories yet; run an interview first", user)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Biography v%d written from %d memories.\n", doc.Version, doc.MemoryCount)
			return nil
		},
	}

	for _, c := range []*cobra.Command{show, export, versions, regenerate} {
		c.Flags().StringVarP(&user, "user", "u", "cli", "Subject id")
		bio.AddCommand(c)
	}
	return bio
}

func pickVersion(ctx context.Context, store memory.Store, user string, version int) (memory.BiographyDoc, error) {
	if version <= 0 {
		doc, err := store.LatestBiography(ctx, user)
		if errors.Is(err, memory.ErrNotFound) {
			return doc, fmt.Errorf("no biography for %s yet", user)
		}
		return doc, err
	}
	docs, err := store.ListBiographyVersions(ctx, user)
	if err != nil {
		return memory.BiographyDoc{}, err
	}
	for _, d := range docs {
		if d.Version == version {
			return d, nil
		}
	}
	return memory.BiographyDoc{}, fmt.Errorf("biography v%d for %s: %w", version, user, memory.ErrNotFound)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func newMemoriesCommand() *cobra.Command {
	memories := &cobra.Command{
		Use:   "memories",
		Short: "Inspect consolidated memories",
	}
	var (
		user       string
		superseded bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List a subject's memory items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(cfg *config.Config, store memory.Store) error {
				items, err := store.ListMemoryItems(cmd.Context(), user)
				if err != nil {
					return err
				}
				if !superseded {
					items = memory.Active(items)
				}
				memory.SortItems(items)
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tSLOT\tCONF\tTEXT")
				for _, it := range items {
					slot := it.Slot
					if slot == "" {
						slot = "-"
					}
					fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\n", it.SourceSessionID, slot, it.Confidence, it.Text)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().StringVarP(&user, "user", "u", "cli", "Subject id")
	list.Flags().BoolVar(&superseded, "all", false, "Include superseded items")
	memories.AddCommand(list)
	return memories
}

func newArchiveCommand() *cobra.Command {
	arch := &cobra.Command{
		Use:   "archive",
		Short: "Read archived sessions",
	}
	show := &cobra.Command{
		Use:     "show <ref>",
		Short:   "Print the transcript of an archived session",
		Example: "  biographer archive show grandma/session-000003.cbor.zst",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := archive.New(cfg.ArchiveDir())
			if err != nil {
				return err
			}
			rec, err := a.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %d of %s, %d turns, started %s\n\n",
				rec.SessionID, rec.UserID, rec.TurnCount, rec.StartedAt.Format("2006-01-02 15:04"))
			for _, ev := range rec.MemoryEvents() {
				if ev.Kind == memory.KindNote {
					continue
				}
				fmt.Fprintf(out, "[%d] %s: %s\n", ev.Seq, ev.Role, ev.Content)
			}
			return nil
		},
	}
	arch.AddCommand(show)
	return arch
}

func newEvalCommand() *cobra.Command {
	eval := &cobra.Command{
		Use:   "eval",
		Short: "Offline quality checks",
	}
	var user string
	completeness := &cobra.Command{
		Use:   "completeness",
		Short: "Share of active memories referenced by the latest biography",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(cfg *config.Config, store memory.Store) error {
				ctx := cmd.Context()
				items, err := store.ListMemoryItems(ctx, user)
				if err != nil {
					return err
				}
				active := memory.Active(items)
				doc, err := store.LatestBiography(ctx, user)
				if err != nil && !errors.Is(err, memory.ErrNotFound) {
					return err
				}
				score := biography.Completeness(doc, active)
				fmt.Fprintf(cmd.OutOrStdout(), "completeness %.3f (%d active memories, biography v%d)\n", score, len(active), doc.Version)

				missing := missingFromBiography(doc, active)
				if len(missing) > 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "not yet in the biography:")
					for _, text := range missing {
						fmt.Fprintln(cmd.OutOrStdout(), "  -", text)
					}
				}
				return nil
			})
		},
	}
	completeness.Flags().StringVarP(&user, "user", "u", "cli", "Subject id")
	eval.AddCommand(completeness)
	return eval
}

func missingFromBiography(doc memory.BiographyDoc, active []memory.MemoryItem) []string {
	referenced := make(map[string]bool, len(doc.MemoryIDs))
	for _, id := range doc.MemoryIDs {
		referenced[id] = true
	}
	var out []string
	for _, it := range active {
		if !referenced[it.ID] {
			out = append(out, it.Text)
		}
	}
	sort.Strings(out)
	return out
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  biographer version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
