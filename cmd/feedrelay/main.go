package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/feedrelay/internal/article"
	"github.com/TobiSchelling/feedrelay/internal/collect"
	"github.com/TobiSchelling/feedrelay/internal/config"
	"github.com/TobiSchelling/feedrelay/internal/database"
	"github.com/TobiSchelling/feedrelay/internal/pipeline"
	"github.com/TobiSchelling/feedrelay/internal/server"
	"github.com/TobiSchelling/feedrelay/internal/snapshot"
	"github.com/TobiSchelling/feedrelay/internal/store"
	"github.com/TobiSchelling/feedrelay/internal/view"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "feedrelay",
	Short:   "Aggregate news feeds through fallback relays",
	Long:    "feedrelay fetches RSS and Atom feeds, falling back through relay services when a feed is unreachable, and merges them into one sorted article list.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if strings.EqualFold(cfg.Logging.Level, "debug") {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(articlesCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(knownCmd)
	rootCmd.AddCommand(readCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("feedrelay", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/feedrelay/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure sources, relays and the store.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and last refresh status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		sources, err := store.EffectiveSources(st, cfg.Sources)
		if err != nil {
			return err
		}
		_, custom, err := store.LoadSources(st)
		if err != nil {
			return err
		}
		known, err := store.NewKnownGood(st).All()
		if err != nil {
			return err
		}

		fmt.Printf("Store: %s\n", cfg.Store.Driver)
		fmt.Println("\nSources:")
		fmt.Printf("  Active: %d", len(sources))
		if custom {
			fmt.Print(" (customized)")
		}
		fmt.Println()
		fmt.Printf("  Known-good endpoints: %d\n", len(known))
		fmt.Printf("  Relays: %d\n", len(cfg.RelayStrategies()))

		if res, err := snapshot.Load(cfg.Snapshot.Path); err == nil {
			fmt.Println("\nSnapshot:")
			fmt.Printf("  Path: %s\n", cfg.Snapshot.Path)
			fmt.Printf("  Articles: %d\n", len(res.Articles))
			fmt.Printf("  Generated: %s\n", res.GeneratedAt.Local().Format("2006-01-02 15:04:05"))
		}

		if db, ok := st.(*database.DB); ok {
			stats, err := db.GetStats()
			if err != nil {
				return fmt.Errorf("getting stats: %w", err)
			}
			fmt.Println("\nDatabase:")
			fmt.Printf("  Keys: %d\n", stats.Keys)
			fmt.Printf("  Runs recorded: %d\n", stats.Runs)
			if stats.LastRun != nil {
				fmt.Printf("  Last run: %s (%d articles, %d failed)\n",
					stats.LastRun.GeneratedAt, stats.LastRun.ArticleCount, stats.LastRun.FailedCount)
			}
		}
		return nil
	},
}

// --- fetch command ---

var (
	dryRun     bool
	outputPath string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run one refresh cycle and write the snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		pipe := pipeline.New(cfg, st, recorderFor(st))
		if outputPath != "" {
			pipe.SetSnapshotPath(outputPath)
		}

		var result *pipeline.Result
		if dryRun {
			result = pipe.DryRun()
		} else {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			result = pipe.Run(ctx)
		}

		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}

		if result.Aggregate != nil {
			for _, f := range result.Aggregate.Failures {
				fmt.Printf("  Failed: %s (%s)\n", f.Name, f.Reason)
			}
		}

		if !dryRun {
			fmt.Println("\nRefresh complete! Run 'feedrelay serve' to browse the articles.")
		}
		return result.Err()
	},
}

func init() {
	fetchCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be fetched without fetching")
	fetchCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Snapshot path (default from config)")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		pipe := pipeline.New(cfg, st, recorderFor(st))
		srv, err := server.New(pipe, st, server.Options{
			SnapshotPath: cfg.Snapshot.Path,
			SnapshotTTL:  cfg.Snapshot.TTL,
			Schedule:     cfg.Refresh.Schedule,
			ProxyTimeout: cfg.Server.ProxyTimeout,
			Notice:       cfg.Server.Notice,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, srv, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 3000, "Port to run server on (default from config)")
}

// --- articles command ---

var (
	articlesQuery   string
	articlesSources []string
	articlesPage    int
)

var articlesCmd = &cobra.Command{
	Use:   "articles",
	Short: "List articles from the last snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := snapshot.Load(cfg.Snapshot.Path)
		if errors.Is(err, snapshot.ErrNotFound) {
			return fmt.Errorf("no snapshot at %s; run 'feedrelay fetch' first", cfg.Snapshot.Path)
		}
		if err != nil {
			return err
		}

		st, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		readSet, err := store.NewReadState(st).ReadSet()
		if err != nil {
			return err
		}

		q := view.Query{Text: articlesQuery, Sources: articlesSources}
		page := view.Paginate(view.Filter(res.Articles, q), articlesPage, view.DefaultPageSize)
		if page.Total == 0 {
			fmt.Println("No articles match.")
			return nil
		}

		for _, it := range view.Items(page.Items, readSet) {
			mark := "*"
			if it.Read {
				mark = " "
			}
			date := "          "
			if it.HasDate() {
				date = it.Published.Local().Format("2006-01-02")
			}
			fmt.Printf("%s %s  %-20s %s\n", mark, date, truncate(it.SourceName, 20), it.Title)
			fmt.Printf("             %s\n", it.Link)
		}
		fmt.Printf("\nPage %d of %d (%d articles)\n", page.Number, page.TotalPages, page.Total)
		if len(res.FailedSources) > 0 {
			fmt.Printf("Failed sources: %s\n", strings.Join(res.FailedSources, ", "))
		}
		return nil
	},
}

func init() {
	articlesCmd.Flags().StringVarP(&articlesQuery, "query", "q", "", "Filter by text in title or description")
	articlesCmd.Flags().StringSliceVarP(&articlesSources, "source", "s", nil, "Filter by source name (repeatable)")
	articlesCmd.Flags().IntVarP(&articlesPage, "page", "p", 1, "Page number")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// --- sources command ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the source list",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		sources, err := store.EffectiveSources(st, cfg.Sources)
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Println("No sources defined. Add one with: feedrelay sources add <url>")
			return nil
		}
		for _, s := range sources {
			fmt.Printf("  %s\n", s.Name)
			for _, e := range s.Endpoints {
				fmt.Printf("      %s\n", e)
			}
		}
		return nil
	},
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add [url] [name]",
	Short: "Add a source",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		src := collect.NewSource(name, args[0])

		sources, err := store.EffectiveSources(st, cfg.Sources)
		if err != nil {
			return err
		}
		for _, s := range sources {
			if s.Name == src.Name {
				return fmt.Errorf("source %q already exists", src.Name)
			}
		}
		if err := store.SaveSources(st, append(sources, src)); err != nil {
			return err
		}
		fmt.Printf("Added source: %s\n", src.Name)
		return nil
	},
}

var sourcesRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Remove a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		sources, err := store.EffectiveSources(st, cfg.Sources)
		if err != nil {
			return err
		}
		kept := make([]article.Source, 0, len(sources))
		for _, s := range sources {
			if s.Name != args[0] {
				kept = append(kept, s)
			}
		}
		if len(kept) == len(sources) {
			return fmt.Errorf("source %q not found", args[0])
		}
		if err := store.SaveSources(st, kept); err != nil {
			return err
		}
		if err := store.NewKnownGood(st).Forget(args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed source: %s\n", args[0])
		return nil
	},
}

var sourcesResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the configured source list",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := store.ResetSources(st); err != nil {
			return err
		}
		fmt.Printf("Restored %d configured sources\n", len(cfg.Sources))
		return nil
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesRemoveCmd)
	sourcesCmd.AddCommand(sourcesResetCmd)
}

// --- known command ---

var knownCmd = &cobra.Command{
	Use:   "known",
	Short: "Inspect remembered working endpoints",
}

var knownListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the last working endpoint per source",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		known, err := store.NewKnownGood(st).All()
		if err != nil {
			return err
		}
		if len(known) == 0 {
			fmt.Println("No known-good endpoints yet.")
			return nil
		}
		names := make([]string, 0, len(known))
		for name := range known {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-24s %s\n", name, known[name])
		}
		return nil
	},
}

var knownClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget all known-good endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := store.NewKnownGood(st).Clear(); err != nil {
			return err
		}
		fmt.Println("Cleared known-good endpoints")
		return nil
	},
}

func init() {
	knownCmd.AddCommand(knownListCmd)
	knownCmd.AddCommand(knownClearCmd)
}

// --- read command ---

var readCmd = &cobra.Command{
	Use:   "read [link]",
	Short: "Mark an article read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := store.NewReadState(st).MarkRead(args[0], time.Now()); err != nil {
			return err
		}
		fmt.Printf("Marked read: %s\n", args[0])
		return nil
	},
}

// openStore opens the configured state backend. The returned func closes it.
func openStore() (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case "redis":
		r, err := store.NewRedis(cfg.Store.Redis)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	case "memory":
		return store.NewMemory(), func() {}, nil
	default:
		db, err := openDB()
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	}
}

// recorderFor returns the run report recorder for st, or nil when the
// backend does not keep run history.
func recorderFor(st store.Store) pipeline.Recorder {
	if db, ok := st.(*database.DB); ok {
		return db
	}
	return nil
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DatabasePath())
}
