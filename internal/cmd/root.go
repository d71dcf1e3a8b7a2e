// Package cmd wires the CLI: flag parsing, configuration loading, and
// assembly of the session runtime.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opencouncil/council/internal/config"
	"github.com/opencouncil/council/internal/council"
	"github.com/opencouncil/council/internal/dashboard"
	"github.com/opencouncil/council/internal/display"
	"github.com/opencouncil/council/internal/invoke"
	"github.com/opencouncil/council/internal/logging"
	"github.com/opencouncil/council/internal/merge"
	"github.com/opencouncil/council/internal/storage"
	"github.com/opencouncil/council/internal/worktree"
)

var (
	flagWorktrees bool
	flagAutoMerge bool
	flagMerge     int
	flagDryRun    bool
	flagConfirm   bool
	flagNoCommit  bool
	flagDashboard bool
)

var rootCmd = &cobra.Command{
	Use:   "council [query]",
	Short: "Run a query past a council of models",
	Long: `council sends a query to every configured council member in parallel,
has the members rank each other's anonymized answers, and asks a chairman
model to synthesize the final response.

With --worktrees each member works in an isolated git worktree; the merge
flags then select whose changes, if any, reach the main branch.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runQuery(cmd.Context(), strings.Join(args, " "), nil)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().BoolVarP(&flagWorktrees, "worktrees", "w", false, "run each member in an isolated git worktree")
	rootCmd.Flags().BoolVar(&flagAutoMerge, "auto-merge", false, "merge the top-ranked member's changes")
	rootCmd.Flags().IntVar(&flagMerge, "merge", 0, "merge the given member's changes (1-based index)")
	rootCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "show member diffs without merging")
	rootCmd.Flags().BoolVar(&flagConfirm, "confirm", false, "ask before merging")
	rootCmd.Flags().BoolVar(&flagNoCommit, "no-commit", false, "apply the selected diff as unstaged changes")
	rootCmd.Flags().BoolVar(&flagDashboard, "dashboard", false, "show a live session dashboard")

	rootCmd.MarkFlagsMutuallyExclusive("auto-merge", "merge", "dry-run")
}

// initConfig registers defaults and reads the config file plus COUNCIL_*
// environment variables.
func initConfig() {
	config.SetDefaults()

	viper.SetConfigFile(config.ConfigFile())
	viper.SetEnvPrefix("COUNCIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// A missing config file is fine; defaults and env cover it.
	_ = viper.ReadInConfig()
}

// mergeOptions translates the merge flags. Any merge mode implies
// worktrees.
func mergeOptions() merge.Options {
	opts := merge.Options{Confirm: flagConfirm, NoCommit: flagNoCommit}
	switch {
	case flagAutoMerge:
		opts.Mode = merge.ModeAuto
	case flagMerge > 0:
		opts.Mode = merge.ModeManual
		opts.MemberIndex = flagMerge
	case flagDryRun:
		opts.Mode = merge.ModeDryRun
	}
	return opts
}

// runtime is everything a session run needs, assembled from config.
type runtime struct {
	cfg      *config.Config
	logger   *logging.Logger
	registry *logging.Registry
	session  *council.Session
	store    *storage.Store
	renderer *display.Renderer
	progress *progressRelay
	opts     council.Options
}

// progressRelay forwards session progress to the dashboard once one is
// attached. Events before attachment are dropped; the dashboard starts
// before the session does.
type progressRelay struct {
	send func(tea.Msg)
}

func (p *progressRelay) relay(ev council.ProgressEvent) {
	if p.send != nil {
		p.send(dashboard.EventMsg(ev))
	}
}

func (r *runtime) close() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.logger != nil {
		_ = r.logger.Close()
	}
}

// newRuntime loads config and assembles the session and its
// collaborators.
func newRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w\nRun 'council setup' to create %s", err, config.ConfigFile())
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	// Paths resolve against the repository root when inside one, so a run
	// from a subdirectory still finds the same conversations and logs.
	baseDir := cwd
	if root, err := worktree.FindGitRoot(cwd); err == nil {
		baseDir = root
	}

	var logger *logging.Logger
	var registry *logging.Registry
	if cfg.Logging.Enabled {
		logDir := cfg.Logging.ResolveLogDir(baseDir)
		logger, err = logging.NewLogger(logDir, cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		registry = logging.NewRegistry(logDir, cfg.Logging.Level)
	} else {
		logger = logging.NopLogger()
		registry = logging.NewRegistry("", cfg.Logging.Level)
	}

	members, err := cfg.Council.ParsedMembers()
	if err != nil {
		return nil, err
	}
	chairman, err := cfg.Council.ParsedChairman()
	if err != nil {
		return nil, err
	}

	client := invoke.NewClient(cfg.Invocation.Command, cfg.Invocation.Timeout())

	mopts := mergeOptions()
	useWorktrees := flagWorktrees || mopts.Mode != merge.ModeNone

	var trees *worktree.Manager
	var merger council.Merger
	if useWorktrees {
		trees, err = worktree.NewManager(cwd, cfg.Paths.ResolveWorktreeDir(baseDir), logger)
		if err != nil {
			return nil, err
		}
		merger = merge.NewEngine(trees, logger, os.Stdin, os.Stdout)
	}

	store, err := storage.NewStore(cfg.Paths.ResolveConversationDir(baseDir))
	if err != nil {
		return nil, err
	}

	relay := &progressRelay{}

	params := council.Params{
		Members:  members,
		Chairman: chairman,
		Invoker:  client,
		Logger:   logger,
		Registry: registry,
		Progress: relay.relay,
	}
	if trees != nil {
		params.Trees = trees
	}
	params.Merger = merger

	session, err := council.NewSession(params)
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		session:  session,
		store:    store,
		renderer: display.NewRenderer(os.Stdout),
		progress: relay,
		opts: council.Options{
			UseWorktrees: useWorktrees,
			Merge:        mopts,
		},
	}, nil
}

// runQuery runs one session and persists it. conversation is nil for a
// fresh conversation; history carries prior turns when continuing.
func runQuery(ctx context.Context, query string, conversation *storage.Conversation) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if flagDashboard && flagConfirm {
		return fmt.Errorf("--dashboard cannot be combined with --confirm")
	}

	opts := rt.opts
	if conversation != nil {
		opts.Context = storage.History(conversation)
	}

	var result *council.SessionResult
	var runErr error
	if flagDashboard {
		result, runErr = runWithDashboard(ctx, rt, query, opts)
	} else {
		result, runErr = rt.session.Run(ctx, query, opts)
	}
	if runErr != nil {
		return runErr
	}
	if result == nil {
		// Dashboard aborted before the session finished.
		return nil
	}

	rt.renderer.Render(result)

	if conversation == nil {
		title := rt.session.GenerateTitle(ctx, query)
		conversation, err = rt.store.New(title)
		if err != nil {
			rt.logger.Warn("failed to create conversation", "error", err)
			return nil
		}
	}
	if err := rt.store.AddSession(conversation, result); err != nil {
		rt.logger.Warn("failed to persist session", "error", err)
	}
	return nil
}

// sessionDoneMsg carries the session outcome into the dashboard loop.
type sessionDoneMsg struct {
	result *council.SessionResult
	err    error
}

// runWithDashboard drives the session under a live bubbletea view. The
// session runs in a goroutine and feeds progress into the program; the
// result is rendered after the program exits.
func runWithDashboard(ctx context.Context, rt *runtime, query string, opts council.Options) (*council.SessionResult, error) {
	names := make([]string, len(rt.cfg.Council.Members))
	copy(names, rt.cfg.Council.Members)

	program := tea.NewProgram(dashboard.New(names))
	rt.progress.send = program.Send

	done := make(chan sessionDoneMsg, 1)
	go func() {
		result, err := rt.session.Run(ctx, query, opts)
		done <- sessionDoneMsg{result: result, err: err}
		program.Send(dashboard.DoneMsg{Err: err})
	}()

	final, err := program.Run()
	if err != nil {
		return nil, err
	}
	if m, ok := final.(dashboard.Model); ok && m.Aborted() {
		return nil, fmt.Errorf("session aborted")
	}

	outcome := <-done
	return outcome.result, outcome.err
}
