package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/autolog/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// dotEnvFile is read from the working directory before config resolution.
const dotEnvFile = ".env"

// Log rotation size for log_file.
const logFileMaxSizeMB = 10

// CLIFlags holds the persistent flags shared by every command.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Debug      bool
	Quiet      bool
	Offline    bool
}

// CLIContext is built once in PersistentPreRunE and carried on the command
// context to every subcommand.
type CLIContext struct {
	Flags     CLIFlags
	Cfg       *config.Config
	CfgPath   string
	Overrides config.CLIOverrides
	Logger    *slog.Logger
	Out       io.Writer
	Err       io.Writer

	closeLog func() error
}

type cliContextKey struct{}

// cliContextFrom returns the CLIContext stored by the root pre-run.
func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

// mustCLIContext is cliContextFrom for RunE bodies, where the pre-run has
// always executed.
func mustCLIContext(cmd *cobra.Command) *CLIContext {
	cc := cliContextFrom(cmd.Context())
	if cc == nil {
		panic("autolog: command run without CLI context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main() and by tests.
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:   "autolog",
		Short: "Offline-first vehicle log sync client",
		Long: `Queue vehicle, maintenance, expense, document and settings changes while
offline and replay them against the backend when connectivity returns.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := newCLIContext(cmd, flags)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cc := cliContextFrom(cmd.Context()); cc != nil && cc.closeLog != nil {
				return cc.closeLog()
			}

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable info logging")
	pf.BoolVar(&flags.Debug, "debug", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")
	pf.BoolVar(&flags.Offline, "offline", false, "act as if the backend were unreachable")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
	cmd.MarkFlagsMutuallyExclusive("debug", "quiet")

	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newPullCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newPauseCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// newCLIContext resolves the effective configuration from the four-layer
// override chain and builds the logger.
func newCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	if err := config.LoadDotEnv(dotEnvFile); err != nil {
		return nil, err
	}

	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	// Only an explicit --offline overrides the file and environment.
	if cmd.Flags().Changed("offline") {
		cli.ForceOffline = &flags.Offline
	}

	env := config.ReadEnvOverrides()

	cfg, err := config.Resolve(env, cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	cc := &CLIContext{
		Flags:     flags,
		Cfg:       cfg,
		CfgPath:   config.ResolvePath(env, cli),
		Overrides: cli,
		Out:       cmd.OutOrStdout(),
		Err:       cmd.ErrOrStderr(),
	}

	cc.Logger, cc.closeLog = buildLogger(cfg, flags, cc.Err)

	return cc, nil
}

// buildLogger creates an slog.Logger from the [logging] config and CLI flags.
// Config provides the baseline level; --verbose, --debug and --quiet override
// it. Without those flags only warnings and errors reach a terminal.
func buildLogger(cfg *config.Config, flags CLIFlags, stderr io.Writer) (*slog.Logger, func() error) {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "error":
			level = slog.LevelError
		}
	}

	switch {
	case flags.Debug:
		level = slog.LevelDebug
	case flags.Verbose:
		level = slog.LevelInfo
	case flags.Quiet:
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	w := stderr
	closer := func() error { return nil }
	format := "auto"

	if cfg != nil {
		format = cfg.Logging.LogFormat

		if cfg.Logging.LogFile != "" {
			lj := &lumberjack.Logger{
				Filename:   cfg.Logging.LogFile,
				MaxSize:    logFileMaxSizeMB,
				MaxAge:     cfg.Logging.LogRetentionDays,
				MaxBackups: 0,
				Compress:   true,
			}
			w = lj
			closer = lj.Close
			// Files get every record at the configured level, not just what
			// the terminal shows.
			opts.Level = min(level, configLevel(cfg.Logging.LogLevel))
		}
	}

	var handler slog.Handler

	switch {
	case format == "json", format == "auto" && !isTerminal(w):
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), closer
}

func configLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}

	return l
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// errSyncIncomplete marks a sync that ran but left failures behind. main
// exits non-zero without repeating the message.
var errSyncIncomplete = errors.New("sync incomplete")

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
