// Package cli provides the command-line interface for spibridge.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/alexhholmes/spibridge/internal/script"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

// configKey is used to store config in context.
type configKey struct{}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "spibridge",
		Short: "Drive a single-threaded SQL session through a savepoint-aware bridge",
		Long: `spibridge runs transactions, savepoints and tuple reads against a SQL
backend through a bridge that serializes every native call and turns stale
row handles into errors instead of dangling reads.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			cfg, used, err := LoadConfig(cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			if used != "" && cfg.LogFormat != "none" {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Using config file: %s\n", used)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./spibridge.yaml)")
	pf.StringP("backend", "b", "", "Backend (memory|sqlite|postgres)")
	pf.StringP("database", "d", "", "SQLite path or PostgreSQL DSN")
	pf.String("rollback-policy", "", "What rollback to does with its savepoint (keep|pop)")
	pf.Uint32("handle-cache-size", 0, "Native refs remembered for handle reuse")
	pf.String("log-format", "", "Log format (none|slog|zap|logrus)")
	pf.String("log-level", "", "Log level (debug|info|warn|error)")

	_ = rootCmd.RegisterFlagCompletionFunc("backend", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"memory", "sqlite", "postgres"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newShellCommand())
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func getConfig(ctx context.Context) *Config {
	if c, ok := ctx.Value(configKey{}).(*Config); ok {
		return c
	}
	return &Config{Backend: "sqlite", Database: ":memory:", RollbackPolicy: "keep", LogFormat: "none", LogLevel: "info"}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "spibridge v%s (%s)\n", Version, GitCommit)
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <script>...",
		Short: "Run command scripts in one session",
		Long: `Run executes each script in order against one bridge session. Use - to
read standard input. An open transaction is rolled back at the end.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, closeAll, err := openBridge(cmd.Context(), getConfig(cmd.Context()), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = closeAll() }()

			s := script.New(b, cmd.OutOrStdout())
			defer func() { _ = s.Close() }()

			for _, path := range args {
				if err := runFile(s, path, cmd.InOrStdin()); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			return nil
		},
	}
}

func runFile(s *script.Session, path string, stdin io.Reader) error {
	if path == "-" {
		return s.Run(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return s.Run(f)
}

func newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := getConfig(cmd.Context())
			b, closeAll, err := openBridge(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = closeAll() }()

			s := script.New(b, cmd.OutOrStdout())
			defer func() { _ = s.Close() }()

			return runShell(cmd, s, cfg)
		},
	}
}

var shellCompleter = readline.NewPrefixCompleter(
	readline.PcItem("begin"),
	readline.PcItem("commit"),
	readline.PcItem("rollback", readline.PcItem("to")),
	readline.PcItem("savepoint"),
	readline.PcItem("savepoints"),
	readline.PcItem("release"),
	readline.PcItem("exec"),
	readline.PcItem("query"),
	readline.PcItem("get"),
	readline.PcItem("stats"),
	readline.PcItem(".help"),
	readline.PcItem(".quit"),
)

func runShell(cmd *cobra.Command, s *script.Session, cfg *Config) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt(s),
		HistoryFile:     cfg.History,
		AutoComplete:    shellCompleter,
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
		Stdin:           io.NopCloser(cmd.InOrStdin()),
		Stdout:          cmd.OutOrStdout(),
		Stderr:          cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize shell: %w", err)
	}
	defer func() { _ = rl.Close() }()

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "spibridge shell (%s backend)\n", cfg.Backend)
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Type .help for commands, .quit to exit")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch strings.TrimSpace(line) {
		case ".quit", ".exit":
			return nil
		case ".help":
			printShellHelp(cmd.OutOrStdout())
			continue
		}

		if err := s.Exec(line); err != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
		rl.SetPrompt(prompt(s))
	}
}

func prompt(s *script.Session) string {
	if s.InTx() {
		return "spibridge*> "
	}
	return "spibridge> "
}

func printShellHelp(w io.Writer) {
	_, _ = fmt.Fprint(w, `Commands:
  begin | commit | rollback         transaction control
  savepoint [name]                  set a savepoint, printed as $n
  release <sp>                      release $n or a named savepoint
  rollback to <sp>                  roll back to $n or a named savepoint
  savepoints                        list savepoints of this transaction
  exec <sql>                        run a statement
  query <sql>                       run a query, rows are kept as #n
  get #n <column>                   read a column by 1-based index or name
  stats                             bridge counters
  .help | .quit
`)
}
