package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/birddb/pkg/birddb"
)

// Run is the main entry point. Returns exit code.
//
// With SQL arguments each is run in order and the shell exits. Otherwise
// commands are read from in: interactively with line editing when in is a
// terminal, as a script otherwise. A signal on sigCh cancels the command in
// flight and ends the shell.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	cmd := newRootCommand(in, errOut, env)

	return cmd.Run(ctx, NewIO(out, errOut), args[1:])
}

type rootFlags struct {
	workDir    string
	configPath string
	readOnly   bool
	monitor    bool
	logQueries bool
	logParams  bool
	logChanges bool
	logLevel   string
	cache      []string
	history    string
	printCfg   bool
}

func newRootCommand(in io.Reader, errOut io.Writer, env map[string]string) *Command {
	fs := flag.NewFlagSet("birddb", flag.ContinueOnError)

	var f rootFlags

	fs.StringVarP(&f.workDir, "cwd", "C", "", "Run as if started in `dir`")
	fs.StringVarP(&f.configPath, "config", "c", "", "Use the specified config `file`")
	fs.BoolVar(&f.readOnly, "read-only", false, "Open the database read-only")
	fs.BoolVar(&f.monitor, "monitor", false, "Report writes made by other processes")
	fs.BoolVar(&f.logQueries, "log-queries", false, "Log every statement to stderr")
	fs.BoolVar(&f.logParams, "log-params", false, "Include bound arguments in query logs")
	fs.BoolVar(&f.logChanges, "log-changes", false, "Log every flushed change to stderr")
	fs.StringVar(&f.logLevel, "log-level", "", "Log `level` (debug, info, warn, error)")
	fs.StringArrayVar(&f.cache, "cache", nil, "Serve .row reads of `table` from the row cache (repeatable)")
	fs.StringVar(&f.history, "history", "", "History `file` for the interactive shell")
	fs.BoolVar(&f.printCfg, "print-config", false, "Print the resolved configuration and exit")

	return &Command{
		Flags: fs,
		Usage: "[flags] <database> [sql ...]",
		Short: "birddb - SQLite shell with change notifications",
		Long: `birddb - SQLite shell with change notifications

Opens <database> (":memory:" for a private in-memory store) and runs each
[sql] argument, printing result rows. Without SQL arguments, reads SQL and
dot commands from stdin; type .help in the shell for the command list.

Configuration is read from ` + ConfigFileName + ` in the working directory
(or --config), then overridden by flags.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execRoot(ctx, o, in, errOut, env, fs, f, args)
		},
	}
}

func execRoot(
	ctx context.Context, o *IO, in io.Reader, errOut io.Writer, env map[string]string,
	fs *flag.FlagSet, f rootFlags, args []string,
) error {
	workDir := f.workDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg, sources, err := LoadConfig(workDir, f.configPath, env)
	if err != nil {
		return err
	}

	cfg = applyFlags(cfg, fs, f)

	err = validateConfig(cfg)
	if err != nil {
		return err
	}

	if f.printCfg {
		return printConfig(o, cfg, sources)
	}

	if len(args) == 0 {
		return usageError("missing database path")
	}

	level, _ := parseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	path := args[0]
	if path != ":memory:" && !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	db, err := birddb.Open(ctx, path, birddb.Options{
		ReadOnly:               cfg.ReadOnly,
		LogQueries:             cfg.LogQueries,
		LogQueryParameters:     cfg.LogParams,
		LogChanges:             cfg.LogChanges,
		MonitorExternalChanges: cfg.Monitor,
		CachedTables:           cfg.Cache,
		Logger:                 logger,
	})
	if err != nil {
		return err
	}

	defer func() { _ = db.Close() }()

	shell := NewShell(db, o)
	defer shell.Close()

	if len(args) > 1 {
		for _, sql := range args[1:] {
			_, err := shell.Exec(ctx, sql)
			if err != nil {
				return err
			}
		}

		return nil
	}

	if isTerminal(in) {
		return shell.RunInteractive(ctx, cfg.History)
	}

	if in == nil {
		return nil
	}

	return shell.RunScript(ctx, in)
}

// applyFlags overlays explicitly set flags onto cfg.
func applyFlags(cfg Config, fs *flag.FlagSet, f rootFlags) Config {
	overlay := Config{
		ReadOnly:   f.readOnly,
		Monitor:    f.monitor,
		LogQueries: f.logQueries,
		LogParams:  f.logParams,
		LogChanges: f.logChanges,
		Cache:      f.cache,
	}

	if fs.Changed("log-level") {
		overlay.LogLevel = f.logLevel
	}

	if fs.Changed("history") {
		overlay.History = f.history
	}

	return mergeConfig(cfg, overlay)
}

func printConfig(o *IO, cfg Config, sources ConfigSources) error {
	formatted, err := FormatConfig(cfg)
	if err != nil {
		return err
	}

	o.Println(formatted)
	o.Println()
	o.Println("# Sources:")

	if sources.Global != "" {
		o.Println("#   global:", sources.Global)
	}

	if sources.Project != "" {
		o.Println("#   project:", sources.Project)
	}

	if sources.Global == "" && sources.Project == "" {
		o.Println("#   (using defaults only)")
	}

	return nil
}

func isTerminal(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return false
	}

	info, err := f.Stat()
	if err != nil {
		return false
	}

	return info.Mode()&os.ModeCharDevice != 0
}
