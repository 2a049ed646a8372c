package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/peterh/liner"

	"github.com/calvinalkan/birddb/pkg/birddb"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errShellUsage     = errors.New("usage")
)

// shellCommands are the dot commands, for help and completion.
var shellCommands = []struct{ name, args, help string }{
	{".exec", "<sql>", "Run statements without printing rows"},
	{".watch", "<table>", "Print changes to table as they are flushed"},
	{".unwatch", "<table>", "Stop printing changes to table"},
	{".row", "<table> <key...>", "Read one row by primary key (cached tables use the row cache)"},
	{".stats", "<table>", "Show row cache counters"},
	{".reset-stats", "<table>", "Zero row cache counters"},
	{".ignore", "<table> [buffer]", "Swallow changes to table, optionally buffering rowids"},
	{".unignore", "", "Stop ignoring and print buffered rowids"},
	{".tables", "", "List tables"},
	{".help", "", "Show this help"},
	{".quit", "", "Exit (also .exit)"},
}

// Shell runs SQL and dot commands against one database.
type Shell struct {
	db *birddb.Database
	io *IO

	mu      sync.Mutex
	watches map[string]*birddb.ChangeSubscription
	wg      sync.WaitGroup

	history []string
}

// NewShell returns a shell printing to o.
func NewShell(db *birddb.Database, o *IO) *Shell {
	return &Shell{
		db:      db,
		io:      o,
		watches: make(map[string]*birddb.ChangeSubscription),
	}
}

// Close stops every watch and waits for their printers to exit.
func (s *Shell) Close() {
	s.mu.Lock()
	for table, sub := range s.watches {
		sub.Close()
		delete(s.watches, table)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Exec runs one input line. quit is true for .quit and .exit.
func (s *Shell) Exec(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "--") {
		return false, nil
	}

	if !strings.HasPrefix(line, ".") {
		return false, s.query(ctx, line)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch strings.ToLower(cmd) {
	case ".quit", ".exit":
		return true, nil
	case ".help":
		s.printHelp()
	case ".exec":
		err = s.exec(ctx, rest)
	case ".watch":
		err = s.watch(args)
	case ".unwatch":
		err = s.unwatch(args)
	case ".row":
		err = s.row(ctx, args)
	case ".stats":
		err = s.stats(args)
	case ".reset-stats":
		err = s.resetStats(args)
	case ".ignore":
		err = s.ignore(args)
	case ".unignore":
		s.io.Println("buffered rowids:", formatRowIDs(s.db.StopIgnoringWrites()))
	case ".tables":
		err = s.tables(ctx)
	default:
		return false, fmt.Errorf("%w: %s (type .help for commands)", errUnknownCommand, cmd)
	}

	return false, err
}

// RunScript executes every line of r, continuing past failed lines. Failed
// lines become warnings.
func (s *Shell) RunScript(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	n := 0

	for sc.Scan() {
		n++

		quit, err := s.Exec(ctx, sc.Text())
		if err != nil {
			s.io.ErrPrintln("error:", err)
			s.io.Warn(fmt.Sprintf("line %d failed", n), err.Error())
		}

		if quit {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	err := sc.Err()
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	return nil
}

// RunInteractive prompts with liner until .quit, EOF or Ctrl-C, then saves
// this session's lines to historyPath.
func (s *Shell) RunInteractive(ctx context.Context, historyPath string) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(l string) []string { return s.Complete(ctx, l) })

	if historyPath != "" {
		err := loadHistory(historyPath, line)
		if err != nil {
			s.io.ErrPrintln("warning: history not loaded:", err)
		}
	}

	s.io.Printf("birddb %s (%s)\n", s.db.Path(), s.db.ID())
	s.io.Println("Type .help for available commands.")

	for ctx.Err() == nil {
		input, err := line.Prompt("birddb> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)
		s.history = append(s.history, input)

		quit, err := s.Exec(ctx, input)
		if err != nil {
			s.io.ErrPrintln("error:", err)
		}

		if quit {
			break
		}
	}

	err := saveHistory(historyPath, s.history)
	if err != nil {
		s.io.Warn("history not saved", err.Error())
	}

	return nil
}

// Complete returns completions for a partial input line: dot commands, then
// table names for commands taking one.
func (s *Shell) Complete(ctx context.Context, line string) []string {
	cmd, partial, hasArg := strings.Cut(line, " ")

	var out []string

	if !hasArg {
		for _, c := range shellCommands {
			if strings.HasPrefix(c.name, strings.ToLower(cmd)) {
				out = append(out, c.name)
			}
		}

		return out
	}

	if !strings.HasPrefix(cmd, ".") || strings.Contains(partial, " ") {
		return nil
	}

	names, err := s.tableNames(ctx)
	if err != nil {
		return nil
	}

	for _, name := range names {
		if strings.HasPrefix(name, partial) {
			out = append(out, cmd+" "+name)
		}
	}

	return out
}

func (s *Shell) printHelp() {
	s.io.Println("Enter SQL to run it and print rows, or a command:")

	for _, c := range shellCommands {
		s.io.Printf("  %-34s %s\n", strings.TrimSpace(c.name+" "+c.args), c.help)
	}
}

func (s *Shell) query(ctx context.Context, sql string) error {
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return err
	}

	for _, row := range rows {
		s.io.Println(row.String())
	}

	s.io.Printf("(%d rows)\n", len(rows))

	return nil
}

func (s *Shell) exec(ctx context.Context, sql string) error {
	if sql == "" {
		return fmt.Errorf("%w: .exec <sql>", errShellUsage)
	}

	err := s.db.Execute(ctx, sql)
	if err != nil {
		return err
	}

	s.io.Println("ok")

	return nil
}

func (s *Shell) watch(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: .watch <table>", errShellUsage)
	}

	table := args[0]

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watches[table]; ok {
		return nil
	}

	sub := s.db.ChangePublisher(table).Subscribe()
	s.watches[table] = sub

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		for c := range sub.C() {
			s.io.Println("change:", c.String())
		}
	}()

	s.io.Println("watching", table)

	return nil
}

func (s *Shell) unwatch(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: .unwatch <table>", errShellUsage)
	}

	s.mu.Lock()
	sub, ok := s.watches[args[0]]
	delete(s.watches, args[0])
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("not watching %s", args[0])
	}

	sub.Close()
	s.io.Println("stopped watching", args[0])

	return nil
}

func (s *Shell) row(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: .row <table> <key...>", errShellUsage)
	}

	key := make([]any, len(args)-1)
	for i, a := range args[1:] {
		key[i] = parseKeyArg(a)
	}

	row, found, err := s.db.Row(ctx, args[0], key...)
	if err != nil {
		return err
	}

	if !found {
		s.io.Println("not found")

		return nil
	}

	s.io.Println(row.String())

	return nil
}

// parseKeyArg reads a key as an integer, a real, or text (quotes optional).
func parseKeyArg(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}

	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return s[1 : len(s)-1]
	}

	return s
}

func (s *Shell) stats(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: .stats <table>", errShellUsage)
	}

	st := s.db.CacheStats(args[0])
	s.io.Printf("hits=%d misses=%d writes=%d row_invalidations=%d table_invalidations=%d\n",
		st.Hits, st.Misses, st.Writes, st.RowInvalidations, st.TableInvalidations)

	return nil
}

func (s *Shell) resetStats(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: .reset-stats <table>", errShellUsage)
	}

	s.db.ResetCacheStats(args[0])
	s.io.Println("ok")

	return nil
}

func (s *Shell) ignore(args []string) error {
	if len(args) < 1 || len(args) > 2 || (len(args) == 2 && args[1] != "buffer") {
		return fmt.Errorf("%w: .ignore <table> [buffer]", errShellUsage)
	}

	s.db.IgnoreWritesToTable(args[0], len(args) == 2)
	s.io.Println("ignoring", args[0])

	return nil
}

func (s *Shell) tables(ctx context.Context) error {
	names, err := s.tableNames(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		s.io.Println(name)
	}

	return nil
}

func (s *Shell) tableNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, "SELECT name FROM sqlite_schema WHERE type = 'table' AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(rows))

	for _, row := range rows {
		if name, ok := row.Value(0).Text(); ok {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names, nil
}

func formatRowIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}

	return "[" + strings.Join(parts, " ") + "]"
}
