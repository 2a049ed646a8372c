package cli_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/birddb/internal/cli"
)

func Test_Run_Prints_Usage_When_Database_Is_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout, stderr, exitCode := c.Run()

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stdout, ""; got != want {
		t.Errorf("stdout=%q, want=%q", got, want)
	}

	cli.AssertContains(t, stderr, "missing database path")
	cli.AssertContains(t, stderr, "Usage: birddb")
	cli.AssertContains(t, stderr, "--read-only")
}

func Test_Run_Prints_Help_When_Help_Flag_Given(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	exitCode := cli.Run(nil, &stdout, &stderr, []string{"birddb", "--help"}, nil, nil)

	if got, want := exitCode, 0; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	if got, want := stderr.String(), ""; got != want {
		t.Errorf("stderr=%q, want=%q", got, want)
	}

	for _, flag := range []string{"--cwd", "--config", "--monitor", "--cache", "--log-queries", "--history"} {
		cli.AssertContains(t, stdout.String(), flag)
	}
}

func Test_Run_Fails_When_Flag_Is_Unknown(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stderr := c.MustFail("--invalid-flag", "x.db")

	cli.AssertContains(t, stderr, "unknown flag: --invalid-flag")
	cli.AssertContains(t, stderr, "Flags:")
}

func Test_Run_Executes_Sql_Arguments_In_Order(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout := c.MustRun("app.db",
		"CREATE TABLE t(id INTEGER PRIMARY KEY, v TEXT)",
		"INSERT INTO t VALUES (1, 'a'), (2, 'b')",
		"SELECT * FROM t ORDER BY id",
	)

	cli.AssertContains(t, stdout, `{id: 1, v: "a"}`+"\n"+`{id: 2, v: "b"}`+"\n(2 rows)")

	_, err := os.Stat(filepath.Join(c.Dir, "app.db"))
	if err != nil {
		t.Fatalf("database file not created in --cwd: %v", err)
	}

	stdout = c.MustRun("app.db", "SELECT count(*) AS n FROM t")
	cli.AssertContains(t, stdout, "{n: 2}")
}

func Test_Run_Stops_At_First_Failing_Sql_Argument(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout, stderr, exitCode := c.Run(":memory:", "SELECT 1 AS one", "SELEKT 2", "SELECT 3 AS three")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	cli.AssertContains(t, stdout, "{one: 1}")
	cli.AssertNotContains(t, stdout, "three")
	cli.AssertContains(t, stderr, "query preparation failed")
	cli.AssertContains(t, stderr, `sql="SELEKT 2"`)
}

func Test_Run_Executes_Script_From_Stdin_When_Not_A_Terminal(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	script := strings.Join([]string{
		".exec CREATE TABLE t(id INTEGER PRIMARY KEY); CREATE TABLE u(x)",
		"-- a comment",
		"INSERT INTO t VALUES (7)",
		".tables",
		"SELECT id FROM t",
		".quit",
		"SELECT 'after quit' AS late",
	}, "\n")

	stdout, stderr, exitCode := c.RunWithInput(script, "script.db")

	if got, want := exitCode, 0; got != want {
		t.Fatalf("exitCode=%d, want=%d\nstderr: %s", got, want, stderr)
	}

	cli.AssertContains(t, stdout, "ok\n")
	cli.AssertContains(t, stdout, "t\nu\n")
	cli.AssertContains(t, stdout, "{id: 7}\n(1 rows)")
	cli.AssertNotContains(t, stdout, "late")
}

func Test_Run_Continues_Script_And_Warns_When_Line_Fails(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout, stderr, exitCode := c.RunWithInput("SELECT * FROM missing\nSELECT 2 AS two\n", ":memory:")

	if got, want := exitCode, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	cli.AssertContains(t, stdout, "{two: 2}")
	cli.AssertContains(t, stderr, "no such table: missing")
	cli.AssertContains(t, stderr, "warning: line 1 failed")
}

func Test_Run_Rejects_Writes_When_Read_Only(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("ro.db", "CREATE TABLE t(id INTEGER PRIMARY KEY)")

	stderr := c.MustFail("--read-only", "ro.db", "INSERT INTO t VALUES (1)")
	cli.AssertContains(t, stderr, "query execution failed")

	stdout := c.MustRun("--read-only", "ro.db", "SELECT count(*) AS n FROM t")
	cli.AssertContains(t, stdout, "{n: 0}")
}

func Test_Run_Logs_Queries_To_Stderr_When_Enabled(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout, stderr, exitCode := c.Run("--log-queries", "--log-params", ":memory:", "SELECT 42 AS answer")

	if got, want := exitCode, 0; got != want {
		t.Fatalf("exitCode=%d, want=%d\nstderr: %s", got, want, stderr)
	}

	cli.AssertContains(t, stdout, "{answer: 42}")
	cli.AssertContains(t, stderr, "msg=query")
	cli.AssertContains(t, stderr, "component=birddb")
	cli.AssertContains(t, stderr, `sql="SELECT 42 AS answer"`)
}
