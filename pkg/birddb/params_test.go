package birddb

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_ScanParams_Numbers_Parameters_Like_SQLite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sql     string
		count   int
		byToken map[string]int
	}{
		{name: "none", sql: "SELECT 1", count: 0, byToken: map[string]int{}},
		{name: "anonymous", sql: "INSERT INTO t VALUES (?, ?)", count: 2, byToken: map[string]int{}},
		{name: "numbered", sql: "SELECT ?3, ?1", count: 3, byToken: map[string]int{}},
		{name: "anonymous after numbered", sql: "SELECT ?5, ?", count: 6, byToken: map[string]int{}},
		{
			name:    "named reuse",
			sql:     "SELECT :a, @b, :a, $c",
			count:   3,
			byToken: map[string]int{":a": 1, "@b": 2, "$c": 3},
		},
		{
			name:    "mixed",
			sql:     "SELECT ?, :id, ?",
			count:   3,
			byToken: map[string]int{":id": 2},
		},
		{
			name:    "ignores literals and comments",
			sql:     "SELECT ':no', \"?\", `@x`, [$y] -- :z ?\n /* ? :w */ FROM t WHERE a = :yes",
			count:   1,
			byToken: map[string]int{":yes": 1},
		},
		{
			name:    "escaped quote",
			sql:     "SELECT 'it''s ?' , ?",
			count:   1,
			byToken: map[string]int{},
		},
		{
			name:    "dollar inside identifier",
			sql:     "SELECT a$b FROM t WHERE c = $c",
			count:   1,
			byToken: map[string]int{"$c": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := scanParams(tt.sql)

			if got.count != tt.count {
				t.Fatalf("count=%d, want %d", got.count, tt.count)
			}

			if diff := cmp.Diff(tt.byToken, got.byToken); diff != "" {
				t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_BindNamed_Matches_Keys_With_And_Without_Prefix(t *testing.T) {
	t.Parallel()

	p := scanParams("SELECT :id, @id, $name")

	args, err := p.bindNamed(map[string]any{"id": 7, "$name": "x"})
	if err != nil {
		t.Fatalf("bindNamed: %v", err)
	}

	if diff := cmp.Diff([]any{int64(7), int64(7), "x"}, args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
}

func Test_BindNamed_Fails_When_Key_Is_Unknown_Or_Parameter_Unbound(t *testing.T) {
	t.Parallel()

	p := scanParams("SELECT :a, :b")

	_, err := p.bindNamed(map[string]any{"a": 1, "b": 2, "c": 3})
	if !errors.Is(err, ErrNamedArgument) {
		t.Fatalf("unknown key: err=%v, want ErrNamedArgument", err)
	}

	_, err = p.bindNamed(map[string]any{"a": 1})
	if !errors.Is(err, ErrNamedArgument) {
		t.Fatalf("unbound parameter: err=%v, want ErrNamedArgument", err)
	}

	_, err = scanParams("SELECT ?, :a").bindNamed(map[string]any{"a": 1})
	if !errors.Is(err, ErrNamedArgument) {
		t.Fatalf("positional parameter: err=%v, want ErrNamedArgument", err)
	}
}

func Test_BindPositional_Checks_Count_And_Values(t *testing.T) {
	t.Parallel()

	p := scanParams("SELECT ?, ?")

	_, err := p.bindPositional([]any{1})
	if !errors.Is(err, ErrArgumentCount) {
		t.Fatalf("err=%v, want ErrArgumentCount", err)
	}

	_, err = p.bindPositional([]any{1, struct{}{}})
	if !errors.Is(err, ErrArgumentValue) {
		t.Fatalf("err=%v, want ErrArgumentValue", err)
	}

	args, err := p.bindPositional([]any{nil, []byte(nil)})
	if err != nil {
		t.Fatalf("bindPositional: %v", err)
	}

	if args[0] != nil {
		t.Fatalf("args[0]=%v, want nil", args[0])
	}

	if b, ok := args[1].([]byte); !ok || b == nil || len(b) != 0 {
		t.Fatalf("args[1]=%#v, want non-nil empty blob", args[1])
	}
}
