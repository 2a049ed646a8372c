package birddb

import (
	"testing"

	"github.com/calvinalkan/birddb/pkg/birddb/value"
)

func Test_Affinity_Converts_Lookup_Values_Like_Column_Storage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		declType string
		rowid    bool
		in       value.Value
		want     value.Value
	}{
		{name: "rowid text integer", rowid: true, in: value.Text("1"), want: value.Integer(1)},
		{name: "rowid padded text", rowid: true, in: value.Text(" 42 "), want: value.Integer(42)},
		{name: "rowid integral real", rowid: true, in: value.Real(3.0), want: value.Integer(3)},
		{name: "rowid fractional real", rowid: true, in: value.Real(3.5), want: value.Real(3.5)},
		{name: "rowid word", rowid: true, in: value.Text("one"), want: value.Text("one")},
		{name: "rowid hex text", rowid: true, in: value.Text("0x1p4"), want: value.Text("0x1p4")},
		{name: "integer exponent text", declType: "INT", in: value.Text("1e3"), want: value.Integer(1000)},
		{name: "numeric fractional text", declType: "DECIMAL(10,2)", in: value.Text("2.5"), want: value.Real(2.5)},
		{name: "real integer", declType: "DOUBLE", in: value.Integer(2), want: value.Real(2)},
		{name: "text integer", declType: "VARCHAR(20)", in: value.Integer(7), want: value.Text("7")},
		{name: "text real unchanged", declType: "TEXT", in: value.Real(1.5), want: value.Real(1.5)},
		{name: "blob unchanged", declType: "", in: value.Text("1"), want: value.Text("1")},
		{name: "null unchanged", declType: "INTEGER", in: value.Null(), want: value.Null()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := columnAffinity(tt.declType)
			if tt.rowid {
				a = affinityRowid
			}

			got := a.convert(tt.in)
			if !got.Equal(tt.want) || got.Kind() != tt.want.Kind() {
				t.Fatalf("convert(%s)=%s (%s), want=%s (%s)", tt.in, got, got.Kind(), tt.want, tt.want.Kind())
			}
		})
	}
}

func Test_FileURI_Escapes_Path_Characters(t *testing.T) {
	t.Parallel()

	if got, want := fileURI("/tmp/a?b#c d.db", true), "file:///tmp/a%3Fb%23c%20d.db?mode=ro"; got != want {
		t.Fatalf("fileURI=%q, want=%q", got, want)
	}

	if got, want := fileURI("/tmp/x.db", false), "file:///tmp/x.db"; got != want {
		t.Fatalf("fileURI=%q, want=%q", got, want)
	}
}
