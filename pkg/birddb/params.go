package birddb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/calvinalkan/birddb/pkg/birddb/value"
)

// params describes the parameters of a statement, numbered the way SQLite
// numbers them: "?" takes the next index, "?NNN" takes index NNN, and each
// distinct ":name", "@name" or "$name" takes the next index on first use.
//
// The driver silently skips named arguments that match no parameter, so
// named binding is resolved here and handed to the driver positionally.
type params struct {
	count   int
	byToken map[string]int
}

// scanParams finds the parameters of sql, skipping string literals, quoted
// identifiers and comments.
func scanParams(sql string) params {
	p := params{byToken: make(map[string]int)}
	n := len(sql)

	for i := 0; i < n; {
		ch := sql[i]

		switch {
		case ch == '\'' || ch == '"' || ch == '`':
			i = skipQuoted(sql, i, ch)
		case ch == '[':
			end := strings.IndexByte(sql[i+1:], ']')
			if end < 0 {
				return p
			}

			i += end + 2
		case ch == '-' && i+1 < n && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				return p
			}

			i += end + 1
		case ch == '/' && i+1 < n && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return p
			}

			i += end + 4
		case ch == '?':
			j := i + 1
			for j < n && isDigit(sql[j]) {
				j++
			}

			if j == i+1 {
				p.count++
			} else if idx, err := strconv.Atoi(sql[i+1 : j]); err == nil && idx > p.count {
				p.count = idx
			}

			i = j
		case (ch == ':' || ch == '@' || ch == '$') && i+1 < n && isNameChar(sql[i+1]):
			j := i + 1
			for j < n && isNameChar(sql[j]) {
				j++
			}

			token := sql[i:j]
			if _, ok := p.byToken[token]; !ok {
				p.count++
				p.byToken[token] = p.count
			}

			i = j
		case isNameChar(ch) || ch == '$':
			// Whole words, so "a$b" is an identifier and not a parameter.
			for i < n && (isNameChar(sql[i]) || sql[i] == '$') {
				i++
			}
		default:
			i++
		}
	}

	return p
}

func skipQuoted(sql string, start int, quote byte) int {
	for i := start + 1; i < len(sql); i++ {
		if sql[i] != quote {
			continue
		}

		if i+1 < len(sql) && sql[i+1] == quote {
			i++

			continue
		}

		return i + 1
	}

	return len(sql)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isNameChar(c byte) bool {
	return c == '_' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

// bindPositional converts args for a statement with p's parameters.
func (p params) bindPositional(args []any) ([]any, error) {
	if len(args) != p.count {
		return nil, fmt.Errorf("%w: statement has %d parameters, got %d arguments", ErrArgumentCount, p.count, len(args))
	}

	out := make([]any, len(args))

	for i, arg := range args {
		v, err := value.From(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %w", ErrArgumentValue, i+1, err)
		}

		out[i] = v.Driver()
	}

	return out, nil
}

// bindNamed converts args to positional arguments. Keys may carry their
// prefix (":id" binds only ":id") or not ("id" binds ":id", "@id" and "$id").
// Unknown keys and parameters left unbound fail with [ErrNamedArgument].
func (p params) bindNamed(args map[string]any) ([]any, error) {
	out := make([]any, p.count)
	bound := make([]bool, p.count)

	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		indexes := p.lookup(key)
		if len(indexes) == 0 {
			return nil, fmt.Errorf("%w: no parameter named %q", ErrNamedArgument, key)
		}

		v, err := value.From(args[key])
		if err != nil {
			return nil, fmt.Errorf("%w: argument %q: %w", ErrArgumentValue, key, err)
		}

		for _, idx := range indexes {
			out[idx-1] = v.Driver()
			bound[idx-1] = true
		}
	}

	for i, ok := range bound {
		if !ok {
			return nil, fmt.Errorf("%w: parameter %s is not bound", ErrNamedArgument, p.token(i+1))
		}
	}

	return out, nil
}

func (p params) lookup(key string) []int {
	if key == "" {
		return nil
	}

	switch key[0] {
	case ':', '@', '$':
		if idx, ok := p.byToken[key]; ok {
			return []int{idx}
		}

		return nil
	}

	var indexes []int

	for _, prefix := range []string{":", "@", "$"} {
		if idx, ok := p.byToken[prefix+key]; ok {
			indexes = append(indexes, idx)
		}
	}

	return indexes
}

// token names the parameter at idx for error messages.
func (p params) token(idx int) string {
	for token, i := range p.byToken {
		if i == idx {
			return token
		}
	}

	return "?" + strconv.Itoa(idx)
}
