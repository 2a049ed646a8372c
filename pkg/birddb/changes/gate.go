package changes

// gate is a reference count over open transaction ids. A flush may run only
// when it is at zero. Tracking ids rather than a bare counter makes a
// repeated close of the same id harmless.
type gate struct {
	ids map[int64]struct{}
}

func newGate() gate {
	return gate{ids: make(map[int64]struct{})}
}

func (g *gate) open(id int64) {
	g.ids[id] = struct{}{}
}

// close removes id and reports whether the count just reached zero.
func (g *gate) close(id int64) bool {
	if _, ok := g.ids[id]; !ok {
		return false
	}

	delete(g.ids, id)

	return len(g.ids) == 0
}

func (g *gate) count() int {
	return len(g.ids)
}
