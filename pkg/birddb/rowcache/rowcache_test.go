package rowcache_test

import (
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/birddb/pkg/birddb/rowcache"
	"github.com/calvinalkan/birddb/pkg/birddb/value"
)

func key(n int64) value.Key { return value.Integer(n).Key() }

func Test_ReadOne_Counts_Miss_Then_Hit_After_Write(t *testing.T) {
	t.Parallel()

	c := rowcache.New()

	_, ok := c.ReadOne("t", key(1))
	require.False(t, ok)

	c.Write("t", key(1), "row-1")

	obj, ok := c.ReadOne("t", key(1))
	require.True(t, ok)
	assert.Equal(t, "row-1", obj)

	assert.Equal(t, rowcache.Stats{Hits: 1, Misses: 1, Writes: 1}, c.Stats("t"))
}

func Test_ReadMany_Accounts_For_Every_Key_Exactly_Once(t *testing.T) {
	t.Parallel()

	c := rowcache.New()
	c.Write("t", key(1), "a")
	c.Write("t", key(3), "c")

	hits, missed := c.ReadMany("t", []value.Key{key(1), key(2), key(3), key(4), key(2)})

	if diff := cmp.Diff(map[value.Key]any{key(1): "a", key(3): "c"}, hits, cmp.AllowUnexported(value.Key{})); diff != "" {
		t.Fatalf("hits mismatch (-want +got):\n%s", diff)
	}

	sort.Slice(missed, func(i, j int) bool {
		a, _ := missed[i].Value().Int64()
		b, _ := missed[j].Value().Int64()

		return a < b
	})

	require.Equal(t, []value.Key{key(2), key(4)}, missed)

	stats := c.Stats("t")
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func Test_Invalidate_Counts_Only_When_Something_Was_Removed(t *testing.T) {
	t.Parallel()

	c := rowcache.New()

	c.Invalidate("t", key(1))
	c.InvalidateTable("t")
	assert.Equal(t, rowcache.Stats{}, c.Stats("t"))

	c.Write("t", key(1), "a")
	c.Write("t", key(2), "b")
	c.Invalidate("t", key(1))
	c.Invalidate("t", key(1))

	_, ok := c.ReadOne("t", key(1))
	assert.False(t, ok)

	c.InvalidateTable("t")
	c.InvalidateTable("t")

	assert.Equal(t, 0, c.Len("t"))
	assert.Equal(t, rowcache.Stats{Misses: 1, Writes: 2, RowInvalidations: 1, TableInvalidations: 1}, c.Stats("t"))
}

func Test_InvalidateAll_Clears_Every_NonEmpty_Table(t *testing.T) {
	t.Parallel()

	c := rowcache.New()
	c.Write("a", key(1), 1)
	c.Write("b", key(1), 1)
	c.Stats("empty")

	c.InvalidateAll()

	assert.Equal(t, []string{"a", "b", "empty"}, c.Tables())
	assert.Equal(t, uint64(1), c.Stats("a").TableInvalidations)
	assert.Equal(t, uint64(1), c.Stats("b").TableInvalidations)
	assert.Equal(t, uint64(0), c.Stats("empty").TableInvalidations)
}

func Test_ResetStats_Keeps_Cached_Objects(t *testing.T) {
	t.Parallel()

	c := rowcache.New()
	c.Write("t", key(1), "a")
	c.Write("u", key(1), "a")
	c.ResetStats("t")

	assert.Equal(t, rowcache.Stats{}, c.Stats("t"))
	assert.Equal(t, uint64(1), c.Stats("u").Writes)

	_, ok := c.ReadOne("t", key(1))
	assert.True(t, ok)
}

func Test_Invalidate_Matches_Table_Names_Ignoring_Case(t *testing.T) {
	t.Parallel()

	c := rowcache.New()
	c.Write("Users", key(1), "a")

	c.Invalidate("users", key(1))

	_, ok := c.ReadOne("USERS", key(1))
	assert.False(t, ok)
	assert.Equal(t, rowcache.Stats{Misses: 1, Writes: 1, RowInvalidations: 1}, c.Stats("users"))
	assert.Equal(t, []string{"users"}, c.Tables())
}

func Test_Cache_Is_Safe_For_Concurrent_Use(t *testing.T) {
	t.Parallel()

	c := rowcache.New()

	var wg sync.WaitGroup

	for worker := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 200 {
				k := key(int64(i % 10))
				c.Write("t", k, worker)
				c.ReadOne("t", k)
				c.Invalidate("t", k)
			}
		}()
	}

	wg.Wait()

	stats := c.Stats("t")
	assert.Equal(t, uint64(8*200), stats.Writes)
	assert.Equal(t, uint64(8*200), stats.Hits+stats.Misses)
}
