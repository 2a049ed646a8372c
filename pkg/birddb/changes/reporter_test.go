package changes_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/birddb/pkg/birddb/changes"
	"github.com/calvinalkan/birddb/pkg/birddb/internal/notify"
	"github.com/calvinalkan/birddb/pkg/birddb/rowcache"
	"github.com/calvinalkan/birddb/pkg/birddb/value"
)

// drain closes r and returns every change delivered to sub.
func drain(t *testing.T, r *changes.Reporter, sub *notify.Subscription[changes.Change]) []changes.Change {
	t.Helper()

	r.Close()

	var got []changes.Change

	timeout := time.After(5 * time.Second)

	for {
		select {
		case c, ok := <-sub.C():
			if !ok {
				return got
			}

			got = append(got, c)
		case <-timeout:
			t.Fatal("timed out draining subscription")
		}
	}
}

func intKeys(ids ...int64) []changes.PrimaryKey {
	keys := make([]changes.PrimaryKey, len(ids))
	for i, id := range ids {
		keys[i] = changes.IntKey(id)
	}

	return keys
}

func Test_Reporter_Coalesces_Changes_When_Transactions_Nest(t *testing.T) {
	t.Parallel()

	r := changes.NewReporter(nil, changes.Options{})
	sub := r.Publisher("t").Subscribe()

	r.BeginTransaction(1)
	r.ReportChange("t", intKeys(1, 2), []string{"a"})
	r.BeginTransaction(2)
	r.ReportChange("t", intKeys(2, 3), []string{"b"})
	r.EndTransaction(2)

	require.Equal(t, 1, r.OpenTransactions())

	r.ReportChange("t", intKeys(4), []string{"a"})
	r.EndTransaction(1)

	got := drain(t, r, sub)
	require.Len(t, got, 1)

	keys, ok := got[0].PrimaryKeys()
	require.True(t, ok)

	if diff := cmp.Diff(intKeys(1, 2, 3, 4), keys, cmp.Comparer(func(a, b value.Value) bool { return a.Equal(b) })); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}

	cols, ok := got[0].Columns()
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, cols)
}

func Test_Reporter_Makes_Columns_Unknown_When_One_Report_Lacks_Them(t *testing.T) {
	t.Parallel()

	r := changes.NewReporter(nil, changes.Options{})
	sub := r.Publisher("t").Subscribe()

	r.BeginTransaction(1)
	r.ReportChange("t", intKeys(1), []string{"a"})
	r.ReportChange("t", intKeys(2), nil)
	r.EndTransaction(1)

	got := drain(t, r, sub)
	require.Len(t, got, 1)

	_, ok := got[0].Columns()
	assert.False(t, ok)
	assert.True(t, got[0].MayContainColumn("anything"))
	assert.False(t, got[0].IsWide())
}

func Test_Reporter_Stays_Wide_When_Narrow_Changes_Follow(t *testing.T) {
	t.Parallel()

	r := changes.NewReporter(nil, changes.Options{})
	sub := r.Publisher("t").Subscribe()

	r.BeginTransaction(1)
	r.ReportChange("t", nil, nil)
	r.ReportChange("t", intKeys(5), []string{"x"})
	r.EndTransaction(1)

	got := drain(t, r, sub)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsWide())
	assert.True(t, got[0].MayContainKey(changes.IntKey(999)))

	_, ok := got[0].Columns()
	assert.False(t, ok)
}

func Test_Reporter_Flushes_Immediately_When_No_Transaction_Is_Open(t *testing.T) {
	t.Parallel()

	r := changes.NewReporter(nil, changes.Options{})
	sub := r.Publisher("t").Subscribe()

	r.ReportChange("t", intKeys(1), nil)
	r.ReportChange("t", intKeys(2), nil)

	got := drain(t, r, sub)
	require.Len(t, got, 2)
	assert.True(t, got[0].MayContainKey(changes.IntKey(1)))
	assert.False(t, got[0].MayContainKey(changes.IntKey(2)))
}

func Test_Reporter_Does_Not_Flush_When_Nothing_Is_Pending(t *testing.T) {
	t.Parallel()

	r := changes.NewReporter(nil, changes.Options{})
	sub := r.Publisher("t").Subscribe()

	r.BeginTransaction(1)
	r.EndTransaction(1)
	r.EndTransaction(1)

	assert.Empty(t, drain(t, r, sub))
}

func Test_Reporter_Delivers_One_Change_Per_Table_Per_Flush(t *testing.T) {
	t.Parallel()

	r := changes.NewReporter(nil, changes.Options{})
	subA := r.Publisher("a").Subscribe()
	subB := r.Publisher("b").Subscribe()

	require.Same(t, r.Publisher("a"), r.Publisher("a"))

	r.BeginTransaction(1)
	r.ReportChange("a", intKeys(1), nil)
	r.ReportChange("b", intKeys(1), nil)
	r.ReportChange("a", intKeys(2), nil)
	r.ReportChange("unsubscribed", intKeys(2), nil)
	r.EndTransaction(1)

	r.Close()

	gotA := drain(t, r, subA)
	gotB := drain(t, r, subB)

	require.Len(t, gotA, 1)
	require.Len(t, gotB, 1)
	assert.Equal(t, "a", gotA[0].Table)
	assert.Equal(t, "b", gotB[0].Table)
}

// recordingCache records invalidations and checks them against deliveries.
type recordingCache struct {
	mu     sync.Mutex
	events []string
}

func (c *recordingCache) record(e string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, e)
}

func (c *recordingCache) Invalidate(table string, key value.Key) {
	c.record("row " + table + " " + key.String())
}

func (c *recordingCache) InvalidateTable(table string) { c.record("table " + table) }

func (c *recordingCache) InvalidateAll() { c.record("all") }

func (c *recordingCache) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.events...)
}

func Test_Reporter_Invalidates_Cache_By_Key_Shape(t *testing.T) {
	t.Parallel()

	cache := &recordingCache{}
	r := changes.NewReporter(cache, changes.Options{})

	r.BeginTransaction(1)
	r.ReportChange("single", intKeys(7), nil)
	r.ReportChange("composite", []changes.PrimaryKey{{value.Integer(1), value.Text("x")}}, nil)
	r.ReportChange("unknown", nil, nil)
	r.EndTransaction(1)

	assert.Equal(t, []string{"row single 7", "table composite", "table unknown"}, cache.snapshot())
}

func Test_Reporter_Invalidates_Cache_Before_Subscribers_See_Change(t *testing.T) {
	t.Parallel()

	cache := rowcache.New()
	r := changes.NewReporter(cache, changes.Options{})
	sub := r.Publisher("t").Subscribe()

	defer sub.Close()

	cache.Write("t", value.Integer(1).Key(), "stale")
	cache.Write("t", value.Integer(2).Key(), "fresh")

	r.ReportChange("t", intKeys(1), nil)

	select {
	case c := <-sub.C():
		require.True(t, c.MayContainKey(changes.IntKey(1)))

		_, ok := cache.ReadOne("t", value.Integer(1).Key())
		assert.False(t, ok, "changed row still cached when notification arrived")

		_, ok = cache.ReadOne("t", value.Integer(2).Key())
		assert.True(t, ok, "unchanged row was evicted")
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}

	r.Close()
}

func Test_Reporter_Swallows_Changes_When_Table_Is_Ignored(t *testing.T) {
	t.Parallel()

	cache := &recordingCache{}
	r := changes.NewReporter(cache, changes.Options{})
	sub := r.Publisher("t").Subscribe()

	r.IgnoreWritesToTable("t", true)

	table, ok := r.IgnoredTable()
	require.True(t, ok)
	require.Equal(t, "t", table)

	r.Report(changes.Report{Table: "t", RowIDs: []int64{1, 2}, PrimaryKeys: intKeys(1, 2)})
	r.Report(changes.Report{Table: "t", RowIDs: []int64{3}})

	assert.Equal(t, []int64{1, 2, 3}, r.StopIgnoringWrites())
	assert.Empty(t, r.StopIgnoringWrites())
	assert.Empty(t, cache.snapshot())
	assert.Empty(t, drain(t, r, sub))
}

func Test_StopIgnoringWrites_Returns_Empty_When_Buffering_Was_Off(t *testing.T) {
	t.Parallel()

	r := changes.NewReporter(nil, changes.Options{})
	r.IgnoreWritesToTable("t", false)
	r.Report(changes.Report{Table: "t", RowIDs: []int64{1}})

	ids := r.StopIgnoringWrites()
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func Test_ReportEntireDatabaseChange_Marks_Subscribed_Tables_Wide(t *testing.T) {
	t.Parallel()

	cache := &recordingCache{}
	r := changes.NewReporter(cache, changes.Options{})
	subA := r.Publisher("a").Subscribe()
	subB := r.Publisher("b").Subscribe()

	r.BeginTransaction(1)
	r.ReportChange("a", intKeys(1), []string{"c"})
	r.ReportEntireDatabaseChange()
	r.EndTransaction(1)

	gotA := drain(t, r, subA)
	gotB := drain(t, r, subB)

	require.Len(t, gotA, 1)
	require.Len(t, gotB, 1)
	assert.True(t, gotA[0].IsWide())
	assert.True(t, gotB[0].IsWide())
	assert.Contains(t, cache.snapshot(), "all")
}

func Test_Reporter_Feeds_AllChanges_Only_When_Legacy_Is_Enabled(t *testing.T) {
	t.Parallel()

	legacy := changes.NewReporter(nil, changes.Options{Legacy: true})
	legacySub := legacy.AllChanges().Subscribe()

	legacy.ReportChange("x", intKeys(1), nil)
	legacy.ReportChange("y", intKeys(1), nil)

	got := drain(t, legacy, legacySub)
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].Table)
	assert.Equal(t, "y", got[1].Table)

	plain := changes.NewReporter(nil, changes.Options{})
	plainSub := plain.AllChanges().Subscribe()

	plain.ReportChange("x", intKeys(1), nil)

	assert.Empty(t, drain(t, plain, plainSub))
}

func Test_Reporter_Flush_Contains_Union_Of_Reports_Property(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// -1 stands for a wide report, anything else for a one-key report.
	properties.Property("one notification holding every reported key", prop.ForAll(
		func(reports []int64) bool {
			r := changes.NewReporter(nil, changes.Options{})
			sub := r.Publisher("t").Subscribe()

			wide := false
			want := map[int64]bool{}

			r.BeginTransaction(1)

			for _, rep := range reports {
				if rep < 0 {
					wide = true

					r.ReportChange("t", nil, nil)

					continue
				}

				want[rep] = true

				r.ReportChange("t", intKeys(rep), []string{"c"})
			}

			r.EndTransaction(1)

			got := drain(t, r, sub)

			if len(reports) == 0 {
				return len(got) == 0
			}

			if len(got) != 1 {
				return false
			}

			keys, ok := got[0].PrimaryKeys()
			if wide {
				return !ok
			}

			if !ok || len(keys) != len(want) {
				return false
			}

			for id := range want {
				if !got[0].MayContainKey(changes.IntKey(id)) {
					return false
				}
			}

			return true
		},
		gen.SliceOf(gen.Int64Range(-1, 20)),
	))

	properties.TestingRun(t)
}
