package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retcon-sync/retcon/internal/config"
	"github.com/retcon-sync/retcon/internal/datasource"
	"github.com/retcon-sync/retcon/internal/datasource/memsource"
	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
	"github.com/retcon-sync/retcon/internal/metrics"
	"github.com/retcon-sync/retcon/internal/model"
	"github.com/retcon-sync/retcon/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPool(t *testing.T, entity config.EntityConfig, sources map[string]datasource.DataSource) (*Pool, *store.Store) {
	t.Helper()

	st, err := store.Open(context.Background(), ":memory:", 1, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := datasource.NewRegistry()
	for name, ds := range sources {
		registry.RegisterFactory(name, func() datasource.DataSource { return ds })
		require.NoError(t, registry.Configure(context.Background(), idkey.EntityName(entity.Name), idkey.SourceName(name), name, nil))
	}

	pool := NewPool(Params{
		Store:    st,
		Registry: registry,
		Metrics:  metrics.NewRegistry(),
		Logger:   testLogger(),
		Entities: []config.EntityConfig{entity},
		Workers: config.WorkersConfig{
			Count:              2,
			SourceTimeoutMS:    1000,
			ReconcileTimeoutMS: 5000,
			RetryCap:           3,
			LeaseDurationMS:    5000,
		},
	})

	return pool, st
}

func docOf(pairs ...string) *document.Document {
	doc := document.New()

	for i := 0; i+1 < len(pairs); i += 2 {
		doc.Set(document.NewPath(pairs[i]), pairs[i+1])
	}

	return doc
}

// Scenario 1: unknown key creates (spec §8).
func TestPool_UnknownKeyCreates(t *testing.T) {
	ctx := context.Background()

	db1 := memsource.New()
	db2 := memsource.New()

	fk1 := idkey.ForeignKey{Entity: "customer", Source: "db1", ID: "1"}
	db1.Seed(fk1, docOf("name", "Alice"))

	pool, st := testPool(t, config.EntityConfig{
		Name: "customer",
		Sources: []config.SourceConfig{
			{Name: "db1", Driver: "db1"},
			{Name: "db2", Driver: "db2"},
		},
	}, map[string]datasource.DataSource{"db1": db1, "db2": db2})

	require.NoError(t, pool.step(ctx, model.WorkItem{
		Kind:         model.WorkProcess,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", Foreign: "1"},
	}))

	ik, ok, err := st.LookupInternal(ctx, fk1)
	require.NoError(t, err)
	require.True(t, ok)

	fk2, ok, err := st.LookupForeign(ctx, ik, "db2")
	require.NoError(t, err)
	require.True(t, ok)

	got2, err := db2.Get(ctx, fk2)
	require.NoError(t, err)
	assert.True(t, docOf("name", "Alice").Equal(got2))

	initial, err := st.GetInitial(ctx, ik)
	require.NoError(t, err)
	assert.True(t, docOf("name", "Alice").Equal(initial))
}

// Scenario 2: non-conflicting update propagates (spec §8).
func TestPool_NonConflictingUpdatePropagates(t *testing.T) {
	ctx := context.Background()

	db1 := memsource.New()
	db2 := memsource.New()

	pool, st := testPool(t, config.EntityConfig{
		Name: "customer",
		Sources: []config.SourceConfig{
			{Name: "db1", Driver: "db1"},
			{Name: "db2", Driver: "db2"},
		},
	}, map[string]datasource.DataSource{"db1": db1, "db2": db2})

	ik, err := st.CreateInternalKey(ctx, "customer")
	require.NoError(t, err)

	fk1 := idkey.ForeignKey{Entity: "customer", Source: "db1", ID: "1"}
	fk2 := idkey.ForeignKey{Entity: "customer", Source: "db2", ID: "2"}
	require.NoError(t, st.RecordForeign(ctx, ik, fk1))
	require.NoError(t, st.RecordForeign(ctx, ik, fk2))

	initial := docOf("name", "Alice", "city", "A")
	require.NoError(t, st.PutInitial(ctx, ik, initial))

	db1.Seed(fk1, docOf("name", "Alice", "city", "B"))
	db2.Seed(fk2, docOf("name", "Alice", "age", "30"))

	require.NoError(t, pool.step(ctx, model.WorkItem{
		Kind:         model.WorkProcess,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", Foreign: "1"},
	}))

	want := docOf("name", "Alice", "city", "B", "age", "30")

	got1, err := db1.Get(ctx, fk1)
	require.NoError(t, err)
	assert.True(t, want.Equal(got1))

	got2, err := db2.Get(ctx, fk2)
	require.NoError(t, err)
	assert.True(t, want.Equal(got2))

	conflicts, err := st.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

// Scenario 3: conflicting update parks (spec §8).
func TestPool_ConflictingUpdateParks(t *testing.T) {
	ctx := context.Background()

	db1 := memsource.New()
	db2 := memsource.New()

	pool, st := testPool(t, config.EntityConfig{
		Name: "customer",
		Sources: []config.SourceConfig{
			{Name: "db1", Driver: "db1"},
			{Name: "db2", Driver: "db2"},
		},
	}, map[string]datasource.DataSource{"db1": db1, "db2": db2})

	ik, err := st.CreateInternalKey(ctx, "customer")
	require.NoError(t, err)

	fk1 := idkey.ForeignKey{Entity: "customer", Source: "db1", ID: "1"}
	fk2 := idkey.ForeignKey{Entity: "customer", Source: "db2", ID: "2"}
	require.NoError(t, st.RecordForeign(ctx, ik, fk1))
	require.NoError(t, st.RecordForeign(ctx, ik, fk2))

	initial := docOf("x", "0")
	require.NoError(t, st.PutInitial(ctx, ik, initial))

	db1.Seed(fk1, docOf("x", "1"))
	db2.Seed(fk2, docOf("x", "2"))

	require.NoError(t, pool.step(ctx, model.WorkItem{
		Kind:         model.WorkProcess,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", Foreign: "1"},
	}))

	got1, err := db1.Get(ctx, fk1)
	require.NoError(t, err)
	assert.True(t, docOf("x", "1").Equal(got1))

	got2, err := db2.Get(ctx, fk2)
	require.NoError(t, err)
	assert.True(t, docOf("x", "2").Equal(got2))

	conflicts, err := st.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Len(t, conflicts[0].Unresolved(), 2)
}

// Scenario 4: resolve applies a subset (spec §8).
func TestPool_ResolveAppliesSubset(t *testing.T) {
	ctx := context.Background()

	db1 := memsource.New()
	db2 := memsource.New()

	pool, st := testPool(t, config.EntityConfig{
		Name: "customer",
		Sources: []config.SourceConfig{
			{Name: "db1", Driver: "db1"},
			{Name: "db2", Driver: "db2"},
		},
	}, map[string]datasource.DataSource{"db1": db1, "db2": db2})

	ik, err := st.CreateInternalKey(ctx, "customer")
	require.NoError(t, err)

	fk1 := idkey.ForeignKey{Entity: "customer", Source: "db1", ID: "1"}
	fk2 := idkey.ForeignKey{Entity: "customer", Source: "db2", ID: "2"}
	require.NoError(t, st.RecordForeign(ctx, ik, fk1))
	require.NoError(t, st.RecordForeign(ctx, ik, fk2))
	require.NoError(t, st.PutInitial(ctx, ik, docOf("x", "0")))

	db1.Seed(fk1, docOf("x", "1"))
	db2.Seed(fk2, docOf("x", "2"))

	require.NoError(t, pool.step(ctx, model.WorkItem{
		Kind:         model.WorkProcess,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", Foreign: "1"},
	}))

	conflicts, err := st.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	conflict := conflicts[0]

	var winningOpID model.DiffOpID

	for _, op := range conflict.Unresolved() {
		if op.Op.Value == "1" {
			winningOpID = op.ID
		}
	}

	require.NotZero(t, winningOpID)

	require.NoError(t, st.MarkResolved(ctx, conflict.DiffID, []model.DiffOpID{winningOpID}))

	require.NoError(t, pool.step(ctx, model.WorkItem{
		Kind:        model.WorkApply,
		DiffID:      conflict.DiffID,
		InternalKey: ik,
		Diff:        document.Diff[document.Unit]{Ops: []document.Op{{Kind: document.OpInsert, Path: document.NewPath("x"), Value: "1"}}},
	}))

	got1, err := db1.Get(ctx, fk1)
	require.NoError(t, err)
	assert.True(t, docOf("x", "1").Equal(got1))

	got2, err := db2.Get(ctx, fk2)
	require.NoError(t, err)
	assert.True(t, docOf("x", "1").Equal(got2))

	remaining, err := st.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

// Scenario 5: vanished source triggers delete (spec §8).
func TestPool_VanishedSourceTriggersDelete(t *testing.T) {
	ctx := context.Background()

	db1 := memsource.New()
	db2 := memsource.New()

	pool, st := testPool(t, config.EntityConfig{
		Name: "customer",
		Sources: []config.SourceConfig{
			{Name: "db1", Driver: "db1"},
			{Name: "db2", Driver: "db2"},
		},
	}, map[string]datasource.DataSource{"db1": db1, "db2": db2})

	ik, err := st.CreateInternalKey(ctx, "customer")
	require.NoError(t, err)

	fk1 := idkey.ForeignKey{Entity: "customer", Source: "db1", ID: "1"}
	fk2 := idkey.ForeignKey{Entity: "customer", Source: "db2", ID: "2"}
	require.NoError(t, st.RecordForeign(ctx, ik, fk1))
	require.NoError(t, st.RecordForeign(ctx, ik, fk2))
	require.NoError(t, st.PutInitial(ctx, ik, docOf("name", "Alice")))

	db2.Seed(fk2, docOf("name", "Alice"))
	// db1 has no seeded document: Get returns ErrMissing.

	require.NoError(t, pool.step(ctx, model.WorkItem{
		Kind:         model.WorkProcess,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", Foreign: "1"},
	}))

	_, err = db2.Get(ctx, fk2)
	assert.ErrorIs(t, err, datasource.ErrMissing)

	_, ok, err := st.LookupInternal(ctx, fk1)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Scenario 6 (adapted): a source failure during Create is retried, not
// fatal, and a later notification repairs it (spec §4.6 Create: "partial
// failure... retried on the next notification").
func TestPool_PartialCreateFailureRepairedOnUpdate(t *testing.T) {
	ctx := context.Background()

	db1 := memsource.New()
	db2 := memsource.NewFailing()
	db2.FailSet = true

	pool, st := testPool(t, config.EntityConfig{
		Name: "customer",
		Sources: []config.SourceConfig{
			{Name: "db1", Driver: "db1"},
			{Name: "db2", Driver: "db2"},
		},
	}, map[string]datasource.DataSource{"db1": db1, "db2": db2})

	fk1 := idkey.ForeignKey{Entity: "customer", Source: "db1", ID: "1"}
	db1.Seed(fk1, docOf("name", "Alice"))

	item := model.WorkItem{
		Kind:         model.WorkProcess,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", Foreign: "1"},
	}

	// Create logs+continues on a failing secondary source rather than
	// erroring the whole step (spec §4.6 Create: "no rollback of
	// successful sources"), so this first step succeeds outright with
	// db2 left unbound.
	require.NoError(t, pool.step(ctx, item))

	ik, ok, err := st.LookupInternal(ctx, fk1)
	require.NoError(t, err)
	require.True(t, ok)

	_, bound, err := st.LookupForeign(ctx, ik, "db2")
	require.NoError(t, err)
	assert.False(t, bound)

	db2.FailSet = false

	// A later notification's Update step retries propagation to db2,
	// repairing the partial Create failure.
	require.NoError(t, pool.step(ctx, model.WorkItem{
		Kind:         model.WorkProcess,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", Foreign: "1"},
	}))

	fk2, bound, err := st.LookupForeign(ctx, ik, "db2")
	require.NoError(t, err)
	require.True(t, bound)

	got2, err := db2.Get(ctx, fk2)
	require.NoError(t, err)
	assert.True(t, docOf("name", "Alice").Equal(got2))
}

func TestLocker_TryAcquireRelease(t *testing.T) {
	l := NewLocker()

	assert.True(t, l.TryAcquire("k"))
	assert.False(t, l.TryAcquire("k"))

	l.Release("k")

	assert.True(t, l.TryAcquire("k"))
}

func TestPool_LockContentionAbandonsAndRedelivers(t *testing.T) {
	ctx := context.Background()

	db1 := memsource.New()
	fk1 := idkey.ForeignKey{Entity: "customer", Source: "db1", ID: "1"}
	db1.Seed(fk1, docOf("name", "Alice"))

	pool, st := testPool(t, config.EntityConfig{
		Name:    "customer",
		Sources: []config.SourceConfig{{Name: "db1", Driver: "db1"}},
	}, map[string]datasource.DataSource{"db1": db1})

	require.NoError(t, st.Enqueue(ctx, model.WorkItem{
		Kind:         model.WorkProcess,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", Foreign: "1"},
	}))

	leased, err := st.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.True(t, pool.locker.TryAcquire(leased.CorrelationKey))

	pool.handle(ctx, leased)

	_, ok, err := st.LookupInternal(ctx, fk1)
	require.NoError(t, err)
	assert.False(t, ok, "lock contention must not have run Create")

	pool.locker.Release(leased.CorrelationKey)

	redelivered, err := st.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered)

	pool.handle(ctx, redelivered)

	_, ok, err = st.LookupInternal(ctx, fk1)
	require.NoError(t, err)
	assert.True(t, ok)
}
