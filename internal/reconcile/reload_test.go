package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retcon-sync/retcon/internal/config"
	"github.com/retcon-sync/retcon/internal/datasource"
	"github.com/retcon-sync/retcon/internal/datasource/memsource"
	"github.com/retcon-sync/retcon/internal/idkey"
	"github.com/retcon-sync/retcon/internal/model"
)

// TestPool_ReloadSwapsPolicyAndTimeouts exercises the fsnotify hot-reload
// path: a conflicting update parks under ignoreConflicts with every op
// rejected; once Reload switches the entity to trustSource, the next update
// accepts db1's op, and since db2's op is still rejected the update parks
// again without touching db2.
func TestPool_ReloadSwapsPolicyAndTimeouts(t *testing.T) {
	ctx := context.Background()

	db1 := memsource.New()
	db2 := memsource.New()

	entity := config.EntityConfig{
		Name: "customer",
		Sources: []config.SourceConfig{
			{Name: "db1", Driver: "db1"},
			{Name: "db2", Driver: "db2"},
		},
	}

	pool, st := testPool(t, entity, map[string]datasource.DataSource{"db1": db1, "db2": db2})

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
	require.Len(t, conflicts, 1, "ignoreConflicts parks the conflicting update")

	entity.Policy = "trustSource"
	entity.PolicyTrustedSource = "db1"

	pool.Reload([]config.EntityConfig{entity}, config.WorkersConfig{
		Count:              2,
		SourceTimeoutMS:    2000,
		ReconcileTimeoutMS: 9000,
		RetryCap:           7,
		LeaseDurationMS:    9000,
	})

	db1.Seed(fk1, docOf("x", "3"))

	require.NoError(t, pool.step(ctx, model.WorkItem{
		Kind:         model.WorkProcess,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", Foreign: "1"},
	}))

	got2, err := db2.Get(ctx, fk2)
	require.NoError(t, err)
	assert.True(t, docOf("x", "2").Equal(got2), "a rejected op parks the update, so db2 keeps its own value")

	conflicts, err = st.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 2, "the second update parks a new conflict")
	require.Len(t, conflicts[1].Ops, 2)
	assert.Equal(t, "3", conflicts[1].Ops[0].Op.Value)
	assert.True(t, conflicts[1].Ops[0].Accepted, "trustSource after reload accepts db1's op")

	assert.Equal(t, 7, pool.getRetryCap())
}

// TestPool_ProcessOnce exercises the retcon-oneshot entry point: a single
// synchronous Process cycle outside the work queue.
func TestPool_ProcessOnce(t *testing.T) {
	ctx := context.Background()

	db1 := memsource.New()
	db2 := memsource.New()

	fk1 := idkey.ForeignKey{Entity: "customer", Source: "db1", ID: "1"}
	db1.Seed(fk1, docOf("name", "Alice"))

	pool, _ := testPool(t, config.EntityConfig{
		Name: "customer",
		Sources: []config.SourceConfig{
			{Name: "db1", Driver: "db1"},
			{Name: "db2", Driver: "db2"},
		},
	}, map[string]datasource.DataSource{"db1": db1, "db2": db2})

	require.NoError(t, pool.ProcessOnce(ctx, model.ChangeNotification{
		Entity: "customer", Source: "db1", Foreign: "1",
	}))

	fk2 := idkey.ForeignKey{Entity: "customer", Source: "db2", ID: "1"}

	got, err := db2.Get(ctx, fk2)
	require.NoError(t, err)
	assert.True(t, docOf("name", "Alice").Equal(got))
}

func TestPool_ProcessOnce_LockContentionFails(t *testing.T) {
	ctx := context.Background()

	db1 := memsource.New()
	fk1 := idkey.ForeignKey{Entity: "customer", Source: "db1", ID: "1"}
	db1.Seed(fk1, docOf("name", "Alice"))

	pool, _ := testPool(t, config.EntityConfig{
		Name:    "customer",
		Sources: []config.SourceConfig{{Name: "db1", Driver: "db1"}},
	}, map[string]datasource.DataSource{"db1": db1})

	require.True(t, pool.locker.TryAcquire(fk1.String()))
	defer pool.locker.Release(fk1.String())

	err := pool.ProcessOnce(ctx, model.ChangeNotification{Entity: "customer", Source: "db1", Foreign: "1"})
	assert.Error(t, err)
}
