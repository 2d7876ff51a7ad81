package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retcon-sync/retcon/internal/config"
	"github.com/retcon-sync/retcon/internal/datasource"
	"github.com/retcon-sync/retcon/internal/datasource/memsource"
	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
	"github.com/retcon-sync/retcon/internal/model"
)

// TestRecordProcessingFailure_WorkApplyKeepsRejectedOps exercises the
// dead-letter conflict-recording path for a WorkApply item: the ops it
// already carried are persisted verbatim as unaccepted, ProcessingFailed.
func TestRecordProcessingFailure_WorkApplyKeepsRejectedOps(t *testing.T) {
	ctx := context.Background()

	pool, st := testPool(t, config.EntityConfig{
		Name:    "customer",
		Sources: []config.SourceConfig{{Name: "db1", Driver: "db1"}},
	}, map[string]datasource.DataSource{"db1": memsource.New()})

	ik, err := st.CreateInternalKey(ctx, "customer")
	require.NoError(t, err)
	require.NoError(t, st.PutInitial(ctx, ik, docOf("x", "0")))

	item := model.WorkItem{
		Kind:        model.WorkApply,
		InternalKey: ik,
		Diff:        document.Diff[document.Unit]{Ops: []document.Op{{Kind: document.OpInsert, Path: document.NewPath("x"), Value: "1"}}},
	}

	require.NoError(t, pool.recordProcessingFailure(ctx, item, errors.New("sink unreachable")))

	conflicts, err := st.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.CauseProcessingFailed, conflicts[0].Cause)
	require.Len(t, conflicts[0].Unresolved(), 1)
	assert.Equal(t, "1", conflicts[0].Unresolved()[0].Op.Value)
}

// TestRecordProcessingFailure_WorkProcessRecordsDiagnosticOp exercises the
// WorkProcess branch, which has no pre-computed diff and instead records a
// single diagnostic op carrying the abandon cause.
func TestRecordProcessingFailure_WorkProcessRecordsDiagnosticOp(t *testing.T) {
	ctx := context.Background()

	pool, st := testPool(t, config.EntityConfig{
		Name:    "customer",
		Sources: []config.SourceConfig{{Name: "db1", Driver: "db1"}},
	}, map[string]datasource.DataSource{"db1": memsource.New()})

	ik, err := st.CreateInternalKey(ctx, "customer")
	require.NoError(t, err)
	fk := idkey.ForeignKey{Entity: "customer", Source: "db1", ID: "1"}
	require.NoError(t, st.RecordForeign(ctx, ik, fk))
	require.NoError(t, st.PutInitial(ctx, ik, docOf("x", "0")))

	item := model.WorkItem{
		Kind:         model.WorkProcess,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", Foreign: "1"},
	}

	require.NoError(t, pool.recordProcessingFailure(ctx, item, errors.New("source timed out")))

	conflicts, err := st.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, model.CauseProcessingFailed, conflicts[0].Cause)
	require.Len(t, conflicts[0].Unresolved(), 1)
	assert.Equal(t, "source timed out", conflicts[0].Unresolved()[0].Op.Value)
}

// TestRecordProcessingFailure_UnknownForeignKeySkipsSilently covers a
// WorkProcess item whose foreign key never resolved to an internal key:
// there is nothing to attach a conflict to, so recording is a no-op rather
// than an error.
func TestRecordProcessingFailure_UnknownForeignKeySkipsSilently(t *testing.T) {
	ctx := context.Background()

	pool, st := testPool(t, config.EntityConfig{
		Name:    "customer",
		Sources: []config.SourceConfig{{Name: "db1", Driver: "db1"}},
	}, map[string]datasource.DataSource{"db1": memsource.New()})

	item := model.WorkItem{
		Kind:         model.WorkProcess,
		Notification: model.ChangeNotification{Entity: "customer", Source: "db1", Foreign: "unknown"},
	}

	require.NoError(t, pool.recordProcessingFailure(ctx, item, errors.New("boom")))

	conflicts, err := st.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}
