package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/retcon-sync/retcon/internal/datasource"
	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
	"github.com/retcon-sync/retcon/internal/merge"
	"github.com/retcon-sync/retcon/internal/metrics"
	"github.com/retcon-sync/retcon/internal/model"
)

// step dispatches a dequeued WorkItem to the Process or Apply half of the
// state machine (spec §4.6).
func (p *Pool) step(ctx context.Context, item model.WorkItem) error {
	switch item.Kind {
	case model.WorkProcess:
		return p.processNotification(ctx, item.Notification)
	case model.WorkApply:
		return p.applyDiff(ctx, item)
	default:
		return fmt.Errorf("%w: unknown work item kind %v", model.ErrInvariantViolation, item.Kind)
	}
}

// processNotification implements Process(notification): resolve the
// foreign key, then branch on NEW/KNOWN (spec §4.6 step 1-2).
func (p *Pool) processNotification(ctx context.Context, n model.ChangeNotification) error {
	p.metrics.IncrCounter(metrics.EntityNotifications(string(n.Entity)), 1)

	fk := n.ForeignKey()

	ik, known, err := p.store.LookupInternal(ctx, fk)
	if err != nil {
		return err
	}

	if !known {
		return p.create(ctx, n.Entity, fk)
	}

	ds, ok := p.registry.Lookup(n.Entity, n.Source)
	if !ok {
		return fmt.Errorf("%w: no datasource registered for %s/%s", model.ErrInvariantViolation, n.Entity, n.Source)
	}

	getCtx, cancel := context.WithTimeout(ctx, p.getSourceTimeout())
	_, err = ds.Get(getCtx, fk)
	cancel()

	switch {
	case errors.Is(err, datasource.ErrMissing):
		return p.delete(ctx, ik)
	case err != nil:
		return model.NewSourceError(n.Source, err)
	default:
		return p.update(ctx, ik, n.Entity)
	}
}

// create implements the Create step (spec §4.6): mint an InternalKey,
// fetch the trigger source's authoritative document, remember it as the
// initial document, and propagate it to every other configured source.
func (p *Pool) create(ctx context.Context, entity idkey.EntityName, triggerFK idkey.ForeignKey) error {
	ent, ok := p.entityFor(entity)
	if !ok {
		return fmt.Errorf("%w: entity %q not configured", model.ErrInvariantViolation, entity)
	}

	triggerDS, ok := p.registry.Lookup(entity, triggerFK.Source)
	if !ok {
		return fmt.Errorf("%w: no datasource registered for %s/%s", model.ErrInvariantViolation, entity, triggerFK.Source)
	}

	getCtx, cancel := context.WithTimeout(ctx, p.getSourceTimeout())
	doc, err := triggerDS.Get(getCtx, triggerFK)
	cancel()

	if err != nil {
		return model.NewSourceError(triggerFK.Source, err)
	}

	ik, err := p.store.CreateInternalKey(ctx, entity)
	if err != nil {
		return err
	}

	if err := p.store.RecordForeign(ctx, ik, triggerFK); err != nil {
		return err
	}

	if err := p.store.PutInitial(ctx, ik, doc); err != nil {
		return err
	}

	for _, src := range ent.Sources {
		sourceName := idkey.SourceName(src.Name)
		if sourceName == triggerFK.Source {
			continue
		}

		ds, ok := p.registry.Lookup(entity, sourceName)
		if !ok {
			continue
		}

		if err := p.propagate(ctx, ik, entity, sourceName, ds, doc); err != nil {
			p.logger.Warn("create: propagating to source failed, will retry on next notification",
				slog.String("entity", string(entity)), slog.String("source", string(sourceName)), slog.String("error", err.Error()))
			p.metrics.IncrCounter(metrics.SourceErrors(string(sourceName)), 1)
		}
	}

	p.metrics.IncrCounter(metrics.EntityUpdates(string(entity)), 1)

	return nil
}

// propagate writes doc to (ik, sourceName): an update-in-place Set if a
// foreign key is already bound, or an allocating Set (recording the
// result) if not. Used by create for the sources it first sees, by update
// to push a merged result (which also retries any source a prior Create
// left unbound — spec §4.6's "partial failure... retried on the next
// notification"), and by applyDiff.
func (p *Pool) propagate(ctx context.Context, ik idkey.InternalKey, entity idkey.EntityName, sourceName idkey.SourceName, ds datasource.DataSource, doc *document.Document) error {
	fk, bound, err := p.store.LookupForeign(ctx, ik, sourceName)
	if err != nil {
		return err
	}

	setFK := idkey.ForeignKey{Entity: entity, Source: sourceName}
	if bound {
		setFK = fk
	}

	setCtx, cancel := context.WithTimeout(ctx, p.getSourceTimeout())
	allocated, err := ds.Set(setCtx, setFK, doc)
	cancel()

	if err != nil {
		return model.NewSourceError(sourceName, err)
	}

	if bound {
		return nil
	}

	return p.store.RecordForeign(ctx, ik, allocated)
}

// sourceDoc pairs a fetched document with the source it came from, for
// the Update step's per-source diffing.
type sourceDoc struct {
	name idkey.SourceName
	doc  *document.Document
}

// update implements the Update step (spec §4.6): refetch from every
// configured source, diff each against the initial document, merge, and
// either propagate the accepted result or park a conflict.
func (p *Pool) update(ctx context.Context, ik idkey.InternalKey, entity idkey.EntityName) error {
	ent, ok := p.entityFor(entity)
	if !ok {
		return fmt.Errorf("%w: entity %q not configured", model.ErrInvariantViolation, entity)
	}

	var docs []sourceDoc

	for _, src := range ent.Sources {
		sourceName := idkey.SourceName(src.Name)

		ds, ok := p.registry.Lookup(entity, sourceName)
		if !ok {
			continue
		}

		fk, bound, err := p.store.LookupForeign(ctx, ik, sourceName)
		if err != nil {
			return err
		}

		if !bound {
			continue
		}

		getCtx, cancel := context.WithTimeout(ctx, p.getSourceTimeout())
		doc, err := ds.Get(getCtx, fk)
		cancel()

		switch {
		case errors.Is(err, datasource.ErrMissing):
			continue
		case err != nil:
			p.logger.Warn("update: get failed, source excluded from this round",
				slog.String("source", string(sourceName)), slog.String("error", err.Error()))
			p.metrics.IncrCounter(metrics.SourceErrors(string(sourceName)), 1)

			continue
		}

		docs = append(docs, sourceDoc{name: sourceName, doc: doc})
	}

	if len(docs) == 0 {
		return fmt.Errorf("%w: update %s: no source returned a document", model.ErrInvariantViolation, ik)
	}

	initial, err := p.store.GetInitial(ctx, ik)
	if err != nil {
		return err
	}

	if initial == nil {
		initial = docs[0].doc
	}

	sources := make([]idkey.SourceName, len(docs))
	diffs := make([]document.Diff[idkey.SourceName], len(docs))

	for i, d := range docs {
		sources[i] = d.name
		diffs[i] = document.Relabel(document.Compute(initial, d.doc), d.name)
	}

	accepted, rejected := merge.Merge(p.policyFor(entity), initial, sources, diffs)

	if hasRejections(rejected) {
		return p.parkConflict(ctx, ik, entity, initial, accepted, rejected)
	}

	result := document.Apply(accepted, initial)

	for _, src := range ent.Sources {
		sourceName := idkey.SourceName(src.Name)

		ds, ok := p.registry.Lookup(entity, sourceName)
		if !ok {
			continue
		}

		if err := p.propagate(ctx, ik, entity, sourceName, ds, result); err != nil {
			p.logger.Warn("update: propagating merged result failed, will retry on next notification",
				slog.String("entity", string(entity)), slog.String("source", string(sourceName)), slog.String("error", err.Error()))
			p.metrics.IncrCounter(metrics.SourceErrors(string(sourceName)), 1)
		}
	}

	if err := p.store.PutInitial(ctx, ik, result); err != nil {
		return err
	}

	p.metrics.IncrCounter(metrics.EntityUpdates(string(entity)), 1)

	return nil
}

// hasRejections reports whether any source's rejected diff carries ops.
func hasRejections(rejected []document.Diff[idkey.SourceName]) bool {
	for _, r := range rejected {
		if !r.Empty() {
			return true
		}
	}

	return false
}

// parkConflict persists the merge outcome as a ConflictRecord (spec §4.6
// Update, else-branch): accepted ops are recorded alongside rejected ones,
// each with its accepted flag, and no source is mutated.
func (p *Pool) parkConflict(ctx context.Context, ik idkey.InternalKey, entity idkey.EntityName, initial *document.Document, accepted document.Diff[document.Unit], rejected []document.Diff[idkey.SourceName]) error {
	var (
		ops           []document.Op
		acceptedFlags []bool
	)

	for _, op := range accepted.Ops {
		ops = append(ops, op)
		acceptedFlags = append(acceptedFlags, true)
	}

	for _, r := range rejected {
		for _, op := range r.Ops {
			ops = append(ops, op)
			acceptedFlags = append(acceptedFlags, false)
		}
	}

	diff := document.Diff[document.Unit]{Ops: ops}

	diffID, err := p.store.PutDiff(ctx, ik, diff, acceptedFlags, model.CauseUpdate)
	if err != nil {
		return err
	}

	p.metrics.IncrCounter(metrics.EntityConflicts(string(entity)), 1)

	if p.notifier != nil {
		records := make([]model.DiffOpRecord, len(ops))
		for i, op := range ops {
			records[i] = model.DiffOpRecord{Op: op, Accepted: acceptedFlags[i]}
		}

		p.notifier.NotifyConflict(model.ConflictRecord{
			DiffID:      diffID,
			InternalKey: ik,
			Document:    initial,
			Ops:         records,
			Cause:       model.CauseUpdate,
		})
	}

	return nil
}

// delete implements the Delete step (spec §4.6): remove the document from
// every source that still has a foreign key, then purge the internal key.
func (p *Pool) delete(ctx context.Context, ik idkey.InternalKey) error {
	ent, ok := p.entityFor(ik.Entity)
	if !ok {
		return fmt.Errorf("%w: entity %q not configured", model.ErrInvariantViolation, ik.Entity)
	}

	for _, src := range ent.Sources {
		sourceName := idkey.SourceName(src.Name)

		fk, bound, err := p.store.LookupForeign(ctx, ik, sourceName)
		if err != nil {
			return err
		}

		if !bound {
			continue
		}

		ds, ok := p.registry.Lookup(ik.Entity, sourceName)
		if !ok {
			continue
		}

		delCtx, cancel := context.WithTimeout(ctx, p.getSourceTimeout())
		err = ds.Delete(delCtx, fk)
		cancel()

		if err != nil {
			return model.NewSourceError(sourceName, err)
		}
	}

	if _, err := p.store.DeleteInternal(ctx, ik); err != nil {
		return err
	}

	return nil
}

// applyDiff implements the Apply step (spec §4.6): load the initial
// document, apply the operator-approved diff, push to every source, and
// mark every op in the DiffID accepted.
func (p *Pool) applyDiff(ctx context.Context, item model.WorkItem) error {
	ik := item.InternalKey

	ent, ok := p.entityFor(ik.Entity)
	if !ok {
		return fmt.Errorf("%w: entity %q not configured", model.ErrInvariantViolation, ik.Entity)
	}

	initial, err := p.store.GetInitial(ctx, ik)
	if err != nil {
		return err
	}

	if initial == nil {
		return fmt.Errorf("%w: apply %s: no initial document", model.ErrInvariantViolation, ik)
	}

	result := document.Apply(item.Diff, initial)

	for _, src := range ent.Sources {
		sourceName := idkey.SourceName(src.Name)

		ds, ok := p.registry.Lookup(ik.Entity, sourceName)
		if !ok {
			continue
		}

		if err := p.propagate(ctx, ik, ik.Entity, sourceName, ds, result); err != nil {
			return err
		}
	}

	if err := p.store.PutInitial(ctx, ik, result); err != nil {
		return err
	}

	if err := p.markAllAccepted(ctx, item.DiffID); err != nil {
		return err
	}

	p.metrics.IncrCounter(metrics.EntityUpdates(string(ik.Entity)), 1)

	return nil
}

// markAllAccepted finalizes diffID once its Apply has succeeded (spec
// §4.6 "Mark all ops in the DiffID as accepted"). A RESOLVE call may have
// already accepted the subset it selected; this only needs to mark
// whatever is still unaccepted.
func (p *Pool) markAllAccepted(ctx context.Context, diffID model.DiffID) error {
	conflict, ok, err := p.store.GetConflict(ctx, diffID)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	unresolved := conflict.Unresolved()
	if len(unresolved) == 0 {
		return nil
	}

	ids := make([]model.DiffOpID, len(unresolved))
	for i, op := range unresolved {
		ids[i] = op.ID
	}

	return p.store.MarkResolved(ctx, diffID, ids)
}
