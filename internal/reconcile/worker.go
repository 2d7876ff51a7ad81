package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/retcon-sync/retcon/internal/config"
	"github.com/retcon-sync/retcon/internal/datasource"
	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
	"github.com/retcon-sync/retcon/internal/merge"
	"github.com/retcon-sync/retcon/internal/metrics"
	"github.com/retcon-sync/retcon/internal/model"
	"github.com/retcon-sync/retcon/internal/store"
)

// minWorkers is the absolute floor for total worker count; the default
// (max(NumCPU, 2)) is computed by config.defaultWorkerCount and passed in
// well above this floor.
const minWorkers = 1

// errLockContention is the abandon cause recorded when TryAcquire fails;
// it is routine, not an error from a source or the store (SPEC_FULL.md
// §4.6).
var errLockContention = errors.New("reconcile: internal key locked by another worker")

// ConflictNotifier receives a conflict the instant it is parked, for the
// additive websocket feed (SPEC_FULL.md §4.7). Implementing it is
// optional: a nil Notifier in Params just means no feed is wired.
type ConflictNotifier interface {
	NotifyConflict(rec model.ConflictRecord)
}

// Pool runs the reconciliation state machine (spec §4.6): a bounded
// number of workers dequeue WorkItems, serialize per-InternalKey access
// through Locker, and execute Process/Create/Update/Delete/Apply.
type Pool struct {
	store    *store.Store
	registry *datasource.Registry
	metrics  *metrics.Registry
	logger   *slog.Logger
	locker   *Locker
	notifier ConflictNotifier

	// cfgMu guards every field below it: Reload replaces them wholesale
	// while workers are running, in response to a fsnotify config-file
	// change (SPEC_FULL.md §2.2).
	cfgMu sync.RWMutex

	entities map[idkey.EntityName]config.EntityConfig
	policies map[idkey.EntityName]merge.Policy

	sourceTimeout    time.Duration
	reconcileTimeout time.Duration
	leaseDuration    time.Duration
	retryCap         int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Params bundles Pool's dependencies (spec §5 "each worker holds one
// store connection from a pool sized to workers + 1").
type Params struct {
	Store    *store.Store
	Registry *datasource.Registry
	Metrics  *metrics.Registry
	Logger   *slog.Logger
	Entities []config.EntityConfig
	Workers  config.WorkersConfig
	Notifier ConflictNotifier
}

// NewPool builds a Pool from cfg's entities, pre-building each entity's
// merge policy so the hot path never re-parses configuration.
func NewPool(p Params) *Pool {
	entities := make(map[idkey.EntityName]config.EntityConfig, len(p.Entities))
	policies := make(map[idkey.EntityName]merge.Policy, len(p.Entities))

	for _, e := range p.Entities {
		name := idkey.EntityName(e.Name)
		entities[name] = e
		policies[name] = buildPolicy(e)
	}

	return &Pool{
		store:            p.Store,
		registry:         p.Registry,
		metrics:          p.Metrics,
		logger:           p.Logger,
		locker:           NewLocker(),
		notifier:         p.Notifier,
		entities:         entities,
		policies:         policies,
		sourceTimeout:    time.Duration(p.Workers.SourceTimeoutMS) * time.Millisecond,
		reconcileTimeout: time.Duration(p.Workers.ReconcileTimeoutMS) * time.Millisecond,
		leaseDuration:    time.Duration(p.Workers.LeaseDurationMS) * time.Millisecond,
		retryCap:         p.Workers.RetryCap,
	}
}

// buildPolicy constructs the merge.Policy named by e.Policy (spec §4.2),
// defaulting to ignoreConflicts. The default case serves "ignoreConflicts"
// and an unset policy; config.Validate has already rejected anything not
// in validPolicies, so no other value reaches it in a validated Config.
func buildPolicy(e config.EntityConfig) merge.Policy {
	switch e.Policy {
	case "trustSource":
		return merge.TrustSource(idkey.SourceName(e.PolicyTrustedSource))
	case "reject":
		prefixes := make([]document.DocumentPath, len(e.PolicyRejectedPrefixes))
		for i, prefix := range e.PolicyRejectedPrefixes {
			prefixes[i] = document.NewPath(strings.Split(prefix, "/")...)
		}

		return merge.Reject(prefixes...)
	default:
		return merge.IgnoreConflicts()
	}
}

// policyFor returns the pre-built policy for entity, falling back to
// ignoreConflicts for an entity configured after NewPool ran (shouldn't
// happen outside tests that mutate entities post-construction).
func (p *Pool) policyFor(entity idkey.EntityName) merge.Policy {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()

	if policy, ok := p.policies[entity]; ok {
		return policy
	}

	return merge.IgnoreConflicts()
}

// entityFor returns the configured entity, guarded the same way as
// policyFor so a concurrent Reload never races a worker's read.
func (p *Pool) entityFor(entity idkey.EntityName) (config.EntityConfig, bool) {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()

	e, ok := p.entities[entity]

	return e, ok
}

func (p *Pool) getSourceTimeout() time.Duration {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()

	return p.sourceTimeout
}

func (p *Pool) getReconcileTimeout() time.Duration {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()

	return p.reconcileTimeout
}

func (p *Pool) getLeaseDuration() time.Duration {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()

	return p.leaseDuration
}

func (p *Pool) getRetryCap() int {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()

	return p.retryCap
}

// Reload replaces the entity table, merge policies, and timeout/retry
// knobs in place, for the fsnotify-triggered hot reload described in
// SPEC_FULL.md §2.2. Safe to call while workers are running.
func (p *Pool) Reload(entityCfgs []config.EntityConfig, workers config.WorkersConfig) {
	entities := make(map[idkey.EntityName]config.EntityConfig, len(entityCfgs))
	policies := make(map[idkey.EntityName]merge.Policy, len(entityCfgs))

	for _, e := range entityCfgs {
		name := idkey.EntityName(e.Name)
		entities[name] = e
		policies[name] = buildPolicy(e)
	}

	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	p.entities = entities
	p.policies = policies
	p.sourceTimeout = time.Duration(workers.SourceTimeoutMS) * time.Millisecond
	p.reconcileTimeout = time.Duration(workers.ReconcileTimeoutMS) * time.Millisecond
	p.leaseDuration = time.Duration(workers.LeaseDurationMS) * time.Millisecond
	p.retryCap = workers.RetryCap
}

// ProcessOnce runs a single Process cycle synchronously, bypassing the
// work queue entirely — the one-shot mode named in spec §6
// ("retcon-oneshot ... runs exactly one Process cycle synchronously and
// exits"). Takes the same correlation key on this Pool's Locker as handle
// does, so it serializes against this Pool's own workers; the Locker is
// in-process, so workers of another process are not excluded.
func (p *Pool) ProcessOnce(ctx context.Context, n model.ChangeNotification) error {
	key := n.ForeignKey().String()

	if !p.locker.TryAcquire(key) {
		return fmt.Errorf("%w: %s is being processed by another worker", errLockContention, key)
	}
	defer p.locker.Release(key)

	stepCtx, cancel := context.WithTimeout(ctx, p.getReconcileTimeout())
	defer cancel()

	return p.processNotification(stepCtx, n)
}

// Start spawns n worker goroutines, floored at minWorkers.
func (p *Pool) Start(ctx context.Context, n int) {
	if n < minWorkers {
		n = minWorkers
	}

	ctx, p.cancel = context.WithCancel(ctx)

	for range n {
		p.wg.Add(1)

		go p.loop(ctx)
	}

	p.logger.Info("reconciliation pool started", slog.Int("workers", n))
}

// Stop cancels every worker and waits for the current item, if any, to
// finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	p.wg.Wait()
}

// loop is one worker's dequeue/process cycle (spec §5 "suspension points:
// ... dequeue with lease timeout").
func (p *Pool) loop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		leased, err := p.store.Dequeue(ctx, p.getLeaseDuration())
		if err != nil {
			p.logger.Error("dequeue failed", slog.String("error", err.Error()))
			continue
		}

		if leased == nil {
			continue // ctx done; loop will exit on the next iteration's select
		}

		p.handle(ctx, leased)
	}
}

// handle runs one dequeued item under the concurrency guard (spec §4.6)
// and resolves it to Complete, Abandon, or DeadLetter.
func (p *Pool) handle(ctx context.Context, leased *store.Leased) {
	if !p.locker.TryAcquire(leased.CorrelationKey) {
		if _, err := p.store.Abandon(ctx, leased, errLockContention, p.getRetryCap()); err != nil {
			p.logger.Error("abandon after lock contention failed", slog.String("error", err.Error()))
		}

		return
	}

	defer p.locker.Release(leased.CorrelationKey)

	stepCtx, cancel := context.WithTimeout(ctx, p.getReconcileTimeout())
	p.metrics.AddGauge(metrics.ReconcileInFlight, 1)
	err := p.step(stepCtx, leased.Item)
	p.metrics.AddGauge(metrics.ReconcileInFlight, -1)
	cancel()

	if err == nil {
		if err := p.store.Complete(ctx, leased); err != nil {
			p.logger.Error("completing work item failed", slog.String("error", err.Error()))
		}

		return
	}

	if errors.Is(err, model.ErrInvariantViolation) {
		p.logger.Error("invariant violation, dead-lettering",
			slog.String("key", leased.CorrelationKey), slog.String("error", err.Error()))

		if dlErr := p.store.DeadLetter(ctx, leased, err); dlErr != nil {
			p.logger.Error("dead-lettering invariant violation failed", slog.String("error", dlErr.Error()))
		}

		p.metrics.IncrCounter(metrics.QueueDeadLettered, 1)

		return
	}

	deadLettered, abErr := p.store.Abandon(ctx, leased, err, p.getRetryCap())
	if abErr != nil {
		p.logger.Error("abandoning work item failed", slog.String("error", abErr.Error()))

		return
	}

	if deadLettered {
		p.logger.Warn("retry cap exceeded, dead-lettering",
			slog.String("key", leased.CorrelationKey), slog.String("error", err.Error()))
		p.metrics.IncrCounter(metrics.QueueDeadLettered, 1)

		if recErr := p.recordProcessingFailure(ctx, leased.Item, err); recErr != nil {
			p.logger.Error("recording processing-failed conflict failed", slog.String("error", recErr.Error()))
		}

		return
	}

	p.logger.Warn("work item abandoned, will retry",
		slog.String("key", leased.CorrelationKey), slog.String("error", err.Error()))
}

// processingFailurePath is the reserved diagnostic path recorded when a
// dead-lettered WorkProcess item never reached a computed diff, so the
// conflict still carries something an operator can read.
var processingFailurePath = document.NewPath("_processingError")

// recordProcessingFailure persists a ConflictRecord with
// Cause=CauseProcessingFailed for an item that just exhausted its retry
// cap, so it stays visible through list-conflicts instead of disappearing
// once it leaves the work queue (spec §4.5 abandon, §7 ProcessingFailed).
func (p *Pool) recordProcessingFailure(ctx context.Context, item model.WorkItem, cause error) error {
	ik, ops, ok := p.deadLetterSubject(ctx, item, cause)
	if !ok {
		return nil
	}

	accepted := make([]bool, len(ops))

	diffID, err := p.store.PutDiff(ctx, ik, document.Diff[document.Unit]{Ops: ops}, accepted, model.CauseProcessingFailed)
	if err != nil {
		return err
	}

	p.metrics.IncrCounter(metrics.EntityConflicts(string(ik.Entity)), 1)

	if p.notifier == nil {
		return nil
	}

	initial, err := p.store.GetInitial(ctx, ik)
	if err != nil {
		initial = document.New()
	}

	records := make([]model.DiffOpRecord, len(ops))
	for i, op := range ops {
		records[i] = model.DiffOpRecord{Op: op, Accepted: false}
	}

	p.notifier.NotifyConflict(model.ConflictRecord{
		DiffID:      diffID,
		InternalKey: ik,
		Document:    initial,
		Ops:         records,
		Cause:       model.CauseProcessingFailed,
	})

	return nil
}

// deadLetterSubject resolves the InternalKey and ops to persist for a
// dead-lettered item. A WorkApply item already carries both; a WorkProcess
// item that never resolved to an internal key (its very first change
// notification, repeatedly failing before Create ever ran) has nothing to
// attach a conflict to and is skipped.
func (p *Pool) deadLetterSubject(ctx context.Context, item model.WorkItem, cause error) (idkey.InternalKey, []document.Op, bool) {
	switch item.Kind {
	case model.WorkApply:
		return item.InternalKey, item.Diff.Ops, true
	case model.WorkProcess:
		ik, ok, err := p.store.LookupInternal(ctx, item.Notification.ForeignKey())
		if err != nil || !ok {
			return idkey.InternalKey{}, nil, false
		}

		return ik, []document.Op{{Kind: document.OpInsert, Path: processingFailurePath, Value: cause.Error()}}, true
	default:
		return idkey.InternalKey{}, nil, false
	}
}
