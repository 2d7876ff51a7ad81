package server

import (
	"context"
	"fmt"

	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/model"
	"github.com/retcon-sync/retcon/internal/protocol"
)

// handleListConflicts answers LIST_CONFLICTS synchronously against the
// store (spec §4.7).
func (s *Server) handleListConflicts(ctx context.Context) ([]byte, error) {
	records, err := s.store.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}

	return protocol.EncodeListConflictsResponse(records)
}

// handleChange decodes a CHANGE request and enqueues the corresponding
// WorkProcess item: validate, enqueue, ack, nothing more (spec §4.7, §5).
func (s *Server) handleChange(ctx context.Context, body []byte) ([]byte, error) {
	n, err := protocol.DecodeChangeRequest(body)
	if err != nil {
		return nil, err
	}

	if n.Entity == "" || n.Source == "" || n.Foreign == "" {
		return nil, fmt.Errorf("%w: CHANGE requires entity, source, and foreign id", model.ErrProtocolError)
	}

	if err := s.store.Enqueue(ctx, model.WorkItem{Kind: model.WorkProcess, Notification: n}); err != nil {
		return nil, err
	}

	return nil, nil
}

// handleResolve decodes a RESOLVE request, validates the requested op IDs
// against the persisted conflict, and enqueues a WorkApply item carrying
// just the accepted subset; the actual propagation to sources happens
// later, on a worker (spec §4.6 Apply, §4.7).
func (s *Server) handleResolve(ctx context.Context, body []byte) ([]byte, error) {
	diffID, opIDs, err := protocol.DecodeResolveRequest(body)
	if err != nil {
		return nil, err
	}

	if len(opIDs) == 0 {
		return nil, fmt.Errorf("%w: RESOLVE requires at least one op id", model.ErrProtocolError)
	}

	conflict, ok, err := s.store.GetConflict(ctx, diffID)
	if err != nil {
		return nil, err
	}

	if !ok || !conflict.IsConflicted() {
		return nil, fmt.Errorf("%w: diff %d", model.ErrConflictResolved, diffID)
	}

	byID := make(map[model.DiffOpID]model.DiffOpRecord, len(conflict.Ops))
	for _, op := range conflict.Ops {
		byID[op.ID] = op
	}

	ops := make([]document.Op, len(opIDs))

	for i, id := range opIDs {
		rec, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: op %d does not belong to diff %d", model.ErrProtocolError, id, diffID)
		}

		if rec.Accepted {
			return nil, fmt.Errorf("%w: op %d already accepted", model.ErrProtocolError, id)
		}

		ops[i] = rec.Op
	}

	item := model.WorkItem{
		Kind:        model.WorkApply,
		DiffID:      diffID,
		InternalKey: conflict.InternalKey,
		Diff:        document.Diff[document.Unit]{Ops: ops},
	}

	if err := s.store.Enqueue(ctx, item); err != nil {
		return nil, err
	}

	return nil, nil
}
