package store

import (
	"encoding/json"
	"fmt"

	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
	"github.com/retcon-sync/retcon/internal/model"
)

// workItemPayload is the JSON wire shape persisted in work_queue.payload.
// Process items carry a notification; Apply items carry a DiffID, the
// InternalKey it belongs to, and the diff to apply (spec §3 WorkItem).
type workItemPayload struct {
	Entity   string      `json:"entity,omitempty"`
	Source   string      `json:"source,omitempty"`
	Foreign  string      `json:"foreign,omitempty"`
	DiffID   int64       `json:"diff_id,omitempty"`
	IKEntity string      `json:"ik_entity,omitempty"`
	IKID     uint64      `json:"ik_id,omitempty"`
	Ops      []opPayload `json:"ops,omitempty"`
}

type opPayload struct {
	Kind  string   `json:"kind"`
	Path  []string `json:"path"`
	Value string   `json:"value"`
}

// correlationKey returns the string used to order and group items for the
// same logical entity in the work queue: the InternalKey once one exists
// (Apply items, and Process items against a known foreign key), or the
// foreign key's own string form before a Create has minted one. This
// mirrors the concurrency guard's lock-key choice in internal/reconcile
// (spec §4.6).
func correlationKey(item model.WorkItem) string {
	switch item.Kind {
	case model.WorkApply:
		return item.InternalKey.String()
	default:
		return item.Notification.ForeignKey().String()
	}
}

func encodeWorkItem(item model.WorkItem) (key, kind, payload string, err error) {
	switch item.Kind {
	case model.WorkProcess:
		p := workItemPayload{
			Entity:  string(item.Notification.Entity),
			Source:  string(item.Notification.Source),
			Foreign: item.Notification.Foreign,
		}

		b, err := json.Marshal(p)
		if err != nil {
			return "", "", "", fmt.Errorf("store: encoding process work item: %w", err)
		}

		return correlationKey(item), "process", string(b), nil

	case model.WorkApply:
		ops := make([]opPayload, len(item.Diff.Ops))
		for i, op := range item.Diff.Ops {
			ops[i] = opPayload{Kind: opKindString(op.Kind), Path: []string(op.Path), Value: op.Value}
		}

		p := workItemPayload{
			DiffID:   int64(item.DiffID),
			IKEntity: string(item.InternalKey.Entity),
			IKID:     item.InternalKey.ID,
			Ops:      ops,
		}

		b, err := json.Marshal(p)
		if err != nil {
			return "", "", "", fmt.Errorf("store: encoding apply work item: %w", err)
		}

		return correlationKey(item), "apply", string(b), nil

	default:
		return "", "", "", fmt.Errorf("store: unknown work item kind %v", item.Kind)
	}
}

func decodeWorkItem(kind, payload string) (model.WorkItem, error) {
	var p workItemPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return model.WorkItem{}, fmt.Errorf("store: decoding work item payload: %w", err)
	}

	switch kind {
	case "process":
		return model.WorkItem{
			Kind: model.WorkProcess,
			Notification: model.ChangeNotification{
				Entity:  idkey.EntityName(p.Entity),
				Source:  idkey.SourceName(p.Source),
				Foreign: p.Foreign,
			},
		}, nil

	case "apply":
		ops := make([]document.Op, len(p.Ops))

		for i, op := range p.Ops {
			k, err := parseOpKind(op.Kind)
			if err != nil {
				return model.WorkItem{}, err
			}

			ops[i] = document.Op{Kind: k, Path: document.NewPath(op.Path...), Value: op.Value}
		}

		return model.WorkItem{
			Kind:        model.WorkApply,
			DiffID:      model.DiffID(p.DiffID),
			InternalKey: idkey.InternalKey{Entity: idkey.EntityName(p.IKEntity), ID: p.IKID},
			Diff:        document.Diff[document.Unit]{Ops: ops},
		}, nil

	default:
		return model.WorkItem{}, fmt.Errorf("store: unknown work item kind %q", kind)
	}
}
