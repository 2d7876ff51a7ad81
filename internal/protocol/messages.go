package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/retcon-sync/retcon/internal/document"
	"github.com/retcon-sync/retcon/internal/idkey"
	"github.com/retcon-sync/retcon/internal/model"
)

// ErrBadFraming and ErrDecodeFailure classify a malformed request body
// (spec §7 ProtocolError, §4.7 error codes 1 and 2). internal/server maps
// these to the wire ErrorCode via Classify.
var (
	ErrBadFraming    = errors.New("protocol: bad framing")
	ErrDecodeFailure = errors.New("protocol: decode failure")
)

// Classify maps a decode error produced by this package to the wire error
// code spec §4.7 assigns it.
func Classify(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrBadFraming):
		return ErrCodeBadFraming
	case errors.Is(err, ErrDecodeFailure):
		return ErrCodeDecodeFailure
	default:
		return ErrCodeUnknown
	}
}

// wireOp is the JSON shape of a document.Op on the wire.
type wireOp struct {
	Kind  string              `json:"kind"`
	Path  document.DocumentPath `json:"path"`
	Value string              `json:"value"`
}

func toWireOp(op document.Op) wireOp {
	return wireOp{Kind: op.Kind.String(), Path: op.Path, Value: op.Value}
}

func (w wireOp) toOp() (document.Op, error) {
	var kind document.OpKind

	switch w.Kind {
	case "insert":
		kind = document.OpInsert
	case "delete":
		kind = document.OpDelete
	default:
		return document.Op{}, fmt.Errorf("%w: unknown op kind %q", ErrDecodeFailure, w.Kind)
	}

	return document.Op{Kind: kind, Path: w.Path, Value: w.Value}, nil
}

// wireEntry is the JSON shape of one Document path/value pair on the wire.
type wireEntry struct {
	Path  document.DocumentPath `json:"path"`
	Value string              `json:"value"`
}

// wireDocument is the JSON shape of a document.Document on the wire (spec
// §6: "Documents ... serialised as JSON inside a length-prefixed byte
// string"). A nil Document (no initial document yet recorded) encodes as
// a null entries list.
type wireDocument struct {
	Entries []wireEntry `json:"entries"`
}

func toWireDocument(doc *document.Document) wireDocument {
	if doc == nil {
		return wireDocument{}
	}

	entries := make([]wireEntry, 0, doc.Len())

	for _, p := range doc.Paths() {
		v, _ := doc.Get(p)
		entries = append(entries, wireEntry{Path: p, Value: v})
	}

	return wireDocument{Entries: entries}
}

func (w wireDocument) toDocument() *document.Document {
	doc := document.New()

	for _, e := range w.Entries {
		doc.Set(e.Path, e.Value)
	}

	return doc
}

// EncodeChangeRequest encodes a CHANGE request body: (EntityName,
// SourceName, ForeignID) as three length-prefixed strings (spec §4.7).
func EncodeChangeRequest(n model.ChangeNotification) []byte {
	w := &bodyWriter{}
	w.writeString(string(n.Entity))
	w.writeString(string(n.Source))
	w.writeString(n.Foreign)

	return w.bytes()
}

// DecodeChangeRequest decodes a CHANGE request body.
func DecodeChangeRequest(body []byte) (model.ChangeNotification, error) {
	r := newBodyReader(body)

	entity, err := r.readString()
	if err != nil {
		return model.ChangeNotification{}, err
	}

	source, err := r.readString()
	if err != nil {
		return model.ChangeNotification{}, err
	}

	foreign, err := r.readString()
	if err != nil {
		return model.ChangeNotification{}, err
	}

	if !r.atEOF() {
		return model.ChangeNotification{}, fmt.Errorf("%w: trailing bytes in CHANGE request", ErrBadFraming)
	}

	return model.ChangeNotification{
		Entity: idkey.EntityName(entity),
		Source: idkey.SourceName(source),
		Foreign: foreign,
	}, nil
}

// EncodeResolveRequest encodes a RESOLVE request body: (DiffID, [DiffOpID])
// as an int64 followed by a count-prefixed list of int64s (spec §4.7).
func EncodeResolveRequest(diffID model.DiffID, opIDs []model.DiffOpID) []byte {
	w := &bodyWriter{}
	w.writeInt64(int64(diffID))
	w.writeUint32(uint32(len(opIDs)))

	for _, id := range opIDs {
		w.writeInt64(int64(id))
	}

	return w.bytes()
}

// DecodeResolveRequest decodes a RESOLVE request body.
func DecodeResolveRequest(body []byte) (model.DiffID, []model.DiffOpID, error) {
	r := newBodyReader(body)

	diffID, err := r.readInt64()
	if err != nil {
		return 0, nil, err
	}

	n, err := r.readUint32()
	if err != nil {
		return 0, nil, err
	}

	ids := make([]model.DiffOpID, n)

	for i := range ids {
		id, err := r.readInt64()
		if err != nil {
			return 0, nil, err
		}

		ids[i] = model.DiffOpID(id)
	}

	if !r.atEOF() {
		return 0, nil, fmt.Errorf("%w: trailing bytes in RESOLVE request", ErrBadFraming)
	}

	return model.DiffID(diffID), ids, nil
}

// wireDiffOp pairs a persisted op with its ID and acceptance (spec §4.7:
// "[(DiffOpID, DiffOp)]").
type wireDiffOp struct {
	ID       int64  `json:"id"`
	Op       wireOp `json:"op"`
	Accepted bool   `json:"accepted"`
}

// wireConflict is the JSON shape of one LIST_CONFLICTS entry: (Document,
// Diff, DiffID, [(DiffOpID, DiffOp)]). Diff is carried implicitly as the
// Ops list — every op in the persisted diff, tagged with its DiffOpID and
// acceptance, from which a client derives both the full diff and the
// unresolved subset it may RESOLVE against.
type wireConflict struct {
	DiffID int64        `json:"diff_id"`
	Entity string       `json:"entity"`
	KeyID  uint64       `json:"key_id"`
	Doc    wireDocument `json:"document"`
	Ops    []wireDiffOp `json:"ops"`
	Cause  string       `json:"cause"`
}

// EncodeListConflictsResponse encodes the LIST_CONFLICTS response body: the
// full conflict list as one length-prefixed JSON array (spec §4.7, §6).
func EncodeListConflictsResponse(records []model.ConflictRecord) ([]byte, error) {
	wire := make([]wireConflict, len(records))

	for i, rec := range records {
		ops := make([]wireDiffOp, len(rec.Ops))
		for j, op := range rec.Ops {
			ops[j] = wireDiffOp{ID: int64(op.ID), Op: toWireOp(op.Op), Accepted: op.Accepted}
		}

		wire[i] = wireConflict{
			DiffID: int64(rec.DiffID),
			Entity: string(rec.InternalKey.Entity),
			KeyID:  rec.InternalKey.ID,
			Doc:    toWireDocument(rec.Document),
			Ops:    ops,
			Cause:  string(rec.Cause),
		}
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling conflict list: %w", ErrDecodeFailure, err)
	}

	w := &bodyWriter{}
	w.writeBytes(payload)

	return w.bytes(), nil
}

// EncodeConflictJSON renders a single ConflictRecord as a standalone JSON
// object, for the additive websocket watch feed (SPEC_FULL.md §4.7) rather
// than the framed request/reply body EncodeListConflictsResponse produces.
func EncodeConflictJSON(rec model.ConflictRecord) ([]byte, error) {
	ops := make([]wireDiffOp, len(rec.Ops))
	for i, op := range rec.Ops {
		ops[i] = wireDiffOp{ID: int64(op.ID), Op: toWireOp(op.Op), Accepted: op.Accepted}
	}

	wc := wireConflict{
		DiffID: int64(rec.DiffID),
		Entity: string(rec.InternalKey.Entity),
		KeyID:  rec.InternalKey.ID,
		Doc:    toWireDocument(rec.Document),
		Ops:    ops,
		Cause:  string(rec.Cause),
	}

	payload, err := json.Marshal(wc)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling conflict event: %w", ErrDecodeFailure, err)
	}

	return payload, nil
}

// DecodeListConflictsResponse decodes a LIST_CONFLICTS response body.
func DecodeListConflictsResponse(body []byte) ([]model.ConflictRecord, error) {
	r := newBodyReader(body)

	payload, err := r.readBytes()
	if err != nil {
		return nil, err
	}

	if !r.atEOF() {
		return nil, fmt.Errorf("%w: trailing bytes in LIST_CONFLICTS response", ErrBadFraming)
	}

	var wire []wireConflict

	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling conflict list: %w", ErrDecodeFailure, err)
	}

	out := make([]model.ConflictRecord, len(wire))

	for i, wc := range wire {
		ops := make([]model.DiffOpRecord, len(wc.Ops))

		for j, wop := range wc.Ops {
			op, err := wop.Op.toOp()
			if err != nil {
				return nil, err
			}

			ops[j] = model.DiffOpRecord{ID: model.DiffOpID(wop.ID), Op: op, Accepted: wop.Accepted}
		}

		out[i] = model.ConflictRecord{
			DiffID:      model.DiffID(wc.DiffID),
			InternalKey: idkey.InternalKey{Entity: idkey.EntityName(wc.Entity), ID: wc.KeyID},
			Document:    wc.Doc.toDocument(),
			Ops:         ops,
			Cause:       model.ConflictCause(wc.Cause),
		}
	}

	return out, nil
}
