package store

import (
	"encoding/json"
	"fmt"

	"github.com/retcon-sync/retcon/internal/document"
)

// encodePath renders a DocumentPath as a JSON array of segments, the
// canonical on-disk form for the path column in initial_document_entries
// and diff_ops.
func encodePath(p document.DocumentPath) string {
	b, err := json.Marshal([]string(p))
	if err != nil {
		// []string always marshals; a failure here means a segment isn't
		// valid UTF-8, which the algebra boundary already rejects.
		panic(fmt.Sprintf("store: encoding path: %v", err))
	}

	return string(b)
}

// decodePath parses the JSON array form back into a DocumentPath.
func decodePath(s string) (document.DocumentPath, error) {
	var segs []string

	if err := json.Unmarshal([]byte(s), &segs); err != nil {
		return nil, fmt.Errorf("store: decoding path %q: %w", s, err)
	}

	return document.NewPath(segs...), nil
}

// opKindString / parseOpKind render document.OpKind to/from the diff_ops
// "kind" column.
func opKindString(k document.OpKind) string {
	if k == document.OpDelete {
		return "delete"
	}

	return "insert"
}

func parseOpKind(s string) (document.OpKind, error) {
	switch s {
	case "insert":
		return document.OpInsert, nil
	case "delete":
		return document.OpDelete, nil
	default:
		return 0, fmt.Errorf("store: unknown op kind %q", s)
	}
}
