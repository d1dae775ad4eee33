package store

import (
	"encoding/json"
	"strings"
)

// Reserved wire field names. Fields may not use underscore-prefixed names;
// the codec owns them.
const (
	fieldID      = "_id"
	fieldRev     = "_rev"
	fieldDeleted = "_deleted"
)

// Document is a revisioned record: an identifier, an opaque revision token,
// and an open field mapping. On the wire the identifier, revision and
// tombstone flag travel inside the JSON object as "_id", "_rev" and
// "_deleted"; the codec merges and splits them so Fields never contains a
// reserved name.
type Document struct {
	// ID uniquely identifies the document. Assigned by the store on first
	// insert when empty, immutable thereafter.
	ID string

	// Rev is the opaque revision token ("<generation>-<hash>"). Required on
	// update and delete, must be empty on insert. Advanced in place by
	// successful mutations.
	Rev string

	// Deleted marks a tombstone. Set by Delete on success and by the codec
	// when decoding a tombstoned document.
	Deleted bool

	// Fields holds the document body. Keys must not start with "_".
	Fields map[string]any
}

// NewDocument builds a document around the given field mapping.
func NewDocument(fields map[string]any) *Document {
	if fields == nil {
		fields = map[string]any{}
	}
	return &Document{Fields: fields}
}

// Clone returns a shallow copy with its own Fields map.
func (d *Document) Clone() *Document {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	return &Document{ID: d.ID, Rev: d.Rev, Deleted: d.Deleted, Fields: fields}
}

// MarshalJSON merges ID, Rev and Deleted into the field mapping as the
// reserved wire fields. Fields with underscore-prefixed names are rejected.
func (d *Document) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(d.Fields)+3)
	for k, v := range d.Fields {
		if strings.HasPrefix(k, "_") {
			return nil, validationf("field %q: underscore-prefixed names are reserved", k)
		}
		body[k] = v
	}
	if d.ID != "" {
		body[fieldID] = d.ID
	}
	if d.Rev != "" {
		body[fieldRev] = d.Rev
	}
	if d.Deleted {
		body[fieldDeleted] = true
	}
	return json.Marshal(body)
}

// UnmarshalJSON splits the reserved wire fields back out of the object.
// Unknown underscore-prefixed fields (attachment stubs, conflict lists) are
// dropped rather than surfaced in Fields.
func (d *Document) UnmarshalJSON(data []byte) error {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	d.ID = ""
	d.Rev = ""
	d.Deleted = false
	d.Fields = make(map[string]any, len(body))
	for k, v := range body {
		switch {
		case k == fieldID:
			if s, ok := v.(string); ok {
				d.ID = s
			}
		case k == fieldRev:
			if s, ok := v.(string); ok {
				d.Rev = s
			}
		case k == fieldDeleted:
			if b, ok := v.(bool); ok {
				d.Deleted = b
			}
		case strings.HasPrefix(k, "_"):
			// dropped
		default:
			d.Fields[k] = v
		}
	}
	return nil
}
