package record

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jacentio/wicker/store"
)

// Meta carries a record's store identity. Embed it in a record type and
// return it from the Meta method.
type Meta struct {
	ID  string
	Rev string
}

// Meta implements the Record interface for embedders.
func (m *Meta) Meta() *Meta {
	return m
}

// EnsureID assigns a client-side UUID when the record has no id yet, and
// returns the id either way.
func (m *Meta) EnsureID() string {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return m.ID
}

// Record is a typed record bindable to a document.
type Record interface {
	// Schema declares the record's fields.
	Schema() Schema

	// Fields returns the record's current field values by name.
	Fields() (map[string]any, error)

	// Apply sets the record's fields from coerced document values.
	Apply(fields map[string]any) error

	// Meta exposes the record's store identity, usually via an embedded
	// *Meta.
	Meta() *Meta
}

// Mapper moves records through a store client. It holds no cache and
// performs no retries; consistency behavior is entirely the client's.
type Mapper struct {
	client *store.Client
}

// NewMapper binds a mapper to a client.
func NewMapper(client *store.Client) *Mapper {
	return &Mapper{client: client}
}

// Save writes the record: an insert when it holds no revision, an update
// with the held revision otherwise. The record's id (client-assigned when
// absent) and advanced revision are written back into its Meta. A stale
// revision surfaces as store.ErrConflict; re-Load and retry is the caller's
// decision.
func (m *Mapper) Save(ctx context.Context, r Record) error {
	doc, err := recordDocument(r)
	if err != nil {
		return err
	}
	meta := r.Meta()
	if meta.Rev == "" {
		meta.EnsureID()
		doc.ID = meta.ID
		if err := m.client.Insert(ctx, doc); err != nil {
			return err
		}
	} else {
		if err := m.client.Update(ctx, doc); err != nil {
			return err
		}
	}
	meta.ID = doc.ID
	meta.Rev = doc.Rev
	return nil
}

// Load fetches the document with the given id and rehydrates it into r.
// Returns store.ErrNotFound exactly as the client does.
func (m *Mapper) Load(ctx context.Context, id string, r Record) error {
	doc, err := m.client.Get(ctx, id)
	if err != nil {
		return err
	}
	return applyDocument(r, doc)
}

// Find runs a query and rehydrates each result through newRecord.
func (m *Mapper) Find(ctx context.Context, q store.Query, newRecord func() Record) ([]Record, error) {
	docs, err := m.client.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		r := newRecord()
		if err := applyDocument(r, doc); err != nil {
			return nil, fmt.Errorf("document %q: %w", doc.ID, err)
		}
		records = append(records, r)
	}
	return records, nil
}

// FindOne returns the first match in store order, or store.ErrNotFound.
func (m *Mapper) FindOne(ctx context.Context, q store.Query, newRecord func() Record) (Record, error) {
	doc, err := m.client.FindOne(ctx, q)
	if err != nil {
		return nil, err
	}
	r := newRecord()
	if err := applyDocument(r, doc); err != nil {
		return nil, fmt.Errorf("document %q: %w", doc.ID, err)
	}
	return r, nil
}

// recordDocument serializes a record into a document carrying its identity.
func recordDocument(r Record) (*store.Document, error) {
	schema := r.Schema()
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	fields, err := r.Fields()
	if err != nil {
		return nil, err
	}
	encoded, err := encodeFields(schema, fields)
	if err != nil {
		return nil, err
	}
	meta := r.Meta()
	return &store.Document{ID: meta.ID, Rev: meta.Rev, Fields: encoded}, nil
}

// applyDocument rehydrates a record from a document.
func applyDocument(r Record, doc *store.Document) error {
	schema := r.Schema()
	if err := schema.Validate(); err != nil {
		return err
	}
	decoded, err := decodeFields(schema, doc.Fields)
	if err != nil {
		return err
	}
	if err := r.Apply(decoded); err != nil {
		return err
	}
	meta := r.Meta()
	meta.ID = doc.ID
	meta.Rev = doc.Rev
	return nil
}
