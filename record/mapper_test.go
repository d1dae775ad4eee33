package record_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jacentio/wicker/internal/revision"
	"github.com/jacentio/wicker/record"
	"github.com/jacentio/wicker/store"
	"github.com/jacentio/wicker/storetest"
)

// Order is a typed record used across the mapper tests.
type Order struct {
	record.Meta
	Number  string
	Qty     int64
	Placed  time.Time
	Note    string
	HasNote bool
}

func (o *Order) Schema() record.Schema {
	return record.Schema{Fields: []record.Field{
		{Name: "number", Kind: record.KindString},
		{Name: "qty", Kind: record.KindInt},
		{Name: "placed", Kind: record.KindTime},
		{Name: "note", Kind: record.KindString, Optional: true},
	}}
}

func (o *Order) Fields() (map[string]any, error) {
	fields := map[string]any{
		"number": o.Number,
		"qty":    o.Qty,
		"placed": o.Placed,
	}
	if o.HasNote {
		fields["note"] = o.Note
	}
	return fields, nil
}

func (o *Order) Apply(fields map[string]any) error {
	o.Number, _ = fields["number"].(string)
	o.Qty, _ = fields["qty"].(int64)
	o.Placed, _ = fields["placed"].(time.Time)
	o.Note, o.HasNote = fields["note"].(string)
	return nil
}

func newMapper(t *testing.T) (*record.Mapper, *store.Client) {
	t.Helper()
	srv := storetest.New()
	t.Cleanup(srv.Close)
	client, err := store.New(srv.Config("testdb"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return record.NewMapper(client), client
}

func TestSaveLoadRoundTrip(t *testing.T) {
	mapper, _ := newMapper(t)
	ctx := context.Background()

	placed := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	order := &Order{Number: "ord-1", Qty: 4, Placed: placed}
	if err := mapper.Save(ctx, order); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.ID == "" {
		t.Error("expected client-assigned id")
	}
	if revision.Generation(order.Rev) != 1 {
		t.Errorf("expected generation 1, got %q", order.Rev)
	}

	loaded := &Order{}
	if err := mapper.Load(ctx, order.ID, loaded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Number != "ord-1" || loaded.Qty != 4 || !loaded.Placed.Equal(placed) {
		t.Errorf("expected round-tripped fields, got %+v", loaded)
	}
	if loaded.HasNote {
		t.Error("expected optional note to stay absent")
	}
	if loaded.ID != order.ID || loaded.Rev != order.Rev {
		t.Errorf("expected identity %s/%s, got %s/%s", order.ID, order.Rev, loaded.ID, loaded.Rev)
	}
}

func TestSaveUpdatesWithHeldRevision(t *testing.T) {
	mapper, _ := newMapper(t)
	ctx := context.Background()

	order := &Order{Number: "ord-2", Qty: 1, Placed: time.Now().UTC()}
	if err := mapper.Save(ctx, order); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	staleRev := order.Rev

	order.Qty = 2
	if err := mapper.Save(ctx, order); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if revision.Generation(order.Rev) != 2 {
		t.Errorf("expected generation 2, got %q", order.Rev)
	}

	// A second save with the consumed revision must conflict.
	stale := &Order{Number: "ord-2", Qty: 9, Placed: time.Now().UTC()}
	stale.ID = order.ID
	stale.Rev = staleRev
	if err := mapper.Save(ctx, stale); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestLoadUnknownID(t *testing.T) {
	mapper, _ := newMapper(t)
	if err := mapper.Load(context.Background(), "ghost", &Order{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMapperFind(t *testing.T) {
	mapper, _ := newMapper(t)
	ctx := context.Background()

	for i, qty := range []int64{2, 8, 5} {
		order := &Order{Number: "batch", Qty: qty, Placed: time.Now().UTC()}
		if err := mapper.Save(ctx, order); err != nil {
			t.Fatalf("unexpected error saving %d: %v", i, err)
		}
	}

	records, err := mapper.Find(ctx, store.Query{
		Selector: store.Selector{"qty": map[string]any{"$gte": float64(5)}},
	}, func() record.Record { return &Order{} })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(records))
	}
	for _, r := range records {
		order := r.(*Order)
		if order.Qty < 5 {
			t.Errorf("expected qty >= 5, got %d", order.Qty)
		}
		if order.ID == "" || order.Rev == "" {
			t.Errorf("expected populated identity, got %q/%q", order.ID, order.Rev)
		}
	}
}

func TestMapperFindOne(t *testing.T) {
	mapper, _ := newMapper(t)
	ctx := context.Background()

	order := &Order{Number: "solo", Qty: 1, Placed: time.Now().UTC()}
	if err := mapper.Save(ctx, order); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := mapper.FindOne(ctx, store.Query{
		Selector: store.Selector{"number": "solo"},
	}, func() record.Record { return &Order{} })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.(*Order).Number != "solo" {
		t.Errorf("expected solo, got %+v", got)
	}

	_, err = mapper.FindOne(ctx, store.Query{
		Selector: store.Selector{"number": "missing"},
	}, func() record.Record { return &Order{} })
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveRejectsUndeclaredFields(t *testing.T) {
	mapper, _ := newMapper(t)

	bad := &badRecord{}
	if err := mapper.Save(context.Background(), bad); !errors.Is(err, store.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

type badRecord struct {
	record.Meta
}

func (b *badRecord) Schema() record.Schema {
	return record.Schema{Fields: []record.Field{{Name: "known", Kind: record.KindString}}}
}

func (b *badRecord) Fields() (map[string]any, error) {
	return map[string]any{"known": "x", "unknown": "y"}, nil
}

func (b *badRecord) Apply(map[string]any) error { return nil }
