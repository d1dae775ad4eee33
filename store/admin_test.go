package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jacentio/wicker/store"
)

func TestSetRevsLimit(t *testing.T) {
	client, srv := newTestClient(t)

	if err := client.SetRevsLimit(context.Background(), 25); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := srv.RevsLimit(); got != 25 {
		t.Errorf("expected revs limit 25, got %d", got)
	}

	if err := client.SetRevsLimit(context.Background(), 0); !errors.Is(err, store.ErrValidation) {
		t.Errorf("expected ErrValidation for non-positive limit, got %v", err)
	}
}

func TestCompactAndViewCleanup(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()

	if err := client.Compact(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.ViewCleanup(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.Compactions() != 1 {
		t.Errorf("expected 1 compaction, got %d", srv.Compactions())
	}
	if srv.Cleanups() != 1 {
		t.Errorf("expected 1 cleanup, got %d", srv.Cleanups())
	}
}

func TestPurgeErasesTombstones(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	keep := &store.Document{ID: "keep", Fields: map[string]any{}}
	drop := &store.Document{ID: "drop", Fields: map[string]any{}}
	for _, doc := range []*store.Document{keep, drop} {
		if err := client.Insert(ctx, doc); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := client.Delete(ctx, drop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deleted, err := client.DeletedDocs(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := deleted["drop"]; !ok {
		t.Fatalf("expected drop in deleted-set, got %v", deleted)
	}
	if _, ok := deleted["keep"]; ok {
		t.Errorf("expected keep to stay out of the deleted-set")
	}

	purged, err := client.Purge(ctx, deleted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(purged["drop"]) != 1 {
		t.Errorf("expected drop purged, got %v", purged)
	}

	// Purge erases the id from the deleted-set, unlike delete.
	after, err := client.DeletedDocs(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(after) != 0 {
		t.Errorf("expected empty deleted-set after purge, got %v", after)
	}
}

func TestPurgeAllSkipsNetworkWhenNothingDeleted(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	doc := &store.Document{ID: "live", Fields: map[string]any{}}
	if err := client.Insert(ctx, doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	purged, err := client.PurgeAll(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(purged) != 0 {
		t.Errorf("expected nothing purged, got %v", purged)
	}

	if _, err := client.Get(ctx, "live"); err != nil {
		t.Errorf("expected live document untouched, got %v", err)
	}
}
