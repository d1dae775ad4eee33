package stream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jacentio/wicker/checkpoint"
	"github.com/jacentio/wicker/store"
	"github.com/jacentio/wicker/storetest"
	"github.com/jacentio/wicker/stream"
)

func newFeedClient(t *testing.T) (*store.Client, *storetest.Server) {
	t.Helper()
	srv := storetest.New()
	t.Cleanup(srv.Close)
	client, err := store.New(srv.Config("testdb"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return client, srv
}

func insertDoc(t *testing.T, client *store.Client, id string, fields map[string]any) *store.Document {
	t.Helper()
	doc := &store.Document{ID: id, Fields: fields}
	if err := client.Insert(context.Background(), doc); err != nil {
		t.Fatalf("unexpected error inserting %s: %v", id, err)
	}
	return doc
}

func nextEvent(t *testing.T, f *stream.Feed) store.ChangeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := f.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error from Next: %v", err)
	}
	return ev
}

func TestFeedDeliversEventsInOrder(t *testing.T) {
	client, _ := newFeedClient(t)
	insertDoc(t, client, "before", map[string]any{"n": 1})

	feed, err := stream.Subscribe(context.Background(), client, stream.Options{
		Heartbeat: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.Close()

	ev := nextEvent(t, feed)
	if ev.ID != "before" {
		t.Errorf("expected historical event first, got %q", ev.ID)
	}
	if ev.Seq == "" || ev.Rev == "" {
		t.Errorf("expected seq and rev on event, got %q/%q", ev.Seq, ev.Rev)
	}

	insertDoc(t, client, "after", map[string]any{"n": 2})
	ev = nextEvent(t, feed)
	if ev.ID != "after" {
		t.Errorf("expected live event, got %q", ev.ID)
	}
	if feed.Checkpoint() != ev.Seq {
		t.Errorf("expected checkpoint %q, got %q", ev.Seq, feed.Checkpoint())
	}
	if feed.State() != stream.StateStreaming {
		t.Errorf("expected streaming state, got %v", feed.State())
	}
}

func TestFeedDeletedFlag(t *testing.T) {
	client, _ := newFeedClient(t)
	doc := insertDoc(t, client, "victim", map[string]any{})
	if err := client.Delete(context.Background(), doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	feed, err := stream.Subscribe(context.Background(), client, stream.Options{
		Heartbeat: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.Close()

	ev := nextEvent(t, feed)
	if ev.ID != "victim" || !ev.Deleted {
		t.Errorf("expected tombstone event for victim, got %+v", ev)
	}
}

func TestFeedIncludeDocs(t *testing.T) {
	client, _ := newFeedClient(t)
	insertDoc(t, client, "snap", map[string]any{"payload": "here"})

	feed, err := stream.Subscribe(context.Background(), client, stream.Options{
		IncludeDocs: true,
		Heartbeat:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.Close()

	ev := nextEvent(t, feed)
	if ev.Doc == nil {
		t.Fatal("expected document snapshot on event")
	}
	if ev.Doc.Fields["payload"] != "here" {
		t.Errorf("expected snapshot payload, got %v", ev.Doc.Fields)
	}
}

func TestFeedDocIDFilter(t *testing.T) {
	client, _ := newFeedClient(t)
	insertDoc(t, client, "wanted", map[string]any{})
	insertDoc(t, client, "ignored", map[string]any{})
	insertDoc(t, client, "wanted-2", map[string]any{})

	feed, err := stream.Subscribe(context.Background(), client, stream.Options{
		DocIDs:    []string{"wanted", "wanted-2"},
		Heartbeat: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.Close()

	if ev := nextEvent(t, feed); ev.ID != "wanted" {
		t.Errorf("expected wanted, got %q", ev.ID)
	}
	if ev := nextEvent(t, feed); ev.ID != "wanted-2" {
		t.Errorf("expected wanted-2, got %q", ev.ID)
	}
}

func TestFeedSelectorFilter(t *testing.T) {
	client, _ := newFeedClient(t)
	insertDoc(t, client, "o1", map[string]any{"kind": "order"})
	insertDoc(t, client, "i1", map[string]any{"kind": "invoice"})
	insertDoc(t, client, "o2", map[string]any{"kind": "order"})

	feed, err := stream.Subscribe(context.Background(), client, stream.Options{
		Selector:  store.Selector{"kind": "order"},
		Heartbeat: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.Close()

	if ev := nextEvent(t, feed); ev.ID != "o1" {
		t.Errorf("expected o1, got %q", ev.ID)
	}
	if ev := nextEvent(t, feed); ev.ID != "o2" {
		t.Errorf("expected o2, got %q", ev.ID)
	}
}

func TestFeedRejectsConflictingFilters(t *testing.T) {
	client, _ := newFeedClient(t)
	_, err := stream.Subscribe(context.Background(), client, stream.Options{
		Selector: store.Selector{"kind": "order"},
		DocIDs:   []string{"a"},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestFeedResumeFromCheckpointNoGap(t *testing.T) {
	client, _ := newFeedClient(t)
	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		insertDoc(t, client, id, map[string]any{})
	}

	first, err := stream.Subscribe(context.Background(), client, stream.Options{
		Heartbeat: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nextEvent(t, first)
	ev := nextEvent(t, first)
	checkpointToken := ev.Seq
	first.Close()

	resumed, err := stream.Subscribe(context.Background(), client, stream.Options{
		Since:     checkpointToken,
		Heartbeat: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resumed.Close()

	if ev := nextEvent(t, resumed); ev.ID != "e3" {
		t.Errorf("expected resumption at e3, got %q", ev.ID)
	}
	if ev := nextEvent(t, resumed); ev.ID != "e4" {
		t.Errorf("expected e4 next, got %q", ev.ID)
	}
}

func TestFeedReconnectsWithoutSkipping(t *testing.T) {
	client, srv := newFeedClient(t)
	ids := []string{"r1", "r2", "r3", "r4", "r5"}
	for _, id := range ids {
		insertDoc(t, client, id, map[string]any{})
	}
	// The first connection dies abruptly after two events; the feed must
	// resume from its last buffered position.
	srv.DropStreamAfter(2)

	feed, err := stream.Subscribe(context.Background(), client, stream.Options{
		Heartbeat: 100 * time.Millisecond,
		Buffer:    1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.Close()

	seen := map[string]bool{}
	for range ids {
		ev := nextEvent(t, feed)
		seen[ev.ID] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("expected event for %s after reconnect, got %v", id, seen)
		}
	}
}

func TestFeedLimitEndsGracefully(t *testing.T) {
	client, _ := newFeedClient(t)
	for _, id := range []string{"l1", "l2", "l3", "l4"} {
		insertDoc(t, client, id, map[string]any{})
	}

	feed, err := stream.Subscribe(context.Background(), client, stream.Options{
		Limit:     3,
		Heartbeat: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.Close()

	for _, want := range []string{"l1", "l2", "l3"} {
		if ev := nextEvent(t, feed); ev.ID != want {
			t.Errorf("expected %s, got %q", want, ev.ID)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := feed.Next(ctx); !errors.Is(err, stream.ErrFeedClosed) {
		t.Errorf("expected ErrFeedClosed after limit, got %v", err)
	}
	if feed.State() != stream.StateClosed {
		t.Errorf("expected closed state, got %v", feed.State())
	}
}

func TestFeedCloseDropsBufferedEvents(t *testing.T) {
	client, _ := newFeedClient(t)

	feed, err := stream.Subscribe(context.Background(), client, stream.Options{
		Heartbeat: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Prove the stream is flowing, then let further events buffer.
	insertDoc(t, client, "first", map[string]any{})
	nextEvent(t, feed)
	insertDoc(t, client, "buffered-1", map[string]any{})
	insertDoc(t, client, "buffered-2", map[string]any{})
	time.Sleep(200 * time.Millisecond)

	feed.Close()
	feed.Close() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := feed.Next(ctx); !errors.Is(err, stream.ErrFeedClosed) {
		t.Errorf("expected ErrFeedClosed, got %v", err)
	}
	if feed.State() != stream.StateClosed {
		t.Errorf("expected closed state, got %v", feed.State())
	}
}

func TestFeedCommitPersistsAndResumes(t *testing.T) {
	client, _ := newFeedClient(t)
	checkpoints := checkpoint.NewMemStore()
	for _, id := range []string{"c1", "c2", "c3"} {
		insertDoc(t, client, id, map[string]any{})
	}

	feed, err := stream.Subscribe(context.Background(), client, stream.Options{
		Name:        "consumer",
		Checkpoints: checkpoints,
		Heartbeat:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nextEvent(t, feed)
	nextEvent(t, feed)
	if err := feed.Commit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	feed.Close()

	resumed, err := stream.Subscribe(context.Background(), client, stream.Options{
		Name:        "consumer",
		Checkpoints: checkpoints,
		Heartbeat:   100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resumed.Close()
	if ev := nextEvent(t, resumed); ev.ID != "c3" {
		t.Errorf("expected resumption at c3, got %q", ev.ID)
	}
}

func TestFeedCommitWithoutStoreIsNoop(t *testing.T) {
	client, _ := newFeedClient(t)
	feed, err := stream.Subscribe(context.Background(), client, stream.Options{
		Heartbeat: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.Close()
	if err := feed.Commit(); err != nil {
		t.Errorf("expected nil from checkpoint-less commit, got %v", err)
	}
}

func TestFeedTerminalErrorAfterRetryBound(t *testing.T) {
	client, err := store.New(store.Config{
		Endpoint: "http://127.0.0.1:1", // nothing listens here
		Database: "testdb",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	feed, err := stream.Subscribe(context.Background(), client, stream.Options{
		MaxRetries: 1,
		Heartbeat:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = feed.Next(ctx)
	var transport *store.TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected terminal *TransportError, got %v", err)
	}
}

func TestFeedContextCancelStopsDelivery(t *testing.T) {
	client, _ := newFeedClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	feed, err := stream.Subscribe(ctx, client, stream.Options{
		Heartbeat: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer feed.Close()

	insertDoc(t, client, "x", map[string]any{})
	nextEvent(t, feed)

	cancel()
	nextCtx, nextCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer nextCancel()
	insertDoc(t, client, "y", map[string]any{})
	if _, err := feed.Next(nextCtx); err == nil {
		t.Error("expected no delivery after subscription context cancel")
	}
}
