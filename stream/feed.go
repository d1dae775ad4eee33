// Package stream consumes the store's change feed as a resumable,
// pull-based event source.
//
// A Feed owns one long-lived feed connection plus a reader goroutine that
// parses events into a buffered channel; the caller pulls them one at a time
// with [Feed.Next]. Transport interruptions are handled internally: the feed
// reconnects with backoff and resumes from the last event it buffered, so no
// event after that point is ever skipped. The event at the resume boundary
// may be delivered twice — consumers must treat delivery as at-least-once.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jacentio/wicker/checkpoint"
	"github.com/jacentio/wicker/store"
)

// ErrFeedClosed is returned by Next after Close, or once a bounded feed has
// delivered its final event.
var ErrFeedClosed = errors.New("wicker: feed closed")

// State is the feed lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxRetries bounds consecutive failed reconnection attempts.
	DefaultMaxRetries = 10

	defaultBuffer    = 64
	defaultHeartbeat = 30 * time.Second

	// Feed lines can carry full document snapshots.
	maxLineBytes = 16 << 20
)

// Options parameterizes a subscription.
type Options struct {
	// Since resumes after the given sequence token. When empty and a named
	// checkpoint store is configured, the persisted token is used instead.
	Since string

	// Selector restricts the feed to matching documents. Mutually exclusive
	// with DocIDs.
	Selector store.Selector

	// DocIDs restricts the feed to the given ids.
	DocIDs []string

	// IncludeDocs attaches document snapshots to events.
	IncludeDocs bool

	// Limit bounds the subscription to this many events, zero for unbounded.
	// A bounded feed ends gracefully: buffered events drain before Next
	// reports ErrFeedClosed.
	Limit int

	// Heartbeat is the idle keepalive interval. A connection silent for well
	// past this interval is presumed dead and torn down for reconnection.
	// Default: 30s.
	Heartbeat time.Duration

	// Buffer is the event channel capacity. Default: 64.
	Buffer int

	// MaxRetries bounds consecutive failed reconnection attempts before the
	// feed fails terminally. Default: DefaultMaxRetries.
	MaxRetries uint64

	// Name and Checkpoints enable durable resumption: Commit persists the
	// last delivered token under Name, and Subscribe reads it back when
	// Since is empty.
	Name        string
	Checkpoints checkpoint.Store

	// Logger receives state transition logging. Default: slog.Default().
	Logger *slog.Logger
}

// Feed is one subscription to the change feed.
type Feed struct {
	client *store.Client
	opts   Options
	logger *slog.Logger

	state  atomic.Int32
	events chan store.ChangeEvent
	closed chan struct{}
	cancel context.CancelFunc

	closeOnce sync.Once

	mu        sync.Mutex
	resume    string // last token handed to the buffer; reconnection point
	delivered string // last token returned by Next; commit point
	termErr   error  // terminal failure, set before events is closed
}

// Subscribe opens a feed. The connection is established by a background
// goroutine; connection failures surface from Next once the retry bound is
// exhausted. The context governs the whole subscription: cancelling it is
// equivalent to Close.
func Subscribe(ctx context.Context, client *store.Client, opts Options) (*Feed, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: client is required", store.ErrValidation)
	}
	if opts.Selector != nil && len(opts.DocIDs) > 0 {
		return nil, fmt.Errorf("%w: selector and doc ids are mutually exclusive", store.ErrValidation)
	}
	if opts.Selector != nil {
		if err := opts.Selector.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Since == "" && opts.Checkpoints != nil && opts.Name != "" {
		token, err := opts.Checkpoints.Load(opts.Name)
		if err != nil {
			return nil, fmt.Errorf("wicker: load checkpoint %q: %w", opts.Name, err)
		}
		opts.Since = token
	}

	runCtx, cancel := context.WithCancel(ctx)
	f := &Feed{
		client: client,
		opts:   opts,
		logger: opts.Logger,
		events: make(chan store.ChangeEvent, opts.Buffer),
		closed: make(chan struct{}),
		cancel: cancel,
		resume: opts.Since,
	}
	f.state.Store(int32(StateIdle))
	go f.run(runCtx)
	return f, nil
}

// Next blocks until an event is available and returns it, advancing the
// feed's checkpoint. It returns ErrFeedClosed after Close (buffered events
// are dropped, never delivered) and after a bounded feed has drained; a
// terminal transport failure is returned once the buffer is drained.
func (f *Feed) Next(ctx context.Context) (store.ChangeEvent, error) {
	select {
	case <-f.closed:
		return store.ChangeEvent{}, ErrFeedClosed
	default:
	}
	select {
	case <-f.closed:
		return store.ChangeEvent{}, ErrFeedClosed
	case <-ctx.Done():
		return store.ChangeEvent{}, ctx.Err()
	case ev, ok := <-f.events:
		if !ok {
			if err := f.terminalErr(); err != nil {
				return store.ChangeEvent{}, err
			}
			return store.ChangeEvent{}, ErrFeedClosed
		}
		// Close may have raced the receive; dropping beats delivering after
		// cancellation.
		select {
		case <-f.closed:
			return store.ChangeEvent{}, ErrFeedClosed
		default:
		}
		f.mu.Lock()
		f.delivered = ev.Seq
		f.mu.Unlock()
		return ev, nil
	}
}

// Checkpoint returns the sequence token of the last event Next delivered.
func (f *Feed) Checkpoint() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered
}

// Commit persists the last delivered token to the configured checkpoint
// store. A feed without a named checkpoint store commits nowhere and
// returns nil.
func (f *Feed) Commit() error {
	if f.opts.Checkpoints == nil || f.opts.Name == "" {
		return nil
	}
	token := f.Checkpoint()
	if token == "" {
		return nil
	}
	if err := f.opts.Checkpoints.Save(f.opts.Name, token); err != nil {
		return fmt.Errorf("wicker: save checkpoint %q: %w", f.opts.Name, err)
	}
	return nil
}

// State returns the current lifecycle state.
func (f *Feed) State() State {
	return State(f.state.Load())
}

// Close cancels the subscription: the connection is released, the reader
// goroutine stops, and no further events are delivered, buffered or not.
// Close is idempotent.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.cancel()
		f.setState(StateClosed)
		f.logger.Info("change feed closed", "checkpoint", f.Checkpoint())
	})
}

func (f *Feed) terminalErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.termErr
}

// setState transitions the state unless the feed is already closed.
func (f *Feed) setState(s State) {
	for {
		cur := f.state.Load()
		if State(cur) == StateClosed && s != StateClosed {
			return
		}
		if f.state.CompareAndSwap(cur, int32(s)) {
			if State(cur) != s {
				f.logger.Debug("change feed state", "state", s.String())
			}
			return
		}
	}
}

func (f *Feed) resumeToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resume
}

// run drives the connect/stream/reconnect loop. It owns the events channel
// and closes it on return.
func (f *Feed) run(ctx context.Context) {
	defer close(f.events)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	var retries uint64
	remaining := f.opts.Limit
	connected := false

	for {
		if ctx.Err() != nil {
			return
		}
		if connected {
			f.setState(StateReconnecting)
		} else {
			f.setState(StateConnecting)
		}
		body, err := f.client.StreamChanges(ctx, store.ChangesOptions{
			Since:       f.resumeToken(),
			Selector:    f.opts.Selector,
			DocIDs:      f.opts.DocIDs,
			IncludeDocs: f.opts.IncludeDocs,
			Limit:       remaining,
			Heartbeat:   f.opts.Heartbeat,
		})
		if err == nil {
			connected = true
			f.setState(StateStreaming)
			f.logger.Info("change feed streaming", "since", f.resumeToken())

			var delivered int
			var done bool
			delivered, done, err = f.consume(ctx, body, &remaining)
			body.Close()
			if done {
				f.setState(StateClosed)
				f.logger.Info("change feed ended", "checkpoint", f.resumeToken())
				return
			}
			if delivered > 0 {
				retries = 0
				bo.Reset()
			}
		}
		if ctx.Err() != nil {
			return
		}

		retries++
		f.client.Metrics().ObserveFeedReconnect()
		if retries > f.opts.MaxRetries {
			f.fail(&store.TransportError{
				Op:  "changes",
				Err: fmt.Errorf("gave up after %d reconnect attempts: %w", retries-1, err),
			})
			return
		}
		wait := bo.NextBackOff()
		f.setState(StateReconnecting)
		f.logger.Warn("change feed interrupted",
			"error", err,
			"attempt", retries,
			"backoff", wait,
			"since", f.resumeToken(),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// consume reads one connection's worth of feed lines into the buffer.
// It returns done=true on a graceful end: the store's last_seq terminator,
// or the subscription limit being reached.
func (f *Feed) consume(ctx context.Context, body io.ReadCloser, remaining *int) (int, bool, error) {
	// A watchdog tears down connections that go silent past the heartbeat
	// interval, unblocking the scanner with a read error.
	watchdog := time.AfterFunc(2*f.opts.Heartbeat+5*time.Second, func() {
		body.Close()
	})
	defer watchdog.Stop()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	delivered := 0
	for scanner.Scan() {
		watchdog.Reset(2*f.opts.Heartbeat + 5*time.Second)
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			// heartbeat
			continue
		}
		ev, _, end, err := store.ParseFeedLine(line)
		if err != nil {
			return delivered, false, err
		}
		if end {
			return delivered, true, nil
		}
		select {
		case f.events <- ev:
			f.mu.Lock()
			f.resume = ev.Seq
			f.mu.Unlock()
			delivered++
			if f.opts.Limit > 0 {
				*remaining--
				if *remaining <= 0 {
					return delivered, true, nil
				}
			}
		case <-ctx.Done():
			return delivered, false, ctx.Err()
		}
	}
	err := scanner.Err()
	if err == nil {
		err = errors.New("connection closed mid-stream")
	}
	return delivered, false, err
}

// fail records a terminal error; Next surfaces it once the buffer drains.
func (f *Feed) fail(err error) {
	f.mu.Lock()
	f.termErr = err
	f.mu.Unlock()
	f.setState(StateClosed)
	f.logger.Error("change feed failed", "error", err)
}
