package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ChangeEvent is one entry of the change feed: a document mutation with the
// sequence token that positions it in the feed. Seq is opaque and
// monotonically ordered per store; it doubles as the resumption checkpoint.
type ChangeEvent struct {
	Seq     string
	ID      string
	Rev     string
	Deleted bool

	// Doc is the document snapshot, present only when the feed was opened
	// with IncludeDocs.
	Doc *Document
}

// UnmarshalJSON decodes the store's changes row shape:
// {"seq": ..., "id": ..., "changes": [{"rev": ...}], "deleted": ..., "doc": ...}.
func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var row struct {
		Seq     json.RawMessage `json:"seq"`
		ID      string          `json:"id"`
		Changes []struct {
			Rev string `json:"rev"`
		} `json:"changes"`
		Deleted bool      `json:"deleted"`
		Doc     *Document `json:"doc"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	e.Seq = decodeSeq(row.Seq)
	e.ID = row.ID
	e.Rev = ""
	if len(row.Changes) > 0 {
		e.Rev = row.Changes[0].Rev
	}
	e.Deleted = row.Deleted
	e.Doc = row.Doc
	return nil
}

// decodeSeq tolerates both string and numeric sequence tokens.
func decodeSeq(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

// ChangesOptions parameterizes a changes request. Selector and DocIDs are
// mutually exclusive filters.
type ChangesOptions struct {
	// Since resumes the feed after the given sequence token. Empty starts
	// from the beginning; "now" skips history.
	Since string

	// Selector restricts the feed to documents matching the predicate.
	Selector Selector

	// DocIDs restricts the feed to the given document ids.
	DocIDs []string

	// IncludeDocs attaches the document snapshot to each event.
	IncludeDocs bool

	// Limit bounds the number of events, zero for unbounded.
	Limit int

	// Heartbeat makes the store emit an empty line at this interval while
	// the feed is idle, so dead connections are detectable. Streaming only.
	Heartbeat time.Duration
}

func (o *ChangesOptions) validate() error {
	if len(o.DocIDs) > 0 && o.Selector != nil {
		return validationf("changes: selector and doc ids are mutually exclusive")
	}
	if o.Selector != nil {
		if err := o.Selector.Validate(); err != nil {
			return err
		}
	}
	if o.Limit < 0 {
		return validationf("changes: limit must not be negative")
	}
	return nil
}

// request assembles the query string, filter body and method for a changes
// call. Filters ride in a JSON body, which requires POST.
func (o *ChangesOptions) request(continuous bool) (url.Values, any, string) {
	q := url.Values{}
	if continuous {
		q.Set("feed", "continuous")
		if o.Heartbeat > 0 {
			q.Set("heartbeat", strconv.FormatInt(o.Heartbeat.Milliseconds(), 10))
		}
	}
	if o.Since != "" {
		q.Set("since", o.Since)
	}
	if o.IncludeDocs {
		q.Set("include_docs", "true")
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	var body any
	method := http.MethodGet
	switch {
	case o.Selector != nil:
		q.Set("filter", "_selector")
		body = map[string]any{"selector": o.Selector}
		method = http.MethodPost
	case len(o.DocIDs) > 0:
		q.Set("filter", "_doc_ids")
		body = map[string]any{"doc_ids": o.DocIDs}
		method = http.MethodPost
	}
	return q, body, method
}

// StreamChanges opens a continuous changes feed and returns the raw response
// body: newline-delimited JSON events interleaved with blank heartbeat
// lines, terminated by a {"last_seq": ...} line when the store ends the feed.
// The caller owns the body and must close it; closing is the only way to
// release the connection. Most callers want the stream package instead.
func (c *Client) StreamChanges(ctx context.Context, opts ChangesOptions) (io.ReadCloser, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	q, body, method := opts.request(true)
	req, err := c.newRequest(ctx, method, "_changes", q, nil, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "changes", Err: err}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, remoteError(resp)
	}
	c.logger.Debug("change feed opened", "since", opts.Since)
	return resp.Body, nil
}

// Changes runs a one-shot (non-streaming) changes request and returns the
// events plus the sequence token to resume from.
func (c *Client) Changes(ctx context.Context, opts ChangesOptions) ([]ChangeEvent, string, error) {
	if err := opts.validate(); err != nil {
		return nil, "", err
	}
	q, body, method := opts.request(false)
	var res struct {
		Results []ChangeEvent   `json:"results"`
		LastSeq json.RawMessage `json:"last_seq"`
	}
	if err := c.doJSON(ctx, "changes", method, "_changes", q, nil, body, &res); err != nil {
		return nil, "", err
	}
	return res.Results, decodeSeq(res.LastSeq), nil
}

// lastSeqLine matches the terminator row of a continuous feed.
type lastSeqLine struct {
	LastSeq json.RawMessage `json:"last_seq"`
}

// ParseFeedLine decodes one non-blank line of a continuous feed body.
// It returns either an event or, for the terminator line, the final
// sequence token with done set.
func ParseFeedLine(line []byte) (ev ChangeEvent, lastSeq string, done bool, err error) {
	var tail lastSeqLine
	if err := json.Unmarshal(line, &tail); err == nil && len(tail.LastSeq) > 0 {
		return ChangeEvent{}, decodeSeq(tail.LastSeq), true, nil
	}
	if err := json.Unmarshal(line, &ev); err != nil {
		return ChangeEvent{}, "", false, fmt.Errorf("wicker: malformed feed line: %w", err)
	}
	return ev, "", false, nil
}
