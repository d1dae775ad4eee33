package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Client talks to one database of the store. All methods are safe for
// concurrent use; the client holds no per-document state.
type Client struct {
	base    *url.URL
	http    *http.Client
	stream  *http.Client
	auth    Authenticator
	logger  *slog.Logger
	metrics *Metrics
}

// New validates the config and builds a client. No network call is made;
// connectivity surfaces on the first operation.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/") + "/" + url.PathEscape(cfg.Database))
	if err != nil {
		return nil, validationf("endpoint %q: %v", cfg.Endpoint, err)
	}
	return &Client{
		base:    base,
		http:    cfg.HTTPClient,
		stream:  cfg.StreamClient,
		auth:    cfg.authenticator(),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Metrics returns the metrics sink, or nil when metrics are disabled.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// writeResult is the store's response to a successful mutation.
type writeResult struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

// Get fetches the current revision of a document. Returns ErrNotFound when
// the id is unknown, tombstoned or purged.
func (c *Client) Get(ctx context.Context, id string) (*Document, error) {
	if id == "" {
		return nil, validationf("get: id is required")
	}
	var doc Document
	if err := c.doJSON(ctx, "get", http.MethodGet, c.docPath(id), nil, nil, nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Insert stores a new document. The document must carry no revision; the id
// is assigned by the store when empty. On success the assigned id and the
// generation-1 revision are written back into doc. Returns ErrConflict when
// the id already exists.
func (c *Client) Insert(ctx context.Context, doc *Document) error {
	if doc == nil {
		return validationf("insert: document is required")
	}
	if doc.Rev != "" {
		return validationf("insert: revision must be empty")
	}
	if doc.Deleted {
		return validationf("insert: document is marked deleted")
	}
	var res writeResult
	var err error
	if doc.ID == "" {
		err = c.doJSON(ctx, "insert", http.MethodPost, "", nil, nil, doc, &res)
	} else {
		err = c.doJSON(ctx, "insert", http.MethodPut, c.docPath(doc.ID), nil, nil, doc, &res)
	}
	if err != nil {
		return err
	}
	doc.ID = res.ID
	doc.Rev = res.Rev
	c.logger.Debug("document inserted", "id", doc.ID, "rev", doc.Rev)
	return nil
}

// Update replaces a document. The document must carry its id and the current
// revision; the advanced revision is written back into doc on success.
// A stale revision returns ErrConflict and is never retried here: retrying
// without a re-fetch would silently discard the intervening write, so the
// retry decision belongs to the caller.
func (c *Client) Update(ctx context.Context, doc *Document) error {
	if doc == nil {
		return validationf("update: document is required")
	}
	if doc.ID == "" {
		return validationf("update: id is required")
	}
	if doc.Rev == "" {
		return validationf("update: revision is required")
	}
	var res writeResult
	if err := c.doJSON(ctx, "update", http.MethodPut, c.docPath(doc.ID), nil, nil, doc, &res); err != nil {
		return err
	}
	doc.Rev = res.Rev
	c.logger.Debug("document updated", "id", doc.ID, "rev", doc.Rev)
	return nil
}

// Delete tombstones a document. Same revision precondition as Update. On
// success doc carries the tombstone revision and Deleted is set; the id
// remains enumerable in the deleted-set until purged.
func (c *Client) Delete(ctx context.Context, doc *Document) error {
	if doc == nil {
		return validationf("delete: document is required")
	}
	if doc.ID == "" {
		return validationf("delete: id is required")
	}
	if doc.Rev == "" {
		return validationf("delete: revision is required")
	}
	headers := http.Header{"If-Match": []string{doc.Rev}}
	var res writeResult
	if err := c.doJSON(ctx, "delete", http.MethodDelete, c.docPath(doc.ID), nil, headers, nil, &res); err != nil {
		return err
	}
	doc.Rev = res.Rev
	doc.Deleted = true
	c.logger.Debug("document deleted", "id", doc.ID, "rev", doc.Rev)
	return nil
}

// docPath escapes a document id for use as a path segment.
func (c *Client) docPath(id string) string {
	return url.PathEscape(id)
}

// endpoint joins a path segment (already escaped) and query onto the
// database URL. String concatenation keeps pre-escaped ids intact.
func (c *Client) endpoint(path string, query url.Values) string {
	u := c.base.String()
	if path != "" {
		u += "/" + path
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// newRequest builds an authenticated JSON request. A nil body sends no
// payload.
func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, headers http.Header, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.auth != nil {
		c.auth.Apply(req)
	}
	return req, nil
}

// doJSON performs a unary request and decodes the response into out (when
// non-nil). Error responses become *RemoteError; network failures become
// *TransportError.
func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, headers http.Header, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, headers, body)
	if err != nil {
		c.metrics.observeOp(op, err)
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		err = &TransportError{Op: op, Err: err}
		c.metrics.observeOp(op, err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		err = remoteError(resp)
		c.metrics.observeOp(op, err)
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			err = &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
			c.metrics.observeOp(op, err)
			return err
		}
	}
	c.metrics.observeOp(op, nil)
	return nil
}

// remoteError decodes the store's error body ({"error": ..., "reason": ...}).
func remoteError(resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	// A best-effort decode: an unreadable body still yields the status code.
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	return &RemoteError{
		StatusCode: resp.StatusCode,
		Code:       body.Error,
		Reason:     body.Reason,
	}
}
