package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// BulkResult reports the outcome of one document in a batch. Entries align
// positionally with the input slice.
type BulkResult struct {
	// ID is the document id, including store-assigned ids for inserts.
	ID string

	// Rev is the advanced revision on success, empty on failure.
	Rev string

	// Err carries the per-document failure, nil on success. Conflicts match
	// errors.Is(err, ErrConflict).
	Err error
}

// bulkRow is one entry of the store's _bulk_docs response.
type bulkRow struct {
	ID     string `json:"id"`
	Rev    string `json:"rev"`
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// BulkSave submits a batch of mutations in one round trip. Inserts, updates
// and deletes are distinguished by the presence of Rev and Deleted on each
// document, exactly as in the single-document operations.
//
// Each document succeeds or fails independently: the returned slice has one
// entry per input document, successful entries writing the assigned id and
// advanced revision back into the document in place, failed entries carrying
// a typed Err. The call itself returns a non-nil error only for validation
// failures, transport failures, or a response that cannot be reconciled
// against the input — never for per-document conflicts.
//
// An empty batch returns an empty result without a network call.
func (c *Client) BulkSave(ctx context.Context, docs []*Document) ([]BulkResult, error) {
	if len(docs) == 0 {
		return []BulkResult{}, nil
	}
	for i, doc := range docs {
		if doc == nil {
			return nil, validationf("bulk: document %d is nil", i)
		}
		if doc.Rev == "" && doc.Deleted {
			return nil, validationf("bulk: document %d: delete requires a revision", i)
		}
		if doc.Rev != "" && doc.ID == "" {
			return nil, validationf("bulk: document %d: revision without id", i)
		}
	}
	req := struct {
		Docs []*Document `json:"docs"`
	}{Docs: docs}
	var rows []bulkRow
	if err := c.doJSON(ctx, "bulk", http.MethodPost, "_bulk_docs", nil, nil, req, &rows); err != nil {
		return nil, err
	}
	c.metrics.observeBulkSize(len(docs))
	results, err := reconcileBulk(docs, rows)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.Err != nil {
			if errors.Is(r.Err, ErrConflict) {
				c.metrics.observeConflict()
			}
			c.logger.Debug("bulk entry failed", "id", r.ID, "error", r.Err)
		}
	}
	return results, nil
}

// reconcileBulk maps response rows back onto the input batch. The transport
// does not guarantee row order, so rows are claimed by id first (FIFO across
// duplicate ids); documents without an id — inserts awaiting assignment —
// claim the remaining rows positionally. A row count mismatch or an
// unmatchable document means the response cannot be trusted and fails the
// whole batch as a transport error.
func reconcileBulk(docs []*Document, rows []bulkRow) ([]BulkResult, error) {
	if len(rows) != len(docs) {
		return nil, &TransportError{
			Op:  "bulk",
			Err: fmt.Errorf("%d result rows for %d documents", len(rows), len(docs)),
		}
	}
	byID := make(map[string][]int)
	claimed := make([]bool, len(rows))
	for i, row := range rows {
		byID[row.ID] = append(byID[row.ID], i)
	}
	claim := func(id string) (bulkRow, bool) {
		queue := byID[id]
		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			if !claimed[i] {
				claimed[i] = true
				byID[id] = queue
				return rows[i], true
			}
		}
		byID[id] = queue
		return bulkRow{}, false
	}

	results := make([]BulkResult, len(docs))
	// First pass: documents with known ids.
	for i, doc := range docs {
		if doc.ID == "" {
			continue
		}
		row, ok := claim(doc.ID)
		if !ok {
			return nil, &TransportError{
				Op:  "bulk",
				Err: fmt.Errorf("no result row for document %q", doc.ID),
			}
		}
		results[i] = rowResult(doc, row)
	}
	// Second pass: id-less inserts take the leftover rows in order.
	next := 0
	for i, doc := range docs {
		if doc.ID != "" {
			continue
		}
		for next < len(rows) && claimed[next] {
			next++
		}
		if next == len(rows) {
			return nil, &TransportError{
				Op:  "bulk",
				Err: fmt.Errorf("no result row for document at position %d", i),
			}
		}
		claimed[next] = true
		results[i] = rowResult(doc, rows[next])
	}
	return results, nil
}

// rowResult applies one response row to its document.
func rowResult(doc *Document, row bulkRow) BulkResult {
	res := BulkResult{ID: row.ID}
	if res.ID == "" {
		res.ID = doc.ID
	}
	if err := rowError(row); err != nil {
		res.Err = err
		return res
	}
	doc.ID = res.ID
	doc.Rev = row.Rev
	res.Rev = row.Rev
	return res
}

// rowError maps the store's per-row error code onto the package taxonomy.
func rowError(row bulkRow) error {
	switch row.Error {
	case "":
		return nil
	case "conflict":
		if row.Reason != "" {
			return fmt.Errorf("%w: %s", ErrConflict, row.Reason)
		}
		return ErrConflict
	case "not_found":
		if row.Reason != "" {
			return fmt.Errorf("%w: %s", ErrNotFound, row.Reason)
		}
		return ErrNotFound
	case "forbidden", "bad_request":
		return fmt.Errorf("%w: %s", ErrValidation, row.Reason)
	default:
		return &RemoteError{Code: row.Error, Reason: row.Reason}
	}
}
