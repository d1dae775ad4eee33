package store

import (
	"context"
	"net/http"
)

// Administrative passthroughs. Each is a single request/response with no
// consistency logic of its own.

// SetRevsLimit sets how many revisions the store keeps per document.
func (c *Client) SetRevsLimit(ctx context.Context, n int) error {
	if n < 1 {
		return validationf("revs limit must be positive")
	}
	return c.doJSON(ctx, "revs_limit", http.MethodPut, "_revs_limit", nil, nil, n, nil)
}

// Compact asks the store to compact the database. The work runs in the
// background; a nil error means the request was accepted, not completed.
func (c *Client) Compact(ctx context.Context) error {
	return c.doJSON(ctx, "compact", http.MethodPost, "_compact", nil, nil, struct{}{}, nil)
}

// ViewCleanup asks the store to drop stale index files.
func (c *Client) ViewCleanup(ctx context.Context) error {
	return c.doJSON(ctx, "view_cleanup", http.MethodPost, "_view_cleanup", nil, nil, struct{}{}, nil)
}

// DeletedDocs scans the change feed and collects every tombstoned id with
// its tombstone revisions — the input shape Purge expects.
func (c *Client) DeletedDocs(ctx context.Context) (map[string][]string, error) {
	events, _, err := c.Changes(ctx, ChangesOptions{IncludeDocs: true})
	if err != nil {
		return nil, err
	}
	deleted := make(map[string][]string)
	for _, ev := range events {
		if !ev.Deleted {
			continue
		}
		deleted[ev.ID] = append(deleted[ev.ID], ev.Rev)
	}
	return deleted, nil
}

// Purge permanently erases the given revisions, id by id. Unlike Delete this
// removes the revision history itself; purged ids stop appearing in the
// deleted-set. Returns the map of revisions the store actually purged.
func (c *Client) Purge(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	if len(revs) == 0 {
		return map[string][]string{}, nil
	}
	var res struct {
		Purged map[string][]string `json:"purged"`
	}
	if err := c.doJSON(ctx, "purge", http.MethodPost, "_purge", nil, nil, revs, &res); err != nil {
		return nil, err
	}
	return res.Purged, nil
}

// PurgeAll purges every tombstoned document. Skips the purge call when
// nothing is tombstoned.
func (c *Client) PurgeAll(ctx context.Context) (map[string][]string, error) {
	deleted, err := c.DeletedDocs(ctx)
	if err != nil {
		return nil, err
	}
	return c.Purge(ctx, deleted)
}
