package store

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// DefaultFindLimit bounds a query whose Limit is zero. The store refuses
// unbounded result sets, so "all" is expressed as a large page.
const DefaultFindLimit = 50000

// Selector is a structured query predicate: a mapping from field name to
// either a literal (equality) or an operator object such as
// {"$gte": 10}. Top-level keys combine with implicit AND.
type Selector map[string]any

// selectorOps are the comparison operators the translator accepts.
var selectorOps = map[string]struct{}{
	"$eq": {}, "$ne": {}, "$gt": {}, "$gte": {}, "$lt": {}, "$lte": {},
	"$in": {}, "$exists": {},
}

// Validate checks the selector shape locally, before any network call.
func (s Selector) Validate() error {
	return validateSelector(map[string]any(s), "")
}

func validateSelector(node map[string]any, path string) error {
	for key, value := range node {
		at := key
		if path != "" {
			at = path + "." + key
		}
		if strings.HasPrefix(key, "$") {
			if _, ok := selectorOps[key]; !ok {
				return validationf("selector: unknown operator %q at %q", key, at)
			}
			if err := validateOperand(key, value, at); err != nil {
				return err
			}
			continue
		}
		// A nested map is either an operator object or a sub-document match;
		// both recurse under the same rules.
		if sub, ok := value.(map[string]any); ok {
			if err := validateSelector(sub, at); err != nil {
				return err
			}
		} else if sub, ok := value.(Selector); ok {
			if err := validateSelector(map[string]any(sub), at); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateOperand(op string, value any, path string) error {
	switch op {
	case "$in":
		if _, ok := value.([]any); !ok {
			return validationf("selector: %s at %q requires an array operand", op, path)
		}
	case "$exists":
		if _, ok := value.(bool); !ok {
			return validationf("selector: %s at %q requires a boolean operand", op, path)
		}
	}
	return nil
}

// SortField orders query results by one field.
type SortField struct {
	Field      string
	Descending bool
}

// MarshalJSON encodes the store's sort clause shape, {"field": "asc"|"desc"}.
func (s SortField) MarshalJSON() ([]byte, error) {
	dir := "asc"
	if s.Descending {
		dir = "desc"
	}
	return json.Marshal(map[string]string{s.Field: dir})
}

// Query describes one Find call.
type Query struct {
	// Selector restricts the result set. Nil or empty matches everything.
	Selector Selector

	// Sort orders results. When empty, the store's native order is kept.
	Sort []SortField

	// Skip drops the first n matches.
	Skip int

	// Limit caps the result set. Zero means DefaultFindLimit.
	Limit int

	// Fields projects the result documents to the named fields.
	Fields []string
}

type findRequest struct {
	Selector Selector    `json:"selector"`
	Sort     []SortField `json:"sort,omitempty"`
	Skip     int         `json:"skip,omitempty"`
	Limit    int         `json:"limit"`
	Fields   []string    `json:"fields,omitempty"`
}

type findResponse struct {
	Docs    []*Document `json:"docs"`
	Warning string      `json:"warning"`
}

// Find submits a structured query and decodes the matching documents,
// preserving every field including id and revision. No match yields an empty
// slice, not an error. Results keep the store's native order unless the
// query carries an explicit sort.
func (c *Client) Find(ctx context.Context, q Query) ([]*Document, error) {
	sel := q.Selector
	if sel == nil {
		sel = Selector{}
	}
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if q.Skip < 0 || q.Limit < 0 {
		return nil, validationf("find: skip and limit must not be negative")
	}
	req := findRequest{
		Selector: sel,
		Sort:     q.Sort,
		Skip:     q.Skip,
		Limit:    q.Limit,
		Fields:   q.Fields,
	}
	if req.Limit == 0 {
		req.Limit = DefaultFindLimit
	}
	var res findResponse
	if err := c.doJSON(ctx, "find", http.MethodPost, "_find", nil, nil, req, &res); err != nil {
		return nil, err
	}
	if res.Warning != "" {
		c.logger.Debug("find warning", "warning", res.Warning)
	}
	if res.Docs == nil {
		res.Docs = []*Document{}
	}
	return res.Docs, nil
}

// FindOne runs a limit-1 query and returns the first match in the store's
// order. Returns ErrNotFound when nothing matches.
func (c *Client) FindOne(ctx context.Context, q Query) (*Document, error) {
	q.Limit = 1
	docs, err := c.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}
