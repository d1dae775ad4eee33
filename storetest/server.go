// Package storetest runs an in-memory double of the document store's wire
// protocol for tests: revisioned documents, tombstones, selector queries,
// bulk writes and the streaming change feed, served over httptest.
//
// The double enforces the same revision preconditions as the real store and
// mints tokens of the same <generation>-<hash> shape, so conflict and
// resume behavior can be exercised without a live server.
package storetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/wicker/internal/revision"
	"github.com/jacentio/wicker/store"
)

type document struct {
	id      string
	rev     string
	deleted bool
	fields  map[string]any
}

type change struct {
	seq     uint64
	id      string
	rev     string
	deleted bool
}

// Server is one in-memory database behind an httptest listener. The database
// segment of the request path is accepted verbatim, so any store.Config
// pointing at URL() works.
type Server struct {
	ts *httptest.Server

	mu        sync.Mutex
	docs      map[string]*document
	changes   map[string]change // latest change per id
	seq       uint64
	revsLimit int
	compacts  int
	cleanups  int
	username  string
	password  string
	wake      chan struct{}

	// test knobs
	reverseBulk bool
	dropStream  int
}

// New starts the double.
func New() *Server {
	s := &Server{
		docs:      map[string]*document{},
		changes:   map[string]change{},
		revsLimit: 1000,
		wake:      make(chan struct{}),
	}
	s.ts = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the endpoint base URL.
func (s *Server) URL() string {
	return s.ts.URL
}

// Config returns a client config pointing at the double.
func (s *Server) Config(database string) store.Config {
	return store.Config{
		Endpoint: s.URL(),
		Database: database,
		Username: s.username,
		Password: s.password,
	}
}

// Close shuts the listener down.
func (s *Server) Close() {
	s.ts.Close()
}

// RequireAuth makes the double reject requests without the given basic
// credentials.
func (s *Server) RequireAuth(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.password = password
}

// ReverseBulkResults makes _bulk_docs return its result rows in reverse
// order, exercising the executor's reconciliation.
func (s *Server) ReverseBulkResults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverseBulk = true
}

// DropStreamAfter makes the next continuous feed connection die abruptly
// after n events, exercising reconnection. Later connections behave
// normally.
func (s *Server) DropStreamAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropStream = n
}

// Compactions reports how many _compact requests were accepted.
func (s *Server) Compactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compacts
}

// Cleanups reports how many _view_cleanup requests were accepted.
func (s *Server) Cleanups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanups
}

// RevsLimit reports the configured revision limit.
func (s *Server) RevsLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revsLimit
}

// SeqToken returns the current end-of-feed sequence token.
func (s *Server) SeqToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seqToken(s.seq)
}

func seqToken(seq uint64) string {
	return revision.Format(seq, "seq")
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Name or password is incorrect.")
		return
	}
	parts := strings.SplitN(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not_found", "missing")
		return
	}
	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}
	switch {
	case rest == "" && r.Method == http.MethodPost:
		s.handlePost(w, r)
	case rest == "_find" && r.Method == http.MethodPost:
		s.handleFind(w, r)
	case rest == "_bulk_docs" && r.Method == http.MethodPost:
		s.handleBulk(w, r)
	case rest == "_changes":
		s.handleChanges(w, r)
	case rest == "_revs_limit" && r.Method == http.MethodPut:
		s.handleRevsLimit(w, r)
	case rest == "_compact" && r.Method == http.MethodPost:
		s.mu.Lock()
		s.compacts++
		s.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	case rest == "_view_cleanup" && r.Method == http.MethodPost:
		s.mu.Lock()
		s.cleanups++
		s.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	case rest == "_purge" && r.Method == http.MethodPost:
		s.handlePurge(w, r)
	case strings.HasPrefix(rest, "_"):
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported endpoint "+rest)
	default:
		id, err := url.PathUnescape(rest)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid document id")
			return
		}
		s.handleDoc(w, r, id)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	s.mu.Lock()
	user, pass := s.username, s.password
	s.mu.Unlock()
	if user == "" {
		return true
	}
	u, p, ok := r.BasicAuth()
	return ok && u == user && p == pass
}

// apply performs one revision-checked mutation. Caller holds the lock.
func (s *Server) apply(id, rev string, deleted bool, fields map[string]any) (string, string) {
	cur, exists := s.docs[id]
	switch {
	case exists && !cur.deleted:
		if rev != cur.rev {
			return "", "conflict"
		}
	case exists && cur.deleted:
		// Recreating a tombstoned id needs no revision, but a supplied one
		// must still be current.
		if rev != "" && rev != cur.rev {
			return "", "conflict"
		}
	default:
		if rev != "" {
			return "", "conflict"
		}
	}
	gen := uint64(0)
	if exists {
		gen = revision.Generation(cur.rev)
	}
	newRev := revision.Format(gen+1, uuid.NewString()[:8])
	s.docs[id] = &document{id: id, rev: newRev, deleted: deleted, fields: fields}
	s.seq++
	s.changes[id] = change{seq: s.seq, id: id, rev: newRev, deleted: deleted}
	close(s.wake)
	s.wake = make(chan struct{})
	return newRev, ""
}

// splitBody separates the reserved fields out of a decoded document body.
func splitBody(body map[string]any) (id, rev string, deleted bool, fields map[string]any) {
	fields = map[string]any{}
	for k, v := range body {
		switch k {
		case "_id":
			id, _ = v.(string)
		case "_rev":
			rev, _ = v.(string)
		case "_deleted":
			deleted, _ = v.(bool)
		default:
			fields[k] = v
		}
	}
	return id, rev, deleted, fields
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	id, rev, deleted, fields := splitBody(body)
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	newRev, code := s.apply(id, rev, deleted, fields)
	s.mu.Unlock()
	if code != "" {
		writeError(w, http.StatusConflict, code, "Document update conflict.")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": newRev})
}

func (s *Server) handleDoc(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		doc, exists := s.docs[id]
		s.mu.Unlock()
		if !exists {
			writeError(w, http.StatusNotFound, "not_found", "missing")
			return
		}
		if doc.deleted {
			writeError(w, http.StatusNotFound, "not_found", "deleted")
			return
		}
		writeJSON(w, http.StatusOK, docBody(doc))
	case http.MethodPut:
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
			return
		}
		_, rev, deleted, fields := splitBody(body)
		if rev == "" {
			rev = r.Header.Get("If-Match")
		}
		s.mu.Lock()
		newRev, code := s.apply(id, rev, deleted, fields)
		s.mu.Unlock()
		if code != "" {
			writeError(w, http.StatusConflict, code, "Document update conflict.")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id, "rev": newRev})
	case http.MethodDelete:
		rev := r.Header.Get("If-Match")
		if rev == "" {
			rev = r.URL.Query().Get("rev")
		}
		s.mu.Lock()
		_, exists := s.docs[id]
		var newRev, code string
		if exists {
			newRev, code = s.apply(id, rev, true, map[string]any{})
		}
		s.mu.Unlock()
		if !exists {
			writeError(w, http.StatusNotFound, "not_found", "missing")
			return
		}
		if code != "" {
			writeError(w, http.StatusConflict, code, "Document update conflict.")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "rev": newRev})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method)
	}
}

func docBody(d *document) map[string]any {
	body := make(map[string]any, len(d.fields)+3)
	for k, v := range d.fields {
		body[k] = v
	}
	body["_id"] = d.id
	body["_rev"] = d.rev
	if d.deleted {
		body["_deleted"] = true
	}
	return body
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Docs []map[string]any `json:"docs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	rows := make([]map[string]any, 0, len(req.Docs))
	s.mu.Lock()
	for _, body := range req.Docs {
		id, rev, deleted, fields := splitBody(body)
		if id == "" {
			id = uuid.NewString()
		}
		newRev, code := s.apply(id, rev, deleted, fields)
		if code != "" {
			rows = append(rows, map[string]any{
				"id": id, "error": code, "reason": "Document update conflict.",
			})
			continue
		}
		rows = append(rows, map[string]any{"id": id, "rev": newRev, "ok": true})
	}
	reverse := s.reverseBulk
	s.mu.Unlock()
	if reverse {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	writeJSON(w, http.StatusCreated, rows)
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Selector map[string]any      `json:"selector"`
		Sort     []map[string]string `json:"sort"`
		Skip     int                 `json:"skip"`
		Limit    int                 `json:"limit"`
		Fields   []string            `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	s.mu.Lock()
	matched := make([]*document, 0, len(s.docs))
	for _, doc := range s.docs {
		if doc.deleted {
			continue
		}
		if matchSelector(docBody(doc), req.Selector) {
			matched = append(matched, doc)
		}
	}
	s.mu.Unlock()
	// Native order is by id; an explicit sort clause overrides it.
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for k := len(req.Sort) - 1; k >= 0; k-- {
		clause := req.Sort[k]
		for field, dir := range clause {
			desc := dir == "desc"
			f := field
			sort.SliceStable(matched, func(i, j int) bool {
				c, _ := compareValues(docBody(matched[i])[f], docBody(matched[j])[f])
				if desc {
					return c > 0
				}
				return c < 0
			})
		}
	}
	if req.Skip > 0 {
		if req.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[req.Skip:]
		}
	}
	if req.Limit > 0 && len(matched) > req.Limit {
		matched = matched[:req.Limit]
	}
	docs := make([]map[string]any, 0, len(matched))
	for _, doc := range matched {
		body := docBody(doc)
		if len(req.Fields) > 0 {
			projected := map[string]any{}
			for _, f := range req.Fields {
				if v, ok := body[f]; ok {
					projected[f] = v
				}
			}
			body = projected
		}
		docs = append(docs, body)
	}
	writeJSON(w, http.StatusOK, map[string]any{"docs": docs})
}

func (s *Server) handleRevsLimit(w http.ResponseWriter, r *http.Request) {
	var n int
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", "Rev limit has to be a positive integer")
		return
	}
	s.mu.Lock()
	s.revsLimit = n
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	purged := map[string][]string{}
	s.mu.Lock()
	for id, revs := range req {
		doc, exists := s.docs[id]
		if !exists {
			continue
		}
		for _, rev := range revs {
			if rev == doc.rev {
				delete(s.docs, id)
				delete(s.changes, id)
				purged[id] = append(purged[id], rev)
			}
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

// feedFilter restricts change rows, mirroring the _selector and _doc_ids
// filters.
type feedFilter struct {
	selector map[string]any
	docIDs   map[string]struct{}
}

func (f *feedFilter) matches(s *Server, c change) bool {
	if f.docIDs != nil {
		_, ok := f.docIDs[c.id]
		return ok
	}
	if f.selector != nil {
		doc, exists := s.docs[c.id]
		if !exists {
			return false
		}
		return matchSelector(docBody(doc), f.selector)
	}
	return true
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &feedFilter{}
	if r.Method == http.MethodPost {
		var body struct {
			Selector map[string]any `json:"selector"`
			DocIDs   []string       `json:"doc_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
			return
		}
		switch q.Get("filter") {
		case "_selector":
			filter.selector = body.Selector
		case "_doc_ids":
			filter.docIDs = map[string]struct{}{}
			for _, id := range body.DocIDs {
				filter.docIDs[id] = struct{}{}
			}
		}
	}
	includeDocs := q.Get("include_docs") == "true"
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	heartbeat := 30 * time.Second
	if v := q.Get("heartbeat"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			heartbeat = time.Duration(ms) * time.Millisecond
		}
	}
	since := uint64(0)
	s.mu.Lock()
	if v := q.Get("since"); v == "now" {
		since = s.seq
	} else if v != "" {
		since = revision.Generation(v)
	}
	s.mu.Unlock()

	if q.Get("feed") == "continuous" {
		s.streamChanges(w, r, filter, since, includeDocs, limit, heartbeat)
		return
	}

	s.mu.Lock()
	rows, last := s.collectRows(filter, since, includeDocs, limit)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"results": rows, "last_seq": seqToken(last)})
}

// collectRows gathers filtered change rows after since. Caller holds the
// lock.
func (s *Server) collectRows(filter *feedFilter, since uint64, includeDocs bool, limit int) ([]map[string]any, uint64) {
	ordered := make([]change, 0, len(s.changes))
	for _, c := range s.changes {
		if c.seq > since && filter.matches(s, c) {
			ordered = append(ordered, c)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	last := since
	if last > s.seq {
		last = s.seq
	}
	rows := make([]map[string]any, 0, len(ordered))
	for _, c := range ordered {
		rows = append(rows, s.changeRow(c, includeDocs))
		last = c.seq
	}
	if len(ordered) == 0 {
		last = s.seq
	}
	return rows, last
}

func (s *Server) changeRow(c change, includeDocs bool) map[string]any {
	row := map[string]any{
		"seq":     seqToken(c.seq),
		"id":      c.id,
		"changes": []map[string]string{{"rev": c.rev}},
	}
	if c.deleted {
		row["deleted"] = true
	}
	if includeDocs {
		if doc, exists := s.docs[c.id]; exists {
			row["doc"] = docBody(doc)
		}
	}
	return row
}

func (s *Server) streamChanges(w http.ResponseWriter, r *http.Request, filter *feedFilter, since uint64, includeDocs bool, limit int, heartbeat time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "unknown_error", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	written := 0
	for {
		s.mu.Lock()
		rows, last := s.collectRows(filter, since, includeDocs, 0)
		wake := s.wake
		drop := s.dropStream
		s.mu.Unlock()

		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return
			}
			flusher.Flush()
			written++
			if drop > 0 && written >= drop {
				s.mu.Lock()
				s.dropStream = 0
				s.mu.Unlock()
				// Abrupt close, no last_seq terminator.
				return
			}
			if limit > 0 && written >= limit {
				enc.Encode(map[string]any{"last_seq": seqToken(last)})
				flusher.Flush()
				return
			}
		}
		since = last

		select {
		case <-r.Context().Done():
			return
		case <-wake:
		case <-time.After(heartbeat):
			fmt.Fprint(w, "\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, map[string]string{"error": code, "reason": reason})
}
