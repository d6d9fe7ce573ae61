package store

import (
	"context"
	"strings"
	"sync"
)

// MemoryAdapter is an in-process Adapter used by pipeline and httpapi tests
// so they can exercise full read/write round trips without a live MongoDB.
type MemoryAdapter struct {
	mu   sync.Mutex
	docs map[string]Doc
}

// NewMemoryAdapter returns an empty MemoryAdapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{docs: make(map[string]Doc)}
}

func cloneDoc(d Doc) Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// FindOne implements Adapter.
func (m *MemoryAdapter) FindOne(_ context.Context, id string) (Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(d), nil
}

// FindMany implements Adapter with simple equality matching over top-level
// fields; good enough for tests, not a query planner.
func (m *MemoryAdapter) FindMany(_ context.Context, filter Doc, limit, skip int) ([]Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []Doc
	for _, d := range m.docs {
		if matchesFilter(d, filter) {
			matches = append(matches, cloneDoc(d))
		}
	}
	return paginate(matches, limit, skip), nil
}

func matchesFilter(d, filter Doc) bool {
	for k, v := range filter {
		if d[k] != v {
			return false
		}
	}
	return true
}

func paginate(docs []Doc, limit, skip int) []Doc {
	if skip >= len(docs) {
		return []Doc{}
	}
	docs = docs[skip:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// TextSearch implements Adapter with a naive substring scan over
// string-valued fields.
func (m *MemoryAdapter) TextSearch(_ context.Context, text string, phrase bool, limit, skip int) ([]Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	needle := strings.ToLower(text)
	var matches []Doc
	for _, d := range m.docs {
		if containsText(d, needle, phrase) {
			matches = append(matches, cloneDoc(d))
		}
	}
	return paginate(matches, limit, skip), nil
}

func containsText(d Doc, needle string, phrase bool) bool {
	for _, v := range d {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.ToLower(s)
		if phrase {
			if strings.Contains(s, needle) {
				return true
			}
			continue
		}
		for _, word := range strings.Fields(needle) {
			if strings.Contains(s, word) {
				return true
			}
		}
	}
	return false
}

// InsertOne implements Adapter.
func (m *MemoryAdapter) InsertOne(_ context.Context, doc Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, _ := doc["_id"].(string)
	m.docs[id] = cloneDoc(doc)
	return nil
}

// InsertMany implements Adapter.
func (m *MemoryAdapter) InsertMany(ctx context.Context, docs []Doc) error {
	for _, d := range docs {
		if err := m.InsertOne(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceOne implements Adapter.
func (m *MemoryAdapter) ReplaceOne(_ context.Context, id string, doc Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[id]; !ok {
		return ErrNotFound
	}
	m.docs[id] = cloneDoc(doc)
	return nil
}

// UpdateField implements Adapter. field may be dotted (e.g.
// "__rerum.history.next"), matching MongoDB's $set path semantics.
func (m *MemoryAdapter) UpdateField(_ context.Context, id string, field string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	setDotted(d, field, value)
	m.docs[id] = d
	return nil
}

// setDotted sets value at the dotted path inside d, creating any missing
// intermediate maps.
func setDotted(d Doc, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := map[string]interface{}(d)
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Close implements Adapter.
func (m *MemoryAdapter) Close(_ context.Context) error { return nil }
