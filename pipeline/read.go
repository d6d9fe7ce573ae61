// Package pipeline implements the explicit two-phase Read and Write
// pipelines: compute a response candidate, then (for writes)
// invalidate-and-await, then respond.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"rerum.dev/cache"
	"rerum.dev/fingerprint"
	"rerum.dev/invalidation"
	"rerum.dev/store"
)

// ReadResult is the outcome of running a cacheable read through the
// pipeline: the JSON body to return, whether it was served from cache, and
// (for id reads) the Cache-Control value to attach on a hit.
type ReadResult struct {
	Body         []byte
	Hit          bool
	Found        bool
	CacheControl string
}

const idCacheControl = "max-age=86400, must-revalidate"

// ReadPipeline wraps query/search/id/history/since reads with the Cache
// Store. When caching is disabled it is a pure passthrough to the store
// adapter.
type ReadPipeline struct {
	cache   *cache.Store
	adapter store.Adapter
	enabled bool
}

// NewReadPipeline builds a ReadPipeline. enabled mirrors the CACHING
// environment flag; when false, every call bypasses the cache entirely.
func NewReadPipeline(c *cache.Store, adapter store.Adapter, enabled bool) *ReadPipeline {
	return &ReadPipeline{cache: c, adapter: adapter, enabled: enabled}
}

// Stats exposes the Cache Store's counters for /api/cache/stats.
func (rp *ReadPipeline) Stats() cache.Stats {
	return rp.cache.Stats()
}

// Entries lists live cache keys for /api/cache/stats?details=true.
func (rp *ReadPipeline) Entries() []string {
	return rp.cache.Entries()
}

func topLevelFields(body map[string]interface{}) []string {
	fields := make([]string, 0, len(body))
	for k := range body {
		fields = append(fields, k)
	}
	return fields
}

func (rp *ReadPipeline) getCached(key string) ([]byte, bool) {
	if !rp.enabled {
		return nil, false
	}
	return rp.cache.Get(key)
}

func (rp *ReadPipeline) setCached(key string, body []byte, fields []string) {
	if !rp.enabled {
		return
	}
	rp.cache.Set(key, body, fields)
}

// isArrayPayload is the schema guard for query/search/history/since: only a
// JSON array response may enter the cache. Anything else is still returned
// to the caller, just never cached.
func isArrayPayload(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// Query runs a property query through the pipeline.
func (rp *ReadPipeline) Query(ctx context.Context, body map[string]interface{}, limit, skip int, options map[string]interface{}) (ReadResult, error) {
	return rp.findMany(ctx, fingerprint.NSQuery, body, limit, skip, options, false)
}

// Search runs a word-based full-text search through the pipeline.
func (rp *ReadPipeline) Search(ctx context.Context, text string, limit, skip int, options map[string]interface{}) (ReadResult, error) {
	return rp.textSearch(ctx, fingerprint.NSSearch, text, false, limit, skip, options)
}

// SearchPhrase runs a phrase full-text search through the pipeline.
func (rp *ReadPipeline) SearchPhrase(ctx context.Context, text string, limit, skip int, options map[string]interface{}) (ReadResult, error) {
	return rp.textSearch(ctx, fingerprint.NSSearchPhrase, text, true, limit, skip, options)
}

func (rp *ReadPipeline) findMany(ctx context.Context, ns fingerprint.Namespace, body map[string]interface{}, limit, skip int, options map[string]interface{}, phrase bool) (ReadResult, error) {
	shape := fingerprint.DefaultQueryShape(body, limit, skip, options, phrase)
	key, err := fingerprint.Query(ns, shape)
	if err != nil {
		return ReadResult{}, fmt.Errorf("pipeline: computing fingerprint: %w", err)
	}

	if cached, hit := rp.getCached(key); hit {
		return ReadResult{Body: cached, Hit: true, Found: true}, nil
	}

	docs, err := rp.adapter.FindMany(ctx, store.Doc(body), shape.Limit, shape.Skip)
	if err != nil {
		return ReadResult{}, fmt.Errorf("pipeline: store find many: %w", err)
	}
	if docs == nil {
		docs = []store.Doc{}
	}

	payload, err := json.Marshal(docs)
	if err != nil {
		return ReadResult{}, fmt.Errorf("pipeline: marshal results: %w", err)
	}

	if isArrayPayload(payload) {
		rp.setCached(key, payload, topLevelFields(body))
	}
	return ReadResult{Body: payload, Hit: false, Found: true}, nil
}

func (rp *ReadPipeline) textSearch(ctx context.Context, ns fingerprint.Namespace, text string, phrase bool, limit, skip int, options map[string]interface{}) (ReadResult, error) {
	shape := fingerprint.DefaultQueryShape(map[string]interface{}{"searchText": text}, limit, skip, options, phrase)
	key, err := fingerprint.Query(ns, shape)
	if err != nil {
		return ReadResult{}, fmt.Errorf("pipeline: computing fingerprint: %w", err)
	}

	if cached, hit := rp.getCached(key); hit {
		return ReadResult{Body: cached, Hit: true, Found: true}, nil
	}

	docs, err := rp.adapter.TextSearch(ctx, text, phrase, shape.Limit, shape.Skip)
	if err != nil {
		return ReadResult{}, fmt.Errorf("pipeline: store text search: %w", err)
	}
	if docs == nil {
		docs = []store.Doc{}
	}

	payload, err := json.Marshal(docs)
	if err != nil {
		return ReadResult{}, fmt.Errorf("pipeline: marshal results: %w", err)
	}

	if isArrayPayload(payload) {
		rp.setCached(key, payload, nil)
	}
	return ReadResult{Body: payload, Hit: false, Found: true}, nil
}

// ByID resolves a single document by its short id.
func (rp *ReadPipeline) ByID(ctx context.Context, id string) (ReadResult, error) {
	key := fingerprint.Suffix(fingerprint.NSID, id)

	if cached, hit := rp.getCached(key); hit {
		return ReadResult{Body: cached, Hit: true, Found: true, CacheControl: idCacheControl}, nil
	}

	doc, err := rp.adapter.FindOne(ctx, id)
	if err == store.ErrNotFound {
		return ReadResult{Found: false}, nil
	}
	if err != nil {
		return ReadResult{}, fmt.Errorf("pipeline: store find one: %w", err)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return ReadResult{}, fmt.Errorf("pipeline: marshal document: %w", err)
	}
	if len(doc) == 0 {
		return ReadResult{Body: payload, Found: true}, nil
	}

	rp.setCached(key, payload, nil)
	return ReadResult{Body: payload, Hit: false, Found: true}, nil
}

// History returns the chain of ancestors from id up to (but not including)
// itself, nearest ancestor first.
func (rp *ReadPipeline) History(ctx context.Context, id string) (ReadResult, error) {
	return rp.chain(ctx, fingerprint.NSHistory, id, rp.ancestors)
}

// Since returns the chain of descendants of id, excluding itself.
func (rp *ReadPipeline) Since(ctx context.Context, id string) (ReadResult, error) {
	return rp.chain(ctx, fingerprint.NSSince, id, rp.descendants)
}

func (rp *ReadPipeline) chain(ctx context.Context, ns fingerprint.Namespace, id string, walk func(context.Context, store.Doc) ([]store.Doc, error)) (ReadResult, error) {
	key := fingerprint.Suffix(ns, id)

	if cached, hit := rp.getCached(key); hit {
		return ReadResult{Body: cached, Hit: true, Found: true}, nil
	}

	doc, err := rp.adapter.FindOne(ctx, id)
	if err == store.ErrNotFound {
		return ReadResult{Found: false}, nil
	}
	if err != nil {
		return ReadResult{}, fmt.Errorf("pipeline: store find one: %w", err)
	}

	chainDocs, err := walk(ctx, doc)
	if err != nil {
		return ReadResult{}, err
	}

	payload, err := json.Marshal(chainDocs)
	if err != nil {
		return ReadResult{}, fmt.Errorf("pipeline: marshal chain: %w", err)
	}

	if isArrayPayload(payload) {
		rp.setCached(key, payload, nil)
	}
	return ReadResult{Body: payload, Hit: false, Found: true}, nil
}

func metaOf(d store.Doc) (previous string, next []string) {
	raw, ok := d["__rerum"].(map[string]interface{})
	if !ok {
		return "", nil
	}
	history, ok := raw["history"].(map[string]interface{})
	if !ok {
		return "", nil
	}
	previous, _ = history["previous"].(string)
	if arr, ok := history["next"].([]interface{}); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				next = append(next, s)
			}
		}
	}
	if arr, ok := history["next"].([]string); ok {
		next = append(next, arr...)
	}
	return previous, next
}

// ancestors walks history.previous upward, nearest first.
func (rp *ReadPipeline) ancestors(ctx context.Context, doc store.Doc) ([]store.Doc, error) {
	out := []store.Doc{}
	cur := doc
	for {
		prev, _ := metaOf(cur)
		if prev == "" {
			return out, nil
		}
		parent, err := rp.adapter.FindOne(ctx, invalidation.ShortID(prev))
		if err == store.ErrNotFound {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline: walking history: %w", err)
		}
		out = append(out, parent)
		cur = parent
	}
}

// descendants walks history.next downward, depth-first in chain order.
func (rp *ReadPipeline) descendants(ctx context.Context, doc store.Doc) ([]store.Doc, error) {
	out := []store.Doc{}
	_, next := metaOf(doc)
	for _, childID := range next {
		child, err := rp.adapter.FindOne(ctx, invalidation.ShortID(childID))
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline: walking since: %w", err)
		}
		out = append(out, child)
		rest, err := rp.descendants(ctx, child)
		if err != nil {
			return nil, err
		}
		out = append(out, rest...)
	}
	return out, nil
}
