package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rerum.dev/cache"
	"rerum.dev/cluster"
	"rerum.dev/internal/agent"
	"rerum.dev/internal/apierr"
	"rerum.dev/invalidation"
	"rerum.dev/store"
	"rerum.dev/versioning"
)

// WriteResult is the outcome of a mutating operation.
type WriteResult struct {
	Document    versioning.Document
	NotModified bool
}

// WritePipeline runs the authenticate → version → mutate → invalidate →
// respond ordering for every mutating endpoint.
type WritePipeline struct {
	cache       *cache.Store
	adapter     store.Adapter
	bus         *cluster.Bus
	engine      *versioning.Engine
	extractor   *agent.Extractor
	readOnly    bool
	cachingOn   bool
	busDeadline time.Duration
}

// Config configures a WritePipeline.
type Config struct {
	Cache       *cache.Store
	Adapter     store.Adapter
	Bus         *cluster.Bus
	Engine      *versioning.Engine
	Extractor   *agent.Extractor
	ReadOnly    bool
	CachingOn   bool
	BusDeadline time.Duration
}

// New builds a WritePipeline from cfg.
func New(cfg Config) *WritePipeline {
	return &WritePipeline{
		cache:       cfg.Cache,
		adapter:     cfg.Adapter,
		bus:         cfg.Bus,
		engine:      cfg.Engine,
		extractor:   cfg.Extractor,
		readOnly:    cfg.ReadOnly,
		cachingOn:   cfg.CachingOn,
		busDeadline: cfg.BusDeadline,
	}
}

const (
	storeRetryAttempts = 3
	storeRetryBackoff  = 20 * time.Millisecond
)

// withStoreRetry runs fn up to storeRetryAttempts times with a short sleep
// between attempts. Every store mutation here (insert, replace, single-field
// update) is idempotent to retry: re-sending the same document or field
// value after a transient failure produces the same end state.
func withStoreRetry(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < storeRetryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt < storeRetryAttempts-1 {
			time.Sleep(storeRetryBackoff)
		}
	}
	return lastErr
}

func (wp *WritePipeline) checkReadOnly() error {
	if wp.readOnly {
		return apierr.ErrReadOnly
	}
	return nil
}

// invalidate submits plan to the ClusterBus and awaits acknowledgement from
// every live worker before the mutation is considered durable. When caching
// is disabled this is a no-op: with no per-worker caches to keep coherent,
// there is nothing to invalidate.
func (wp *WritePipeline) invalidate(ctx context.Context, plan invalidation.Plan) error {
	if !wp.cachingOn || wp.bus == nil {
		return nil
	}

	keys := plan.Keys
	patterns := make([]string, len(plan.Patterns))
	for i, p := range plan.Patterns {
		patterns[i] = p.String()
	}

	busCtx, cancel := context.WithTimeout(ctx, wp.busDeadline)
	defer cancel()

	_, unacked, err := wp.bus.BroadcastInvalidate(busCtx, keys, patterns, plan.Fields)
	if err != nil {
		return fmt.Errorf("%w: %d workers unacknowledged", apierr.ErrClusterIncoherent, len(unacked))
	}
	return nil
}

func (wp *WritePipeline) extractAgent(bearerToken string) (agent.Result, error) {
	if wp.extractor == nil {
		return agent.Result{}, fmt.Errorf("%w: no authentication configured", apierr.ErrUnauthenticated)
	}
	return wp.extractor.Extract(bearerToken)
}

func (wp *WritePipeline) loadExisting(ctx context.Context, id string) (versioning.Document, error) {
	doc, err := wp.adapter.FindOne(ctx, invalidation.ShortID(id))
	if err != nil {
		return nil, err
	}
	return versioning.Document(doc), nil
}

// wrapLoadErr distinguishes "no such document" from an underlying store
// failure when loadExisting is used outside the import-external branch.
func wrapLoadErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", apierr.ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", apierr.ErrStoreFailure, err)
}

// Create mints and stores a fresh root document.
func (wp *WritePipeline) Create(ctx context.Context, bearerToken string, body versioning.Document) (versioning.Document, error) {
	if err := wp.checkReadOnly(); err != nil {
		return nil, err
	}
	who, err := wp.extractAgent(bearerToken)
	if err != nil {
		return nil, err
	}

	doc := wp.engine.Create(who.Agent, body)
	if err := withStoreRetry(func() error { return wp.adapter.InsertOne(ctx, store.Doc(doc)) }); err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrStoreFailure, err)
	}

	plan := invalidation.ForCreate(doc)
	if err := wp.invalidate(ctx, plan); err != nil {
		return nil, err
	}
	return doc, nil
}

// BulkCreate mints and stores a batch of fresh root documents in one
// invalidation round trip.
func (wp *WritePipeline) BulkCreate(ctx context.Context, bearerToken string, bodies []versioning.Document) ([]versioning.Document, error) {
	if err := wp.checkReadOnly(); err != nil {
		return nil, err
	}
	who, err := wp.extractAgent(bearerToken)
	if err != nil {
		return nil, err
	}

	docs := make([]versioning.Document, len(bodies))
	storeDocs := make([]store.Doc, len(bodies))
	for i, body := range bodies {
		docs[i] = wp.engine.Create(who.Agent, body)
		storeDocs[i] = store.Doc(docs[i])
	}
	if err := withStoreRetry(func() error { return wp.adapter.InsertMany(ctx, storeDocs) }); err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrStoreFailure, err)
	}

	plans := make([]invalidation.Plan, len(docs))
	for i, d := range docs {
		plans[i] = invalidation.ForCreate(d)
	}
	if err := wp.invalidate(ctx, mergePlans(plans)); err != nil {
		return nil, err
	}
	return docs, nil
}

// chainAppend performs the single permitted modification of a non-released
// ancestor: appending the new version's @id to its __rerum.history.next.
func (wp *WritePipeline) chainAppend(ctx context.Context, existing versioning.Document, next versioning.ParentNext) error {
	parentMeta := existing.Meta()
	newNext := append(append([]string{}, parentMeta.History.Next...), next.ChildID)
	field := "__rerum.history.next"
	if err := withStoreRetry(func() error {
		return wp.adapter.UpdateField(ctx, invalidation.ShortID(next.ParentID), field, newNext)
	}); err != nil {
		return fmt.Errorf("%w: appending history.next: %v", apierr.ErrStoreFailure, err)
	}
	return nil
}

// mutate is the shared body of update/patch/set/unset: load, authorize,
// merge (nil mergeKind means "full replace", used by update), short-circuit
// on no-diff, mint the new version, persist it, chain-append the parent,
// and invalidate.
func (wp *WritePipeline) mutate(ctx context.Context, bearerToken, id string, body versioning.Document, mergeKind *versioning.MergeKind) (WriteResult, error) {
	if err := wp.checkReadOnly(); err != nil {
		return WriteResult{}, err
	}
	who, err := wp.extractAgent(bearerToken)
	if err != nil {
		return WriteResult{}, err
	}

	existing, err := wp.loadExisting(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return wp.importExternal(ctx, who, id, body)
	}
	if err != nil {
		return WriteResult{}, fmt.Errorf("%w: %v", apierr.ErrStoreFailure, err)
	}

	authorized := wp.extractor.IsAuthorizedAgent(who.Agent, existing.Meta().GeneratedBy)
	if err := versioning.Authorize(who.Agent, existing, authorized); err != nil {
		return WriteResult{}, err
	}

	var merged versioning.Document
	if mergeKind == nil {
		merged = body
	} else {
		merged = versioning.Merge(*mergeKind, existing, body)
	}

	if versioning.SameContent(existing, merged) {
		return WriteResult{NotModified: true}, nil
	}

	newDoc, parentNext := wp.engine.Update(who.Agent, merged, existing)
	if err := withStoreRetry(func() error { return wp.adapter.InsertOne(ctx, store.Doc(newDoc)) }); err != nil {
		return WriteResult{}, fmt.Errorf("%w: %v", apierr.ErrStoreFailure, err)
	}
	if err := wp.chainAppend(ctx, existing, parentNext); err != nil {
		return WriteResult{}, err
	}

	plan := invalidation.ForMutation(newDoc)
	if err := wp.invalidate(ctx, plan); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Document: newDoc}, nil
}

// importExternal handles an update that references an @id this store has
// never seen: treat it as a fresh root rather than rejecting it.
func (wp *WritePipeline) importExternal(ctx context.Context, who agent.Result, externalID string, body versioning.Document) (WriteResult, error) {
	doc := wp.engine.ImportExternal(who.Agent, body, externalID)
	if err := withStoreRetry(func() error { return wp.adapter.InsertOne(ctx, store.Doc(doc)) }); err != nil {
		return WriteResult{}, fmt.Errorf("%w: %v", apierr.ErrStoreFailure, err)
	}

	plan := invalidation.ForCreate(doc)
	if err := wp.invalidate(ctx, plan); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Document: doc}, nil
}

// Update replaces body[@id]'s content wholesale, chain-appending a new
// version. Importing an unknown @id mints a fresh root instead.
func (wp *WritePipeline) Update(ctx context.Context, bearerToken string, body versioning.Document) (WriteResult, error) {
	id := body.ID()
	if id == "" {
		return WriteResult{}, &apierr.ValidationError{Field: "@id", Message: "is required"}
	}
	return wp.mutate(ctx, bearerToken, id, body, nil)
}

// Patch replaces the values of keys already present on the existing document.
func (wp *WritePipeline) Patch(ctx context.Context, bearerToken string, body versioning.Document) (WriteResult, error) {
	id := body.ID()
	if id == "" {
		return WriteResult{}, &apierr.ValidationError{Field: "@id", Message: "is required"}
	}
	kind := versioning.MergePatch
	return wp.mutate(ctx, bearerToken, id, body, &kind)
}

// Set adds keys absent on the existing document, leaving present keys untouched.
func (wp *WritePipeline) Set(ctx context.Context, bearerToken string, body versioning.Document) (WriteResult, error) {
	id := body.ID()
	if id == "" {
		return WriteResult{}, &apierr.ValidationError{Field: "@id", Message: "is required"}
	}
	kind := versioning.MergeSet
	return wp.mutate(ctx, bearerToken, id, body, &kind)
}

// Unset removes keys whose body value is null.
func (wp *WritePipeline) Unset(ctx context.Context, bearerToken string, body versioning.Document) (WriteResult, error) {
	id := body.ID()
	if id == "" {
		return WriteResult{}, &apierr.ValidationError{Field: "@id", Message: "is required"}
	}
	kind := versioning.MergeUnset
	return wp.mutate(ctx, bearerToken, id, body, &kind)
}

// Overwrite replaces the document's content in place, skipping history
// entirely.
func (wp *WritePipeline) Overwrite(ctx context.Context, bearerToken string, body versioning.Document) (WriteResult, error) {
	if err := wp.checkReadOnly(); err != nil {
		return WriteResult{}, err
	}
	id := body.ID()
	if id == "" {
		return WriteResult{}, &apierr.ValidationError{Field: "@id", Message: "is required"}
	}

	who, err := wp.extractAgent(bearerToken)
	if err != nil {
		return WriteResult{}, err
	}

	existing, err := wp.loadExisting(ctx, id)
	if err != nil {
		return WriteResult{}, wrapLoadErr(err)
	}
	authorized := wp.extractor.IsAuthorizedAgent(who.Agent, existing.Meta().GeneratedBy)
	if err := versioning.Authorize(who.Agent, existing, authorized); err != nil {
		return WriteResult{}, err
	}

	newDoc := wp.engine.Overwrite(body, existing)
	if versioning.SameContent(existing, newDoc) {
		return WriteResult{NotModified: true}, nil
	}

	if err := withStoreRetry(func() error {
		return wp.adapter.ReplaceOne(ctx, invalidation.ShortID(id), store.Doc(newDoc))
	}); err != nil {
		return WriteResult{}, fmt.Errorf("%w: %v", apierr.ErrStoreFailure, err)
	}

	plan := invalidation.ForMutation(newDoc)
	if err := wp.invalidate(ctx, plan); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Document: newDoc}, nil
}

// Release marks the document immutable.
func (wp *WritePipeline) Release(ctx context.Context, bearerToken string, id string) (versioning.Document, error) {
	if err := wp.checkReadOnly(); err != nil {
		return nil, err
	}
	who, err := wp.extractAgent(bearerToken)
	if err != nil {
		return nil, err
	}

	existing, err := wp.loadExisting(ctx, id)
	if err != nil {
		return nil, wrapLoadErr(err)
	}
	authorized := wp.extractor.IsAuthorizedAgent(who.Agent, existing.Meta().GeneratedBy)
	if err := versioning.Authorize(who.Agent, existing, authorized); err != nil {
		return nil, err
	}

	newDoc := wp.engine.Release(existing)
	field := "__rerum.isReleased"
	if err := withStoreRetry(func() error {
		return wp.adapter.UpdateField(ctx, invalidation.ShortID(id), field, newDoc.Meta().IsReleased)
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrStoreFailure, err)
	}

	if err := wp.invalidate(ctx, invalidation.ForRelease()); err != nil {
		return nil, err
	}
	return newDoc, nil
}

// Delete rewrites the document to its __deleted shell.
func (wp *WritePipeline) Delete(ctx context.Context, bearerToken string, id string) error {
	if err := wp.checkReadOnly(); err != nil {
		return err
	}
	who, err := wp.extractAgent(bearerToken)
	if err != nil {
		return err
	}

	existing, err := wp.loadExisting(ctx, id)
	if err != nil {
		return wrapLoadErr(err)
	}
	authorized := wp.extractor.IsAuthorizedAgent(who.Agent, existing.Meta().GeneratedBy)
	if err := versioning.Authorize(who.Agent, existing, authorized); err != nil {
		return err
	}

	shell := wp.engine.Delete(existing)
	if err := withStoreRetry(func() error {
		return wp.adapter.ReplaceOne(ctx, invalidation.ShortID(id), store.Doc(shell))
	}); err != nil {
		return fmt.Errorf("%w: %v", apierr.ErrStoreFailure, err)
	}

	plan := invalidation.ForDelete(existing)
	return wp.invalidate(ctx, plan)
}

// ClearCache drops every cache namespace cluster-wide and waits for every
// live worker to acknowledge before returning the store's post-clear
// length, used by /api/cache/clear.
func (wp *WritePipeline) ClearCache(ctx context.Context) (int, error) {
	wp.cache.Clear()
	size := wp.cache.Stats().Length
	if !wp.cachingOn || wp.bus == nil {
		return size, nil
	}
	if err := wp.bus.WaitForSync(ctx, wp.busDeadline); err != nil {
		return size, err
	}
	return size, nil
}

func mergePlans(plans []invalidation.Plan) invalidation.Plan {
	var merged invalidation.Plan
	seenKeys := make(map[string]struct{})
	seenFields := make(map[string]struct{})
	for _, p := range plans {
		for _, k := range p.Keys {
			if _, ok := seenKeys[k]; ok {
				continue
			}
			seenKeys[k] = struct{}{}
			merged.Keys = append(merged.Keys, k)
		}
		for _, f := range p.Fields {
			if _, ok := seenFields[f]; ok {
				continue
			}
			seenFields[f] = struct{}{}
			merged.Fields = append(merged.Fields, f)
		}
		merged.Patterns = append(merged.Patterns, p.Patterns...)
	}
	return merged
}
