package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rerum.dev/cache"
	"rerum.dev/cluster"
	"rerum.dev/internal/agent"
	"rerum.dev/internal/apierr"
	"rerum.dev/store"
	"rerum.dev/versioning"
)

var testSecret = []byte("super-secret-signing-key")

func bearerFor(t *testing.T, claimPath, agentURL string) string {
	t.Helper()
	tok, err := jwt.NewBuilder().Claim(claimPath, agentURL).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, testSecret))
	require.NoError(t, err)
	return string(signed)
}

func newTestExtractor() *agent.Extractor {
	return agent.NewExtractor(testSecret, "http://rerum.io/agent", "http://rerum.io/agent/bot")
}

func newSingleWorkerPipelines(t *testing.T) (*ReadPipeline, *WritePipeline, *store.MemoryAdapter, *cache.Store) {
	t.Helper()
	mem := store.NewMemoryAdapter()
	c := cache.New()
	rp := NewReadPipeline(c, mem, true)
	wp := New(Config{
		Cache:       c,
		Adapter:     mem,
		Bus:         nil,
		Engine:      versioning.New("https://store.example/v1/id"),
		Extractor:   newTestExtractor(),
		CachingOn:   true,
		BusDeadline: time.Second,
	})
	return rp, wp, mem, c
}

func TestWritePipeline_Create_IDRoundTrip_MissThenHit(t *testing.T) {
	ctx := context.Background()
	rp, wp, _, _ := newSingleWorkerPipelines(t)
	bearer := bearerFor(t, "http://rerum.io/agent", "https://example.org/agents/alice")

	doc, err := wp.Create(ctx, bearer, versioning.Document{"label": "a widget"})
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID())

	id := doc["_id"].(string)

	miss, err := rp.ByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, miss.Found)
	assert.False(t, miss.Hit)

	hit, err := rp.ByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, hit.Hit)
	assert.Equal(t, miss.Body, hit.Body)
}

func TestWritePipeline_Release_ThenUpdate_IsForbidden(t *testing.T) {
	ctx := context.Background()
	_, wp, _, _ := newSingleWorkerPipelines(t)
	bearer := bearerFor(t, "http://rerum.io/agent", "https://example.org/agents/alice")

	doc, err := wp.Create(ctx, bearer, versioning.Document{"label": "a widget"})
	require.NoError(t, err)

	_, err = wp.Release(ctx, bearer, doc.ID())
	require.NoError(t, err)

	_, err = wp.Update(ctx, bearer, versioning.Document{"@id": doc.ID(), "label": "changed"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrForbidden)
}

func TestWritePipeline_Delete_ThenUpdate_IsNotFound(t *testing.T) {
	ctx := context.Background()
	_, wp, _, _ := newSingleWorkerPipelines(t)
	bearer := bearerFor(t, "http://rerum.io/agent", "https://example.org/agents/alice")

	doc, err := wp.Create(ctx, bearer, versioning.Document{"label": "a widget"})
	require.NoError(t, err)

	require.NoError(t, wp.Delete(ctx, bearer, doc.ID()))

	_, err = wp.Update(ctx, bearer, versioning.Document{"@id": doc.ID(), "label": "changed"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestWritePipeline_Update_WrongAgent_IsUnauthenticated(t *testing.T) {
	ctx := context.Background()
	_, wp, _, _ := newSingleWorkerPipelines(t)
	alice := bearerFor(t, "http://rerum.io/agent", "https://example.org/agents/alice")
	mallory := bearerFor(t, "http://rerum.io/agent", "https://example.org/agents/mallory")

	doc, err := wp.Create(ctx, alice, versioning.Document{"label": "a widget"})
	require.NoError(t, err)

	_, err = wp.Update(ctx, mallory, versioning.Document{"@id": doc.ID(), "label": "changed"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrUnauthenticated)
}

func TestWritePipeline_ThreeGenerationChain_HistoryAndSinceOrdering(t *testing.T) {
	ctx := context.Background()
	rp, wp, _, _ := newSingleWorkerPipelines(t)
	bearer := bearerFor(t, "http://rerum.io/agent", "https://example.org/agents/alice")

	gen1, err := wp.Create(ctx, bearer, versioning.Document{"label": "v1"})
	require.NoError(t, err)

	r2, err := wp.Update(ctx, bearer, versioning.Document{"@id": gen1.ID(), "label": "v2"})
	require.NoError(t, err)
	gen2 := r2.Document

	r3, err := wp.Update(ctx, bearer, versioning.Document{"@id": gen2.ID(), "label": "v3"})
	require.NoError(t, err)
	gen3 := r3.Document

	histRes, err := rp.History(ctx, gen3["_id"].(string))
	require.NoError(t, err)
	var hist []map[string]interface{}
	require.NoError(t, decodeBody(histRes.Body, &hist))
	require.Len(t, hist, 2)
	assert.Equal(t, gen2["_id"], hist[0]["_id"])
	assert.Equal(t, gen1["_id"], hist[1]["_id"])

	sinceRes, err := rp.Since(ctx, gen1["_id"].(string))
	require.NoError(t, err)
	var since []map[string]interface{}
	require.NoError(t, decodeBody(sinceRes.Body, &since))
	require.Len(t, since, 2)
	assert.Equal(t, gen2["_id"], since[0]["_id"])
	assert.Equal(t, gen3["_id"], since[1]["_id"])
}

func TestWritePipeline_Overwrite_NoDiff_IsNotModified(t *testing.T) {
	ctx := context.Background()
	_, wp, _, _ := newSingleWorkerPipelines(t)
	bearer := bearerFor(t, "http://rerum.io/agent", "https://example.org/agents/alice")

	doc, err := wp.Create(ctx, bearer, versioning.Document{"label": "a widget"})
	require.NoError(t, err)

	res, err := wp.Overwrite(ctx, bearer, versioning.Document{"@id": doc.ID(), "label": "a widget"})
	require.NoError(t, err)
	assert.True(t, res.NotModified)
}

func TestWritePipeline_ReadOnly_RejectsMutations(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryAdapter()
	c := cache.New()
	wp := New(Config{
		Cache:     c,
		Adapter:   mem,
		Engine:    versioning.New("https://store.example/v1/id"),
		Extractor: newTestExtractor(),
		ReadOnly:  true,
	})
	bearer := bearerFor(t, "http://rerum.io/agent", "https://example.org/agents/alice")

	_, err := wp.Create(ctx, bearer, versioning.Document{"label": "a widget"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrReadOnly)
}

func decodeBody(body []byte, v interface{}) error {
	return json.Unmarshal(body, v)
}

// newClusterPair wires two independent worker processes (their own cache,
// their own Bus connection) against one shared miniredis instance, the same
// arrangement cluster's own Bus tests use for a single worker.
func newClusterPair(t *testing.T) (mr *miniredis.Miniredis, busA, busB *cluster.Bus, cacheA, cacheB *cache.Store) {
	t.Helper()
	var err error
	mr, err = miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := cluster.Config{RedisURL: "redis://" + mr.Addr(), Deadline: 500 * time.Millisecond, HeartbeatTTL: time.Second}
	busA, err = cluster.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { busA.Close() })
	busB, err = cluster.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { busB.Close() })

	cacheA = cache.New()
	cacheB = cache.New()
	return mr, busA, busB, cacheA, cacheB
}

func TestWritePipeline_CrossWorker_UpdateInvalidatesOtherWorkersCache(t *testing.T) {
	_, busA, busB, cacheA, cacheB := newClusterPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, 2)
	go func() {
		started <- struct{}{}
		_ = busA.Start(ctx, CacheApplier(cacheA))
	}()
	go func() {
		started <- struct{}{}
		_ = busB.Start(ctx, CacheApplier(cacheB))
	}()
	<-started
	<-started
	busA.StartHeartbeat(ctx)
	busB.StartHeartbeat(ctx)
	time.Sleep(100 * time.Millisecond)

	mem := store.NewMemoryAdapter()
	engine := versioning.New("https://store.example/v1/id")
	extractor := newTestExtractor()
	bearer := bearerFor(t, "http://rerum.io/agent", "https://example.org/agents/alice")

	rpA := NewReadPipeline(cacheA, mem, true)
	wpA := New(Config{Cache: cacheA, Adapter: mem, Bus: busA, Engine: engine, Extractor: extractor, CachingOn: true, BusDeadline: 2 * time.Second})
	rpB := NewReadPipeline(cacheB, mem, true)
	wpB := New(Config{Cache: cacheB, Adapter: mem, Bus: busB, Engine: engine, Extractor: extractor, CachingOn: true, BusDeadline: 2 * time.Second})

	doc, err := wpA.Create(ctx, bearer, versioning.Document{"type": "widget", "label": "first"})
	require.NoError(t, err)

	queryMiss, err := rpB.Query(ctx, map[string]interface{}{"type": "widget"}, 0, 0, nil)
	require.NoError(t, err)
	assert.False(t, queryMiss.Hit)

	queryHit, err := rpB.Query(ctx, map[string]interface{}{"type": "widget"}, 0, 0, nil)
	require.NoError(t, err)
	assert.True(t, queryHit.Hit)

	_, err = wpA.Update(ctx, bearer, versioning.Document{"@id": doc.ID(), "type": "widget", "label": "second"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := rpB.Query(ctx, map[string]interface{}{"type": "widget"}, 0, 0, nil)
		return err == nil && !res.Hit
	}, time.Second, 10*time.Millisecond, "worker B's query cache should have been invalidated by worker A's update")
}

func TestWritePipeline_ClearCache_ReportsEmptyOnAnyWorker(t *testing.T) {
	_, busA, busB, cacheA, cacheB := newClusterPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = busA.Start(ctx, CacheApplier(cacheA)) }()
	go func() { _ = busB.Start(ctx, CacheApplier(cacheB)) }()
	busA.StartHeartbeat(ctx)
	busB.StartHeartbeat(ctx)
	time.Sleep(100 * time.Millisecond)

	mem := store.NewMemoryAdapter()
	engine := versioning.New("https://store.example/v1/id")
	extractor := newTestExtractor()
	bearer := bearerFor(t, "http://rerum.io/agent", "https://example.org/agents/alice")

	wpA := New(Config{Cache: cacheA, Adapter: mem, Bus: busA, Engine: engine, Extractor: extractor, CachingOn: true, BusDeadline: 2 * time.Second})
	rpB := NewReadPipeline(cacheB, mem, true)

	_, err := wpA.Create(ctx, bearer, versioning.Document{"type": "widget"})
	require.NoError(t, err)
	_, err = rpB.Query(ctx, map[string]interface{}{"type": "widget"}, 0, 0, nil)
	require.NoError(t, err)
	assert.NotZero(t, cacheB.Stats().Length)

	size, err := wpA.ClearCache(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	require.Eventually(t, func() bool {
		return cacheB.Stats().Length == 0
	}, time.Second, 10*time.Millisecond, "cache/clear must propagate to every worker")
}
