package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rerum.dev/cache"
	"rerum.dev/store"
)

func TestReadPipeline_Query_KeyOrderInsensitiveHit(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryAdapter()
	require.NoError(t, mem.InsertOne(ctx, store.Doc{"_id": "1", "type": "widget", "color": "red"}))
	c := cache.New()
	rp := NewReadPipeline(c, mem, true)

	first, err := rp.Query(ctx, map[string]interface{}{"type": "widget", "color": "red"}, 0, 0, nil)
	require.NoError(t, err)
	assert.False(t, first.Hit)

	second, err := rp.Query(ctx, map[string]interface{}{"color": "red", "type": "widget"}, 0, 0, nil)
	require.NoError(t, err)
	assert.True(t, second.Hit)
	assert.Equal(t, first.Body, second.Body)
}

func TestReadPipeline_ByID_MissThenHit(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryAdapter()
	require.NoError(t, mem.InsertOne(ctx, store.Doc{"_id": "abc", "label": "a widget"}))
	c := cache.New()
	rp := NewReadPipeline(c, mem, true)

	miss, err := rp.ByID(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, miss.Found)
	assert.False(t, miss.Hit)
	assert.Empty(t, miss.CacheControl)

	hit, err := rp.ByID(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, hit.Hit)
	assert.NotEmpty(t, hit.CacheControl)
	assert.Equal(t, miss.Body, hit.Body)
}

func TestReadPipeline_ByID_NotFound(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryAdapter()
	c := cache.New()
	rp := NewReadPipeline(c, mem, true)

	res, err := rp.ByID(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestReadPipeline_Disabled_NeverCaches(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryAdapter()
	require.NoError(t, mem.InsertOne(ctx, store.Doc{"_id": "abc", "label": "a widget"}))
	c := cache.New()
	rp := NewReadPipeline(c, mem, false)

	first, err := rp.ByID(ctx, "abc")
	require.NoError(t, err)
	second, err := rp.ByID(ctx, "abc")
	require.NoError(t, err)

	assert.False(t, first.Hit)
	assert.False(t, second.Hit)
}

func TestReadPipeline_History_WalksAncestorsNearestFirst(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryAdapter()
	require.NoError(t, mem.InsertOne(ctx, store.Doc{
		"_id": "root", "@id": "https://store.example/v1/id/root",
		"__rerum": map[string]interface{}{"history": map[string]interface{}{"previous": "", "next": []string{}}},
	}))
	require.NoError(t, mem.InsertOne(ctx, store.Doc{
		"_id": "child", "@id": "https://store.example/v1/id/child",
		"__rerum": map[string]interface{}{"history": map[string]interface{}{"previous": "https://store.example/v1/id/root", "next": []string{}}},
	}))
	require.NoError(t, mem.InsertOne(ctx, store.Doc{
		"_id": "grandchild", "@id": "https://store.example/v1/id/grandchild",
		"__rerum": map[string]interface{}{"history": map[string]interface{}{"previous": "https://store.example/v1/id/child", "next": []string{}}},
	}))

	c := cache.New()
	rp := NewReadPipeline(c, mem, true)

	res, err := rp.History(ctx, "grandchild")
	require.NoError(t, err)
	assert.True(t, res.Found)

	var chain []map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Body, &chain))
	require.Len(t, chain, 2)
	assert.Equal(t, "child", chain[0]["_id"])
	assert.Equal(t, "root", chain[1]["_id"])
}

func TestReadPipeline_Query_NoMatches_ReturnsEmptyArray(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryAdapter()
	c := cache.New()
	rp := NewReadPipeline(c, mem, true)

	res, err := rp.Query(ctx, map[string]interface{}{"type": "nothing-here"}, 0, 0, nil)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.JSONEq(t, `[]`, string(res.Body))
}

func TestReadPipeline_History_OnRoot_ReturnsEmptyArray(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryAdapter()
	require.NoError(t, mem.InsertOne(ctx, store.Doc{
		"_id": "root", "@id": "https://store.example/v1/id/root",
		"__rerum": map[string]interface{}{"history": map[string]interface{}{"previous": "", "next": []string{}}},
	}))
	c := cache.New()
	rp := NewReadPipeline(c, mem, true)

	res, err := rp.History(ctx, "root")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.JSONEq(t, `[]`, string(res.Body))
}

func TestReadPipeline_Since_OnLeaf_ReturnsEmptyArray(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryAdapter()
	require.NoError(t, mem.InsertOne(ctx, store.Doc{
		"_id": "leaf", "@id": "https://store.example/v1/id/leaf",
		"__rerum": map[string]interface{}{"history": map[string]interface{}{"previous": "", "next": []string{}}},
	}))
	c := cache.New()
	rp := NewReadPipeline(c, mem, true)

	res, err := rp.Since(ctx, "leaf")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.JSONEq(t, `[]`, string(res.Body))
}

func TestReadPipeline_Since_WalksDescendants(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryAdapter()
	require.NoError(t, mem.InsertOne(ctx, store.Doc{
		"_id": "root", "@id": "https://store.example/v1/id/root",
		"__rerum": map[string]interface{}{"history": map[string]interface{}{"previous": "", "next": []string{"https://store.example/v1/id/child"}}},
	}))
	require.NoError(t, mem.InsertOne(ctx, store.Doc{
		"_id": "child", "@id": "https://store.example/v1/id/child",
		"__rerum": map[string]interface{}{"history": map[string]interface{}{"previous": "https://store.example/v1/id/root", "next": []string{}}},
	}))

	c := cache.New()
	rp := NewReadPipeline(c, mem, true)

	res, err := rp.Since(ctx, "root")
	require.NoError(t, err)

	var chain []map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Body, &chain))
	require.Len(t, chain, 1)
	assert.Equal(t, "child", chain[0]["_id"])
}
