package cache

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetGet_Hit(t *testing.T) {
	s := New()
	s.Set("query:1", []byte(`[]`), nil)

	v, ok := s.Get("query:1")
	assert.True(t, ok)
	assert.Equal(t, []byte(`[]`), v)
	assert.Equal(t, uint64(1), s.Stats().Hits)
}

func TestGet_Miss(t *testing.T) {
	s := New()
	v, ok := s.Get("missing")
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, uint64(1), s.Stats().Misses)
}

func TestTTL_Expiry(t *testing.T) {
	s := New(WithTTL(10 * time.Millisecond))
	s.Set("id:1", []byte("x"), nil)
	time.Sleep(20 * time.Millisecond)

	v, ok := s.Get("id:1")
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, uint64(1), s.Stats().Evictions)
}

func TestMaxLength_EvictsLRU(t *testing.T) {
	s := New(WithMaxLength(2))
	s.Set("a", []byte("1"), nil)
	s.Set("b", []byte("2"), nil)
	s.Set("c", []byte("3"), nil) // evicts "a"

	_, ok := s.Get("a")
	assert.False(t, ok)
	_, ok = s.Get("b")
	assert.True(t, ok)
	_, ok = s.Get("c")
	assert.True(t, ok)
	assert.LessOrEqual(t, s.Stats().Length, 2)
}

func TestMaxBytes_Enforced(t *testing.T) {
	s := New(WithMaxBytes(10))
	s.Set("a", []byte("01234"), nil)
	s.Set("b", []byte("56789"), nil)
	s.Set("c", []byte("abcde"), nil)

	assert.LessOrEqual(t, s.Stats().Bytes, int64(10))
}

func TestInvalidate_Pattern(t *testing.T) {
	s := New()
	s.Set("query:1", []byte("a"), nil)
	s.Set("query:2", []byte("b"), nil)
	s.Set("id:1", []byte("c"), nil)

	removed := s.Invalidate(regexp.MustCompile(`^query:`))
	assert.Equal(t, 2, removed)

	_, ok := s.Get("id:1")
	assert.True(t, ok)
	_, ok = s.Get("query:1")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	s := New()
	s.Set("a", []byte("1"), nil)
	s.Clear()
	assert.Equal(t, 0, s.Stats().Length)
}

func TestDelete(t *testing.T) {
	s := New()
	s.Set("a", []byte("1"), nil)
	s.Delete("a")
	_, ok := s.Get("a")
	assert.False(t, ok)
}
