package cache

import "strings"

// KeysWithAnyField returns the keys of every live entry under the given key
// prefix (e.g. "query:") whose recorded field list intersects names. Used by
// the invalidation planner's by-object rule to find cached query/search
// results that referenced a mutated object's field without re-reading the
// query bodies themselves.
func (s *Store) KeysWithAnyField(prefix string, names []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}

	var out []string
	for e := s.lru.Front(); e != nil; e = e.Next() {
		it := e.Value.(*item)
		if it.expired() || !strings.HasPrefix(it.key, prefix) {
			continue
		}
		for _, f := range it.fields {
			if _, ok := wanted[f]; ok {
				out = append(out, it.key)
				break
			}
		}
	}
	return out
}
