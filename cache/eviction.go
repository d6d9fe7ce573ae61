package cache

import "container/list"

// evictOldestLocked drops the least-recently-used entry. Callers must hold
// s.mu for writing.
func (s *Store) evictOldestLocked() {
	elem := s.lru.Back()
	if elem == nil {
		return
	}
	s.removeElement(elem)
	s.stats.Evictions++
}

// removeElement detaches elem from both the LRU list and the key index and
// accounts for its bytes. Callers must hold s.mu for writing.
func (s *Store) removeElement(elem *list.Element) {
	s.lru.Remove(elem)
	it := elem.Value.(*item)
	delete(s.data, it.key)
	s.totalBytes -= it.sizeBytes
}
