package cache

// Stats is a point-in-time snapshot of the counters exposed via
// /api/cache/stats.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Sets      uint64
	Evictions uint64
	Errors    uint64
	Length    int
	Bytes     int64
	TTL       int64 // seconds
	MaxLength int
	MaxBytes  int64
}
