package cache

import "time"

// Option configures a Store at construction time.
type Option func(*Store)

// WithMaxLength bounds the number of entries the store will hold.
func WithMaxLength(n int) Option {
	return func(s *Store) { s.maxLength = n }
}

// WithMaxBytes bounds the total size, in bytes, of stored values.
func WithMaxBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// WithTTL sets the default time-to-live applied to entries that don't
// specify their own.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithCleanupInterval enables the background janitor sweep. A zero interval
// disables active expiration; entries still expire lazily on Get.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) { s.cleanupInterval = d }
}
