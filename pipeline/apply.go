package pipeline

import (
	"regexp"

	"rerum.dev/cache"
	"rerum.dev/cluster"
	"rerum.dev/internal/obslog"
)

// CacheApplier adapts a cache.Store into the cluster.Applier ClusterBus
// calls for every invalidation envelope, whether it originated on this
// worker or arrived over pub/sub from another one.
func CacheApplier(store *cache.Store) cluster.Applier {
	return func(env cluster.Envelope) {
		if env.Clear {
			store.Clear()
			return
		}
		for _, k := range env.Keys {
			store.Delete(k)
		}
		for _, k := range store.KeysWithAnyField("query:", env.Fields) {
			store.Delete(k)
		}
		for _, p := range env.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				obslog.Logger.WithField("pattern", p).WithError(err).Error("invalid invalidation pattern received")
				store.RecordError()
				continue
			}
			store.Invalidate(re)
		}
	}
}
