package cluster

import (
	"context"
	"time"
)

// StartHeartbeat registers this worker on the liveness roster and refreshes
// its lease until ctx is cancelled. A worker missing from the roster is
// treated as down and excluded from BroadcastInvalidate's expected-ack set.
func (b *Bus) StartHeartbeat(ctx context.Context) {
	b.heartbeatOnce(ctx)
	ticker := time.NewTicker(b.heartbeatTTL / 2)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.heartbeatOnce(ctx)
			case <-ctx.Done():
				b.client.Del(context.Background(), rosterKeyPrefix+b.workerID)
				return
			}
		}
	}()
}

func (b *Bus) heartbeatOnce(ctx context.Context) {
	b.client.Set(ctx, rosterKeyPrefix+b.workerID, time.Now().Format(time.RFC3339), b.heartbeatTTL)
}

// liveRoster lists every worker with an unexpired heartbeat key.
func (b *Bus) liveRoster(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		ids    []string
	)
	for {
		keys, next, err := b.client.Scan(ctx, cursor, rosterKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			ids = append(ids, k[len(rosterKeyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}
