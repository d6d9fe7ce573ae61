// Package cluster implements the ClusterBus: synchronous, acknowledged,
// bounded-latency cache invalidation across every worker in the fleet.
//
// A single Redis/Valkey instance is the coordination point, built on the
// same pub/sub + distributed-lock primitives used elsewhere for leader
// election and remote cache mirroring. Here the primitives compose into
// pub/sub with per-message acknowledgements; a pure fire-and-forget publish,
// with no ack wait, would break read-after-write consistency across the
// fleet, so this package never offers that shape.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"rerum.dev/internal/apierr"
)

const (
	invalidateChannel = "rerum:invalidate"
	rosterKeyPrefix   = "rerum:worker:"
	ackKeyPrefix      = "rerum:ack:"
)

// Applier applies a batch's effect to the local, in-process cache. ClusterBus
// calls it both for envelopes this worker published itself and for ones it
// received over pub/sub from another worker.
type Applier func(Envelope)

// Bus coordinates cluster-wide cache invalidation over Redis pub/sub.
type Bus struct {
	client       *redis.Client
	workerID     string
	heartbeatTTL time.Duration
	deadline     time.Duration
	apply        Applier
	group        singleflight.Group
}

// Config configures a Bus.
type Config struct {
	RedisURL     string
	HeartbeatTTL time.Duration
	Deadline     time.Duration
}

// New connects to Redis and returns a Bus. Call Start to begin applying
// invalidations received from other workers, and StartHeartbeat to join the
// liveness roster.
func New(cfg Config) (*Bus, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("cluster: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cluster: connect to redis: %w", err)
	}

	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = 100 * time.Millisecond
	}
	heartbeatTTL := cfg.HeartbeatTTL
	if heartbeatTTL <= 0 {
		heartbeatTTL = 5 * time.Second
	}

	return &Bus{
		client:       client,
		workerID:     uuid.NewString(),
		heartbeatTTL: heartbeatTTL,
		deadline:     deadline,
	}, nil
}

// Close releases the underlying Redis connection.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Start subscribes to the invalidation channel and applies every envelope
// not originated by this worker (this worker applies its own envelopes
// synchronously inside BroadcastInvalidate/BroadcastClear, before any other
// worker could possibly have acknowledged them). It blocks until ctx is
// cancelled.
func (b *Bus) Start(ctx context.Context, apply Applier) error {
	b.apply = apply
	pubsub := b.client.Subscribe(ctx, invalidateChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("cluster: subscribe: %w", err)
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if env.Origin == b.workerID {
				continue
			}
			if b.apply != nil {
				b.apply(env)
			}
			b.client.RPush(ctx, env.AckKey, b.workerID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BroadcastInvalidate publishes a key/pattern drop to every worker and waits
// for every currently-live worker (per the roster) to acknowledge, within
// the configured deadline. It returns the workers that acknowledged and the
// ones that didn't (timed out, and are dropped from the roster as a result).
func (b *Bus) BroadcastInvalidate(ctx context.Context, keys, patterns, fields []string) (acked, unacked []string, err error) {
	return b.broadcast(ctx, Envelope{Keys: keys, Patterns: patterns, Fields: fields})
}

// BroadcastClear is BroadcastInvalidate's full-clear counterpart, used by
// /api/cache/clear.
func (b *Bus) BroadcastClear(ctx context.Context) (acked, unacked []string, err error) {
	return b.broadcast(ctx, Envelope{Clear: true})
}

func (b *Bus) broadcast(ctx context.Context, env Envelope) (acked, unacked []string, err error) {
	live, err := b.liveRoster(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: roster lookup: %v", apierr.ErrClusterIncoherent, err)
	}

	env.BatchID = uuid.NewString()
	env.AckKey = ackKeyPrefix + env.BatchID
	env.Origin = b.workerID
	defer b.client.Del(context.Background(), env.AckKey)

	// Apply locally first: this worker counts as acknowledged without a
	// pub/sub round trip, and the cache it just mutated is never briefly
	// stale to its own subsequent reads.
	if b.apply != nil {
		b.apply(env)
	}

	payload, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		return nil, nil, fmt.Errorf("%w: marshal envelope: %v", apierr.ErrClusterIncoherent, marshalErr)
	}
	if err := b.client.Publish(ctx, invalidateChannel, payload).Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: publish: %v", apierr.ErrClusterIncoherent, err)
	}

	expected := make(map[string]bool, len(live))
	for _, id := range live {
		if id != b.workerID {
			expected[id] = true
		}
	}
	acked = []string{b.workerID}
	if len(expected) == 0 {
		return acked, nil, nil
	}

	deadline := time.Now().Add(b.deadline)
	for len(expected) > 0 && time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		res, popErr := b.client.BLPop(ctx, remaining, env.AckKey).Result()
		if popErr == redis.Nil {
			break
		}
		if popErr != nil {
			break
		}
		if len(res) == 2 {
			workerID := res[1]
			if expected[workerID] {
				delete(expected, workerID)
				acked = append(acked, workerID)
			}
		}
	}

	for id := range expected {
		unacked = append(unacked, id)
		b.client.Del(context.Background(), rosterKeyPrefix+id)
	}

	if len(unacked) > 0 {
		return acked, unacked, fmt.Errorf("%w: %d of %d workers did not acknowledge within %s",
			apierr.ErrClusterIncoherent, len(unacked), len(live), b.deadline)
	}
	return acked, nil, nil
}

// WaitForSync broadcasts a cluster-wide clear and blocks until every live
// worker has acknowledged it, or deadline (when positive) or the Bus's own
// configured deadline elapses, whichever comes first. Concurrent callers
// share a single clear and wait via singleflight so a burst of
// /api/cache/clear requests doesn't fan out into redundant BLPOPs.
func (b *Bus) WaitForSync(ctx context.Context, deadline time.Duration) error {
	_, err, _ := b.group.Do("sync", func() (interface{}, error) {
		syncCtx := ctx
		if deadline > 0 {
			var cancel context.CancelFunc
			syncCtx, cancel = context.WithTimeout(ctx, deadline)
			defer cancel()
		}
		_, unacked, err := b.BroadcastClear(syncCtx)
		if err != nil {
			return nil, err
		}
		if len(unacked) > 0 {
			return nil, fmt.Errorf("%w: %d workers unreachable", apierr.ErrClusterIncoherent, len(unacked))
		}
		return nil, nil
	})
	return err
}
