package heartbeat

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWriter stores heartbeats as hashes "heartbeat:<agent_id>" with fields
// owner and at (unix milliseconds), expiring after ttl.
type RedisWriter struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisWriter creates a writer. A zero ttl keeps records until cleared.
func NewRedisWriter(client redis.UniversalClient, ttl time.Duration) *RedisWriter {
	return &RedisWriter{client: client, ttl: ttl}
}

func heartbeatKey(agentID string) string {
	return "heartbeat:" + agentID
}

func (w *RedisWriter) WriteHeartbeat(ctx context.Context, agentID, owner string, at time.Time) error {
	key := heartbeatKey(agentID)
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "owner", owner, "at", at.UnixMilli())
		if w.ttl > 0 {
			pipe.PExpire(ctx, key, w.ttl)
		}
		return nil
	})
	return err
}

func (w *RedisWriter) ClearHeartbeat(ctx context.Context, agentID string) error {
	return w.client.Del(ctx, heartbeatKey(agentID)).Err()
}

// Read returns the owner and time of the agent's last heartbeat.
func (w *RedisWriter) Read(ctx context.Context, agentID string) (owner string, at time.Time, found bool, err error) {
	vals, err := w.client.HGetAll(ctx, heartbeatKey(agentID)).Result()
	if err != nil {
		return "", time.Time{}, false, err
	}
	if len(vals) == 0 {
		return "", time.Time{}, false, nil
	}
	var ms int64
	if raw, ok := vals["at"]; ok {
		ms, _ = strconv.ParseInt(raw, 10, 64)
	}
	return vals["owner"], time.UnixMilli(ms).UTC(), true, nil
}
