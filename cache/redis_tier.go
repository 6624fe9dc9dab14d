package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgecore/edgecore/observability"
)

// versionedPutScript writes an entry only if its version is newer.
// Single instruction from Redis' perspective, so concurrent edge
// processes sharing a tier cannot interleave a stale write.
const versionedPutScript = `
-- KEYS[1] = key
-- ARGV[1] = entry (JSON)
-- ARGV[2] = version
-- ARGV[3] = ttl (seconds, 0 = no expiry)

local current = redis.call("HGET", KEYS[1], "version")

if not current or tonumber(ARGV[2]) >= tonumber(current) then
    redis.call("HMSET", KEYS[1], "entry", ARGV[1], "version", ARGV[2])
    if tonumber(ARGV[3]) > 0 then
        redis.call("EXPIRE", KEYS[1], ARGV[3])
    end
    return 1
else
    return 0
end
`

// RedisTier is a persistence-hook implementation of the local tier
// backed by Redis. Optional; the default tier is in-process.
type RedisTier struct {
	client *redis.Client
	putSHA string
}

// NewRedisTier connects and preloads the versioned put script.
func NewRedisTier(addr, password string, db int) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	sha, err := client.ScriptLoad(ctx, versionedPutScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preloading versioned put script: %w", err)
	}

	return &RedisTier{client: client, putSHA: sha}, nil
}

func (t *RedisTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	start := time.Now()
	defer func() {
		observability.TierLatency.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}()

	raw, err := t.client.HGet(ctx, key, "entry").Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, false, fmt.Errorf("unmarshaling cache entry: %w", err)
	}
	return &e, true, nil
}

func (t *RedisTier) Put(ctx context.Context, key string, e *Entry) error {
	start := time.Now()
	defer func() {
		observability.TierLatency.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}()

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}

	ttlSeconds := int(e.TTL.Seconds())
	result, err := t.client.EvalSha(ctx, t.putSHA, []string{key}, string(raw), e.Version, ttlSeconds).Result()
	if err != nil && err.Error() == "NOSCRIPT No matching script. Please use EVAL." {
		// Redis restarted and lost the script cache; reload and retry.
		t.putSHA, _ = t.client.ScriptLoad(ctx, versionedPutScript).Result()
		result, err = t.client.EvalSha(ctx, t.putSHA, []string{key}, string(raw), e.Version, ttlSeconds).Result()
	}
	if err != nil {
		return err
	}
	if set, ok := result.(int64); ok && set == 0 {
		return fmt.Errorf("version conflict: newer version exists for %s", key)
	}
	return nil
}

func (t *RedisTier) Delete(ctx context.Context, key string) error {
	return t.client.Del(ctx, key).Err()
}

func (t *RedisTier) DeleteNamespace(ctx context.Context, prefix string) error {
	iter := t.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := t.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (t *RedisTier) Close() error {
	return t.client.Close()
}
