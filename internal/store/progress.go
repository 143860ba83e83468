package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deepinsight-ai/deepinsight/config"
	core "github.com/deepinsight-ai/deepinsight/internal/agent/core"
	"github.com/redis/go-redis/v9"
)

const progressKeyPrefix = "run:progress:"

// ProgressCache mirrors each run's stage snapshots into redis so the progress
// endpoint can serve live state without attaching to the event stream.
type ProgressCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProgressCache(cfg config.RedisConfig) (*ProgressCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ttl := cfg.ProgressTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ProgressCache{client: client, ttl: ttl}, nil
}

// PublishProgress implements core.ProgressPublisher.
func (c *ProgressCache) PublishProgress(ctx context.Context, reportID string, record core.StageRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal stage record: %w", err)
	}
	key := progressKeyPrefix + reportID
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// GetProgress returns the recorded stage snapshots for a run, oldest first.
// A missing key yields an empty slice: the run is either unknown or expired.
func (c *ProgressCache) GetProgress(ctx context.Context, reportID string) ([]core.StageRecord, error) {
	entries, err := c.client.LRange(ctx, progressKeyPrefix+reportID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]core.StageRecord, 0, len(entries))
	for _, entry := range entries {
		var rec core.StageRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal stage record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close releases the redis connection.
func (c *ProgressCache) Close() error { return c.client.Close() }
