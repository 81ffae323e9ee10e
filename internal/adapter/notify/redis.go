package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

const (
	redisTimeout       = time.Second
	DefaultAnomalyTTL  = 24 * time.Hour
	defaultAnomalyList = 100
)

// RedisAnomalyLog keeps anomaly alerts in Redis: one key per alert with a
// TTL, indexed by a per-device sorted set scored by unix time.
type RedisAnomalyLog struct {
	client redis.Cmdable
	ttl    time.Duration
	log    *slog.Logger
}

var (
	_ port.EventPublisher = (*RedisAnomalyLog)(nil)
	_ port.AnomalyLog     = (*RedisAnomalyLog)(nil)
)

// ConnectRedis opens a client and verifies the connection.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       addr,
		Password:   password,
		DB:         db,
		MaxRetries: 3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewRedisAnomalyLog(client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *RedisAnomalyLog {
	if ttl <= 0 {
		ttl = DefaultAnomalyTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisAnomalyLog{client: client, ttl: ttl, log: logger.With("publisher", "redis")}
}

// AnomalyKey is the key of a single stored alert. Nanoseconds keep two
// alerts raised in the same second apart.
func AnomalyKey(ip string, ts time.Time) string {
	return fmt.Sprintf("anomaly:%s:%d", ip, ts.UnixNano())
}

// AnomalyListKey is the sorted set indexing a device's alerts.
func AnomalyListKey(ip string) string {
	return "anomaly_list:" + ip
}

// StoreAnomaly writes the alert and its index entry in one pipeline.
func (r *RedisAnomalyLog) StoreAnomaly(ctx context.Context, alert domain.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly: %w", err)
	}

	key := AnomalyKey(alert.IP, alert.Timestamp)
	listKey := AnomalyListKey(alert.IP)

	pipe := r.client.Pipeline()
	pipe.Set(ctx, key, data, r.ttl)
	pipe.ZAdd(ctx, listKey, redis.Z{Score: float64(alert.Timestamp.UnixMilli()), Member: key})
	pipe.Expire(ctx, listKey, r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentAnomalies returns the newest stored alerts for ip. Index entries
// whose alert already expired are skipped.
func (r *RedisAnomalyLog) RecentAnomalies(ctx context.Context, ip string, limit int) ([]domain.Alert, error) {
	if limit <= 0 || limit > defaultAnomalyList {
		limit = defaultAnomalyList
	}
	keys, err := r.client.ZRevRange(ctx, AnomalyListKey(ip), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get anomalies: %w", err)
	}
	alerts := []domain.Alert{}
	if len(keys) == 0 {
		return alerts, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load anomalies: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var alert domain.Alert
		if err := json.Unmarshal([]byte(raw), &alert); err != nil {
			r.log.Warn("skipping malformed anomaly", "key", keys[i], "error", err)
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

func (r *RedisAnomalyLog) PublishAlert(ctx context.Context, alert domain.Alert) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisTimeout)
	defer cancel()
	if err := r.StoreAnomaly(ctx, alert); err != nil {
		r.log.Warn("could not store anomaly", "ip", alert.IP, "error", err)
	}
}

func (r *RedisAnomalyLog) PublishTierChange(context.Context, domain.TierChange) {}

func (r *RedisAnomalyLog) PublishCycle(context.Context, domain.CycleSummary) {}
