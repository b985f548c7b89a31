package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"sentinel/pkg/models"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore persists the event window in sorted sets scored by
// timestamp in microseconds. Every Redis failure is reported as
// ErrStoreUnavailable. Reporting order is timestamp order.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Redis-backed store and pings the server.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "sentinel:store"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis store: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "sentinel:store"
	}
	return &RedisStore{client: client, prefix: strings.TrimSpace(prefix)}
}

// Append records an event in its (kind, subject) set, subject set and
// the global log.
func (s *RedisStore) Append(ctx context.Context, event *models.Event) error {
	if event == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	z := redis.Z{Score: score(event.Timestamp), Member: payload}
	keyKind := s.kindKey(event.Kind, event.SubjectID)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, keyKind, z)
	pipe.ZAdd(ctx, s.logKey(), z)
	pipe.SAdd(ctx, s.indexKey(), keyKind)
	if event.SubjectID != "" {
		keySubject := s.subjectKey(event.SubjectID)
		pipe.ZAdd(ctx, keySubject, z)
		pipe.SAdd(ctx, s.indexKey(), keySubject)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("append event", err)
	}
	return nil
}

// Query returns events of (kind, subject) inside [since, until).
func (s *RedisStore) Query(ctx context.Context, kind models.EventKind, subject string, since, until time.Time) ([]*models.Event, error) {
	return s.rangeEvents(ctx, s.kindKey(kind, subject), since, until)
}

// Subject returns all events of subject inside [since, until).
func (s *RedisStore) Subject(ctx context.Context, subject string, since, until time.Time) ([]*models.Event, error) {
	if subject == "" {
		return nil, nil
	}
	return s.rangeEvents(ctx, s.subjectKey(subject), since, until)
}

// Events returns every event with ts >= since.
func (s *RedisStore) Events(ctx context.Context, since time.Time) ([]*models.Event, error) {
	return s.rangeEvents(ctx, s.logKey(), since, time.Time{})
}

// AppendAlert records an alert.
func (s *RedisStore) AppendAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return nil
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", alert.ID, err)
	}
	if err := s.client.ZAdd(ctx, s.alertKey(), redis.Z{Score: score(alert.Timestamp), Member: payload}).Err(); err != nil {
		return unavailable("append alert", err)
	}
	return nil
}

// Alerts returns alerts with ts >= since.
func (s *RedisStore) Alerts(ctx context.Context, since time.Time) ([]*models.Alert, error) {
	members, err := s.client.ZRangeByScore(ctx, s.alertKey(), &redis.ZRangeBy{
		Min: strconv.FormatFloat(score(since), 'f', 0, 64),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, unavailable("read alerts", err)
	}
	out := make([]*models.Alert, 0, len(members))
	for _, m := range members {
		var a models.Alert
		if err := json.Unmarshal([]byte(m), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

// Evict removes entries older than the cutoff from every tracked set.
func (s *RedisStore) Evict(ctx context.Context, olderThan time.Time) (int, error) {
	max := "(" + strconv.FormatFloat(score(olderThan), 'f', 0, 64)

	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, unavailable("list store keys", err)
	}

	pipe := s.client.Pipeline()
	logRemoved := pipe.ZRemRangeByScore(ctx, s.logKey(), "-inf", max)
	pipe.ZRemRangeByScore(ctx, s.alertKey(), "-inf", max)
	for _, key := range keys {
		pipe.ZRemRangeByScore(ctx, key, "-inf", max)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("evict", err)
	}
	return int(logRemoved.Val()), nil
}

// Clear deletes every key owned by the store.
func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return unavailable("list store keys", err)
	}
	keys = append(keys, s.logKey(), s.alertKey(), s.indexKey())
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) rangeEvents(ctx context.Context, key string, since, until time.Time) ([]*models.Event, error) {
	max := "+inf"
	if !until.IsZero() {
		max = "(" + strconv.FormatFloat(score(until), 'f', 0, 64)
	}
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(score(since), 'f', 0, 64),
		Max: max,
	}).Result()
	if err != nil {
		return nil, unavailable("range "+key, err)
	}

	out := make([]*models.Event, 0, len(members))
	for _, m := range members {
		var ev models.Event
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

func (s *RedisStore) kindKey(kind models.EventKind, subject string) string {
	return s.prefix + ":ev:" + string(kind) + ":" + subject
}

func (s *RedisStore) subjectKey(subject string) string {
	return s.prefix + ":subject:" + subject
}

func (s *RedisStore) logKey() string {
	return s.prefix + ":log"
}

func (s *RedisStore) alertKey() string {
	return s.prefix + ":alerts"
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":keys"
}

func score(ts time.Time) float64 {
	if ts.IsZero() {
		return 0
	}
	return float64(ts.UnixMicro())
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
