package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	logx "bnoobot/pkg/logx"
)

// redisStore keeps the audit trail in a capped list (newest at the head) and
// each dedup key as a string that expires with its window.
type redisStore struct {
	client   *redis.Client
	log      logx.Logger
	prefix   string
	auditMax int64
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return newRedisStore(client, cfg, log), nil
}

func newRedisStore(client *redis.Client, cfg Config, log logx.Logger) *redisStore {
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "bnoobot:"
	}
	auditMax := cfg.AuditMax
	if auditMax <= 0 {
		auditMax = 1000
	}
	log.Debug("redis store opened", logx.String("addr", cfg.Addr), logx.Int("db", cfg.DB))
	return &redisStore{client: client, log: log, prefix: prefix, auditMax: int64(auditMax)}
}

func (s *redisStore) auditKey() string         { return s.prefix + "audit" }
func (s *redisStore) dedupKey(k string) string { return s.prefix + "dedup:" + k }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.auditKey(), b)
	pipe.LTrim(ctx, s.auditKey(), 0, s.auditMax-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) RecentAudit(ctx context.Context, n int) ([]AuditEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.auditKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(raw))
	for _, r := range raw {
		var e AuditEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			s.log.Debug("skipping malformed audit entry", logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.client.Del(ctx, s.dedupKey(key)).Err()
	}
	return s.client.Set(ctx, s.dedupKey(key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.client.Get(ctx, s.dedupKey(key)).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
