package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "navrelay/pkg/logx"
)

// redisStore keeps the journal in a capped list: LPUSH newest, LTRIM to MaxEntries.
type redisStore struct {
	client *redis.Client
	key    string
	max    int64
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = "navrelay:deliveries"
	}
	limit := int64(cfg.MaxEntries)
	if limit <= 0 {
		limit = 10000
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Redis may come up after the relay; warn instead of failing startup.
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		log.Warn("redis not reachable yet", logx.String("addr", addr), logx.Any("err", err))
	}
	return &redisStore{client: rdb, key: key, max: limit, log: log}, nil
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) AppendDelivery(ctx context.Context, r Record) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, b)
	pipe.LTrim(ctx, s.key, 0, s.max-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = 100
	}
	raw, err := s.client.LRange(ctx, s.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	// List head is newest; walk backwards for oldest first.
	for i := len(raw) - 1; i >= 0; i-- {
		var r Record
		if err := json.Unmarshal([]byte(raw[i]), &r); err != nil {
			s.log.Debug("skipping bad journal entry", logx.Any("err", err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
