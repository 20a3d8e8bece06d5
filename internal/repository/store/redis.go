package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Singlerr/FarPlaneTwo/internal/tile"
	"github.com/Singlerr/FarPlaneTwo/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

const redisDirtySet = "tiles:dirty"

// RedisStore keeps one hash per tile and a set of dirty positions.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL expires tile hashes; zero keeps them forever.
	TTL time.Duration
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		ttl:    cfg.TTL,
	}, nil
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) keyFor(pos tile.Pos) string {
	return fmt.Sprintf("tile:%d:%d:%d", pos.Level, pos.X, pos.Z)
}

func memberFor(pos tile.Pos) string {
	return fmt.Sprintf("%d:%d:%d", pos.Level, pos.X, pos.Z)
}

func parseMember(m string) (tile.Pos, error) {
	var p tile.Pos
	_, err := fmt.Sscanf(m, "%d:%d:%d", &p.Level, &p.X, &p.Z)
	return p, err
}

func observe(op string, start time.Time, err error) {
	metrics.RedisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, redis.Nil) {
		metrics.RedisErrors.WithLabelValues(op).Inc()
	}
}

func (s *RedisStore) Get(ctx context.Context, pos tile.Pos) (rec tile.Record, ok bool, err error) {
	start := time.Now()
	defer func() { observe("get", start, err) }()

	vals, err := s.client.HGetAll(ctx, s.keyFor(pos)).Result()
	if err != nil {
		return tile.Record{}, false, s.wrap("get", err)
	}
	if len(vals) == 0 {
		return tile.Record{}, false, nil
	}

	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return tile.Record{}, false, fmt.Errorf("redis get error: bad timestamp: %w", err)
	}
	dirty, err := strconv.ParseInt(vals["dirty"], 10, 64)
	if err != nil {
		return tile.Record{}, false, fmt.Errorf("redis get error: bad dirty timestamp: %w", err)
	}

	rec = tile.Record{
		Timestamp:      tile.Timestamp(ts),
		DirtyTimestamp: tile.Timestamp(dirty),
	}
	if p, ok := vals["payload"]; ok && p != "" {
		rec.Payload = []byte(p)
	}
	return rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, pos tile.Pos, rec tile.Record) (err error) {
	start := time.Now()
	defer func() { observe("put", start, err) }()

	key := s.keyFor(pos)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"ts", int64(rec.Timestamp),
			"dirty", int64(rec.DirtyTimestamp),
			"payload", rec.Payload,
		)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		if isDirty(rec) {
			pipe.SAdd(ctx, redisDirtySet, memberFor(pos))
		} else {
			pipe.SRem(ctx, redisDirtySet, memberFor(pos))
		}
		return nil
	})
	if err != nil {
		return s.wrap("set", err)
	}
	return nil
}

func (s *RedisStore) ListDirty(ctx context.Context) (out []tile.Pos, err error) {
	start := time.Now()
	defer func() { observe("list_dirty", start, err) }()

	iter := s.client.SScan(ctx, redisDirtySet, 0, "", 256).Iterator()
	for iter.Next(ctx) {
		p, err := parseMember(iter.Val())
		if err != nil {
			return nil, fmt.Errorf("redis scan error: bad member %q: %w", iter.Val(), err)
		}
		out = append(out, p)
	}
	if err := iter.Err(); err != nil {
		return nil, s.wrap("scan", err)
	}
	return out, nil
}

func (s *RedisStore) wrap(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("redis %s error: %w", op, err)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
