package redis

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/duralog/duralog/pkg/store"
	storeparams "github.com/duralog/duralog/pkg/store/params"
	"github.com/redis/go-redis/v9"
)

const (
	DriverName = "redis"

	connectMaxElapsedTime = 15 * time.Second

	// each sorted set member is the 8-byte big-endian index followed by the value,
	// which keeps members unique even when two entries carry identical bytes
	memberIndexLen = 8
)

type Driver struct{}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

func (d *Driver) Open(ctx context.Context, params storeparams.Store) (store.Store, error) {
	p := params.Redis
	if p == nil {
		return nil, fmt.Errorf("missing %s settings: %w", DriverName, store.ErrDriverConfiguration)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     p.Address,
		Username: p.Username,
		Password: p.Password,
		DB:       p.DB,
		PoolSize: p.PoolSize,
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsedTime
	err := backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", p.Address, store.ErrConnectFailed)
	}
	return &Store{
		client:    client,
		keyPrefix: p.KeyPrefix,
	}, nil
}

//nolint:gochecknoinits
func init() {
	store.Register(DriverName, &Driver{})
}

func (s *Store) redisKey(namespace, key string) string {
	return s.keyPrefix + namespace + ":" + key
}

func encodeMember(index uint64, value []byte) []byte {
	member := make([]byte, memberIndexLen+len(value))
	binary.BigEndian.PutUint64(member, index)
	copy(member[memberIndexLen:], value)
	return member
}

func decodeMember(member string) (uint64, []byte, error) {
	if len(member) < memberIndexLen {
		return 0, nil, fmt.Errorf("short member (%d bytes): %w", len(member), store.ErrOperationFailed)
	}
	return binary.BigEndian.Uint64([]byte(member[:memberIndexLen])), []byte(member[memberIndexLen:]), nil
}

func (s *Store) Append(ctx context.Context, namespace, key string, index uint64, value []byte) error {
	if key == "" {
		return store.ErrMissingKey
	}
	rk := s.redisKey(namespace, key)
	// drop any member previously written at this index before adding the new one
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rk, formatScore(index), formatScore(index))
	pipe.ZAdd(ctx, rk, redis.Z{
		Score:  float64(index),
		Member: encodeMember(index, value),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("zadd %s: %w", rk, err)
	}
	return nil
}

func formatScore(index uint64) string {
	return strconv.FormatUint(index, 10)
}

func (s *Store) Read(ctx context.Context, namespace, key string, start, end uint64) ([]store.IndexedEntry, error) {
	rk := s.redisKey(namespace, key)
	members, err := s.client.ZRangeByScore(ctx, rk, &redis.ZRangeBy{
		Min: formatScore(start),
		Max: formatScore(end),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", rk, err)
	}
	result := make([]store.IndexedEntry, 0, len(members))
	for _, member := range members {
		index, value, err := decodeMember(member)
		if err != nil {
			return nil, err
		}
		result = append(result, store.IndexedEntry{Index: index, Value: value})
	}
	return result, nil
}

func (s *Store) DropPrefix(ctx context.Context, namespace, key string, lastDropped uint64) error {
	rk := s.redisKey(namespace, key)
	err := s.client.ZRemRangeByScore(ctx, rk, "-inf", formatScore(lastDropped)).Err()
	if err != nil {
		return fmt.Errorf("zremrangebyscore %s: %w", rk, err)
	}
	return nil
}

func (s *Store) Length(ctx context.Context, namespace, key string) (uint64, error) {
	rk := s.redisKey(namespace, key)
	count, err := s.client.ZCard(ctx, rk).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", rk, err)
	}
	return uint64(count), nil
}

func (s *Store) FirstIndex(ctx context.Context, namespace, key string) (uint64, error) {
	return s.edgeIndex(ctx, namespace, key, 0)
}

func (s *Store) LastIndex(ctx context.Context, namespace, key string) (uint64, error) {
	return s.edgeIndex(ctx, namespace, key, -1)
}

func (s *Store) edgeIndex(ctx context.Context, namespace, key string, position int64) (uint64, error) {
	rk := s.redisKey(namespace, key)
	members, err := s.client.ZRange(ctx, rk, position, position).Result()
	if err != nil {
		return 0, fmt.Errorf("zrange %s: %w", rk, err)
	}
	if len(members) == 0 {
		return 0, store.ErrNotFound
	}
	index, _, err := decodeMember(members[0])
	return index, err
}

func (s *Store) Exists(ctx context.Context, namespace, key string) (bool, error) {
	rk := s.redisKey(namespace, key)
	count, err := s.client.Exists(ctx, rk).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", rk, err)
	}
	return count > 0, nil
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	rk := s.redisKey(namespace, key)
	if err := s.client.Del(ctx, rk).Err(); err != nil {
		return fmt.Errorf("del %s: %w", rk, err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, namespace, pattern string, cursor uint64, count int64) (uint64, []string, error) {
	match := s.keyPrefix + namespace + ":" + pattern
	keys, next, err := s.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("scan %s: %w", match, err)
	}
	strip := s.keyPrefix + namespace + ":"
	result := make([]string, 0, len(keys))
	for _, k := range keys {
		result = append(result, strings.TrimPrefix(k, strip))
	}
	return next, result, nil
}

func (s *Store) NumberOfReplicas(ctx context.Context) (int, error) {
	info, err := s.client.Info(ctx, "replication").Result()
	if err != nil {
		return 0, fmt.Errorf("info replication: %w", err)
	}
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "connected_slaves:"); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("parse connected_slaves %q: %w", v, err)
			}
			return n, nil
		}
	}
	return 0, nil
}

func (s *Store) WaitForReplicas(ctx context.Context, n int, timeout time.Duration) (int, error) {
	acked, err := s.client.Wait(ctx, n, timeout).Result()
	if err != nil {
		return 0, fmt.Errorf("wait for %d replicas: %w", n, err)
	}
	return int(acked), nil
}

func (s *Store) Close() {
	_ = s.client.Close()
}
