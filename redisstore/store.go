// Package redisstore keeps user field mappings in Redis, one hash per user.
package redisstore

import (
	"context"
	"strconv"

	"evermeet/account"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "evermeet:"

type Store struct {
	rdb    *redis.Client
	prefix string
}

// New wraps an existing client. An empty prefix falls back to "evermeet:".
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Dial creates a client for addr and wraps it.
func Dial(addr, password string, db int, prefix string) *Store {
	return New(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), prefix)
}

func (s *Store) key(id int64) string {
	return s.prefix + "user:" + strconv.FormatInt(id, 10)
}

func (s *Store) Fetch(ctx context.Context, id int64) (account.Fields, error) {
	values, err := s.rdb.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, account.ErrNotFound
	}
	return account.Fields(values), nil
}

// Save replaces the whole hash atomically so stale friend_id_i keys never survive.
func (s *Store) Save(ctx context.Context, id int64, fields account.Fields) error {
	key := s.key(id)
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values)
		}
		return nil
	})
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
