package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/a-essam23/go-relay/pkg/store"
)

// Store implements the shared Counter and SetStore primitives on Redis.
// INCR and the set commands are atomic on the server side, which is what
// gives cross-process callers their guarantees.
type Store struct {
	client *redis.Client
}

var (
	_ store.Counter  = (*Store)(nil)
	_ store.SetStore = (*Store)(nil)
)

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) Add(ctx context.Context, key, member string) (bool, error) {
	added, err := s.client.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("sadd %s: %w", key, err)
	}
	return added == 1, nil
}

func (s *Store) Remove(ctx context.Context, key, member string) error {
	if err := s.client.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

func (s *Store) Members(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

func (s *Store) IsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}
