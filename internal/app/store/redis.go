package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	Experiment "canary-conductor/internal/app/experiment"
	Flags "canary-conductor/internal/app/flags"
)

const (
	redisFlagsKey         = "flags"
	redisExperimentPrefix = "experiment:"
)

// NewRedisClient connects and probes the Redis instance before handing the
// client to the stores.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis at %s: %v", addr, err)
	}
	log.Infof("connected to redis at %s (db %d)", addr, db)
	return client, nil
}

// RedisFlagStore keeps each flag as a JSON field of one hash.
type RedisFlagStore struct {
	client *redis.Client
}

func NewRedisFlagStore(client *redis.Client) *RedisFlagStore {
	return &RedisFlagStore{client: client}
}

func (s *RedisFlagStore) GetFlag(ctx context.Context, name string) (*Flags.Flag, error) {
	data, err := s.client.HGet(ctx, redisFlagsKey, name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, Flags.ErrFlagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read flag '%s': %v", name, err)
	}
	var f Flags.Flag
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("failed to decode flag '%s': %v", name, err)
	}
	return &f, nil
}

func (s *RedisFlagStore) PutFlag(ctx context.Context, f *Flags.Flag) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode flag '%s': %v", f.Name, err)
	}
	if err := s.client.HSet(ctx, redisFlagsKey, f.Name, data).Err(); err != nil {
		return fmt.Errorf("failed to write flag '%s': %v", f.Name, err)
	}
	return nil
}

func (s *RedisFlagStore) ListFlags(ctx context.Context) ([]*Flags.Flag, error) {
	entries, err := s.client.HGetAll(ctx, redisFlagsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %v", err)
	}
	out := make([]*Flags.Flag, 0, len(entries))
	for name, data := range entries {
		var f Flags.Flag
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, fmt.Errorf("failed to decode flag '%s': %v", name, err)
		}
		out = append(out, &f)
	}
	return out, nil
}

// RedisExperimentStore appends each record to a per-experiment list.
type RedisExperimentStore struct {
	client *redis.Client
}

func NewRedisExperimentStore(client *redis.Client) *RedisExperimentStore {
	return &RedisExperimentStore{client: client}
}

func (s *RedisExperimentStore) Append(ctx context.Context, rec Experiment.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode experiment record: %v", err)
	}
	key := redisExperimentPrefix + rec.ExperimentID
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to append to '%s': %v", key, err)
	}
	return nil
}

func (s *RedisExperimentStore) List(ctx context.Context, experimentID string) ([]Experiment.Record, error) {
	key := redisExperimentPrefix + experimentID
	entries, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read '%s': %v", key, err)
	}
	out := make([]Experiment.Record, 0, len(entries))
	for _, data := range entries {
		var rec Experiment.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record in '%s': %v", key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
