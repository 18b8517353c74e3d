// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================
// Redis-Backed Distributed Trust State
// ============================================================

const (
	redisStateKeyPrefix = "trustgate:state:"

	// DefaultStateTTL bounds how long an idle conversation's trust state is
	// retained. Expiry recreates the state trusted, matching lazy creation.
	DefaultStateTTL = 24 * time.Hour
)

// RedisStateStore is a StateStore shared across gateway instances. Writes
// are last-writer-wins; within one instance the engine already serializes
// per-unit transitions, and across instances arrival order at Redis decides.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStateStore connects to Redis and verifies the connection.
// redisURL uses the usual format (redis://host:port/db).
func NewRedisStateStore(redisURL string, ttl time.Duration) (*RedisStateStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	log.Printf("[TrustState] Redis state store connected: %s", redisURL)
	return &RedisStateStore{client: client, ttl: ttl}, nil
}

// NewRedisStateStoreFromClient wraps an existing client (tests use this with
// miniredis).
func NewRedisStateStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &RedisStateStore{client: client, ttl: ttl}
}

// Get implements StateStore. A missing key yields the lazily-created trusted
// state, which is written back so expiry behaves uniformly.
func (s *RedisStateStore) Get(ctx context.Context, unit string) (TrustState, error) {
	raw, err := s.client.Get(ctx, redisStateKeyPrefix+unit).Result()
	if err == redis.Nil {
		state := TrustState{
			Unit:             unit,
			IsTrusted:        true,
			LastTransitionAt: time.Now().UTC(),
		}
		if err := s.write(ctx, state); err != nil {
			return state, err
		}
		return state, nil
	}
	if err != nil {
		return TrustState{}, fmt.Errorf("failed to read trust state: %w", err)
	}

	var state TrustState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return TrustState{}, fmt.Errorf("corrupt trust state for %s: %w", unit, err)
	}
	return state, nil
}

// SetTrusted implements StateStore.
func (s *RedisStateStore) SetTrusted(ctx context.Context, unit, reason string) (TrustState, error) {
	return s.set(ctx, unit, true, reason)
}

// SetUntrusted implements StateStore.
func (s *RedisStateStore) SetUntrusted(ctx context.Context, unit, reason string) (TrustState, error) {
	return s.set(ctx, unit, false, reason)
}

func (s *RedisStateStore) set(ctx context.Context, unit string, trusted bool, reason string) (TrustState, error) {
	state := TrustState{
		Unit:             unit,
		IsTrusted:        trusted,
		Reason:           reason,
		LastTransitionAt: time.Now().UTC(),
	}
	if err := s.write(ctx, state); err != nil {
		return state, err
	}
	return state, nil
}

func (s *RedisStateStore) write(ctx context.Context, state TrustState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal trust state: %w", err)
	}
	if err := s.client.Set(ctx, redisStateKeyPrefix+state.Unit, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write trust state: %w", err)
	}
	return nil
}
