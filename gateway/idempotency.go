// Copyright 2025 MPCGate
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

package gateway

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"mpcgate/gateway/contract"
)

// Store suppresses duplicate work keyed by idempotency key. Do returns the
// response built for key within the TTL, or runs build once and caches its
// result. The bool reports whether the response was replayed.
//
// Any response build produces, ok or error, is cached: a client retrying
// a denied request gets the same denial back, which is the point of the
// key. Build failures (panics of the pipeline surface as errors here) are
// never cached.
type Store interface {
	Do(ctx context.Context, key string, build func() (*contract.Response, error)) (*contract.Response, bool, error)
}

// DefaultIdempotencyCapacity bounds the in-memory store.
const DefaultIdempotencyCapacity = 1024

// DefaultIdempotencyTTL is how long a cached response stays replayable.
const DefaultIdempotencyTTL = 10 * time.Minute

// MemoryStore is an LRU + TTL response cache with per-key in-flight
// locking: concurrent duplicates wait for the first build instead of
// executing twice.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List // front = most recent
	inflight map[string]*inflightBuild
	now      func() time.Time
}

type memoryEntry struct {
	key       string
	response  *contract.Response
	expiresAt time.Time
}

type inflightBuild struct {
	done     chan struct{}
	response *contract.Response
	err      error
}

// NewMemoryStore builds a store with the given capacity and TTL.
// Non-positive arguments fall back to the defaults.
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryStore{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		inflight: make(map[string]*inflightBuild),
		now:      time.Now,
	}
}

// Do implements Store.
func (s *MemoryStore) Do(ctx context.Context, key string, build func() (*contract.Response, error)) (*contract.Response, bool, error) {
	s.mu.Lock()

	if elem, ok := s.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		if s.now().Before(entry.expiresAt) {
			s.order.MoveToFront(elem)
			resp := entry.response
			s.mu.Unlock()
			return resp, true, nil
		}
		s.order.Remove(elem)
		delete(s.entries, key)
	}

	if flight, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		select {
		case <-flight.done:
			return flight.response, true, flight.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	flight := &inflightBuild{done: make(chan struct{})}
	s.inflight[key] = flight
	s.mu.Unlock()

	resp, err := build()
	flight.response, flight.err = resp, err
	close(flight.done)

	s.mu.Lock()
	delete(s.inflight, key)
	if err == nil && resp != nil {
		elem := s.order.PushFront(&memoryEntry{
			key:       key,
			response:  resp,
			expiresAt: s.now().Add(s.ttl),
		})
		s.entries[key] = elem
		for len(s.entries) > s.capacity {
			oldest := s.order.Back()
			s.order.Remove(oldest)
			delete(s.entries, oldest.Value.(*memoryEntry).key)
		}
	}
	s.mu.Unlock()

	return resp, false, err
}

// Len returns the number of cached responses.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisStore shares cached responses across replicas. It has no
// cross-replica in-flight locking; two replicas may build the same key
// concurrently and the SetNX loser serves the winner's response.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore connects to the URL (redis://host:port/db) and verifies
// the connection.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisStore{client: client, ttl: ttl, prefix: "mpc:idem:"}, nil
}

// Do implements Store.
func (s *RedisStore) Do(ctx context.Context, key string, build func() (*contract.Response, error)) (*contract.Response, bool, error) {
	redisKey := s.prefix + key

	if data, err := s.client.Get(ctx, redisKey).Bytes(); err == nil {
		resp, decodeErr := contract.DecodeResponse(data)
		if decodeErr == nil {
			return resp, true, nil
		}
		// Unreadable entry: fall through and rebuild.
	} else if err != redis.Nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	resp, err := build()
	if err != nil || resp == nil {
		return resp, false, err
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return resp, false, nil
	}
	stored, err := s.client.SetNX(ctx, redisKey, data, s.ttl).Result()
	if err != nil || stored {
		return resp, false, nil
	}

	// Lost the race: another replica stored first. Serve its response so
	// both callers observe one result.
	if data, err := s.client.Get(ctx, redisKey).Bytes(); err == nil {
		if winner, decodeErr := contract.DecodeResponse(data); decodeErr == nil {
			return winner, true, nil
		}
	}
	return resp, false, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
