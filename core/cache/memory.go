package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const memoryCacheSize = 8192

// Memory is an in-process cache backend. Suitable for a single instance;
// multi-instance deployments should share a Redis backend instead.
type Memory struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemory builds an in-process cache. A zero ttl falls back to DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		lru: expirable.NewLRU[string, []byte](memoryCacheSize, nil, ttl),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := m.lru.Get(key)
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.lru.Add(key, value)
	return nil
}

func (m *Memory) Close() error { return nil }
