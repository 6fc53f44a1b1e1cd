// Package cache holds the two time-bounded LRUs that sit in the message
// path: the duplicate filter and the opportunistic content cache.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"xorroute/internal/ident"
	"xorroute/internal/wire"
)

const (
	// FilterTTL bounds how long a (origin, message id) pair suppresses
	// re-dispatch.
	FilterTTL = 20 * time.Minute
	// FilterSize bounds filter entries by insertion order.
	FilterSize = 10_000

	// StoreTTL bounds cached payload freshness.
	StoreTTL = 60 * time.Minute
	// StoreSize bounds cached payload count.
	StoreSize = 1_000
)

// Filter is the duplicate filter over message filter keys.
type Filter struct {
	mu  sync.Mutex
	lru *expirable.LRU[wire.FilterKey, struct{}]
}

func NewFilter(size int, ttl time.Duration) *Filter {
	if size <= 0 {
		size = FilterSize
	}
	if ttl <= 0 {
		ttl = FilterTTL
	}
	return &Filter{lru: expirable.NewLRU[wire.FilterKey, struct{}](size, nil, ttl)}
}

// Check reports whether key was already seen.
func (f *Filter) Check(key wire.FilterKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.lru.Get(key)
	return ok
}

// Add records key; re-insertion refreshes freshness.
func (f *Filter) Add(key wire.FilterKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lru.Add(key, struct{}{})
}

// CheckAndAdd atomically checks for key and records it when absent.
// Returns true when the key was already present. This is what gives the
// pipeline its at-most-once dispatch guarantee under interleaved receives.
func (f *Filter) CheckAndAdd(key wire.FilterKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, seen := f.lru.Get(key)
	f.lru.Add(key, struct{}{})
	return seen
}

// Store is the content cache: data name to opaque payload.
type Store struct {
	lru *expirable.LRU[ident.Address, []byte]
}

func NewStore(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = StoreSize
	}
	if ttl <= 0 {
		ttl = StoreTTL
	}
	return &Store{lru: expirable.NewLRU[ident.Address, []byte](size, nil, ttl)}
}

func (s *Store) Get(name ident.Address) ([]byte, bool) {
	return s.lru.Get(name)
}

func (s *Store) Put(name ident.Address, data []byte) {
	s.lru.Add(name, data)
}
