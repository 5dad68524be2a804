// Package cache provides a two-tier, read-through LRU backed by disk for
// ElBlockWitness and Proof lookups. A cache miss followed by a successful
// disk load always repopulates the LRU before returning, per the sentry's
// cache-repopulation invariant.
package cache

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// DiskLoader loads a value for key from the slower tier. A false bool with a
// nil error means the key genuinely does not exist; that is not an error.
type DiskLoader[K comparable, V any] func(key K) (V, bool, error)

// Store is a transparent two-tier cache: an in-memory LRU in front of an
// injected disk loader.
type Store[K comparable, V any] struct {
	lru    *lru.Cache
	loader DiskLoader[K, V]
}

// New builds a Store with the given LRU capacity and disk loader.
func New[K comparable, V any](capacity int, loader DiskLoader[K, V]) (*Store[K, V], error) {
	l, err := lru.New(capacity)
	if err != nil {
		return nil, errors.Wrap(err, "could not allocate lru cache")
	}
	return &Store[K, V]{lru: l, loader: loader}, nil
}

// Get returns the value for key, checking the LRU first and falling back to
// disk. A disk hit repopulates the LRU. The bool return is false if the key
// is present in neither tier.
func (s *Store[K, V]) Get(key K) (V, bool, error) {
	var zero V
	if v, ok := s.lru.Get(key); ok {
		return v.(V), true, nil
	}
	v, ok, err := s.loader(key)
	if err != nil {
		return zero, false, errors.Wrap(err, "could not load from disk")
	}
	if !ok {
		return zero, false, nil
	}
	s.lru.Add(key, v)
	return v, true, nil
}

// Put inserts a value directly into the LRU, used after a fresh fetch or
// webhook completion that already wrote through to disk separately.
func (s *Store[K, V]) Put(key K, value V) {
	s.lru.Add(key, value)
}

// Contains reports whether key is present in the LRU tier only, used by
// callers that must not trigger a disk read (e.g. in-flight dedup checks).
func (s *Store[K, V]) Contains(key K) bool {
	return s.lru.Contains(key)
}

// Len reports the number of entries currently held in the LRU tier.
func (s *Store[K, V]) Len() int {
	return s.lru.Len()
}
