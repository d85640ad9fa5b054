package tsmap

import (
	"sync"
	"unsafe"
)

// Backend is the storage contract behind a Cache. *Map implements it with
// per-bin locking; NewNonConcurrentBackend and NewSynchronizedBackend
// provide single-goroutine and coarse-mutex variants.
type Backend[K comparable, V any] interface {
	Get(key K) (value V, ok bool)
	Put(key K, value V) (previous V, loaded bool)
	PutIfAbsent(key K, value V) (actual V, loaded bool)
	ComputeIfAbsent(key K, fn func() (V, error)) (V, error)
	ReplaceIfPresent(key K, value V) (previous V, replaced bool)
	CompareAndReplace(key K, expected V, value V) bool
	GetAndSet(key K, value V) (previous V, loaded bool)
	Remove(key K) (previous V, loaded bool)
	RemoveIfMatches(key K, expected V) bool
	ContainsKey(key K) bool
	ForEachPair(visitor func(key K, value V) bool)
	Size() int
	Clear()
}

var (
	_ Backend[string, int] = (*Map[string, int])(nil)
	_ Backend[string, int] = (*NonConcurrentBackend[string, int])(nil)
	_ Backend[string, int] = (*SynchronizedBackend[string, int])(nil)
)

// NonConcurrentBackend is a Backend over a plain Go map. It performs no
// locking and must not be used from several goroutines at once.
type NonConcurrentBackend[K comparable, V any] struct {
	m        map[K]V
	valEqual EqualFunc
}

// NewNonConcurrentBackend creates a NonConcurrentBackend. Only
// WithCapacity and WithValueEqual are meaningful here.
func NewNonConcurrentBackend[K comparable, V any](
	options ...func(*MapConfig),
) *NonConcurrentBackend[K, V] {
	var cfg MapConfig
	for _, o := range options {
		o(&cfg)
	}
	b := &NonConcurrentBackend[K, V]{
		m:        make(map[K]V, cfg.capacity),
		valEqual: cfg.valEqual,
	}
	if b.valEqual == nil {
		b.valEqual = parseValueInterface[V]()
	}
	if b.valEqual == nil {
		b.valEqual = defaultValueEqual[V]()
	}
	return b
}

// Get returns the value stored for key.
func (b *NonConcurrentBackend[K, V]) Get(key K) (value V, ok bool) {
	value, ok = b.m[key]
	return
}

// Put stores value for key and returns the value it replaced, if any.
func (b *NonConcurrentBackend[K, V]) Put(key K, value V) (previous V, loaded bool) {
	previous, loaded = b.m[key]
	b.m[key] = value
	return
}

// GetAndSet is Put.
func (b *NonConcurrentBackend[K, V]) GetAndSet(key K, value V) (previous V, loaded bool) {
	return b.Put(key, value)
}

// PutIfAbsent stores value only when key is absent.
func (b *NonConcurrentBackend[K, V]) PutIfAbsent(key K, value V) (actual V, loaded bool) {
	if v, ok := b.m[key]; ok {
		return v, true
	}
	b.m[key] = value
	return value, false
}

// ComputeIfAbsent stores fn's value when key is absent. fn may use the
// backend; an error from fn leaves key absent.
func (b *NonConcurrentBackend[K, V]) ComputeIfAbsent(key K, fn func() (V, error)) (V, error) {
	if v, ok := b.m[key]; ok {
		return v, nil
	}
	v, err := fn()
	if err != nil {
		return v, err
	}
	b.m[key] = v
	return v, nil
}

// ReplaceIfPresent stores value only when key is present.
func (b *NonConcurrentBackend[K, V]) ReplaceIfPresent(key K, value V) (previous V, replaced bool) {
	if previous, replaced = b.m[key]; replaced {
		b.m[key] = value
	}
	return
}

// CompareAndReplace stores value only when the current value equals
// expected. It panics when V is not comparable and no WithValueEqual was
// configured.
func (b *NonConcurrentBackend[K, V]) CompareAndReplace(key K, expected V, value V) bool {
	if !b.pair(key, &expected) {
		return false
	}
	b.m[key] = value
	return true
}

// Remove deletes key and returns the value it held.
func (b *NonConcurrentBackend[K, V]) Remove(key K) (previous V, loaded bool) {
	if previous, loaded = b.m[key]; loaded {
		delete(b.m, key)
	}
	return
}

// RemoveIfMatches deletes key only when its value equals expected.
func (b *NonConcurrentBackend[K, V]) RemoveIfMatches(key K, expected V) bool {
	if !b.pair(key, &expected) {
		return false
	}
	delete(b.m, key)
	return true
}

// ContainsKey reports whether key is present.
func (b *NonConcurrentBackend[K, V]) ContainsKey(key K) bool {
	_, ok := b.m[key]
	return ok
}

// ForEachPair visits a copy of the entries, so visitor may modify the
// backend.
func (b *NonConcurrentBackend[K, V]) ForEachPair(visitor func(key K, value V) bool) {
	dup := make(map[K]V, len(b.m))
	for k, v := range b.m {
		dup[k] = v
	}
	for k, v := range dup {
		if !visitor(k, v) {
			return
		}
	}
}

// Size returns the exact number of entries.
func (b *NonConcurrentBackend[K, V]) Size() int {
	return len(b.m)
}

// Clear removes every entry at once.
func (b *NonConcurrentBackend[K, V]) Clear() {
	clear(b.m)
}

func (b *NonConcurrentBackend[K, V]) pair(key K, expected *V) bool {
	if b.valEqual == nil {
		panic("called a compare operation when value is not of comparable type")
	}
	v, ok := b.m[key]
	return ok && b.valEqual(unsafe.Pointer(&v), unsafe.Pointer(expected))
}

// SynchronizedBackend guards a NonConcurrentBackend with one mutex.
// ForEachPair collects the pairs under the mutex and calls the visitor
// after releasing it; ComputeIfAbsent runs fn with the mutex held.
type SynchronizedBackend[K comparable, V any] struct {
	mu sync.Mutex
	b  *NonConcurrentBackend[K, V]
}

// NewSynchronizedBackend creates a SynchronizedBackend.
func NewSynchronizedBackend[K comparable, V any](
	options ...func(*MapConfig),
) *SynchronizedBackend[K, V] {
	return &SynchronizedBackend[K, V]{b: NewNonConcurrentBackend[K, V](options...)}
}

// Get returns the value stored for key.
func (s *SynchronizedBackend[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Get(key)
}

// Put stores value for key and returns the value it replaced, if any.
func (s *SynchronizedBackend[K, V]) Put(key K, value V) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Put(key, value)
}

// GetAndSet is Put.
func (s *SynchronizedBackend[K, V]) GetAndSet(key K, value V) (V, bool) {
	return s.Put(key, value)
}

// PutIfAbsent stores value only when key is absent.
func (s *SynchronizedBackend[K, V]) PutIfAbsent(key K, value V) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.PutIfAbsent(key, value)
}

// ComputeIfAbsent runs fn with the backend mutex held, so fn must not
// call back into the backend.
func (s *SynchronizedBackend[K, V]) ComputeIfAbsent(key K, fn func() (V, error)) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.ComputeIfAbsent(key, fn)
}

// ReplaceIfPresent stores value only when key is present.
func (s *SynchronizedBackend[K, V]) ReplaceIfPresent(key K, value V) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.ReplaceIfPresent(key, value)
}

// CompareAndReplace stores value only when the current value equals
// expected.
func (s *SynchronizedBackend[K, V]) CompareAndReplace(key K, expected V, value V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.CompareAndReplace(key, expected, value)
}

// Remove deletes key and returns the value it held.
func (s *SynchronizedBackend[K, V]) Remove(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Remove(key)
}

// RemoveIfMatches deletes key only when its value equals expected.
func (s *SynchronizedBackend[K, V]) RemoveIfMatches(key K, expected V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.RemoveIfMatches(key, expected)
}

// ContainsKey reports whether key is present.
func (s *SynchronizedBackend[K, V]) ContainsKey(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.ContainsKey(key)
}

// ForEachPair visits a snapshot taken under the mutex. visitor runs
// unlocked and may modify the backend.
func (s *SynchronizedBackend[K, V]) ForEachPair(visitor func(key K, value V) bool) {
	type pair struct {
		k K
		v V
	}
	s.mu.Lock()
	pairs := make([]pair, 0, len(s.b.m))
	for k, v := range s.b.m {
		pairs = append(pairs, pair{k, v})
	}
	s.mu.Unlock()
	for _, p := range pairs {
		if !visitor(p.k, p.v) {
			return
		}
	}
}

// Size returns the exact number of entries.
func (s *SynchronizedBackend[K, V]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Size()
}

// Clear removes every entry under the mutex.
func (s *SynchronizedBackend[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.Clear()
}
