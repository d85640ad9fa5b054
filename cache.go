package tsmap

// DefaultFunc supplies a value for a key missing from a Cache.
type DefaultFunc[K comparable, V any] func(c *Cache[K, V], key K) V

// Cache is a convenience layer over a Backend: default values for missing
// keys, fetch-and-store, and key/value enumeration. Every Backend method
// is available on it directly.
//
// A Cache must not be copied after first use.
type Cache[K comparable, V any] struct {
	Backend[K, V]
	defaultFn DefaultFunc[K, V]
	loads     loaderGroup[K, V]
}

// NewCache creates a Cache over a concurrent Map configured by options.
// defaultFn may be nil.
func NewCache[K comparable, V any](
	defaultFn DefaultFunc[K, V],
	options ...func(*MapConfig),
) *Cache[K, V] {
	return NewCacheWithBackend[K, V](NewMap[K, V](options...), defaultFn)
}

// NewCacheWithOptions is NewCache with declarative options, which are
// validated first.
func NewCacheWithOptions[K comparable, V any](
	opts Options,
	defaultFn DefaultFunc[K, V],
	options ...func(*MapConfig),
) (*Cache[K, V], error) {
	m, err := NewMapWithOptions[K, V](opts, options...)
	if err != nil {
		return nil, err
	}
	return NewCacheWithBackend[K, V](m, defaultFn), nil
}

// NewCacheWithBackend creates a Cache over an existing backend.
func NewCacheWithBackend[K comparable, V any](
	backend Backend[K, V],
	defaultFn DefaultFunc[K, V],
) *Cache[K, V] {
	return &Cache[K, V]{Backend: backend, defaultFn: defaultFn}
}

// Get returns the stored value for key. For a missing key it returns the
// default function's value, which is not stored, with ok true; without a
// default function ok is false.
func (c *Cache[K, V]) Get(key K) (value V, ok bool) {
	if value, ok = c.Backend.Get(key); ok {
		return value, true
	}
	if c.defaultFn != nil {
		return c.defaultFn(c, key), true
	}
	return value, false
}

// Fetch returns the stored value for key, loading and storing it with fn
// when missing. Concurrent fetches of the same missing key share one call
// to fn, which runs with nothing locked. An error from fn is returned and
// nothing is stored. With a nil fn, Fetch behaves like Get.
func (c *Cache[K, V]) Fetch(key K, fn func(key K) (V, error)) (V, error) {
	if fn == nil {
		v, _ := c.Get(key)
		return v, nil
	}
	if v, ok := c.Backend.Get(key); ok {
		return v, nil
	}
	v, err := c.loads.Do(key, func() (V, error) {
		if v, ok := c.Backend.Get(key); ok {
			return v, nil
		}
		v, err := fn(key)
		if err != nil {
			return v, err
		}
		c.Backend.Put(key, v)
		return v, nil
	})
	return v, err
}

// Keys returns the keys present while iterating.
func (c *Cache[K, V]) Keys() []K {
	keys := make([]K, 0, c.Size())
	c.ForEachPair(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Values returns the values present while iterating.
func (c *Cache[K, V]) Values() []V {
	values := make([]V, 0, c.Size())
	c.ForEachPair(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})
	return values
}

// EachKey calls fn for each key until it returns false.
func (c *Cache[K, V]) EachKey(fn func(key K) bool) {
	c.ForEachPair(func(k K, _ V) bool {
		return fn(k)
	})
}

// EachValue calls fn for each value until it returns false.
func (c *Cache[K, V]) EachValue(fn func(value V) bool) {
	c.ForEachPair(func(_ K, v V) bool {
		return fn(v)
	})
}

// Empty reports whether iteration finds no pair. Unlike Size, it does not
// depend on the counter having settled.
func (c *Cache[K, V]) Empty() bool {
	empty := true
	c.ForEachPair(func(K, V) bool {
		empty = false
		return false
	})
	return empty
}
