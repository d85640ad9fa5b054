package tsmap

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var backends = []struct {
	name       string
	concurrent bool
	new        func() Backend[string, int]
}{
	{"Map", true, func() Backend[string, int] { return NewMap[string, int]() }},
	{"Synchronized", true, func() Backend[string, int] { return NewSynchronizedBackend[string, int]() }},
	{"NonConcurrent", false, func() Backend[string, int] { return NewNonConcurrentBackend[string, int]() }},
}

func TestBackend_Contract(t *testing.T) {
	for _, bc := range backends {
		t.Run(bc.name, func(t *testing.T) {
			b := bc.new()

			_, ok := b.Get("a")
			assert.False(t, ok)
			assert.False(t, b.ContainsKey("a"))

			prev, loaded := b.Put("a", 1)
			assert.False(t, loaded)
			assert.Zero(t, prev)
			prev, loaded = b.Put("a", 2)
			assert.True(t, loaded)
			assert.Equal(t, 1, prev)

			actual, loaded := b.PutIfAbsent("a", 3)
			assert.True(t, loaded)
			assert.Equal(t, 2, actual)
			actual, loaded = b.PutIfAbsent("b", 3)
			assert.False(t, loaded)
			assert.Equal(t, 3, actual)

			prev, loaded = b.GetAndSet("b", 4)
			assert.True(t, loaded)
			assert.Equal(t, 3, prev)

			_, replaced := b.ReplaceIfPresent("missing", 1)
			assert.False(t, replaced)
			assert.False(t, b.ContainsKey("missing"))
			prev, replaced = b.ReplaceIfPresent("b", 5)
			assert.True(t, replaced)
			assert.Equal(t, 4, prev)

			assert.False(t, b.CompareAndReplace("b", 4, 6))
			assert.True(t, b.CompareAndReplace("b", 5, 6))
			assert.False(t, b.CompareAndReplace("missing", 0, 1))

			v, err := b.ComputeIfAbsent("c", func() (int, error) { return 7, nil })
			require.NoError(t, err)
			assert.Equal(t, 7, v)
			v, err = b.ComputeIfAbsent("c", func() (int, error) {
				t.Error("supplier called for a present key")
				return 0, nil
			})
			require.NoError(t, err)
			assert.Equal(t, 7, v)

			errBoom := errors.New("boom")
			_, err = b.ComputeIfAbsent("d", func() (int, error) { return 0, errBoom })
			assert.ErrorIs(t, err, errBoom)
			assert.False(t, b.ContainsKey("d"))

			assert.Equal(t, 3, b.Size())

			assert.False(t, b.RemoveIfMatches("c", 8))
			assert.True(t, b.RemoveIfMatches("c", 7))
			prev, loaded = b.Remove("b")
			assert.True(t, loaded)
			assert.Equal(t, 6, prev)
			_, loaded = b.Remove("b")
			assert.False(t, loaded)

			seen := map[string]int{}
			b.ForEachPair(func(k string, v int) bool {
				seen[k] = v
				return true
			})
			assert.Equal(t, map[string]int{"a": 2}, seen)

			b.Clear()
			assert.Equal(t, 0, b.Size())
			assert.False(t, b.ContainsKey("a"))
		})
	}
}

func TestBackend_ForEachPairAllowsMutation(t *testing.T) {
	for _, bc := range backends {
		t.Run(bc.name, func(t *testing.T) {
			b := bc.new()
			for i := range 100 {
				b.Put(string(rune('A'+i%26))+string(rune('a'+i/26)), i)
			}
			b.ForEachPair(func(k string, v int) bool {
				if v%2 == 0 {
					b.Remove(k)
				} else {
					b.Put(k, v*10)
				}
				return true
			})
			assert.Equal(t, 50, b.Size())
			b.ForEachPair(func(_ string, v int) bool {
				assert.Equal(t, 0, v%10)
				assert.Equal(t, 1, v/10%2)
				return true
			})
		})
	}
}

func TestBackend_ConcurrentCounters(t *testing.T) {
	for _, bc := range backends {
		if !bc.concurrent {
			continue
		}
		t.Run(bc.name, func(t *testing.T) {
			b := bc.new()
			var g errgroup.Group
			for range 8 {
				g.Go(func() error {
					for range 500 {
						for {
							old, ok := b.PutIfAbsent("n", 1)
							if !ok || b.CompareAndReplace("n", old, old+1) {
								break
							}
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			v, ok := b.Get("n")
			require.True(t, ok)
			assert.Equal(t, 8*500, v)
		})
	}
}

func TestNonConcurrentBackend_NonComparableValuePanics(t *testing.T) {
	b := NewNonConcurrentBackend[string, []int]()
	b.Put("a", []int{1})
	assert.Panics(t, func() { b.CompareAndReplace("a", []int{1}, nil) })
	assert.Panics(t, func() { b.RemoveIfMatches("a", []int{1}) })

	custom := NewNonConcurrentBackend[string, []int](WithValueEqual(func(a, b []int) bool {
		return slices.Equal(a, b)
	}))
	custom.Put("a", []int{1})
	assert.True(t, custom.CompareAndReplace("a", []int{1}, []int{2}))
	assert.True(t, custom.RemoveIfMatches("a", []int{2}))
}

func TestCache_GetDefault(t *testing.T) {
	var calls atomic.Int32
	c := NewCache[string, int](func(c *Cache[string, int], key string) int {
		calls.Add(1)
		return len(key)
	})

	v, ok := c.Get("four")
	assert.True(t, ok)
	assert.Equal(t, 4, v)
	assert.False(t, c.ContainsKey("four"), "default value must not be stored")

	c.Put("four", 40)
	v, ok = c.Get("four")
	assert.True(t, ok)
	assert.Equal(t, 40, v)
	assert.Equal(t, int32(1), calls.Load())

	plain := NewCache[string, int](nil)
	v, ok = plain.Get("x")
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestCache_DefaultCanStore(t *testing.T) {
	c := NewCache[string, int](func(c *Cache[string, int], key string) int {
		v, _ := c.PutIfAbsent(key, 99)
		return v
	})
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 99, v)
	assert.True(t, c.ContainsKey("k"))
}

func TestCache_Fetch(t *testing.T) {
	c := NewCache[string, int](nil)

	v, err := c.Fetch("a", func(key string) (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = c.Fetch("a", func(string) (int, error) {
		t.Error("loader called for a present key")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	errMissing := errors.New("missing upstream")
	_, err = c.Fetch("b", func(string) (int, error) { return 0, errMissing })
	assert.ErrorIs(t, err, errMissing)
	assert.False(t, c.ContainsKey("b"))

	v, err = c.Fetch("b", nil)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestCache_FetchLoaderMayUseCache(t *testing.T) {
	c := NewCache[string, int](nil)
	v, err := c.Fetch("outer", func(string) (int, error) {
		inner, err := c.Fetch("inner", func(string) (int, error) { return 2, nil })
		return inner * 10, err
	})
	require.NoError(t, err)
	assert.Equal(t, 20, v)
	assert.Equal(t, 2, c.Size())
}

func TestCache_FetchDeduplicates(t *testing.T) {
	c := NewCache[string, int](nil)
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	loader := func(string) (int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return 42, nil
	}

	const fetchers = 16
	results := make([]int, fetchers)
	var g errgroup.Group
	for i := range fetchers {
		g.Go(func() error {
			v, err := c.Fetch("slow", loader)
			results[i] = v
			return err
		})
	}
	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestCache_Enumeration(t *testing.T) {
	for _, bc := range backends {
		t.Run(bc.name, func(t *testing.T) {
			c := NewCacheWithBackend(bc.new(), nil)
			assert.True(t, c.Empty())
			assert.Empty(t, c.Keys())

			for i, k := range []string{"x", "y", "z"} {
				c.Put(k, i+1)
			}
			assert.False(t, c.Empty())
			assert.ElementsMatch(t, []string{"x", "y", "z"}, c.Keys())
			assert.ElementsMatch(t, []int{1, 2, 3}, c.Values())

			var keys []string
			c.EachKey(func(k string) bool {
				keys = append(keys, k)
				return true
			})
			assert.Len(t, keys, 3)

			sum, visited := 0, 0
			c.EachValue(func(v int) bool {
				sum += v
				visited++
				return visited < 2
			})
			assert.Equal(t, 2, visited)
			assert.Less(t, sum, 6)
		})
	}
}

func TestNewCacheWithOptions(t *testing.T) {
	_, err := NewCacheWithOptions[string, int](Options{LoadFactor: -1}, nil)
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	c, err := NewCacheWithOptions[string, int](Options{InitialCapacity: 100}, nil)
	require.NoError(t, err)
	c.Put("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestSynchronizedBackend_VisitorOutsideLock(t *testing.T) {
	b := NewSynchronizedBackend[int, int]()
	for i := range 10 {
		b.Put(i, i)
	}
	var wg sync.WaitGroup
	b.ForEachPair(func(k, v int) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// blocks forever if the visitor ran with the mutex held
			b.Put(k+100, v)
		}()
		wg.Wait()
		return true
	})
	assert.Equal(t, 20, b.Size())
}
