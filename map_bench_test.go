package tsmap

import (
	"strconv"
	"sync"
	"testing"

	"github.com/llxisdsh/pb"
)

// benchMap is the subset shared by the maps measured here.
type benchMap[K comparable, V any] interface {
	Get(key K) (V, bool)
	PutIfAbsent(key K, value V) (V, bool)
	Put(key K, value V)
}

type tsmapBench[K comparable, V any] struct{ m *Map[K, V] }

func (b tsmapBench[K, V]) Get(key K) (V, bool)            { return b.m.Get(key) }
func (b tsmapBench[K, V]) PutIfAbsent(k K, v V) (V, bool) { return b.m.PutIfAbsent(k, v) }
func (b tsmapBench[K, V]) Put(k K, v V)                   { b.m.Put(k, v) }

type pbBench[K comparable, V any] struct{ m *pb.MapOf[K, V] }

func (b pbBench[K, V]) Get(key K) (V, bool)            { return b.m.Load(key) }
func (b pbBench[K, V]) PutIfAbsent(k K, v V) (V, bool) { return b.m.LoadOrStore(k, v) }
func (b pbBench[K, V]) Put(k K, v V)                   { b.m.Store(k, v) }

type syncMapBench[K comparable, V any] struct{ m *sync.Map }

func (b syncMapBench[K, V]) Get(key K) (value V, ok bool) {
	v, ok := b.m.Load(key)
	if ok {
		value = v.(V)
	}
	return value, ok
}

func (b syncMapBench[K, V]) PutIfAbsent(k K, v V) (V, bool) {
	actual, loaded := b.m.LoadOrStore(k, v)
	return actual.(V), loaded
}

func (b syncMapBench[K, V]) Put(k K, v V) { b.m.Store(k, v) }

func benchMaps[K comparable, V any]() []struct {
	name string
	new  func() benchMap[K, V]
} {
	return []struct {
		name string
		new  func() benchMap[K, V]
	}{
		{"tsmap", func() benchMap[K, V] { return tsmapBench[K, V]{NewMap[K, V]()} }},
		{"pb.MapOf", func() benchMap[K, V] { return pbBench[K, V]{pb.NewMapOf[K, V]()} }},
		{"sync.Map", func() benchMap[K, V] { return syncMapBench[K, V]{&sync.Map{}} }},
	}
}

func BenchmarkMapGetSmall(b *testing.B) {
	benchmarkMapGet(b, testDataSmall[:])
}

func BenchmarkMapGet(b *testing.B) {
	benchmarkMapGet(b, testData[:])
}

func BenchmarkMapGetLarge(b *testing.B) {
	benchmarkMapGet(b, testDataLarge[:])
}

func benchmarkMapGet(b *testing.B, data []string) {
	for _, bm := range benchMaps[string, int]() {
		b.Run(bm.name, func(b *testing.B) {
			b.ReportAllocs()
			m := bm.new()
			for i := range data {
				m.PutIfAbsent(data[i], i)
			}
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					_, _ = m.Get(data[i])
					i++
					if i >= len(data) {
						i = 0
					}
				}
			})
		})
	}
}

func BenchmarkMapPutIfAbsent(b *testing.B) {
	benchmarkMapPutIfAbsent(b, testData[:])
}

func BenchmarkMapPutIfAbsentLarge(b *testing.B) {
	benchmarkMapPutIfAbsent(b, testDataLarge[:])
}

func benchmarkMapPutIfAbsent(b *testing.B, data []string) {
	for _, bm := range benchMaps[string, int]() {
		b.Run(bm.name, func(b *testing.B) {
			b.ReportAllocs()
			m := bm.new()
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					_, _ = m.PutIfAbsent(data[i], i)
					i++
					if i >= len(data) {
						i = 0
					}
				}
			})
		})
	}
}

func BenchmarkMapPutIfAbsentInt(b *testing.B) {
	benchmarkMapPutIfAbsentInt(b, testDataInt[:])
}

func BenchmarkMapPutIfAbsentIntLarge(b *testing.B) {
	benchmarkMapPutIfAbsentInt(b, testDataIntLarge[:])
}

func benchmarkMapPutIfAbsentInt(b *testing.B, data []int) {
	for _, bm := range benchMaps[int, int]() {
		b.Run(bm.name, func(b *testing.B) {
			b.ReportAllocs()
			m := bm.new()
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					_, _ = m.PutIfAbsent(data[i], i)
					i++
					if i >= len(data) {
						i = 0
					}
				}
			})
		})
	}
}

// BenchmarkMapMixed is 90% reads, 9% puts and 1% removes on a warm map.
func BenchmarkMapMixed(b *testing.B) {
	data := testData[:]
	m := NewMap[string, int]()
	for i := range data {
		m.Put(data[i], i)
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := NewRandomStream()
		for pb.Next() {
			n := r.Next()
			k := data[n%uint64(len(data))]
			switch op := n >> 32 % 100; {
			case op == 0:
				m.Remove(k)
			case op < 10:
				m.Put(k, int(op))
			default:
				_, _ = m.Get(k)
			}
		}
	})
}

func BenchmarkMapComputeIfAbsent(b *testing.B) {
	m := NewMap[string, int]()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			k := strconv.Itoa(i & 1023)
			_, _ = m.ComputeIfAbsent(k, func() (int, error) { return i, nil })
			i++
		}
	})
}

func BenchmarkMapForEachPair(b *testing.B) {
	m := NewMap[int, int]()
	for i := range 1024 {
		m.Put(i, i)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for range b.N {
		sum := 0
		m.ForEachPair(func(_, v int) bool {
			sum += v
			return true
		})
	}
}
