package tsmap

import (
	"math/rand/v2"
	"sync"
)

// RandomStream is a xorshift64 pseudo-random bit generator.
//
// It is not safe for concurrent use; each goroutine should own its stream
// or borrow one via the per-P pool used internally.
// The zero value is seeded lazily on first use.
type RandomStream struct {
	x uint64
}

// NewRandomStream returns a stream seeded from the runtime's random source.
func NewRandomStream() *RandomStream {
	return &RandomStream{x: randomSeed()}
}

// Next advances the stream and returns the new value, which is never zero.
func (r *RandomStream) Next() uint64 {
	x := r.x
	if x == 0 {
		x = randomSeed()
	}
	x = xorshift(x)
	r.x = x
	return x
}

// Current returns the last value produced without advancing,
// seeding the stream if needed.
func (r *RandomStream) Current() uint64 {
	if r.x == 0 {
		r.x = randomSeed()
	}
	return r.x
}

// xorshift is Marsaglia's 64-bit xorshift; 0 maps to 0 and is never
// produced from a non-zero input.
//
//go:nosplit
func xorshift(x uint64) uint64 {
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	return x
}

func randomSeed() uint64 {
	for {
		if x := rand.Uint64(); x != 0 {
			return x
		}
	}
}

// streamPool hands out streams that tend to stay on the same P, so a
// goroutine keeps hitting the same counter cell until it collides.
var streamPool = sync.Pool{
	New: func() any {
		return NewRandomStream()
	},
}

func acquireStream() *RandomStream {
	return streamPool.Get().(*RandomStream)
}

func releaseStream(r *RandomStream) {
	streamPool.Put(r)
}
