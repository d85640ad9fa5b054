package tsmap

import "sync/atomic"

// binTable is a power-of-two array of bins. Each bin is nil, a chain of
// entry nodes, or a single forwarding node.
type binTable[K comparable, V any] struct {
	bins []atomic.Pointer[node[K, V]]
	mask uint64
}

func newBinTable[K comparable, V any](tableLen int) *binTable[K, V] {
	return &binTable[K, V]{
		bins: make([]atomic.Pointer[node[K, V]], tableLen),
		mask: uint64(tableLen - 1),
	}
}

//go:nosplit
func (t *binTable[K, V]) size() int {
	return len(t.bins)
}

//go:nosplit
func (t *binTable[K, V]) hashToIndex(hash uint64) int {
	return int(hash & hashBits & t.mask)
}

//go:nosplit
func (t *binTable[K, V]) get(i int) *node[K, V] {
	return t.bins[i].Load()
}

//go:nosplit
func (t *binTable[K, V]) set(i int, n *node[K, V]) {
	t.bins[i].Store(n)
}

//go:nosplit
func (t *binTable[K, V]) cas(i int, old, new *node[K, V]) bool {
	return t.bins[i].CompareAndSwap(old, new)
}

// casNewNode installs a single unlocked node into an empty bin.
func (t *binTable[K, V]) casNewNode(i int, hash uint64, key K, value *V) bool {
	return t.cas(i, nil, newNode(hash, key, value, nil))
}

// nextSizeTable allocates the successor table. At maxCapacity the
// successor has the same length.
func (t *binTable[K, V]) nextSizeTable() *binTable[K, V] {
	return newBinTable[K, V](min(t.size()<<1, maxCapacity))
}

// tryLockViaHash locks n, the head of bin i, as long as n still heads the
// bin once the lock is held. The caller must unlock n when ok is true.
func (t *binTable[K, V]) tryLockViaHash(
	i int,
	n *node[K, V],
	hash uint64,
) (ok bool) {
	if !n.tryLock(hash) {
		return false
	}
	if t.get(i) != n {
		n.unlock(hash|hashLocked, hash)
		return false
	}
	return true
}
