package tsmap

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node is a chain entry. Its hash word doubles as the bin lock:
//
//	00 NORMAL   live entry, remaining bits are the key hash
//	01 LOCKED   a writer owns the bin headed by this node
//	11 WAITING  locked, and at least one goroutine sleeps on it
//	10 MOVED    forwarding node, fwd is the successor table
//
// Only the head of a chain is ever locked. A nil value is the tombstone:
// the entry is absent whatever its key says.
type node[K comparable, V any] struct {
	hash  atomic.Uint64
	key   K
	value atomic.Pointer[V]
	next  atomic.Pointer[node[K, V]]
	fwd   *binTable[K, V]
	// parked is created on the first WAITING transition.
	parked atomic.Pointer[nodeWaiters]
}

type nodeWaiters struct {
	mu   sync.Mutex
	cond sync.Cond
}

func newNode[K comparable, V any](
	hash uint64,
	key K,
	value *V,
	next *node[K, V],
) *node[K, V] {
	n := &node[K, V]{key: key}
	n.hash.Store(hash)
	n.value.Store(value)
	n.next.Store(next)
	return n
}

func newForwardingNode[K comparable, V any](
	fwd *binTable[K, V],
) *node[K, V] {
	n := &node[K, V]{fwd: fwd}
	n.hash.Store(hashMoved)
	return n
}

// spinLockAttempts is the number of randomized spins before parking.
var spinLockAttempts = func() int {
	if cpus := runtime.GOMAXPROCS(0); cpus > 1 {
		return cpus * 2
	}
	return 0
}()

//go:nosplit
func isLockedHash(h uint64) bool {
	return h&hashLocked != 0
}

//go:nosplit
func (n *node[K, V]) pureHash() uint64 {
	return n.hash.Load() & hashBits
}

//go:nosplit
func (n *node[K, V]) matches(key *K, hash uint64) bool {
	return n.pureHash() == hash && n.key == *key
}

//go:nosplit
func (n *node[K, V]) isLocked() bool {
	return isLockedHash(n.hash.Load())
}

// tryLock moves the hash word from hash to hash|LOCKED.
//
//go:nosplit
func (n *node[K, V]) tryLock(hash uint64) bool {
	return n.hash.CompareAndSwap(hash, hash|hashLocked)
}

// unlock restores hash. If a waiter flipped the word to WAITING in the
// meantime, the plain hash is stored and every sleeper is woken.
func (n *node[K, V]) unlock(lockedHash, hash uint64) {
	if n.hash.CompareAndSwap(lockedHash, hash) {
		return
	}
	n.hash.Store(hash)
	w := n.waiters()
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (n *node[K, V]) waiters() *nodeWaiters {
	if w := n.parked.Load(); w != nil {
		return w
	}
	w := &nodeWaiters{}
	w.cond.L = &w.mu
	if n.parked.CompareAndSwap(nil, w) {
		return w
	}
	return n.parked.Load()
}

// tryAwaitLock waits until n, the head of bin i, is unlocked or no longer
// heads the bin. It spins a randomized number of times, yields once, then
// sets WAITING and parks until the holder broadcasts.
//
// Returning does not mean the lock is free; callers retry from scratch.
func (n *node[K, V]) tryAwaitLock(t *binTable[K, V], i int) {
	if t == nil || i < 0 || i >= t.size() {
		return
	}
	spins := spinLockAttempts
	rs := acquireStream()
	base := rs.Next()
	randomizer := base
	for t.get(i) == n {
		h := n.hash.Load()
		if !isLockedHash(h) {
			break
		}
		if spins >= 0 {
			randomizer >>= 1
			if randomizer&1 == 0 {
				spins--
				if spins == 0 {
					// yield before blocking
					runtime.Gosched()
				} else if randomizer == 0 {
					base = xorshift(base)
					randomizer = base
				}
			} else {
				runtime_doSpin()
			}
		} else if n.hash.CompareAndSwap(h, h|hashWaiting) {
			n.park(t, i)
			break
		}
	}
	releaseStream(rs)
}

// park sleeps until unlock broadcasts. The bin and WAITING bits are
// rechecked under the mutex so a release that already happened, or a
// rebuild that replaced the bin, cannot be missed.
func (n *node[K, V]) park(t *binTable[K, V], i int) {
	w := n.waiters()
	w.mu.Lock()
	if t.get(i) == n && n.hash.Load()&hashWaiting == hashWaiting {
		w.cond.Wait()
	} else {
		// possibly won the race against the signaller
		w.cond.Broadcast()
	}
	w.mu.Unlock()
}
