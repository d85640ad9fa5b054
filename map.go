package tsmap

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"
)

// Map is a concurrent hash map with lock-free reads, per-bin locking for
// writes and incremental resizing.
//
// Core properties:
//   - Get never blocks and never takes a lock
//   - Writers lock only the bin they mutate; the lock lives in the hash word
//     of the bin's head node
//   - Resizing splits one bin at a time and leaves forwarding nodes behind,
//     so readers keep working against the old table throughout
//   - Size is tracked by a StripedCounter
//
// Usage recommendations:
//   - Direct declaration: var m Map[string, int]
//   - Pre-allocate capacity: NewMap[string, int](WithCapacity(1000))
//
// Notes:
//   - Map must not be copied after first use.
//   - Functions passed to ComputeIfAbsent run while the key's bin is locked;
//     they must not call back into the same Map.
//   - A writer that finds a rebuild already running does not wait for it to
//     finish; the table is checked again on the next collision.
type Map[K comparable, V any] struct {
	_          noCopy
	table      atomic.Pointer[binTable[K, V]]
	sizeCtl    atomic.Int64 // table length before init, -1 while resizing, threshold after
	counter    StripedCounter
	once       sync.Once
	growths    atomic.Uint32
	capWarned  atomic.Bool
	seed       uintptr
	keyHash    HashFunc
	valEqual   EqualFunc
	loadFactor float64
	logger     zerolog.Logger
}

// NewMap creates a new Map instance. Direct initialization is also
// supported.
//
// Parameters:
//   - options: configuration options (WithCapacity, WithLoadFactor, etc.)
//
// Out-of-range option values are ignored; use NewMapWithOptions to have
// them reported as ErrInvalidConfiguration.
func NewMap[K comparable, V any](
	options ...func(*MapConfig),
) *Map[K, V] {
	m := &Map[K, V]{}
	m.withOptions(options...)
	return m
}

func (m *Map[K, V]) withOptions(options ...func(*MapConfig)) {
	var cfg MapConfig
	for _, o := range options {
		o(&cfg)
	}
	m.once.Do(func() {
		m.init(&cfg)
	})
}

func (m *Map[K, V]) init(cfg *MapConfig) {
	m.keyHash, m.valEqual = defaultHasher[K, V]()
	if keyHash := parseKeyInterface[K](); keyHash != nil {
		m.keyHash = keyHash
	}
	if valEqual := parseValueInterface[V](); valEqual != nil {
		m.valEqual = valEqual
	}
	if cfg.keyHash != nil {
		m.keyHash = cfg.keyHash
	}
	if cfg.valEqual != nil {
		m.valEqual = cfg.valEqual
	}
	m.seed = uintptr(rand.Uint64())
	m.loadFactor = cfg.effectiveLoadFactor()
	m.logger = zerolog.Nop()
	if cfg.logger != nil {
		m.logger = *cfg.logger
	}
	m.sizeCtl.Store(int64(cfg.initialTableLen()))
}

func (m *Map[K, V]) ensureInit() {
	m.once.Do(func() {
		var cfg MapConfig
		m.init(&cfg)
	})
}

func (m *Map[K, V]) hash(key *K) uint64 {
	return uint64(m.keyHash(noescape(unsafe.Pointer(key)), m.seed)) & hashBits
}

// Get returns the value stored for key. It never blocks.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	table := m.table.Load()
	if table == nil {
		return value, false
	}
	if v := m.getValue(table, m.hash(&key), &key); v != nil {
		return *v, true
	}
	return value, false
}

// ContainsKey reports whether key is present.
func (m *Map[K, V]) ContainsKey(key K) bool {
	_, ok := m.Get(key)
	return ok
}

func (m *Map[K, V]) getValue(table *binTable[K, V], hash uint64, key *K) *V {
	for table != nil {
		n := table.get(table.hashToIndex(hash))
		table = nil
		for ; n != nil; n = n.next.Load() {
			h := n.hash.Load()
			if h == hashMoved {
				table = n.fwd
				break
			}
			if h&hashBits == hash && n.key == *key {
				if v := n.value.Load(); v != nil {
					return v
				}
			}
		}
	}
	return nil
}

// Put stores value for key and returns the value it replaced, if any.
func (m *Map[K, V]) Put(key K, value V) (previous V, loaded bool) {
	m.ensureInit()
	if old := m.internalPut(&key, &value, false); old != nil {
		return *old, true
	}
	return previous, false
}

// GetAndSet is Put under its compare-and-set family name: it stores value
// and returns the previous one.
func (m *Map[K, V]) GetAndSet(key K, value V) (previous V, loaded bool) {
	return m.Put(key, value)
}

// PutIfAbsent stores value only when key is absent. It returns the value
// already present and true, or value and false when it was stored.
func (m *Map[K, V]) PutIfAbsent(key K, value V) (actual V, loaded bool) {
	m.ensureInit()
	if old := m.internalPut(&key, &value, true); old != nil {
		return *old, true
	}
	return value, false
}

func (m *Map[K, V]) internalPut(key *K, value *V, onlyIfAbsent bool) *V {
	hash := m.hash(key)
	table := m.table.Load()
	if table == nil {
		table = m.initializeTable()
	}
	for {
		i := table.hashToIndex(hash)
		n := table.get(i)
		if n == nil {
			if table.casNewNode(i, hash, *key, value) {
				m.counter.Increment()
				return nil
			}
			continue
		}
		h := n.hash.Load()
		if h == hashMoved {
			table = n.fwd
			continue
		}
		if onlyIfAbsent {
			if v := m.findValueInChain(n, key, hash, h&hashBits); v != nil {
				return v
			}
		}
		if isLockedHash(h) {
			m.tryAwaitLock(table, i, n)
			continue
		}
		old, nesting, ok := m.attemptPut(key, value, hash, table, i, n, h, onlyIfAbsent)
		if !ok {
			continue
		}
		if nesting > 1 || table.size() <= smallTableLen {
			m.checkForResize()
		}
		return old
	}
}

// attemptPut replaces or appends under the bin lock. nesting is the chain
// length walked.
func (m *Map[K, V]) attemptPut(
	key *K,
	value *V,
	hash uint64,
	table *binTable[K, V],
	i int,
	n *node[K, V],
	h uint64,
	onlyIfAbsent bool,
) (old *V, nesting int, ok bool) {
	if !table.tryLockViaHash(i, n, h) {
		return nil, 0, false
	}
	defer n.unlock(h|hashLocked, h)

	nesting = 1
	for e := n; ; nesting++ {
		if e.matches(key, hash) {
			if v := e.value.Load(); v != nil {
				if !onlyIfAbsent {
					e.value.Store(value)
				}
				return v, nesting, true
			}
		}
		next := e.next.Load()
		if next == nil {
			e.next.Store(newNode(hash, *key, value, nil))
			m.counter.Increment()
			return nil, nesting, true
		}
		e = next
	}
}

// ComputeIfAbsent returns the value for key, computing and storing it with
// fn when absent.
//
// fn runs at most once per successful insertion, while the key's bin is
// locked; concurrent callers for the same key wait for it and then observe
// the stored value. If fn returns an error, nothing is stored, the error is
// returned unchanged and the key stays absent. A panic in fn is rolled back
// the same way and then propagated.
func (m *Map[K, V]) ComputeIfAbsent(
	key K,
	fn func() (V, error),
) (V, error) {
	m.ensureInit()
	hash := m.hash(&key)
	table := m.table.Load()
	if table == nil {
		table = m.initializeTable()
	}
	for {
		i := table.hashToIndex(hash)
		n := table.get(i)
		if n == nil {
			if v, done, err := m.tryToCASInComputed(table, i, hash, &key, fn); done {
				return v, err
			}
			continue
		}
		h := n.hash.Load()
		if h == hashMoved {
			table = n.fwd
			continue
		}
		if v := m.findValueInChain(n, &key, hash, h&hashBits); v != nil {
			return *v, nil
		}
		if isLockedHash(h) {
			m.tryAwaitLock(table, i, n)
			continue
		}
		v, added, done, err := m.attemptComputeIfAbsent(&key, hash, table, i, n, h, fn)
		if !done {
			continue
		}
		if added {
			m.checkForResize()
		}
		return v, err
	}
}

// LoadOrCompute is ComputeIfAbsent for functions that cannot fail.
// loaded reports whether the value was already present.
func (m *Map[K, V]) LoadOrCompute(
	key K,
	fn func() V,
) (actual V, loaded bool) {
	computed := false
	actual, _ = m.ComputeIfAbsent(key, func() (V, error) {
		computed = true
		return fn(), nil
	})
	return actual, !computed
}

// tryToCASInComputed installs a locked provisional node holding the
// tombstone into the empty bin i and computes its value. done is false
// when the bin was no longer empty.
func (m *Map[K, V]) tryToCASInComputed(
	table *binTable[K, V],
	i int,
	hash uint64,
	key *K,
	fn func() (V, error),
) (value V, done bool, err error) {
	lockedHash := hash | hashLocked
	n := newNode[K, V](lockedHash, *key, nil, nil)
	if !table.cas(i, nil, n) {
		return value, false, nil
	}

	succeeded := false
	defer func() {
		if !succeeded {
			table.set(i, nil)
		}
		n.unlock(lockedHash, hash)
	}()

	v, err := fn()
	if err != nil {
		return value, true, err
	}
	n.value.Store(&v)
	succeeded = true
	m.counter.Increment()
	return v, true, nil
}

func (m *Map[K, V]) attemptComputeIfAbsent(
	key *K,
	hash uint64,
	table *binTable[K, V],
	i int,
	n *node[K, V],
	h uint64,
	fn func() (V, error),
) (value V, added, done bool, err error) {
	if !table.tryLockViaHash(i, n, h) {
		return value, false, false, nil
	}
	defer n.unlock(h|hashLocked, h)

	for e := n; ; {
		if e.matches(key, hash) {
			if v := e.value.Load(); v != nil {
				return *v, false, true, nil
			}
		}
		next := e.next.Load()
		if next == nil {
			v, err := fn()
			if err != nil {
				return value, false, true, err
			}
			e.next.Store(newNode(hash, *key, &v, nil))
			m.counter.Increment()
			return v, true, true, nil
		}
		e = next
	}
}

// findValueInChain looks key up without locking. Walking past the head
// means the bin has collided, which is when a resize is considered.
func (m *Map[K, V]) findValueInChain(
	n *node[K, V],
	key *K,
	hash uint64,
	pureHash uint64,
) *V {
	collided := false
	defer func() {
		if collided {
			m.checkForResize()
		}
	}()
	for {
		if pureHash == hash && n.key == *key {
			if v := n.value.Load(); v != nil {
				return v
			}
		}
		if n = n.next.Load(); n == nil {
			return nil
		}
		collided = true
		pureHash = n.pureHash()
	}
}

// ReplaceIfPresent stores value only when key is present and returns the
// value it replaced.
func (m *Map[K, V]) ReplaceIfPresent(
	key K,
	value V,
) (previous V, replaced bool) {
	if old := m.internalReplace(&key, &value, nil); old != nil {
		return *old, true
	}
	return previous, false
}

// CompareAndReplace stores value only when the current value for key
// equals expected.
//
// It panics when V is not comparable and no WithValueEqual was configured.
func (m *Map[K, V]) CompareAndReplace(key K, expected V, value V) bool {
	m.ensureInit()
	if m.valEqual == nil {
		panic("called CompareAndReplace when value is not of comparable type")
	}
	return m.internalReplace(&key, &value, m.valueMatcher(&expected)) != nil
}

// Remove deletes key and returns the value it held.
func (m *Map[K, V]) Remove(key K) (previous V, loaded bool) {
	if old := m.internalReplace(&key, nil, nil); old != nil {
		return *old, true
	}
	return previous, false
}

// RemoveIfMatches deletes key only when its current value equals expected.
//
// It panics when V is not comparable and no WithValueEqual was configured.
func (m *Map[K, V]) RemoveIfMatches(key K, expected V) bool {
	m.ensureInit()
	if m.valEqual == nil {
		panic("called RemoveIfMatches when value is not of comparable type")
	}
	return m.internalReplace(&key, nil, m.valueMatcher(&expected)) != nil
}

func (m *Map[K, V]) valueMatcher(expected *V) func(*V) bool {
	return func(current *V) bool {
		return m.valEqual(
			noescape(unsafe.Pointer(current)),
			noescape(unsafe.Pointer(expected)),
		)
	}
}

// internalReplace sets the value of a present key to value, or unlinks it
// when value is nil. match, when set, must accept the current value. It
// returns the replaced value, nil if nothing changed.
func (m *Map[K, V]) internalReplace(
	key *K,
	value *V,
	match func(*V) bool,
) *V {
	table := m.table.Load()
	if table == nil {
		return nil
	}
	hash := m.hash(key)
	for table != nil {
		i := table.hashToIndex(hash)
		n := table.get(i)
		if n == nil {
			return nil
		}
		h := n.hash.Load()
		switch {
		case h == hashMoved:
			table = n.fwd
		case h&hashBits != hash && n.next.Load() == nil:
			// a lone node for another hash rules out existence
			return nil
		case isLockedHash(h):
			m.tryAwaitLock(table, i, n)
		default:
			if old, ok := m.attemptReplace(key, value, hash, table, i, n, h, match); ok {
				return old
			}
		}
	}
	return nil
}

func (m *Map[K, V]) attemptReplace(
	key *K,
	value *V,
	hash uint64,
	table *binTable[K, V],
	i int,
	n *node[K, V],
	h uint64,
	match func(*V) bool,
) (old *V, ok bool) {
	if !table.tryLockViaHash(i, n, h) {
		return nil, false
	}
	defer n.unlock(h|hashLocked, h)

	var pred *node[K, V]
	for e := n; e != nil; pred, e = e, e.next.Load() {
		if !e.matches(key, hash) {
			continue
		}
		current := e.value.Load()
		if current == nil {
			continue
		}
		if match != nil && !match(current) {
			return nil, true
		}
		e.value.Store(value)
		if value == nil {
			next := e.next.Load()
			if pred != nil {
				pred.next.Store(next)
			} else {
				table.set(i, next)
			}
			m.counter.Decrement()
		}
		return current, true
	}
	return nil, true
}

// ForEachPair calls visitor for each key/value pair until it returns false.
//
// Iteration is weakly consistent: each bin is snapshotted as it is
// reached, pairs stored or removed concurrently may or may not be seen,
// but no key is visited twice and deleted entries are never reported.
// visitor runs with no lock held and may modify the map.
func (m *Map[K, V]) ForEachPair(visitor func(key K, value V) bool) {
	table := m.table.Load()
	if table == nil {
		return
	}
	it := traverser[K, V]{tab: table, baseSize: table.size()}
	var pairs []binPair[K, V]
	for head := it.nextBin(); head != nil; head = it.nextBin() {
		pairs = snapshotChain(pairs[:0], head)
		for i := range pairs {
			if !visitor(pairs[i].key, *pairs[i].value) {
				return
			}
		}
	}
}

type binPair[K comparable, V any] struct {
	key   K
	value *V
}

// snapshotChain appends the live pairs of a chain, keeping only the first
// node seen for a key: a key removed and stored again while the chain is
// walked can show up on a second node further down.
func snapshotChain[K comparable, V any](
	pairs []binPair[K, V],
	head *node[K, V],
) []binPair[K, V] {
	first := len(pairs)
next:
	for e := head; e != nil; e = e.next.Load() {
		v := e.value.Load()
		if v == nil {
			continue
		}
		for i := first; i < len(pairs); i++ {
			if pairs[i].key == e.key {
				continue next
			}
		}
		pairs = append(pairs, binPair[K, V]{e.key, v})
	}
	return pairs
}

// All returns an iterator over key/value pairs for range-over-func.
func (m *Map[K, V]) All() func(yield func(K, V) bool) {
	return m.ForEachPair
}

// Size returns the number of entries. It is approximate while writers are
// active and exact once they stop.
func (m *Map[K, V]) Size() int {
	if sum := m.counter.Sum(); sum > 0 {
		return int(sum)
	}
	return 0
}

// Empty reports whether Size is zero.
func (m *Map[K, V]) Empty() bool {
	return m.Size() == 0
}

// Clear removes every entry. Bins locked by writers are waited for;
// entries inserted while Clear runs may survive it.
func (m *Map[K, V]) Clear() {
	table := m.table.Load()
	if table == nil {
		return
	}
	var deleted int64
	tableLen := table.size()
	for i := 0; i < tableLen; {
		n := table.get(i)
		if n == nil {
			i++
			continue
		}
		h := n.hash.Load()
		switch {
		case h == hashMoved && n.fwd.size() >= tableLen:
			table = n.fwd
			tableLen = table.size()
		case h == hashMoved:
			// bin i is still held by the older table a rebuild deferred
			cleared, advance := m.clearDeferredBin(n.fwd, i)
			deleted += cleared
			if advance {
				i++
			}
		case isLockedHash(h):
			// opportunistically publish progress before waiting
			m.counter.Add(-deleted)
			deleted = 0
			n.tryAwaitLock(table, i)
		default:
			if table.tryLockViaHash(i, n, h) {
				deleted += clearChain(n)
				table.set(i, nil)
				n.unlock(h|hashLocked, h)
				i++
			}
		}
	}
	m.counter.Add(-deleted)
}

// clearDeferredBin clears the chain behind a reverse forwarder. advance
// reports that the bin is empty and the caller may move on.
func (m *Map[K, V]) clearDeferredBin(
	old *binTable[K, V],
	i int,
) (cleared int64, advance bool) {
	oi := int(uint64(i) & old.mask)
	n := old.get(oi)
	if n == nil {
		return 0, true
	}
	h := n.hash.Load()
	switch {
	case h == hashMoved:
		// split meanwhile, reread the newer bin
		return 0, false
	case isLockedHash(h):
		n.tryAwaitLock(old, oi)
		return 0, false
	default:
		if old.tryLockViaHash(oi, n, h) {
			cleared = clearChain(n)
			old.set(oi, nil)
			n.unlock(h|hashLocked, h)
		}
		return cleared, false
	}
}

// clearChain tombstones every node of a locked chain and returns how many
// were live.
func clearChain[K comparable, V any](n *node[K, V]) (live int64) {
	for e := n; e != nil; e = e.next.Load() {
		if e.value.Swap(nil) != nil {
			live++
		}
	}
	return live
}

// tryAwaitLock gives a pending resize a chance before waiting on the bin.
func (m *Map[K, V]) tryAwaitLock(
	table *binTable[K, V],
	i int,
	n *node[K, V],
) {
	m.checkForResize()
	n.tryAwaitLock(table, i)
}

// ============================================================================
// Table initialization and resizing
// ============================================================================

func (m *Map[K, V]) initializeTable() *binTable[K, V] {
	for {
		if table := m.table.Load(); table != nil {
			return table
		}
		ctl := m.sizeCtl.Load()
		if ctl == nowResizing {
			// lost the initialization race, just spin
			runtime.Gosched()
			continue
		}
		m.tryInResizeLock(nil, ctl, func() int64 {
			tableLen := defaultCapacity
			if ctl > 0 {
				tableLen = int(ctl)
			}
			m.table.Store(newBinTable[K, V](tableLen))
			m.logger.Debug().
				Int("capacity", tableLen).
				Msg("tsmap: table initialized")
			return thresholdFor(tableLen, m.loadFactor)
		})
	}
}

// checkForResize rebuilds the table while the counter is over threshold.
// A goroutine that finds a rebuild already claimed returns; the next
// collision after the new table is published checks again.
func (m *Map[K, V]) checkForResize() {
	for {
		table := m.table.Load()
		if table == nil {
			return
		}
		ctl := m.sizeCtl.Load()
		if ctl == nowResizing {
			return
		}
		size := m.counter.Sum()
		if ctl >= size {
			return
		}
		tableLen := table.size()
		if tableLen >= maxCapacity {
			m.capacityExceeded(tableLen, size)
			return
		}
		m.tryInResizeLock(table, ctl, func() int64 {
			newTable, deferred := m.rebuild(table)
			m.table.Store(newTable)
			m.growths.Add(1)
			m.logger.Debug().
				Int("old_capacity", tableLen).
				Int("new_capacity", newTable.size()).
				Int("deferred_bins", deferred).
				Int64("size", size).
				Msg("tsmap: table rebuilt")
			return thresholdFor(newTable.size(), m.loadFactor)
		})
	}
}

func (m *Map[K, V]) capacityExceeded(tableLen int, size int64) {
	if !m.capWarned.CompareAndSwap(false, true) {
		return
	}
	m.logger.Warn().
		Err(ErrCapacityExceeded).
		Int("capacity", tableLen).
		Int64("size", size).
		Msg("tsmap: table stops growing, chains will lengthen")
}

// tryInResizeLock claims sizeCtl, runs fn if table is still current and
// stores the sizeCtl fn returns; on a lost claim it does nothing.
func (m *Map[K, V]) tryInResizeLock(
	table *binTable[K, V],
	ctl int64,
	fn func() int64,
) {
	if !m.sizeCtl.CompareAndSwap(ctl, nowResizing) {
		return
	}
	defer func() {
		m.sizeCtl.Store(ctl)
	}()
	if m.table.Load() == table {
		ctl = fn()
	}
}

// rebuild moves every bin of table into a table twice its size, walking
// from the highest bin down. Locked bins are deferred into a bounded
// revisit buffer, with reverse forwarders standing in for them in the new
// table, and only waited for once the buffer is full or on the revisit
// pass.
func (m *Map[K, V]) rebuild(table *binTable[K, V]) (*binTable[K, V], int) {
	oldLen := table.size()
	newTable := table.nextSizeTable()
	forwarder := newForwardingNode(newTable)
	var (
		revForwarder *node[K, V]
		lockedIdx    []int // bins to revisit, nil until needed
		lockedArrIdx int
		deferred     int
	)
	bin := oldLen - 1
	i := bin
	for {
		n := table.get(i)
		if n == nil {
			var ok bool
			if bin >= 0 {
				ok = table.cas(i, nil, forwarder)
			} else {
				ok = lockAndCleanUpReverseForwarders(table, oldLen, newTable, i, forwarder)
			}
			if !ok {
				continue
			}
		} else if h := n.hash.Load(); isLockedHash(h) {
			if bin < 0 && lockedArrIdx > 0 {
				// swap with another deferred bin
				lockedArrIdx--
				i, lockedIdx[lockedArrIdx] = lockedIdx[lockedArrIdx], i
				continue
			}
			if bin < 0 || len(lockedIdx) >= transferBufferSize {
				// no other options, block
				n.tryAwaitLock(table, i)
				continue
			}
			if revForwarder == nil {
				revForwarder = newForwardingNode(table)
			}
			if table.get(i) != n || !n.isLocked() {
				continue
			}
			lockedIdx = append(lockedIdx, i)
			deferred++
			newTable.set(i, revForwarder)
			newTable.set(i+oldLen, revForwarder)
		} else if !splitOldBin(table, newTable, i, n, h, forwarder) {
			continue
		}

		switch {
		case bin > 0:
			bin--
			i = bin
		case len(lockedIdx) > 0:
			bin = -1
			i = lockedIdx[len(lockedIdx)-1]
			lockedIdx = lockedIdx[:len(lockedIdx)-1]
			lockedArrIdx = len(lockedIdx) - 1
		default:
			return newTable, deferred
		}
	}
}

// lockAndCleanUpReverseForwarders turns an empty deferred bin into a
// forwarder. A locked placeholder keeps writers out while the reverse
// forwarders in the new table are removed.
func lockAndCleanUpReverseForwarders[K comparable, V any](
	table *binTable[K, V],
	oldLen int,
	newTable *binTable[K, V],
	i int,
	forwarder *node[K, V],
) bool {
	placeholder := &node[K, V]{fwd: newTable}
	placeholder.hash.Store(hashLocked)
	if !table.cas(i, nil, placeholder) {
		return false
	}
	newTable.set(i, nil)
	newTable.set(i+oldLen, nil)
	table.set(i, forwarder)
	placeholder.unlock(hashLocked, hashMoved)
	return true
}

func splitOldBin[K comparable, V any](
	table *binTable[K, V],
	newTable *binTable[K, V],
	i int,
	n *node[K, V],
	h uint64,
	forwarder *node[K, V],
) bool {
	if !table.tryLockViaHash(i, n, h) {
		return false
	}
	defer n.unlock(h|hashLocked, h)
	splitBin(newTable, i, n, h)
	table.set(i, forwarder)
	return true
}

// splitBin publishes the chain headed by n into bins i and i+bit of
// newTable, bit being the old table length. The trailing run of nodes that
// all land in the same half is shared rather than copied; the head is
// always copied since it carries the lock.
func splitBin[K comparable, V any](
	newTable *binTable[K, V],
	i int,
	n *node[K, V],
	h uint64,
) {
	bit := uint64(newTable.size() >> 1)
	runBit := h & bit
	lastRun := n.next.Load()
	var low, high *node[K, V]
	for e := lastRun; e != nil; e = e.next.Load() {
		if b := e.hash.Load() & bit; b != runBit {
			runBit = b
			lastRun = e
		}
	}
	if runBit == 0 {
		low = lastRun
	} else {
		high = lastRun
	}
	for e := n; e != lastRun; e = e.next.Load() {
		v := e.value.Load()
		if v == nil {
			continue
		}
		ph := e.pureHash()
		if ph&bit == 0 {
			low = newNode(ph, e.key, v, low)
		} else {
			high = newNode(ph, e.key, v, high)
		}
	}
	newTable.set(i, low)
	newTable.set(i+int(bit), high)
}

// ============================================================================
// Traversal
// ============================================================================

// traverser walks the bins of a table, descending into successor tables
// through forwarding nodes. Bins reached in a table of length n from base
// index b are b, b+baseSize, b+2*baseSize... so a key split across
// generations is seen in exactly one of them.
//
// A successor table is only entered at the index of the forwarder that led
// to it, and that bin is split before the forwarder is installed, so the
// reverse forwarders of a running rebuild are never reached.
type traverser[K comparable, V any] struct {
	tab       *binTable[K, V]
	stack     *tableStack[K, V]
	spare     *tableStack[K, V]
	index     int
	baseIndex int
	baseSize  int
}

// tableStack records where to resume after a forwarded table.
type tableStack[K comparable, V any] struct {
	tab    *binTable[K, V]
	length int
	index  int
	next   *tableStack[K, V]
}

// nextBin returns the head of the next non-empty bin, nil when done.
func (it *traverser[K, V]) nextBin() *node[K, V] {
	for {
		t := it.tab
		if it.baseIndex >= it.baseSize || t == nil {
			return nil
		}
		n := t.size()
		i := it.index
		if n <= i || i < 0 {
			return nil
		}
		e := t.get(i)
		if e != nil && e.hash.Load() == hashMoved {
			it.tab = e.fwd
			it.pushState(t, i, n)
			continue
		}
		if it.stack != nil {
			it.recoverState(n)
		} else if it.index = i + it.baseSize; it.index >= n {
			it.baseIndex++
			it.index = it.baseIndex
		}
		if e != nil {
			return e
		}
	}
}

func (it *traverser[K, V]) pushState(t *binTable[K, V], i, n int) {
	s := it.spare
	if s != nil {
		it.spare = s.next
	} else {
		s = &tableStack[K, V]{}
	}
	s.tab, s.length, s.index, s.next = t, n, i, it.stack
	it.stack = s
}

func (it *traverser[K, V]) recoverState(n int) {
	var s *tableStack[K, V]
	for {
		s = it.stack
		if s == nil {
			break
		}
		it.index += s.length
		if it.index < n {
			break
		}
		n = s.length
		it.index = s.index
		it.tab = s.tab
		s.tab = nil
		next := s.next
		s.next = it.spare
		it.stack = next
		it.spare = s
	}
	if s == nil {
		if it.index += it.baseSize; it.index >= n {
			it.baseIndex++
			it.index = it.baseIndex
		}
	}
}
