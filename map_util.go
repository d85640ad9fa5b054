package tsmap

import (
	"reflect"
	"unsafe"

	"github.com/zeebo/xxh3"
)

// ============================================================================
// Private Constants
// ============================================================================

// State tags live in the two highest bits of a node's hash word.
const (
	stateShift = 62

	// hashMoved marks a forwarding node. Compared for equality, never as a bit.
	hashMoved = uint64(0b10) << stateShift
	// hashLocked is set/tested only as a bit.
	hashLocked = uint64(0b01) << stateShift
	// hashWaiting is set/tested with both bits together.
	hashWaiting = uint64(0b11) << stateShift
	// hashBits are the usable bits of a normal node's hash.
	hashBits = uint64(1)<<stateShift - 1
)

// Table sizing and resizing configuration
const (
	// defaultCapacity: bins allocated on first write without a capacity hint
	defaultCapacity = 16
	// maxCapacity: the table is never doubled past this many bins
	maxCapacity = 1 << 30
	// defaultLoadFactor: resize when size > bins * loadFactor
	defaultLoadFactor = 0.75
	// smallTableLen: tables up to this length check for resize after every
	// locked insert, larger ones only after a collision
	smallTableLen = 64
	// transferBufferSize: locked bins a rebuild may defer before it blocks
	transferBufferSize = 32
	// nowResizing is the sizeCtl value while the table is being
	// initialized or rebuilt
	nowResizing = -1
)

const intSize = 32 << (^uint(0) >> 63) // 32 or 64

// ============================================================================
// Utility Functions
// ============================================================================

// tableSizeFor returns the smallest power of two >= n, at least 2 and at
// most maxCapacity.
//
//go:nosplit
func tableSizeFor(n int) int {
	if n >= maxCapacity {
		return maxCapacity
	}
	return max(2, nextPowOf2(n))
}

// thresholdFor is the size above which a table of tableLen bins is rebuilt.
//
//go:nosplit
func thresholdFor(tableLen int, loadFactor float64) int64 {
	return max(1, int64(float64(tableLen)*loadFactor))
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal
// to n.
// Compatible with both 32-bit and 64-bit systems.
//
//go:nosplit
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}
	v := n - 1
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	if intSize == 64 {
		v |= v >> 32
	}
	return v + 1
}

// noescape hides a pointer from escape analysis. noescape is
// the identity function, but escape analysis doesn't think the
// output depends on the input.  noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	//nolint:all
	//goland:noinspection ALL
	return unsafe.Pointer(x ^ 0)
}

// ============================================================================
// Locker Utilities
// ============================================================================

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()

// ============================================================================
// Hash Utilities
// ============================================================================

type (
	// HashFunc is the function to hash a value of type K.
	HashFunc func(ptr unsafe.Pointer, seed uintptr) uintptr
	// EqualFunc is the function to compare two values of type V.
	EqualFunc func(ptr unsafe.Pointer, other unsafe.Pointer) bool
)

func defaultHasher[K comparable, V any]() (
	keyHash HashFunc,
	valEqual EqualFunc,
) {
	keyHash, valEqual = defaultHasherUsingBuiltIn[K, V]()

	switch any(*new(K)).(type) {
	case uint, int, uintptr:
		return hashUintptr, valEqual
	case uint64, int64:
		if intSize == 64 {
			return hashUint64, valEqual
		} else {
			return hashUint64On32Bit, valEqual
		}
	case uint32, int32:
		return hashUint32, valEqual
	case uint16, int16:
		return hashUint16, valEqual
	case uint8, int8:
		return hashUint8, valEqual
	case string:
		return hashString, valEqual
	default:
		kType := reflect.TypeFor[K]()
		if kType == nil {
			// Handle nil interface types
			return keyHash, valEqual
		}
		switch kType.Kind() {
		case reflect.Uint, reflect.Int, reflect.Uintptr:
			return hashUintptr, valEqual
		case reflect.Int64, reflect.Uint64:
			if intSize == 64 {
				return hashUint64, valEqual
			} else {
				return hashUint64On32Bit, valEqual
			}
		case reflect.Int32, reflect.Uint32:
			return hashUint32, valEqual
		case reflect.Int16, reflect.Uint16:
			return hashUint16, valEqual
		case reflect.Int8, reflect.Uint8:
			return hashUint8, valEqual
		case reflect.String:
			return hashString, valEqual
		default:
			return keyHash, valEqual
		}
	}
}

// defaultValueEqual returns the built-in equality for V, or nil when V is
// not comparable.
func defaultValueEqual[V any]() EqualFunc {
	_, valEqual := defaultHasherUsingBuiltIn[struct{}, V]()
	return valEqual
}

//go:nosplit
func hashUintptr(ptr unsafe.Pointer, _ uintptr) uintptr {
	return *(*uintptr)(ptr)
}

//go:nosplit
func hashUint64On32Bit(ptr unsafe.Pointer, _ uintptr) uintptr {
	v := *(*uint64)(ptr)
	return uintptr(v) ^ uintptr(v>>32)
}

//go:nosplit
func hashUint64(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint64)(ptr))
}

//go:nosplit
func hashUint32(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint32)(ptr))
}

//go:nosplit
func hashUint16(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint16)(ptr))
}

//go:nosplit
func hashUint8(ptr unsafe.Pointer, _ uintptr) uintptr {
	return uintptr(*(*uint8)(ptr))
}

func hashString(ptr unsafe.Pointer, seed uintptr) uintptr {
	s := *(*string)(ptr)
	if len(s) <= 12 {
		for i := range len(s) {
			seed = seed*31 + uintptr(s[i])
		}
		return seed
	}
	return uintptr(xxh3.HashStringSeed(s, uint64(seed)))
}

// defaultHasherUsingBuiltIn gets Go's built-in hash and equality functions
// for the specified types using reflection.
//
// Notes:
//   - This implementation relies on Go's internal type representation
//   - It should be verified for compatibility with each Go version upgrade
func defaultHasherUsingBuiltIn[K comparable, V any]() (
	keyHash HashFunc,
	valEqual EqualFunc,
) {
	var m map[K]V
	mapType := iTypeOf(m).MapType()
	return mapType.Hasher, mapType.Elem.Equal
}

type (
	iTFlag   uint8
	iKind    uint8
	iNameOff int32
)

// TypeOff is the offset to a type from moduledata.types.  See resolveTypeOff in
// runtime.
type iTypeOff int32

type iType struct {
	Size_       uintptr
	PtrBytes    uintptr // number of (prefix) bytes in the type that can contain pointers
	Hash        uint32  // hash of type; avoids computation in hash tables
	TFlag       iTFlag  // extra type information flags
	Align_      uint8   // alignment of variable with this type
	FieldAlign_ uint8   // alignment of struct field with this type
	Kind_       iKind   // enumeration for C
	// function for comparing objects of this type
	// (ptr to object A, ptr to object B) -> ==?
	Equal     func(unsafe.Pointer, unsafe.Pointer) bool
	GCData    *byte
	Str       iNameOff // string form
	PtrToThis iTypeOff // type for pointer to this type, may be zero
}

func (t *iType) MapType() *iMapType {
	return (*iMapType)(unsafe.Pointer(t))
}

type iMapType struct {
	iType
	Key   *iType
	Elem  *iType
	Group *iType // internal type representing a slot group
	// function for hashing keys (ptr to key, seed) -> hash
	Hasher func(unsafe.Pointer, uintptr) uintptr
}

func iTypeOf(a any) *iType {
	eface := *(*iEmptyInterface)(unsafe.Pointer(&a))
	// Types are either static (for compiler-created types) or
	// heap-allocated but always reachable (for reflection-created
	// types, held in the central map). So there is no need to
	// escape types. noescape here help avoid unnecessary escape
	// of v.
	return (*iType)(noescape(unsafe.Pointer(eface.Type)))
}

type iEmptyInterface struct {
	Type *iType
	Data unsafe.Pointer
}
