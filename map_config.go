package tsmap

import (
	"fmt"
	"math"
	"reflect"
	"unsafe"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// MapConfig defines configurable options for Map initialization.
// This structure contains all the configuration parameters that can be used
// to customize the behavior and performance characteristics of a Map
// instance.
type MapConfig struct {
	// keyHash specifies a custom hash function for keys.
	// If nil, the built-in hash function will be used.
	keyHash HashFunc

	// valEqual specifies a custom equality function for values.
	// If nil, the built-in equality comparison will be used.
	// Note: CompareAndReplace and RemoveIfMatches with non-comparable
	// value types will panic if valEqual is nil.
	valEqual EqualFunc

	// capacity provides an estimate of the expected number of entries.
	// The table is sized so that capacity entries fit under the load
	// factor. If zero or negative, defaultCapacity bins are allocated.
	capacity int

	// loadFactor is the fraction of bins that may be occupied before the
	// table doubles. Zero means defaultLoadFactor.
	loadFactor float64

	// concurrencyLevel is the expected number of concurrently writing
	// goroutines. It only raises the initial table length.
	concurrencyLevel int

	// logger receives initialization, rebuild and capacity events.
	// If nil, events are discarded.
	logger *zerolog.Logger
}

// WithCapacity configuring new Map instance with capacity enough
// to hold cap entries without rebuilding. If cap is zero or negative, the
// value is ignored.
func WithCapacity(cap int) func(*MapConfig) {
	return func(c *MapConfig) {
		if cap > 0 {
			c.capacity = cap
		}
	}
}

// WithLoadFactor sets the occupancy at which the table doubles.
// Values outside (0, 1] are ignored.
func WithLoadFactor(loadFactor float64) func(*MapConfig) {
	return func(c *MapConfig) {
		if loadFactor > 0 && loadFactor <= 1 {
			c.loadFactor = loadFactor
		}
	}
}

// WithConcurrencyLevel hints how many goroutines are expected to write at
// once. The initial table gets at least that many bins. Values below 1 are
// ignored.
func WithConcurrencyLevel(level int) func(*MapConfig) {
	return func(c *MapConfig) {
		if level > 0 {
			c.concurrencyLevel = level
		}
	}
}

// WithLogger routes the map's internal events to logger.
//
// Usage:
//
//	logger := zerolog.New(os.Stderr).With().Str("map", "sessions").Logger()
//	m := NewMap[string, *Session](WithLogger(logger))
func WithLogger(logger zerolog.Logger) func(*MapConfig) {
	return func(c *MapConfig) {
		c.logger = &logger
	}
}

// WithKeyHasher sets a custom key hashing function for the map.
// This allows you to optimize hash distribution for specific key types
// or implement custom hashing strategies.
//
// Usage:
//
//	m := NewMap[string, int](WithKeyHasher(myCustomHashFunc))
//
// Keys that hash equally share a bin; a constant hasher degrades every
// operation to a chain walk but stays correct.
//
// Integer keys hash to themselves by default and the bin index keeps only
// the low bits, so keys that step by a multiple of the table length share
// one chain. Supply a mixing hasher for such key sets.
func WithKeyHasher[K comparable](
	keyHash func(key K, seed uintptr) uintptr,
) func(*MapConfig) {
	return func(c *MapConfig) {
		if keyHash != nil {
			c.keyHash = func(pointer unsafe.Pointer, u uintptr) uintptr {
				return keyHash(*(*K)(pointer), u)
			}
		}
	}
}

// WithKeyHasherUnsafe sets a low-level unsafe key hashing function.
// The pointer points to the key data in memory.
//
// Notes:
//   - You must correctly cast unsafe.Pointer to the actual key type
//   - Incorrect pointer operations will cause crashes or memory corruption
func WithKeyHasherUnsafe(hs HashFunc) func(*MapConfig) {
	return func(c *MapConfig) {
		c.keyHash = hs
	}
}

// WithValueEqual sets a custom value equality function for the map.
// This is essential for CompareAndReplace and RemoveIfMatches
// when working with non-comparable value types or custom equality logic.
//
// Usage:
//
//	equal := func(a, b MyStruct) bool {
//		return a.ID == b.ID && a.Name == b.Name
//	}
//	m := NewMap[string, MyStruct](WithValueEqual(equal))
func WithValueEqual[V any](
	valEqual func(val, val2 V) bool,
) func(*MapConfig) {
	return func(c *MapConfig) {
		if valEqual != nil {
			c.valEqual = func(val unsafe.Pointer, val2 unsafe.Pointer) bool {
				return valEqual(*(*V)(val), *(*V)(val2))
			}
		}
	}
}

// WithBuiltInHasher returns a MapConfig option that explicitly sets the
// built-in hash function for the specified type, the one Go's native map
// uses.
//
// Usage:
//
//	m := NewMap[string, int](WithBuiltInHasher[string]())
func WithBuiltInHasher[T comparable]() func(*MapConfig) {
	return func(c *MapConfig) {
		c.keyHash = GetBuiltInHasher[T]()
	}
}

// GetBuiltInHasher returns Go's built-in hash function for the specified
// type.
func GetBuiltInHasher[T comparable]() HashFunc {
	keyHash, _ := defaultHasherUsingBuiltIn[T, struct{}]()
	return keyHash
}

// IHashFunc defines a custom hash function interface for key types.
// It is detected during Map initialization, takes precedence over the
// built-in hasher and is overridden by WithKeyHasher.
//
// Usage:
//
//	type UserID struct {
//		ID int64
//		Tenant string
//	}
//
//	func (u *UserID) HashFunc(seed uintptr) uintptr {
//		return uintptr(u.ID) ^ seed
//	}
type IHashFunc interface {
	HashFunc(seed uintptr) uintptr
}

// IEqualFunc defines a custom equality comparison interface for value
// types, detected the same way as IHashFunc.
type IEqualFunc[T any] interface {
	EqualFunc(other T) bool
}

func parseKeyInterface[K comparable]() (keyHash HashFunc) {
	var k *K
	if _, ok := any(k).(IHashFunc); ok {
		keyHash = func(ptr unsafe.Pointer, seed uintptr) uintptr {
			return any((*K)(ptr)).(IHashFunc).HashFunc(seed)
		}
	}
	return
}

func parseValueInterface[V any]() (valEqual EqualFunc) {
	var v *V
	if _, ok := any(v).(IEqualFunc[V]); ok {
		valEqual = func(ptr unsafe.Pointer, other unsafe.Pointer) bool {
			return any((*V)(ptr)).(IEqualFunc[V]).EqualFunc(*(*V)(other))
		}
	}
	return
}

func (c *MapConfig) effectiveLoadFactor() float64 {
	if c.loadFactor > 0 && c.loadFactor <= 1 {
		return c.loadFactor
	}
	return defaultLoadFactor
}

// initialTableLen is the bin count allocated on first write.
func (c *MapConfig) initialTableLen() int {
	bins := defaultCapacity
	if c.capacity > 0 {
		need := math.Ceil(float64(c.capacity) / c.effectiveLoadFactor())
		if need >= maxCapacity {
			return maxCapacity
		}
		bins = int(need)
	}
	return tableSizeFor(max(bins, c.concurrencyLevel))
}

// ============================================================================
// Declarative options
// ============================================================================

// Options is the declarative form of a Map configuration, for maps built
// from decoded configuration rather than code. Zero fields take defaults.
type Options struct {
	InitialCapacity  int     `mapstructure:"initial_capacity"`
	LoadFactor       float64 `mapstructure:"load_factor"`
	ConcurrencyLevel int     `mapstructure:"concurrency_level"`
}

// DefaultOptions returns the settings an unconfigured Map uses.
func DefaultOptions() Options {
	return Options{
		InitialCapacity:  defaultCapacity,
		LoadFactor:       defaultLoadFactor,
		ConcurrencyLevel: 1,
	}
}

// Validate reports out-of-range settings as ErrInvalidConfiguration.
// Zero values are accepted and mean "use the default".
func (o Options) Validate() error {
	if o.InitialCapacity < 0 {
		return fmt.Errorf("%w: initial_capacity must be non-negative, got %d",
			ErrInvalidConfiguration, o.InitialCapacity)
	}
	if o.LoadFactor != 0 && !(o.LoadFactor > 0 && o.LoadFactor <= 1) {
		return fmt.Errorf("%w: load_factor must be in (0, 1], got %v",
			ErrInvalidConfiguration, o.LoadFactor)
	}
	if o.ConcurrencyLevel < 0 {
		return fmt.Errorf("%w: concurrency_level must be positive, got %d",
			ErrInvalidConfiguration, o.ConcurrencyLevel)
	}
	return nil
}

// WithOptions applies declarative options. Like the other functional
// options, out-of-range fields are ignored; call Validate first to reject
// them instead.
func WithOptions(opts Options) func(*MapConfig) {
	return func(c *MapConfig) {
		WithCapacity(opts.InitialCapacity)(c)
		WithLoadFactor(opts.LoadFactor)(c)
		WithConcurrencyLevel(opts.ConcurrencyLevel)(c)
	}
}

// DecodeOptions decodes a generic settings map, such as a section of a
// parsed YAML or JSON document, into validated Options. Unknown keys,
// values of the wrong type and explicit zero load_factor or
// concurrency_level are reported as ErrInvalidConfiguration.
func DecodeOptions(raw map[string]any) (Options, error) {
	var (
		o    Options
		meta mapstructure.Metadata
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.DecodeHookFuncType(integralHook),
		ErrorUnused: true,
		Metadata:    &meta,
		Result:      &o,
	})
	if err != nil {
		return Options{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Options{}, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	for _, key := range meta.Keys {
		switch {
		case key == "load_factor" && o.LoadFactor == 0:
			return Options{}, fmt.Errorf("%w: load_factor must be in (0, 1], got 0",
				ErrInvalidConfiguration)
		case key == "concurrency_level" && o.ConcurrencyLevel < 1:
			return Options{}, fmt.Errorf("%w: concurrency_level must be at least 1, got %d",
				ErrInvalidConfiguration, o.ConcurrencyLevel)
		}
	}
	return o, nil
}

// integralHook rejects fractional numbers for integer settings, which
// would otherwise be truncated.
func integralHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Int {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Float32, reflect.Float64:
		f := reflect.ValueOf(data).Float()
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("expected an integer, got %v", f)
		}
	}
	return data, nil
}

// NewMapWithOptions creates a Map from declarative options, rejecting
// invalid ones with ErrInvalidConfiguration. Functional options are applied
// after opts and may override them.
func NewMapWithOptions[K comparable, V any](
	opts Options,
	options ...func(*MapConfig),
) (*Map[K, V], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	m := &Map[K, V]{}
	m.withOptions(append([]func(*MapConfig){WithOptions(opts)}, options...)...)
	return m, nil
}
