//go:build tsmap_enable_padding

package opt

import (
	"sync/atomic"
	"unsafe"
)

// CounterCell_ is one stripe of a StripedCounter.
// Padding is force-enabled via the tsmap_enable_padding build tag.
// Use: go build -tags=tsmap_enable_padding
type CounterCell_ struct {
	V atomic.Int64
	_ [(CacheLineSize_ - unsafe.Sizeof(atomic.Int64{})%CacheLineSize_) % CacheLineSize_]byte
}
