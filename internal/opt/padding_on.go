//go:build !(386 || arm || mips || mipsle || wasm) && !tsmap_disable_padding && !tsmap_enable_padding

package opt

import (
	"sync/atomic"
	"unsafe"
)

// CounterCell_ is one stripe of a StripedCounter.
// Padding is enabled by default for 64-bit architectures
// (amd64, arm64, s390x, ppc64, ppc64le, riscv64, loong64, mips64, ...).
type CounterCell_ struct {
	V atomic.Int64
	_ [(CacheLineSize_ - unsafe.Sizeof(atomic.Int64{})%CacheLineSize_) % CacheLineSize_]byte
}
