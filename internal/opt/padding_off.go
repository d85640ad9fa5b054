//go:build (386 || arm || mips || mipsle || wasm) && !tsmap_disable_padding && !tsmap_enable_padding

package opt

import "sync/atomic"

// CounterCell_ is one stripe of a StripedCounter.
// Padding is disabled by default on 32-bit architectures
// (386, arm, mips, mipsle, wasm) where memory is the tighter constraint.
type CounterCell_ struct {
	V atomic.Int64
}
