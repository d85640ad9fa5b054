//go:build tsmap_disable_padding

package opt

import "sync/atomic"

// CounterCell_ is one stripe of a StripedCounter.
// Padding is force-disabled via the tsmap_disable_padding build tag.
// Use: go build -tags=tsmap_disable_padding
type CounterCell_ struct {
	V atomic.Int64
}
