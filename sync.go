package aio

import "github.com/taedlar/neolith-aio/internal/syncx"

// Signal is the binary event primitive used throughout the core: worker
// stop events, queue signal-on-insert events, and anything a caller wants
// to multiplex alongside them. Manual-reset signals stay set until Reset
// and wake every waiter; auto-reset signals wake at most one waiter and
// clear. Timed waits never succeed spuriously.
type Signal = syncx.Event

// NewSignal creates a signal. See Signal for the two variants.
func NewSignal(manualReset, initialState bool) *Signal {
	return syncx.NewEvent(manualReset, initialState)
}
