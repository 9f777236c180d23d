package sync

import "sync/atomic"

// Token is a one-shot cooperative cancellation flag shared by the
// lister, the workers, and the signal handler. Once set it stays set.
// It is polled between page requests and between per-item fetches, so
// an in-flight remote call always completes before the pipeline winds
// down.
type Token struct {
	flag atomic.Bool
}

// Set marks the token cancelled. Safe to call from any goroutine and
// idempotent.
func (t *Token) Set() {
	t.flag.Store(true)
}

// Cancelled reports whether Set has been called.
func (t *Token) Cancelled() bool {
	return t.flag.Load()
}
