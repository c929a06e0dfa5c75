// Package barrier orders vault operations against whole-vault reads.
//
// An operation that mutates more than one component (mint then custody,
// escrow then earmark) enters the barrier shared for its whole duration.
// A snapshot freezes it, so it observes either all or none of every
// operation's steps. Operations must not enter again while inside: a
// waiting freeze blocks new entries.
package barrier

import "sync"

// Barrier is safe for concurrent use. A nil Barrier never blocks.
type Barrier struct {
	mu sync.RWMutex
}

func New() *Barrier {
	return &Barrier{}
}

// Enter admits one operation and returns its release.
func (b *Barrier) Enter() func() {
	if b == nil {
		return func() {}
	}
	b.mu.RLock()
	return b.mu.RUnlock
}

// Freeze waits for in-flight operations to finish and holds new ones off
// until the returned release is called.
func (b *Barrier) Freeze() func() {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	return b.mu.Unlock
}
