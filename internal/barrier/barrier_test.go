package barrier

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestFreezeWaitsForOperations(t *testing.T) {
	b := New()
	leave := b.Enter()

	var frozen atomic.Bool
	done := make(chan struct{})
	go func() {
		release := b.Freeze()
		frozen.Store(true)
		release()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if frozen.Load() {
		t.Fatalf("freeze should wait for the operation in flight")
	}
	leave()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("freeze did not proceed after the operation left")
	}
}

func TestOperationsShareTheBarrier(t *testing.T) {
	b := New()
	first := b.Enter()
	entered := make(chan struct{})
	go func() {
		b.Enter()()
		close(entered)
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatalf("concurrent operations should not exclude each other")
	}
	first()
}

func TestNilBarrier(t *testing.T) {
	var b *Barrier
	b.Enter()()
	b.Freeze()()
}
