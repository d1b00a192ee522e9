package store

import (
	"sync"
	"testing"
)

func TestLocksSerializeSameKey(t *testing.T) {
	locks := NewLocks()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.Lock("doc-1")
			defer release()
			current := counter
			counter = current + 1
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
	if len(locks.held) != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", len(locks.held))
	}
}

func TestLocksDifferentKeysDoNotBlock(t *testing.T) {
	locks := NewLocks()
	releaseA := locks.Lock("a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		release := locks.Lock("b")
		release()
		close(done)
	}()
	<-done
}
