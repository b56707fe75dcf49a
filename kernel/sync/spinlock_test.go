package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	// Substitute the yieldFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
		counter    int
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	if !sl.Held() {
		t.Error("expected Held to return true while the lock is acquired")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			defer wg.Done()
			sl.Acquire()
			counter++
			sl.Release()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()

	if counter != numWorkers {
		t.Fatalf("expected counter to be %d; got %d", numWorkers, counter)
	}

	if sl.Held() {
		t.Fatal("expected lock to be free once all workers are done")
	}
}
