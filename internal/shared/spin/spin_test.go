package spin

import (
	"sync"
	"testing"
)

func TestLockMutualExclusion(t *testing.T) {
	const (
		workers = 8
		perW    = 5_000
	)

	var (
		l       Lock
		counter int
		wg      sync.WaitGroup
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perW; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	if counter != workers*perW {
		t.Fatalf("counter = %d, want %d", counter, workers*perW)
	}
}

func TestTryLock(t *testing.T) {
	var l Lock
	if !l.TryLock() {
		t.Fatalf("TryLock() = false on free lock, want true")
	}
	if l.TryLock() {
		t.Fatalf("TryLock() = true on held lock, want false")
	}
	l.Unlock()
	if !l.TryLock() {
		t.Fatalf("TryLock() = false after Unlock, want true")
	}
}
