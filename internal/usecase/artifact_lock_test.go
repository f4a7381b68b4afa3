package usecase

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestArtifactLocks_SerializesSameID(t *testing.T) {
	locks := newArtifactLocks()

	var (
		active  int32
		overlap int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("sig_1.png")
			defer unlock()

			if atomic.AddInt32(&active, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if overlap != 0 {
		t.Error("operations on the same id overlapped")
	}
	if locks.size() != 0 {
		t.Errorf("want lock table to be empty, got %d entries", locks.size())
	}
}

func TestArtifactLocks_DifferentIDsDoNotContend(t *testing.T) {
	locks := newArtifactLocks()

	unlockA := locks.Lock("sig_a.png")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("sig_b.png")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different id blocked")
	}
}
