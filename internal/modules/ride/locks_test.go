package ride

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLockArenaTimesOutWhileHeld(t *testing.T) {
	a := newLockArena()
	release, err := a.acquire(context.Background(), "r1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.acquire(ctx, "r1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	release()
	release2, err := a.acquire(context.Background(), "r1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestLockArenaRidesDoNotContend(t *testing.T) {
	a := newLockArena()
	release, err := a.acquire(context.Background(), "r1")
	if err != nil {
		t.Fatalf("acquire r1: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	release2, err := a.acquire(ctx, "r2")
	if err != nil {
		t.Fatalf("acquire r2 while r1 held: %v", err)
	}
	release2()
}

func TestLockArenaShrinks(t *testing.T) {
	a := newLockArena()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := a.acquire(context.Background(), "shared")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			release()
		}()
	}
	wg.Wait()
	if n := a.size(); n != 0 {
		t.Fatalf("expected empty arena, got %d entries", n)
	}
}

func TestLockArenaMutualExclusion(t *testing.T) {
	a := newLockArena()
	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := a.acquire(context.Background(), "r1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxSeen)
	}
}
