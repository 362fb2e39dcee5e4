package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDrainPreservesOrder(t *testing.T) {
	l := New()
	var got []int
	for i := 0; i < 5; i++ {
		l.Post(func() { got = append(got, i) })
	}

	if n := l.Drain(); n != 5 {
		t.Fatalf("Drain() ran %d tasks, want 5", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v, want ascending", got)
		}
	}
	if l.Pending() != 0 {
		t.Errorf("Pending() = %d after Drain", l.Pending())
	}
}

func TestPostFromTaskRunsAfterCurrentQueue(t *testing.T) {
	l := New()
	var got []string

	l.Post(func() {
		got = append(got, "a")
		l.Post(func() { got = append(got, "c") })
	})
	l.Post(func() { got = append(got, "b") })

	l.Drain()

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("order = %v, want [a b c]", got)
	}
}

func TestRunProcessesPostsFromOtherGoroutines(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Post(func() {
				mu.Lock()
				count++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	finished := make(chan struct{})
	l.Post(func() { close(finished) })
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not process posted tasks")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 50 {
		t.Errorf("count = %d, want 50", count)
	}
}
