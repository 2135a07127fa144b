package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestManualAdvanceRunsDueTasks(t *testing.T) {
	s := NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	var ran []string
	s.Schedule(100*time.Millisecond, func() { ran = append(ran, "a") })
	s.Schedule(300*time.Millisecond, func() { ran = append(ran, "b") })

	s.Advance(150 * time.Millisecond)
	if len(ran) != 1 || ran[0] != "a" {
		t.Fatalf("after 150ms ran = %v, want [a]", ran)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}

	s.Advance(200 * time.Millisecond)
	if len(ran) != 2 || ran[1] != "b" {
		t.Fatalf("after 350ms ran = %v, want [a b]", ran)
	}
}

func TestManualAdvanceOrdersByDueTime(t *testing.T) {
	s := NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	var ran []string
	s.Schedule(300*time.Millisecond, func() { ran = append(ran, "late") })
	s.Schedule(100*time.Millisecond, func() { ran = append(ran, "early") })

	s.Advance(time.Second)
	if len(ran) != 2 || ran[0] != "early" || ran[1] != "late" {
		t.Fatalf("ran = %v, want [early late]", ran)
	}
}

func TestManualAdvanceRunsChainedTasks(t *testing.T) {
	s := NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	var stages []string
	s.Schedule(100*time.Millisecond, func() {
		stages = append(stages, "pending")
		s.Schedule(200*time.Millisecond, func() {
			stages = append(stages, "settled")
		})
	})

	// one big advance covers both stages
	s.Advance(time.Second)
	if len(stages) != 2 || stages[1] != "settled" {
		t.Fatalf("stages = %v, want [pending settled]", stages)
	}
}

func TestManualChainedTaskBeyondWindowStaysQueued(t *testing.T) {
	s := NewManual(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	var stages []string
	s.Schedule(100*time.Millisecond, func() {
		stages = append(stages, "pending")
		s.Schedule(time.Hour, func() { stages = append(stages, "settled") })
	})

	s.Advance(time.Second)
	if len(stages) != 1 {
		t.Fatalf("stages = %v, want only the first stage", stages)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}
}

func TestRealModeWaitBlocksUntilDone(t *testing.T) {
	s := New()
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		s.Schedule(time.Millisecond, func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	s.Wait()
	mu.Lock()
	defer mu.Unlock()
	if ran != 5 {
		t.Fatalf("ran = %d, want 5", ran)
	}
}

func TestInFlightAddIsExclusive(t *testing.T) {
	f := NewInFlight()
	if !f.Add("txn-1") {
		t.Fatalf("first add must win")
	}
	if f.Add("txn-1") {
		t.Fatalf("second add must lose while in flight")
	}
	f.Remove("txn-1")
	if !f.Add("txn-1") {
		t.Fatalf("add after remove must win")
	}
}

func TestInFlightConcurrentAddsSingleWinner(t *testing.T) {
	f := NewInFlight()
	const n = 50
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins[i] = f.Add("txn-1")
		}(i)
	}
	wg.Wait()
	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("winners = %d, want exactly 1", count)
	}
}
