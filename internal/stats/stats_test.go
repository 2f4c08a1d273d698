package stats_test

import (
	"sync"
	"testing"

	"github.com/momentics/hioload-sio/internal/stats"
)

func TestCountersAccumulate(t *testing.T) {
	r := stats.New()
	r.Inc("a")
	r.Add("a", 2)
	r.Inc("b")
	if r.Get("a") != 3 || r.Get("b") != 1 {
		t.Fatalf("a=%d b=%d", r.Get("a"), r.Get("b"))
	}
	if r.Get("untouched") != 0 {
		t.Fatal("untouched counter not zero")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r := stats.New()
	r.Inc("a")
	snap := r.Snapshot()
	snap["a"] = 100
	if r.Get("a") != 1 {
		t.Fatal("snapshot mutation leaked into registry")
	}
}

func TestConcurrentInc(t *testing.T) {
	r := stats.New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				r.Inc("n")
			}
		}()
	}
	wg.Wait()
	if r.Get("n") != 8000 {
		t.Fatalf("n=%d", r.Get("n"))
	}
}
