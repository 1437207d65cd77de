package sequence

import (
	"sync"
	"testing"
)

func TestSequencerIsMonotonicUnderContention(t *testing.T) {
	s := New(10)
	seen := make(chan uint64, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				seen <- s.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[uint64]bool{}
	for v := range seen {
		if v <= 10 || unique[v] {
			t.Fatalf("bad sequence value %d", v)
		}
		unique[v] = true
	}
	if s.Current() != 1010 {
		t.Fatalf("expected current 1010, got %d", s.Current())
	}

	s.Reset(5)
	if s.Next() != 6 {
		t.Fatal("Reset did not rewind")
	}
}
