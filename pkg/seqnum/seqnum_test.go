package seqnum_test

import (
	"sort"
	"sync"
	"testing"

	"github.com/tsdb2/common/pkg/seqnum"
)

func TestFirst(t *testing.T) {
	sn := seqnum.New(123)
	if got := sn.Next(); got != 123 {
		t.Errorf("Next() = %d, want 123", got)
	}
}

func TestFirstDefault(t *testing.T) {
	var sn seqnum.SequenceNumber
	if got := sn.Next(); got != 1 {
		t.Errorf("Next() = %d, want 1", got)
	}
}

func TestNext(t *testing.T) {
	var sn seqnum.SequenceNumber
	sn.Next()
	if got := sn.Next(); got != 2 {
		t.Errorf("Next() = %d, want 2", got)
	}
	if got := sn.Next(); got != 3 {
		t.Errorf("Next() = %d, want 3", got)
	}
}

func TestConcurrentDistinct(t *testing.T) {
	var sn seqnum.SequenceNumber
	const goroutines, perGoroutine = 8, 100

	var mu sync.Mutex
	var got []uint64
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				local = append(local, sn.Next())
			}
			mu.Lock()
			got = append(got, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, v := range got {
		if want := uint64(i + 1); v != want {
			t.Fatalf("sorted value #%d = %d, want %d", i, v, want)
		}
	}
}
