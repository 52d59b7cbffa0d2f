package ids

import (
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
)

func TestNewOrdering(t *testing.T) {
	const total = 100
	got := make([]string, total)
	for i := range got {
		got[i] = New()
	}

	for i, id := range got {
		if len(id) != 26 {
			t.Fatalf("expected ULID length 26, got %d", len(id))
		}
		if _, err := ulid.Parse(id); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
		if i > 0 && got[i-1] >= id {
			t.Fatalf("expected strictly increasing ids, %s >= %s", got[i-1], id)
		}
	}
}

func TestNewConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := New()
				mu.Lock()
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate id generated: %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if want := goroutines * perGoroutine; len(seen) != want {
		t.Fatalf("expected %d unique ids, got %d", want, len(seen))
	}
}
