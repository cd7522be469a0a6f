package aggregator

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/andresmejia3/rollcall/internal/types"
)

func TestAdd_Idempotent(t *testing.T) {
	s := types.NewIdentitySet("A", "B")

	once := New()
	once.Add(s)

	twice := New()
	twice.Add(s)
	twice.Add(s)

	if !reflect.DeepEqual(once.Snapshot(), twice.Snapshot()) {
		t.Errorf("add(S); add(S) = %v, want %v", twice.Snapshot().Sorted(), once.Snapshot().Sorted())
	}
}

func TestAdd_Commutative(t *testing.T) {
	ab := New()
	ab.Add(types.NewIdentitySet("A"))
	ab.Add(types.NewIdentitySet("B"))

	ba := New()
	ba.Add(types.NewIdentitySet("B"))
	ba.Add(types.NewIdentitySet("A"))

	if !reflect.DeepEqual(ab.Snapshot(), ba.Snapshot()) {
		t.Errorf("order matters: %v vs %v", ab.Snapshot().Sorted(), ba.Snapshot().Sorted())
	}
}

func TestScenario_ThreeFrames(t *testing.T) {
	a := New()
	a.Add(types.NewIdentitySet("A")) // frame 1
	a.Add(types.NewIdentitySet("B")) // frame 2
	a.Add(types.NewIdentitySet())    // frame 3 matched nothing

	got := a.DrainAndClear()
	if want := []string{"A", "B"}; !reflect.DeepEqual(got.Sorted(), want) {
		t.Errorf("drained %v, want %v", got.Sorted(), want)
	}
	if a.Len() != 0 {
		t.Errorf("aggregator should be empty after drain, has %d", a.Len())
	}
}

func TestDrainAndClear_OnlyNewAfterwards(t *testing.T) {
	a := New()
	a.Add(types.NewIdentitySet("A"))
	a.DrainAndClear()

	a.Add(types.NewIdentitySet("C"))
	if got := a.DrainAndClear().Sorted(); !reflect.DeepEqual(got, []string{"C"}) {
		t.Errorf("second drain = %v, want [C]", got)
	}
}

func TestDrained_SetIsDetached(t *testing.T) {
	a := New()
	a.Add(types.NewIdentitySet("A"))
	drained := a.DrainAndClear()

	a.Add(types.NewIdentitySet("B"))
	if drained.Has("B") {
		t.Error("later adds must not leak into an already drained set")
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	a := New()
	a.Add(types.NewIdentitySet("A"))
	snap := a.Snapshot()
	snap.Add("Z")
	if a.Snapshot().Has("Z") {
		t.Error("mutating a snapshot changed the aggregator")
	}
}

// Run with -race: the pump adds while a commit worker drains.
func TestConcurrentAddAndDrain(t *testing.T) {
	a := New()
	const writers, perWriter = 8, 200

	var wg sync.WaitGroup
	var mu sync.Mutex
	drained := make(types.IdentitySet)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				a.Add(types.NewIdentitySet(fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			batch := a.DrainAndClear()
			mu.Lock()
			for id := range batch {
				drained[id] = struct{}{}
			}
			mu.Unlock()
		}
	}()

	wg.Wait()
	close(done)

	mu.Lock()
	for id := range a.DrainAndClear() {
		drained[id] = struct{}{}
	}
	total := len(drained)
	mu.Unlock()

	if total != writers*perWriter {
		t.Errorf("lost identities: got %d, want %d", total, writers*perWriter)
	}
}
