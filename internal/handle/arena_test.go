package handle

import (
	"errors"
	"sync"
	"testing"
)

func TestInsertGet(t *testing.T) {
	t.Parallel()

	var a Arena[string]
	x := a.Insert("x")
	y := a.Insert("y")
	if x == 0 || y == 0 {
		t.Fatalf("zero ID issued: %v %v", x, y)
	}
	if x == y {
		t.Fatalf("duplicate IDs: %v", x)
	}

	for id, want := range map[ID]string{x: "x", y: "y"} {
		got, err := a.Get(id)
		if err != nil {
			t.Fatalf("Get(%v): %v", id, err)
		}
		if got != want {
			t.Errorf("Get(%v): got %q, want %q", id, got, want)
		}
	}
	if got := a.Len(); got != 2 {
		t.Errorf("Len: got %d, want 2", got)
	}
}

func TestRemovedIDGoesStale(t *testing.T) {
	t.Parallel()

	var a Arena[int]
	old := a.Insert(1)
	if _, err := a.Remove(old); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Get(old); !errors.Is(err, ErrStale) {
		t.Errorf("Get after Remove: got %v, want %v", err, ErrStale)
	}
	if _, err := a.Remove(old); !errors.Is(err, ErrStale) {
		t.Errorf("second Remove: got %v, want %v", err, ErrStale)
	}

	// The slot is reused under a new generation.
	reused := a.Insert(2)
	if reused.Index() != old.Index() {
		t.Errorf("slot reuse: got index %d, want %d", reused.Index(), old.Index())
	}
	if reused.Generation() == old.Generation() {
		t.Errorf("generation not bumped: %d", reused.Generation())
	}
	if _, err := a.Get(old); !errors.Is(err, ErrStale) {
		t.Errorf("old ID after reuse: got %v, want %v", err, ErrStale)
	}
	if v, err := a.Get(reused); err != nil || v != 2 {
		t.Errorf("Get(reused): got %d, %v, want 2", v, err)
	}
}

func TestInvalidIDs(t *testing.T) {
	t.Parallel()

	var a Arena[int]
	a.Insert(1)
	tests := []struct {
		name string
		id   ID
	}{
		{"zero", 0},
		{"out of range", makeID(7, 1)},
	}
	for _, tt := range tests {
		if _, err := a.Get(tt.id); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: got %v, want %v", tt.name, err, ErrInvalid)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	id := makeID(3, 9)
	got, err := Parse(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("Parse(String()): got %v, want %v", got, id)
	}
	for _, s := range []string{"", "0", "xyz", "-1"} {
		if _, err := Parse(s); !errors.Is(err, ErrInvalid) {
			t.Errorf("Parse(%q): got %v, want %v", s, err, ErrInvalid)
		}
	}
}

func TestEach(t *testing.T) {
	t.Parallel()

	var a Arena[int]
	ids := []ID{a.Insert(10), a.Insert(20), a.Insert(30)}
	if _, err := a.Remove(ids[1]); err != nil {
		t.Fatal(err)
	}

	sum := 0
	a.Each(func(_ ID, v int) bool {
		sum += v
		return true
	})
	if sum != 40 {
		t.Errorf("sum of live values: got %d, want 40", sum)
	}

	visited := 0
	a.Each(func(ID, int) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("early stop: visited %d, want 1", visited)
	}
}

func TestConcurrentInsertRemove(t *testing.T) {
	t.Parallel()

	var a Arena[int]
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := a.Insert(n)
				if v, err := a.Get(id); err != nil || v != n {
					t.Errorf("Get: got %d, %v, want %d", v, err, n)
					return
				}
				if _, err := a.Remove(id); err != nil {
					t.Errorf("Remove: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	if got := a.Len(); got != 0 {
		t.Errorf("Len: got %d, want 0", got)
	}
}
