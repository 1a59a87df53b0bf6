// Package handle hands out opaque 64-bit IDs for objects owned by an
// arena. An ID packs a slot index with a generation counter, so an ID kept
// after its object was removed no longer resolves, even once the slot is
// reused.
package handle

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
)

var (
	// ErrInvalid is returned for IDs that never named a slot.
	ErrInvalid = errors.New("invalid handle")
	// ErrStale is returned for IDs whose object has been removed.
	ErrStale = errors.New("stale handle")
)

// ID is an opaque handle: slot index in the high 32 bits, generation in
// the low 32. The zero ID is never issued.
type ID uint64

func makeID(index, gen uint32) ID {
	return ID(uint64(index)<<32 | uint64(gen))
}

// Index is the slot the ID refers to.
func (id ID) Index() uint32 { return uint32(id >> 32) }

// Generation is the slot generation the ID was issued for.
func (id ID) Generation() uint32 { return uint32(id) }

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 16)
}

// Parse reads an ID in the form produced by String.
func Parse(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return ID(v), nil
}

type slot[T any] struct {
	gen   uint32
	live  bool
	value T
}

// Arena owns values of type T addressed by ID. It is safe for concurrent
// use.
type Arena[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
}

// Insert stores v and returns its ID.
func (a *Arena[T]) Insert(v T) ID {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}
	s := &a.slots[idx]
	// Generations start at 1 so that no live ID is zero.
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.value = v
	return makeID(idx, s.gen)
}

func (a *Arena[T]) lookup(id ID) (*slot[T], error) {
	idx := id.Index()
	if id == 0 || int(idx) >= len(a.slots) {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, id)
	}
	s := &a.slots[idx]
	if !s.live || s.gen != id.Generation() {
		return nil, fmt.Errorf("%w: %s", ErrStale, id)
	}
	return s, nil
}

// Get resolves an ID.
func (a *Arena[T]) Get(id ID) (T, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, err := a.lookup(id)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Remove deletes the value behind id and returns it. The ID and every
// copy of it go stale.
func (a *Arena[T]) Remove(id ID) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero T
	s, err := a.lookup(id)
	if err != nil {
		return zero, err
	}
	v := s.value
	s.value = zero
	s.live = false
	a.free = append(a.free, id.Index())
	return v, nil
}

// Len is the number of live values.
func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots) - len(a.free)
}

// Each calls fn for every live value in slot order until fn returns false.
// fn must not call back into the arena.
func (a *Arena[T]) Each(fn func(ID, T) bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i := range a.slots {
		s := &a.slots[i]
		if !s.live {
			continue
		}
		if !fn(makeID(uint32(i), s.gen), s.value) {
			return
		}
	}
}
