package gpudirect

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotPinned is returned when unpinning memory with no outstanding pin.
	ErrNotPinned = errors.New("buffer is not pinned")
	// ErrForeignBuffer is returned for memory the allocator did not hand out.
	ErrForeignBuffer = errors.New("buffer not allocated by this allocator")
)

const defaultCacheSize = 8

// Pinner registers host memory with the GPU for DMA.
type Pinner interface {
	Pin(buf []byte) error
	Unpin(buf []byte) error
}

func key(buf []byte) *byte {
	if cap(buf) == 0 {
		return nil
	}
	return &buf[:1][0]
}

// PinnedAllocator hands out host buffers that stay pinned while allocated.
// Pins are reference counted per address: each Pin needs its own Unpin.
type PinnedAllocator struct {
	pinner Pinner

	mu     sync.Mutex
	pins   map[*byte]int
	owned  map[*byte][]byte
	cache  [][]byte
	maxCap int
}

// NewPinnedAllocator wraps a pinner.
func NewPinnedAllocator(p Pinner) *PinnedAllocator {
	return &PinnedAllocator{
		pinner: p,
		pins:   map[*byte]int{},
		owned:  map[*byte][]byte{},
		maxCap: defaultCacheSize,
	}
}

// AllocateBuffer returns a pinned buffer of size bytes, reusing the most
// recently released one when it fits.
func (a *PinnedAllocator) AllocateBuffer(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", size)
	}

	a.mu.Lock()
	for i := len(a.cache) - 1; i >= 0; i-- {
		buf := a.cache[i]
		if len(buf) == size {
			a.cache = append(a.cache[:i], a.cache[i+1:]...)
			a.owned[key(buf)] = buf
			a.mu.Unlock()
			return buf, nil
		}
	}
	a.mu.Unlock()

	buf := make([]byte, size)
	if err := a.Pin(buf); err != nil {
		return nil, fmt.Errorf("failed to pin buffer: %w", err)
	}
	a.mu.Lock()
	a.owned[key(buf)] = buf
	a.mu.Unlock()
	return buf, nil
}

// ReleaseBuffer moves a buffer into the reuse cache. When the cache is full
// the oldest cached buffer is unpinned and dropped.
func (a *PinnedAllocator) ReleaseBuffer(buf []byte) {
	k := key(buf)
	a.mu.Lock()
	if _, ok := a.owned[k]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.owned, k)
	a.cache = append(a.cache, buf)
	var evicted []byte
	if len(a.cache) > a.maxCap {
		evicted = a.cache[0]
		a.cache = a.cache[1:]
	}
	a.mu.Unlock()

	if evicted != nil {
		_ = a.Unpin(evicted)
	}
}

// Owns reports whether buf was handed out and not yet released.
func (a *PinnedAllocator) Owns(buf []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.owned[key(buf)]
	return ok
}

// Pin adds a pin reference. Only the first reference reaches the GPU.
func (a *PinnedAllocator) Pin(buf []byte) error {
	k := key(buf)
	if k == nil {
		return fmt.Errorf("cannot pin empty buffer")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pins[k] == 0 {
		if err := a.pinner.Pin(buf); err != nil {
			return err
		}
	}
	a.pins[k]++
	return nil
}

// Unpin drops a pin reference. The GPU mapping goes away with the last one.
func (a *PinnedAllocator) Unpin(buf []byte) error {
	k := key(buf)

	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.pins[k]
	if n == 0 {
		return ErrNotPinned
	}
	if n == 1 {
		delete(a.pins, k)
		return a.pinner.Unpin(buf)
	}
	a.pins[k] = n - 1
	return nil
}

// PinCount is the number of outstanding pins on buf.
func (a *PinnedAllocator) PinCount(buf []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pins[key(buf)]
}

// Pinned is the number of distinct pinned addresses.
func (a *PinnedAllocator) Pinned() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pins)
}

// Decommit unpins and drops every cached buffer.
func (a *PinnedAllocator) Decommit() {
	a.mu.Lock()
	cached := a.cache
	a.cache = nil
	a.mu.Unlock()

	for _, buf := range cached {
		_ = a.Unpin(buf)
	}
}
