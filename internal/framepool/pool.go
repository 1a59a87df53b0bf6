// Package framepool keeps a fixed set of pre-allocated output frames and
// hands them out in FIFO order.
package framepool

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/framelink/internal/device"
)

var (
	// ErrAllocation is returned when the device refuses to allocate a frame.
	ErrAllocation = errors.New("frame buffer allocation failed")
	// ErrNotOwned is returned when releasing a frame the pool never handed out.
	ErrNotOwned = errors.New("frame not acquired from this pool")
)

// Allocator creates one hardware frame.
type Allocator func() (device.MutableFrame, error)

// Pool is a FIFO of reusable frames. It does no locking; callers serialize
// access.
type Pool struct {
	all  []device.MutableFrame
	free []device.MutableFrame
	out  map[device.MutableFrame]struct{}
}

// New allocates size frames up front.
func New(size int, alloc Allocator) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}

	p := &Pool{
		all:  make([]device.MutableFrame, 0, size),
		free: make([]device.MutableFrame, 0, size),
		out:  make(map[device.MutableFrame]struct{}, size),
	}
	for i := 0; i < size; i++ {
		f, err := alloc()
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d of %d: %v", ErrAllocation, i+1, size, err)
		}
		if f == nil {
			return nil, fmt.Errorf("%w: frame %d of %d", ErrAllocation, i+1, size)
		}
		p.all = append(p.all, f)
		p.free = append(p.free, f)
	}
	return p, nil
}

// Acquire takes the oldest released frame. ok is false when every frame is
// currently handed out.
func (p *Pool) Acquire() (f device.MutableFrame, ok bool) {
	if len(p.free) == 0 {
		return nil, false
	}
	f = p.free[0]
	copy(p.free, p.free[1:])
	p.free[len(p.free)-1] = nil
	p.free = p.free[:len(p.free)-1]
	p.out[f] = struct{}{}
	return f, true
}

// Release returns a frame to the back of the queue. Releasing a frame
// twice, or one from elsewhere, is an error.
func (p *Pool) Release(f device.MutableFrame) error {
	if _, ok := p.out[f]; !ok {
		return ErrNotOwned
	}
	delete(p.out, f)
	p.free = append(p.free, f)
	return nil
}

// Size is the number of frames the pool owns.
func (p *Pool) Size() int {
	return len(p.all)
}

// Available is the number of frames ready to be acquired.
func (p *Pool) Available() int {
	return len(p.free)
}

// Outstanding is the number of frames currently acquired.
func (p *Pool) Outstanding() int {
	return len(p.out)
}

// Frames lists every frame the pool owns, in allocation order.
func (p *Pool) Frames() []device.MutableFrame {
	out := make([]device.MutableFrame, len(p.all))
	copy(out, p.all)
	return out
}

// Drain forgets every frame. The pool is empty afterwards.
func (p *Pool) Drain() {
	p.all = nil
	p.free = nil
	p.out = map[device.MutableFrame]struct{}{}
}
