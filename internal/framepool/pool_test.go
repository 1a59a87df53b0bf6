package framepool

import (
	"errors"
	"testing"

	"github.com/bryanchriswhite/framelink/internal/device"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
)

type stubFrame struct {
	id    int
	flags device.FrameFlags
	tc    uint32
	buf   []byte
}

func (f *stubFrame) Width() int                      { return 4 }
func (f *stubFrame) Height() int                     { return 1 }
func (f *stubFrame) RowBytes() int                   { return 16 }
func (f *stubFrame) PixelFormat() pixelformat.Format { return pixelformat.BGRA8 }
func (f *stubFrame) Flags() device.FrameFlags        { return f.flags }
func (f *stubFrame) Bytes() []byte                   { return f.buf }
func (f *stubFrame) SetFlags(fl device.FrameFlags)   { f.flags = fl }
func (f *stubFrame) SetTimecode(bcd uint32)          { f.tc = bcd }
func (f *stubFrame) Timecode() uint32                { return f.tc }

func counter() Allocator {
	n := 0
	return func() (device.MutableFrame, error) {
		n++
		return &stubFrame{id: n, buf: make([]byte, 16)}, nil
	}
}

func TestPoolFIFO(t *testing.T) {
	t.Parallel()

	p, err := New(3, counter())
	if err != nil {
		t.Fatal(err)
	}

	a, _ := p.Acquire()
	b, _ := p.Acquire()
	if got := a.(*stubFrame).id; got != 1 {
		t.Errorf("first acquire: got %d, want 1", got)
	}
	if err := p.Release(a); err != nil {
		t.Fatal(err)
	}
	c, _ := p.Acquire()
	if got := c.(*stubFrame).id; got != 3 {
		t.Errorf("third acquire: got %d, want 3", got)
	}
	d, _ := p.Acquire()
	if d != a {
		t.Errorf("fourth acquire: got frame %d, want recycled frame 1", d.(*stubFrame).id)
	}
	if _, ok := p.Acquire(); ok {
		t.Error("acquire on empty pool: got ok, want exhausted")
	}
	if got := p.Outstanding(); got != 3 {
		t.Errorf("Outstanding: got %d, want 3", got)
	}
	_ = b
}

func TestPoolReleaseTwice(t *testing.T) {
	t.Parallel()

	p, err := New(1, counter())
	if err != nil {
		t.Fatal(err)
	}
	f, _ := p.Acquire()
	if err := p.Release(f); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(f); !errors.Is(err, ErrNotOwned) {
		t.Errorf("second release: got %v, want ErrNotOwned", err)
	}
	if err := p.Release(&stubFrame{}); !errors.Is(err, ErrNotOwned) {
		t.Errorf("foreign release: got %v, want ErrNotOwned", err)
	}
}

func TestPoolAllocationFailure(t *testing.T) {
	t.Parallel()

	n := 0
	alloc := func() (device.MutableFrame, error) {
		n++
		if n == 3 {
			return nil, device.ErrAllocation
		}
		return &stubFrame{id: n}, nil
	}
	if _, err := New(5, alloc); !errors.Is(err, ErrAllocation) {
		t.Errorf("New: got %v, want ErrAllocation", err)
	}
}
