package gpudirect

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

type fakeDMA struct {
	mu       sync.Mutex
	initErr  error
	pinned   map[*byte]bool
	pins     int
	unpins   int
	closed   bool
	transfer func(src Texture, dst []byte) error
}

func newFakeDMA() *fakeDMA {
	return &fakeDMA{pinned: map[*byte]bool{}}
}

func (d *fakeDMA) Init() error { return d.initErr }

func (d *fakeDMA) Pin(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pinned[key(buf)] = true
	d.pins++
	return nil
}

func (d *fakeDMA) Unpin(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pinned, key(buf))
	d.unpins++
	return nil
}

func (d *fakeDMA) Transfer(src Texture, dst []byte) error {
	if d.transfer != nil {
		return d.transfer(src, dst)
	}
	copy(dst, src.Bytes())
	return nil
}

func (d *fakeDMA) Close() error {
	d.closed = true
	return nil
}

func TestPinRefcount(t *testing.T) {
	t.Parallel()

	dma := newFakeDMA()
	a := NewPinnedAllocator(dma)
	buf := make([]byte, 64)

	if err := a.Pin(buf); err != nil {
		t.Fatal(err)
	}
	if err := a.Pin(buf); err != nil {
		t.Fatal(err)
	}
	if got := dma.pins; got != 1 {
		t.Errorf("hardware pins after double pin: got %d, want 1", got)
	}
	if err := a.Unpin(buf); err != nil {
		t.Fatal(err)
	}

	// One unpin short: the address must still be pinned.
	if got := a.PinCount(buf); got != 1 {
		t.Errorf("PinCount after one unpin: got %d, want 1", got)
	}
	if got := a.Pinned(); got != 1 {
		t.Errorf("Pinned after one unpin: got %d, want 1 leaked pin", got)
	}
	if dma.unpins != 0 {
		t.Errorf("hardware unpins: got %d, want 0", dma.unpins)
	}

	if err := a.Unpin(buf); err != nil {
		t.Fatal(err)
	}
	if got := a.Pinned(); got != 0 {
		t.Errorf("Pinned after balanced unpins: got %d, want 0", got)
	}
	if err := a.Unpin(buf); !errors.Is(err, ErrNotPinned) {
		t.Errorf("extra Unpin: got %v, want ErrNotPinned", err)
	}
}

func TestAllocatorReusesLastReleased(t *testing.T) {
	t.Parallel()

	a := NewPinnedAllocator(newFakeDMA())
	first, err := a.AllocateBuffer(128)
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.AllocateBuffer(128)
	if err != nil {
		t.Fatal(err)
	}
	a.ReleaseBuffer(first)
	a.ReleaseBuffer(second)

	got, err := a.AllocateBuffer(128)
	if err != nil {
		t.Fatal(err)
	}
	if key(got) != key(second) {
		t.Error("AllocateBuffer: want the most recently released buffer")
	}
	if !a.Owns(got) || a.Owns(first) {
		t.Error("Owns: ownership not tracked across release and reuse")
	}

	a.Decommit()
	if got := a.Pinned(); got != 1 {
		t.Errorf("Pinned after Decommit: got %d, want 1 (the live buffer)", got)
	}
}

func TestBridgeTransfer(t *testing.T) {
	t.Parallel()

	dma := newFakeDMA()
	b := New(dma)
	if !b.Available() {
		t.Fatal("Available: got false, want true")
	}
	dst, err := b.Allocator().AllocateBuffer(16)
	if err != nil {
		t.Fatal(err)
	}
	src := HostTexture(bytes.Repeat([]byte{0xab}, 16))

	if !b.StartSync(src, dst) {
		t.Fatal("StartSync: got false, want true")
	}
	if b.StartSync(src, dst) {
		t.Error("StartSync on busy buffer: got true, want false")
	}
	if got := b.Allocator().PinCount(dst); got != 2 {
		t.Errorf("PinCount during transfer: got %d, want 2", got)
	}
	if err := b.EndSync(dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst, src) {
		t.Error("EndSync: destination not filled")
	}
	if got := b.Allocator().PinCount(dst); got != 1 {
		t.Errorf("PinCount after transfer: got %d, want 1", got)
	}
	if err := b.EndSync(dst); !errors.Is(err, ErrNoTransfer) {
		t.Errorf("second EndSync: got %v, want ErrNoTransfer", err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if !dma.closed {
		t.Error("Close: engine not closed")
	}
}

func TestBridgeRefusesForeignMemory(t *testing.T) {
	t.Parallel()

	b := New(newFakeDMA())
	defer b.Close()

	if b.StartSync(HostTexture(make([]byte, 8)), make([]byte, 8)) {
		t.Error("StartSync into unallocated memory: got true, want false")
	}
}

func TestBridgeUnavailable(t *testing.T) {
	t.Parallel()

	dma := newFakeDMA()
	dma.initErr = errors.New("no gpu")
	for _, b := range []*Bridge{New(nil), New(dma)} {
		if b.Available() {
			t.Error("Available: got true, want false")
		}
		if b.Allocator() != nil {
			t.Error("Allocator: got non-nil for unavailable bridge")
		}
		if b.StartSync(HostTexture{1}, make([]byte, 1)) {
			t.Error("StartSync: got true on unavailable bridge")
		}
		if err := b.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
}

func TestBridgeTransferError(t *testing.T) {
	t.Parallel()

	dma := newFakeDMA()
	boom := errors.New("dma fault")
	dma.transfer = func(Texture, []byte) error { return boom }
	b := New(dma)
	defer b.Close()

	dst, err := b.Allocator().AllocateBuffer(4)
	if err != nil {
		t.Fatal(err)
	}
	if !b.StartSync(HostTexture{1, 2, 3, 4}, dst) {
		t.Fatal("StartSync: got false, want true")
	}
	if err := b.EndSync(dst); !errors.Is(err, boom) {
		t.Errorf("EndSync: got %v, want %v", err, boom)
	}
	if got := b.Allocator().PinCount(dst); got != 1 {
		t.Errorf("PinCount after failed transfer: got %d, want 1", got)
	}
}
