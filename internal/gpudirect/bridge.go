// Package gpudirect moves rendered GPU textures straight into pinned output
// frame memory. When the GPU copy engine is missing the bridge reports
// itself unavailable and callers fall back to a CPU copy.
package gpudirect

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bryanchriswhite/framelink/internal/logger"
)

// ErrNoTransfer is returned by EndSync when no transfer was started.
var ErrNoTransfer = errors.New("no transfer in flight for buffer")

// Texture is a GPU image with a host-visible mirror.
type Texture interface {
	Size() int
	Bytes() []byte
}

// HostTexture is a Texture backed by plain memory.
type HostTexture []byte

func (t HostTexture) Size() int     { return len(t) }
func (t HostTexture) Bytes() []byte { return t }

// DMA is a GPU copy engine.
type DMA interface {
	Pinner
	// Init prepares the engine. A failure leaves the bridge unavailable.
	Init() error
	// Transfer blocks until src has been written into dst.
	Transfer(src Texture, dst []byte) error
	Close() error
}

// Bridge pairs a DMA engine with the pinned allocator backing frame memory.
type Bridge struct {
	dma       DMA
	alloc     *PinnedAllocator
	available bool
	log       *zerolog.Logger

	mu      sync.Mutex
	pending map[*byte]*transfer
	closed  bool
}

type transfer struct {
	g   *errgroup.Group
	dst []byte
}

// New initializes the bridge. A nil engine or one that fails Init yields an
// unavailable bridge, never an error.
func New(dma DMA) *Bridge {
	b := &Bridge{
		dma:     dma,
		log:     logger.WithComponent("gpudirect"),
		pending: map[*byte]*transfer{},
	}
	if dma == nil {
		b.log.Warn().Msg("No GPU copy engine, GPUDirect disabled")
		return b
	}
	if err := dma.Init(); err != nil {
		b.log.Warn().Err(err).Msg("GPU copy engine failed to initialize")
		return b
	}
	b.alloc = NewPinnedAllocator(dma)
	b.available = true
	b.log.Info().Msg("GPUDirect transfers enabled")
	return b
}

// Available reports whether transfers can be started.
func (b *Bridge) Available() bool {
	return b != nil && b.available
}

// Allocator is the pinned allocator frames must come from, or nil when the
// bridge is unavailable.
func (b *Bridge) Allocator() *PinnedAllocator {
	if !b.Available() {
		return nil
	}
	return b.alloc
}

// StartSync begins an asynchronous transfer of src into dst. It returns
// false, leaving dst untouched, when the bridge cannot handle the request;
// the caller copies on the CPU instead.
func (b *Bridge) StartSync(src Texture, dst []byte) bool {
	if !b.Available() || src == nil || src.Size() > len(dst) {
		return false
	}
	if !b.alloc.Owns(dst) {
		return false
	}

	k := key(dst)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if _, busy := b.pending[k]; busy {
		b.mu.Unlock()
		return false
	}
	if err := b.alloc.Pin(dst); err != nil {
		b.mu.Unlock()
		b.log.Error().Err(err).Msg("Failed to pin frame for transfer")
		return false
	}
	g := new(errgroup.Group)
	g.Go(func() error {
		return b.dma.Transfer(src, dst)
	})
	b.pending[k] = &transfer{g: g, dst: dst}
	b.mu.Unlock()
	return true
}

// EndSync waits for the transfer into dst and drops its pin.
func (b *Bridge) EndSync(dst []byte) error {
	k := key(dst)
	b.mu.Lock()
	t, ok := b.pending[k]
	delete(b.pending, k)
	b.mu.Unlock()
	if !ok {
		return ErrNoTransfer
	}
	return t.finish(b.alloc)
}

func (t *transfer) finish(a *PinnedAllocator) error {
	err := t.g.Wait()
	if uerr := a.Unpin(t.dst); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// Close waits for outstanding transfers and releases the engine.
func (b *Bridge) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := b.pending
	b.pending = map[*byte]*transfer{}
	b.mu.Unlock()

	for _, t := range pending {
		_ = t.finish(b.alloc)
	}
	if !b.available {
		return nil
	}
	b.alloc.Decommit()
	return b.dma.Close()
}
