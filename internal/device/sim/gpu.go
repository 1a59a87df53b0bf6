package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/framelink/internal/gpudirect"
)

// ErrNoGPU is returned by Init on a GPU configured as absent.
var ErrNoGPU = errors.New("no GPUDirect capable GPU")

// GPU is a software copy engine standing in for a GPUDirect DMA unit.
type GPU struct {
	// Absent makes Init fail.
	Absent bool

	mu        sync.Mutex
	pinned    map[*byte]bool
	transfers int
	closed    bool
}

func bufKey(buf []byte) *byte {
	if cap(buf) == 0 {
		return nil
	}
	return &buf[:1][0]
}

func (g *GPU) Init() error {
	if g.Absent {
		return ErrNoGPU
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pinned = map[*byte]bool{}
	g.closed = false
	return nil
}

func (g *GPU) Pin(buf []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pinned == nil {
		return fmt.Errorf("gpu not initialized")
	}
	g.pinned[bufKey(buf)] = true
	return nil
}

func (g *GPU) Unpin(buf []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pinned, bufKey(buf))
	return nil
}

// Transfer copies the texture into pinned memory.
func (g *GPU) Transfer(src gpudirect.Texture, dst []byte) error {
	g.mu.Lock()
	ok := g.pinned[bufKey(dst)]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("transfer into unpinned memory")
	}
	copy(dst, src.Bytes())

	g.mu.Lock()
	g.transfers++
	g.mu.Unlock()
	return nil
}

func (g *GPU) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// Transfers is the number of completed DMA copies.
func (g *GPU) Transfers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transfers
}

// Pinned is the number of pinned buffers.
func (g *GPU) Pinned() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pinned)
}
