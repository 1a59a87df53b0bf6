// Package audio buffers host audio and feeds it to the hardware when the
// device asks for more.
package audio

import (
	"math"
	"sync"
)

// Chunk is a reusable block of interleaved 32-bit samples. Consume advances
// the read position without moving data.
type Chunk struct {
	buf   []int32
	start int
	count int
}

// NewChunk allocates a chunk holding up to capacity samples.
func NewChunk(capacity int) *Chunk {
	return &Chunk{buf: make([]int32, capacity)}
}

// Capacity is the number of samples the chunk can hold.
func (c *Chunk) Capacity() int {
	return len(c.buf)
}

// SampleCount is the number of unread samples.
func (c *Chunk) SampleCount() int {
	return c.count
}

// Samples returns the unread samples.
func (c *Chunk) Samples() []int32 {
	return c.buf[c.start : c.start+c.count]
}

// Writable returns the whole backing buffer for filling after Reset.
func (c *Chunk) Writable() []int32 {
	return c.buf
}

// Resize reallocates to hold n samples and empties the chunk.
func (c *Chunk) Resize(n int) {
	c.buf = make([]int32, n)
	c.start, c.count = 0, 0
}

// Reset empties the chunk keeping its memory.
func (c *Chunk) Reset() {
	c.start, c.count = 0, 0
}

// SetLength marks the first n samples of the buffer as valid.
func (c *Chunk) SetLength(n int) {
	c.start = 0
	c.count = min(n, len(c.buf))
}

// Consume drops n samples from the front.
func (c *Chunk) Consume(n int) {
	n = min(n, c.count)
	c.start += n
	c.count -= n
}

// Release frees the backing memory.
func (c *Chunk) Release() {
	c.buf = nil
	c.start, c.count = 0, 0
}

// Queue holds filled chunks waiting for the hardware and a free list of
// chunks to recycle. Each list has its own lock.
type Queue struct {
	mu     sync.Mutex
	filled []*Chunk

	freeMu sync.Mutex
	free   []*Chunk
}

// PushBack appends a filled chunk.
func (q *Queue) PushBack(c *Chunk) {
	q.mu.Lock()
	q.filled = append(q.filled, c)
	q.mu.Unlock()
}

// PushFront returns a partially consumed chunk to the head of the queue.
func (q *Queue) PushFront(c *Chunk) {
	q.mu.Lock()
	q.filled = append(q.filled, nil)
	copy(q.filled[1:], q.filled)
	q.filled[0] = c
	q.mu.Unlock()
}

// PopFront removes the oldest filled chunk.
func (q *Queue) PopFront() (*Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.filled) == 0 {
		return nil, false
	}
	c := q.filled[0]
	q.filled[0] = nil
	q.filled = q.filled[1:]
	return c, true
}

// Len is the number of filled chunks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.filled)
}

// Pending is the number of unread samples across filled chunks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, c := range q.filled {
		n += c.SampleCount()
	}
	return n
}

// Recycle puts a chunk on the free list.
func (q *Queue) Recycle(c *Chunk) {
	q.freeMu.Lock()
	q.free = append(q.free, c)
	q.freeMu.Unlock()
}

// take pops the most recently recycled chunk, or allocates one.
func (q *Queue) take(samples int) *Chunk {
	q.freeMu.Lock()
	var c *Chunk
	if n := len(q.free); n > 0 {
		c = q.free[n-1]
		q.free[n-1] = nil
		q.free = q.free[:n-1]
	}
	q.freeMu.Unlock()

	if c == nil {
		return NewChunk(samples)
	}
	if c.Capacity() < samples {
		c.Resize(samples)
	} else {
		c.Reset()
	}
	return c
}

// FeedFloat converts interleaved float samples to 32-bit integers and
// queues them. Values are clamped to [-1, 1].
func (q *Queue) FeedFloat(samples []float32) {
	if len(samples) == 0 {
		return
	}
	c := q.take(len(samples))
	dst := c.Writable()
	for i, s := range samples {
		dst[i] = FloatToInt32(s)
	}
	c.SetLength(len(samples))
	q.PushBack(c)
}

// FeedInt32 queues already converted samples.
func (q *Queue) FeedInt32(samples []int32) {
	if len(samples) == 0 {
		return
	}
	c := q.take(len(samples))
	copy(c.Writable(), samples)
	c.SetLength(len(samples))
	q.PushBack(c)
}

// Clear releases every chunk.
func (q *Queue) Clear() {
	q.mu.Lock()
	for _, c := range q.filled {
		c.Release()
	}
	q.filled = nil
	q.mu.Unlock()

	q.freeMu.Lock()
	for _, c := range q.free {
		c.Release()
	}
	q.free = nil
	q.freeMu.Unlock()
}

// FloatToInt32 clamps s to [-1, 1] and scales it to the int32 range.
func FloatToInt32(s float32) int32 {
	v := float64(s)
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	} else if math.IsNaN(v) {
		v = 0
	}
	return int32(v * math.MaxInt32)
}
