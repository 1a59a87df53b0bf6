// Package preview streams reduced-size JPEG snapshots of a stream's frames
// to browsers as Motion JPEG.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/framelink/internal/logger"
)

// ErrClosed is returned by Offer after Close.
var ErrClosed = errors.New("preview closed")

const (
	defaultFPS     = 10
	defaultWidth   = 640
	defaultQuality = 80
	clientBuffer   = 2
)

// Config bounds the cost of a preview.
type Config struct {
	// FPS caps how often frames are encoded.
	FPS float64
	// Width is the encoded width; the height keeps the aspect ratio.
	Width   int
	Quality int
}

// Stats reports preview activity.
type Stats struct {
	Frames  uint64 `json:"frames"`
	Clients int    `json:"clients"`
}

// Preview fans JPEG frames out to HTTP clients. Frames are only decoded and
// encoded while at least one client is connected.
type Preview struct {
	cfg      Config
	interval time.Duration
	log      *zerolog.Logger

	mu       sync.RWMutex
	closed   bool
	clients  map[chan []byte]struct{}
	last     time.Time
	latest   []byte
	frames   uint64
	scratch  *image.RGBA
	encodeMu sync.Mutex
}

// New creates a preview. Zero config fields take defaults.
func New(cfg Config) *Preview {
	if cfg.FPS <= 0 {
		cfg.FPS = defaultFPS
	}
	if cfg.Width <= 0 {
		cfg.Width = defaultWidth
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = defaultQuality
	}
	return &Preview{
		cfg:      cfg,
		interval: time.Duration(float64(time.Second) / cfg.FPS),
		log:      logger.WithComponent("preview"),
		clients:  make(map[chan []byte]struct{}),
	}
}

// Wanted reports whether a frame offered now would be encoded.
func (p *Preview) Wanted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && len(p.clients) > 0 && time.Since(p.last) >= p.interval
}

// Offer encodes the image produced by src and sends it to every client.
// src is not called when no client is connected or the rate cap has not
// elapsed.
func (p *Preview) Offer(src func() (*image.RGBA, error)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if len(p.clients) == 0 || time.Since(p.last) < p.interval {
		p.mu.Unlock()
		return nil
	}
	p.last = time.Now()
	p.mu.Unlock()

	img, err := src()
	if err != nil {
		return fmt.Errorf("preview source: %w", err)
	}
	data, err := p.encode(img)
	if err != nil {
		return err
	}
	p.broadcast(data)
	return nil
}

// WriteFrame encodes img and sends it to every client regardless of the
// rate cap.
func (p *Preview) WriteFrame(img *image.RGBA) error {
	data, err := p.encode(img)
	if err != nil {
		return err
	}
	p.broadcast(data)
	return nil
}

func (p *Preview) encode(img *image.RGBA) ([]byte, error) {
	p.encodeMu.Lock()
	defer p.encodeMu.Unlock()

	var out image.Image = img
	b := img.Bounds()
	if b.Dx() > p.cfg.Width {
		h := max(b.Dy()*p.cfg.Width/b.Dx(), 1)
		if p.scratch == nil || p.scratch.Bounds().Dx() != p.cfg.Width || p.scratch.Bounds().Dy() != h {
			p.scratch = image.NewRGBA(image.Rect(0, 0, p.cfg.Width, h))
		}
		draw.ApproxBiLinear.Scale(p.scratch, p.scratch.Bounds(), img, b, draw.Src, nil)
		out = p.scratch
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, out, &jpeg.Options{Quality: p.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *Preview) broadcast(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.latest = data
	p.frames++
	for ch := range p.clients {
		select {
		case ch <- data:
		default:
			// Client is slow, skip this frame
		}
	}
}

// Latest returns the most recent JPEG, or nil before the first frame.
func (p *Preview) Latest() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

func (p *Preview) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{Frames: p.frames, Clients: len(p.clients)}
}

// Close disconnects every client. Later Offers fail with ErrClosed.
func (p *Preview) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for ch := range p.clients {
		close(ch)
	}
	p.clients = make(map[chan []byte]struct{})
}

func (p *Preview) subscribe() (chan []byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	ch := make(chan []byte, clientBuffer)
	p.clients[ch] = struct{}{}
	// Let the next offered frame through immediately.
	p.last = time.Time{}
	return ch, true
}

func (p *Preview) unsubscribe(ch chan []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clients[ch]; ok {
		delete(p.clients, ch)
		close(ch)
	}
}

// ServeHTTP streams frames as multipart/x-mixed-replace until the client
// goes away or the preview is closed.
func (p *Preview) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frames, ok := p.subscribe()
	if !ok {
		http.Error(w, "preview closed", http.StatusGone)
		return
	}
	defer p.unsubscribe(frames)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	p.log.Debug().Str("remote", r.RemoteAddr).Msg("Preview client connected")
	defer func() {
		p.log.Debug().Str("remote", r.RemoteAddr).Msg("Preview client disconnected")
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frames:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := fmt.Fprint(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}
