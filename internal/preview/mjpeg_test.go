package preview

import (
	"bufio"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func waitClients(t *testing.T, p *Preview, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Clients != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients: got %d, want %d", p.Stats().Clients, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOfferSkipsWithoutClients(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	called := false
	err := p.Offer(func() (*image.RGBA, error) {
		called = true
		return solid(8, 8, color.RGBA{A: 255}), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Errorf("source decoded with no client connected")
	}
	if p.Wanted() {
		t.Errorf("Wanted: got true with no client connected")
	}
}

func TestStreamDeliversScaledJPEG(t *testing.T) {
	t.Parallel()

	p := New(Config{FPS: 1000, Width: 64})
	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatal(err)
	}
	if mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("content type: got %q, want multipart/x-mixed-replace", mediaType)
	}
	waitClients(t, p, 1)

	if !p.Wanted() {
		t.Fatalf("Wanted: got false with a client connected")
	}
	if err := p.Offer(func() (*image.RGBA, error) {
		return solid(256, 128, color.RGBA{R: 200, A: 255}), nil
	}); err != nil {
		t.Fatal(err)
	}

	mr := multipart.NewReader(bufio.NewReader(resp.Body), params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	img, err := jpeg.Decode(part)
	if err != nil {
		t.Fatalf("decode part: %v", err)
	}
	if got := img.Bounds(); got.Dx() != 64 || got.Dy() != 32 {
		t.Errorf("size: got %v, want 64x32", got)
	}
	if p.Latest() == nil {
		t.Errorf("Latest: got nil after a frame")
	}
	if got := p.Stats().Frames; got != 1 {
		t.Errorf("frames: got %d, want 1", got)
	}
}

func TestOfferSourceError(t *testing.T) {
	t.Parallel()

	p := New(Config{FPS: 1000})
	ch, ok := p.subscribe()
	if !ok {
		t.Fatal("subscribe failed")
	}
	defer p.unsubscribe(ch)

	boom := errors.New("boom")
	if err := p.Offer(func() (*image.RGBA, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("Offer: got %v, want %v", err, boom)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	ch, ok := p.subscribe()
	if !ok {
		t.Fatal("subscribe failed")
	}
	p.Close()
	if _, open := <-ch; open {
		t.Errorf("client channel still open after Close")
	}
	p.unsubscribe(ch)
	p.Close()

	if err := p.Offer(func() (*image.RGBA, error) { return nil, nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Offer after Close: got %v, want %v", err, ErrClosed)
	}

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusGone {
		t.Errorf("status after Close: got %d, want %d", rec.Code, http.StatusGone)
	}
}
