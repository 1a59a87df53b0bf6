package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/framelink/internal/config"
	"github.com/bryanchriswhite/framelink/internal/pixelformat"
	"github.com/bryanchriswhite/framelink/internal/streams"
)

type fixture struct {
	srv     *httptest.Server
	streams *streams.Manager
	devices *streams.SimDevices
	config  *config.Manager
}

func newFixture(t *testing.T, opts streams.SimOptions) *fixture {
	t.Helper()
	cfg, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	devs := streams.NewSimDevices(opts)
	mgr := streams.NewManager(devs, nil)
	srv := httptest.NewServer(NewServer(mgr, cfg).Handler())
	t.Cleanup(func() {
		srv.Close()
		mgr.Shutdown()
	})
	return &fixture{srv: srv, streams: mgr, devices: devs, config: cfg}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func (f *fixture) open(t *testing.T, path, body string) streams.Info {
	t.Helper()
	resp, data := f.do(t, "POST", path, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST %s: got %d %s, want 201", path, resp.StatusCode, data)
	}
	var info streams.Info
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatal(err)
	}
	return info
}

func TestHealthAndModes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, streams.SimOptions{})
	resp, data := f.do(t, "GET", "/api/health", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), `"healthy"`) {
		t.Errorf("health: got %d %s", resp.StatusCode, data)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header: got %q, want *", got)
	}

	_, data = f.do(t, "GET", "/api/modes", "")
	var modes []modeInfo
	if err := json.Unmarshal(data, &modes); err != nil {
		t.Fatal(err)
	}
	if len(modes) == 0 || modes[0].Name != "NTSC" || modes[0].Duration != 1001 {
		t.Errorf("modes: got %+v", modes)
	}

	resp, _ = f.do(t, "OPTIONS", "/api/streams", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("preflight: got %d, want 200", resp.StatusCode)
	}
	resp, _ = f.do(t, "GET", "/", "")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/html" {
		t.Errorf("index: got %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestConfigEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, streams.SimOptions{})
	_, data := f.do(t, "GET", "/api/config", "")
	if !strings.Contains(string(data), `"completion_timeout":"200ms"`) {
		t.Errorf("config: got %s", data)
	}

	resp, data := f.do(t, "PUT", "/api/config", `{"server_port": 9999, "output": {"stop_timeout": "1s"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT config: got %d %s", resp.StatusCode, data)
	}
	got := f.config.Get()
	if got.ServerPort != 9999 || got.Output.StopTimeout.Std() != time.Second {
		t.Errorf("updated config: got port %d stop %s", got.ServerPort, got.Output.StopTimeout)
	}
	if got.Output.MaxBuffered != 10 {
		t.Errorf("partial update reset max_buffered to %d", got.Output.MaxBuffered)
	}

	resp, _ = f.do(t, "PUT", "/api/config", `{"output": {"preroll": -1}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid config: got %d, want 400", resp.StatusCode)
	}
	resp, _ = f.do(t, "PUT", "/api/config", `{`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body: got %d, want 400", resp.StatusCode)
	}
}

func TestStreamEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, streams.SimOptions{})
	info := f.open(t, "/api/streams/output", `{"display_mode": "PAL", "pixel_format": "bgra8", "pattern": false}`)
	if info.Mode != "PAL" || info.PixelFormat != pixelformat.BGRA8.String() {
		t.Errorf("opened: got %s %s, want PAL BGRA", info.Mode, info.PixelFormat)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"list", "GET", "/api/streams", "", http.StatusOK},
		{"get", "GET", "/api/streams/" + info.ID, "", http.StatusOK},
		{"busy", "POST", "/api/streams/output", `{"display_mode": "PAL"}`, http.StatusConflict},
		{"no such device", "POST", "/api/streams/output", `{"device_index": 3}`, http.StatusNotFound},
		{"bad format", "POST", "/api/streams/output", `{"device_index": 0, "pixel_format": "rgb9"}`, http.StatusBadRequest},
		{"bad input format", "POST", "/api/streams/input", `{"pixel_format": "rgb9"}`, http.StatusBadRequest},
		{"malformed id", "GET", "/api/streams/zz", "", http.StatusBadRequest},
		{"unknown id", "GET", "/api/streams/ffff00000001", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, data := f.do(t, tt.method, tt.path, tt.body)
		if resp.StatusCode != tt.want {
			t.Errorf("%s: got %d %s, want %d", tt.name, resp.StatusCode, data, tt.want)
		}
	}

	_, data := f.do(t, "GET", "/api/streams", "")
	var list []streams.Info
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != info.ID {
		t.Errorf("list: got %+v", list)
	}

	resp, _ := f.do(t, "DELETE", "/api/streams/"+info.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: got %d, want 200", resp.StatusCode)
	}
	resp, _ = f.do(t, "GET", "/api/streams/"+info.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: got %d, want 404", resp.StatusCode)
	}
	resp, _ = f.do(t, "DELETE", "/api/streams/"+info.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: got %d, want 404", resp.StatusCode)
	}
}

func TestEventsWebsocket(t *testing.T) {
	t.Parallel()

	f := newFixture(t, streams.SimOptions{})
	info := f.open(t, "/api/streams/input", `{}`)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/streams/" + info.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	sim, err := f.devices.SimInput(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := sim.Deliver(); err != nil {
		t.Fatal(err)
	}

	var ev streams.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != streams.EventFrameArrived || ev.Stream != info.ID || ev.Timecode != "00:00:00:00" {
		t.Errorf("event: got %+v", ev)
	}

	resp, _ := f.do(t, "DELETE", "/api/streams/"+info.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: got %d", resp.StatusCode)
	}
	for {
		var ev streams.Event
		err := conn.ReadJSON(&ev)
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("end of feed: got %v, want normal closure", err)
		}
		break
	}

	_, _, err = websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Errorf("dial closed stream: got nil error")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, streams.SimOptions{})
	f.open(t, "/api/streams/input", `{}`)
	resp, data := f.do(t, "GET", "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: got %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), `framelink_streams_active{direction="input"} 1`) {
		t.Errorf("metrics: missing active input stream")
	}
}

func TestPreviewEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, streams.SimOptions{Realtime: true, Speed: 4})
	info := f.open(t, "/api/streams/output", `{"display_mode": "PAL", "pattern": true}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", f.srv.URL+"/api/streams/"+info.ID+"/preview", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatal(err)
	}
	part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(part)
	if err != nil {
		t.Fatal(err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if got := img.Bounds().Dx(); got != 640 {
		t.Errorf("preview width: got %d, want 640", got)
	}
}
