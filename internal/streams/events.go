package streams

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/framelink/internal/handle"
	"github.com/bryanchriswhite/framelink/internal/input"
)

// EventType names what an Event reports.
type EventType string

const (
	EventStatus         EventType = "status"
	EventFrameCompleted EventType = "frame_completed"
	EventFrameArrived   EventType = "frame_arrived"
	EventFormatChanged  EventType = "format_changed"
	EventPatternDone    EventType = "pattern_done"
	EventClosed         EventType = "closed"
)

// Event is one notification from a stream.
type Event struct {
	Stream   string            `json:"stream"`
	Type     EventType         `json:"type"`
	Time     time.Time         `json:"time"`
	Device   int               `json:"device"`
	Status   string            `json:"status,omitempty"`
	Kind     string            `json:"kind,omitempty"`
	Message  string            `json:"message,omitempty"`
	Frame    int64             `json:"frame,omitempty"`
	Timecode string            `json:"timecode,omitempty"`
	Format   *input.Descriptor `json:"format,omitempty"`
}

const subscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	stream handle.ID
}

// hub fans events out to subscribers. Sends never block: a subscriber that
// falls behind misses events.
type hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

// subscribe registers for events of one stream, or of every stream when
// id is zero.
func (h *hub) subscribe(id handle.ID) *subscriber {
	s := &subscriber{ch: make(chan Event, subscriberBuffer), stream: id}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *hub) publish(id handle.ID, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.stream != 0 && s.stream != id {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// closeStream ends every subscription bound to id.
func (h *hub) closeStream(id handle.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.stream == id {
			delete(h.subs, s)
			close(s.ch)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}
