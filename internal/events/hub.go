package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrolink/pkg/logging"
)

// EventType names an event sent to subscribers of a code.
type EventType string

const (
	EventUploadComplete   EventType = "upload_complete"
	EventDownloadStarted  EventType = "download_started"
	EventDownloadComplete EventType = "download_complete"
	EventDownloadFailed   EventType = "download_failed"
	EventConsumed         EventType = "consumed"
)

// Event is one notification about a share.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Code      string                 `json:"code"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher is what the upload and retrieval paths need from the hub.
type Publisher interface {
	Publish(code string, t EventType, data map[string]interface{})
}

// Subscription receives events for a single code until cancelled.
type Subscription struct {
	id   string
	code string
	C    <-chan Event
	ch   chan Event
}

// Hub fans events out to per-code subscribers. Slow subscribers drop events
// instead of blocking publishers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscription
	bufferSize  int
	dropped     int64
	log         *logrus.Entry
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Hub{
		subscribers: make(map[string]map[string]*Subscription),
		bufferSize:  bufferSize,
		log:         logging.For("events"),
	}
}

// Subscribe registers interest in code.
func (h *Hub) Subscribe(code string) *Subscription {
	ch := make(chan Event, h.bufferSize)
	sub := &Subscription{id: uuid.NewString(), code: code, C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribers[code]
	if !ok {
		subs = make(map[string]*Subscription)
		h.subscribers[code] = subs
	}
	subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribers[sub.code]
	if !ok {
		return
	}
	if _, ok := subs[sub.id]; !ok {
		return
	}
	delete(subs, sub.id)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.subscribers, sub.code)
	}
}

func (h *Hub) Publish(code string, t EventType, data map[string]interface{}) {
	evt := Event{
		ID:        uuid.NewString(),
		Type:      t,
		Code:      code,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subscribers[code] {
		select {
		case sub.ch <- evt:
		default:
			h.dropped++
			h.log.WithFields(logrus.Fields{"code": code, "event": t}).Debug("subscriber lagging, event dropped")
		}
	}
}

// Subscribers returns the number of live subscriptions for code.
func (h *Hub) Subscribers(code string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[code])
}

// Dropped returns how many events were discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// WriteSSE encodes evt in text/event-stream framing.
func WriteSSE(w io.Writer, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, payload)
	return err
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(string, EventType, map[string]interface{}) {}
