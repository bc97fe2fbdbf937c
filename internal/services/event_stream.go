package services

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/openclock/attendsync/internal/models"
)

const subscriberBuffer = 100

// EventStream fans attendance events out to live subscribers. Publishing
// never blocks ingestion: when a subscriber's queue is full its oldest
// message is dropped to make room.
type EventStream struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewEventStream() *EventStream {
	return &EventStream{subs: make(map[chan []byte]struct{})}
}

// Subscribe returns a channel of JSON-encoded events. Callers must
// Unsubscribe when done.
func (s *EventStream) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *EventStream) Unsubscribe(ch chan []byte) {
	s.mu.Lock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
	s.mu.Unlock()
}

// Publish encodes the event once and delivers it to every subscriber.
func (s *EventStream) Publish(event *models.AttendanceEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal attendance event", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subs {
		select {
		case ch <- data:
		default:
			// Full queue: drop the oldest message, then try once more.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- data:
			default:
			}
		}
	}
}

// SubscriberCount is used by tests and the status endpoint.
func (s *EventStream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
