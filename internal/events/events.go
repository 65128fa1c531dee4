// Package events carries scan progress from the background worker to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/constants"
)

// Event types pushed to subscribers.
const (
	TypeProgress  = "progress"
	TypeStatus    = "status"
	TypeCompleted = "completed"
	TypeNotice    = "notice"
)

// Event is one message on the push channel.
type Event struct {
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

// ProgressData is the payload of a progress event.
type ProgressData struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
	Status  string  `json:"status"`
}

// StatusData is the payload of a status transition.
type StatusData struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// CompletedData is the payload of the terminal event of a scan.
type CompletedData struct {
	Total         int `json:"total"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	DetectedFaces int `json:"detectedFaces"`
}

// Broadcaster fans events out to attached listeners. Slow listeners lose
// events instead of blocking the sender.
type Broadcaster struct {
	listeners []chan Event
	mu        sync.RWMutex
}

// AddListener attaches a new buffered listener.
func (b *Broadcaster) AddListener() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener detaches and closes a listener. Unknown channels are ignored.
func (b *Broadcaster) RemoveListener(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// Send delivers the event to every listener that has room for it.
func (b *Broadcaster) Send(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Listeners returns the number of attached listeners.
func (b *Broadcaster) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Percent returns current/total in percent, rounded to one decimal.
func Percent(current, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(current) * 1000 / float64(total)
	return float64(int(p+0.5)) / 10
}
