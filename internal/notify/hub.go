package notify

import (
	"log/slog"
	"sync"

	"github.com/wesm/prtrail/internal/models"
)

const (
	subscriberBuffer = 64
	recentCapacity   = 200
)

// Hub broadcasts notifications to subscribers and remembers the most recent
// ones. A subscriber that falls behind misses notifications rather than
// stalling the sync loop.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan models.Notification]struct{}
	recent []models.Notification
	next   int
	full   bool
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[chan models.Notification]struct{}),
		recent: make([]models.Notification, recentCapacity),
		logger: logger,
	}
}

// Publish records notes and delivers them to every subscriber.
func (h *Hub) Publish(notes ...models.Notification) {
	if len(notes) == 0 {
		return
	}
	h.mu.Lock()
	for _, n := range notes {
		h.recent[h.next] = n
		h.next = (h.next + 1) % len(h.recent)
		if h.next == 0 {
			h.full = true
		}
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		dropped := 0
		for _, n := range notes {
			select {
			case ch <- n:
			default:
				dropped++
			}
		}
		if dropped > 0 {
			h.logger.Warn("notification subscriber is falling behind", "dropped", dropped)
		}
	}
}

// Subscribe returns a channel of future notifications and a function that
// ends the subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan models.Notification, func()) {
	ch := make(chan models.Notification, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to n of the latest notifications, newest first.
func (h *Hub) Recent(n int) []models.Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.next
	if h.full {
		size = len(h.recent)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]models.Notification, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.recent)) % len(h.recent)
		out = append(out, h.recent[idx])
	}
	return out
}
