package events

import "sync"

// Kind identifies the event being published.
type Kind string

const (
	EpisodeChanged   Kind = "episode-changed"
	PodcastChanged   Kind = "podcast-changed"
	DownloadProgress Kind = "download-progress"
	SyncCompleted    Kind = "sync-completed"
)

// Event is a change notification. Fields beyond Kind are set where they make
// sense: EpisodeID for episode events, Done/Total for download progress.
type Event struct {
	Kind      Kind
	PodcastID string
	EpisodeID string
	Done      int64
	Total     int64
}

// Bus is a non-blocking fanout of change notifications. Publishing never
// waits on a subscriber; a subscriber that falls behind loses events, which
// is acceptable because every event only signals "re-read state".
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered channel of events and a cancel function. The
// channel is closed on cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber whose buffer has room.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
