package events

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// AllProjects subscribes to every project.
const AllProjects = "*"

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 100

// Publisher fans events out to in-process subscribers.
type Publisher interface {
	// Publish delivers an event to subscribers of its project and to
	// AllProjects subscribers. It never blocks.
	Publish(event Event)
	// Subscribe returns a channel of events for a project, optionally
	// restricted to the given types.
	Subscribe(projectID string, types ...EventType) <-chan Event
	// Unsubscribe removes and closes a subscription channel.
	Unsubscribe(projectID string, ch <-chan Event)
	// Close closes every subscription. Later publishes are dropped.
	Close()
}

type subscription struct {
	ch    chan Event
	types []EventType
}

func (s subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// MemoryPublisher is a Publisher backed by buffered channels. A subscriber
// whose buffer is full misses the event; the miss is counted and logged.
type MemoryPublisher struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	closed bool

	bufferSize int
	logger     *slog.Logger
	dropped    atomic.Int64
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel capacity of new subscriptions.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		if size >= 0 {
			p.bufferSize = size
		}
	}
}

// WithLogger reports dropped events to logger.
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *MemoryPublisher) { p.logger = logger }
}

// NewMemoryPublisher creates a publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subs:       make(map[string][]subscription),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	p.deliver(p.subs[event.ProjectID], event)
	if event.ProjectID != AllProjects {
		p.deliver(p.subs[AllProjects], event)
	}
}

func (p *MemoryPublisher) deliver(subs []subscription, event Event) {
	for _, s := range subs {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			p.dropped.Add(1)
			if p.logger != nil {
				p.logger.Warn("event dropped, subscriber buffer full",
					"type", event.Type,
					"project_id", event.ProjectID,
				)
			}
		}
	}
}

func (p *MemoryPublisher) Subscribe(projectID string, types ...EventType) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Event, p.bufferSize)
	if p.closed {
		close(ch)
		return ch
	}
	p.subs[projectID] = append(p.subs[projectID], subscription{ch: ch, types: slices.Clone(types)})
	return ch
}

func (p *MemoryPublisher) Unsubscribe(projectID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subs[projectID]
	i := slices.IndexFunc(subs, func(s subscription) bool { return s.ch == ch })
	if i < 0 {
		return
	}
	close(subs[i].ch)
	subs = slices.Delete(subs, i, i+1)
	if len(subs) == 0 {
		delete(p.subs, projectID)
		return
	}
	p.subs[projectID] = subs
}

func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for projectID, subs := range p.subs {
		for _, s := range subs {
			close(s.ch)
		}
		delete(p.subs, projectID)
	}
}

// SubscriberCount returns the number of subscriptions on a project.
func (p *MemoryPublisher) SubscriberCount(projectID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[projectID])
}

// ProjectCount returns the number of projects with subscriptions.
func (p *MemoryPublisher) ProjectCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (p *MemoryPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// NopPublisher discards events.
type NopPublisher struct{}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

func (*NopPublisher) Publish(Event) {}

// Subscribe returns a closed channel.
func (*NopPublisher) Subscribe(string, ...EventType) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

func (*NopPublisher) Unsubscribe(string, <-chan Event) {}
func (*NopPublisher) Close()                           {}
