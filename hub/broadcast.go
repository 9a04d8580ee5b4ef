package hub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/topoface/node-supervisor/notify"
	"github.com/topoface/node-supervisor/protocol"
	"github.com/topoface/node-supervisor/status"
)

// subscriberBuffer is how many pushes a slow subscriber may fall behind
// before pushes to it are dropped.
const subscriberBuffer = 32

// Broadcaster fans status reports and notifications out to subscribed
// clients. It never blocks the caller.
type Broadcaster struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[int64]chan protocol.Push
	last   *protocol.Push
	closed bool
}

var _ notify.Sink = (*Broadcaster)(nil)

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(logger *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{logger: logger, subs: make(map[int64]chan protocol.Push)}
}

// Report pushes a status to every subscriber.
func (b *Broadcaster) Report(s status.Status) {
	push := protocol.Push{Type: protocol.PushStatus, Status: s.String()}
	b.mu.Lock()
	b.last = &push
	b.mu.Unlock()
	b.publish(push)
}

// Notify pushes an operator notification to every subscriber.
func (b *Broadcaster) Notify(severity notify.Severity, message string) {
	b.publish(protocol.Push{
		Type:     protocol.PushNotification,
		Severity: string(severity),
		Message:  message,
	})
}

// LastStatus returns the most recently reported status, if any.
func (b *Broadcaster) LastStatus() (status.Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return "", false
	}
	return status.Status(b.last.Status), true
}

func (b *Broadcaster) publish(push protocol.Push) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- push:
		default:
			b.logger.Warnw("subscriber too slow, push dropped", "client", id, "type", push.Type)
		}
	}
}

// Subscribe registers client id and returns its push stream. The stream is
// closed by Unsubscribe or Close.
func (b *Broadcaster) Subscribe(id int64) <-chan protocol.Push {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan protocol.Push, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	if old, ok := b.subs[id]; ok {
		close(old)
	}
	b.subs[id] = ch
	return ch
}

// Unsubscribe removes client id. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of subscribed clients.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later pushes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
