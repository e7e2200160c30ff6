package store

import "sync"

// ChangeOp is the kind of write that produced a Change.
type ChangeOp string

const (
	OpCreated ChangeOp = "created"
	OpUpdated ChangeOp = "updated"
	OpDeleted ChangeOp = "deleted"
)

// Change notifies watchers that a record was written.
type Change struct {
	Entity Entity
	Op     ChangeOp
	ID     string
}

// Watcher exposes per-entity change streams. Notifications are a caller-side
// convenience for refreshing views; the engines never depend on them.
type Watcher interface {
	Watch(entity Entity) (<-chan Change, func())
}

// watchBuffer is the per-subscriber queue size. A subscriber that falls
// further behind misses notifications instead of blocking writers.
const watchBuffer = 64

// Notifier fans out changes to subscribers. The zero value is ready to use.
type Notifier struct {
	mu   sync.Mutex
	subs map[Entity]map[chan Change]struct{}
}

// Watch subscribes to changes of one entity type. The returned cancel func
// unsubscribes and closes the channel; it is safe to call more than once.
func (n *Notifier) Watch(entity Entity) (<-chan Change, func()) {
	ch := make(chan Change, watchBuffer)

	n.mu.Lock()
	if n.subs == nil {
		n.subs = make(map[Entity]map[chan Change]struct{})
	}
	if n.subs[entity] == nil {
		n.subs[entity] = make(map[chan Change]struct{})
	}
	n.subs[entity][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[entity], ch)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers c to current subscribers without blocking.
func (n *Notifier) Publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[c.Entity] {
		select {
		case ch <- c:
		default:
		}
	}
}
