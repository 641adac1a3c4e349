package feed

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
)

type EntityType string

const (
	EntityUser     EntityType = "user"
	EntityAccount  EntityType = "account"
	EntityPosition EntityType = "position"
	EntityAction   EntityType = "action"
	EntityAlert    EntityType = "alert"
)

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Event is one entity change published on the bus. Delivery is at-least-once:
// a publisher retrying after a partial failure may emit the same change
// twice, so consumers de-duplicate with a Deduper.
type Event struct {
	Type      EntityType
	Kind      ChangeKind
	EntityID  uint
	UpdatedAt time.Time
	Entity    interface{}
}

// Predicate filters events on a subscription, e.g. "positions of account 7".
// A nil predicate matches everything of the subscribed entity type.
type Predicate func(Event) bool

// Subscription is a live consumer of one entity type.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	pred   Predicate
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

const subscriberBuffer = 256

// Bus is an in-process change feed: one publisher side, any number of
// filtered subscribers per entity type. A slow subscriber whose buffer fills
// loses events (logged); consumers needing a complete view re-read the store.
type Bus struct {
	mu   sync.RWMutex
	subs map[EntityType]map[uint64]*Subscription
	next uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[EntityType]map[uint64]*Subscription)}
}

// Subscribe registers a consumer for events of type t matching pred.
func (b *Bus) Subscribe(t EntityType, pred Predicate) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++

	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, pred: pred}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs[t], id)
		b.mu.Unlock()
		close(ch)
	}

	if b.subs[t] == nil {
		b.subs[t] = make(map[uint64]*Subscription)
	}
	b.subs[t][id] = sub

	return sub
}

// Publish fans the event out to every matching subscriber. Never blocks the
// publisher: a full subscriber buffer drops the event with a warning.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[e.Type] {
		if sub.pred != nil && !sub.pred(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			logger.WithFields(map[string]interface{}{
				"entity_type": e.Type,
				"entity_id":   e.EntityID,
				"kind":        e.Kind,
			}).Warn("change feed subscriber buffer full, event dropped")
		}
	}
}

// deduperLimit caps one Deduper generation. Memory stays bounded at two
// generations; keys older than two rotations are forgotten, and such a stale
// redelivery passes through again, which at-least-once consumers tolerate.
const deduperLimit = 8192

// Deduper suppresses at-least-once duplicates, keyed by entity id plus the
// entity's updatedAt timestamp. It keeps two bounded generations of keys and
// rotates when the live one fills.
type Deduper struct {
	mu    sync.Mutex
	limit int
	seen  map[dedupeKey]struct{}
	prev  map[dedupeKey]struct{}
}

type dedupeKey struct {
	id uint
	at int64
}

func NewDeduper() *Deduper {
	return &Deduper{limit: deduperLimit, seen: make(map[dedupeKey]struct{})}
}

// Seen records the event and reports whether it was already delivered.
func (d *Deduper) Seen(e Event) bool {
	key := dedupeKey{id: e.EntityID, at: e.UpdatedAt.UnixNano()}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	if _, ok := d.prev[key]; ok {
		return true
	}

	if len(d.seen) >= d.limit {
		d.prev = d.seen
		d.seen = make(map[dedupeKey]struct{}, d.limit)
	}
	d.seen[key] = struct{}{}
	return false
}
