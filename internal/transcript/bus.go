// Package transcript records the running conversation with the remote agent
// as an ordered log of items and pushes every change to subscribers.
//
// Transport events are folded into [Item] values: streaming transcription
// deltas grow an item's title in place, completion events replace it with the
// final text, and tool results become breadcrumb items carrying structured
// data. The [Bus] answers recency queries ("latest user message since the
// push-to-talk button went down") and delivers each published item to every
// [Subscription] exactly once, in publish order, through a per-subscriber
// cursor.
//
// A Bus lives for one connection. [Bus.Reset] discards the log when the
// session disconnects.
package transcript

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxUnprocessedBreadcrumbs caps [Bus.UnprocessedBreadcrumbs].
const MaxUnprocessedBreadcrumbs = 10

// Role identifies who produced an item.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
)

// ItemType distinguishes spoken messages from tool breadcrumbs.
type ItemType string

const (
	TypeMessage    ItemType = "MESSAGE"
	TypeBreadcrumb ItemType = "BREADCRUMB"
)

// Item is one utterance or breadcrumb in the conversation.
type Item struct {
	// ID is stable across updates to the same logical utterance.
	ID   string
	Role Role
	Type ItemType

	// Title is the current text. For breadcrumbs it names the tool event.
	Title string

	// Data is the structured payload of a breadcrumb, if any.
	Data json.RawMessage

	CreatedAt time.Time

	// Done is set once the text is final.
	Done bool
}

// CreatedAtMs returns the creation time in Unix milliseconds.
func (i Item) CreatedAtMs() int64 { return i.CreatedAt.UnixMilli() }

// Option configures a [Bus].
type Option func(*Bus)

// WithClock overrides the time source used to stamp new items.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// Bus is the conversation log. It is safe for concurrent use.
type Bus struct {
	mu    sync.Mutex
	now   func() time.Time
	order []string
	items map[string]*Item

	// published is the append-only sequence of item snapshots delivered to
	// subscribers. epoch increments on Reset so cursors can detect it.
	published []Item
	epoch     uint64
	notify    chan struct{}
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		now:    time.Now,
		items:  make(map[string]*Item),
		notify: make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ApplyDelta appends delta to the title of item id, creating the item when
// the id is new.
func (b *Bus) ApplyDelta(id string, role Role, delta string) Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[id]
	if !ok {
		it = b.createLocked(id, role, TypeMessage)
	}
	it.Title += delta
	return b.publishLocked(it)
}

// Complete replaces the title of item id with the final text and marks it
// done, creating the item when the id is new.
func (b *Bus) Complete(id string, role Role, text string) Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[id]
	if !ok {
		it = b.createLocked(id, role, TypeMessage)
	}
	it.Title = text
	it.Done = true
	return b.publishLocked(it)
}

// AddMessage records a complete message, typically text the local player
// typed. An empty id gets a generated one.
func (b *Bus) AddMessage(id string, role Role, text string) Item {
	if id == "" {
		id = uuid.NewString()
	}
	return b.Complete(id, role, text)
}

// AddBreadcrumb records a tool event. data may be nil.
func (b *Bus) AddBreadcrumb(title string, data json.RawMessage) Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	it := b.createLocked(uuid.NewString(), RoleSystem, TypeBreadcrumb)
	it.Title = title
	it.Data = slices.Clone(data)
	it.Done = true
	return b.publishLocked(it)
}

// Get returns item id.
func (b *Bus) Get(id string) (Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	it, ok := b.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Items returns every item in creation order.
func (b *Bus) Items() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Item, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.items[id])
	}
	return out
}

// Latest returns the most recent message with a non-empty title from role.
func (b *Bus) Latest(role Role) (Item, bool) {
	return b.LatestSince(role, time.Time{})
}

// LatestSince is [Bus.Latest] restricted to items created at or after since.
func (b *Bus) LatestSince(role Role, since time.Time) (Item, bool) {
	items := b.Since(role, since)
	if len(items) == 0 {
		return Item{}, false
	}
	return items[0], true
}

// Since returns the messages from role with a non-empty title created at or
// after since, most recent first.
func (b *Bus) Since(role Role, since time.Time) []Item {
	b.mu.Lock()
	var out []Item
	for _, id := range b.order {
		it := b.items[id]
		if it.Type != TypeMessage || it.Role != role || strings.TrimSpace(it.Title) == "" {
			continue
		}
		if it.CreatedAt.Before(since) {
			continue
		}
		out = append(out, *it)
	}
	b.mu.Unlock()
	sortNewestFirst(out)
	return out
}

// UnprocessedBreadcrumbs returns breadcrumbs for which processed reports
// false, most recent first, capped to [MaxUnprocessedBreadcrumbs]. A nil
// processed treats every breadcrumb as unprocessed.
func (b *Bus) UnprocessedBreadcrumbs(processed func(id string) bool) []Item {
	b.mu.Lock()
	var out []Item
	for _, id := range b.order {
		it := b.items[id]
		if it.Type != TypeBreadcrumb {
			continue
		}
		if processed != nil && processed(id) {
			continue
		}
		out = append(out, *it)
	}
	b.mu.Unlock()
	sortNewestFirst(out)
	if len(out) > MaxUnprocessedBreadcrumbs {
		out = out[:MaxUnprocessedBreadcrumbs]
	}
	return out
}

// Len returns the number of items.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Reset discards every item. Subscriptions continue from the start of the
// new, empty log.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = nil
	b.items = make(map[string]*Item)
	b.published = nil
	b.epoch++
	b.wakeLocked()
}

// Subscribe returns a subscription positioned at the start of the log, so
// items published before the call are delivered too.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscription{bus: b, epoch: b.epoch}
}

func (b *Bus) createLocked(id string, role Role, typ ItemType) *Item {
	it := &Item{ID: id, Role: role, Type: typ, CreatedAt: b.now()}
	b.items[id] = it
	b.order = append(b.order, id)
	return it
}

func (b *Bus) publishLocked(it *Item) Item {
	snap := *it
	snap.Data = slices.Clone(it.Data)
	b.published = append(b.published, snap)
	b.wakeLocked()
	return snap
}

func (b *Bus) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// sortNewestFirst orders items given in creation order by CreatedAt
// descending. Items with equal timestamps end up newest created first.
func sortNewestFirst(items []Item) {
	slices.Reverse(items)
	slices.SortStableFunc(items, func(a, b Item) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}

// Subscription delivers published items in order. It is not safe for
// concurrent use by multiple goroutines.
type Subscription struct {
	bus    *Bus
	cursor int
	epoch  uint64
}

// Next blocks until the next published item is available or ctx ends.
func (s *Subscription) Next(ctx context.Context) (Item, error) {
	for {
		s.bus.mu.Lock()
		if s.epoch != s.bus.epoch {
			s.epoch = s.bus.epoch
			s.cursor = 0
		}
		if s.cursor < len(s.bus.published) {
			it := s.bus.published[s.cursor]
			s.cursor++
			s.bus.mu.Unlock()
			return it, nil
		}
		wait := s.bus.notify
		s.bus.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-wait:
		}
	}
}

// Pending returns how many published items the subscription has not yet
// consumed.
func (s *Subscription) Pending() int {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.epoch != s.bus.epoch {
		return len(s.bus.published)
	}
	return len(s.bus.published) - s.cursor
}
