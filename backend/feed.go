package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Table names a backend table that publishes change events
type Table string

const (
	TableLists Table = "lists"
	TableTasks Table = "tasks"
)

// EventType classifies a change event
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is a single push notification from the change feed.
// Old carries the previous record (UPDATE, DELETE), New the current one (INSERT, UPDATE).
type ChangeEvent struct {
	Table      Table
	Type       EventType
	OldList    *List
	NewList    *List
	OldTask    *Task
	NewTask    *Task
	CommitTime time.Time
}

// String returns a short human readable description of the event.
func (e ChangeEvent) String() string {
	id := ""
	switch {
	case e.NewList != nil:
		id = e.NewList.ID
	case e.OldList != nil:
		id = e.OldList.ID
	case e.NewTask != nil:
		id = e.NewTask.ID
	case e.OldTask != nil:
		id = e.OldTask.ID
	}
	return fmt.Sprintf("%s %s %s", e.Type, e.Table, id)
}

// Subscription is a live registration on one table of the feed.
type Subscription interface {
	// Events yields change events. The channel is closed when the
	// subscription ends, either through Unsubscribe or a feed failure.
	Events() <-chan ChangeEvent
	Unsubscribe() error
}

// Feed is the push side of the backend: a subscribe/unsubscribe interface per table.
type Feed interface {
	// Subscribe registers for changes on table. filter is an optional
	// server-side row filter in "column=eq.value" form.
	Subscribe(ctx context.Context, table Table, filter string) (Subscription, error)
}

// EqFilter builds a "column=eq.value" feed filter.
func EqFilter(column, value string) string {
	return column + "=eq." + value
}

// ParseEqFilter splits a "column=eq.value" filter. ok is false for anything else.
func ParseEqFilter(filter string) (column, value string, ok bool) {
	column, rest, found := strings.Cut(filter, "=")
	if !found {
		return "", "", false
	}
	value, found = strings.CutPrefix(rest, "eq.")
	if !found || column == "" {
		return "", "", false
	}
	return column, value, true
}

// =============================================================================
// In-process hub
// =============================================================================

// Hub is an in-process Feed. Backends that own their storage publish
// every committed change to it.
type Hub struct {
	mu     sync.Mutex
	subs   map[*hubSubscription]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*hubSubscription]struct{})}
}

type hubSubscription struct {
	hub    *Hub
	table  Table
	column string
	value  string
	events chan ChangeEvent
	done   chan struct{}
	once   sync.Once

	// mu guards closing events against in-flight deliveries
	mu     sync.RWMutex
	closed bool
}

// Subscribe implements Feed.
func (h *Hub) Subscribe(ctx context.Context, table Table, filter string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &hubSubscription{
		hub:    h,
		table:  table,
		events: make(chan ChangeEvent, 64),
		done:   make(chan struct{}),
	}
	if filter != "" {
		column, value, ok := ParseEqFilter(filter)
		if !ok {
			return nil, fmt.Errorf("unsupported feed filter: %q", filter)
		}
		sub.column, sub.value = column, value
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("hub is closed")
	}
	h.subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers ev to every matching subscription. Delivery blocks while a
// subscriber's buffer is full, so events are never dropped or reordered.
func (h *Hub) Publish(ev ChangeEvent) {
	h.mu.Lock()
	targets := make([]*hubSubscription, 0, len(h.subs))
	for sub := range h.subs {
		if sub.matches(ev) {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*hubSubscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *hubSubscription) matches(ev ChangeEvent) bool {
	if ev.Table != s.table {
		return false
	}
	if s.column == "" {
		return true
	}
	// Only user_id on lists and list_id on tasks are filterable.
	switch {
	case s.table == TableLists && s.column == "user_id":
		for _, l := range []*List{ev.NewList, ev.OldList} {
			if l != nil && l.UserID != "" {
				return l.UserID == s.value
			}
		}
		return true
	case s.table == TableTasks && s.column == "list_id":
		for _, t := range []*Task{ev.NewTask, ev.OldTask} {
			if t != nil && t.ListID != "" {
				return t.ListID == s.value
			}
		}
		return true
	}
	return false
}

func (s *hubSubscription) deliver(ev ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *hubSubscription) Events() <-chan ChangeEvent {
	return s.events
}

func (s *hubSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		// Closing done first releases blocked deliveries before the write lock.
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return nil
}
