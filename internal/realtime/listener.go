// Package realtime merges push notifications from a backend.Feed into the
// local cache. Both table subscriptions feed one dispatcher goroutine, so
// events are applied one at a time in arrival order.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"todocal/backend"
	"todocal/internal/cache"
	"todocal/internal/utils"
)

// ErrAlreadyStarted is returned by Start on a running listener
var ErrAlreadyStarted = errors.New("listener already started")

// tables are subscribed in this order
var tables = []backend.Table{backend.TableLists, backend.TableTasks}

// Listener applies change events to a cache.Store
type Listener struct {
	feed    backend.Feed
	store   *cache.Store
	filters map[backend.Table]string
	onEvent func(backend.ChangeEvent)
	onGap   func(backend.Table, error)

	mu       sync.Mutex
	subs     []backend.Subscription
	stop     chan struct{}
	done     chan struct{}
	stopping bool
}

// Option configures a Listener
type Option func(*Listener)

// WithFilter passes a server-side filter such as "user_id=eq.<id>" for table
func WithFilter(table backend.Table, filter string) Option {
	return func(l *Listener) { l.filters[table] = filter }
}

// WithEventHook is called after each event has been applied
func WithEventHook(fn func(backend.ChangeEvent)) Option {
	return func(l *Listener) { l.onEvent = fn }
}

// WithGapHook is called when a subscription ends without Stop, after which
// events for that table are missed until the caller reloads and restarts.
// fn runs on a listener goroutine and must not call Stop synchronously.
func WithGapHook(fn func(backend.Table, error)) Option {
	return func(l *Listener) { l.onGap = fn }
}

// New creates a stopped listener
func New(feed backend.Feed, store *cache.Store, opts ...Option) *Listener {
	l := &Listener{
		feed:    feed,
		store:   store,
		filters: make(map[backend.Table]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start subscribes to both tables and begins dispatching. If either
// subscription fails, neither stays open.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.mu.Unlock()

	subs := make([]backend.Subscription, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	for i, table := range tables {
		g.Go(func() error {
			sub, err := l.feed.Subscribe(gctx, table, l.filters[table])
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", table, err)
			}
			subs[i] = sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, sub := range subs {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
		}
		return err
	}

	l.mu.Lock()
	if l.done != nil {
		l.mu.Unlock()
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		return ErrAlreadyStarted
	}
	l.subs = subs
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.stopping = false
	stop, done := l.stop, l.done
	l.mu.Unlock()

	merged := make(chan backend.ChangeEvent, 64)
	var forwarders sync.WaitGroup
	for i, sub := range subs {
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			l.forward(tables[i], sub, merged, stop)
		}()
	}
	go func() {
		forwarders.Wait()
		close(merged)
	}()
	go l.dispatch(merged, done)

	utils.Debugf("realtime listener started")
	return nil
}

// Stop unsubscribes both feeds and waits for the dispatcher to finish.
// Events published while stopped are not replayed.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.done == nil {
		l.mu.Unlock()
		return nil
	}
	subs, stop, done := l.subs, l.stop, l.done
	if !l.stopping {
		l.stopping = true
		close(stop)
	}
	l.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Unsubscribe())
	}
	<-done

	l.mu.Lock()
	l.subs, l.stop, l.done = nil, nil, nil
	l.mu.Unlock()
	utils.Debugf("realtime listener stopped")
	return errors.Join(errs...)
}

// Running reports whether the listener has been started and not stopped
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done != nil && !l.stopping
}

// forward copies one subscription's events onto merged
func (l *Listener) forward(table backend.Table, sub backend.Subscription, merged chan<- backend.ChangeEvent, stop <-chan struct{}) {
	for ev := range sub.Events() {
		select {
		case merged <- ev:
		case <-stop:
			return
		}
	}

	select {
	case <-stop:
		return
	default:
	}
	var err error
	if e, ok := sub.(interface{ Err() error }); ok {
		err = e.Err()
	}
	utils.Debugf("realtime %s subscription ended: %v", table, err)
	if l.onGap != nil {
		l.onGap(table, err)
	}
}

func (l *Listener) dispatch(merged <-chan backend.ChangeEvent, done chan<- struct{}) {
	defer close(done)
	for ev := range merged {
		l.Apply(ev)
		if l.onEvent != nil {
			l.onEvent(ev)
		}
	}
}

// =============================================================================
// Merge rules
// =============================================================================

// Apply merges one event into the store. Every rule is idempotent and a
// no-op when its target is absent, so late or repeated events are harmless.
func (l *Listener) Apply(ev backend.ChangeEvent) {
	utils.Debugf("realtime %s", ev)
	switch ev.Table {
	case backend.TableLists:
		l.applyList(ev)
	case backend.TableTasks:
		l.applyTask(ev)
	}
}

func (l *Listener) applyList(ev backend.ChangeEvent) {
	switch ev.Type {
	case backend.EventInsert:
		if ev.NewList != nil {
			l.store.AddList(*ev.NewList)
		}
	case backend.EventUpdate:
		if ev.NewList == nil {
			return
		}
		id := ev.NewList.ID
		if ev.OldList != nil && ev.OldList.ID != "" {
			id = ev.OldList.ID
		}
		l.store.UpdateList(id, backend.ListPatch{Title: &ev.NewList.Title, Date: &ev.NewList.Date})
	case backend.EventDelete:
		if id := listID(ev.OldList, ev.NewList); id != "" {
			l.store.DeleteList(id)
		}
	}
}

func (l *Listener) applyTask(ev backend.ChangeEvent) {
	switch ev.Type {
	case backend.EventInsert:
		if ev.NewTask != nil {
			l.store.AddTask(ev.NewTask.ListID, *ev.NewTask)
		}
	case backend.EventUpdate:
		if ev.NewTask == nil {
			return
		}
		id := ev.NewTask.ID
		if ev.OldTask != nil && ev.OldTask.ID != "" {
			id = ev.OldTask.ID
		}
		owner, ok := l.store.FindTask(id)
		if !ok {
			return
		}
		patch := backend.TaskPatch{Title: &ev.NewTask.Title, Completed: &ev.NewTask.Completed}
		if ev.NewTask.ListID != "" && ev.NewTask.ListID != owner {
			l.store.MoveTask(id, ev.NewTask.ListID, patch)
			return
		}
		l.store.UpdateTask(owner, id, patch)
	case backend.EventDelete:
		var id, owner string
		for _, t := range []*backend.Task{ev.OldTask, ev.NewTask} {
			if t != nil && t.ID != "" {
				id, owner = t.ID, t.ListID
				break
			}
		}
		if id == "" {
			return
		}
		// primary-key-only payloads carry no list_id
		if found, ok := l.store.FindTask(id); ok {
			owner = found
		}
		l.store.DeleteTask(owner, id)
	}
}

func listID(lists ...*backend.List) string {
	for _, l := range lists {
		if l != nil && l.ID != "" {
			return l.ID
		}
	}
	return ""
}
