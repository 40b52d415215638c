// Package cache provides the in-memory store of lists and tasks that every
// renderer reads from. It never performs I/O and its mutations never fail:
// operations addressing a missing list or task are no-ops, which lets
// optimistic edits and realtime events race without resurrecting deleted data.
package cache

import (
	"sync"

	"todocal/backend"
	"todocal/internal/calendar"
)

// Store holds the ordered collection of lists for the current session.
// It is safe for concurrent use; each mutation is applied atomically.
type Store struct {
	mu      sync.RWMutex
	lists   []backend.List
	version uint64

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		lists: []backend.List{},
		subs:  make(map[chan struct{}]struct{}),
	}
}

// =============================================================================
// Reads
// =============================================================================

// Lists returns a deep copy of every list in display order.
func (s *Store) Lists() []backend.List {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]backend.List, len(s.lists))
	for i, l := range s.lists {
		out[i] = l.Clone()
	}
	return out
}

// List returns a copy of the list with the given id.
func (s *Store) List(id string) (backend.List, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.listIndex(id); i >= 0 {
		return s.lists[i].Clone(), true
	}
	return backend.List{}, false
}

// Task returns a copy of a task.
func (s *Store) Task(listID, taskID string) (backend.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	li := s.listIndex(listID)
	if li < 0 {
		return backend.Task{}, false
	}
	if ti := taskIndex(s.lists[li].Tasks, taskID); ti >= 0 {
		return s.lists[li].Tasks[ti], true
	}
	return backend.Task{}, false
}

// FindTask returns the id of the list that currently owns taskID.
func (s *Store) FindTask(taskID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.lists {
		if taskIndex(l.Tasks, taskID) >= 0 {
			return l.ID, true
		}
	}
	return "", false
}

// ListPosition returns the display index of a list, or -1.
func (s *Store) ListPosition(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listIndex(id)
}

// TaskPosition returns the index of a task within its list, or -1.
func (s *Store) TaskPosition(listID, taskID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	li := s.listIndex(listID)
	if li < 0 {
		return -1
	}
	return taskIndex(s.lists[li].Tasks, taskID)
}

// ListsOn returns copies of the lists calendar.ListsOn places on date.
func (s *Store) ListsOn(date string) []backend.List {
	return calendar.ListsOn(s.Lists(), date)
}

// Len returns the number of lists.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lists)
}

// Version increases by one after every mutation that changed state.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// =============================================================================
// Mutations
// =============================================================================

// ReplaceAll discards the current collection and installs a copy of lists.
func (s *Store) ReplaceAll(lists []backend.List) {
	next := make([]backend.List, len(lists))
	for i, l := range lists {
		next[i] = l.Clone()
	}
	s.mutate(func() bool {
		s.lists = next
		return true
	})
}

// AddList appends list. When a list with the same id is already present its
// fields are replaced in place; its tasks are kept unless list carries tasks.
func (s *Store) AddList(list backend.List) {
	s.mutate(func() bool {
		if i := s.listIndex(list.ID); i >= 0 {
			return s.overwriteList(i, list)
		}
		s.lists = append(s.lists, list.Clone())
		return true
	})
}

// UpdateList merges patch into the list. Missing lists are ignored.
func (s *Store) UpdateList(id string, patch backend.ListPatch) {
	s.mutate(func() bool {
		i := s.listIndex(id)
		if i < 0 {
			return false
		}
		before := s.lists[i]
		patch.Apply(&s.lists[i])
		return before.Title != s.lists[i].Title || before.Date != s.lists[i].Date
	})
}

// DeleteList removes the list together with its tasks.
func (s *Store) DeleteList(id string) {
	s.mutate(func() bool {
		i := s.listIndex(id)
		if i < 0 {
			return false
		}
		s.lists = append(s.lists[:i:i], s.lists[i+1:]...)
		return true
	})
}

// AddTask appends task to the named list. The add is dropped when the list
// is absent; a task with the same id is replaced in place.
func (s *Store) AddTask(listID string, task backend.Task) {
	s.mutate(func() bool {
		li := s.listIndex(listID)
		if li < 0 {
			return false
		}
		task.ListID = listID
		tasks := s.lists[li].Tasks
		if ti := taskIndex(tasks, task.ID); ti >= 0 {
			if tasks[ti] == task {
				return false
			}
			tasks[ti] = task
			return true
		}
		s.lists[li].Tasks = append(tasks, task)
		return true
	})
}

// UpdateTask merges patch into a task. Missing lists or tasks are ignored.
func (s *Store) UpdateTask(listID, taskID string, patch backend.TaskPatch) {
	s.mutate(func() bool {
		li := s.listIndex(listID)
		if li < 0 {
			return false
		}
		ti := taskIndex(s.lists[li].Tasks, taskID)
		if ti < 0 {
			return false
		}
		before := s.lists[li].Tasks[ti]
		patch.Apply(&s.lists[li].Tasks[ti])
		return before != s.lists[li].Tasks[ti]
	})
}

// DeleteTask removes a task. Missing lists or tasks are ignored.
func (s *Store) DeleteTask(listID, taskID string) {
	s.mutate(func() bool {
		li := s.listIndex(listID)
		if li < 0 {
			return false
		}
		tasks := s.lists[li].Tasks
		ti := taskIndex(tasks, taskID)
		if ti < 0 {
			return false
		}
		s.lists[li].Tasks = append(tasks[:ti:ti], tasks[ti+1:]...)
		return true
	})
}

// =============================================================================
// Reconciliation and rollback
// =============================================================================

// ReplaceList swaps the list keyed by oldID for list, keeping its position.
// If list.ID is already present (a push event beat the confirmation) the
// oldID entry is dropped and the existing entry updated instead, so exactly
// one list with list.ID remains. Nothing happens when oldID is gone.
func (s *Store) ReplaceList(oldID string, list backend.List) {
	s.mutate(func() bool {
		oi := s.listIndex(oldID)
		if oi < 0 {
			return false
		}
		if oldID != list.ID {
			if ni := s.listIndex(list.ID); ni >= 0 {
				s.overwriteList(ni, list)
				s.lists = append(s.lists[:oi:oi], s.lists[oi+1:]...)
				return true
			}
		}
		s.lists[oi] = list.Clone()
		return true
	})
}

// ReplaceTask swaps the task keyed by oldID inside listID for task with the
// same duplicate handling as ReplaceList.
func (s *Store) ReplaceTask(listID, oldID string, task backend.Task) {
	s.mutate(func() bool {
		li := s.listIndex(listID)
		if li < 0 {
			return false
		}
		tasks := s.lists[li].Tasks
		oi := taskIndex(tasks, oldID)
		if oi < 0 {
			return false
		}
		task.ListID = listID
		if oldID != task.ID {
			if ni := taskIndex(tasks, task.ID); ni >= 0 {
				tasks[ni] = task
				s.lists[li].Tasks = append(tasks[:oi:oi], tasks[oi+1:]...)
				return true
			}
		}
		tasks[oi] = task
		return true
	})
}

// RestoreList reinserts list at index (clamped to the valid range).
// It is a no-op if a list with the same id is present.
func (s *Store) RestoreList(index int, list backend.List) {
	s.mutate(func() bool {
		if s.listIndex(list.ID) >= 0 {
			return false
		}
		index = clamp(index, len(s.lists))
		next := make([]backend.List, 0, len(s.lists)+1)
		next = append(next, s.lists[:index]...)
		next = append(next, list.Clone())
		next = append(next, s.lists[index:]...)
		s.lists = next
		return true
	})
}

// RestoreTask reinserts task into listID at index (clamped).
// It is a no-op if the list is gone or already holds the task.
func (s *Store) RestoreTask(listID string, index int, task backend.Task) {
	s.mutate(func() bool {
		li := s.listIndex(listID)
		if li < 0 {
			return false
		}
		tasks := s.lists[li].Tasks
		if taskIndex(tasks, task.ID) >= 0 {
			return false
		}
		task.ListID = listID
		index = clamp(index, len(tasks))
		next := make([]backend.Task, 0, len(tasks)+1)
		next = append(next, tasks[:index]...)
		next = append(next, task)
		next = append(next, tasks[index:]...)
		s.lists[li].Tasks = next
		return true
	})
}

// MoveTask transfers a task to another list, appending it there, and applies
// patch. When the destination list is absent the task is removed, since its
// new owner is outside the cached range. Unknown tasks are ignored.
func (s *Store) MoveTask(taskID, toListID string, patch backend.TaskPatch) {
	s.mutate(func() bool {
		for li := range s.lists {
			tasks := s.lists[li].Tasks
			ti := taskIndex(tasks, taskID)
			if ti < 0 {
				continue
			}
			task := tasks[ti]
			if s.lists[li].ID == toListID {
				before := task
				patch.Apply(&tasks[ti])
				return before != tasks[ti]
			}
			s.lists[li].Tasks = append(tasks[:ti:ti], tasks[ti+1:]...)
			if di := s.listIndex(toListID); di >= 0 {
				patch.Apply(&task)
				task.ListID = toListID
				s.lists[di].Tasks = append(s.lists[di].Tasks, task)
			}
			return true
		}
		return false
	})
}

// =============================================================================
// Change notification
// =============================================================================

// Subscribe returns a channel that receives a signal after state changes.
// Signals coalesce: a slow reader sees one pending signal, not one per change.
// The returned function cancels the subscription.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

// mutate runs fn under the write lock and notifies subscribers when fn
// reports a change.
func (s *Store) mutate(fn func() bool) {
	s.mu.Lock()
	changed := fn()
	if changed {
		s.version++
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// overwriteList replaces the fields of the list at i with those of list.
func (s *Store) overwriteList(i int, list backend.List) bool {
	cur := s.lists[i]
	next := list.Clone()
	if list.Tasks == nil {
		next.Tasks = cur.Tasks
	}
	if listsEqual(cur, next) {
		return false
	}
	for ti := range next.Tasks {
		next.Tasks[ti].ListID = next.ID
	}
	s.lists[i] = next
	return true
}

func (s *Store) listIndex(id string) int {
	for i := range s.lists {
		if s.lists[i].ID == id {
			return i
		}
	}
	return -1
}

func taskIndex(tasks []backend.Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func listsEqual(a, b backend.List) bool {
	if a.ID != b.ID || a.Title != b.Title || a.Date != b.Date || a.UserID != b.UserID {
		return false
	}
	if len(a.Tasks) != len(b.Tasks) {
		return false
	}
	for i := range a.Tasks {
		if a.Tasks[i] != b.Tasks[i] {
			return false
		}
	}
	return true
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
