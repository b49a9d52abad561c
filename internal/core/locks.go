package core

import "sync"

// TaskLocks is an arena of per-task execution locks. A lock is taken when a
// run is dispatched and released by the worker that ran it.
type TaskLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewTaskLocks returns an empty lock arena.
func NewTaskLocks() *TaskLocks {
	return &TaskLocks{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for id. The returned release is safe to call more
// than once.
func (l *TaskLocks) TryAcquire(id string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return nil, false
	}
	l.held[id] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, id)
			l.mu.Unlock()
		})
	}, true
}

// Held reports whether id is currently locked.
func (l *TaskLocks) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}

// Len returns the number of held locks.
func (l *TaskLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
