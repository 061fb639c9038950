package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const cleanupFrequency = 100

var (
	// ErrTaskActive is returned by Register when a task with the same name
	// is still running.
	ErrTaskActive = errors.New("task already active")

	// ErrClosed is returned once CancelAll has been called.
	ErrClosed = errors.New("task manager closed")
)

// Task is the body of a background task. It must return when ctx is done.
type Task func(ctx context.Context)

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *handle) active() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Manager runs named tasks.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	parent  context.Context
	tasks   map[string]*handle
	counter int
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a manager whose tasks are children of parent.
func NewManager(parent context.Context) *Manager {
	return &Manager{
		parent:  parent,
		tasks:   make(map[string]*handle),
		counter: cleanupFrequency,
	}
}

// Register starts fn under name. It fails if a task with that name is
// still active.
func (m *Manager) Register(name string, fn Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if h, ok := m.tasks[name]; ok && h.active() {
		return fmt.Errorf("register %q: %w", name, ErrTaskActive)
	}
	m.maybeCleanLocked()
	m.startLocked(name, fn)
	return nil
}

// Replace cancels any task registered under name and starts fn in its place.
func (m *Manager) Replace(name string, fn Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if h, ok := m.tasks[name]; ok {
		h.cancel()
		delete(m.tasks, name)
	}
	m.maybeCleanLocked()
	m.startLocked(name, fn)
	return nil
}

// Cancel stops the named task. It reports whether an active task was found.
// Cancel does not wait for the task to return.
func (m *Manager) Cancel(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.tasks[name]
	if !ok {
		return false
	}
	delete(m.tasks, name)
	wasActive := h.active()
	h.cancel()
	return wasActive
}

// IsActive reports whether the named task is registered and still running.
func (m *Manager) IsActive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.tasks[name]
	return ok && h.active()
}

// Active returns the number of running tasks.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.tasks {
		if h.active() {
			n++
		}
	}
	return n
}

// CancelAll cancels every task, waits for them to return and refuses new
// registrations.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	m.closed = true
	for name, h := range m.tasks {
		h.cancel()
		delete(m.tasks, name)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) startLocked(name string, fn Task) {
	ctx, cancel := context.WithCancel(m.parent)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	m.tasks[name] = h

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(h.done)
		defer cancel()
		fn(ctx)
	}()
}

// maybeCleanLocked drops finished tasks from the table every
// cleanupFrequency calls.
func (m *Manager) maybeCleanLocked() {
	if m.counter > 0 {
		m.counter--
		return
	}
	m.counter = cleanupFrequency
	for name, h := range m.tasks {
		if !h.active() {
			delete(m.tasks, name)
		}
	}
}
