// Package lifecycle models an owner scope whose active window bounds event
// subscriptions.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
)

var ErrLifecycleOrder = errors.New("lifecycle: invalid transition")

type State int

const (
	Initialized State = iota
	Created
	Started
	Resumed
	Destroyed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Created:
		return "created"
	case Started:
		return "started"
	case Resumed:
		return "resumed"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether observers bound to this state receive events.
func (s State) Active() bool {
	return s == Started || s == Resumed
}

// Lifecycle is a thread-safe state holder with change watchers. Watchers run
// on the goroutine that moved the state, after the lock is released.
type Lifecycle struct {
	mu       sync.Mutex
	state    State
	nextID   uint64
	watchers map[uint64]func(State)
}

func New() *Lifecycle {
	return &Lifecycle{watchers: make(map[uint64]func(State))}
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Move sets the state. Any state may move to Destroyed; Destroyed is final.
func (l *Lifecycle) Move(next State) error {
	l.mu.Lock()
	if l.state == Destroyed || next < Initialized || next > Destroyed {
		cur := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, cur, next)
	}
	if l.state == next {
		l.mu.Unlock()
		return nil
	}
	l.state = next
	watchers := make([]func(State), 0, len(l.watchers))
	for _, fn := range l.watchers {
		watchers = append(watchers, fn)
	}
	if next == Destroyed {
		l.watchers = make(map[uint64]func(State))
	}
	l.mu.Unlock()

	for _, fn := range watchers {
		fn(next)
	}
	return nil
}

// Watch registers fn for future state changes. The returned func removes it.
func (l *Lifecycle) Watch(fn func(State)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn == nil || l.state == Destroyed {
		return func() {}
	}
	l.nextID++
	id := l.nextID
	l.watchers[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.watchers, id)
	}
}

// WatcherCount is the number of registered watchers.
func (l *Lifecycle) WatcherCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watchers)
}
