// Package critical provides the abstract "mutex-or-preempt-disable"
// capability the engine is parameterized by when guarding flag
// mutations across the Rx/tick concurrency boundary. On a host that
// only ever drives Init/RxIndication/MainFunction from one goroutine,
// NewNoop costs nothing; a host splitting Rx and the ticker across
// goroutines should use NewMutex instead.
package critical

import "sync"

// Section brackets a flag read-modify-write so it cannot race with a
// concurrent one entered from a different goroutine.
type Section interface {
	Enter()
	Leave()
}

type mutexSection struct {
	mu sync.Mutex
}

// NewMutex returns a Section backed by a sync.Mutex.
func NewMutex() Section {
	return &mutexSection{}
}

func (s *mutexSection) Enter() { s.mu.Lock() }
func (s *mutexSection) Leave() { s.mu.Unlock() }

type noopSection struct{}

// NewNoop returns a Section that does nothing, for single-goroutine
// callers where Init/RxIndication/MainFunction never overlap.
func NewNoop() Section {
	return noopSection{}
}

func (noopSection) Enter() {}
func (noopSection) Leave() {}
