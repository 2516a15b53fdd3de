// Copyright 2024-2026 Aiku AI

package bifrost

import (
	"context"
	"sync"
)

// EventKind is the closed set of webhook event types. Dispatch switches
// over it exhaustively, so a new kind fails loudly at every call site
// instead of silently falling through a string comparison.
type EventKind int

const (
	EventAircraftChange EventKind = iota
	EventNewAccount
	EventCallsignChange
	EventTeleportation
	EventActivityChange
)

func (k EventKind) String() string {
	switch k {
	case EventAircraftChange:
		return "aircraft-change"
	case EventNewAccount:
		return "new-account"
	case EventCallsignChange:
		return "callsign-change"
	case EventTeleportation:
		return "teleportation"
	case EventActivityChange:
		return "activity-change"
	default:
		return "unknown"
	}
}

// Record is one event record as received from the webhook. Field sets vary
// per kind; the formatters pick what they need.
type Record map[string]any

// Task is one queued unit of work. Records is always a slice (possibly
// empty), never a single object.
type Task struct {
	Kind    EventKind
	Records []Record
}

// Queue is an unbounded FIFO of tasks. Enqueue never blocks; Dequeue
// suspends until a task is available or ctx is cancelled. It is safe for
// any number of producers and one consumer.
type Queue struct {
	mu    sync.Mutex
	items []Task
	// wake holds one pending wakeup for the consumer.
	wake chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue appends a task to the back of the queue.
func (q *Queue) Enqueue(kind EventKind, records []Record) {
	q.mu.Lock()
	q.items = append(q.items, Task{Kind: kind, Records: records})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the oldest task, blocking while the queue is
// empty. Returns ctx.Err() if the context is cancelled first.
func (q *Queue) Dequeue(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return task, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// DropKind removes every queued task of the given kind, preserving the
// relative order of the remainder.
func (q *Queue) DropKind(kind EventKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	dropped := 0
	for _, task := range q.items {
		if task.Kind == kind {
			dropped++
			continue
		}
		kept = append(kept, task)
	}
	q.items = kept
	return dropped
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
