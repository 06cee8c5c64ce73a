// Package tasks runs background memory work (analyst calls, fact
// extraction, consolidation) on a single serial queue so concurrent turns
// never interleave their store writes.
package tasks

import (
	"context"
	"log"
	"sync"
)

// Task is one unit of background work. Errors are logged, never surfaced
// to the chat turn that queued them.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue executes tasks one at a time in submission order.
type Queue struct {
	ch   chan Task
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewQueue starts the worker. Buffer bounds how many tasks can be pending
// before Submit starts dropping.
func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	q := &Queue{
		ch:   make(chan Task, buffer),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for t := range q.ch {
		if err := t.Run(context.Background()); err != nil {
			log.Printf("[TaskQueue] %s failed: %v", t.Name, err)
		}
	}
}

// Submit enqueues a task. A full or closed queue drops the task with a log
// line; background memory work is best-effort by design of the callers.
func (q *Queue) Submit(name string, run func(ctx context.Context) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		log.Printf("[TaskQueue] dropped %s: queue closed", name)
		return
	}
	select {
	case q.ch <- Task{Name: name, Run: run}:
	default:
		log.Printf("[TaskQueue] dropped %s: queue full", name)
	}
}

// Close stops accepting tasks and waits for the pending ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	<-q.done
}
