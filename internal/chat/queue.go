// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"log"
	"sync"
)

// =============================================================================
// SAVE QUEUE
// =============================================================================

// saveQueue serializes session persistence with depth-1 coalescing: while
// a write is in flight, any number of new snapshots collapse into a single
// pending one that is written only after the previous write settles.
//
// The queue only ever sees serialized snapshots. Serialization happens on
// the caller's control flow, so the writer goroutine never reads the live
// session and cannot race tree mutations.
type saveQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	saving  bool
	pending []byte
	write   func(data []byte) error
}

func newSaveQueue(write func(data []byte) error) *saveQueue {
	q := &saveQueue{write: write}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue hands a snapshot to the writer. Returns immediately; the write
// runs on its own goroutine. A snapshot enqueued while a write is in
// flight replaces any snapshot already waiting.
func (q *saveQueue) Enqueue(data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.saving {
		q.pending = data
		return
	}
	q.saving = true
	go q.run(data)
}

// run writes snapshots until none is pending.
func (q *saveQueue) run(data []byte) {
	for {
		if err := q.write(data); err != nil {
			log.Printf("[chat] session save failed: %v", err)
		}

		q.mu.Lock()
		if q.pending != nil {
			data = q.pending
			q.pending = nil
			q.mu.Unlock()
			continue
		}
		q.saving = false
		q.cond.Broadcast()
		q.mu.Unlock()
		return
	}
}

// Wait blocks until the queue is idle.
func (q *saveQueue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.saving {
		q.cond.Wait()
	}
}
