// Copyright 2024-2026 Aiku AI

package transport

import "sync"

// queue is an unbounded FIFO of outgoing frames. Producers never block; the
// single consumer peeks the head and pops it only once it was written.
type queue struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(frame []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) peek() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	return q.frames[0], true
}

func (q *queue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return
	}
	q.frames[0] = nil
	q.frames = q.frames[1:]
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// ready is signalled after a push.
func (q *queue) ready() <-chan struct{} {
	return q.notify
}
