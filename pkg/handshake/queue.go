package handshake

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errLineTimeout = errors.New("handshake: no line within wait")

// lineQueue buffers lines from the child's stderr without bound so the
// reader never blocks on a slow consumer.
type lineQueue struct {
	mu      sync.Mutex
	pending []string
	all     []string
	closed  bool
	changed chan struct{}
}

func newLineQueue() *lineQueue {
	return &lineQueue{changed: make(chan struct{})}
}

func (q *lineQueue) push(line string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, line)
	q.all = append(q.all, line)
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *lineQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.changed)
	}
}

// next pops the oldest line. A wait of zero waits until a line arrives,
// the queue closes or ctx ends.
func (q *lineQueue) next(ctx context.Context, wait time.Duration) (string, error) {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			line := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return line, nil
		}
		if q.closed {
			q.mu.Unlock()
			return "", ErrStreamClosed
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-timeout:
			return "", errLineTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// lines returns every line received so far.
func (q *lineQueue) lines() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.all...)
}
