package session

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// queue is an unbounded FIFO with a wake channel. Producers never block,
// which keeps transport and encoder goroutines free while the session loop
// is busy tearing them down.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{wake: make(chan struct{}, 1)}
}

func (q *queue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// notifier delivers status callbacks in order on its own goroutine, so a
// listener may call back into the session.
type notifier struct {
	q      *queue[func()]
	mu     sync.Mutex
	closed bool
	done   chan struct{}
	gid    atomic.Uint64
}

func newNotifier() *notifier {
	n := &notifier{q: newQueue[func()](), done: make(chan struct{})}
	go n.run()
	return n
}

func (n *notifier) push(f func()) {
	n.q.push(f)
}

// close lets the goroutine exit once the queue is empty. With discard,
// callbacks not yet started are dropped.
func (n *notifier) close(discard bool) {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	if discard {
		n.q.drain()
	}
	n.q.push(func() {})
}

// wait blocks until the notifier goroutine exited. Called from a callback it
// returns at once.
func (n *notifier) wait() {
	if goroutineID() == n.gid.Load() {
		return
	}
	<-n.done
}

func (n *notifier) run() {
	n.gid.Store(goroutineID())
	defer close(n.done)
	for range n.q.wake {
		for _, f := range n.q.drain() {
			f()
		}
		n.mu.Lock()
		closed := n.closed
		n.mu.Unlock()
		if closed && len(n.pending()) == 0 {
			return
		}
	}
}

func (n *notifier) pending() []func() {
	n.q.mu.Lock()
	defer n.q.mu.Unlock()
	return n.q.items
}

// goroutineID parses the id from the "goroutine N [running]:" stack header.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
