// Package notify provides a coalescing in-process change signal.
package notify

import (
	"sync"
)

// Notifier fans a "something changed" signal out to subscribers. Signals
// coalesce: a subscriber that has not consumed the previous signal sees one
// pending signal, never a queue. The zero value is ready to use.
type Notifier struct {
	mu          sync.RWMutex
	subscribers []chan struct{}
	closed      bool
}

// Notify signals every subscriber without blocking.
func (n *Notifier) Notify() {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}

	for _, ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// already pending
		}
	}
}

// Subscribe returns a channel that receives a value after each Notify. The
// channel is closed by Close.
func (n *Notifier) Subscribe() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	ch := make(chan struct{}, 1)
	n.subscribers = append(n.subscribers, ch)
	return ch
}

// Unsubscribe removes ch and closes it. Unknown channels are ignored.
func (n *Notifier) Unsubscribe(ch <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, sub := range n.subscribers {
		if sub == ch {
			n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Close closes every subscriber channel. Later Notify calls are no-ops.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subscribers
	n.subscribers = nil
	n.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}
