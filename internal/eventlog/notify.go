package eventlog

import "sync"

// notifier fans out append signals to subscription loops. Channels are
// buffered with capacity one so repeated wakes coalesce; a listener
// that drains its channel re-reads the log and catches everything that
// arrived in between.
type notifier struct {
	mu        sync.Mutex
	listeners map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{listeners: make(map[chan struct{}]struct{})}
}

func (n *notifier) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

func (n *notifier) unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	delete(n.listeners, ch)
	n.mu.Unlock()
}

func (n *notifier) wake() {
	n.mu.Lock()
	for ch := range n.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	n.mu.Unlock()
}
