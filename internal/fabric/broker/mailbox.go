package broker

import (
	"container/heap"
	"sync"
	"time"
)

// mailboxItem orders by (-priority, timestamp, seq). FIFO within equal
// priority is guaranteed by the monotonic sequence number.
type mailboxItem struct {
	msg *Message
	seq uint64
}

type itemHeap []mailboxItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.msg.Priority != b.msg.Priority {
		return a.msg.Priority > b.msg.Priority
	}
	if !a.msg.Timestamp.Equal(b.msg.Timestamp) {
		return a.msg.Timestamp.Before(b.msg.Timestamp)
	}
	return a.seq < b.seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(mailboxItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mailbox is a bounded priority queue with blocking receive.
type mailbox struct {
	mu     sync.Mutex
	items  itemHeap
	cap    int
	seq    uint64
	notify chan struct{}
	closed bool
}

func newMailbox(capacity int) *mailbox {
	mb := &mailbox{cap: capacity, notify: make(chan struct{}, 1)}
	heap.Init(&mb.items)
	return mb
}

// push enqueues; returns false when full or closed.
func (mb *mailbox) push(m *Message) bool {
	mb.mu.Lock()
	if mb.closed || len(mb.items) >= mb.cap {
		mb.mu.Unlock()
		return false
	}
	mb.seq++
	heap.Push(&mb.items, mailboxItem{msg: m, seq: mb.seq})
	mb.mu.Unlock()

	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return true
}

// tryPop removes the highest-priority message, nil when empty.
func (mb *mailbox) tryPop() *Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.items) == 0 {
		return nil
	}
	item := heap.Pop(&mb.items).(mailboxItem)
	return item.msg
}

// pop blocks up to timeout for a message. timeout <= 0 polls once.
func (mb *mailbox) pop(timeout time.Duration) *Message {
	if m := mb.tryPop(); m != nil {
		return m
	}
	if timeout <= 0 {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-mb.notify:
			if m := mb.tryPop(); m != nil {
				return m
			}
		case <-deadline.C:
			return mb.tryPop()
		}
	}
}

func (mb *mailbox) size() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.items)
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	mb.closed = true
	mb.items = nil
	mb.mu.Unlock()
}
