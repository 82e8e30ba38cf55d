package realtime

import "sync"

// Mailbox is the bounded outbound frame queue of one connection. All
// server→client traffic for a connection flows through its mailbox, so
// enqueue order is delivery order. Enqueue never blocks: at capacity the
// oldest queued frame is dropped, so a slow consumer sheds its own
// traffic instead of stalling the hub or its peers.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	head   int
	cap    int
	closed bool
}

// NewMailbox returns a mailbox holding at most size frames; size <= 0
// selects an unbounded queue.
func NewMailbox(size int) *Mailbox {
	m := &Mailbox{cap: size}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Enqueue appends frame for delivery and reports whether an older frame
// was dropped to make room. Enqueue on a closed mailbox discards the
// frame and reports false.
func (m *Mailbox) Enqueue(frame []byte) (dropped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if m.cap > 0 && len(m.queue)-m.head >= m.cap {
		m.queue[m.head] = nil
		m.head++
		dropped = true
	}
	m.queue = append(m.queue, frame)
	if m.head > 0 && m.head*2 >= len(m.queue) {
		m.queue = append([][]byte(nil), m.queue[m.head:]...)
		m.head = 0
	}
	m.cond.Signal()
	return dropped
}

// Next blocks until a frame is available and returns it, or returns
// false after Close.
func (m *Mailbox) Next() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.closed && m.head >= len(m.queue) {
		m.cond.Wait()
	}
	if m.closed {
		return nil, false
	}
	frame := m.queue[m.head]
	m.queue[m.head] = nil
	m.head++
	if m.head*2 >= len(m.queue) {
		m.queue = append([][]byte(nil), m.queue[m.head:]...)
		m.head = 0
	}
	return frame, true
}

// Len returns the number of queued frames.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) - m.head
}

// Close discards queued frames and wakes any blocked Next. Close is
// idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		m.queue = nil
		m.head = 0
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}
