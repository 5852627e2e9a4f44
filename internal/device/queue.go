package device

import "sync"

// sendQueue implements the device's single-in-flight flow control: at most
// one command may be unacknowledged, and the next send is released only by
// the arrival of a notification. The lock guards only queue and flag
// mutation, never an I/O wait; callers perform the actual write.
type sendQueue struct {
	mu       sync.Mutex
	pending  [][]byte
	awaiting bool
}

// push registers a frame for sending. When the link is idle it returns the
// frame for immediate write and marks a reply as outstanding; otherwise the
// frame joins the FIFO tail.
func (q *sendQueue) push(frame []byte) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 && !q.awaiting {
		q.awaiting = true
		return frame, true
	}
	q.pending = append(q.pending, frame)
	return nil, false
}

// ack is called after an inbound notification has been fully processed. It
// returns the next queued frame to write, or clears the outstanding flag
// when the queue is empty.
func (q *sendQueue) ack() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) > 0 {
		frame := q.pending[0]
		q.pending = q.pending[1:]
		q.awaiting = true
		return frame, true
	}
	q.awaiting = false
	return nil, false
}
