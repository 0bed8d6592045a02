package transport

import (
	"sync"

	"github.com/offbit-ai/zeal-sync/internal/metrics"
)

// sendQueue buffers outbound frames in FIFO order while the connection is not
// usable. The queue is capped: on overflow the oldest frame is shed, trading
// the earliest offline edits for bounded memory. Shed document updates are
// recovered by the sync handshake on reconnect, so convergence is unaffected.
type sendQueue struct {
	mu    sync.Mutex
	items [][]byte
	limit int
}

func newSendQueue(limit int) *sendQueue {
	return &sendQueue{limit: limit}
}

// push appends a frame, shedding the oldest one when full. It reports whether
// a frame was dropped.
func (q *sendQueue) push(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items = q.items[1:]
		dropped = true
		metrics.QueueDrops.Inc()
	}
	q.items = append(q.items, data)
	metrics.QueueDepth.Set(float64(len(q.items)))
	return dropped
}

// drain removes and returns all queued frames in FIFO order.
func (q *sendQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	metrics.QueueDepth.Set(0)
	return items
}

func (q *sendQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	metrics.QueueDepth.Set(0)
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
