package tunem

//
// Release-time priority queue
//

import (
	"container/heap"
	"sync"
	"time"
)

// DefaultDelayQueueHighWater is the default maximum number of packets
// a [DelayQueue] holds before it starts tail-dropping.
const DefaultDelayQueueHighWater = 4096

// delayedPacket is one queued packet: a buffer plus its release time.
type delayedPacket struct {
	// payload is the packet buffer. The queue owns it until release.
	payload []byte

	// releaseAt is the [PacketClock] millisecond at which the packet
	// may leave the queue.
	releaseAt int64

	// seq breaks release-time ties in push order.
	seq uint64
}

// DelayQueue is a min-heap of packets keyed by release time. Packets
// with equal release times leave in push order. The zero value is
// invalid; use [NewDelayQueue] to construct. All methods are safe for
// concurrent use.
type DelayQueue struct {
	// clock is the time source for readiness checks.
	clock PacketClock

	// closed becomes true once Close has been called.
	closed bool

	// cond signals waiters when a packet is pushed or the queue closes.
	cond *sync.Cond

	// highWater is the tail-drop threshold.
	highWater int

	// mu protects every mutable field.
	mu sync.Mutex

	// packets is the heap storage.
	packets packetHeap

	// pushes counts pushes to assign FIFO tie-break sequence numbers.
	pushes uint64
}

// NewDelayQueue creates a [DelayQueue] using the given clock. A
// highWater of zero selects [DefaultDelayQueueHighWater].
func NewDelayQueue(clock PacketClock, highWater int) *DelayQueue {
	if highWater <= 0 {
		highWater = DefaultDelayQueueHighWater
	}
	dq := &DelayQueue{
		clock:     clock,
		closed:    false,
		cond:      nil,
		highWater: highWater,
		mu:        sync.Mutex{},
		packets:   packetHeap{},
		pushes:    0,
	}
	dq.cond = sync.NewCond(&dq.mu)
	return dq
}

// Push schedules payload for release at releaseAt and wakes any
// waiter. It returns [ErrQueueFull] when the queue is at its
// high-water mark (the caller should account the tail drop) and
// [ErrShaperClosed] after Close.
func (dq *DelayQueue) Push(payload []byte, releaseAt int64) error {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	if dq.closed {
		return ErrShaperClosed
	}
	if len(dq.packets) >= dq.highWater {
		return ErrQueueFull
	}
	pkt := &delayedPacket{
		payload:   payload,
		releaseAt: releaseAt,
		seq:       dq.pushes,
	}
	dq.pushes++
	heap.Push(&dq.packets, pkt)
	dq.cond.Broadcast()
	return nil
}

// PopReady returns the head payload iff its release time has expired,
// otherwise nil. It never blocks.
func (dq *DelayQueue) PopReady() []byte {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.popReadyLocked(dq.clock.Now())
}

// PopReadyBlocking waits until either the head packet becomes ready
// or maxWait elapses, whichever happens first, and returns the ready
// payload or nil. A nil return means the queue held no ready packet
// for the whole wait or the queue was closed. When the head's release
// time is t, the wait is min(t-now, maxWait); the state is re-checked
// under the lock after every wakeup.
func (dq *DelayQueue) PopReadyBlocking(maxWait time.Duration) []byte {
	deadline := dq.clock.Now() + maxWait.Milliseconds()
	dq.mu.Lock()
	defer dq.mu.Unlock()
	for {
		if dq.closed {
			return nil
		}
		now := dq.clock.Now()
		if payload := dq.popReadyLocked(now); payload != nil {
			return payload
		}
		wait := deadline - now
		if len(dq.packets) > 0 {
			if until := dq.packets[0].releaseAt - now; until < wait {
				wait = until
			}
		}
		if wait <= 0 {
			return nil
		}
		// The timer wakes us when the head should be ready; a Push or
		// Close broadcasts earlier. Either way we loop and re-check.
		timer := time.AfterFunc(time.Duration(wait)*time.Millisecond, dq.cond.Broadcast)
		dq.cond.Wait()
		timer.Stop()
	}
}

// Len returns the number of queued packets.
func (dq *DelayQueue) Len() int {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return len(dq.packets)
}

// Close unblocks all waiters and rejects further pushes. Packets
// still queued are discarded.
func (dq *DelayQueue) Close() {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	dq.closed = true
	dq.packets = packetHeap{}
	dq.cond.Broadcast()
}

func (dq *DelayQueue) popReadyLocked(now int64) []byte {
	if len(dq.packets) <= 0 || dq.packets[0].releaseAt > now {
		return nil
	}
	return heap.Pop(&dq.packets).(*delayedPacket).payload
}

// packetHeap implements [heap.Interface] ordered by (releaseAt, seq).
type packetHeap []*delayedPacket

var _ heap.Interface = &packetHeap{}

// Len implements heap.Interface.
func (ph packetHeap) Len() int {
	return len(ph)
}

// Less implements heap.Interface.
func (ph packetHeap) Less(i, j int) bool {
	if ph[i].releaseAt != ph[j].releaseAt {
		return ph[i].releaseAt < ph[j].releaseAt
	}
	return ph[i].seq < ph[j].seq
}

// Swap implements heap.Interface.
func (ph packetHeap) Swap(i, j int) {
	ph[i], ph[j] = ph[j], ph[i]
}

// Push implements heap.Interface.
func (ph *packetHeap) Push(x any) {
	*ph = append(*ph, x.(*delayedPacket))
}

// Pop implements heap.Interface.
func (ph *packetHeap) Pop() any {
	old := *ph
	n := len(old)
	pkt := old[n-1]
	old[n-1] = nil
	*ph = old[:n-1]
	return pkt
}
