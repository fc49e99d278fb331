package transmit

import (
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func awaitingTestPacket(packetId uint32, lastSendTime time.Time, size int) *Packet {
	return &Packet{
		PacketId:     packetId,
		Guaranteed:   true,
		encoded:      make([]byte, size),
		lastSendTime: lastSendTime,
	}
}

func TestAwaitingQueueOrder(t *testing.T) {
	queue := newAwaitingQueue()
	assert.Equal(t, queue.Count(), 0)
	assert.Equal(t, queue.PeekFirst(), nil)

	start := time.Now()
	n := 100

	packets := []*Packet{}
	for i := 0; i < n; i += 1 {
		packets = append(packets, awaitingTestPacket(uint32(i+1), start.Add(time.Duration(i)*time.Millisecond), 10))
	}
	mathrand.Shuffle(len(packets), func(i, j int) {
		packets[i], packets[j] = packets[j], packets[i]
	})
	for _, packet := range packets {
		queue.Add(packet)
	}
	assert.Equal(t, queue.Count(), n)
	assert.Equal(t, queue.ByteCount(), ByteCount(10*n))

	// pop in last send time order by removing the peeked front
	for i := 0; i < n; i += 1 {
		first := queue.PeekFirst()
		assert.Equal(t, first.PacketId, uint32(i+1))
		removed := queue.RemoveById(first.PacketId)
		assert.Equal(t, removed, first)
	}
	assert.Equal(t, queue.Count(), 0)
	assert.Equal(t, queue.ByteCount(), ByteCount(0))
}

func TestAwaitingQueueRemoveById(t *testing.T) {
	queue := newAwaitingQueue()
	start := time.Now()

	queue.Add(awaitingTestPacket(1, start, 5))
	queue.Add(awaitingTestPacket(2, start.Add(time.Millisecond), 7))
	queue.Add(awaitingTestPacket(3, start.Add(2*time.Millisecond), 9))

	removed := queue.RemoveById(2)
	assert.NotEqual(t, removed, nil)
	assert.Equal(t, removed.PacketId, uint32(2))
	assert.Equal(t, queue.Count(), 2)
	assert.Equal(t, queue.ByteCount(), ByteCount(14))

	// removing an id twice is the duplicate acknowledgment case
	assert.Equal(t, queue.RemoveById(2), nil)
	assert.Equal(t, queue.RemoveById(99), nil)
	assert.Equal(t, queue.Count(), 2)

	assert.Equal(t, queue.PeekFirst().PacketId, uint32(1))
}

func TestAwaitingQueueAddDuplicatePanics(t *testing.T) {
	queue := newAwaitingQueue()
	queue.Add(awaitingTestPacket(1, time.Now(), 5))
	assertPanics(t, func() {
		queue.Add(awaitingTestPacket(1, time.Now(), 5))
	})
}

func TestAwaitingQueuePeekOverdue(t *testing.T) {
	queue := newAwaitingQueue()
	start := time.Now()
	timeout := 100 * time.Millisecond

	assert.Equal(t, queue.PeekOverdue(start, timeout), nil)

	a := awaitingTestPacket(1, start, 5)
	b := awaitingTestPacket(2, start.Add(time.Millisecond), 5)
	queue.Add(a)
	queue.Add(b)

	// nothing is due before the timeout elapses
	assert.Equal(t, queue.PeekOverdue(start.Add(timeout-time.Nanosecond), timeout), nil)
	// due exactly at the deadline, oldest send first
	assert.Equal(t, queue.PeekOverdue(start.Add(timeout), timeout), a)
}

func TestAwaitingQueueRequeueResent(t *testing.T) {
	queue := newAwaitingQueue()
	start := time.Now()

	a := awaitingTestPacket(1, start, 5)
	b := awaitingTestPacket(2, start.Add(time.Millisecond), 5)
	queue.Add(a)
	queue.Add(b)
	assert.Equal(t, queue.PeekFirst(), a)

	// a resend moves the packet to the back of the sweep order and counts
	assert.Equal(t, queue.RequeueResent(a, start.Add(2*time.Millisecond)), true)
	assert.Equal(t, queue.PeekFirst(), b)
	assert.Equal(t, a.resendCount, 1)
	assert.Equal(t, a.lastSendTime, start.Add(2*time.Millisecond))

	// a packet already acknowledged away is left untouched
	removed := queue.RemoveById(2)
	assert.Equal(t, removed, b)
	assert.Equal(t, queue.RequeueResent(b, start.Add(3*time.Millisecond)), false)
	assert.Equal(t, b.resendCount, 0)
	assert.Equal(t, b.lastSendTime, start.Add(time.Millisecond))
	assert.Equal(t, queue.Count(), 1)
}

// TestAwaitingQueueConcurrentResendConfirm drives the retransmission sweep
// and acknowledgment removal against one queue from two goroutines, the way
// the send and receive loops share it.
func TestAwaitingQueueConcurrentResendConfirm(t *testing.T) {
	queue := newAwaitingQueue()
	start := time.Now()
	count := 2048
	for i := 1; i <= count; i += 1 {
		queue.Add(awaitingTestPacket(uint32(i), start.Add(time.Duration(i)*time.Microsecond), 16))
	}

	confirmed := make(chan struct{})
	go func() {
		defer close(confirmed)
		for i := 1; i <= count; i += 1 {
			queue.RemoveById(uint32(i))
		}
	}()

	// with a zero timeout every queued packet is always due, so the sweep
	// keeps restamping whatever the confirms have not yet removed
	now := start.Add(time.Hour)
	for i := 0; i < 4*count; i += 1 {
		packet := queue.PeekOverdue(now, 0)
		if packet == nil {
			continue
		}
		queue.RequeueResent(packet, now)
		now = now.Add(time.Microsecond)
	}
	<-confirmed

	assert.Equal(t, queue.Count(), 0)
	assert.Equal(t, queue.ByteCount(), ByteCount(0))
}

func TestAwaitingQueueRemoveAll(t *testing.T) {
	queue := newAwaitingQueue()
	start := time.Now()
	for i := 0; i < 10; i += 1 {
		queue.Add(awaitingTestPacket(uint32(i+1), start.Add(time.Duration(i)*time.Millisecond), 5))
	}
	packets := queue.RemoveAll()
	assert.Equal(t, len(packets), 10)
	assert.Equal(t, queue.Count(), 0)
	assert.Equal(t, queue.ByteCount(), ByteCount(0))
	assert.Equal(t, queue.PeekFirst(), nil)
}

func TestRecencyWindowDuplicates(t *testing.T) {
	window := newRecencyWindow(4)

	assert.Equal(t, window.Observe(1), true)
	assert.Equal(t, window.Observe(2), true)
	assert.Equal(t, window.Observe(3), true)
	assert.Equal(t, window.Observe(4), true)
	assert.Equal(t, window.Count(), 4)

	// duplicates within the window are detected
	assert.Equal(t, window.Observe(1), false)
	assert.Equal(t, window.Observe(4), false)
	assert.Equal(t, window.Count(), 4)

	// a new id evicts the oldest
	assert.Equal(t, window.Observe(5), true)
	assert.Equal(t, window.Count(), 4)
	assert.Equal(t, window.Observe(2), false)

	// the evicted id reads as new again
	assert.Equal(t, window.Observe(1), true)
}

func TestRecencyWindowBound(t *testing.T) {
	capacity := 64
	window := newRecencyWindow(capacity)
	for i := 0; i < 10*capacity; i += 1 {
		assert.Equal(t, window.Observe(uint32(i)), true)
		assert.Equal(t, window.Count() <= capacity, true)
	}
	assert.Equal(t, window.Count(), capacity)
	// the newest capacity ids are all still tracked
	for i := 9 * capacity; i < 10*capacity; i += 1 {
		assert.Equal(t, window.Observe(uint32(i)), false)
	}
}

func TestRecencyWindowCapacity(t *testing.T) {
	assertPanics(t, func() {
		newRecencyWindow(0)
	})
}
