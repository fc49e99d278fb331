package transmit

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// awaitingQueue holds guaranteed packets awaiting acknowledgment, keyed by
// packet id and ordered by last send time so the retransmission sweep can
// pop overdue packets from the front. A min heap over a parallel id map.
type awaitingQueue struct {
	stateLock sync.Mutex

	orderedPackets []*Packet
	// packet id -> packet
	packets   map[uint32]*Packet
	byteCount ByteCount
}

func newAwaitingQueue() *awaitingQueue {
	awaitingQueue := &awaitingQueue{
		orderedPackets: []*Packet{},
		packets:        map[uint32]*Packet{},
		byteCount:      0,
	}
	heap.Init(awaitingQueue)
	return awaitingQueue
}

func (self *awaitingQueue) Add(packet *Packet) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.packets[packet.PacketId]; ok {
		panic(fmt.Errorf("Packet %d is already awaiting acknowledgment.", packet.PacketId))
	}
	self.packets[packet.PacketId] = packet
	heap.Push(self, packet)
}

// RemoveById removes and returns the packet, or nil if the id is not
// tracked, which is the normal case for duplicate acknowledgments.
func (self *awaitingQueue) RemoveById(packetId uint32) *Packet {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	packet, ok := self.packets[packetId]
	if !ok {
		return nil
	}
	delete(self.packets, packetId)
	heap.Remove(self, packet.heapIndex)
	self.byteCount -= ByteCount(len(packet.encoded))
	return packet
}

// PeekFirst returns the packet with the earliest last send time without
// removing it, or nil if the queue is empty.
func (self *awaitingQueue) PeekFirst() *Packet {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.orderedPackets) == 0 {
		return nil
	}
	return self.orderedPackets[0]
}

// PeekOverdue returns the packet with the earliest last send time when that
// send is at least timeout old, or nil when no resend is due. Send times
// order the heap, so the age check has to run under the lock.
func (self *awaitingQueue) PeekOverdue(now time.Time, timeout time.Duration) *Packet {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(self.orderedPackets) == 0 {
		return nil
	}
	packet := self.orderedPackets[0]
	if now.Sub(packet.lastSendTime) < timeout {
		return nil
	}
	return packet
}

// RequeueResent records one resend on a packet still in the queue: the last
// send time moves to now, the resend count increments and the heap reorders.
// It returns false without touching the packet when an acknowledgment
// already removed it.
func (self *awaitingQueue) RequeueResent(packet *Packet, now time.Time) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.packets[packet.PacketId]; !ok {
		return false
	}
	packet.lastSendTime = now
	packet.resendCount += 1
	heap.Fix(self, packet.heapIndex)
	return true
}

func (self *awaitingQueue) RemoveAll() []*Packet {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	packets := self.orderedPackets
	self.orderedPackets = []*Packet{}
	self.packets = map[uint32]*Packet{}
	self.byteCount = 0
	return packets
}

func (self *awaitingQueue) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.orderedPackets)
}

func (self *awaitingQueue) ByteCount() ByteCount {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.byteCount
}

// heap.Interface. The callers hold stateLock.

func (self *awaitingQueue) Len() int {
	return len(self.orderedPackets)
}

func (self *awaitingQueue) Less(i int, j int) bool {
	return self.orderedPackets[i].lastSendTime.Before(self.orderedPackets[j].lastSendTime)
}

func (self *awaitingQueue) Swap(i int, j int) {
	a := self.orderedPackets[i]
	b := self.orderedPackets[j]
	b.heapIndex = i
	self.orderedPackets[i] = b
	a.heapIndex = j
	self.orderedPackets[j] = a
}

func (self *awaitingQueue) Push(x any) {
	packet := x.(*Packet)
	packet.heapIndex = len(self.orderedPackets)
	self.orderedPackets = append(self.orderedPackets, packet)
	self.byteCount += ByteCount(len(packet.encoded))
}

func (self *awaitingQueue) Pop() any {
	n := len(self.orderedPackets)
	packet := self.orderedPackets[n-1]
	self.orderedPackets[n-1] = nil
	self.orderedPackets = self.orderedPackets[:n-1]
	return packet
}

// recencyWindow remembers the most recently seen packet ids up to a fixed
// capacity, evicting the oldest id once full. Duplicates are reliably
// detected within the window; an id older than the window reads as new
// again, which at worst reprocesses a very late duplicate. This bounds the
// memory of duplicate detection over a session's life.
type recencyWindow struct {
	stateLock sync.Mutex

	ids   map[uint32]bool
	ring  []uint32
	head  int
	count int
}

func newRecencyWindow(capacity int) *recencyWindow {
	if capacity < 1 {
		panic(fmt.Errorf("Recency window capacity must be positive (%d).", capacity))
	}
	return &recencyWindow{
		ids:  map[uint32]bool{},
		ring: make([]uint32, capacity),
	}
}

// Observe records the id and returns whether it is newly seen. False means
// the id is a duplicate within the window.
func (self *recencyWindow) Observe(id uint32) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.ids[id] {
		return false
	}
	if self.count == len(self.ring) {
		delete(self.ids, self.ring[self.head])
	} else {
		self.count += 1
	}
	self.ring[self.head] = id
	self.ids[id] = true
	self.head = (self.head + 1) % len(self.ring)
	return true
}

func (self *recencyWindow) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.count
}
