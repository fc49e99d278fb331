package transmit

import (
	"fmt"
	"sync"
	"time"
)

// RateWindow measures byte throughput over a fixed sampling window:
// rate = bytes / elapsed, recomputed each time a window elapses. `Rate`
// reports the most recently completed window, so a burst inside the current
// window does not show until the window rolls. Totals accumulate for the
// life of the meter and double as packet/byte counters.
type RateWindow struct {
	windowDuration time.Duration

	stateLock       sync.Mutex
	windowStart     time.Time
	windowByteCount ByteCount
	rate            ByteCount

	totalByteCount ByteCount
	totalCount     int64
}

func NewRateWindow(windowDuration time.Duration) *RateWindow {
	if windowDuration <= 0 {
		panic(fmt.Errorf("Rate window duration must be positive (%s).", windowDuration))
	}
	return &RateWindow{
		windowDuration: windowDuration,
	}
}

// Add records count bytes observed at now.
func (self *RateWindow) Add(count ByteCount, now time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.coalesce(now)
	self.windowByteCount += count
	self.totalByteCount += count
	self.totalCount += 1
}

// Rate returns bytes per second measured over the last completed window.
func (self *RateWindow) Rate(now time.Time) ByteCount {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.coalesce(now)
	return self.rate
}

// OverLimit returns whether the bytes recorded in the current window have
// used up the budget maxBytesPerSecond allows for one window. A max of zero
// or less means unlimited.
func (self *RateWindow) OverLimit(maxBytesPerSecond ByteCount, now time.Time) bool {
	if maxBytesPerSecond <= 0 {
		return false
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.coalesce(now)
	budget := maxBytesPerSecond * ByteCount(self.windowDuration) / ByteCount(time.Second)
	if budget < 1 {
		budget = 1
	}
	return budget <= self.windowByteCount
}

func (self *RateWindow) TotalByteCount() ByteCount {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.totalByteCount
}

func (self *RateWindow) TotalCount() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.totalCount
}

// coalesce rolls the window if it has elapsed. The caller holds stateLock.
func (self *RateWindow) coalesce(now time.Time) {
	if self.windowStart.IsZero() {
		self.windowStart = now
		return
	}
	elapsed := now.Sub(self.windowStart)
	if elapsed < self.windowDuration {
		return
	}
	self.rate = ByteCount(float64(self.windowByteCount) * float64(time.Second) / float64(elapsed))
	self.windowByteCount = 0
	self.windowStart = now
}
