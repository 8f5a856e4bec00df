package helperbot

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/robovac-mqtt-broker/internal/logger"
)

const settledCacheSize = 4096

// Record is a reply addressed to the helperbot.
type Record struct {
	RequestID  string
	EnqueuedAt time.Time
	Topic      string
	Payload    []byte
}

// Correlator matches replies to waiting requests by request id.
//
// A reply with a registered waiter is handed over directly. A reply nobody
// waits for is parked until claimed or pruned. Ids that were answered or
// timed out are remembered for one window so late duplicates are dropped.
type Correlator struct {
	mu      sync.Mutex
	waiters map[string]chan Record
	parked  map[string]Record
	settled *expirable.LRU[string, struct{}]
	window  time.Duration
	now     func() time.Time
}

func NewCorrelator(window time.Duration) *Correlator {
	return &Correlator{
		waiters: make(map[string]chan Record),
		parked:  make(map[string]Record),
		settled: expirable.NewLRU[string, struct{}](settledCacheSize, nil, window),
		window:  window,
		now:     time.Now,
	}
}

// Watch registers a waiter for requestID and returns the channel the reply
// arrives on plus a release func that must be called once the caller stops
// waiting. When claimParked is set a reply already parked for the id is
// delivered immediately; otherwise it is discarded as stale.
func (c *Correlator) Watch(requestID string, claimParked bool) (<-chan Record, func()) {
	ch := make(chan Record, 1)

	c.mu.Lock()
	c.settled.Remove(requestID)
	if record, ok := c.parked[requestID]; ok {
		delete(c.parked, requestID)
		if claimParked {
			c.settled.Add(requestID, struct{}{})
			c.mu.Unlock()
			ch <- record
			return ch, func() {}
		}
		logger.DebugF("[helperbot] Discarding stale reply for request %s", requestID)
	}
	c.waiters[requestID] = ch
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if current, ok := c.waiters[requestID]; ok && current == ch {
			delete(c.waiters, requestID)
			c.settled.Add(requestID, struct{}{})
		}
	}
	return ch, release
}

// Deliver hands record to its waiter or parks it. It reports whether the
// record was accepted; duplicates and replies to settled ids are dropped.
func (c *Correlator) Deliver(record Record) bool {
	if record.EnqueuedAt.IsZero() {
		record.EnqueuedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.waiters[record.RequestID]; ok {
		delete(c.waiters, record.RequestID)
		c.settled.Add(record.RequestID, struct{}{})
		ch <- record
		return true
	}
	if c.settled.Contains(record.RequestID) {
		logger.DebugF("[helperbot] Dropping late reply for request %s", record.RequestID)
		return false
	}
	if _, ok := c.parked[record.RequestID]; ok {
		logger.DebugF("[helperbot] Dropping duplicate reply for request %s", record.RequestID)
		return false
	}
	c.parked[record.RequestID] = record
	return true
}

// Prune removes parked records older than the window and returns how many
// were removed.
func (c *Correlator) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, record := range c.parked {
		if now.Sub(record.EnqueuedAt) > c.window {
			logger.DebugF("[helperbot] Pruning Message Due To Expiration - Message Topic: %s", record.Topic)
			delete(c.parked, id)
			removed++
		}
	}
	return removed
}

// Pending returns the number of parked records.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.parked)
}

// Waiting returns the number of registered waiters.
func (c *Correlator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
