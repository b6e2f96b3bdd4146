// Package hlc provides a hybrid logical clock. Timestamps are packed into an
// int64: the high 48 bits hold physical time in milliseconds since the Unix
// epoch, the low 16 bits hold a logical counter.
package hlc

import (
	"sync"
	"time"
)

const logicalMask = 0xFFFF

// Clock is a monotonically increasing hybrid logical clock.
type Clock struct {
	mu     sync.Mutex
	latest int64
}

func New() *Clock {
	return &Clock{}
}

// Now returns a timestamp strictly greater than any previously returned or
// observed timestamp.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := time.Now().UnixMilli()
	oldPhys := c.latest >> 16
	oldLogical := c.latest & logicalMask

	var newPhys, newLogical int64
	if phys > oldPhys {
		newPhys = phys
	} else {
		// Physical time stalled or went backwards; advance the counter.
		newPhys = oldPhys
		newLogical = oldLogical + 1
	}
	if newLogical > logicalMask {
		newPhys++
		newLogical = 0
	}
	c.latest = (newPhys << 16) | newLogical
	return c.latest
}

// Update advances the clock past a timestamp observed on a received message.
func (c *Clock) Update(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := time.Now().UnixMilli()
	remotePhys := remote >> 16
	remoteLogical := remote & logicalMask
	oldPhys := c.latest >> 16
	oldLogical := c.latest & logicalMask

	newPhys := max(oldPhys, remotePhys, phys)
	var newLogical int64
	switch {
	case newPhys == oldPhys && newPhys == remotePhys:
		newLogical = max(oldLogical, remoteLogical) + 1
	case newPhys == oldPhys:
		newLogical = oldLogical + 1
	case newPhys == remotePhys:
		newLogical = remoteLogical + 1
	}
	if newLogical > logicalMask {
		newPhys++
		newLogical = 0
	}
	c.latest = (newPhys << 16) | newLogical
}

// Physical returns the physical part of a timestamp in Unix milliseconds.
func Physical(ts int64) int64 {
	return ts >> 16
}

// Compare returns 1 if a > b, -1 if a < b, and 0 if equal.
func Compare(a, b int64) int {
	if a > b {
		return 1
	}
	if a < b {
		return -1
	}
	return 0
}
