package channel

import (
	"encoding/json"
	"math/rand"
	"sync"
)

// Loopback is an in-process broadcast channel. Sends are queued and delivered
// on Flush, which lets tests control interleaving and model the duplicate
// delivery of an at-least-once channel.
type Loopback struct {
	mu       sync.Mutex
	queue    [][]byte
	handlers []func([]byte)

	// Duplicate delivers every flushed message twice.
	Duplicate bool
}

func NewLoopback() *Loopback {
	return &Loopback{}
}

// Endpoint is one participant's attachment to a Loopback.
type Endpoint struct {
	lb *Loopback
}

// Join attaches a handler that receives every broadcast message, echoes
// included.
func (lb *Loopback) Join(h func([]byte)) *Endpoint {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.handlers = append(lb.handlers, h)
	return &Endpoint{lb: lb}
}

func (e *Endpoint) Send(msg interface{}) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	e.lb.mu.Lock()
	defer e.lb.mu.Unlock()
	e.lb.queue = append(e.lb.queue, buf)
	return nil
}

// Pending reports the number of queued, undelivered messages.
func (lb *Loopback) Pending() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.queue)
}

// Flush delivers queued messages to every endpoint in send order. Messages
// queued by handlers during delivery wait for the next Flush.
func (lb *Loopback) Flush() {
	lb.deliver(nil)
}

// FlushShuffled delivers queued messages in a random order. Every endpoint
// still observes the same order.
func (lb *Loopback) FlushShuffled(rng *rand.Rand) {
	lb.deliver(rng)
}

// FlushEachOrder delivers the queued messages in an independently shuffled
// order per endpoint, modeling a channel that reorders in flight: two
// participants may observe the same broadcasts in different orders.
func (lb *Loopback) FlushEachOrder(rng *rand.Rand) {
	queue, handlers, dup := lb.take()
	for _, h := range handlers {
		for _, i := range rng.Perm(len(queue)) {
			h(queue[i])
			if dup {
				h(queue[i])
			}
		}
	}
}

func (lb *Loopback) take() ([][]byte, []func([]byte), bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	queue := lb.queue
	lb.queue = nil
	handlers := make([]func([]byte), len(lb.handlers))
	copy(handlers, lb.handlers)
	return queue, handlers, lb.Duplicate
}

func (lb *Loopback) deliver(rng *rand.Rand) {
	queue, handlers, dup := lb.take()
	if rng != nil {
		rng.Shuffle(len(queue), func(i, j int) { queue[i], queue[j] = queue[j], queue[i] })
	}
	for _, buf := range queue {
		n := 1
		if dup {
			n = 2
		}
		for ; n > 0; n-- {
			for _, h := range handlers {
				h(buf)
			}
		}
	}
}
