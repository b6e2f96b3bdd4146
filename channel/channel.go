// Package channel provides broadcast-channel adapters. The engine assumes an
// unordered, at-least-once channel keyed by document id that echoes every
// message back to its sender; adapters here provide that over an in-process
// loopback, a websocket relay, or Redis pub/sub.
package channel

// Sender broadcasts one wire message to all participants of a document,
// including the sender itself.
type Sender interface {
	Send(msg interface{}) error
}

// Channel is a bidirectional broadcast endpoint. Inbox is closed when the
// channel shuts down.
type Channel interface {
	Sender
	Inbox() <-chan []byte
	Close() error
}
