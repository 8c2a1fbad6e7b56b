package conn

import (
	"errors"
	"sync"
	"time"

	"execbridge/internal/protocol"
)

var ErrRequestTimeout = errors.New("request timed out")

// Pending is a table of outstanding correlated requests keyed by request
// id. Each entry holds a one-shot completion channel and is torn down on
// timeout regardless of whether a late reply eventually arrives.
type Pending struct {
	mu      sync.Mutex
	entries map[string]chan protocol.Message
}

// NewPending creates an empty request table.
func NewPending() *Pending {
	return &Pending{entries: make(map[string]chan protocol.Message)}
}

// Register adds an entry for requestID before the request is sent, so a
// fast reply cannot race the caller. The returned wait blocks until the
// reply arrives or the timeout elapses.
func (p *Pending) Register(requestID string) (wait func(timeout time.Duration) (protocol.Message, error)) {
	ch := make(chan protocol.Message, 1)

	p.mu.Lock()
	p.entries[requestID] = ch
	p.mu.Unlock()

	return func(timeout time.Duration) (protocol.Message, error) {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case msg := <-ch:
			return msg, nil
		case <-timer.C:
			p.Cancel(requestID)
			// A reply may have been resolved between timer fire and Cancel.
			select {
			case msg := <-ch:
				return msg, nil
			default:
			}
			return protocol.Message{}, ErrRequestTimeout
		}
	}
}

// Cancel tears down the entry for requestID, typically when the request
// could not be sent.
func (p *Pending) Cancel(requestID string) {
	p.mu.Lock()
	delete(p.entries, requestID)
	p.mu.Unlock()
}

// Resolve completes the entry for msg.RequestID. Returns false when no
// entry is waiting (late reply after timeout); the caller drops the message.
func (p *Pending) Resolve(msg protocol.Message) bool {
	if msg.RequestID == "" {
		return false
	}

	p.mu.Lock()
	ch, ok := p.entries[msg.RequestID]
	if ok {
		delete(p.entries, msg.RequestID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}

// Outstanding returns the number of waiting entries.
func (p *Pending) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
