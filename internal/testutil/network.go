package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/retract/internal/ir"
)

// CaptureSender records every envelope handed to it instead of sending it.
//
// Thread-safety: CaptureSender is safe for concurrent use.
type CaptureSender struct {
	mu   sync.Mutex
	sent []ir.Envelope
	err  error
}

// NewCaptureSender creates an empty capture.
func NewCaptureSender() *CaptureSender {
	return &CaptureSender{}
}

// Send records env. It returns the error set by FailWith, after recording.
func (c *CaptureSender) Send(ctx context.Context, env ir.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return c.err
}

// FailWith makes every later Send return err. Pass nil to succeed again.
func (c *CaptureSender) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Sent returns a copy of every envelope recorded so far, in send order.
func (c *CaptureSender) Sent() []ir.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

// Take returns the recorded envelopes and clears the capture.
func (c *CaptureSender) Take() []ir.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

// Matching returns the recorded envelopes with the given reason.
func (c *CaptureSender) Matching(reason string) []ir.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ir.Envelope
	for _, env := range c.sent {
		if env.Reason == reason {
			out = append(out, env)
		}
	}
	return out
}

// Len returns the number of recorded envelopes.
func (c *CaptureSender) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}
