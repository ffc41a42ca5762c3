// Package correlator pairs outbound request envelopes with their inbound
// responses by message id, and surfaces timeouts as errors.
package correlator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/gwproto"
)

// ErrDisconnected is returned to every pending future when the owning
// channel is torn down.
var ErrDisconnected = errors.New("correlator: disconnected")

// ErrTimeout is returned when a request's deadline elapses before a
// matching response arrives.
var ErrTimeout = errors.New("correlator: timeout")

// Sender writes a framed REQUEST-RESPONSE envelope to the wire. Defined
// consumer-side (correlator calls it) rather than importing the transport.
type Sender interface {
	SendEnvelope(ctx context.Context, env gwproto.Envelope) error
}

type pending struct {
	resultCh chan result
	timer    *time.Timer
}

type result struct {
	event gwproto.SharedEvent
	err   error
}

// Correlator maintains the messageId -> pending-request map for one
// connector. Not safe for use after Close.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
	sender  Sender
}

// New creates a Correlator that writes requests through sender.
func New(sender Sender) *Correlator {
	return &Correlator{
		pending: make(map[string]*pending),
		sender:  sender,
	}
}

// Send assigns a fresh message id, writes the request, and blocks until a
// matching response arrives, ctx is canceled, or timeout elapses.
func (c *Correlator) Send(ctx context.Context, event gwproto.SharedEvent, timeout time.Duration) (gwproto.SharedEvent, error) {
	id, err := newMessageID()
	if err != nil {
		return gwproto.SharedEvent{}, err
	}
	return c.SendWithID(ctx, id, event, timeout)
}

// SendWithID is like Send but uses a caller-supplied message id. Used for
// the reserved GATEWAY-ASSET-READ[-n] ids that the sync protocol issues
// directly rather than through the normal id generator.
func (c *Correlator) SendWithID(ctx context.Context, messageID string, event gwproto.SharedEvent, timeout time.Duration) (gwproto.SharedEvent, error) {
	p := &pending{resultCh: make(chan result, 1)}

	c.mu.Lock()
	c.pending[messageID] = p
	c.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		c.resolve(messageID, result{err: ErrTimeout})
	})

	env := gwproto.Envelope{MessageID: messageID, Event: event}
	if err := c.sender.SendEnvelope(ctx, env); err != nil {
		c.cancel(messageID)
		return gwproto.SharedEvent{}, fmt.Errorf("correlator: send: %w", err)
	}

	select {
	case r := <-p.resultCh:
		return r.event, r.err
	case <-ctx.Done():
		c.cancel(messageID)
		return gwproto.SharedEvent{}, ctx.Err()
	}
}

// Resolve delivers an inbound response to its matching pending request.
// Returns false if no pending request matches messageID (e.g. it already
// timed out, or the id is unrecognized) so the caller can log it.
func (c *Correlator) Resolve(messageID string, event gwproto.SharedEvent) bool {
	return c.resolve(messageID, result{event: event})
}

func (c *Correlator) resolve(messageID string, r result) bool {
	c.mu.Lock()
	p, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.timer.Stop()
	p.resultCh <- r
	return true
}

func (c *Correlator) cancel(messageID string) {
	c.mu.Lock()
	p, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
	}
	c.mu.Unlock()
	if ok {
		p.timer.Stop()
	}
}

// CloseAll fails every pending request with ErrDisconnected. Called when
// the underlying channel drops.
func (c *Correlator) CloseAll() {
	c.mu.Lock()
	toFail := make([]*pending, 0, len(c.pending))
	for id, p := range c.pending {
		toFail = append(toFail, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, p := range toFail {
		p.timer.Stop()
		p.resultCh <- result{err: ErrDisconnected}
	}
}

// Pending returns the number of in-flight requests, used for status
// reporting (GET /gateway/{realm}/gateways/{id}/status).
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func newMessageID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("correlator: generate message id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
