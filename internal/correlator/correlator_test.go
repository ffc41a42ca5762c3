package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/internal/gwproto"
)

// fakeSender records every envelope it's asked to send and optionally
// resolves it immediately, simulating an echoing wire.
type fakeSender struct {
	mu   sync.Mutex
	sent []gwproto.Envelope
	err  error
}

func (s *fakeSender) SendEnvelope(_ context.Context, env gwproto.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return s.err
}

func TestSend_ResolvedByMatchingResponse(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender)

	respEvent := gwproto.SharedEvent{EventType: gwproto.EventTypeAssetsReply}
	go func() {
		for {
			sender.mu.Lock()
			n := len(sender.sent)
			sender.mu.Unlock()
			if n > 0 {
				sender.mu.Lock()
				id := sender.sent[0].MessageID
				sender.mu.Unlock()
				c.Resolve(id, respEvent)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	got, err := c.Send(context.Background(), gwproto.SharedEvent{EventType: gwproto.EventTypeReadAssets}, time.Second)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.EventType != gwproto.EventTypeAssetsReply {
		t.Errorf("Send() = %+v, want assets-reply", got)
	}
}

func TestSendWithID_UsesGivenID(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender)

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.Resolve("GATEWAY-ASSET-READ-0", gwproto.SharedEvent{EventType: gwproto.EventTypeAssetsReply})
	}()

	_, err := c.SendWithID(context.Background(), "GATEWAY-ASSET-READ-0", gwproto.SharedEvent{}, time.Second)
	if err != nil {
		t.Fatalf("SendWithID() error = %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0].MessageID != "GATEWAY-ASSET-READ-0" {
		t.Errorf("sent envelopes = %+v, want single envelope with the reserved id", sender.sent)
	}
}

func TestSend_Timeout(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender)

	_, err := c.Send(context.Background(), gwproto.SharedEvent{}, 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Send() error = %v, want ErrTimeout", err)
	}
}

func TestSend_SenderError(t *testing.T) {
	wantErr := errors.New("write failed")
	sender := &fakeSender{err: wantErr}
	c := New(sender)

	_, err := c.Send(context.Background(), gwproto.SharedEvent{}, time.Second)
	if !errors.Is(err, wantErr) {
		t.Errorf("Send() error = %v, want wrapped %v", err, wantErr)
	}
}

func TestSend_ContextCanceled(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Send(ctx, gwproto.SharedEvent{}, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Send() error = %v, want context.Canceled", err)
	}
}

func TestResolve_UnknownID(t *testing.T) {
	c := New(&fakeSender{})
	if c.Resolve("no-such-id", gwproto.SharedEvent{}) {
		t.Error("Resolve() = true for an unknown message id, want false")
	}
}

func TestCloseAll_FailsPendingRequests(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), gwproto.SharedEvent{}, time.Minute)
		errCh <- err
	}()

	// Give Send time to register its pending entry.
	time.Sleep(20 * time.Millisecond)
	c.CloseAll()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Send() error = %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send() did not return after CloseAll()")
	}
}

func TestPending_Count(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender)

	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}

	done := make(chan struct{})
	go func() {
		_, _ = c.Send(context.Background(), gwproto.SharedEvent{}, time.Minute)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
	c.CloseAll()
	<-done
}
