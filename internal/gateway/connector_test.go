package gateway

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/internal/assetstore"
	"github.com/relaymesh/relaymesh/internal/gwproto"
	"github.com/relaymesh/relaymesh/internal/idmap"
	"github.com/relaymesh/relaymesh/pkg/assets"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// fakeChannel is an in-memory Channel driven directly by the test, standing
// in for a real WebSocket connection.
type fakeChannel struct {
	inbound  chan string
	outbound chan string

	mu     sync.Mutex
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbound:  make(chan string, 64),
		outbound: make(chan string, 64),
	}
}

func (f *fakeChannel) ReadFrame(ctx context.Context) (string, error) {
	select {
	case raw, ok := <-f.inbound:
		if !ok {
			return "", errors.New("fakeChannel: closed")
		}
		return raw, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeChannel) WriteFrame(ctx context.Context, raw string) error {
	select {
	case f.outbound <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeChannel) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) push(raw string) { f.inbound <- raw }

func (f *fakeChannel) nextWritten(t *testing.T) string {
	t.Helper()
	select {
	case raw := <-f.outbound:
		return raw
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return ""
	}
}

// respondTo decodes a REQUEST-RESPONSE frame off the wire and pushes back a
// response carrying reply under the same message id.
func (f *fakeChannel) respondTo(t *testing.T, raw string, reply gwproto.SharedEvent) {
	t.Helper()
	frame, err := gwproto.Decode(raw)
	if err != nil || !frame.IsRequestResponse {
		t.Fatalf("respondTo: expected a request-response frame, got %q (err=%v)", raw, err)
	}
	out, err := gwproto.EncodeRequestResponse(gwproto.Envelope{MessageID: frame.Envelope.MessageID, Event: reply})
	if err != nil {
		t.Fatalf("EncodeRequestResponse() error = %v", err)
	}
	f.push(out)
}

func testConnectorReconciler(t *testing.T) (*Reconciler, *idmap.Mapper, *assetstore.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	for _, m := range assetstore.Migrations() {
		tx, err := db.Begin()
		if err != nil {
			t.Fatalf("begin migration tx: %v", err)
		}
		if err := m.Up(tx); err != nil {
			t.Fatalf("run migration %d: %v", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit migration %d: %v", m.Version, err)
		}
	}
	if err := idmap.EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("idmap.EnsureSchema() error = %v", err)
	}
	mapper, err := idmap.New([]byte("test-secret-do-not-use-in-prod"), db)
	if err != nil {
		t.Fatalf("idmap.New() error = %v", err)
	}
	store := assetstore.New(db)
	return NewReconciler(store, mapper), mapper, store
}

func waitForState(t *testing.T, conn *Connector, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("connector did not reach state %s within the deadline, currently %s", want, conn.State())
}

func TestConnector_Run_HandshakeAndSync(t *testing.T) {
	r, mapper, store := testConnectorReconciler(t)
	ctx := context.Background()

	gatewayAsset := assets.Asset{ID: "gw-1", Type: assets.TypeGateway, Realm: "acme"}
	if err := store.Create(ctx, gatewayAsset); err != nil {
		t.Fatalf("Create(gatewayAsset) error = %v", err)
	}

	conn := NewConnector(gatewayAsset.ID, "acme", DefaultConfig(), zap.NewNop(), nil, r, mapper)
	ch := newFakeChannel()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(runCtx, ch) }()

	indexReq := ch.nextWritten(t)
	ch.respondTo(t, indexReq, gwproto.SharedEvent{
		EventType:   gwproto.EventTypeAssetsReply,
		AssetsReply: &gwproto.AssetsReplyPayload{Assets: []assets.Asset{{ID: "local-room", Version: 1}}},
	})

	batchReq := ch.nextWritten(t)
	ch.respondTo(t, batchReq, gwproto.SharedEvent{
		EventType: gwproto.EventTypeAssetsReply,
		AssetsReply: &gwproto.AssetsReplyPayload{
			Assets: []assets.Asset{{ID: "local-room", Name: "Room 1", Type: assets.TypeRoom, Version: 1}},
		},
	})

	waitForState(t, conn, StateConnected)

	mirrorID := mapper.MapID(gatewayAsset.ID, "local-room")
	mirror, err := store.Get(ctx, mirrorID)
	if err != nil {
		t.Fatalf("Get(mirror) error = %v", err)
	}
	if mirror.Name != "Room 1" {
		t.Errorf("mirror.Name = %q, want %q", mirror.Name, "Room 1")
	}
	if mirror.ParentID != gatewayAsset.ID {
		t.Errorf("mirror.ParentID = %q, want %q (root asset defaults to the gateway)", mirror.ParentID, gatewayAsset.ID)
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestConnector_Run_SteadyStateAttributeEvent(t *testing.T) {
	r, mapper, store := testConnectorReconciler(t)
	ctx := context.Background()

	gatewayAsset := assets.Asset{ID: "gw-1", Type: assets.TypeGateway, Realm: "acme"}
	if err := store.Create(ctx, gatewayAsset); err != nil {
		t.Fatalf("Create(gatewayAsset) error = %v", err)
	}
	mirrorID, _, err := r.UpsertMirror(ctx, gatewayAsset.ID, "acme", assets.Asset{ID: "local-room", Type: assets.TypeRoom, Realm: "acme"})
	if err != nil {
		t.Fatalf("UpsertMirror() error = %v", err)
	}

	conn := NewConnector(gatewayAsset.ID, "acme", DefaultConfig(), zap.NewNop(), nil, r, mapper)
	ch := newFakeChannel()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(runCtx, ch) }()

	indexReq := ch.nextWritten(t)
	ch.respondTo(t, indexReq, gwproto.SharedEvent{EventType: gwproto.EventTypeAssetsReply, AssetsReply: &gwproto.AssetsReplyPayload{}})
	waitForState(t, conn, StateConnected)

	ev := gwproto.SharedEvent{
		EventType: gwproto.EventTypeAttribute,
		Attribute: &assets.AttributeEvent{
			Ref:   assets.AttributeRef{AssetID: "local-room", AttributeName: "temperature"},
			Value: 21.5,
		},
	}
	frame, err := gwproto.EncodeEvent(ev)
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	ch.push(frame)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mirror, err := store.Get(ctx, mirrorID)
		if err != nil {
			t.Fatalf("Get(mirror) error = %v", err)
		}
		if v, ok := mirror.Attributes["temperature"]; ok {
			if got, _ := v.Value.(float64); got == 21.5 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("steady-state attribute event was never applied to the mirror")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-runErr
}

func TestConnector_Run_ProtocolViolation(t *testing.T) {
	r, mapper, store := testConnectorReconciler(t)
	ctx := context.Background()
	gatewayAsset := assets.Asset{ID: "gw-1", Type: assets.TypeGateway, Realm: "acme"}
	if err := store.Create(ctx, gatewayAsset); err != nil {
		t.Fatalf("Create(gatewayAsset) error = %v", err)
	}

	conn := NewConnector(gatewayAsset.ID, "acme", DefaultConfig(), zap.NewNop(), nil, r, mapper)
	ch := newFakeChannel()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(runCtx, ch) }()

	indexReq := ch.nextWritten(t)
	ch.respondTo(t, indexReq, gwproto.SharedEvent{EventType: gwproto.EventTypeAssetsReply, AssetsReply: &gwproto.AssetsReplyPayload{}})
	waitForState(t, conn, StateConnected)

	ch.push("EVENT:{not valid json")

	select {
	case err := <-runErr:
		if !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("Run() error = %v, want ErrProtocolViolation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after a malformed frame")
	}
}

func TestConnector_ForwardAttributeWrite_NotConnected(t *testing.T) {
	r, mapper, _ := testConnectorReconciler(t)
	conn := NewConnector("gw-1", "acme", DefaultConfig(), zap.NewNop(), nil, r, mapper)

	err := conn.ForwardAttributeWrite(context.Background(), "mirror-1", "temperature", 21.0)
	if !errors.Is(err, ErrGatewayNotConnected) {
		t.Errorf("ForwardAttributeWrite() error = %v, want ErrGatewayNotConnected", err)
	}
}

func TestConnector_EnableDisable(t *testing.T) {
	r, mapper, _ := testConnectorReconciler(t)
	conn := NewConnector("gw-1", "acme", DefaultConfig(), zap.NewNop(), nil, r, mapper)

	conn.Disable(context.Background())
	if got := conn.State(); got != StateDisabled {
		t.Errorf("State() after Disable() = %v, want StateDisabled", got)
	}

	conn.Enable()
	if got := conn.State(); got != StateDisconnected {
		t.Errorf("State() after Enable() = %v, want StateDisconnected", got)
	}
}

func TestConnector_Status_InitialState(t *testing.T) {
	r, mapper, _ := testConnectorReconciler(t)
	conn := NewConnector("gw-1", "acme", DefaultConfig(), zap.NewNop(), nil, r, mapper)

	status := conn.Status()
	if status.State != StateDisconnected {
		t.Errorf("Status().State = %v, want StateDisconnected", status.State)
	}
	if status.PendingRequests != 0 {
		t.Errorf("Status().PendingRequests = %d, want 0", status.PendingRequests)
	}
}
