package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/correlator"
	"github.com/relaymesh/relaymesh/internal/gwproto"
	"github.com/relaymesh/relaymesh/internal/idmap"
	"github.com/relaymesh/relaymesh/pkg/assets"
	"github.com/relaymesh/relaymesh/pkg/plugin"
	"go.uber.org/zap"
)

// Channel is the abstracted bidirectional text-frame transport a Connector
// drives. Realized by a WebSocket connection in ws.go; a fake in tests.
type Channel interface {
	ReadFrame(ctx context.Context) (string, error)
	WriteFrame(ctx context.Context, raw string) error
	Close(reason string) error
}

// channelSender adapts a Channel to correlator.Sender by framing outbound
// envelopes as REQUEST-RESPONSE: frames.
type channelSender struct {
	ch Channel
}

func (s *channelSender) SendEnvelope(ctx context.Context, env gwproto.Envelope) error {
	frame, err := gwproto.EncodeRequestResponse(env)
	if err != nil {
		return err
	}
	return s.ch.WriteFrame(ctx, frame)
}

// Connector is the per-gateway state machine on the manager (§4.4).
type Connector struct {
	gatewayID  string
	realm      string
	cfg        Config
	logger     *zap.Logger
	bus        plugin.EventBus
	reconciler *Reconciler
	mapper     *idmap.Mapper

	mu         sync.Mutex
	state      State
	channel    Channel
	corr       *correlator.Correlator
	lastSyncAt time.Time
}

// NewConnector creates a Connector in the DISCONNECTED state.
func NewConnector(gatewayID, realm string, cfg Config, logger *zap.Logger, bus plugin.EventBus, reconciler *Reconciler, mapper *idmap.Mapper) *Connector {
	return &Connector{
		gatewayID:  gatewayID,
		realm:      realm,
		cfg:        cfg,
		logger:     logger.Named("connector").With(zap.String("gateway_id", gatewayID)),
		bus:        bus,
		reconciler: reconciler,
		mapper:     mapper,
		state:      StateDisconnected,
	}
}

// State returns the connector's current lifecycle state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status reports the connector's health for the admin status endpoint.
func (c *Connector) Status() StatusView {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := 0
	if c.corr != nil {
		pending = c.corr.Pending()
	}
	return StatusView{
		GatewayID:       c.gatewayID,
		State:           c.state,
		LastSyncAt:      c.lastSyncAt,
		PendingRequests: pending,
	}
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.bus != nil {
		c.bus.PublishAsync(context.Background(), plugin.Event{
			Topic:     TopicConnectorStateChanged,
			Source:    "gateway",
			Timestamp: time.Now(),
			Payload:   StatusView{GatewayID: c.gatewayID, State: s},
		})
	}
}

// Run drives one connection lifetime: handshake, batched inventory sync,
// then steady-state event forwarding until the channel drops or ctx is
// canceled. Callers reinvoke Run on every reconnect.
func (c *Connector) Run(ctx context.Context, ch Channel) error {
	c.setState(StateConnecting)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	corr := correlator.New(&channelSender{ch: ch})
	c.mu.Lock()
	c.channel = ch
	c.corr = corr
	c.mu.Unlock()

	inbound := make(chan gwproto.SharedEvent, c.cfg.PendingEventQueueSize)
	readErrCh := make(chan error, 1)
	go c.readLoop(ctx, ch, corr, inbound, readErrCh)

	if err := c.runSync(ctx, corr, inbound, readErrCh); err != nil {
		c.teardown(err)
		return err
	}

	c.mu.Lock()
	c.lastSyncAt = time.Now()
	c.mu.Unlock()
	c.setState(StateConnected)
	if c.bus != nil {
		c.bus.PublishAsync(ctx, plugin.Event{Topic: TopicSyncCompleted, Source: "gateway", Timestamp: time.Now(), Payload: c.gatewayID})
	}

	for {
		select {
		case <-ctx.Done():
			c.teardown(ctx.Err())
			return ctx.Err()
		case err := <-readErrCh:
			c.teardown(err)
			return err
		case ev := <-inbound:
			c.handleSteadyStateEvent(ctx, ev)
		}
	}
}

func (c *Connector) teardown(err error) {
	violation := errors.Is(err, ErrProtocolViolation)
	c.mu.Lock()
	switch {
	case c.state == StateDisabled:
	case violation:
		c.state = StateError
	default:
		c.state = StateConnecting
	}
	ch := c.channel
	corr := c.corr
	c.channel = nil
	c.corr = nil
	c.mu.Unlock()

	if violation && ch != nil {
		_ = ch.Close("protocol violation")
	}
	if corr != nil {
		corr.CloseAll()
	}
	c.logger.Info("gateway connector disconnected", zap.Error(err))
	if c.bus != nil {
		c.bus.PublishAsync(context.Background(), plugin.Event{
			Topic: TopicConnectorStateChanged, Source: "gateway", Timestamp: time.Now(),
			Payload: StatusView{GatewayID: c.gatewayID, State: c.State()},
		})
	}
}

// readLoop reads frames off ch until it errors or ctx is canceled. Request
// responses are resolved directly against corr; everything else (including
// a REQUEST-RESPONSE envelope that matches no pending request, e.g. a
// duplicate or late echo) is handed to the caller via events.
func (c *Connector) readLoop(ctx context.Context, ch Channel, corr *correlator.Correlator, events chan<- gwproto.SharedEvent, errCh chan<- error) {
	for {
		raw, err := ch.ReadFrame(ctx)
		if err != nil {
			errCh <- fmt.Errorf("%w: %v", ErrDisconnected, err)
			return
		}

		frame, err := gwproto.Decode(raw)
		if err != nil {
			if errors.Is(err, gwproto.ErrUnknownDiscriminator) {
				c.logger.Warn("dropping frame with unrecognized discriminator")
				continue
			}
			errCh <- fmt.Errorf("%w: %v", ErrProtocolViolation, err)
			return
		}

		if frame.IsRequestResponse {
			if corr.Resolve(frame.Envelope.MessageID, frame.Envelope.Event) {
				continue
			}
			select {
			case events <- frame.Envelope.Event:
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case events <- frame.Event:
		case <-ctx.Done():
			return
		}
	}
}

// runSync performs the handshake and batched inventory sync (§4.4). It
// interleaves batch responses with mid-sync mutation events arriving on
// inbound, per §4.4 step 5.
func (c *Connector) runSync(ctx context.Context, corr *correlator.Correlator, inbound <-chan gwproto.SharedEvent, readErrCh <-chan error) error {
	indexReq := gwproto.SharedEvent{
		EventType: gwproto.EventTypeReadAssets,
		ReadAssets: &assets.Query{
			Recursive: true,
			Select: assets.QuerySelect{
				ExcludeAttributes: true,
				ExcludePath:       true,
				ExcludeParentInfo: true,
			},
		},
	}
	resp, err := corr.SendWithID(ctx, gwproto.MsgIDAssetRead, indexReq, c.cfg.BatchReadTimeout)
	if err != nil {
		return classifyCorrelatorErr(err)
	}
	if resp.EventType != gwproto.EventTypeAssetsReply || resp.AssetsReply == nil {
		return ErrProtocolViolation
	}

	c.setState(StateSyncing)

	reported := make(map[string]assets.Asset, len(resp.AssetsReply.Assets))
	for _, a := range resp.AssetsReply.Assets {
		reported[a.ID] = a
	}

	mirroredLocalToMirror, err := c.reconciler.MirroredLocalIDs(ctx, c.gatewayID)
	if err != nil {
		return err
	}

	var toDeleteMirrorIDs []string
	for localID, mirrorID := range mirroredLocalToMirror {
		if _, stillReported := reported[localID]; !stillReported {
			toDeleteMirrorIDs = append(toDeleteMirrorIDs, mirrorID)
		}
	}
	if len(toDeleteMirrorIDs) > 0 {
		if err := c.reconciler.DeleteMirrorsChildrenFirst(ctx, c.gatewayID, toDeleteMirrorIDs); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(reported))
	for id := range reported {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	batchSize := c.cfg.SyncAssetBatchSize
	if batchSize <= 0 {
		batchSize = 20
	}

	type batchResult struct {
		assetsReturned []assets.Asset
		err            error
	}
	var batchCount int
	resultsCh := make(chan batchResult, (len(ids)/batchSize)+1)
	for i := 0; i < len(ids); i += batchSize {
		end := i + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batchIDs := append([]string(nil), ids[i:end]...)
		firstIndex := i
		batchCount++
		go func() {
			q := assets.Query{
				IDs:    batchIDs,
				Select: assets.QuerySelect{ExcludePath: true, ExcludeParentInfo: true},
			}
			ev := gwproto.SharedEvent{EventType: gwproto.EventTypeReadAssets, ReadAssets: &q}
			resp, err := corr.SendWithID(ctx, gwproto.BatchMessageID(firstIndex), ev, c.cfg.BatchReadTimeout)
			if err != nil {
				resultsCh <- batchResult{err: err}
				return
			}
			if resp.EventType != gwproto.EventTypeAssetsReply || resp.AssetsReply == nil {
				resultsCh <- batchResult{err: ErrProtocolViolation}
				return
			}
			resultsCh <- batchResult{assetsReturned: resp.AssetsReply.Assets}
		}()
	}

	materialized := make(map[string]bool)
	deferred := make(map[string]assets.Asset)
	pendingDeletes := make(map[string]bool)

	remaining := batchCount
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrCh:
			return err
		case res := <-resultsCh:
			remaining--
			if res.err != nil {
				return fmt.Errorf("gateway: batch fetch: %w", classifyCorrelatorErr(res.err))
			}
			for _, a := range res.assetsReturned {
				if pendingDeletes[a.ID] {
					delete(pendingDeletes, a.ID)
					continue
				}
				c.applyOrDefer(ctx, a, materialized, deferred)
			}
		case ev := <-inbound:
			c.applyMidSyncEvent(ctx, ev, reported, materialized, deferred, pendingDeletes)
		}
	}

	for progress := true; progress && len(deferred) > 0; {
		progress = false
		for localID, a := range deferred {
			if a.ParentID == "" || materialized[a.ParentID] {
				if err := c.materialize(ctx, a); err != nil {
					return err
				}
				materialized[localID] = true
				delete(deferred, localID)
				progress = true
			}
		}
	}
	for localID := range deferred {
		c.logger.Warn("asset never resolved a materialized parent during sync", zap.String("local_id", localID))
	}

	return nil
}

func (c *Connector) applyOrDefer(ctx context.Context, a assets.Asset, materialized map[string]bool, deferred map[string]assets.Asset) {
	if a.ParentID == "" || materialized[a.ParentID] {
		if err := c.materialize(ctx, a); err != nil {
			c.logger.Warn("failed to materialize asset during sync", zap.String("local_id", a.ID), zap.Error(err))
			return
		}
		materialized[a.ID] = true
		return
	}
	deferred[a.ID] = a
}

func (c *Connector) materialize(ctx context.Context, a assets.Asset) error {
	_, _, err := c.reconciler.UpsertMirror(ctx, c.gatewayID, c.realm, a)
	return err
}

func (c *Connector) applyMidSyncEvent(ctx context.Context, ev gwproto.SharedEvent, reported map[string]assets.Asset, materialized map[string]bool, deferred map[string]assets.Asset, pendingDeletes map[string]bool) {
	switch ev.EventType {
	case gwproto.EventTypeAttribute:
		if ev.Attribute != nil {
			c.applyInboundAttribute(ctx, *ev.Attribute)
		}
	case gwproto.EventTypeAsset:
		if ev.Asset == nil {
			return
		}
		localID := ev.Asset.Asset.ID
		switch ev.Asset.Cause {
		case assets.CauseCreate, assets.CauseUpdate:
			reported[localID] = ev.Asset.Asset
			delete(pendingDeletes, localID)
			c.applyOrDefer(ctx, ev.Asset.Asset, materialized, deferred)
		case assets.CauseDelete:
			if materialized[localID] {
				mirrorID := c.mapper.MapID(c.gatewayID, localID)
				if err := c.reconciler.DeleteMirror(ctx, c.gatewayID, mirrorID); err != nil {
					c.logger.Warn("failed to delete mid-sync mirror", zap.String("local_id", localID), zap.Error(err))
				}
				delete(materialized, localID)
			} else {
				pendingDeletes[localID] = true
				delete(deferred, localID)
			}
		}
	case gwproto.EventTypeGatewayDisconnect:
		c.logger.Warn("unexpected gateway-disconnect event received from gateway during sync")
	}
}

func (c *Connector) handleSteadyStateEvent(ctx context.Context, ev gwproto.SharedEvent) {
	switch ev.EventType {
	case gwproto.EventTypeAttribute:
		if ev.Attribute != nil {
			c.applyInboundAttribute(ctx, *ev.Attribute)
		}
	case gwproto.EventTypeAsset:
		if ev.Asset != nil {
			c.applyInboundAssetEvent(ctx, *ev.Asset)
		}
	case gwproto.EventTypeGatewayDisconnect:
		c.logger.Info("gateway requested disconnect", zap.String("reason", disconnectReason(ev)))
	}
}

func disconnectReason(ev gwproto.SharedEvent) string {
	if ev.Disconnect == nil {
		return ""
	}
	return ev.Disconnect.Reason
}

func (c *Connector) applyInboundAttribute(ctx context.Context, ae assets.AttributeEvent) {
	mirrorID := c.mapper.MapID(c.gatewayID, ae.Ref.AssetID)
	attr := assets.Attribute{
		Name:      ae.Ref.AttributeName,
		Value:     ae.Value,
		Timestamp: ae.Timestamp,
	}
	if err := c.reconciler.store.UpdateAttribute(ctx, mirrorID, attr); err != nil {
		c.logger.Warn("failed to apply inbound attribute event", zap.String("mirror_id", mirrorID), zap.Error(err))
		return
	}
	if c.bus != nil {
		rewritten := ae
		rewritten.Ref.AssetID = mirrorID
		rewritten.Source = assets.SourceGateway
		rewritten.Realm = c.realm
		c.bus.PublishAsync(ctx, plugin.Event{
			Topic: "asset.attribute.changed", Source: "gateway", Timestamp: time.Now(), Payload: rewritten,
		})
	}
}

func (c *Connector) applyInboundAssetEvent(ctx context.Context, ae assets.AssetEvent) {
	switch ae.Cause {
	case assets.CauseCreate:
		_, created, err := c.reconciler.UpsertMirror(ctx, c.gatewayID, c.realm, ae.Asset)
		if err != nil {
			c.logger.Warn("failed to apply inbound create", zap.Error(err))
			return
		}
		if !created {
			c.logger.Debug("CREATE for existing mirror treated as UPDATE", zap.String("local_id", ae.Asset.ID))
		}
	case assets.CauseUpdate:
		_, created, err := c.reconciler.UpsertMirror(ctx, c.gatewayID, c.realm, ae.Asset)
		if err != nil {
			c.logger.Warn("failed to apply inbound update", zap.Error(err))
			return
		}
		if created {
			c.logger.Warn("UPDATE for missing mirror treated as CREATE", zap.String("local_id", ae.Asset.ID))
		}
	case assets.CauseDelete:
		mirrorID := c.mapper.MapID(c.gatewayID, ae.Asset.ID)
		if err := c.reconciler.DeleteMirror(ctx, c.gatewayID, mirrorID); err != nil {
			c.logger.Debug("delete for absent mirror is a no-op", zap.String("local_id", ae.Asset.ID), zap.Error(err))
		}
	}
}

// ForwardAttributeWrite sends a local write targeting a mirrored attribute
// to the gateway (§4.4 steady state). It does not apply the value locally;
// the mirror only updates once the gateway echoes the resulting event.
func (c *Connector) ForwardAttributeWrite(ctx context.Context, mirrorAssetID, attrName string, value any) error {
	c.mu.Lock()
	state, ch := c.state, c.channel
	c.mu.Unlock()
	if state != StateConnected || ch == nil {
		return ErrGatewayNotConnected
	}

	localID, err := c.mapper.UnmapID(ctx, c.gatewayID, mirrorAssetID)
	if err != nil {
		return fmt.Errorf("gateway: forward attribute write: %w", err)
	}

	ev := gwproto.SharedEvent{
		EventType: gwproto.EventTypeAttribute,
		Attribute: &assets.AttributeEvent{
			Ref:       assets.AttributeRef{AssetID: localID, AttributeName: attrName},
			Value:     value,
			Timestamp: time.Now(),
			Source:    assets.SourceClient,
		},
	}
	frame, err := gwproto.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return ch.WriteFrame(ctx, frame)
}

// ForwardAssetMutation forwards a local create/update/delete targeting a
// mirrored asset, blocking until the gateway confirms, then applies the
// gateway's echoed AssetEvent to the mirror (§4.4 steady state).
func (c *Connector) ForwardAssetMutation(ctx context.Context, cause assets.Cause, mirrorAsset assets.Asset) (assets.AssetEvent, error) {
	c.mu.Lock()
	state, corr := c.state, c.corr
	c.mu.Unlock()
	if state != StateConnected || corr == nil {
		return assets.AssetEvent{}, ErrGatewayNotConnected
	}

	local := mirrorAsset
	switch cause {
	case assets.CauseCreate:
		local.ID = assets.NewID()
		if mirrorAsset.ParentID != "" && mirrorAsset.ParentID != c.gatewayID {
			parentLocalID, err := c.mapper.UnmapID(ctx, c.gatewayID, mirrorAsset.ParentID)
			if err != nil {
				return assets.AssetEvent{}, fmt.Errorf("gateway: forward create: %w", err)
			}
			local.ParentID = parentLocalID
		} else {
			local.ParentID = ""
		}
	case assets.CauseUpdate, assets.CauseDelete:
		localID, err := c.mapper.UnmapID(ctx, c.gatewayID, mirrorAsset.ID)
		if err != nil {
			return assets.AssetEvent{}, fmt.Errorf("gateway: forward %s: %w", cause, err)
		}
		local.ID = localID
	}

	req := gwproto.SharedEvent{EventType: gwproto.EventTypeAsset, Asset: &assets.AssetEvent{Cause: cause, Asset: local}}
	resp, err := corr.Send(ctx, req, c.cfg.WriteForwardTimeout)
	if err != nil {
		return assets.AssetEvent{}, classifyCorrelatorErr(err)
	}
	if resp.EventType != gwproto.EventTypeAsset || resp.Asset == nil {
		return assets.AssetEvent{}, ErrProtocolViolation
	}

	if resp.Asset.Cause == assets.CauseDelete {
		mirrorID := c.mapper.MapID(c.gatewayID, resp.Asset.Asset.ID)
		if err := c.reconciler.DeleteMirror(ctx, c.gatewayID, mirrorID); err != nil {
			return assets.AssetEvent{}, err
		}
	} else if _, _, err := c.reconciler.UpsertMirror(ctx, c.gatewayID, c.realm, resp.Asset.Asset); err != nil {
		return assets.AssetEvent{}, err
	}

	return *resp.Asset, nil
}

// Disable sends a gateway-disconnect event, closes the channel, and marks
// the connector DISABLED, refusing reconnects until re-enabled.
func (c *Connector) Disable(ctx context.Context) {
	c.mu.Lock()
	ch := c.channel
	c.state = StateDisabled
	c.mu.Unlock()

	if ch != nil {
		ev := gwproto.SharedEvent{EventType: gwproto.EventTypeGatewayDisconnect, Disconnect: &gwproto.DisconnectPayload{Reason: "disabled"}}
		if frame, err := gwproto.EncodeEvent(ev); err == nil {
			_ = ch.WriteFrame(ctx, frame)
		}
		_ = ch.Close("disabled")
	}
}

// Enable clears the DISABLED state so the next incoming connection is
// accepted and Run is allowed to proceed.
func (c *Connector) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisabled {
		c.state = StateDisconnected
	}
}

func classifyCorrelatorErr(err error) error {
	if errors.Is(err, correlator.ErrTimeout) {
		return ErrTimeout
	}
	if errors.Is(err, correlator.ErrDisconnected) {
		return ErrDisconnected
	}
	return err
}
