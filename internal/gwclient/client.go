// Package gwclient implements the gateway side of the synchronization
// channel (§4.5): it dials out to a manager, authenticates with client
// credentials, answers inventory reads, applies write-through requests,
// and pushes local attribute/asset changes as they occur.
package gwclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/relaymesh/relaymesh/internal/gwproto"
	"github.com/relaymesh/relaymesh/pkg/assets"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DataSource is the local inventory a Client serves to its manager. Both
// assetstore.Store (via StoreDataSource) and the simulator implement it.
type DataSource interface {
	Query(ctx context.Context, q assets.Query) ([]assets.Asset, error)
	Get(ctx context.Context, id string) (assets.Asset, error)
	ApplyCreate(ctx context.Context, a assets.Asset) (assets.Asset, error)
	ApplyUpdate(ctx context.Context, a assets.Asset) (assets.Asset, error)
	ApplyDelete(ctx context.Context, id string) error
	ApplyAttribute(ctx context.Context, ae assets.AttributeEvent) error

	// Changes streams locally originated mutations to push upstream.
	// A DataSource with nothing to push (e.g. a bare store adapter with no
	// local actuators) may return a nil channel; Client treats that as
	// "never fires" rather than an error.
	Changes() <-chan gwproto.SharedEvent
}

// Client is one gateway-to-manager connection.
type Client struct {
	cfg     Config
	source  DataSource
	logger  *zap.Logger
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Client over source, dialing cfg.ManagerURL.
func NewClient(cfg Config, source DataSource, logger *zap.Logger) *Client {
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = DefaultConfig().MinBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	if cfg.Insecure {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{
		cfg:     cfg,
		source:  source,
		logger:  logger.Named("gwclient"),
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(cfg.MinBackoff), 1),
	}
}

// Run connects and serves until ctx is canceled, reconnecting with
// exponential backoff (2s doubling to a 60s ceiling by default) on every
// drop.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("gateway connection lost, retrying",
			zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(math.Min(float64(backoff*2), float64(c.cfg.MaxBackoff)))
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	token, err := c.fetchToken(ctx)
	if err != nil {
		return fmt.Errorf("gwclient: token: %w", err)
	}

	wsURL := c.cfg.ManagerURL + "/" + c.cfg.Realm + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		return fmt.Errorf("gwclient: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	c.logger.Info("connected to manager", zap.String("manager_url", c.cfg.ManagerURL))

	changes := c.source.Changes()
	errCh := make(chan error, 1)
	go c.readLoop(ctx, conn, errCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case ev, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			frame, err := gwproto.EncodeEvent(ev)
			if err != nil {
				c.logger.Warn("failed to encode outbound event", zap.Error(err))
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return fmt.Errorf("gwclient: write: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		frame, err := gwproto.Decode(string(data))
		if err != nil {
			c.logger.Warn("dropping malformed frame from manager", zap.Error(err))
			continue
		}
		if !frame.IsRequestResponse {
			c.handleEvent(ctx, conn, frame.Event)
			continue
		}
		resp := c.handleRequest(ctx, frame.Envelope.Event)
		env := gwproto.Envelope{MessageID: frame.Envelope.MessageID, Event: resp}
		out, err := gwproto.EncodeRequestResponse(env)
		if err != nil {
			c.logger.Warn("failed to encode response", zap.Error(err))
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, []byte(out)); err != nil {
			errCh <- err
			return
		}
	}
}

// handleEvent processes a fire-and-forget frame from the manager: only a
// gateway-disconnect is expected inbound.
func (c *Client) handleEvent(_ context.Context, _ *websocket.Conn, ev gwproto.SharedEvent) {
	if ev.EventType == gwproto.EventTypeGatewayDisconnect {
		reason := ""
		if ev.Disconnect != nil {
			reason = ev.Disconnect.Reason
		}
		c.logger.Info("manager requested disconnect", zap.String("reason", reason))
	}
}

// handleRequest answers a REQUEST-RESPONSE frame from the manager: either
// an inventory read (the handshake index, or a materialization batch) or a
// write-through (local create/update/delete).
func (c *Client) handleRequest(ctx context.Context, req gwproto.SharedEvent) gwproto.SharedEvent {
	switch req.EventType {
	case gwproto.EventTypeReadAssets:
		q := assets.Query{}
		if req.ReadAssets != nil {
			q = *req.ReadAssets
		}
		result, err := c.source.Query(ctx, q)
		if err != nil {
			c.logger.Warn("local query failed", zap.Error(err))
			result = nil
		}
		return gwproto.SharedEvent{
			EventType:   gwproto.EventTypeAssetsReply,
			AssetsReply: &gwproto.AssetsReplyPayload{Assets: result},
		}
	case gwproto.EventTypeAsset:
		if req.Asset == nil {
			return gwproto.SharedEvent{EventType: gwproto.EventTypeAsset, Asset: &assets.AssetEvent{}}
		}
		return gwproto.SharedEvent{EventType: gwproto.EventTypeAsset, Asset: c.applyAssetRequest(ctx, *req.Asset)}
	case gwproto.EventTypeAttribute:
		if req.Attribute != nil {
			if err := c.source.ApplyAttribute(ctx, *req.Attribute); err != nil {
				c.logger.Warn("failed to apply local attribute write", zap.Error(err))
			}
		}
		return req
	default:
		return req
	}
}

func (c *Client) applyAssetRequest(ctx context.Context, ae assets.AssetEvent) *assets.AssetEvent {
	switch ae.Cause {
	case assets.CauseCreate:
		created, err := c.source.ApplyCreate(ctx, ae.Asset)
		if err != nil {
			c.logger.Warn("failed to apply local create", zap.Error(err))
			return &ae
		}
		return &assets.AssetEvent{Cause: assets.CauseCreate, Asset: created}
	case assets.CauseUpdate:
		updated, err := c.source.ApplyUpdate(ctx, ae.Asset)
		if err != nil {
			c.logger.Warn("failed to apply local update", zap.Error(err))
			return &ae
		}
		return &assets.AssetEvent{Cause: assets.CauseUpdate, Asset: updated}
	case assets.CauseDelete:
		if err := c.source.ApplyDelete(ctx, ae.Asset.ID); err != nil {
			c.logger.Warn("failed to apply local delete", zap.Error(err))
		}
		return &ae
	default:
		return &ae
	}
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.ManagerURL+"/"+c.cfg.Realm+"/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	var tr struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}
	return tr.AccessToken, nil
}
