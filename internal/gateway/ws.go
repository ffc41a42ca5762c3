package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// wsChannel adapts a coder/websocket connection to the Channel interface,
// framing every message as a UTF-8 text frame per the wire protocol.
type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) ReadFrame(ctx context.Context) (string, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	if typ != websocket.MessageText {
		return "", ErrProtocolViolation
	}
	return string(data), nil
}

func (c *wsChannel) WriteFrame(ctx context.Context, raw string) error {
	return c.conn.Write(ctx, websocket.MessageText, []byte(raw))
}

func (c *wsChannel) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// wsHandler accepts the manager-side WebSocket connection for a gateway
// (§6) and drives its Connector for the lifetime of the socket.
type wsHandler struct {
	module *Module
}

func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

func (h *wsHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	realm := pathParam(r, "realm")
	if realm == "" {
		http.Error(w, "realm is required", http.StatusBadRequest)
		return
	}

	authz := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authz, "Bearer ")
	if token == "" || token == authz {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	clientID, tokenRealm, err := h.module.credentials.ValidateToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if tokenRealm != realm {
		http.Error(w, "token realm mismatch", http.StatusForbidden)
		return
	}

	gatewayAsset, err := h.module.gatewayStore.FindByClientID(r.Context(), realm, clientID)
	if err != nil {
		http.Error(w, "unknown gateway client", http.StatusUnauthorized)
		return
	}
	gatewayID := gatewayAsset.ID

	conn, err := h.module.connectors.GetOrCreate(gatewayID, func() *Connector {
		return NewConnector(gatewayID, realm, h.module.cfg, h.module.logger, h.module.bus, h.module.reconciler, h.module.mapper)
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if conn.State() == StateDisabled {
		http.Error(w, "gateway is disabled", http.StatusForbidden)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.module.logger.Error("gateway websocket accept failed", zap.Error(err))
		return
	}

	ch := &wsChannel{conn: wsConn}
	if err := conn.Run(r.Context(), ch); err != nil {
		h.module.logger.Info("gateway connector session ended",
			zap.String("gateway_id", gatewayID), zap.Error(err))
	}
}

// tokenRequest is the OAuth2 client-credentials grant body a gateway posts
// to exchange its clientId/clientSecret for a bearer token.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (h *wsHandler) handleToken(w http.ResponseWriter, r *http.Request) {
	realm := pathParam(r, "realm")
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGatewayError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.GrantType != "client_credentials" {
		writeGatewayError(w, http.StatusBadRequest, "unsupported grant_type")
		return
	}

	stored, err := h.module.gatewayStore.FindByClientID(r.Context(), realm, req.ClientID)
	if err != nil {
		writeGatewayError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}
	if !VerifyClientSecret(req.ClientSecret, ClientSecret(stored)) {
		writeGatewayError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}

	token, err := h.module.credentials.IssueToken(req.ClientID, realm)
	if err != nil {
		writeGatewayError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeGatewayJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(h.module.cfg.TokenTTL / time.Second),
	})
}
