package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/relaymesh/relaymesh/pkg/assets"
	"github.com/relaymesh/relaymesh/pkg/plugin"
)

func writeGatewayJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeGatewayError(w http.ResponseWriter, status int, message string) {
	writeGatewayJSON(w, status, map[string]string{"error": message})
}

func toGatewayView(a assets.Asset, status State) GatewayView {
	return GatewayView{
		ID:       a.ID,
		Name:     a.Name,
		Realm:    a.Realm,
		ClientID: ClientID(a),
		Status:   status,
		Disabled: status == StateDisabled,
	}
}

// handleCreateGateway handles POST /gateway/{realm}/gateways: mints fresh
// client credentials and creates a new gateway asset as the root of its
// mirror subtree.
func (m *Module) handleCreateGateway(w http.ResponseWriter, r *http.Request) {
	realm := pathParam(r, "realm")
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeGatewayError(w, http.StatusBadRequest, "name is required")
		return
	}

	asset, clientSecret, err := m.gatewayStore.Create(r.Context(), realm, req.Name)
	if err != nil {
		writeGatewayError(w, http.StatusInternalServerError, "failed to create gateway")
		return
	}

	writeGatewayJSON(w, http.StatusCreated, struct {
		GatewayView
		ClientSecret string `json:"clientSecret"`
	}{
		GatewayView:  toGatewayView(asset, StateDisconnected),
		ClientSecret: clientSecret,
	})
}

// handleListGateways handles GET /gateway/{realm}/gateways.
func (m *Module) handleListGateways(w http.ResponseWriter, r *http.Request) {
	realm := pathParam(r, "realm")
	all, err := m.gatewayStore.List(r.Context(), realm)
	if err != nil {
		writeGatewayError(w, http.StatusInternalServerError, "failed to list gateways")
		return
	}
	views := make([]GatewayView, 0, len(all))
	for _, a := range all {
		state := StateDisconnected
		if conn, ok := m.connectors.Get(a.ID); ok {
			state = conn.State()
		}
		views = append(views, toGatewayView(a, state))
	}
	writeGatewayJSON(w, http.StatusOK, views)
}

// handleGetGatewayStatus handles GET /gateway/{realm}/gateways/{id}/status.
func (m *Module) handleGetGatewayStatus(w http.ResponseWriter, r *http.Request) {
	realm := pathParam(r, "realm")
	id := pathParam(r, "id")
	if _, err := m.gatewayStore.Get(r.Context(), realm, id); err != nil {
		writeGatewayError(w, http.StatusNotFound, "gateway not found")
		return
	}
	conn, ok := m.connectors.Get(id)
	if !ok {
		writeGatewayJSON(w, http.StatusOK, StatusView{GatewayID: id, State: StateDisconnected})
		return
	}
	writeGatewayJSON(w, http.StatusOK, conn.Status())
}

// handleDeleteGateway handles DELETE /gateway/{realm}/gateways/{id}: closes
// any live connection, deletes the asset and its entire mirrored subtree.
func (m *Module) handleDeleteGateway(w http.ResponseWriter, r *http.Request) {
	realm := pathParam(r, "realm")
	id := pathParam(r, "id")
	if _, err := m.gatewayStore.Get(r.Context(), realm, id); err != nil {
		writeGatewayError(w, http.StatusNotFound, "gateway not found")
		return
	}
	if conn, ok := m.connectors.Get(id); ok {
		conn.Disable(r.Context())
		m.connectors.Delete(id)
	}
	if err := m.mapper.ForgetAll(r.Context(), id); err != nil {
		writeGatewayError(w, http.StatusInternalServerError, "failed to clear id mappings")
		return
	}
	if err := m.gatewayStore.Delete(r.Context(), id); err != nil {
		writeGatewayError(w, http.StatusInternalServerError, "failed to delete gateway")
		return
	}
	if m.bus != nil {
		m.bus.Publish(r.Context(), plugin.Event{
			Topic: TopicGatewayDeleted, Source: "gateway", Timestamp: time.Now(), Payload: id,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateConnection handles POST /gateway/{realm}/connections: stores
// a reverse gateway-client configuration this manager will dial out to.
func (m *Module) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	realm := pathParam(r, "realm")
	var req GatewayConnection
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Host == "" || req.ClientID == "" {
		writeGatewayError(w, http.StatusBadRequest, "host and clientId are required")
		return
	}
	req.Realm = realm
	created, err := m.connStore.Create(r.Context(), req)
	if err != nil {
		writeGatewayError(w, http.StatusInternalServerError, "failed to create connection")
		return
	}
	created.ClientSecret = ""
	writeGatewayJSON(w, http.StatusCreated, created)
}

// handleListConnections handles GET /gateway/{realm}/connections.
func (m *Module) handleListConnections(w http.ResponseWriter, r *http.Request) {
	realm := pathParam(r, "realm")
	conns, err := m.connStore.List(r.Context(), realm)
	if err != nil {
		writeGatewayError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	for i := range conns {
		conns[i].ClientSecret = ""
	}
	writeGatewayJSON(w, http.StatusOK, conns)
}

// handleDeleteConnection handles DELETE /gateway/{realm}/connections/{id}.
func (m *Module) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := m.connStore.Delete(r.Context(), id); err != nil {
		writeGatewayError(w, http.StatusInternalServerError, "failed to delete connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateAsset handles POST /gateway/{realm}/assets/{parentId}: a
// local create whose parent resolves to a mirrored asset is forwarded to
// the owning gateway rather than applied directly (§4.4, §4.7).
func (m *Module) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	parentID := pathParam(r, "parentId")
	var asset assets.Asset
	if err := json.NewDecoder(r.Body).Decode(&asset); err != nil {
		writeGatewayError(w, http.StatusBadRequest, "invalid asset body")
		return
	}

	result, err := m.router.WriteAsset(r.Context(), parentID, assets.CauseCreate, asset)
	if err != nil {
		writeForwardError(w, err)
		return
	}
	writeGatewayJSON(w, http.StatusCreated, result.Asset)
}

func writeForwardError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrGatewayNotConnected):
		writeGatewayError(w, http.StatusConflict, "gateway is not connected")
	case errors.Is(err, ErrTimeout):
		writeGatewayError(w, http.StatusGatewayTimeout, "gateway did not respond in time")
	case errors.Is(err, ErrUnsupportedOperation):
		writeGatewayError(w, http.StatusBadRequest, "target is not a mirrored gateway asset")
	default:
		writeGatewayError(w, http.StatusInternalServerError, "forwarding failed")
	}
}
