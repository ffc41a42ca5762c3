package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/relaymesh/relaymesh/internal/assetstore"
	"github.com/relaymesh/relaymesh/pkg/assets"
)

// ErrGatewayNotFound is returned when a gateway asset (or its credentials)
// cannot be located.
var ErrGatewayNotFound = errors.New("gateway: gateway not found")

// GatewayStore wraps assetstore.Store with the gateway-asset-specific
// queries the admin REST surface and token endpoint need: lookup by
// client id, and listing gateway assets within a realm.
type GatewayStore struct {
	assets *assetstore.Store
}

// NewGatewayStore creates a GatewayStore over assets.
func NewGatewayStore(assets *assetstore.Store) *GatewayStore {
	return &GatewayStore{assets: assets}
}

// FindByClientID locates the gateway asset whose clientId attribute
// matches clientID within realm. Used by the token endpoint and by the
// WebSocket accept handler to resolve a presented token's subject back to
// a gateway asset id.
func (s *GatewayStore) FindByClientID(ctx context.Context, realm, clientID string) (assets.Asset, error) {
	all, err := s.assets.Query(ctx, assets.Query{})
	if err != nil {
		return assets.Asset{}, err
	}
	for _, a := range all {
		if a.Type != assets.TypeGateway || a.Realm != realm {
			continue
		}
		if attr, ok := a.Attributes[AttrClientID]; ok {
			if v, ok := attr.Value.(string); ok && v == clientID {
				return a, nil
			}
		}
	}
	return assets.Asset{}, ErrGatewayNotFound
}

// List returns every gateway asset in realm.
func (s *GatewayStore) List(ctx context.Context, realm string) ([]assets.Asset, error) {
	all, err := s.assets.Query(ctx, assets.Query{})
	if err != nil {
		return nil, err
	}
	var result []assets.Asset
	for _, a := range all {
		if a.Type == assets.TypeGateway && a.Realm == realm {
			result = append(result, a)
		}
	}
	return result, nil
}

// Get fetches a single gateway asset, verifying it belongs to realm.
func (s *GatewayStore) Get(ctx context.Context, realm, gatewayID string) (assets.Asset, error) {
	a, err := s.assets.Get(ctx, gatewayID)
	if err != nil {
		if errors.Is(err, assetstore.ErrNotFound) {
			return assets.Asset{}, ErrGatewayNotFound
		}
		return assets.Asset{}, err
	}
	if a.Type != assets.TypeGateway || a.Realm != realm {
		return assets.Asset{}, ErrGatewayNotFound
	}
	return a, nil
}

// Create mints fresh client credentials and persists a new gateway asset
// as a root of its own mirror subtree.
func (s *GatewayStore) Create(ctx context.Context, realm, name string) (asset assets.Asset, clientSecretPlain string, err error) {
	clientID, clientSecret, err := MintCredentials()
	if err != nil {
		return assets.Asset{}, "", err
	}
	a := assets.Asset{
		ID:    assets.NewID(),
		Name:  name,
		Type:  assets.TypeGateway,
		Realm: realm,
		Attributes: map[string]assets.Attribute{
			AttrClientID:     {Name: AttrClientID, ValueType: assets.ValueTypeString, Value: clientID},
			AttrClientSecret: {Name: AttrClientSecret, ValueType: assets.ValueTypeString, Value: clientSecret},
			AttrStatus:       {Name: AttrStatus, ValueType: assets.ValueTypeString, Value: string(StateDisconnected)},
		},
	}
	if err := s.assets.Create(ctx, a); err != nil {
		return assets.Asset{}, "", err
	}
	return a, clientSecret, nil
}

// Delete removes the gateway asset and every mirrored descendant.
func (s *GatewayStore) Delete(ctx context.Context, gatewayID string) error {
	return s.assets.DeleteSubtree(ctx, gatewayID)
}

// ClientSecret extracts the stored client secret from a gateway asset.
func ClientSecret(a assets.Asset) string {
	if attr, ok := a.Attributes[AttrClientSecret]; ok {
		if v, ok := attr.Value.(string); ok {
			return v
		}
	}
	return ""
}

// ClientID extracts the stored client id from a gateway asset.
func ClientID(a assets.Asset) string {
	if attr, ok := a.Attributes[AttrClientID]; ok {
		if v, ok := attr.Value.(string); ok {
			return v
		}
	}
	return ""
}

// ConnectionStore persists reverse gateway-client configuration (§4.8): an
// address this manager dials out to as a gateway client itself, rather
// than one accepted inbound.
type ConnectionStore struct {
	db *sql.DB
}

// NewConnectionStore wraps db. The caller must have already run migrations.
func NewConnectionStore(db *sql.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

// Create inserts a new GatewayConnection, minting an id if one isn't set.
func (s *ConnectionStore) Create(ctx context.Context, c GatewayConnection) (GatewayConnection, error) {
	if c.ID == "" {
		c.ID = assets.NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_connections (id, realm, host, port, client_id, client_secret, secure, disabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Realm, c.Host, c.Port, c.ClientID, c.ClientSecret, boolToInt(c.Secure), boolToInt(c.Disabled))
	if err != nil {
		return GatewayConnection{}, fmt.Errorf("gateway: create connection: %w", err)
	}
	return c, nil
}

// List returns every connection configured for realm.
func (s *ConnectionStore) List(ctx context.Context, realm string) ([]GatewayConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, realm, host, port, client_id, client_secret, secure, disabled
		FROM gateway_connections WHERE realm = ?
	`, realm)
	if err != nil {
		return nil, fmt.Errorf("gateway: list connections: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

// allRealms returns the distinct realms with at least one configured
// connection, used by clientService to reconcile its running set.
func (s *ConnectionStore) allRealms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT realm FROM gateway_connections`)
	if err != nil {
		return nil, fmt.Errorf("gateway: list connection realms: %w", err)
	}
	defer rows.Close()
	var realms []string
	for rows.Next() {
		var realm string
		if err := rows.Scan(&realm); err != nil {
			return nil, fmt.Errorf("gateway: scan realm: %w", err)
		}
		realms = append(realms, realm)
	}
	return realms, rows.Err()
}

// Get fetches a single connection by id.
func (s *ConnectionStore) Get(ctx context.Context, id string) (GatewayConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, realm, host, port, client_id, client_secret, secure, disabled
		FROM gateway_connections WHERE id = ?
	`, id)
	var c GatewayConnection
	var secure, disabled int
	err := row.Scan(&c.ID, &c.Realm, &c.Host, &c.Port, &c.ClientID, &c.ClientSecret, &secure, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return GatewayConnection{}, ErrGatewayNotFound
	}
	if err != nil {
		return GatewayConnection{}, fmt.Errorf("gateway: get connection %s: %w", id, err)
	}
	c.Secure, c.Disabled = secure != 0, disabled != 0
	return c, nil
}

// Delete removes a connection by id.
func (s *ConnectionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM gateway_connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("gateway: delete connection %s: %w", id, err)
	}
	return nil
}

// SetDisabled toggles a connection's disabled flag.
func (s *ConnectionStore) SetDisabled(ctx context.Context, id string, disabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE gateway_connections SET disabled = ? WHERE id = ?`, boolToInt(disabled), id)
	if err != nil {
		return fmt.Errorf("gateway: set connection disabled %s: %w", id, err)
	}
	return nil
}

func scanConnections(rows *sql.Rows) ([]GatewayConnection, error) {
	var result []GatewayConnection
	for rows.Next() {
		var c GatewayConnection
		var secure, disabled int
		if err := rows.Scan(&c.ID, &c.Realm, &c.Host, &c.Port, &c.ClientID, &c.ClientSecret, &secure, &disabled); err != nil {
			return nil, fmt.Errorf("gateway: scan connection: %w", err)
		}
		c.Secure, c.Disabled = secure != 0, disabled != 0
		result = append(result, c)
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
