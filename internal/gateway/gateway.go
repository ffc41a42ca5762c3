package gateway

import (
	"context"
	"fmt"

	"github.com/relaymesh/relaymesh/internal/assetstore"
	"github.com/relaymesh/relaymesh/internal/idmap"
	"github.com/relaymesh/relaymesh/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

// Module implements the gateway synchronization subsystem plugin: it
// accepts inbound gateway connections, mirrors their asset inventories
// into the local store, and routes local writes back out to them.
type Module struct {
	logger *zap.Logger
	bus    plugin.EventBus
	cfg    Config

	assetStore   *assetstore.Store
	gatewayStore *GatewayStore
	connStore    *ConnectionStore
	mapper       *idmap.Mapper
	reconciler   *Reconciler
	router       *Router
	connectors   *ConnectorMap
	credentials  *CredentialIssuer

	ws      *wsHandler
	clients *clientService

	cancelClients context.CancelFunc
}

// New creates a new Gateway plugin instance.
func New() *Module {
	return &Module{}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "gateway",
		Version:     "0.1.0",
		Description: "Inbound/outbound IoT gateway asset synchronization",
		Roles:       []string{"gateway_sync"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("gateway: unmarshal config: %w", err)
		}
	}
	if m.cfg.IDMappingSecret == "" {
		return fmt.Errorf("gateway: id_mapping_secret must be configured")
	}

	allMigrations := append(assetstore.Migrations(), migrations()...)
	if err := deps.Store.Migrate(ctx, "gateway", allMigrations); err != nil {
		return fmt.Errorf("gateway: migrate: %w", err)
	}
	db := deps.Store.DB()
	if err := idmap.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("gateway: id mapper schema: %w", err)
	}

	mapper, err := idmap.New([]byte(m.cfg.IDMappingSecret), db)
	if err != nil {
		return fmt.Errorf("gateway: init id mapper: %w", err)
	}

	m.assetStore = assetstore.New(db)
	m.gatewayStore = NewGatewayStore(m.assetStore)
	m.connStore = NewConnectionStore(db)
	m.mapper = mapper
	m.reconciler = NewReconciler(m.assetStore, mapper)
	m.connectors = NewConnectorMap(m.cfg.MaxConnectors)
	m.router = NewRouter(m.assetStore, m.connectors)
	m.credentials = NewCredentialIssuer([]byte(m.cfg.IDMappingSecret), m.cfg.TokenTTL)
	m.ws = &wsHandler{module: m}
	m.clients = newClientService(m)

	m.logger.Info("gateway module initialized",
		zap.Int("sync_asset_batch_size", m.cfg.SyncAssetBatchSize),
		zap.Int("max_connectors", m.cfg.MaxConnectors),
	)
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancelClients = cancel
	go m.clients.run(runCtx)
	m.logger.Info("gateway module started")
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	if m.cancelClients != nil {
		m.cancelClients()
	}
	for _, c := range m.connectors.List() {
		c.Disable(ctx)
	}
	m.logger.Info("gateway module stopped")
	return nil
}

// Routes implements plugin.HTTPProvider. Mounted by the server under
// /api/v1/gateway.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/{realm}/ws", Handler: m.ws.handleConnect},
		{Method: "POST", Path: "/{realm}/token", Handler: m.ws.handleToken},

		{Method: "POST", Path: "/{realm}/gateways", Handler: m.handleCreateGateway},
		{Method: "GET", Path: "/{realm}/gateways", Handler: m.handleListGateways},
		{Method: "GET", Path: "/{realm}/gateways/{id}/status", Handler: m.handleGetGatewayStatus},
		{Method: "DELETE", Path: "/{realm}/gateways/{id}", Handler: m.handleDeleteGateway},

		{Method: "POST", Path: "/{realm}/connections", Handler: m.handleCreateConnection},
		{Method: "GET", Path: "/{realm}/connections", Handler: m.handleListConnections},
		{Method: "DELETE", Path: "/{realm}/connections/{id}", Handler: m.handleDeleteConnection},

		{Method: "POST", Path: "/{realm}/assets/{parentId}", Handler: m.handleCreateAsset},
	}
}
