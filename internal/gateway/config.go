package gateway

import "time"

// Config holds configuration for the Gateway module.
type Config struct {
	// SyncAssetBatchSize is SPEC_FULL.md's SYNC_ASSET_BATCH_SIZE: the number
	// of asset ids fetched per batch request during inventory sync.
	SyncAssetBatchSize int `mapstructure:"sync_asset_batch_size"`

	// BatchReadTimeout bounds a single GATEWAY-ASSET-READ[-n] request.
	BatchReadTimeout time.Duration `mapstructure:"batch_read_timeout"`

	// WriteForwardTimeout bounds a forwarded write-through request.
	WriteForwardTimeout time.Duration `mapstructure:"write_forward_timeout"`

	// MaxConnectors bounds how many gateway connectors this manager will
	// host concurrently.
	MaxConnectors int `mapstructure:"max_connectors"`

	// PendingEventQueueSize bounds the connector's inbound event backlog
	// during SYNCING before it starts refusing to read the channel (§5).
	PendingEventQueueSize int `mapstructure:"pending_event_queue_size"`

	// TokenTTL is the lifetime of a gateway bearer token minted by the
	// OAuth2 client-credentials token endpoint (§6).
	TokenTTL time.Duration `mapstructure:"token_ttl"`

	// IDMappingSecret seeds the deterministic id mapper (§4.1). Fixed at
	// deployment; changing it invalidates every existing mirror mapping.
	IDMappingSecret string `mapstructure:"id_mapping_secret"`
}

// DefaultConfig returns the default Gateway configuration.
func DefaultConfig() Config {
	return Config{
		SyncAssetBatchSize:    20,
		BatchReadTimeout:      10 * time.Second,
		WriteForwardTimeout:   5 * time.Second,
		MaxConnectors:         1000,
		PendingEventQueueSize: 10000,
		TokenTTL:              1 * time.Hour,
		IDMappingSecret:       "",
	}
}
