package gwclient

import (
	"context"

	"github.com/relaymesh/relaymesh/internal/assetstore"
	"github.com/relaymesh/relaymesh/internal/gwproto"
	"github.com/relaymesh/relaymesh/pkg/assets"
)

// StoreDataSource adapts an assetstore.Store into a DataSource for a
// standalone gateway device process (cmd/gatewayd) that has no local
// actuators of its own to push changes from.
type StoreDataSource struct {
	store *assetstore.Store
}

// NewStoreDataSource wraps store.
func NewStoreDataSource(store *assetstore.Store) *StoreDataSource {
	return &StoreDataSource{store: store}
}

func (s *StoreDataSource) Query(ctx context.Context, q assets.Query) ([]assets.Asset, error) {
	return s.store.Query(ctx, q)
}

func (s *StoreDataSource) Get(ctx context.Context, id string) (assets.Asset, error) {
	return s.store.Get(ctx, id)
}

func (s *StoreDataSource) ApplyCreate(ctx context.Context, a assets.Asset) (assets.Asset, error) {
	if a.ID == "" {
		a.ID = assets.NewID()
	}
	if err := s.store.Create(ctx, a); err != nil {
		return assets.Asset{}, err
	}
	return a, nil
}

func (s *StoreDataSource) ApplyUpdate(ctx context.Context, a assets.Asset) (assets.Asset, error) {
	if _, err := s.store.Upsert(ctx, a); err != nil {
		return assets.Asset{}, err
	}
	return s.store.Get(ctx, a.ID)
}

func (s *StoreDataSource) ApplyDelete(ctx context.Context, id string) error {
	return s.store.DeleteSubtree(ctx, id)
}

func (s *StoreDataSource) ApplyAttribute(ctx context.Context, ae assets.AttributeEvent) error {
	return s.store.UpdateAttribute(ctx, ae.Ref.AssetID, assets.Attribute{
		Name:      ae.Ref.AttributeName,
		Value:     ae.Value,
		Timestamp: ae.Timestamp,
	})
}

// Changes returns nil: a bare store has no independent actuators pushing
// spontaneous changes, only what the manager writes through to it.
func (s *StoreDataSource) Changes() <-chan gwproto.SharedEvent {
	return nil
}
