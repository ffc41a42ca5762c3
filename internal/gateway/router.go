package gateway

import (
	"context"
	"fmt"

	"github.com/relaymesh/relaymesh/internal/assetstore"
	"github.com/relaymesh/relaymesh/pkg/assets"
)

// Router diverts a local write targeting a gateway-descendant asset to the
// owning gateway's connector instead of applying it directly against the
// asset store (§4.7). It is consulted by every write path that isn't
// already known to target a mirror (i.e. regular local asset/attribute
// mutation handlers call through Router rather than assetstore.Store
// directly).
type Router struct {
	store *assetstore.Store
	conns *ConnectorMap
}

// NewRouter creates a Router over store, using conns to locate the
// connector owning a given gateway asset id.
func NewRouter(store *assetstore.Store, conns *ConnectorMap) *Router {
	return &Router{store: store, conns: conns}
}

// OwningGatewayID walks assetID's ancestor chain and returns the id of the
// nearest GatewayAsset ancestor (or assetID itself, if it is one), and
// whether one was found at all. A plain local asset with no gateway
// ancestor reports found=false.
func (r *Router) OwningGatewayID(ctx context.Context, assetID string) (gatewayID string, found bool, err error) {
	a, err := r.store.Get(ctx, assetID)
	if err != nil {
		return "", false, err
	}
	if a.Type == assets.TypeGateway {
		return a.ID, true, nil
	}
	chain, err := r.store.AncestorIDs(ctx, assetID)
	if err != nil {
		return "", false, fmt.Errorf("gateway: router ancestor lookup: %w", err)
	}
	for _, ancestorID := range chain {
		ancestor, err := r.store.Get(ctx, ancestorID)
		if err != nil {
			return "", false, err
		}
		if ancestor.Type == assets.TypeGateway {
			return ancestor.ID, true, nil
		}
	}
	return "", false, nil
}

// WriteAttribute routes a local attribute write: if the target asset's
// lineage passes through a gateway, the write is forwarded to that
// gateway's connector and NOT applied locally (the mirror updates only
// once the gateway echoes the change back). Otherwise ErrUnsupportedOperation
// is returned — Router only handles the gateway-diversion case; ordinary
// local writes go straight through assetstore.Store.
func (r *Router) WriteAttribute(ctx context.Context, assetID, attrName string, value any) error {
	gatewayID, found, err := r.OwningGatewayID(ctx, assetID)
	if err != nil {
		return err
	}
	if !found {
		return ErrUnsupportedOperation
	}
	conn, ok := r.conns.Get(gatewayID)
	if !ok {
		return ErrGatewayNotConnected
	}
	return conn.ForwardAttributeWrite(ctx, assetID, attrName, value)
}

// WriteAsset routes a local create/update/delete targeting a mirrored
// asset (or a new asset being created under one) to the owning gateway's
// connector, blocking until the gateway confirms. parentAssetID is the
// intended parent for a CauseCreate; for CauseUpdate/CauseDelete it is
// ignored and asset.ID locates the owning gateway instead.
func (r *Router) WriteAsset(ctx context.Context, parentAssetID string, cause assets.Cause, asset assets.Asset) (assets.AssetEvent, error) {
	anchor := parentAssetID
	if cause != assets.CauseCreate {
		anchor = asset.ID
	}
	gatewayID, found, err := r.OwningGatewayID(ctx, anchor)
	if err != nil {
		return assets.AssetEvent{}, err
	}
	if !found {
		return assets.AssetEvent{}, ErrUnsupportedOperation
	}
	conn, ok := r.conns.Get(gatewayID)
	if !ok {
		return assets.AssetEvent{}, ErrGatewayNotConnected
	}
	if cause == assets.CauseCreate {
		asset.ParentID = parentAssetID
	}
	return conn.ForwardAssetMutation(ctx, cause, asset)
}
