package gateway

import (
	"context"
	"fmt"

	"github.com/relaymesh/relaymesh/internal/assetstore"
	"github.com/relaymesh/relaymesh/internal/idmap"
	"github.com/relaymesh/relaymesh/pkg/assets"
)

// Reconciler applies the set-difference of a gateway's reported inventory
// into the manager's asset store. It is the only component allowed to set
// the gateway-descendant parent edge (§4.6): every mirror row it writes has
// its realm forced to the owning gateway's realm and its parent edge
// derived through the id mapper, never trusted verbatim from the gateway.
type Reconciler struct {
	store  *assetstore.Store
	mapper *idmap.Mapper
}

// NewReconciler creates a Reconciler over store, using mapper to translate
// gateway-local ids to mirror ids.
func NewReconciler(store *assetstore.Store, mapper *idmap.Mapper) *Reconciler {
	return &Reconciler{store: store, mapper: mapper}
}

// UpsertMirror creates or updates the mirror of a gateway-local asset.
// local is the asset as reported by the gateway, keyed by its local id.
// Its realm is overridden to gatewayRealm; its parent is mapped through the
// id mapper, or set to gatewayID directly if it has no local parent.
//
// Per SPEC_FULL.md §9, the mirror is written when the incoming version is
// greater than or equal to the stored one; a lower incoming version is
// returned as an error wrapping assetstore.ErrVersionConflict.
func (r *Reconciler) UpsertMirror(ctx context.Context, gatewayID, gatewayRealm string, local assets.Asset) (mirrorID string, created bool, err error) {
	mirrorID = r.mapper.MapID(gatewayID, local.ID)

	mirrorParent := gatewayID
	if local.ParentID != "" {
		mirrorParent = r.mapper.MapID(gatewayID, local.ParentID)
	}

	mirror := local
	mirror.ID = mirrorID
	mirror.ParentID = mirrorParent
	mirror.Realm = gatewayRealm

	created, err = r.store.Upsert(ctx, mirror)
	if err != nil {
		return mirrorID, false, fmt.Errorf("gateway: upsert mirror %s (local %s): %w", mirrorID, local.ID, err)
	}
	if created {
		if err := r.mapper.Record(ctx, gatewayID, mirrorID, local.ID); err != nil {
			return mirrorID, true, err
		}
	}
	return mirrorID, created, nil
}

// DeleteMirror removes a single mirrored asset (not its descendants — the
// caller is expected to order deletions children-first across the whole
// deletion set, per §4.4 step 2) and forgets its id mapping.
func (r *Reconciler) DeleteMirror(ctx context.Context, gatewayID, mirrorID string) error {
	if err := r.store.Delete(ctx, mirrorID); err != nil {
		return fmt.Errorf("gateway: delete mirror %s: %w", mirrorID, err)
	}
	if err := r.mapper.Forget(ctx, gatewayID, mirrorID); err != nil {
		return fmt.Errorf("gateway: forget mapping for mirror %s: %w", mirrorID, err)
	}
	return nil
}

// DeleteMirrorsChildrenFirst deletes every mirror id in mirrorIDs, ordering
// by descending ancestor-chain depth so that children are always removed
// before their parents (§4.4 "Tie-breaks").
func (r *Reconciler) DeleteMirrorsChildrenFirst(ctx context.Context, gatewayID string, mirrorIDs []string) error {
	type depthEntry struct {
		id    string
		depth int
	}
	entries := make([]depthEntry, 0, len(mirrorIDs))
	for _, id := range mirrorIDs {
		chain, err := r.store.AncestorIDs(ctx, id)
		if err != nil {
			return fmt.Errorf("gateway: ancestor chain for %s: %w", id, err)
		}
		entries = append(entries, depthEntry{id: id, depth: len(chain)})
	}
	// Deepest (most ancestors) first.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].depth > entries[j-1].depth; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	for _, e := range entries {
		if err := r.DeleteMirror(ctx, gatewayID, e.id); err != nil {
			return err
		}
	}
	return nil
}

// MirroredLocalIDs returns the local ids (unmapped) of every asset
// currently mirrored under gatewayID, used to compute C (the currently
// mirrored id set) at the start of a sync round.
func (r *Reconciler) MirroredLocalIDs(ctx context.Context, gatewayID string) (map[string]string, error) {
	mirrored, err := r.store.Children(ctx, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("gateway: list mirror roots: %w", err)
	}
	result := make(map[string]string)
	var walk func(roots []assets.Asset) error
	walk = func(roots []assets.Asset) error {
		for _, a := range roots {
			localID, err := r.mapper.UnmapID(ctx, gatewayID, a.ID)
			if err != nil {
				return fmt.Errorf("gateway: unmap mirror %s: %w", a.ID, err)
			}
			result[localID] = a.ID
			children, err := r.store.Children(ctx, a.ID)
			if err != nil {
				return fmt.Errorf("gateway: list children of mirror %s: %w", a.ID, err)
			}
			if err := walk(children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(mirrored); err != nil {
		return nil, err
	}
	return result, nil
}
