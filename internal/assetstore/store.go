// Package assetstore is a concrete SQLite-backed CRUD/query implementation
// standing in for the external asset-store collaborator named in §1 of the
// specification. It is used both by the manager (for its own local assets
// and the mirrored gateway subtrees) and by a gateway process (for its own
// local inventory).
package assetstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaymesh/relaymesh/pkg/assets"
)

// ErrNotFound is returned when a requested asset does not exist.
var ErrNotFound = errors.New("assetstore: not found")

// ErrVersionConflict is returned by Upsert and UpdateAttribute when the
// incoming version is lower than the stored version (optimistic concurrency).
var ErrVersionConflict = errors.New("assetstore: version conflict")

// Store provides CRUD and query access over a forest of assets.
type Store struct {
	db *sql.DB
}

// New wraps an existing database handle. The caller is responsible for
// running Migrations (see migrations.go) before first use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new asset at a.Version, or at version 1 when a.Version is
// zero. Inserting an id that already exists returns the wrapped database
// constraint error.
func (s *Store) Create(ctx context.Context, a assets.Asset) error {
	if a.Version == 0 {
		a.Version = 1
	}
	attrsJSON, err := json.Marshal(a.Attributes)
	if err != nil {
		return fmt.Errorf("assetstore: marshal attributes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assets (id, version, name, type, parent_id, realm, created_at, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Version, a.Name, string(a.Type), nullString(a.ParentID), a.Realm, a.CreatedAt, string(attrsJSON))
	if err != nil {
		return fmt.Errorf("assetstore: create %s: %w", a.ID, err)
	}
	return nil
}

// Upsert creates the asset if absent, or updates it if the incoming version
// is greater than or equal to the stored version (the reconciler's
// "overwrite by version" policy — see SPEC_FULL.md §9). Returns
// (created bool, err error).
func (s *Store) Upsert(ctx context.Context, a assets.Asset) (created bool, err error) {
	existing, err := s.Get(ctx, a.ID)
	if errors.Is(err, ErrNotFound) {
		if a.Version == 0 {
			a.Version = 1
		}
		return true, s.Create(ctx, a)
	}
	if err != nil {
		return false, err
	}
	if a.Version < existing.Version {
		return false, ErrVersionConflict
	}
	return false, s.update(ctx, a)
}

// update overwrites an existing asset unconditionally except that the
// caller's version must be >= the stored version.
func (s *Store) update(ctx context.Context, a assets.Asset) error {
	attrsJSON, err := json.Marshal(a.Attributes)
	if err != nil {
		return fmt.Errorf("assetstore: marshal attributes: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET version = ?, name = ?, type = ?, parent_id = ?, realm = ?, attributes = ?
		WHERE id = ? AND version <= ?
	`, a.Version, a.Name, string(a.Type), nullString(a.ParentID), a.Realm, string(attrsJSON), a.ID, a.Version)
	if err != nil {
		return fmt.Errorf("assetstore: update %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("assetstore: update %s rows affected: %w", a.ID, err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// UpdateAttribute sets a single attribute on an asset and bumps its version.
// Used by the event router when a local write-through is eventually applied
// (as an echoed AttributeEvent) or when a gateway-originated attribute
// event is applied to the mirror.
func (s *Store) UpdateAttribute(ctx context.Context, assetID string, attr assets.Attribute) error {
	a, err := s.Get(ctx, assetID)
	if err != nil {
		return err
	}
	if a.Attributes == nil {
		a.Attributes = make(map[string]assets.Attribute)
	}
	a.Attributes[attr.Name] = attr
	a.Version++
	return s.update(ctx, a)
}

// Delete removes a single asset by id. Not recursive; callers needing
// subtree deletion use DeleteSubtree.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("assetstore: delete %s: %w", id, err)
	}
	return nil
}

// DeleteSubtree removes rootID and every descendant, children-first, inside
// a single transaction. Used for total gateway deletion (§4.4) and for
// per-round mirror deletions (§4.4 step 2).
func (s *Store) DeleteSubtree(ctx context.Context, rootID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("assetstore: begin delete subtree tx: %w", err)
	}

	ids, err := s.descendantIDsTx(ctx, tx, rootID)
	if err != nil {
		tx.Rollback()
		return err
	}
	// Children-first: ids is already produced in leaf-to-root order.
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("assetstore: delete subtree member %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, rootID); err != nil {
		tx.Rollback()
		return fmt.Errorf("assetstore: delete subtree root %s: %w", rootID, err)
	}
	return tx.Commit()
}

// descendantIDsTx returns every descendant of rootID in leaf-to-root order
// (deepest first), suitable for children-first deletion.
func (s *Store) descendantIDsTx(ctx context.Context, tx *sql.Tx, rootID string) ([]string, error) {
	var ordered []string
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var next []string
		for _, parent := range frontier {
			rows, err := tx.QueryContext(ctx, `SELECT id FROM assets WHERE parent_id = ?`, parent)
			if err != nil {
				return nil, fmt.Errorf("assetstore: query children of %s: %w", parent, err)
			}
			var children []string
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return nil, fmt.Errorf("assetstore: scan child id: %w", err)
				}
				children = append(children, id)
			}
			rows.Close()
			next = append(next, children...)
		}
		// Prepend this generation so the final order is deepest-first.
		ordered = append(next, ordered...)
		frontier = next
	}
	return ordered, nil
}

// Get fetches a single asset by id, attributes included.
func (s *Store) Get(ctx context.Context, id string) (assets.Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, version, name, type, parent_id, realm, created_at, attributes
		FROM assets WHERE id = ?
	`, id)
	return scanAsset(row)
}

// Children returns the direct children of parentID.
func (s *Store) Children(ctx context.Context, parentID string) ([]assets.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, name, type, parent_id, realm, created_at, attributes
		FROM assets WHERE parent_id = ?
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("assetstore: children of %s: %w", parentID, err)
	}
	defer rows.Close()
	return scanAssets(rows)
}

// AncestorIDs returns the chain of ancestor ids from immediate parent up to
// the forest root, used by the Event Router to detect whether an asset's
// lineage passes through a gateway asset.
func (s *Store) AncestorIDs(ctx context.Context, id string) ([]string, error) {
	var chain []string
	cur := id
	for {
		var parentID sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT parent_id FROM assets WHERE id = ?`, cur).Scan(&parentID)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("assetstore: ancestor lookup at %s: %w", cur, err)
		}
		if !parentID.Valid || parentID.String == "" {
			break
		}
		chain = append(chain, parentID.String)
		cur = parentID.String
	}
	return chain, nil
}

// Query resolves an assets.Query against the store. Recursive queries walk
// the Parents list downward; ID queries return exactly the listed ids that
// exist. Select.ExcludeAttributes drops the returned assets' attributes for
// index-only reads; ExcludePath and ExcludeParentInfo are not applied.
func (s *Store) Query(ctx context.Context, q assets.Query) ([]assets.Asset, error) {
	var result []assets.Asset

	switch {
	case len(q.IDs) > 0:
		for _, id := range q.IDs {
			a, err := s.Get(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			result = append(result, a)
		}
	case q.Recursive && len(q.Parents) > 0:
		for _, root := range q.Parents {
			sub, err := s.subtree(ctx, root)
			if err != nil {
				return nil, err
			}
			result = append(result, sub...)
		}
	case len(q.Parents) > 0:
		for _, parent := range q.Parents {
			children, err := s.Children(ctx, parent)
			if err != nil {
				return nil, err
			}
			result = append(result, children...)
		}
	default:
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, version, name, type, parent_id, realm, created_at, attributes FROM assets
		`)
		if err != nil {
			return nil, fmt.Errorf("assetstore: query all: %w", err)
		}
		defer rows.Close()
		all, err := scanAssets(rows)
		if err != nil {
			return nil, err
		}
		result = all
	}

	if q.Select.ExcludeAttributes {
		for i := range result {
			result[i].Attributes = nil
		}
	}
	return result, nil
}

// subtree returns root and every descendant (root-to-leaf order).
func (s *Store) subtree(ctx context.Context, rootID string) ([]assets.Asset, error) {
	root, err := s.Get(ctx, rootID)
	if err != nil {
		return nil, err
	}
	result := []assets.Asset{root}

	frontier := []string{rootID}
	for len(frontier) > 0 {
		var next []string
		for _, parent := range frontier {
			children, err := s.Children(ctx, parent)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				result = append(result, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return result, nil
}

func scanAsset(row *sql.Row) (assets.Asset, error) {
	var a assets.Asset
	var parentID sql.NullString
	var attrsJSON string
	err := row.Scan(&a.ID, &a.Version, &a.Name, &a.Type, &parentID, &a.Realm, &a.CreatedAt, &attrsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return assets.Asset{}, ErrNotFound
	}
	if err != nil {
		return assets.Asset{}, fmt.Errorf("assetstore: scan asset: %w", err)
	}
	a.ParentID = parentID.String
	if attrsJSON != "" {
		if err := json.Unmarshal([]byte(attrsJSON), &a.Attributes); err != nil {
			return assets.Asset{}, fmt.Errorf("assetstore: unmarshal attributes: %w", err)
		}
	}
	return a, nil
}

func scanAssets(rows *sql.Rows) ([]assets.Asset, error) {
	var result []assets.Asset
	for rows.Next() {
		var a assets.Asset
		var parentID sql.NullString
		var attrsJSON string
		if err := rows.Scan(&a.ID, &a.Version, &a.Name, &a.Type, &parentID, &a.Realm, &a.CreatedAt, &attrsJSON); err != nil {
			return nil, fmt.Errorf("assetstore: scan row: %w", err)
		}
		a.ParentID = parentID.String
		if attrsJSON != "" {
			if err := json.Unmarshal([]byte(attrsJSON), &a.Attributes); err != nil {
				return nil, fmt.Errorf("assetstore: unmarshal attributes: %w", err)
			}
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
