// Package idmap provides the deterministic, bijective translation between a
// gateway-local asset id and its mirrored id in the manager.
//
// mapId is a pure keyed hash: the same (gateway, local id) pair always
// produces the same mirrored id, and the key never changes for the lifetime
// of a deployment. Because a cryptographic hash cannot be inverted, the
// reverse direction (unmapId) is served from a persisted side table
// populated the first time a mirror is created.
package idmap

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base32"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const mirrorIDLength = 22

// Mapper derives mirrored ids and resolves them back to local ids.
type Mapper struct {
	key []byte
	db  *sql.DB
}

// New derives a mapping key from secret via HKDF (so the raw configured
// secret is never used directly as HMAC key material) and returns a Mapper
// backed by db for the reverse (unmap) side table.
func New(secret []byte, db *sql.DB) (*Mapper, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("idmap: empty secret")
	}
	kdf := hkdf.New(sha256.New, secret, []byte("relaymesh-gateway-idmap"), []byte("mirror-id-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("idmap: derive key: %w", err)
	}
	return &Mapper{key: key, db: db}, nil
}

// EnsureSchema creates the side table used by Unmap/Record if missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS gateway_id_map (
			gateway_id TEXT NOT NULL,
			mirror_id  TEXT NOT NULL,
			local_id   TEXT NOT NULL,
			PRIMARY KEY (gateway_id, mirror_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("idmap: ensure schema: %w", err)
	}
	return nil
}

// MapID computes the mirrored id for a local asset id under gateway g.
// Purity: deterministic for the mapper's lifetime. Callers that intend to
// later Unmap this id must call Record once the mirror row exists.
func (m *Mapper) MapID(gatewayID, localID string) string {
	mac := hmac.New(sha256.New, m.key)
	_, _ = mac.Write([]byte(gatewayID))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(localID))
	sum := mac.Sum(nil)

	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum)
	enc = strings.ToUpper(enc)
	if len(enc) < mirrorIDLength {
		// Not reachable with a 32-byte SHA-256 sum, but keep the
		// contract explicit rather than silently returning a short id.
		panic("idmap: encoded digest shorter than mirror id length")
	}
	return enc[:mirrorIDLength]
}

// Record persists the mirrorID -> localID side-table entry for gateway g.
// Must be called once, at mirror-row creation time, before Unmap is ever
// invoked for that mirror id.
func (m *Mapper) Record(ctx context.Context, gatewayID, mirrorID, localID string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO gateway_id_map (gateway_id, mirror_id, local_id)
		VALUES (?, ?, ?)
		ON CONFLICT (gateway_id, mirror_id) DO UPDATE SET local_id = excluded.local_id
	`, gatewayID, mirrorID, localID)
	if err != nil {
		return fmt.Errorf("idmap: record mapping: %w", err)
	}
	return nil
}

// Forget removes the side-table entry for a mirror id, e.g. when the
// mirrored asset is deleted during reconciliation.
func (m *Mapper) Forget(ctx context.Context, gatewayID, mirrorID string) error {
	_, err := m.db.ExecContext(ctx, `
		DELETE FROM gateway_id_map WHERE gateway_id = ? AND mirror_id = ?
	`, gatewayID, mirrorID)
	if err != nil {
		return fmt.Errorf("idmap: forget mapping: %w", err)
	}
	return nil
}

// ForgetAll removes every side-table entry for a gateway, used on gateway
// deletion when the whole mirrored subtree is torn down.
func (m *Mapper) ForgetAll(ctx context.Context, gatewayID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM gateway_id_map WHERE gateway_id = ?`, gatewayID)
	if err != nil {
		return fmt.Errorf("idmap: forget all mappings: %w", err)
	}
	return nil
}

// UnmapID resolves a mirrored id back to its gateway-local id.
func (m *Mapper) UnmapID(ctx context.Context, gatewayID, mirrorID string) (string, error) {
	var localID string
	err := m.db.QueryRowContext(ctx, `
		SELECT local_id FROM gateway_id_map WHERE gateway_id = ? AND mirror_id = ?
	`, gatewayID, mirrorID).Scan(&localID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("idmap: no mapping for mirror id %q under gateway %q", mirrorID, gatewayID)
	}
	if err != nil {
		return "", fmt.Errorf("idmap: unmap: %w", err)
	}
	return localID, nil
}
