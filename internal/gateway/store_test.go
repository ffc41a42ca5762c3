package gateway

import (
	"context"
	"database/sql"
	"testing"

	"github.com/relaymesh/relaymesh/internal/assetstore"
	_ "modernc.org/sqlite"
)

func testGatewayDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	allMigrations := append(assetstore.Migrations(), migrations()...)
	for _, m := range allMigrations {
		tx, err := db.Begin()
		if err != nil {
			t.Fatalf("begin migration tx: %v", err)
		}
		if err := m.Up(tx); err != nil {
			t.Fatalf("run migration %d: %v", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit migration %d: %v", m.Version, err)
		}
	}
	return db
}

func TestGatewayStore_CreateAndFindByClientID(t *testing.T) {
	db := testGatewayDB(t)
	gs := NewGatewayStore(assetstore.New(db))
	ctx := context.Background()

	created, secret, err := gs.Create(ctx, "acme", "Front Desk Gateway")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if secret == "" {
		t.Error("Create() returned an empty client secret")
	}

	found, err := gs.FindByClientID(ctx, "acme", ClientID(created))
	if err != nil {
		t.Fatalf("FindByClientID() error = %v", err)
	}
	if found.ID != created.ID {
		t.Errorf("FindByClientID() ID = %q, want %q", found.ID, created.ID)
	}
}

func TestGatewayStore_FindByClientID_WrongRealm(t *testing.T) {
	db := testGatewayDB(t)
	gs := NewGatewayStore(assetstore.New(db))
	ctx := context.Background()

	created, _, err := gs.Create(ctx, "acme", "Gateway")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := gs.FindByClientID(ctx, "other-realm", ClientID(created)); err != ErrGatewayNotFound {
		t.Errorf("FindByClientID() error = %v, want ErrGatewayNotFound", err)
	}
}

func TestGatewayStore_List(t *testing.T) {
	db := testGatewayDB(t)
	gs := NewGatewayStore(assetstore.New(db))
	ctx := context.Background()

	if _, _, err := gs.Create(ctx, "acme", "Gateway A"); err != nil {
		t.Fatalf("Create(A) error = %v", err)
	}
	if _, _, err := gs.Create(ctx, "acme", "Gateway B"); err != nil {
		t.Fatalf("Create(B) error = %v", err)
	}
	if _, _, err := gs.Create(ctx, "other-realm", "Gateway C"); err != nil {
		t.Fatalf("Create(C) error = %v", err)
	}

	list, err := gs.List(ctx, "acme")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("List() returned %d gateways, want 2", len(list))
	}
}

func TestGatewayStore_Delete(t *testing.T) {
	db := testGatewayDB(t)
	gs := NewGatewayStore(assetstore.New(db))
	ctx := context.Background()

	created, _, err := gs.Create(ctx, "acme", "Gateway")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := gs.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := gs.Get(ctx, "acme", created.ID); err != ErrGatewayNotFound {
		t.Errorf("Get() after Delete error = %v, want ErrGatewayNotFound", err)
	}
}

func TestConnectionStore_CreateListGetDelete(t *testing.T) {
	db := testGatewayDB(t)
	cs := NewConnectionStore(db)
	ctx := context.Background()

	created, err := cs.Create(ctx, GatewayConnection{
		Realm:        "acme",
		Host:         "10.0.0.5",
		Port:         8080,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.ID == "" {
		t.Error("Create() did not mint an id")
	}

	got, err := cs.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Host != "10.0.0.5" || got.Port != 8080 {
		t.Errorf("Get() = %+v, want host=10.0.0.5 port=8080", got)
	}

	list, err := cs.List(ctx, "acme")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List() returned %d connections, want 1", len(list))
	}

	realms, err := cs.allRealms(ctx)
	if err != nil {
		t.Fatalf("allRealms() error = %v", err)
	}
	if len(realms) != 1 || realms[0] != "acme" {
		t.Errorf("allRealms() = %v, want [acme]", realms)
	}

	if err := cs.SetDisabled(ctx, created.ID, true); err != nil {
		t.Fatalf("SetDisabled() error = %v", err)
	}
	got, err = cs.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() after SetDisabled error = %v", err)
	}
	if !got.Disabled {
		t.Error("Disabled = false after SetDisabled(true)")
	}

	if err := cs.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := cs.Get(ctx, created.ID); err != ErrGatewayNotFound {
		t.Errorf("Get() after Delete error = %v, want ErrGatewayNotFound", err)
	}
}

func TestConnectionStore_Get_NotFound(t *testing.T) {
	db := testGatewayDB(t)
	cs := NewConnectionStore(db)
	if _, err := cs.Get(context.Background(), "missing"); err != ErrGatewayNotFound {
		t.Errorf("Get() error = %v, want ErrGatewayNotFound", err)
	}
}
