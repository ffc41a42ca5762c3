package gwclient

import (
	"context"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/pkg/assets"
)

func TestSimulator_Query_ReturnsAllRooms(t *testing.T) {
	sim := NewSimulator(3, time.Hour, 42)

	result, err := sim.Query(context.Background(), assets.Query{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(result) != 3 {
		t.Errorf("Query() returned %d assets, want 3", len(result))
	}
}

func TestSimulator_Query_ByID(t *testing.T) {
	sim := NewSimulator(3, time.Hour, 42)

	all, err := sim.Query(context.Background(), assets.Query{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	target := all[0].ID

	result, err := sim.Query(context.Background(), assets.Query{IDs: []string{target}})
	if err != nil {
		t.Fatalf("Query(IDs) error = %v", err)
	}
	if len(result) != 1 || result[0].ID != target {
		t.Errorf("Query(IDs) = %+v, want single asset %q", result, target)
	}
}

func TestSimulator_Get(t *testing.T) {
	sim := NewSimulator(1, time.Hour, 42)
	all, _ := sim.Query(context.Background(), assets.Query{})
	id := all[0].ID

	a, err := sim.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a.ID != id {
		t.Errorf("Get() ID = %q, want %q", a.ID, id)
	}
}

func TestSimulator_Get_NotFound(t *testing.T) {
	sim := NewSimulator(1, time.Hour, 42)
	if _, err := sim.Get(context.Background(), "missing"); err == nil {
		t.Error("Get() should fail for an unknown asset id")
	}
}

func TestSimulator_ApplyCreate_Rejected(t *testing.T) {
	sim := NewSimulator(1, time.Hour, 42)
	if _, err := sim.ApplyCreate(context.Background(), assets.Asset{}); err == nil {
		t.Error("ApplyCreate() should be rejected by a read-only simulated tree")
	}
}

func TestSimulator_ApplyAttribute(t *testing.T) {
	sim := NewSimulator(1, time.Hour, 42)
	all, _ := sim.Query(context.Background(), assets.Query{})
	id := all[0].ID

	err := sim.ApplyAttribute(context.Background(), assets.AttributeEvent{
		Ref:   assets.AttributeRef{AssetID: id, AttributeName: "motion"},
		Value: true,
	})
	if err != nil {
		t.Fatalf("ApplyAttribute() error = %v", err)
	}

	a, err := sim.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v, _ := a.Attributes["motion"].Value.(bool); !v {
		t.Errorf("motion = %v, want true", a.Attributes["motion"].Value)
	}
}

func TestSimulator_Run_EmitsPerturbations(t *testing.T) {
	sim := NewSimulator(2, time.Millisecond, 7)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go sim.Run(ctx)

	select {
	case _, ok := <-sim.Changes():
		if !ok {
			t.Fatal("Changes() closed before emitting any perturbation")
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not emit a perturbation within the timeout")
	}
}
