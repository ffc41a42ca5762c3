package gwclient

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/gwproto"
	"github.com/relaymesh/relaymesh/pkg/assets"
)

// Simulator is a DataSource that invents a small fixed asset tree of
// simulated sensors and periodically perturbs their attribute values,
// standing in for a real device integration during demos and tests.
type Simulator struct {
	mu     sync.Mutex
	assets map[string]assets.Asset
	rng    *rand.Rand
	out    chan gwproto.SharedEvent
	tick   time.Duration
}

// NewSimulator builds a simulator with roomCount simulated rooms, each
// with a temperature and motion sensor attribute, emitting a random
// attribute change roughly every tick.
func NewSimulator(roomCount int, tick time.Duration, seed int64) *Simulator {
	s := &Simulator{
		assets: make(map[string]assets.Asset),
		rng:    rand.New(rand.NewSource(seed)),
		out:    make(chan gwproto.SharedEvent, 64),
		tick:   tick,
	}
	now := time.Now()
	for i := 0; i < roomCount; i++ {
		id := assets.NewID()
		s.assets[id] = assets.Asset{
			ID:        id,
			Name:      fmt.Sprintf("Simulated Room %d", i+1),
			Type:      assets.TypeSimulated,
			CreatedAt: now,
			Version:   1,
			Attributes: map[string]assets.Attribute{
				"temperature": {Name: "temperature", ValueType: assets.ValueTypeNumber, Value: 21.0, Timestamp: now},
				"motion":      {Name: "motion", ValueType: assets.ValueTypeBoolean, Value: false, Timestamp: now},
			},
		}
	}
	return s
}

// Run perturbs a random attribute on a random simulated asset every tick
// until ctx is canceled. Must be started before the Client begins
// draining Changes().
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(s.out)
			return
		case <-ticker.C:
			s.perturb()
		}
	}
}

func (s *Simulator) perturb() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.assets) == 0 {
		return
	}
	ids := make([]string, 0, len(s.assets))
	for id := range s.assets {
		ids = append(ids, id)
	}
	id := ids[s.rng.Intn(len(ids))]
	a := s.assets[id]

	var name string
	var value any
	if s.rng.Intn(2) == 0 {
		name = "temperature"
		value = 18 + s.rng.Float64()*8
	} else {
		name = "motion"
		value = s.rng.Intn(2) == 0
	}
	now := time.Now()
	attr := a.Attributes[name]
	attr.Value = value
	attr.Timestamp = now
	a.Attributes[name] = attr
	a.Version++
	s.assets[id] = a

	ev := gwproto.SharedEvent{
		EventType: gwproto.EventTypeAttribute,
		Attribute: &assets.AttributeEvent{
			Ref:       assets.AttributeRef{AssetID: id, AttributeName: name},
			Value:     value,
			Timestamp: now,
			Source:    assets.SourceSensor,
		},
	}
	select {
	case s.out <- ev:
	default:
	}
}

func (s *Simulator) Query(_ context.Context, q assets.Query) ([]assets.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(q.IDs) > 0 {
		var result []assets.Asset
		for _, id := range q.IDs {
			if a, ok := s.assets[id]; ok {
				result = append(result, stripSelect(a, q))
			}
		}
		return result, nil
	}
	result := make([]assets.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		result = append(result, stripSelect(a, q))
	}
	return result, nil
}

func stripSelect(a assets.Asset, q assets.Query) assets.Asset {
	if q.Select.ExcludeAttributes {
		a.Attributes = nil
	}
	return a
}

func (s *Simulator) Get(_ context.Context, id string) (assets.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return assets.Asset{}, fmt.Errorf("gwclient: simulated asset %s not found", id)
	}
	return a, nil
}

// ApplyCreate, ApplyUpdate, and ApplyDelete are no-ops returning the
// manager's request unchanged: the simulator's tree is fixed, mirroring a
// read-only sensor deployment that doesn't accept structural writes.
func (s *Simulator) ApplyCreate(_ context.Context, a assets.Asset) (assets.Asset, error) {
	return a, fmt.Errorf("gwclient: simulated devices do not accept asset creation")
}

func (s *Simulator) ApplyUpdate(_ context.Context, a assets.Asset) (assets.Asset, error) {
	return a, fmt.Errorf("gwclient: simulated devices do not accept structural updates")
}

func (s *Simulator) ApplyDelete(_ context.Context, _ string) error {
	return fmt.Errorf("gwclient: simulated devices do not accept deletion")
}

// ApplyAttribute accepts a write-through attribute change (e.g. toggling a
// simulated actuator from the manager) and applies it locally.
func (s *Simulator) ApplyAttribute(_ context.Context, ae assets.AttributeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[ae.Ref.AssetID]
	if !ok {
		return fmt.Errorf("gwclient: simulated asset %s not found", ae.Ref.AssetID)
	}
	attr := a.Attributes[ae.Ref.AttributeName]
	attr.Value = ae.Value
	attr.Timestamp = ae.Timestamp
	a.Attributes[ae.Ref.AttributeName] = attr
	a.Version++
	s.assets[ae.Ref.AssetID] = a
	return nil
}

func (s *Simulator) Changes() <-chan gwproto.SharedEvent {
	return s.out
}
