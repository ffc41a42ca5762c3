package gateway

import (
	"fmt"
	"sync"
)

// ConnectorMap holds one Connector per known gateway asset, keyed by
// gateway id. Adapted from the teacher's session-registry pattern: a
// sync.Map guarded by a capacity ceiling, used concurrently by the
// WebSocket accept handler, the admin REST handlers, and the Event
// Router.
type ConnectorMap struct {
	connectors sync.Map
	maxEntries int
	count      int
	countMu    sync.Mutex
}

// NewConnectorMap creates a ConnectorMap that refuses to grow past limit
// distinct gateways (§9, MaxConnectors).
func NewConnectorMap(limit int) *ConnectorMap {
	return &ConnectorMap{maxEntries: limit}
}

// GetOrCreate returns the existing connector for gatewayID, or creates one
// via newConn if none exists yet. Returns an error if the map is already at
// capacity and gatewayID is not already present.
func (m *ConnectorMap) GetOrCreate(gatewayID string, newConn func() *Connector) (*Connector, error) {
	if existing, ok := m.connectors.Load(gatewayID); ok {
		return existing.(*Connector), nil
	}

	m.countMu.Lock()
	defer m.countMu.Unlock()

	if existing, ok := m.connectors.Load(gatewayID); ok {
		return existing.(*Connector), nil
	}
	if m.maxEntries > 0 && m.count >= m.maxEntries {
		return nil, fmt.Errorf("gateway: maximum connectors reached (%d)", m.maxEntries)
	}
	c := newConn()
	m.connectors.Store(gatewayID, c)
	m.count++
	return c, nil
}

// Get returns the connector for gatewayID, or false if none has been
// created yet.
func (m *ConnectorMap) Get(gatewayID string) (*Connector, bool) {
	val, ok := m.connectors.Load(gatewayID)
	if !ok {
		return nil, false
	}
	return val.(*Connector), true
}

// List returns every known connector.
func (m *ConnectorMap) List() []*Connector {
	var result []*Connector
	m.connectors.Range(func(_, value any) bool {
		result = append(result, value.(*Connector))
		return true
	})
	return result
}

// Delete removes gatewayID's connector entry entirely, e.g. when the
// gateway asset itself is deleted. The caller is responsible for disabling
// the connector first so any in-flight connection is torn down.
func (m *ConnectorMap) Delete(gatewayID string) {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	if _, loaded := m.connectors.LoadAndDelete(gatewayID); loaded {
		m.count--
	}
}

// Count returns the number of known gateways.
func (m *ConnectorMap) Count() int {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	return m.count
}
