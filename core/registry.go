package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ConnectorRegistry is the injected lookup table of connectors keyed by
// provider id.
type ConnectorRegistry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewConnectorRegistry(connectors ...Connector) (*ConnectorRegistry, error) {
	registry := &ConnectorRegistry{connectors: make(map[string]Connector)}
	for _, connector := range connectors {
		if err := registry.Register(connector); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *ConnectorRegistry) Register(connector Connector) error {
	if r == nil {
		return fmt.Errorf("core: connector registry is nil")
	}
	if connector == nil {
		return fmt.Errorf("core: connector is nil")
	}
	id := normalizeProviderID(connector.ID())
	if id == "" {
		return fmt.Errorf("core: connector id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectors == nil {
		r.connectors = make(map[string]Connector)
	}
	if _, exists := r.connectors[id]; exists {
		return fmt.Errorf("core: connector already registered: %s", id)
	}
	r.connectors[id] = connector
	return nil
}

func (r *ConnectorRegistry) Get(providerID string) (Connector, bool) {
	if r == nil {
		return nil, false
	}
	id := normalizeProviderID(providerID)
	if id == "" {
		return nil, false
	}
	r.mu.RLock()
	connector, ok := r.connectors[id]
	r.mu.RUnlock()
	return connector, ok
}

func (r *ConnectorRegistry) List() []Connector {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	connectors := make([]Connector, 0, len(keys))
	for _, id := range keys {
		connectors = append(connectors, r.connectors[id])
	}
	return connectors
}

func normalizeProviderID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
