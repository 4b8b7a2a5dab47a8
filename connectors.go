package alignment

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/providers/meta"
	"github.com/goliatone/go-alignment/providers/shopify"
)

func ShopifyConnector(cfg shopify.Config) (core.Connector, error) {
	connector, err := shopify.New(cfg)
	if err != nil {
		return nil, err
	}
	return connector, nil
}

func MetaConnector(cfg meta.Config) (core.Connector, error) {
	connector, err := meta.New(cfg)
	if err != nil {
		return nil, err
	}
	return connector, nil
}

// ConnectorPack is a named group of connectors registered together, such
// as every connector one deployment enables.
type ConnectorPack struct {
	Name       string
	Connectors []core.Connector
}

// ConnectorPacks collects packs before the runtime is built.
type ConnectorPacks struct {
	mu    sync.RWMutex
	packs map[string]ConnectorPack
}

func NewConnectorPacks() *ConnectorPacks {
	return &ConnectorPacks{packs: map[string]ConnectorPack{}}
}

func (p *ConnectorPacks) Register(pack ConnectorPack) error {
	if p == nil {
		return fmt.Errorf("alignment: connector packs are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("alignment: connector pack name is required")
	}
	if len(pack.Connectors) == 0 {
		return fmt.Errorf("alignment: connector pack %q has no connectors", name)
	}
	for _, connector := range pack.Connectors {
		if connector == nil {
			return fmt.Errorf("alignment: connector pack %q contains a nil connector", name)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.packs[name]; exists {
		return fmt.Errorf("alignment: connector pack %q already registered", name)
	}
	p.packs[name] = ConnectorPack{Name: name, Connectors: append([]core.Connector(nil), pack.Connectors...)}
	return nil
}

func (p *ConnectorPacks) Names() []string {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.packs))
	for name := range p.packs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connectors flattens every pack in name order. A provider id claimed by
// two packs is an error.
func (p *ConnectorPacks) Connectors() ([]core.Connector, error) {
	if p == nil {
		return nil, nil
	}
	names := p.Names()

	p.mu.RLock()
	defer p.mu.RUnlock()
	owner := map[string]string{}
	out := []core.Connector{}
	for _, name := range names {
		for _, connector := range p.packs[name].Connectors {
			id := strings.TrimSpace(strings.ToLower(connector.ID()))
			if previous, exists := owner[id]; exists {
				return nil, fmt.Errorf("alignment: connector %q registered by packs %q and %q", id, previous, name)
			}
			owner[id] = name
			out = append(out, connector)
		}
	}
	return out, nil
}
