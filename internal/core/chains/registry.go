// Package chains holds the static chain catalog and the provider resolver.
//
// The catalog is populated once and never mutated. Callers only ever receive
// copies, so the reorg depth it reports is the single source of truth for
// reconciliation.
package chains

import (
	"fmt"
	"maps"
	"sync"

	"github.com/vietddude/chainsync/internal/core/domain"
)

type entry struct {
	id         uint64
	name       domain.ChainName
	reorgDepth uint64
	ankr       bool
	llamanodes bool
}

var table = []entry{
	{1, domain.ChainMainnet, 12, true, true},
	{137, domain.ChainPolygon, 128, true, true},
	{250, domain.ChainFantom, 5, true, true},
	{10, domain.ChainOptimism, 20, true, false},
	{42161, domain.ChainArbitrum, 20, false, false},
	{20, domain.ChainGnosis, 20, true, false},
	{56, domain.ChainBSC, 16, false, false},
	{43114, domain.ChainAvalanche, 16, true, false},
}

var (
	once    sync.Once
	byName  map[domain.ChainName]domain.Chain
	byID    map[uint64]domain.Chain
	inOrder []domain.ChainName
)

func load() {
	once.Do(func() {
		byName = make(map[domain.ChainName]domain.Chain, len(table))
		byID = make(map[uint64]domain.Chain, len(table))
		for _, e := range table {
			c := domain.Chain{
				ID:         e.id,
				Name:       e.name,
				ReorgDepth: e.reorgDepth,
				Providers: map[domain.ProviderName]bool{
					domain.ProviderAnkr:       e.ankr,
					domain.ProviderLlamaNodes: e.llamanodes,
				},
			}
			byName[c.Name] = c
			byID[c.ID] = c
			inOrder = append(inOrder, c.Name)
		}
	})
}

func clone(c domain.Chain) domain.Chain {
	c.Providers = maps.Clone(c.Providers)
	return c
}

// List returns every supported chain in catalog order.
func List() []domain.Chain {
	load()
	out := make([]domain.Chain, 0, len(inOrder))
	for _, name := range inOrder {
		out = append(out, clone(byName[name]))
	}
	return out
}

// Get looks a chain up by name.
func Get(name string) (domain.Chain, error) {
	load()
	n, err := domain.ParseChainName(name)
	if err != nil {
		return domain.Chain{}, err
	}
	c, ok := byName[n]
	if !ok {
		return domain.Chain{}, fmt.Errorf("%w: %q", domain.ErrUnknownChain, name)
	}
	return clone(c), nil
}

// ByID looks a chain up by numeric chain id.
func ByID(id uint64) (domain.Chain, error) {
	load()
	c, ok := byID[id]
	if !ok {
		return domain.Chain{}, fmt.Errorf("%w: id %d", domain.ErrUnknownChain, id)
	}
	return clone(c), nil
}
