package flows

import (
	"fmt"

	"github.com/n3tuk/content-sync-lock/internal/model"
)

// Snapshot is an immutable view of the pool and flow configuration. A
// request takes one snapshot up front and uses it throughout, so a reload
// in the middle of the request cannot change the flow order it sees.
type Snapshot struct {
	pools     map[string]model.Pool
	flows     map[string]model.Flow
	flowOrder []string
	selection map[string]map[string][]model.FlowPools
}

// Selection is one manual pool-selection entry: the flow and the ids of the
// pools it may push into, in configured order.
type Selection struct {
	Flow  string   `yaml:"flow"`
	Pools []string `yaml:"pools"`
}

// Config is the on-disk shape of the flow registry.
type Config struct {
	Pools         []model.Pool                      `yaml:"pools"`
	Flows         []model.Flow                      `yaml:"flows"`
	PoolSelection map[string]map[string][]Selection `yaml:"pool_selection"`
}

// NewSnapshot builds a snapshot from a parsed configuration. Selection
// entries naming unknown flows are kept: they surface as an inconsistency
// when an entity actually resolves through them.
func NewSnapshot(cfg Config) (*Snapshot, error) {
	s := &Snapshot{
		pools:     make(map[string]model.Pool, len(cfg.Pools)),
		flows:     make(map[string]model.Flow, len(cfg.Flows)),
		flowOrder: make([]string, 0, len(cfg.Flows)),
		selection: make(map[string]map[string][]model.FlowPools, len(cfg.PoolSelection)),
	}

	for _, p := range cfg.Pools {
		if p.ID == "" {
			return nil, fmt.Errorf("pool without id")
		}
		if _, ok := s.pools[p.ID]; ok {
			return nil, fmt.Errorf("duplicate pool %q", p.ID)
		}
		s.pools[p.ID] = p
	}

	for _, f := range cfg.Flows {
		if f.ID == "" {
			return nil, fmt.Errorf("flow without id")
		}
		if _, ok := s.flows[f.ID]; ok {
			return nil, fmt.Errorf("duplicate flow %q", f.ID)
		}
		s.flows[f.ID] = f
		s.flowOrder = append(s.flowOrder, f.ID)
	}

	for entityType, bundles := range cfg.PoolSelection {
		byBundle := make(map[string][]model.FlowPools, len(bundles))
		for bundle, entries := range bundles {
			list := make([]model.FlowPools, 0, len(entries))
			for _, e := range entries {
				if e.Flow == "" {
					return nil, fmt.Errorf("pool selection for %s/%s has an entry without flow", entityType, bundle)
				}
				fp := model.FlowPools{FlowID: e.Flow, Pools: make([]model.Pool, 0, len(e.Pools))}
				for _, id := range e.Pools {
					fp.Pools = append(fp.Pools, s.pool(id))
				}
				list = append(list, fp)
			}
			byBundle[bundle] = list
		}
		s.selection[entityType] = byBundle
	}

	return s, nil
}

// pool returns the configured pool, or a bare pool carrying only the id.
func (s *Snapshot) pool(id string) model.Pool {
	if p, ok := s.pools[id]; ok {
		return p
	}
	return model.Pool{ID: id}
}

// SelectablePools returns the manual pool-selection entries for an entity
// type and bundle in configured order. An empty result means the entity has
// no pool-selection constraint.
func (s *Snapshot) SelectablePools(entityType, bundle string) []model.FlowPools {
	entries := s.selection[entityType][bundle]
	out := make([]model.FlowPools, len(entries))
	for i, e := range entries {
		out[i] = model.FlowPools{FlowID: e.FlowID, Pools: append([]model.Pool(nil), e.Pools...)}
	}
	return out
}

// GetFlow returns the flow with the given id.
func (s *Snapshot) GetFlow(id string) (model.Flow, bool) {
	f, ok := s.flows[id]
	return f, ok
}

// FlowsForEntity returns the flows able to push the entity type and bundle,
// in configured order.
func (s *Snapshot) FlowsForEntity(entityType, bundle string) []model.Flow {
	var out []model.Flow
	for _, id := range s.flowOrder {
		if f := s.flows[id]; f.Handles(entityType, bundle) {
			out = append(out, f)
		}
	}
	return out
}

// LabelPools fills in configured labels for the given pools.
func (s *Snapshot) LabelPools(pools []model.Pool) []model.Pool {
	out := make([]model.Pool, len(pools))
	for i, p := range pools {
		out[i] = s.pool(p.ID)
	}
	return out
}

// unknownFlows lists selection entries whose flow is not registered.
func (s *Snapshot) unknownFlows() []string {
	var out []string
	for _, bundles := range s.selection {
		for _, entries := range bundles {
			for _, e := range entries {
				if _, ok := s.flows[e.FlowID]; !ok {
					out = append(out, e.FlowID)
				}
			}
		}
	}
	return out
}
