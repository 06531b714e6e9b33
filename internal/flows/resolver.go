package flows

import (
	"github.com/n3tuk/content-sync-lock/internal/model"
)

// Candidate is a flow eligible to push an entity, with the entity pools that
// fall inside the flow's allowed pools.
type Candidate struct {
	Flow  model.Flow
	Pools []model.Pool
}

// Plan is the ordered set of pushes to attempt for an entity. An
// unconstrained plan carries no candidates and asks for a single push with
// no flow or pool restriction.
type Plan struct {
	unconstrained bool
	Candidates    []Candidate
}

// Unconstrained returns the plan for an entity without pool selection.
func Unconstrained() Plan {
	return Plan{unconstrained: true}
}

// Constrained returns a plan attempting the candidates in order.
func Constrained(candidates []Candidate) Plan {
	return Plan{Candidates: candidates}
}

// IsUnconstrained reports whether the plan is a single unrestricted push.
func (p Plan) IsUnconstrained() bool {
	return p.unconstrained
}

// FlowLookup resolves flow ids to flow definitions.
type FlowLookup interface {
	GetFlow(id string) (model.Flow, bool)
}

// Resolver enumerates eligible flows. It never decides whether a push
// succeeds.
type Resolver struct {
	flows FlowLookup
}

// NewResolver creates a resolver looking flows up in the given registry view.
func NewResolver(flows FlowLookup) *Resolver {
	return &Resolver{flows: flows}
}

// Plan returns the push plan for an entity in the given pools: unconstrained
// when selectable is empty, otherwise the eligible flows in configured order.
func (r *Resolver) Plan(entityPools []model.Pool, selectable []model.FlowPools) (Plan, error) {
	if len(selectable) == 0 {
		return Unconstrained(), nil
	}
	candidates, err := r.EligibleFlows(entityPools, selectable)
	if err != nil {
		return Plan{}, err
	}
	return Constrained(candidates), nil
}

// EligibleFlows walks the pool selection in configured order, intersects
// each flow's allowed pools with the entity's pools and returns the flows
// with a non-empty intersection. The intersection keeps the flow's pool
// order. A flow id missing from the registry fails the whole resolution.
func (r *Resolver) EligibleFlows(entityPools []model.Pool, selectable []model.FlowPools) ([]Candidate, error) {
	member := make(map[string]model.Pool, len(entityPools))
	for _, p := range entityPools {
		member[p.ID] = p
	}

	var candidates []Candidate
	for _, sel := range selectable {
		var matched []model.Pool
		for _, allowed := range sel.Pools {
			if _, ok := member[allowed.ID]; ok {
				matched = append(matched, allowed)
			}
		}
		if len(matched) == 0 {
			continue
		}

		flow, ok := r.flows.GetFlow(sel.FlowID)
		if !ok {
			return nil, &InconsistencyError{FlowID: sel.FlowID}
		}

		candidates = append(candidates, Candidate{Flow: flow, Pools: matched})
	}

	return candidates, nil
}
