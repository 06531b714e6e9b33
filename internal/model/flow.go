package model

// Flow binds entity types and bundles to the synchronization machinery.
type Flow struct {
	ID    string           `json:"id" yaml:"id"`
	Label string           `json:"label,omitempty" yaml:"label"`
	Types []FlowEntityType `json:"types,omitempty" yaml:"types"`
}

// FlowEntityType lists the bundles of one entity type a flow can push.
// An empty bundle list matches every bundle of the type.
type FlowEntityType struct {
	Type    string   `json:"type" yaml:"type"`
	Bundles []string `json:"bundles,omitempty" yaml:"bundles"`
}

// Handles reports whether the flow pushes entities of the given type and bundle.
func (f Flow) Handles(entityType, bundle string) bool {
	for _, t := range f.Types {
		if t.Type != entityType {
			continue
		}
		if len(t.Bundles) == 0 {
			return true
		}
		for _, b := range t.Bundles {
			if b == bundle {
				return true
			}
		}
	}
	return false
}

// FlowPools is one entry of the manual pool-selection configuration: the
// pools a flow may push an entity type/bundle into.
type FlowPools struct {
	FlowID string
	Pools  []Pool
}

// PushAction is the action requested from the push transport.
type PushAction string

const (
	// ActionCreate pushes the entity as a create-or-update.
	ActionCreate PushAction = "create"
	// ActionUpdate pushes the entity as an update of an existing remote copy.
	ActionUpdate PushAction = "update"
)

// PushRequest is everything a push transport needs for one attempt.
// Flow and Pools are nil for an unconstrained push, in which case the
// transport pushes to every flow and pool the entity is eligible for.
type PushRequest struct {
	Entity *Entity    `json:"entity"`
	Forced bool       `json:"forced"`
	Action PushAction `json:"action"`
	Flow   *Flow      `json:"flow,omitempty"`
	Pools  []Pool     `json:"pools,omitempty"`
}

// Unconstrained reports whether the request carries no flow or pool restriction.
func (r PushRequest) Unconstrained() bool {
	return r.Flow == nil && len(r.Pools) == 0
}
