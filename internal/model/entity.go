package model

import (
	"time"
)

// Entity is a replicated content item as seen by the lock service.
// Only the lock owner and the changed timestamp are mutated here; the rest is
// owned by the content system that created the entity.
type Entity struct {
	// Type is the entity type, e.g. "node" or "media".
	Type string `json:"type"`

	// ID is the site-local identifier of the entity.
	ID string `json:"id"`

	// UUID is the identifier shared by all sites replicating the entity.
	UUID string `json:"uuid"`

	// Bundle is the entity sub-type, e.g. "article".
	Bundle string `json:"bundle"`

	// Label is the human readable title used in notifications.
	Label string `json:"label,omitempty"`

	// LockOwner is the site identifier holding the lock, empty when unlocked.
	LockOwner string `json:"lock_owner,omitempty"`

	// Changed is the last-modified timestamp of the entity.
	Changed time.Time `json:"changed"`

	// Revision is incremented by the entity store on every save and is used
	// for compare-and-swap writes.
	Revision uint64 `json:"revision"`
}

// DisplayLabel returns the label, falling back to type and id.
func (e *Entity) DisplayLabel() string {
	if e.Label != "" {
		return e.Label
	}
	return e.Type + "/" + e.ID
}

// StatusRecord is the per (entity, pool) synchronization bookkeeping.
type StatusRecord struct {
	EntityType string `json:"entity_type"`
	EntityUUID string `json:"entity_uuid"`
	PoolID     string `json:"pool_id"`

	// FlowID is the flow that last synchronized the entity into the pool.
	FlowID string `json:"flow_id,omitempty"`

	// LastPull is when the entity was last pulled from the pool, nil if the
	// local copy is authoritative.
	LastPull *time.Time `json:"last_pull,omitempty"`
}

// Pool is a named replication target.
type Pool struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label,omitempty" yaml:"label"`
}
