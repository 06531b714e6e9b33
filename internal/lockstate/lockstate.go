// Package lockstate derives the lock status of an entity relative to the
// local site. Nothing here is cached: callers recompute after every mutation.
package lockstate

import (
	"github.com/n3tuk/content-sync-lock/internal/model"
)

// Status is the lock status of an entity relative to the local site.
type Status int

const (
	// Unlocked means no site holds the lock.
	Unlocked Status = iota
	// LockedByMe means the local site holds the lock and may release it.
	LockedByMe
	// LockedByOther means another site holds the lock.
	LockedByOther
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case LockedByMe:
		return "locked-by-me"
	case LockedByOther:
		return "locked-by-other"
	default:
		return "unlocked"
	}
}

// Presentation is the lock status offered to presentation layers.
type Presentation string

const (
	// PresentUnlocked is shown for unlocked entities.
	PresentUnlocked Presentation = "unlocked"
	// PresentLockedUnlockable is shown when this site may release the lock.
	PresentLockedUnlockable Presentation = "locked_unlockable"
	// PresentLockedNotUnlockable is shown when another site holds the lock.
	PresentLockedNotUnlockable Presentation = "locked_not_unlockable"
)

// Compute returns the lock status of entity for the site identified by siteID.
func Compute(entity *model.Entity, siteID string) Status {
	if entity == nil || entity.LockOwner == "" {
		return Unlocked
	}
	if entity.LockOwner == siteID {
		return LockedByMe
	}
	return LockedByOther
}

// Present maps a status to its presentation value.
func Present(s Status) Presentation {
	switch s {
	case LockedByMe:
		return PresentLockedUnlockable
	case LockedByOther:
		return PresentLockedNotUnlockable
	default:
		return PresentUnlocked
	}
}
