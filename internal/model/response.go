package model

// Message is one user-facing notification produced while handling a request.
type Message struct {
	// Level is either "info" or "warning".
	Level string `json:"level"`
	Text  string `json:"text"`
}

// LockResponse represents the response from lock/unlock operations.
type LockResponse struct {
	// Status indicates the overall status of the operation.
	// For successful operations this is:
	//   - "locked"   after a lock request
	//   - "unlocked" after an unlock request
	// For error responses this is:
	//   - "error"
	Status string `json:"status"`

	// Stage is the last stage the request reached.
	Stage string `json:"stage,omitempty"`

	// Pushed is true when a push succeeded.
	Pushed bool `json:"pushed"`

	// Messages are the notifications collected while handling the request.
	Messages []Message `json:"messages,omitempty"`

	// Message provides additional context about an error.
	Message string `json:"message,omitempty"`
}

// LockStatusResponse is returned by the lock status query.
type LockStatusResponse struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	// Status is one of "unlocked", "locked_unlockable" or "locked_not_unlockable".
	Status string `json:"status"`

	// LockOwner is the site holding the lock, if any.
	LockOwner string `json:"lock_owner,omitempty"`
}
