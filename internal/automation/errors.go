package automation

import "errors"

var (
	// ErrScriptNotFound is returned when no script file exists for an ID.
	ErrScriptNotFound = errors.New("automation: script not found")
	// ErrInvalidScriptID is returned for IDs that are not safe file stems.
	ErrInvalidScriptID = errors.New("automation: invalid script id")
)
