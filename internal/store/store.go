package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface. Device records themselves are never
// persisted; the daemon is the source of truth for them.
type Store interface {
	// Action journal
	AppendAction(rec *ActionRecord) error
	ListActions(limit int) ([]*ActionRecord, error)
	PruneActions(keep int) error

	// Adapter state
	SaveAdapterState(state *AdapterState) error
	GetAdapterState() (*AdapterState, error)

	// Close the store
	Close() error
}
