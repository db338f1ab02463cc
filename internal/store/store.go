package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Node role
	SaveNodeRole(role *NodeRole) error
	GetNodeRole() (*NodeRole, error)

	// Touchlink history
	AddRecord(rec *Record) error
	ListRecords(limit int) ([]*Record, error)

	// EraseAll drops the node role and the history, as after a factory reset.
	EraseAll() error

	// Close the store
	Close() error
}
