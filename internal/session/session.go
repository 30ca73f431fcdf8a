// Package session provides the agent's session identity and the scope-local
// storages it is kept in.
package session

import (
	"github.com/google/uuid"
)

// StorageKey is the scope-local key holding the session id.
const StorageKey = "uxtrace-session-id"

// Storage is a key-value store scoped to one browsing session.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// NewID returns a fresh, collision-resistant session id.
func NewID() string {
	return "session-" + uuid.NewString()
}

// GetOrCreateID returns the session id held in storage, generating and
// storing one when absent. Repeated calls against the same scope return the
// same value. A failed write still returns the generated id so capture can
// proceed; the error reports that the id will not survive a reload.
func GetOrCreateID(storage Storage) (string, error) {
	if id, ok := storage.Get(StorageKey); ok && id != "" {
		return id, nil
	}
	id := NewID()
	if err := storage.Set(StorageKey, id); err != nil {
		return id, err
	}
	return id, nil
}
