package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"trustmesh/storage"
)

// Manager provides typed key-value access over a raw storage backend. Values
// are RLP encoded; keys are stored verbatim so prefix scans stay meaningful.
type Manager struct {
	db storage.Database
}

// NewManager wraps the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the
// key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(key)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the key. Deleting an absent key is not an error.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.db.Delete(key)
}

// KVIterate walks every entry under prefix, decoding nothing: callers receive
// the raw key and RLP value and decide what to decode. Returning false from
// fn stops the walk.
func (m *Manager) KVIterate(prefix []byte, fn func(key, value []byte) bool) error {
	if len(prefix) == 0 {
		return fmt.Errorf("kv: prefix must not be empty")
	}
	return m.db.Iterate(prefix, fn)
}
