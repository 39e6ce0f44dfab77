// Package objstore is the reference data type referenced by spec §1 ("the
// included example data type... as a reference implementation of the
// shard contract"), analogous to the original system's small-file store.
// It stores each key's bytes in a bbolt bucket, grounded on
// man0j-012-distributed_object_store's use of bbolt as a durable
// key/value backend in the retrieval pack, and defines the mutation
// payload format every DataShard log entry for this type carries.
package objstore

import (
	"encoding/json"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Read when path has no stored value.
var ErrNotFound = errors.New("objstore: not found")

var bucketName = []byte("objects")

// Mutation is the wire shape of a replication log entry for this data
// type (spec §3: "Payload is opaque bytes (in practice a serialized
// mutation descriptor such as {path, data}, with data=null meaning
// delete)"). Delete is explicit here rather than relying on a nil/empty
// byte slice, which JSON doesn't distinguish cleanly.
type Mutation struct {
	Path   string `json:"path"`
	Data   []byte `json:"data,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

// Store is a bbolt-backed key/value store, one bucket of opaque byte
// values keyed by path.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at dbPath with the
// objects bucket ready.
func Open(dbPath string) (*Store, error) {
	db, err := bolt.Open(dbPath, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("objstore: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("objstore: creating bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// Read returns the bytes stored at path, or ErrNotFound.
func (s *Store) Read(path string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Write stores data at path, creating or overwriting it.
func (s *Store) Write(path string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(path), data)
	})
}

// Remove deletes path. Removing a path that doesn't exist is not an error
// (idempotent, matching spec §4.4's update() semantics for a delete
// replayed twice).
func (s *Store) Remove(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(path))
	})
}

// List returns every path currently stored.
func (s *Store) List() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// EncodeMutation renders a write (data != nil) or a delete (data == nil)
// as a log payload.
func EncodeMutation(path string, data []byte) ([]byte, error) {
	m := Mutation{Path: path, Data: data, Delete: data == nil}
	return json.Marshal(m)
}

// DecodeMutation parses a log payload back into a Mutation.
func DecodeMutation(payload []byte) (Mutation, error) {
	var m Mutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return Mutation{}, fmt.Errorf("objstore: decoding mutation: %w", err)
	}
	return m, nil
}

// Apply applies a log payload to the store: the inverse of whatever
// EncodeMutation produced for it (spec §4.4: "update must be its
// inverse").
func (s *Store) Apply(payload []byte) error {
	m, err := DecodeMutation(payload)
	if err != nil {
		return err
	}
	if m.Delete {
		return s.Remove(m.Path)
	}
	return s.Write(m.Path, m.Data)
}

// PathOf extracts the key a mutation payload targets without applying it,
// so a router (DataNode.UpdateReplicated/UpdateSnapshot) can compute
// shard_for(path) and forward
// the payload to the owning shard without understanding its contents
// beyond that (spec §4.5: routed "by shard_for(path)").
func PathOf(payload []byte) (string, error) {
	m, err := DecodeMutation(payload)
	if err != nil {
		return "", err
	}
	return m.Path, nil
}

// SnapshotMutation returns the mutation payload that would recreate
// path's current value (or its absence), for use by DataShard.Dump
// during relay catch-up (spec §4.3 COPYING).
func (s *Store) SnapshotMutation(path string) ([]byte, error) {
	data, err := s.Read(path)
	if errors.Is(err, ErrNotFound) {
		return EncodeMutation(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return EncodeMutation(path, data)
}
