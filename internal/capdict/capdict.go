// Package capdict implements the CapDict of spec §4: a persistent
// dictionary of polymorphic objects, each serialized by its declared
// field list plus a class tag and reconstructed on read via a registered
// factory. Per spec §9 Design Notes this replaces the source system's
// dynamic-class-lookup-by-name with an explicit tag->factory registry, its
// injected ambient context with a typed environment value, its
// weakly-cached live instances with an explicit LRU of strong references,
// and the per-instance "save" callback with a small closure capturing the
// CapDict handle and the key.
package capdict

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dreamware/torua-repl/internal/filedict"
	"github.com/dreamware/torua-repl/internal/lru"
)

// Fields is the declared field list of a persisted CapDict value: plain
// JSON-able data, independent of the live Go type reconstructed from it.
type Fields map[string]any

// SaveFunc is handed to every object a CapDict constructs (fresh or
// reconstructed from disk); calling it re-persists the object's current
// fields under its key. It is the "save callback" of spec §4/§9.
type SaveFunc func(Fields) error

// Factory reconstructs a live object from its persisted fields, given the
// ambient environment this CapDict was opened with, the object's key, and
// a SaveFunc bound to that key and class tag.
type Factory func(env any, key string, fields Fields, save SaveFunc) (any, error)

// Serializable is implemented by any value a CapDict can persist:
// ClassTag names the factory that reconstructs it, Fields is its current
// declared state.
type Serializable interface {
	ClassTag() string
	Fields() Fields
}

const clsField = "CLS"

// CapDict is a directory-backed dictionary of polymorphic, self-persisting
// objects (spec §4 CapDict). An entry exists iff its underlying FileDict
// key exists (spec §3 Lifecycles).
type CapDict struct {
	mu        sync.Mutex
	store     *filedict.FileDict
	factories map[string]Factory
	cache     *lru.Cache[string, any]
	env       any
}

// Open returns a CapDict rooted at dir, bounding its live-instance cache
// at cacheSize entries (spec §9: "explicit LRU of strong references
// bounded by configuration"). env is passed to every Factory invocation.
func Open(dir string, env any, cacheSize int) (*CapDict, error) {
	store, err := filedict.Open(dir)
	if err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, any](cacheSize, nil)
	if err != nil {
		return nil, err
	}
	return &CapDict{store: store, factories: make(map[string]Factory), cache: cache, env: env}, nil
}

// Register associates tag with the factory used to reconstruct values
// persisted under it. Call during process start-up, before any Get.
func (cd *CapDict) Register(tag string, f Factory) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.factories[tag] = f
}

// SaveFunc returns the save callback for key under class tag, usable both
// by fresh construction (Create) and by Get's factory reconstruction, so
// both paths hand the object the same persistence mechanism.
func (cd *CapDict) SaveFunc(key, tag string) SaveFunc {
	return func(fields Fields) error {
		return cd.persist(key, tag, fields)
	}
}

func (cd *CapDict) persist(key, tag string, fields Fields) error {
	rec := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		rec[k] = v
	}
	rec[clsField] = tag

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("capdict: marshal %s: %w", key, err)
	}
	if err := cd.store.Put(key, data); err != nil {
		return fmt.Errorf("capdict: persist %s: %w", key, err)
	}

	// Spec §9: "cache entries are invalidated on save"; the live strong
	// reference a caller is already holding is unaffected; this only
	// forces the next Get to re-hydrate from the freshly persisted state
	// rather than possibly returning a distinct, stale cached instance.
	cd.mu.Lock()
	cd.cache.Remove(key)
	cd.mu.Unlock()
	return nil
}

// Create persists obj under key and warms the cache with it directly
// (no reconstruction round-trip, since the caller already holds the live
// instance).
func (cd *CapDict) Create(key string, obj Serializable) error {
	if err := cd.persist(key, obj.ClassTag(), obj.Fields()); err != nil {
		return err
	}
	cd.mu.Lock()
	cd.cache.Add(key, obj)
	cd.mu.Unlock()
	return nil
}

// Get returns the live object for key, from cache if present, otherwise
// reconstructed from disk via the registered factory for its class tag.
func (cd *CapDict) Get(key string) (any, error) {
	cd.mu.Lock()
	if v, ok := cd.cache.Get(key); ok {
		cd.mu.Unlock()
		return v, nil
	}
	cd.mu.Unlock()

	raw, err := cd.store.Get(key)
	if err != nil {
		return nil, err
	}

	var rec map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("capdict: corrupt record %s: %w", key, err)
	}
	var tag string
	if tagRaw, ok := rec[clsField]; ok {
		if err := json.Unmarshal(tagRaw, &tag); err != nil {
			return nil, fmt.Errorf("capdict: corrupt class tag for %s: %w", key, err)
		}
	}
	delete(rec, clsField)

	fields := make(Fields, len(rec))
	for k, v := range rec {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, fmt.Errorf("capdict: corrupt field %q for %s: %w", k, key, err)
		}
		fields[k] = val
	}

	cd.mu.Lock()
	factory, ok := cd.factories[tag]
	cd.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("capdict: no factory registered for class %q", tag)
	}

	obj, err := factory(cd.env, key, fields, cd.SaveFunc(key, tag))
	if err != nil {
		return nil, fmt.Errorf("capdict: reconstructing %s: %w", key, err)
	}

	cd.mu.Lock()
	cd.cache.Add(key, obj)
	cd.mu.Unlock()
	return obj, nil
}

// Exists reports whether key names a current entry, without reconstructing
// it.
func (cd *CapDict) Exists(key string) bool {
	_, err := cd.store.Get(key)
	return err == nil
}

// Remove deletes key's persisted record and evicts it from cache.
func (cd *CapDict) Remove(key string) error {
	cd.mu.Lock()
	cd.cache.Remove(key)
	cd.mu.Unlock()
	return cd.store.Remove(key)
}

// Keys returns every key currently persisted.
func (cd *CapDict) Keys() ([]string, error) {
	return cd.store.Keys()
}
