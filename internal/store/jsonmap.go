package store

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// JSONMap is a string map kept as one JSON object under a single store key.
// Updates are read-modify-write under a mutex.
type JSONMap struct {
	store Store
	key   string
	mu    sync.Mutex
}

// NewJSONMap returns a map view over key in s.
func NewJSONMap(s Store, key string) *JSONMap {
	return &JSONMap{store: s, key: key}
}

// load reads the map. A corrupt value is logged and treated as empty so the
// next write replaces it.
func (m *JSONMap) load() (map[string]string, error) {
	raw, ok, err := m.store.Get(m.key)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string)
	if !ok || raw == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		log.Printf("Ignoring corrupt %s value: %v", m.key, err)
		return make(map[string]string), nil
	}
	return values, nil
}

func (m *JSONMap) save(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", m.key, err)
	}
	return m.store.Set(m.key, string(data))
}

// All returns a copy of the whole map.
func (m *JSONMap) All() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

// Lookup returns the value for k.
func (m *JSONMap) Lookup(k string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	values, err := m.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[k]
	return v, ok, nil
}

// Put sets k to v.
func (m *JSONMap) Put(k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	values, err := m.load()
	if err != nil {
		return err
	}
	if cur, ok := values[k]; ok && cur == v {
		return nil
	}
	values[k] = v
	return m.save(values)
}

// Remove deletes k.
func (m *JSONMap) Remove(k string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	values, err := m.load()
	if err != nil {
		return err
	}
	if _, ok := values[k]; !ok {
		return nil
	}
	delete(values, k)
	return m.save(values)
}

// Clear drops the whole map.
func (m *JSONMap) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(m.key)
}

// KnownGood remembers, per source name, the endpoint that last worked.
type KnownGood struct {
	m *JSONMap
}

func NewKnownGood(s Store) *KnownGood {
	return &KnownGood{m: NewJSONMap(s, KeyKnownFeeds)}
}

// Endpoint returns the known-good endpoint for a source.
func (k *KnownGood) Endpoint(source string) (string, bool, error) {
	return k.m.Lookup(source)
}

// Record stores endpoint as the known-good endpoint for source.
func (k *KnownGood) Record(source, endpoint string) error {
	return k.m.Put(source, endpoint)
}

func (k *KnownGood) Forget(source string) error {
	return k.m.Remove(source)
}

func (k *KnownGood) All() (map[string]string, error) {
	return k.m.All()
}

func (k *KnownGood) Clear() error {
	return k.m.Clear()
}

// ReadState tracks which article links have been opened.
type ReadState struct {
	m *JSONMap
}

func NewReadState(s Store) *ReadState {
	return &ReadState{m: NewJSONMap(s, KeyRead)}
}

// MarkRead records link as read at t.
func (r *ReadState) MarkRead(link string, t time.Time) error {
	return r.m.Put(link, t.UTC().Format(time.RFC3339))
}

// IsRead reports whether link has been marked read.
func (r *ReadState) IsRead(link string) (bool, error) {
	_, ok, err := r.m.Lookup(link)
	return ok, err
}

// ReadSet returns every read link.
func (r *ReadState) ReadSet() (map[string]bool, error) {
	all, err := r.m.All()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(all))
	for link := range all {
		set[link] = true
	}
	return set, nil
}

func (r *ReadState) Clear() error {
	return r.m.Clear()
}
