package flowengine

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// WorkingMap is the per-run state shared by a workflow's steps. It is
// persisted after every step transition. Entries are read and written only
// through typed keys, so a value always comes back as the type it was stored as.
type WorkingMap struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
}

// NewWorkingMap returns an empty working map.
func NewWorkingMap() *WorkingMap {
	return &WorkingMap{entries: make(map[string]json.RawMessage)}
}

// Key names one typed working map entry. Workflows declare their keys as
// package-level values.
type Key[T any] struct {
	name string
}

// NewKey declares a typed working map key.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the entry name.
func (k Key[T]) Name() string { return k.name }

// Named is satisfied by every Key.
type Named interface {
	Name() string
}

// Put stores v under k, replacing any previous value.
func Put[T any](wm *WorkingMap, k Key[T], v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return NewPermanentError(fmt.Errorf("encode working map entry %s: %w", k.name, err))
	}
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.entries[k.name] = data
	return nil
}

// Lookup returns the value under k and whether it was present.
func Lookup[T any](wm *WorkingMap, k Key[T]) (T, bool, error) {
	var v T
	wm.mu.Lock()
	data, ok := wm.entries[k.name]
	wm.mu.Unlock()
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, true, NewPermanentError(fmt.Errorf("decode working map entry %s: %w", k.name, err))
	}
	return v, true, nil
}

// Get returns the value under k. A missing entry is a permanent
// ErrMissingWorkingMapEntry.
func Get[T any](wm *WorkingMap, k Key[T]) (T, error) {
	v, ok, err := Lookup(wm, k)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, NewPermanentError(fmt.Errorf("%w: %s", ErrMissingWorkingMapEntry, k.name))
	}
	return v, nil
}

// Require checks that every key is present.
func Require(wm *WorkingMap, keys ...Named) error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	for _, k := range keys {
		if _, ok := wm.entries[k.Name()]; !ok {
			return NewPermanentError(fmt.Errorf("%w: %s", ErrMissingWorkingMapEntry, k.Name()))
		}
	}
	return nil
}

// Has reports whether an entry with the given key is present.
func (wm *WorkingMap) Has(k Named) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	_, ok := wm.entries[k.Name()]
	return ok
}

// Delete removes the entry under k.
func (wm *WorkingMap) Delete(k Named) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	delete(wm.entries, k.Name())
}

// Keys returns the entry names, sorted.
func (wm *WorkingMap) Keys() []string {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	names := make([]string, 0, len(wm.entries))
	for name := range wm.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (wm *WorkingMap) MarshalJSON() ([]byte, error) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return json.Marshal(wm.entries)
}

func (wm *WorkingMap) UnmarshalJSON(data []byte) error {
	entries := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.entries = entries
	return nil
}

// Reserved entries written through FlightContext.SetResponse.
var (
	responseKey   = NewKey[json.RawMessage]("_response")
	statusCodeKey = NewKey[int]("_status_code")
)
