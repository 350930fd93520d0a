// Package statestore implements the single-document key/value store the UI
// uses for cross-reload persistence (§4.D).
package statestore

import (
	"sync"

	"github.com/termux-extensions/te-framework/internal/apierr"
	"github.com/termux-extensions/te-framework/internal/jsonstore"
)

const maxValueBytes = 1 << 20 // 1 MiB
const maxKeyLen = 256

// Store is a single JSON document mapping string keys to arbitrary JSON
// values, guarded by one mutex (reads and writes are serialized).
type Store struct {
	mu   sync.Mutex
	path string
	doc  map[string]any
}

// Open loads (or initializes) the document at path.
func Open(path string) (*Store, error) {
	doc := make(map[string]any)
	if _, err := jsonstore.ReadInto(path, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return &Store{path: path, doc: doc}, nil
}

func validateKey(key string) error {
	if key == "" {
		return apierr.New(apierr.InvalidArgument, "key must not be empty")
	}
	if len(key) > maxKeyLen {
		return apierr.New(apierr.InvalidArgument, "key exceeds %d bytes", maxKeyLen)
	}
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return apierr.New(apierr.InvalidArgument, "key contains NUL byte")
		}
	}
	return nil
}

// Get returns the current value for each requested key, plus the set of
// keys that were not found.
func (s *Store) Get(keys []string) (values map[string]any, missing []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values = make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := s.doc[k]; ok {
			values[k] = v
		} else {
			missing = append(missing, k)
		}
	}
	return values, missing
}

// Set replaces the value at key wholesale and persists the document.
func (s *Store) Set(key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := checkValueSize(value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc[key] = value
	return jsonstore.WriteAtomic(s.path, s.doc)
}

// Merge shallow-merges value into the existing value at key when both the
// old and new values are JSON objects; otherwise it behaves like Set.
func (s *Store) Merge(key string, value any) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := checkValueSize(value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newObj, newIsObj := value.(map[string]any)
	oldObj, oldIsObj := s.doc[key].(map[string]any)
	if newIsObj && oldIsObj {
		merged := make(map[string]any, len(oldObj)+len(newObj))
		for k, v := range oldObj {
			merged[k] = v
		}
		for k, v := range newObj {
			merged[k] = v
		}
		s.doc[key] = merged
	} else {
		s.doc[key] = value
	}
	return jsonstore.WriteAtomic(s.path, s.doc)
}

// Delete removes the given keys and persists the document, reporting how
// many keys actually existed.
func (s *Store) Delete(keys []string) (removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		if _, ok := s.doc[k]; ok {
			delete(s.doc, k)
			removed++
		}
	}
	if removed > 0 {
		if err := jsonstore.WriteAtomic(s.path, s.doc); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func checkValueSize(value any) error {
	// A cheap approximate bound: re-marshal and measure. Values here are
	// always small UI state blobs, so this is not a hot path.
	n, err := approxJSONSize(value)
	if err != nil {
		return apierr.Wrap(apierr.InvalidArgument, err, "value is not valid JSON")
	}
	if n > maxValueBytes {
		return apierr.New(apierr.InvalidArgument, "value exceeds %d bytes", maxValueBytes)
	}
	return nil
}
