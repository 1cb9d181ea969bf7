// Package suite defines the static catalog of cryptographic suites the
// tunnel negotiates from. Suites are opaque by id: neither endpoint parses
// suite_id semantics, it is only ever used as a registry lookup key.
package suite

import "fmt"

// NISTLevel is the post-quantum security category claimed by a suite.
type NISTLevel int

const (
	Level1 NISTLevel = 1
	Level3 NISTLevel = 3
	Level5 NISTLevel = 5
)

// Suite is an immutable catalog record naming one KEM+signature+AEAD
// combination. Suite values are never mutated after registration.
type Suite struct {
	ID            string
	KEM           string
	Signature     string
	AEAD          string
	NISTLevel     NISTLevel
	OrderingIndex int
}

// ErrNotFound is returned by ByID when the suite_id is not registered.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("suite: %q not found in registry", e.ID)
}

// Registry is a static, insertion-ordered catalog of suites.
type Registry struct {
	byID    map[string]Suite
	ordered []Suite
}

// NewRegistry builds a registry from the provided suites, preserving the
// order they are given in. Duplicate ids panic: the catalog is assembled
// once at process start from a fixed literal list, so a duplicate is a
// programming error, not a runtime condition to recover from.
func NewRegistry(suites ...Suite) *Registry {
	r := &Registry{
		byID:    make(map[string]Suite, len(suites)),
		ordered: make([]Suite, 0, len(suites)),
	}
	for i, s := range suites {
		if _, exists := r.byID[s.ID]; exists {
			panic(fmt.Sprintf("suite: duplicate suite id %q", s.ID))
		}
		s.OrderingIndex = i
		r.byID[s.ID] = s
		r.ordered = append(r.ordered, s)
	}
	return r
}

// ByID looks up a suite by its stable string id.
func (r *Registry) ByID(id string) (Suite, error) {
	s, ok := r.byID[id]
	if !ok {
		return Suite{}, &ErrNotFound{ID: id}
	}
	return s, nil
}

// Ordered returns the catalog in insertion order. The returned slice is a
// copy; callers may not mutate the registry through it.
func (r *Registry) Ordered() []Suite {
	out := make([]Suite, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Default builds the seed catalog used by benchmarking runs and the
// integration tests: the three ML-KEM / ML-DSA security categories, each
// paired with both supported AEADs.
func Default() *Registry {
	return NewRegistry(
		Suite{ID: "ML-KEM-512+ML-DSA-44+AES-256-GCM", KEM: "ML-KEM-512", Signature: "ML-DSA-44", AEAD: "AES-256-GCM", NISTLevel: Level1},
		Suite{ID: "ML-KEM-512+ML-DSA-44+CHACHA20-POLY1305", KEM: "ML-KEM-512", Signature: "ML-DSA-44", AEAD: "CHACHA20-POLY1305", NISTLevel: Level1},
		Suite{ID: "ML-KEM-768+ML-DSA-65+AES-256-GCM", KEM: "ML-KEM-768", Signature: "ML-DSA-65", AEAD: "AES-256-GCM", NISTLevel: Level3},
		Suite{ID: "ML-KEM-768+ML-DSA-65+CHACHA20-POLY1305", KEM: "ML-KEM-768", Signature: "ML-DSA-65", AEAD: "CHACHA20-POLY1305", NISTLevel: Level3},
		Suite{ID: "ML-KEM-1024+ML-DSA-87+AES-256-GCM", KEM: "ML-KEM-1024", Signature: "ML-DSA-87", AEAD: "AES-256-GCM", NISTLevel: Level5},
		Suite{ID: "ML-KEM-1024+ML-DSA-87+CHACHA20-POLY1305", KEM: "ML-KEM-1024", Signature: "ML-DSA-87", AEAD: "CHACHA20-POLY1305", NISTLevel: Level5},
	)
}
