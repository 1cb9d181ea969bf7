package suite

import "testing"

func TestRegistryLookupOrder(t *testing.T) {
	r := Default()

	s, err := r.ByID("ML-KEM-768+ML-DSA-65+AES-256-GCM")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.NISTLevel != Level3 {
		t.Fatalf("expected level 3, got %d", s.NISTLevel)
	}

	if _, err := r.ByID("nonexistent-suite"); err == nil {
		t.Fatal("expected not-found error")
	}

	ordered := r.Ordered()
	if len(ordered) == 0 {
		t.Fatal("expected non-empty default catalog")
	}
	for i, s := range ordered {
		if s.OrderingIndex != i {
			t.Fatalf("suite %q has ordering index %d, want %d", s.ID, s.OrderingIndex, i)
		}
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate suite id")
		}
	}()
	NewRegistry(Suite{ID: "dup"}, Suite{ID: "dup"})
}
