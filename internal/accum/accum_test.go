package accum

import "testing"

func TestSetMergeUnion(t *testing.T) {
	a := NewSetOf(1, 2, 3)
	b := NewSetOf(3, 4)
	merged := a.Merge(b)
	if merged.Len() != 4 {
		t.Fatalf("Len() = %d; want 4", merged.Len())
	}
	if a.Len() != 3 || b.Len() != 2 {
		t.Fatal("Merge must not mutate its operands")
	}
}

func TestSetAdd(t *testing.T) {
	s := NewSet[string]().Add("a").Add("b").Add("a")
	if s.Len() != 2 {
		t.Fatalf("Len() = %d; want 2", s.Len())
	}
	keys := s.Keys()
	found := map[string]bool{}
	for _, k := range keys {
		found[k] = true
	}
	if !found["a"] || !found["b"] {
		t.Fatalf("Keys() = %v; want a and b", keys)
	}
}

func TestNewSetEmpty(t *testing.T) {
	s := NewSet[int]()
	if s.Len() != 0 {
		t.Fatalf("Len() = %d; want 0", s.Len())
	}
	if len(s.Keys()) != 0 {
		t.Fatal("expected no keys for an empty set")
	}
}
