package requestid

import (
	"errors"
	"strings"
	"testing"
)

func TestNewUniqueAndPrefixed(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		id := New("req")
		if !strings.HasPrefix(id, "req_") {
			t.Fatalf("expected req_ prefix, got %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewNoPrefix(t *testing.T) {
	id := New("")
	if strings.Contains(id, "_") {
		t.Fatalf("expected bare id, got %q", id)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(Normalize("  abc ")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(Normalize("   ")); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
	if err := Validate(strings.Repeat("x", MaxLen+1)); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
	if err := Validate(strings.Repeat("x", MaxLen)); err != nil {
		t.Fatalf("unexpected error at limit: %v", err)
	}
}
