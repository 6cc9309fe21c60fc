package identity

import (
	"regexp"
	"testing"
)

var hex32 = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestDeriveIsStable(t *testing.T) {
	a := Derive(42, "host-a")
	b := Derive(42, "host-a")
	if a != b {
		t.Fatalf("Derive not stable: %q != %q", a, b)
	}
	if !hex32.MatchString(a.String()) {
		t.Fatalf("Derive = %q, want 32 hex chars", a)
	}
}

func TestDeriveDependsOnBothInputs(t *testing.T) {
	base := Derive(1, "host-a")
	if Derive(2, "host-a") == base {
		t.Fatal("different seeds produced the same id")
	}
	if Derive(1, "host-b") == base {
		t.Fatal("different hostnames produced the same id")
	}
}

func TestNewDrawsFreshValues(t *testing.T) {
	seen := map[ID]struct{}{}
	for range 100 {
		id, host, err := New()
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if host == "" {
			t.Fatal("New returned empty hostname")
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("New repeated id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestShort(t *testing.T) {
	id := ID("0123456789abcdef0123456789abcdef")
	if got := id.Short(); got != "01234567" {
		t.Fatalf("Short = %q, want 01234567", got)
	}
	if got := ID("abc").Short(); got != "abc" {
		t.Fatalf("Short on short id = %q", got)
	}
}
