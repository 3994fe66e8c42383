package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Version(t *testing.T) {
	id := UUIDv7()()
	u, err := Parse(id)
	if err != nil {
		t.Fatal(err)
	}
	if u.Version() != 7 {
		t.Fatalf("version %d, want 7", u.Version())
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 100; i++ {
		id := gen()
		if id <= prev {
			t.Fatalf("not increasing: %q after %q", id, prev)
		}
		prev = id
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("rst_", UUIDv7())()
	if !strings.HasPrefix(id, "rst_") {
		t.Fatalf("missing prefix: %q", id)
	}
	if _, err := Parse(id); err != nil {
		t.Fatalf("prefixed id does not parse: %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("rst_nope"); err == nil {
		t.Fatal("expected error")
	}
}
