package keys

import "testing"

func TestKeyLayout(t *testing.T) {
	n := NewNamer("")
	if got := n.Key("order", "42", "stock"); got != "tally:order:42:stock" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := NewNamer("app").TypeKey("order", "total"); got != "app:order::total" {
		t.Fatalf("unexpected type key %q", got)
	}
}

func TestKeyIsCollisionFree(t *testing.T) {
	n := NewNamer("p")
	triples := [][3]string{
		{"a:b", "c", "d"},
		{"a", "b:c", "d"},
		{"a", "b", "c:d"},
		{"a\\", "b", "c"},
		{"a", "\\b", "c"},
		{"a", "", "b"},
		{"a", "b", ""},
		{"", "a", "b"},
		{"a\\:b", "c", "d"},
		{"a", ":", "b"},
	}
	seen := make(map[string][3]string)
	for _, tr := range triples {
		k := n.Key(tr[0], tr[1], tr[2])
		if prev, ok := seen[k]; ok {
			t.Fatalf("collision between %v and %v on %q", prev, tr, k)
		}
		seen[k] = tr
	}
}

func TestKeyDeterministic(t *testing.T) {
	n := NewNamer("x")
	if n.Key("t", "1", "n") != n.Key("t", "1", "n") {
		t.Fatal("key derivation must be deterministic")
	}
	var zero Namer
	if zero.Key("t", "1", "n") != "tally:t:1:n" {
		t.Fatalf("zero namer should use default prefix, got %q", zero.Key("t", "1", "n"))
	}
}
