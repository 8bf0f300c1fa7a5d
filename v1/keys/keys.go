// Package keys derives store keys for counters and locks from the entity
// type, the entity identifier and the primitive name.
package keys

import "strings"

// DefaultPrefix is prepended to every key when no prefix is configured.
const DefaultPrefix = "tally"

const (
	separator = ':'
	escape    = '\\'
)

// Namer builds deterministic keys of the form prefix:type:id:name.
// Components are escaped so two different triples never produce the same key.
type Namer struct {
	prefix string
}

// NewNamer returns a Namer using prefix. An empty prefix selects DefaultPrefix.
func NewNamer(prefix string) Namer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Namer{prefix: prefix}
}

// Prefix returns the namespace used by the namer.
func (n Namer) Prefix() string {
	if n.prefix == "" {
		return DefaultPrefix
	}
	return n.prefix
}

// Key returns the key of the primitive name bound to the entity id of type typ.
func (n Namer) Key(typ, id, name string) string {
	var b strings.Builder
	b.Grow(len(n.Prefix()) + len(typ) + len(id) + len(name) + 3)
	b.WriteString(n.Prefix())
	for _, part := range [...]string{typ, id, name} {
		b.WriteByte(separator)
		writeEscaped(&b, part)
	}
	return b.String()
}

// TypeKey returns the key of a type-level primitive. It is Key with an empty
// id, which an instance key can't produce because ids are non-empty.
func (n Namer) TypeKey(typ, name string) string {
	return n.Key(typ, "", name)
}

func writeEscaped(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == separator || c == escape {
			b.WriteByte(escape)
		}
		b.WriteByte(c)
	}
}
