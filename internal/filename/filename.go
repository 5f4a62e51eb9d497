// Package filename turns client-supplied upload names into strings that are
// safe to embed in an object storage key.
package filename

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Placeholder is returned for names that normalize to nothing.
const Placeholder = "file"

// DefaultScripts are the non-Latin scripts kept by Normalize.
var DefaultScripts = []string{"Thai"}

var defaultNormalizer = MustNew(DefaultScripts...)

// Normalizer replaces unsafe characters in filenames. It holds no mutable
// state and is safe for concurrent use.
type Normalizer struct {
	scripts []*unicode.RangeTable
}

// sharedScripts span every script and include bidi controls, so they are
// never allowed.
var sharedScripts = map[string]bool{"Common": true, "Inherited": true}

// Supported reports whether name is a Unicode script New accepts.
func Supported(name string) bool {
	_, ok := unicode.Scripts[name]
	return ok && !sharedScripts[name]
}

// New returns a Normalizer that additionally keeps runes of the named
// Unicode scripts (see unicode.Scripts), e.g. "Thai" or "Cyrillic".
func New(scripts ...string) (*Normalizer, error) {
	n := &Normalizer{}
	for _, name := range scripts {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if sharedScripts[name] {
			return nil, fmt.Errorf("unicode script %q is not supported", name)
		}
		table, ok := unicode.Scripts[name]
		if !ok {
			return nil, fmt.Errorf("unknown unicode script %q", name)
		}
		n.scripts = append(n.scripts, table)
	}
	return n, nil
}

// MustNew is like New but panics on an unknown script name.
func MustNew(scripts ...string) *Normalizer {
	n, err := New(scripts...)
	if err != nil {
		panic(err)
	}
	return n
}

// Normalize uses the default Normalizer (ASCII letters, digits, '.', Thai).
func Normalize(raw string) string {
	return defaultNormalizer.Normalize(raw)
}

// Normalize recovers mis-decoded UTF-8 and replaces every rune outside the
// allowed classes with '-'. The result is never empty, never a bare "." or
// ".." path segment, and Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(raw string) string {
	name := recoverUTF8(raw)

	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); {
		r, size := utf8.DecodeRuneInString(name[i:])
		i += size
		if r == utf8.RuneError && size <= 1 {
			b.WriteByte('-')
			continue
		}
		if n.Allowed(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('-')
	}

	out := b.String()
	if strings.Trim(out, ".") == "" {
		return Placeholder
	}
	return out
}

// Allowed reports whether r survives normalization unchanged.
func (n *Normalizer) Allowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.':
		return true
	case r <= 0xFF:
		// Latin-1 runes are what mis-decoded names consist of; keeping them
		// would let a second pass reinterpret the output.
		return false
	}
	for _, table := range n.scripts {
		if unicode.Is(table, r) {
			return true
		}
	}
	return false
}

// recoverUTF8 undoes the common transport failure where UTF-8 bytes were
// decoded as ISO-8859-1, turning "ไฟล์" into "à¹\u0084à¸\u009fà¸¥à¹\u008c".
// Names that are not of that shape are returned as is.
func recoverUTF8(s string) string {
	if !utf8.ValidString(s) {
		return s
	}
	ascii := true
	for _, r := range s {
		if r > 0xFF {
			return s
		}
		if r >= utf8.RuneSelf {
			ascii = false
		}
	}
	if ascii {
		return s
	}

	raw, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err != nil || !utf8.ValidString(raw) {
		return s
	}
	return raw
}
