// Package domainmap implements a suffix-indexed lookup from a domain name to
// an upstream identifier.
package domainmap

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/stringutil"
	"golang.org/x/net/idna"
)

// Map is a suffix-matching domain name table.  A Map is not safe for
// concurrent use with concurrent calls to Insert, but once populated it may
// be read from any number of goroutines.
type Map[V any] struct {
	m map[string]V
}

// New returns an empty Map.
func New[V any]() *Map[V] {
	return &Map[V]{m: map[string]V{}}
}

// canon lowercases k, strips a single trailing dot, and folds any
// internationalized label to its ASCII (punycode) form, so a domain
// entered as Unicode in a list file matches a query name that arrived
// pre-encoded on the wire, and vice versa.
func canon(k string) string {
	k = strings.TrimSuffix(k, ".")
	k = strings.ToLower(k)

	if ascii, err := idna.ToASCII(k); err == nil {
		return ascii
	}

	// Not valid IDNA (e.g. a wildcard-free but otherwise non-hostname
	// suffix some deployments use); fall back to the lowercased form
	// rather than rejecting it outright.
	return k
}

// Insert stores v under the canonicalized form of k.  A later Insert of the
// same key overwrites the earlier value.
func (m *Map[V]) Insert(k string, v V) {
	m.m[canon(k)] = v
}

// Get returns the value associated with the most specific configured suffix
// of name, and reports whether one was found.  name may be FQDN (trailing
// dot) or not; matching is case-insensitive.
func (m *Map[V]) Get(name string) (v V, ok bool) {
	k := canon(name)
	for {
		if v, ok = m.m[k]; ok {
			return v, true
		}

		i := strings.IndexByte(k, '.')
		if i < 0 {
			var zero V
			return zero, false
		}
		k = k[i+1:]
	}
}

// Len returns the number of distinct keys stored in m.
func (m *Map[V]) Len() int {
	return len(m.m)
}

// LoadFile reads a line-oriented suffix list from filename and inserts each
// entry with value v.  Blank lines and lines starting with '#' are skipped.
// It returns the number of entries loaded.  Failure to open filename is
// logged and treated as zero entries loaded, matching the original loader's
// best-effort semantics.
func (m *Map[V]) LoadFile(filename string, v V) int {
	f, err := os.Open(filename)
	if err != nil {
		log.Error("domainmap: opening %s: %s", filename, err)
		return 0
	}
	defer func() { _ = f.Close() }()

	n := m.Load(f, v)
	log.Info("domainmap: loaded %d domains from %s", n, filename)

	return n
}

// Load reads a line-oriented suffix list from r and inserts each non-empty,
// non-comment line with value v.  It returns the number of entries loaded.
func (m *Map[V]) Load(r io.Reader, v V) (n int) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		m.Insert(line, v)
		n++
	}

	return n
}

// LoadLines inserts every non-empty, non-comment string in lines with value
// v, as Load does for a file's contents.  It is a convenience for callers
// that already have the list in memory (e.g. split from a config value).
func LoadLines[V any](m *Map[V], lines []string, v V) (n int) {
	for _, l := range stringutil.FilterOut(lines, IsCommentOrEmpty) {
		m.Insert(strings.TrimSpace(l), v)
		n++
	}

	return n
}

// IsCommentOrEmpty reports whether s, once trimmed, is empty or a '#'
// comment line.  It matches the predicate used by the teacher's own
// upstream-list loader (dnsforward.IsCommentOrEmpty).
func IsCommentOrEmpty(s string) (ok bool) {
	s = strings.TrimSpace(s)
	return s == "" || strings.HasPrefix(s, "#")
}
