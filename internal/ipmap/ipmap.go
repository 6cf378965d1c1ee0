// Package ipmap implements a longest-prefix-match lookup from an IP address
// to an upstream identifier, with a configured default for addresses that
// match no configured prefix.
package ipmap

import (
	"bufio"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/log"
	"github.com/yl2chen/cidranger"
)

// entry adapts a stored value to cidranger.RangerEntry.
type entry[V any] struct {
	network net.IPNet
	value   V
}

func (e *entry[V]) Network() net.IPNet { return e.network }

// Map is a pair of longest-prefix IPv4/IPv6 tries plus a default value
// returned when no configured prefix covers the queried address.
//
// Map is built from New with a fixed default and is safe for concurrent
// reads from any number of goroutines once population (via Insert/LoadFile)
// is complete; it performs no internal synchronization, matching the
// immutable-after-init lifecycle the tables are specified to have.
type Map[V any] struct {
	v4      cidranger.Ranger
	v6      cidranger.Ranger
	def     V
	entries int
}

// New returns an empty Map whose Get methods return def until entries are
// inserted that cover the queried address.
func New[V any](def V) *Map[V] {
	return &Map[V]{
		v4:  cidranger.NewPCTrieRanger(),
		v6:  cidranger.NewPCTrieRanger(),
		def: def,
	}
}

// Insert adds addr/prefixLen -> value.  It rejects (logging a warning and
// doing nothing) prefix lengths wider than the address family allows: 32 for
// IPv4, 128 for IPv6.
func (m *Map[V]) Insert(addr net.IP, prefixLen int, value V) {
	is4 := addr.To4() != nil
	if is4 {
		if prefixLen < 0 || prefixLen > 32 {
			log.Warn("ipmap: invalid IPv4 prefix length %d for %s", prefixLen, addr)
			return
		}
	} else {
		if prefixLen < 0 || prefixLen > 128 {
			log.Warn("ipmap: invalid IPv6 prefix length %d for %s", prefixLen, addr)
			return
		}
	}

	bits := 32
	ip := addr.To4()
	ranger := m.v4
	if !is4 {
		bits = 128
		ip = addr.To16()
		ranger = m.v6
	}

	network := net.IPNet{IP: ip, Mask: net.CIDRMask(prefixLen, bits)}
	if err := ranger.Insert(&entry[V]{network: network, value: value}); err != nil {
		log.Warn("ipmap: inserting %s: %s", network.String(), err)
		return
	}
	m.entries++
}

// Get4 returns the value of the longest IPv4 prefix covering addr, or the
// configured default.
func (m *Map[V]) Get4(addr [4]byte) V {
	return m.lookup(m.v4, net.IP(addr[:]))
}

// Get6 returns the value of the longest IPv6 prefix covering addr, or the
// configured default.
func (m *Map[V]) Get6(addr [16]byte) V {
	return m.lookup(m.v6, net.IP(addr[:]))
}

// Get returns the value of the longest prefix covering addr, or the
// configured default.  addr must be a 4- or 16-byte net.IP.
func (m *Map[V]) Get(addr net.IP) V {
	if v4 := addr.To4(); v4 != nil {
		return m.lookup(m.v4, v4)
	}

	return m.lookup(m.v6, addr.To16())
}

// lookup performs the longest-prefix query against ranger, since
// cidranger.ContainingNetworks does not itself document ordering by
// specificity, we pick the match with the longest mask explicitly rather
// than relying on result order.
func (m *Map[V]) lookup(ranger cidranger.Ranger, ip net.IP) V {
	if ip == nil {
		return m.def
	}

	matches, err := ranger.ContainingNetworks(ip)
	if err != nil || len(matches) == 0 {
		return m.def
	}

	best := matches[0].(*entry[V])
	bestOnes, _ := best.network.Mask.Size()
	for _, rm := range matches[1:] {
		e := rm.(*entry[V])
		if ones, _ := e.network.Mask.Size(); ones > bestOnes {
			best, bestOnes = e, ones
		}
	}

	return best.value
}

// LoadFile reads a line-oriented "addr/prefix" list from filename and
// inserts each entry with value v.  Blank and '#' lines are skipped.
// Failure to open filename is logged and treated as zero entries loaded.
func (m *Map[V]) LoadFile(filename string, v V) int {
	f, err := os.Open(filename)
	if err != nil {
		log.Error("ipmap: opening %s: %s", filename, err)
		return 0
	}
	defer func() { _ = f.Close() }()

	n := m.Load(f, v)
	log.Info("ipmap: loaded %d prefixes from %s", n, filename)

	return n
}

// Load reads a line-oriented "addr/prefix" list from r and inserts each
// entry with value v, returning the number of entries loaded.  Malformed
// lines are logged and skipped.
func (m *Map[V]) Load(r io.Reader, v V) (n int) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		addr, prefixLen, ok := parseCIDRLine(line)
		if !ok {
			log.Warn("ipmap: invalid line: %q", line)
			continue
		}

		m.Insert(addr, prefixLen, v)
		n++
	}

	return n
}

func parseCIDRLine(line string) (addr net.IP, prefixLen int, ok bool) {
	_, network, err := net.ParseCIDR(line)
	if err == nil {
		ones, _ := network.Mask.Size()
		return network.IP, ones, true
	}

	// Accept a bare address/prefix pair even when the host bits are set
	// (net.ParseCIDR rejects those), since the list format only promises
	// "addr/prefix", not a canonical network.
	addrPart, lenPart, found := strings.Cut(line, "/")
	if !found {
		return nil, 0, false
	}

	ip := net.ParseIP(strings.TrimSpace(addrPart))
	if ip == nil {
		return nil, 0, false
	}

	n, err := strconv.Atoi(strings.TrimSpace(lenPart))
	if err != nil || n < 0 {
		return nil, 0, false
	}

	return ip, n, true
}
