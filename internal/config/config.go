// Package config reads diverge's INI-style configuration format: a
// [global] section and one or more named upstream sections, in file order.
//
// The parser is hand-rolled rather than built on a general INI library, the
// same call the original implementation made (see the teacher's provenance
// note in SPEC_FULL.md §4.8): it needs to warn on unknown keys instead of
// silently accepting them, and it needs to preserve section declaration
// order, since that order assigns upstream IDs.
package config

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/log"
)

// defaultListen is used when [global] does not set listen.
const defaultListen = "127.0.0.1:1054"

// defaultMetricsListen is used when [global] does not set metrics_listen.
const defaultMetricsListen = "127.0.0.1:9153"

// Config is a fully parsed diverge configuration.
type Config struct {
	Global    Global
	Upstreams []UpstreamSpec
}

// Global holds the [global] section.
type Global struct {
	Listen netip.AddrPort

	// MetricsListen is where the Prometheus "/metrics" endpoint is served.
	MetricsListen netip.AddrPort
}

// UpstreamSpec holds one upstream section, exactly as declared; the file
// order of these entries is significant, since it becomes the upstream ID
// assignment (spec.md §4.3).
type UpstreamSpec struct {
	Name          string
	Protocol      string
	Addresses     []netip.Addr
	IPFiles       []string
	DomainFiles   []string
	TLSName       string
	Port          uint16
	DisableAAAA   bool
	sawAddresses  bool
	sawProtocol   bool
}

// section is implemented by Global and *UpstreamSpec: each knows how to
// absorb a single "key = value" line from its section.
type section interface {
	set(key, value string) error
}

// LoadFile reads and parses a configuration file.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return Parse(f)
}

// Parse reads a configuration document from r.
func Parse(r io.Reader) (*Config, error) {
	c := &Config{
		Global: Global{
			Listen:        netip.MustParseAddrPort(defaultListen),
			MetricsListen: netip.MustParseAddrPort(defaultMetricsListen),
		},
	}

	var cur section
	var curUpstream *UpstreamSpec

	s := bufio.NewScanner(r)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				return nil, fmt.Errorf("line %d: empty section name", lineNo)
			}

			if name == "global" {
				cur = &c.Global
				curUpstream = nil
				continue
			}

			c.Upstreams = append(c.Upstreams, UpstreamSpec{Name: name, Protocol: "udp"})
			curUpstream = &c.Upstreams[len(c.Upstreams)-1]
			cur = curUpstream
			continue
		}

		if cur == nil {
			log.Warn("config: line %d: key outside any section, ignored: %q", lineNo, line)
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: not a key = value line: %q", lineNo, line)
		}

		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if err := cur.set(key, value); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if len(c.Upstreams) == 0 {
		return nil, fmt.Errorf("config declares no upstreams")
	}

	return c, nil
}

// set implements section for *Global.
func (g *Global) set(key, value string) error {
	switch key {
	case "listen":
		addr, err := netip.ParseAddrPort(value)
		if err != nil {
			return fmt.Errorf("invalid listen address %q: %w", value, err)
		}
		g.Listen = addr
	case "metrics_listen":
		addr, err := netip.ParseAddrPort(value)
		if err != nil {
			return fmt.Errorf("invalid metrics_listen address %q: %w", value, err)
		}
		g.MetricsListen = addr
	default:
		log.Warn("config: [global]: unknown key %q", key)
	}

	return nil
}

// set implements section for *UpstreamSpec.
func (u *UpstreamSpec) set(key, value string) error {
	switch key {
	case "addresses":
		u.sawAddresses = true
		for _, f := range strings.Fields(value) {
			a, err := netip.ParseAddr(f)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", f, err)
			}
			u.Addresses = append(u.Addresses, a)
		}
	case "protocol":
		u.sawProtocol = true
		v := strings.ToLower(value)
		switch v {
		case "udp", "tcp", "tls", "https", "h3":
			u.Protocol = v
		default:
			return fmt.Errorf("unsupported protocol %q", value)
		}
	case "port":
		p, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", value, err)
		}
		u.Port = uint16(p)
	case "tls_dns_name":
		u.TLSName = value
	case "ips":
		u.IPFiles = strings.Fields(value)
	case "domains":
		u.DomainFiles = strings.Fields(value)
	case "disable_aaaa":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid disable_aaaa %q: %w", value, err)
		}
		u.DisableAAAA = b
	default:
		log.Warn("config: [%s]: unknown key %q", u.Name, key)
	}

	return nil
}

// Validate reports an error if u is missing fields an upstream must have to
// be usable.
func (u *UpstreamSpec) Validate() error {
	if !u.sawAddresses || len(u.Addresses) == 0 {
		return fmt.Errorf("upstream %q: addresses is required", u.Name)
	}
	if !u.sawProtocol {
		log.Debug("config: [%s]: protocol not set, defaulting to %q", u.Name, u.Protocol)
	}

	return nil
}
