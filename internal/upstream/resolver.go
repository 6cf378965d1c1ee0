package upstream

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	upstreamlib "github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/miekg/dns"
)

// NoRecordsError is returned by a Resolver when the upstream answered
// successfully but produced no records of the requested type (including a
// plain NXDOMAIN).  It is distinguished from transport failures so the
// engine can log it at a severity that depends on the query type, per
// spec.md §7.
type NoRecordsError struct {
	// QType is the query type (dns.Type*) that produced no records.
	QType uint16
}

// Error implements the error interface.
func (e *NoRecordsError) Error() string {
	return fmt.Sprintf("no %s records found", dns.TypeToString[e.QType])
}

// Resolver is the capability an Engine consumes to resolve names and
// reverse-resolve addresses.  It is implemented here by adapting
// github.com/AdguardTeam/dnsproxy/upstream, which natively speaks every
// protocol the configuration surface names: plain UDP/TCP, DoT, DoH, and
// DoH3.
type Resolver interface {
	// Lookup resolves name for the given record type and class IN.
	Lookup(ctx context.Context, name string, qtype uint16) (*dns.Msg, error)

	// ReverseLookup resolves the PTR records for addr.
	ReverseLookup(ctx context.Context, addr netip.Addr) (*dns.Msg, error)

	// Close releases any resources (e.g. pooled connections) held by the
	// resolver.
	Close() error
}

// dnsproxyResolver adapts a single github.com/AdguardTeam/dnsproxy/upstream
// client to the Resolver interface.
type dnsproxyResolver struct {
	up upstreamlib.Upstream
}

// NewDNSProxyResolver builds a Resolver backed by dnsproxy/upstream for the
// given protocol, server addresses, port, and (for TLS-based protocols) TLS
// server name.  addrs must be non-empty.
func NewDNSProxyResolver(
	protocol string,
	addrs []netip.Addr,
	port uint16,
	tlsName string,
) (Resolver, error) {
	address, opts, err := buildUpstreamConfig(protocol, addrs, port, tlsName)
	if err != nil {
		return nil, err
	}

	up, err := upstreamlib.AddressToUpstream(address, opts)
	if err != nil {
		return nil, fmt.Errorf("creating %s upstream for %s: %w", protocol, address, err)
	}

	return &dnsproxyResolver{up: up}, nil
}

// buildUpstreamConfig turns a parsed upstream config section into the
// scheme-prefixed address string and options dnsproxy/upstream expects.
func buildUpstreamConfig(
	protocol string,
	addrs []netip.Addr,
	port uint16,
	tlsName string,
) (address string, opts *upstreamlib.Options, err error) {
	if len(addrs) == 0 {
		return "", nil, fmt.Errorf("no addresses configured")
	}

	scheme, defaultPort, path := schemeFor(protocol)
	if scheme == "" {
		return "", nil, fmt.Errorf("unsupported protocol %q", protocol)
	}

	if port == 0 {
		port = defaultPort
	}

	host := tlsName
	if host == "" {
		host = addrs[0].String()
	}

	address = fmt.Sprintf("%s://%s:%d%s", scheme, host, port, path)

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, net.IP(a.AsSlice()))
	}

	opts = &upstreamlib.Options{
		Timeout:       5 * time.Second,
		ServerIPAddrs: ips,
	}

	return address, opts, nil
}

// schemeFor maps a config "protocol" value to a dnsproxy/upstream address
// scheme, its conventional default port, and (for DoH-like protocols) the
// query path suffix.
func schemeFor(protocol string) (scheme string, defaultPort uint16, path string) {
	switch protocol {
	case "udp":
		return "udp", 53, ""
	case "tcp":
		return "tcp", 53, ""
	case "tls":
		return "tls", 853, ""
	case "https":
		return "https", 443, "/dns-query"
	case "h3":
		return "h3", 443, "/dns-query"
	default:
		return "", 0, ""
	}
}

// Lookup implements Resolver.
func (r *dnsproxyResolver) Lookup(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.RecursionDesired = true

	resp, err := r.exchange(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(resp.Answer) == 0 {
		return resp, &NoRecordsError{QType: qtype}
	}

	return resp, nil
}

// ReverseLookup implements Resolver.
func (r *dnsproxyResolver) ReverseLookup(ctx context.Context, addr netip.Addr) (*dns.Msg, error) {
	name, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return nil, fmt.Errorf("building reverse name for %s: %w", addr, err)
	}

	req := new(dns.Msg)
	req.SetQuestion(name, dns.TypePTR)
	req.RecursionDesired = true

	resp, err := r.exchange(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(resp.Answer) == 0 {
		return resp, &NoRecordsError{QType: dns.TypePTR}
	}

	return resp, nil
}

// exchange runs req against the wrapped upstream, classifying a clean
// NXDOMAIN/NODATA answer as success (the caller turns an empty answer
// section into NoRecordsError) and anything else non-NOERROR as a
// transport-level error.
func (r *dnsproxyResolver) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	_ = ctx // dnsproxy/upstream does not take a context; timeout is in Options.

	resp, err := r.up.Exchange(req)
	if err != nil {
		return nil, fmt.Errorf("exchange via %s: %w", r.up.Address(), err)
	}

	if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("upstream %s returned %s", r.up.Address(), dns.RcodeToString[resp.Rcode])
	}

	return resp, nil
}

// Close implements Resolver.
func (r *dnsproxyResolver) Close() error {
	return r.up.Close()
}
