// Package diverge implements the divergence engine: the per-query decision
// logic that picks an upstream by domain or by address, fans a query out to
// race candidate upstreams when no deterministic choice exists, prunes
// answers that don't belong to the upstream that produced them, and
// assembles the final wire response.
package diverge

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/log"
	"github.com/divergedns/diverge/internal/metrics"
	"github.com/divergedns/diverge/internal/upstream"
	"github.com/miekg/dns"
)

// Engine holds the immutable routing tables it needs to answer queries.  It
// has no mutable state of its own, so a single Engine may be shared and
// queried concurrently by any number of goroutines.
type Engine struct {
	table *upstream.Table
}

// NewEngine returns an Engine that routes queries using table.
func NewEngine(table *upstream.Table) *Engine {
	return &Engine{table: table}
}

// Query decodes request, routes and resolves it, and returns the packed
// wire bytes of the response.  It returns ok=false when request does not
// decode as a DNS message or the response fails to encode; in both cases
// the caller (the transport) is expected to simply drop the datagram.
func (e *Engine) Query(ctx context.Context, request []byte) (response []byte, ok bool) {
	req := new(dns.Msg)
	if err := req.Unpack(request); err != nil {
		log.Debug("diverge: invalid dns message: %s", err)
		return nil, false
	}

	header := responseHeaderFromRequest(req)

	if req.Response || req.Opcode != dns.OpcodeQuery {
		log.Debug("diverge: expected a standard query, got response=%v opcode=%d", req.Response, req.Opcode)
		header.Rcode = dns.RcodeFormatError
		return BuildResponse(header, nil, nil)
	}

	if len(req.Question) == 0 {
		log.Debug("diverge: expected 1 question, got 0")
		header.Rcode = dns.RcodeFormatError
		return BuildResponse(header, nil, nil)
	}

	q := req.Question[0]

	if len(req.Question) > 1 {
		log.Debug("diverge: expected 1 question, got %d", len(req.Question))
		header.Rcode = dns.RcodeNotImplemented
		return BuildResponse(header, &q, nil)
	}

	if len(req.Answer) != 0 {
		log.Debug("diverge: expected 0 answers in query, got %d", len(req.Answer))
		header.Rcode = dns.RcodeFormatError
		return BuildResponse(header, &q, nil)
	}

	if req.RecursionDesired {
		header.RecursionAvailable = true
	}

	var answers []dns.RR

	switch q.Qclass {
	case dns.ClassINET:
		answers = e.dispatchIN(ctx, &header, q)
	case dns.ClassCHAOS:
		log.Info("diverge: CHAOS %s %s", dns.TypeToString[q.Qtype], q.Name)
		header.Rcode = dns.RcodeNotImplemented
	default:
		log.Warn("diverge: unsupported query class %d", q.Qclass)
		header.Rcode = dns.RcodeNotImplemented
	}

	metrics.QueriesTotal.WithLabelValues(dns.TypeToString[q.Qtype], dns.RcodeToString[header.Rcode]).Inc()

	return BuildResponse(header, &q, answers)
}

// dispatchIN handles a class-IN question, routing by qtype as spec.md §4.6
// describes.  It may mutate header.Rcode (e.g. on a malformed PTR name).
func (e *Engine) dispatchIN(ctx context.Context, header *dns.MsgHdr, q dns.Question) []dns.RR {
	switch q.Qtype {
	case dns.TypeA:
		log.Info("diverge: A %s", q.Name)
		return e.queryIP(ctx, q.Name, dns.TypeA)
	case dns.TypeAAAA:
		log.Info("diverge: AAAA %s", q.Name)
		return e.queryIP(ctx, q.Name, dns.TypeAAAA)
	case dns.TypePTR:
		addr, ok := ParsePTRName(q.Name)
		if !ok {
			log.Warn("diverge: invalid PTR query name: %s", q.Name)
			header.Rcode = dns.RcodeFormatError
			return nil
		}
		log.Info("diverge: PTR %s", addr)
		return e.queryPTR(ctx, addr)
	default:
		log.Info("diverge: %s %s", dns.TypeToString[q.Qtype], q.Name)
		return e.queryOther(ctx, q.Name, q.Qtype)
	}
}

// queryIP handles A/AAAA queries: Path A (deterministic, by domain map) when
// the name matches a configured domain suffix, Path B (race by IP map
// membership) otherwise.
func (e *Engine) queryIP(ctx context.Context, name string, qtype uint16) []dns.RR {
	if id, ok := e.table.Domains.Get(name); ok {
		metrics.PathChosenTotal.WithLabelValues("domain").Inc()
		return e.queryIPDeterministic(ctx, name, qtype, id)
	}

	metrics.PathChosenTotal.WithLabelValues("race").Inc()
	return e.queryIPRace(ctx, name, qtype)
}

// queryIPDeterministic implements Path A.
func (e *Engine) queryIPDeterministic(ctx context.Context, name string, qtype uint16, id upstream.ID) []dns.RR {
	up := e.table.Upstreams[id]

	if up.DisableAAAA && qtype == dns.TypeAAAA {
		log.Info("diverge: domain map chose upstream %s for %s, but AAAA is disabled", up.Name, name)
		return []dns.RR{}
	}

	resp, err := up.Resolver.Lookup(ctx, name, qtype)
	if err != nil {
		logResolveError(up.Name, name, qtype, err)
		return []dns.RR{}
	}

	out := make([]dns.RR, 0, len(resp.Answer))
	kept := e.prune(&out, resp.Answer, id)
	if kept == 0 && hasAddrRecords(resp.Answer) {
		log.Warn(
			"diverge: domain map chose upstream %s for %s, but all A/AAAA records were pruned",
			up.Name, name,
		)
		metrics.PrunedEmptyTotal.WithLabelValues(up.Name).Inc()
		return []dns.RR{}
	}

	return out
}

// queryIPRace implements Path B: every eligible upstream is queried
// concurrently, but the winner is chosen by iterating the launched tasks in
// upstream-declaration order and awaiting each in turn — not by completion
// order. The first upstream whose pruned answer keeps at least one A/AAAA
// record wins. On return the context shared by the remaining siblings is
// canceled, and whatever they still produce is discarded.
func (e *Engine) queryIPRace(ctx context.Context, name string, qtype uint16) []dns.RR {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type pending struct {
		id upstream.ID
		ch chan ipLookupResult
	}

	tasks := make([]pending, 0, len(e.table.Upstreams))
	for i, up := range e.table.Upstreams {
		if up.DisableAAAA && qtype == dns.TypeAAAA {
			continue
		}

		id := upstream.ID(i)
		ch := make(chan ipLookupResult, 1)
		go func(up *upstream.Upstream) {
			resp, err := up.Resolver.Lookup(ctx, name, qtype)
			ch <- ipLookupResult{resp: resp, err: err}
		}(up)

		tasks = append(tasks, pending{id: id, ch: ch})
	}

	for _, t := range tasks {
		res := <-t.ch
		up := e.table.Upstreams[t.id]

		if res.err != nil {
			logResolveError(up.Name, name, qtype, res.err)
			continue
		}

		out := make([]dns.RR, 0, len(res.resp.Answer))
		kept := e.prune(&out, res.resp.Answer, t.id)
		if kept > 0 {
			log.Info("diverge: ip map race chose upstream %s for %s", up.Name, name)
			return out
		}
	}

	return []dns.RR{}
}

type ipLookupResult struct {
	resp *dns.Msg
	err  error
}

// prune copies records into *out, dropping class-IN A/AAAA records whose
// address does not belong to owner according to the IP map, and retaining
// every other record unconditionally.  It returns the number of A/AAAA
// records kept.
func (e *Engine) prune(out *[]dns.RR, records []dns.RR, owner upstream.ID) (kept int) {
	for _, r := range records {
		switch rr := r.(type) {
		case *dns.A:
			if r.Header().Class != dns.ClassINET {
				*out = append(*out, r)
				continue
			}

			var b [4]byte
			copy(b[:], rr.A.To4())
			if e.table.IPs.Get4(b) == owner {
				*out = append(*out, r)
				kept++
			}
		case *dns.AAAA:
			if r.Header().Class != dns.ClassINET {
				*out = append(*out, r)
				continue
			}

			var b [16]byte
			copy(b[:], rr.AAAA.To16())
			if e.table.IPs.Get6(b) == owner {
				*out = append(*out, r)
				kept++
			}
		default:
			*out = append(*out, r)
		}
	}

	return kept
}

// hasAddrRecords reports whether records contains any class-IN A or AAAA
// record.
func hasAddrRecords(records []dns.RR) bool {
	for _, r := range records {
		if r.Header().Class != dns.ClassINET {
			continue
		}
		switch r.(type) {
		case *dns.A, *dns.AAAA:
			return true
		}
	}

	return false
}

// queryPTR resolves a reverse lookup, choosing the upstream by the IP map
// membership of addr and returning its records verbatim (no pruning).
func (e *Engine) queryPTR(ctx context.Context, addr netip.Addr) []dns.RR {
	id := e.table.IPs.Get(net.IP(addr.AsSlice()))
	up := e.table.Upstreams[id]

	log.Info("diverge: ip map chose upstream %s for PTR %s", up.Name, addr)

	resp, err := up.Resolver.ReverseLookup(ctx, addr)
	if err != nil {
		logResolveError(up.Name, addr.String(), dns.TypePTR, err)
		return []dns.RR{}
	}

	return resp.Answer
}

// queryOther handles any qtype other than A/AAAA/PTR: TXT, MX, SRV,
// CNAME-only lookups, and so on.  The domain map picks the upstream when it
// has an entry for name; otherwise upstream 0 (the first declared) is the
// implicit default, asymmetric with the IP map's last-upstream default
// (spec.md §9) by design. Records are returned verbatim, unpruned.
func (e *Engine) queryOther(ctx context.Context, name string, qtype uint16) []dns.RR {
	var up *upstream.Upstream
	if id, ok := e.table.Domains.Get(name); ok {
		up = e.table.Upstreams[id]
		log.Info("diverge: domain map chose upstream %s for %s %s", up.Name, name, dns.TypeToString[qtype])
	} else {
		up = e.table.Upstreams[0]
		log.Info("diverge: domain map miss, falling back to upstream %s for %s %s", up.Name, name, dns.TypeToString[qtype])
	}

	resp, err := up.Resolver.Lookup(ctx, name, qtype)
	if err != nil {
		logResolveError(up.Name, name, qtype, err)
		return []dns.RR{}
	}

	return resp.Answer
}

// logResolveError logs an upstream resolver error at a severity that
// depends on its kind: a clean "no records" result logs at info, except for
// qtype A where it logs at warn, matching spec.md §7; any other error logs
// at warn.
func logResolveError(upstreamName, name string, qtype uint16, err error) {
	metrics.UpstreamErrorsTotal.WithLabelValues(upstreamName, dns.TypeToString[qtype]).Inc()

	var nre *upstream.NoRecordsError
	if errors.As(err, &nre) {
		if nre.QType == dns.TypeA {
			log.Warn("diverge: upstream %s: %s: no %s records found", upstreamName, name, dns.TypeToString[nre.QType])
		} else {
			log.Info("diverge: upstream %s: %s: no %s records found", upstreamName, name, dns.TypeToString[nre.QType])
		}

		return
	}

	log.Warn("diverge: upstream %s: failed to resolve %s: %s", upstreamName, name, err)
}
