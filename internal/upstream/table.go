package upstream

import (
	"fmt"

	"github.com/AdguardTeam/golibs/log"
	"github.com/divergedns/diverge/internal/config"
	"github.com/divergedns/diverge/internal/domainmap"
	"github.com/divergedns/diverge/internal/ipmap"
)

// Table is the ordered set of configured upstreams together with the
// DomainMap and IpMap built from their domains/ips lists.  A Table is
// immutable once BuildTable returns; all of its fields are safe to read
// concurrently without synchronization.
type Table struct {
	Domains *domainmap.Map[ID]
	IPs     *ipmap.Map[ID]
	// Upstreams is indexed by ID; Upstreams[i].ID == ID(i).
	Upstreams []*Upstream
}

// BuildTable constructs a Table from specs, in declaration order.  The last
// spec's ID becomes the IpMap default, establishing it as the fallback
// upstream (spec.md §4.3).
func BuildTable(specs []config.UpstreamSpec) (*Table, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no upstreams configured")
	}
	if len(specs) > 255 {
		return nil, fmt.Errorf("too many upstreams: %d (max 255)", len(specs))
	}

	t := &Table{
		Domains:   domainmap.New[ID](),
		IPs:       ipmap.New[ID](ID(len(specs) - 1)),
		Upstreams: make([]*Upstream, 0, len(specs)),
	}

	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}

		id := ID(i)

		for _, fname := range spec.DomainFiles {
			t.Domains.LoadFile(fname, id)
		}
		for _, fname := range spec.IPFiles {
			t.IPs.LoadFile(fname, id)
		}

		resolver, err := NewDNSProxyResolver(spec.Protocol, spec.Addresses, spec.Port, spec.TLSName)
		if err != nil {
			return nil, fmt.Errorf("upstream %q: %w", spec.Name, err)
		}

		t.Upstreams = append(t.Upstreams, &Upstream{
			ID:          id,
			Name:        spec.Name,
			Resolver:    resolver,
			DisableAAAA: spec.DisableAAAA,
		})

		log.Info("upstream %d (%s) configured: protocol=%s addresses=%v disable_aaaa=%v",
			id, spec.Name, spec.Protocol, spec.Addresses, spec.DisableAAAA)
	}

	return t, nil
}

// Close closes every upstream's resolver.  Errors are logged, not
// propagated, since shutdown should proceed regardless.
func (t *Table) Close() {
	for _, u := range t.Upstreams {
		if err := u.Resolver.Close(); err != nil {
			log.Warn("upstream %s: close: %s", u.Name, err)
		}
	}
}
