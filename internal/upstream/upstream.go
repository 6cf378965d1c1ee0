// Package upstream models a configured remote resolver: its identity, its
// transport (a Resolver), and the AAAA-disable flag that governs how the
// engine treats it during fan-out.
package upstream

// ID identifies a configured upstream.  IDs are assigned as the index into
// a Table's Upstreams slice, in the order upstreams were declared, and are
// stable for the lifetime of the process.
type ID = uint8

// Upstream is a single configured remote resolver.  An Upstream is immutable
// after construction.
type Upstream struct {
	// Resolver performs the actual name/address lookups against the
	// upstream's transport.
	Resolver Resolver

	// Name is an informational display name; it has no effect on routing.
	Name string

	// ID is this upstream's index in its owning Table.  The last ID in a
	// Table is the IP map's default, i.e. the fallback upstream.
	ID ID

	// DisableAAAA, when true, means this upstream must never be asked for
	// (or allowed to answer) AAAA records.
	DisableAAAA bool
}
