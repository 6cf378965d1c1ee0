package server_test

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/divergedns/diverge/internal/diverge"
	"github.com/divergedns/diverge/internal/domainmap"
	"github.com/divergedns/diverge/internal/ipmap"
	"github.com/divergedns/diverge/internal/server"
	"github.com/divergedns/diverge/internal/upstream"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct{}

func (fakeResolver) Lookup(_ context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	rr, _ := dns.NewRR(name + " 60 IN A 192.0.2.1")
	m.Answer = []dns.RR{rr}
	return m, nil
}

func (fakeResolver) ReverseLookup(context.Context, netip.Addr) (*dns.Msg, error) {
	return new(dns.Msg), nil
}

func (fakeResolver) Close() error { return nil }

func TestServer_UDPRoundTrip(t *testing.T) {
	table := &upstream.Table{
		Domains: domainmap.New[upstream.ID](),
		IPs:     ipmap.New[upstream.ID](0),
		Upstreams: []*upstream.Upstream{
			{ID: 0, Name: "only", Resolver: fakeResolver{}},
		},
	}
	table.IPs.Insert(net.ParseIP("192.0.2.0"), 24, 0)

	engine := diverge.NewEngine(table)
	listen := netip.MustParseAddrPort("127.0.0.1:0")

	// Bind ourselves first to claim a free port, then hand it to the
	// server after closing it: good enough for a test, not a general
	// pattern for production code.
	probe, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(listen))
	require.NoError(t, err)
	addr := probe.LocalAddr().(*net.UDPAddr)
	require.NoError(t, probe.Close())

	boundAddr := netip.AddrPortFrom(listen.Addr(), uint16(addr.Port))
	srv := server.New(engine, boundAddr)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	// Give the listener a moment to bind.
	time.Sleep(50 * time.Millisecond)

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: addr.IP, Port: addr.Port})
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	q := new(dns.Msg)
	q.SetQuestion("www.example.com.", dns.TypeA)
	wire, err := q.Pack()
	require.NoError(t, err)

	_, err = conn.Write(wire)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(buf[:n]))
	require.Len(t, resp.Answer, 1)

	cancel()
	<-errCh
}
