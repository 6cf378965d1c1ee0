package ipmap_test

import (
	"net"
	"testing"

	"github.com/divergedns/diverge/internal/ipmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_Get(t *testing.T) {
	m := ipmap.New(1)
	m.Insert(net.ParseIP("10.0.0.0"), 8, 0)
	m.Insert(net.ParseIP("10.1.0.0"), 16, 2)
	m.Insert(net.ParseIP("2001:db8::"), 32, 3)

	testCases := []struct {
		name string
		ip   string
		want int
	}{
		{name: "default", ip: "8.8.8.8", want: 1},
		{name: "broad_match", ip: "10.2.3.4", want: 0},
		{name: "longest_prefix_wins", ip: "10.1.2.3", want: 2},
		{name: "v6_match", ip: "2001:db8::1", want: 3},
		{name: "v6_default", ip: "2001:db9::1", want: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := m.Get(net.ParseIP(tc.ip))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMap_LoadFile_Missing(t *testing.T) {
	m := ipmap.New(9)
	n := m.LoadFile("testdata/nonexistent.lst", 1)
	require.Zero(t, n)
}
