package upstream_test

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/divergedns/diverge/internal/config"
	"github.com/divergedns/diverge/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	return path
}

func parseSpecs(t *testing.T, doc string) []config.UpstreamSpec {
	t.Helper()

	c, err := config.Parse(strings.NewReader(doc))
	require.NoError(t, err)

	return c.Upstreams
}

func TestBuildTable_AssignsIDsInDeclarationOrderAndDefaultsLastToIPMap(t *testing.T) {
	domainFile := writeTemp(t, "home.lan\n")
	ipFile := writeTemp(t, "10.0.0.0/8\n")

	doc := fmt.Sprintf(`
[local]
addresses = 127.0.0.1
protocol = udp
domains = %s
ips = %s

[global]
addresses = 127.0.0.2
protocol = udp
`, domainFile, ipFile)

	table, err := upstream.BuildTable(parseSpecs(t, doc))
	require.NoError(t, err)
	defer table.Close()

	require.Len(t, table.Upstreams, 2)
	assert.Equal(t, upstream.ID(0), table.Upstreams[0].ID)
	assert.Equal(t, "local", table.Upstreams[0].Name)
	assert.Equal(t, upstream.ID(1), table.Upstreams[1].ID)
	assert.Equal(t, "global", table.Upstreams[1].Name)

	id, ok := table.Domains.Get("host.home.lan.")
	require.True(t, ok)
	assert.Equal(t, upstream.ID(0), id)

	_, ok = table.Domains.Get("example.com.")
	assert.False(t, ok)

	assert.Equal(t, upstream.ID(0), table.IPs.Get(net.ParseIP("10.1.2.3")))
	assert.Equal(t, upstream.ID(1), table.IPs.Get(net.ParseIP("8.8.8.8")))
}

func TestBuildTable_RejectsEmptySpecs(t *testing.T) {
	_, err := upstream.BuildTable(nil)
	assert.Error(t, err)
}

func TestBuildTable_PropagatesValidationError(t *testing.T) {
	specs := parseSpecs(t, "[broken]\nprotocol = udp\n")

	_, err := upstream.BuildTable(specs)
	assert.Error(t, err)
}
