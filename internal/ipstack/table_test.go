package ipstack

import (
	"net"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return n
}

func TestResolveLongestPrefixWins(t *testing.T) {
	table := NewTable()
	table.Set(Route{Prefix: mustCIDR(t, "10.0.0.0/8"), Type: RouteStatic, NextHop: NextHopInterface("wide")})
	table.Set(Route{Prefix: mustCIDR(t, "10.0.0.0/24"), Type: RouteLocal, NextHop: NextHopInterface("eth0")})

	res, err := table.Resolve(net.ParseIP("10.0.0.5"))
	require.NoError(t, err)
	require.Equal(t, "eth0", res.InterfaceName)
}

func TestResolveFollowsIpIndirection(t *testing.T) {
	table := NewTable()
	table.Set(Route{Prefix: mustCIDR(t, "10.0.0.2/32"), Type: RouteLocal, NextHop: NextHopInterface("eth0")})
	table.Set(Route{Prefix: mustCIDR(t, "10.1.0.0/24"), Type: RouteRip, NextHop: NextHopIP(net.ParseIP("10.0.0.2"))})

	res, err := table.Resolve(net.ParseIP("10.1.0.9"))
	require.NoError(t, err)
	require.Equal(t, "eth0", res.InterfaceName)
	require.True(t, res.NeighborIP.Equal(net.ParseIP("10.0.0.2")))
}

func TestResolveToSelf(t *testing.T) {
	table := NewTable()
	table.Set(Route{Prefix: mustCIDR(t, "10.0.0.1/32"), Type: RouteToSelf, NextHop: NextHopSelf()})

	res, err := table.Resolve(net.ParseIP("10.0.0.1"))
	require.NoError(t, err)
	require.True(t, res.Self)
}

func TestResolveNoRoute(t *testing.T) {
	table := NewTable()
	_, err := table.Resolve(net.ParseIP("192.168.1.1"))
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestResolveDetectsLoop(t *testing.T) {
	table := NewTable()
	table.Set(Route{Prefix: mustCIDR(t, "10.0.0.0/24"), Type: RouteRip, NextHop: NextHopIP(net.ParseIP("10.0.0.1"))})

	_, err := table.Resolve(net.ParseIP("10.0.0.5"))
	require.ErrorIs(t, err, ErrRoutingLoop)
}

func TestDeleteAndSnapshot(t *testing.T) {
	table := NewTable()
	prefix := mustCIDR(t, "10.0.0.0/24")
	table.Set(Route{Prefix: prefix, Type: RouteStatic, NextHop: NextHopInterface("eth0")})

	require.Len(t, table.Snapshot(), 1)
	require.True(t, table.Delete(prefix))
	require.Empty(t, table.Snapshot())
	require.False(t, table.Delete(prefix))
}

func TestSnapshotMatchesInstalledRoutes(t *testing.T) {
	table := NewTable()
	want := []Route{
		{Prefix: mustCIDR(t, "10.0.0.0/24"), Type: RouteLocal, NextHop: NextHopInterface("eth0")},
		{Prefix: mustCIDR(t, "10.0.0.1/32"), Type: RouteToSelf, NextHop: NextHopSelf()},
		{Prefix: mustCIDR(t, "10.1.0.0/24"), Type: RouteRip, NextHop: NextHopIP(net.ParseIP("10.0.0.2")), Cost: 2},
	}
	for _, r := range want {
		table.Set(r)
	}

	got := table.Snapshot()
	sort.Slice(got, func(i, j int) bool { return got[i].Prefix.String() < got[j].Prefix.String() })
	sort.Slice(want, func(i, j int) bool { return want[i].Prefix.String() < want[j].Prefix.String() })

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}
