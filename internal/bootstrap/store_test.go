package bootstrap

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"xorroute/internal/ident"
	"xorroute/internal/routing"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "contacts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func contact(seed byte, addr string) routing.Contact {
	var a ident.Address
	a[0] = seed
	ap := netip.MustParseAddrPort(addr)
	return routing.Contact{
		Address:   a,
		Endpoints: routing.EndpointPair{Internal: ap, External: ap},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := openTemp(t)

	c1 := contact(1, "10.0.0.1:5483")
	c2 := contact(2, "203.0.113.9:5483")
	require.NoError(t, s.Add(c1, c2))

	got, err := s.Read()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, c1, got[0])
	require.Equal(t, c2, got[1])
}

func TestStore_AddIsUpsert(t *testing.T) {
	s := openTemp(t)

	c := contact(1, "10.0.0.1:5483")
	require.NoError(t, s.Add(c))
	c.Endpoints.External = netip.MustParseAddrPort("203.0.113.9:1234")
	require.NoError(t, s.Add(c))

	got, err := s.Read()
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, c.Endpoints.External, got[0].Endpoints.External)
}

func TestStore_RemoveIdempotent(t *testing.T) {
	s := openTemp(t)

	c := contact(1, "10.0.0.1:5483")
	require.NoError(t, s.Add(c))
	require.NoError(t, s.Remove(c))
	require.NoError(t, s.Remove(c))

	got, err := s.Read()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStore_EmptyRead(t *testing.T) {
	s := openTemp(t)
	got, err := s.Read()
	require.NoError(t, err)
	require.Empty(t, got)
}
