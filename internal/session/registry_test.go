package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoverCollectsSlotsInOrder(t *testing.T) {
	for i := 1; i <= MaxSlots; i++ {
		t.Setenv(fmt.Sprintf("SESSION_STRING_%d", i), "")
	}
	t.Setenv("SESSION_STRING_3", "secret-three")
	t.Setenv("SESSION_STRING_1", "secret-one")
	t.Setenv("SESSION_STRING_7", "  secret-seven  ")

	reg, err := Discover()
	require.NoError(t, err)
	require.Equal(t, 3, reg.Len())

	all := reg.All()
	require.Equal(t, "session-1", all[0].ID)
	require.Equal(t, "session-3", all[1].ID)
	require.Equal(t, "session-7", all[2].ID)
	require.Equal(t, "secret-seven", all[2].Secret, "secrets should be trimmed")
}

func TestDiscoverFailsWithZeroSlots(t *testing.T) {
	for i := 1; i <= MaxSlots; i++ {
		t.Setenv(fmt.Sprintf("SESSION_STRING_%d", i), "")
	}
	_, err := Discover()
	require.ErrorIs(t, err, ErrNoCredentials)
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]Credential{
		{ID: "a", Secret: "s1"},
		{ID: "a", Secret: "s2"},
	})
	require.Error(t, err)
}

func TestRegistryLookupAndIndex(t *testing.T) {
	reg, err := NewRegistry([]Credential{
		{ID: "a", Secret: "s1"},
		{ID: "b", Secret: "s2"},
	})
	require.NoError(t, err)

	cred, ok := reg.Get("b")
	require.True(t, ok)
	require.Equal(t, "s2", cred.Secret)

	_, ok = reg.Get("zzz")
	require.False(t, ok)

	require.Equal(t, 0, reg.IndexOf("a"))
	require.Equal(t, 1, reg.IndexOf("b"))
	require.Equal(t, 2, reg.IndexOf("zzz"), "unknown ids sort last")
}

func TestRegistryAllReturnsCopy(t *testing.T) {
	reg, err := NewRegistry([]Credential{{ID: "a", Secret: "s1"}})
	require.NoError(t, err)

	all := reg.All()
	all[0].Secret = "mutated"

	again, _ := reg.Get("a")
	require.Equal(t, "s1", again.Secret)
}
