package credstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesEmptyFileWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
	assert.FileExists(t, path)
}

func TestAddGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := Load(path)
	require.NoError(t, err)

	cred := Credential{Type: "oauth", Access: "a1", Refresh: "r1", ExpiresAt: 1234}
	require.NoError(t, s.Add("acct-a", cred))

	got, ok := s.Get("acct-a")
	require.True(t, ok)
	assert.Equal(t, cred, got)

	reloaded, err := Load(path)
	require.NoError(t, err)
	got2, ok := reloaded.Get("acct-a")
	require.True(t, ok)
	assert.Equal(t, cred, got2)
}

func TestUpdateTokenNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := Load(path)
	require.NoError(t, err)

	err = s.UpdateToken("missing", "a", "r", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTokenReplacesTriple(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.Add("acct-a", Credential{Access: "old", Refresh: "old-r", ExpiresAt: 1}))
	require.NoError(t, s.UpdateToken("acct-a", "new", "new-r", 999))

	got, ok := s.Get("acct-a")
	require.True(t, ok)
	assert.Equal(t, "new", got.Access)
	assert.Equal(t, "new-r", got.Refresh)
	assert.EqualValues(t, 999, got.ExpiresAt)
}

func TestRemoveTolerateAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := Load(path)
	require.NoError(t, err)

	assert.NoError(t, s.Remove("never-existed"))

	require.NoError(t, s.Add("acct-a", Credential{Access: "a"}))
	require.NoError(t, s.Remove("acct-a"))
	assert.Equal(t, 0, s.Len())
}

func TestAccountIDsAndLen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, s.Add("a", Credential{}))
	require.NoError(t, s.Add("b", Credential{}))

	assert.Equal(t, 2, s.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, s.AccountIDs())
}
