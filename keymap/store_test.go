package keymap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestKeyMap(t *testing.T) *KeyMap {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keymap.db")
	k, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func TestEncodeIsDeterministicAndIdempotent(t *testing.T) {
	k := openTestKeyMap(t)

	id1, err := k.Encode("datasets/gov/example/Org", []string{"acme"}, nil)
	require.NoError(t, err)
	id2, err := k.Encode("datasets/gov/example/Org", []string{"acme"}, nil)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestEncodeIsInjectivePerNamespace(t *testing.T) {
	k := openTestKeyMap(t)

	idA, err := k.Encode("ns-a", []string{"same-key"}, nil)
	require.NoError(t, err)
	idB, err := k.Encode("ns-b", []string{"same-key"}, nil)
	require.NoError(t, err)

	assert.NotEqual(t, idA, idB)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	k := openTestKeyMap(t)

	id, err := k.Encode("datasets/gov/example/Org", []string{"acme", "nyc"}, nil)
	require.NoError(t, err)

	naturalKey, err := k.Decode("datasets/gov/example/Org", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "nyc"}, naturalKey)
}

func TestDecodeUnknownIDFails(t *testing.T) {
	k := openTestKeyMap(t)
	_, err := k.Decode("ns", "00000000-0000-0000-0000-000000000000")
	require.Error(t, err)
}

func TestCompositeKeyParentChaining(t *testing.T) {
	k := openTestKeyMap(t)
	parentID, err := k.Encode("datasets/gov/example/Country", []string{"us"}, nil)
	require.NoError(t, err)

	childID, err := k.Encode("datasets/gov/example/City", []string{"nyc"}, &parentID)
	require.NoError(t, err)

	otherParentID, err := k.Encode("datasets/gov/example/Country", []string{"ca"}, nil)
	require.NoError(t, err)
	childUnderOther, err := k.Encode("datasets/gov/example/City", []string{"nyc"}, &otherParentID)
	require.NoError(t, err)

	assert.NotEqual(t, childID, childUnderOther, "same natural key under different parents maps to different uuids")
}

func TestEncodeEmptyNaturalKeyFails(t *testing.T) {
	k := openTestKeyMap(t)
	_, err := k.Encode("ns", nil, nil)
	require.Error(t, err)
}

func TestIndexCombinationAndLookup(t *testing.T) {
	k := openTestKeyMap(t)
	id, err := k.Encode("datasets/gov/example/Org", []string{"acme"}, nil)
	require.NoError(t, err)

	require.NoError(t, k.IndexCombination("datasets/gov/example/Org", []string{"ACME-01", "east"}, id))

	found, err := k.Lookup("datasets/gov/example/Org", []string{"ACME-01", "east"}, nil)
	require.NoError(t, err)
	assert.Equal(t, id, found)
}

func TestLookupMissingFails(t *testing.T) {
	k := openTestKeyMap(t)
	_, err := k.Lookup("ns", []string{"nope"}, nil)
	require.Error(t, err)
}
