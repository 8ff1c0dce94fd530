package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumIsStableRegardlessOfMapOrder(t *testing.T) {
	a := map[string]interface{}{"title": "Acme", "code": "acme"}
	b := map[string]interface{}{"code": "acme", "title": "Acme"}

	sumA, err := Checksum(a)
	require.NoError(t, err)
	sumB, err := Checksum(b)
	require.NoError(t, err)
	assert.Equal(t, sumA, sumB)
}

func TestChecksumDiffersOnValueChange(t *testing.T) {
	sumA, err := Checksum(map[string]interface{}{"title": "Acme"})
	require.NoError(t, err)
	sumB, err := Checksum(map[string]interface{}{"title": "Acme Corp"})
	require.NoError(t, err)
	assert.NotEqual(t, sumA, sumB)
}

func TestChecksumFlattensNestedObjects(t *testing.T) {
	sum, err := Checksum(map[string]interface{}{
		"address": map[string]interface{}{"city": "Vilnius"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sum)
}
