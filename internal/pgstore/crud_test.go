package pgstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergePatchKeepsUntouchedSiblings(t *testing.T) {
	existing := map[string]interface{}{
		"address": map[string]interface{}{
			"city":    "Vilnius",
			"country": "LT",
		},
		"title": "Acme",
	}
	patch := map[string]interface{}{
		"address": map[string]interface{}{
			"city": "Kaunas",
		},
	}
	merged := mergePatch(existing, patch)

	addr := merged["address"].(map[string]interface{})
	assert.Equal(t, "Kaunas", addr["city"])
	assert.Equal(t, "LT", addr["country"], "patching one nested field must not drop its siblings")
	assert.Equal(t, "Acme", merged["title"])
}

func TestMergePatchOverwritesScalar(t *testing.T) {
	existing := map[string]interface{}{"title": "Acme"}
	patch := map[string]interface{}{"title": "Acme Corp"}
	merged := mergePatch(existing, patch)
	assert.Equal(t, "Acme Corp", merged["title"])
}

func TestSplitDotted(t *testing.T) {
	assert.Equal(t, []string{"a"}, splitDotted("a"))
	assert.Equal(t, []string{"a", "b", "c"}, splitDotted("a.b.c"))
}

func TestExtractListValuesTopLevelArray(t *testing.T) {
	data := map[string]interface{}{
		"tags": []interface{}{"a", "b"},
	}
	values := extractListValues(data, "tags")
	assert.Equal(t, []interface{}{"a", "b"}, values)
}

func TestExtractListValuesNestedObjectArray(t *testing.T) {
	data := map[string]interface{}{
		"tags": []interface{}{
			map[string]interface{}{"label": "x"},
			map[string]interface{}{"label": "y"},
		},
	}
	values := extractListValues(data, "tags")
	assert.Len(t, values, 2)
}

func TestExtractListValuesMissingKey(t *testing.T) {
	data := map[string]interface{}{}
	assert.Nil(t, extractListValues(data, "tags"))
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved("_id"))
	assert.True(t, IsReserved("_revision"))
	assert.False(t, IsReserved("title"))
}

func TestWithoutReserved(t *testing.T) {
	data := map[string]interface{}{"_id": "x", "_revision": "y", "title": "z"}
	out := withoutReserved(data)
	assert.NotContains(t, out, "_id")
	assert.NotContains(t, out, "_revision")
	assert.Equal(t, "z", out["title"])
}
