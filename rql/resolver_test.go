package rql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metasvc/corehub/manifest"
)

func testModel(t *testing.T) (*manifest.Manifest, *manifest.Model) {
	t.Helper()
	data := []byte(`{
		"name": "x",
		"datasets": {
			"ds": {
				"access": "open",
				"resources": {
					"r": {
						"type": "internal",
						"models": {
							"ds/Org": {
								"propertyOrder": ["title", "created", "tags"],
								"properties": {
									"title": {"type": "string"},
									"created": {"type": "datetime"},
									"tags": {
										"type": "array",
										"items": {"type": "string"}
									}
								}
							}
						}
					}
				}
			}
		}
	}`)
	m, err := manifest.LoadBytes(data)
	require.NoError(t, err)
	model, err := m.LookupModel("ds/Org")
	require.NoError(t, err)
	return m, model
}

func TestParseOp(t *testing.T) {
	op, err := ParseOp("eq")
	require.NoError(t, err)
	assert.Equal(t, OpEq, op)

	_, err = ParseOp("bogus")
	require.Error(t, err)
}

func TestResolveSimpleCondition(t *testing.T) {
	m, model := testModel(t)
	plan, err := Resolve(m, model, Cond(OpEq, "title", "Acme"), nil, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, plan.Root.Conditions, 1)
	assert.Equal(t, "acme", plan.Root.Conditions[0].Value, "string values are lower-cased for case-insensitive compare")
	assert.False(t, plan.Root.Conditions[0].InList)
}

func TestResolveUnknownField(t *testing.T) {
	m, model := testModel(t)
	_, err := Resolve(m, model, Cond(OpEq, "nope", "x"), nil, nil, 0, 0)
	require.Error(t, err)
}

func TestResolveListCondition(t *testing.T) {
	m, model := testModel(t)
	plan, err := Resolve(m, model, Cond(OpNe, "tags", "archived"), nil, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, plan.Root.Conditions, 1)
	cond := plan.Root.Conditions[0]
	assert.True(t, cond.InList)
	assert.True(t, cond.NotExists, "ne on a list property also matches rows missing the key")
}

func TestResolveLogicalGroup(t *testing.T) {
	m, model := testModel(t)
	filter := And(Cond(OpEq, "title", "Acme"), Or(Cond(OpGe, "created", "2024-01-01T00:00:00Z"), Cond(OpLt, "created", "2020-01-01T00:00:00Z")))
	plan, err := Resolve(m, model, filter, nil, nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, LogicalAnd, plan.Root.Logical)
	require.Len(t, plan.Root.Groups, 1)
	assert.Equal(t, LogicalOr, plan.Root.Groups[0].Logical)
}

func TestResolveSortListWindow(t *testing.T) {
	m, model := testModel(t)
	plan, err := Resolve(m, model, Node{}, nil, []SortKey{Desc("tags"), Asc("title")}, 10, 0)
	require.NoError(t, err)
	require.Len(t, plan.Sorts, 2)
	assert.True(t, plan.Sorts[0].ListWindow)
	assert.True(t, plan.Sorts[0].Desc)
	assert.False(t, plan.Sorts[1].ListWindow)
}

func TestResolveSelectUnknownField(t *testing.T) {
	m, model := testModel(t)
	_, err := Resolve(m, model, Node{}, []string{"nope"}, nil, 0, 0)
	require.Error(t, err)
}

func TestNormalizeTemporal(t *testing.T) {
	out, err := NormalizeTemporal("2024-03-05T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05T08:00:00", out)

	out, err = NormalizeTemporal("2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", out)

	_, err = NormalizeTemporal("not-a-date")
	require.Error(t, err)
}

func TestHasListCondition(t *testing.T) {
	m, model := testModel(t)
	plan, err := Resolve(m, model, Cond(OpEq, "title", "Acme"), nil, nil, 0, 0)
	require.NoError(t, err)
	assert.False(t, plan.HasListCondition())

	plan, err = Resolve(m, model, Cond(OpEq, "tags", "x"), nil, nil, 0, 0)
	require.NoError(t, err)
	assert.True(t, plan.HasListCondition())
}
