package extsource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metasvc/corehub/manifest"
)

func orgModelWithExternal() *manifest.Model {
	return &manifest.Model{
		Name:            "ds/Org",
		KeymapNamespace: "ds/Org",
		PrimaryKey:      []string{"code"},
		Order:           []string{"code"},
		External:        &manifest.ExternalBinding{Table: "orgs", Prepare: "deleted_at IS NULL"},
		Properties: map[string]*manifest.Property{
			"code": {Name: "code", Place: "code", Type: manifest.DataType{Kind: manifest.TypeString}},
		},
	}
}

func TestRebindShiftsPlaceholders(t *testing.T) {
	assert.Equal(t, "status = $1", rebind("status = $1", 0))
	assert.Equal(t, "status = $3 AND kind = $4", rebind("status = $1 AND kind = $2", 2))
}

func TestBuildSelectMergesPrepareAndExtra(t *testing.T) {
	model := orgModelWithExternal()
	query, args := buildSelect(model, SQLPredicate{Where: "code = $1", Args: []interface{}{"acme"}})
	assert.Contains(t, query, "SELECT * FROM orgs")
	assert.Contains(t, query, "deleted_at IS NULL")
	assert.Contains(t, query, "code = $1")
	assert.Equal(t, []interface{}{"acme"}, args)
}

func pagedOrgModel() *manifest.Model {
	model := orgModelWithExternal()
	model.Properties["seq"] = &manifest.Property{Name: "seq", Source: "seq_col", Type: manifest.DataType{Kind: manifest.TypeInteger}}
	model.Page = &manifest.PageSpec{Properties: []string{"seq"}}
	return model
}

func TestBuildSelectOrdersByPageProperties(t *testing.T) {
	model := pagedOrgModel()
	query, _ := buildSelect(model, nil)
	assert.Contains(t, query, "ORDER BY seq_col ASC")
}

func TestBuildSelectWithoutPageHasNoOrderBy(t *testing.T) {
	model := orgModelWithExternal()
	query, _ := buildSelect(model, nil)
	assert.NotContains(t, query, "ORDER BY")
}

func TestSQLReaderResumePredicateBuildsRowWiseComparison(t *testing.T) {
	model := pagedOrgModel()
	r := &SQLReader{}
	pred, err := r.ResumePredicate(model, map[string]string{"seq": "42"})
	assert.NoError(t, err)
	sp, ok := pred.(SQLPredicate)
	require.True(t, ok)
	assert.Equal(t, "(seq_col) > ($1)", sp.Where)
	assert.Equal(t, []interface{}{"42"}, sp.Args)
}

func TestSQLReaderResumePredicateNilWithoutPageSpec(t *testing.T) {
	model := orgModelWithExternal()
	r := &SQLReader{}
	pred, err := r.ResumePredicate(model, map[string]string{"seq": "42"})
	assert.NoError(t, err)
	assert.Nil(t, pred)
}

func TestSQLReaderResumePredicateNilWithoutStoredCursor(t *testing.T) {
	model := pagedOrgModel()
	r := &SQLReader{}
	pred, err := r.ResumePredicate(model, map[string]string{})
	assert.NoError(t, err)
	assert.Nil(t, pred)
}
