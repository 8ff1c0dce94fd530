package extsource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metasvc/corehub/manifest"
)

func singlePageModel() *manifest.Model {
	return &manifest.Model{
		Name: "ds/Event",
		Properties: map[string]*manifest.Property{
			"seq": {Name: "seq", Source: "seq_field"},
		},
		Page: &manifest.PageSpec{Properties: []string{"seq"}},
	}
}

func compositePageModel() *manifest.Model {
	return &manifest.Model{
		Name: "ds/Event",
		Properties: map[string]*manifest.Property{
			"day": {Name: "day", Source: "day_field"},
			"seq": {Name: "seq", Source: "seq_field"},
		},
		Page: &manifest.PageSpec{Properties: []string{"day", "seq"}},
	}
}

func TestCouchReaderResumePredicateSingleProperty(t *testing.T) {
	r := &CouchReader{}
	pred, err := r.ResumePredicate(singlePageModel(), map[string]string{"seq": "5"})
	require.NoError(t, err)
	sel, ok := pred.(MangoSelector)
	require.True(t, ok)
	assert.Equal(t, MangoSelector{"seq_field": map[string]interface{}{"$gt": "5"}}, sel)
}

func TestCouchReaderResumePredicateCompositeKeysetExpansion(t *testing.T) {
	r := &CouchReader{}
	pred, err := r.ResumePredicate(compositePageModel(), map[string]string{"day": "2026-07-01", "seq": "5"})
	require.NoError(t, err)
	sel, ok := pred.(MangoSelector)
	require.True(t, ok)

	clauses, ok := sel["$or"].([]interface{})
	require.True(t, ok)
	require.Len(t, clauses, 2)
	assert.Equal(t, map[string]interface{}{"day_field": map[string]interface{}{"$gt": "2026-07-01"}}, clauses[0])
	assert.Equal(t, map[string]interface{}{"day_field": "2026-07-01", "seq_field": map[string]interface{}{"$gt": "5"}}, clauses[1])
}

func TestCouchReaderResumePredicateNilWithoutPageSpec(t *testing.T) {
	r := &CouchReader{}
	model := &manifest.Model{Name: "ds/Plain"}
	pred, err := r.ResumePredicate(model, map[string]string{"seq": "5"})
	require.NoError(t, err)
	assert.Nil(t, pred)
}

func TestCouchReaderResumePredicateNilWithoutStoredCursor(t *testing.T) {
	r := &CouchReader{}
	pred, err := r.ResumePredicate(singlePageModel(), map[string]string{})
	require.NoError(t, err)
	assert.Nil(t, pred)
}

func TestBaseSelectorParsesPrepareFormula(t *testing.T) {
	model := &manifest.Model{External: &manifest.ExternalBinding{Prepare: `{"status":"active"}`}}
	assert.Equal(t, map[string]interface{}{"status": "active"}, baseSelector(model))
}

func TestBaseSelectorEmptyWithoutExternalBinding(t *testing.T) {
	assert.Equal(t, map[string]interface{}{}, baseSelector(&manifest.Model{}))
}
