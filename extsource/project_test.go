package extsource

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metasvc/corehub/keymap"
	"github.com/metasvc/corehub/manifest"
)

func testProjector(t *testing.T) *Projector {
	t.Helper()
	km, err := keymap.Open(filepath.Join(t.TempDir(), "km.db"))
	require.NoError(t, err)
	t.Cleanup(func() { km.Close() })

	mf := manifest.New("test")
	return NewProjector(mf, km)
}

func simpleOrgModel() (*manifest.Manifest, *manifest.Model) {
	mf := manifest.New("test")
	model := &manifest.Model{
		Name:            "ds/Org",
		KeymapNamespace: "ds/Org",
		PrimaryKey:      []string{"code"},
		Order:           []string{"code", "title", "status"},
		Properties: map[string]*manifest.Property{
			"code":   {Name: "code", Place: "code", Type: manifest.DataType{Kind: manifest.TypeString}},
			"title":  {Name: "title", Place: "title", Type: manifest.DataType{Kind: manifest.TypeString}},
			"status": {Name: "status", Place: "status", Type: manifest.DataType{Kind: manifest.TypeString, Enum: map[string]string{"A": "active", "I": "inactive"}, EnumStrict: true}},
		},
	}
	mf.Models["ds/Org"] = model
	return mf, model
}

func TestProjectSimpleRowWithEnum(t *testing.T) {
	km, err := keymap.Open(filepath.Join(t.TempDir(), "km.db"))
	require.NoError(t, err)
	defer km.Close()

	mf, model := simpleOrgModel()
	p := NewProjector(mf, km)

	row, err := p.Project(model, SourceRow{"code": "acme", "title": "Acme Corp", "status": "A"})
	require.NoError(t, err)

	assert.NotEmpty(t, row.ID)
	assert.Equal(t, "Acme Corp", row.Data["title"])
	assert.Equal(t, "active", row.Data["status"])
}

func TestProjectEnumStrictMissingValueFails(t *testing.T) {
	km, err := keymap.Open(filepath.Join(t.TempDir(), "km.db"))
	require.NoError(t, err)
	defer km.Close()

	mf, model := simpleOrgModel()
	p := NewProjector(mf, km)

	_, err = p.Project(model, SourceRow{"code": "acme", "title": "Acme Corp", "status": "Z"})
	require.Error(t, err)
}

func TestProjectIDIsDeterministic(t *testing.T) {
	km, err := keymap.Open(filepath.Join(t.TempDir(), "km.db"))
	require.NoError(t, err)
	defer km.Close()

	mf, model := simpleOrgModel()
	p := NewProjector(mf, km)

	row1, err := p.Project(model, SourceRow{"code": "acme", "title": "Acme Corp", "status": "A"})
	require.NoError(t, err)
	row2, err := p.Project(model, SourceRow{"code": "acme", "title": "Different Title", "status": "A"})
	require.NoError(t, err)

	assert.Equal(t, row1.ID, row2.ID, "same primary key must synthesise the same id regardless of other column values")
}

func TestProjectNestedObjectProperty(t *testing.T) {
	mf := manifest.New("test")
	model := &manifest.Model{
		Name:            "ds/Org",
		KeymapNamespace: "ds/Org",
		PrimaryKey:      []string{"code"},
		Order:           []string{"code", "address"},
		Properties: map[string]*manifest.Property{
			"code": {Name: "code", Place: "code", Type: manifest.DataType{Kind: manifest.TypeString}},
			"address": {Name: "address", Place: "address", Type: manifest.DataType{
				Kind: manifest.TypeObject,
				Props: map[string]*manifest.Property{
					"city": {Name: "city", Place: "address.city", Type: manifest.DataType{Kind: manifest.TypeString}},
				},
			}},
		},
	}
	mf.Models["ds/Org"] = model

	km, err := keymap.Open(filepath.Join(t.TempDir(), "km.db"))
	require.NoError(t, err)
	defer km.Close()
	p := NewProjector(mf, km)

	row, err := p.Project(model, SourceRow{"code": "acme", "city": "Vilnius"})
	require.NoError(t, err)

	addr := row.Data["address"].(map[string]interface{})
	assert.Equal(t, "Vilnius", addr["city"])
}

func TestProjectArrayProperty(t *testing.T) {
	mf := manifest.New("test")
	model := &manifest.Model{
		Name:            "ds/Org",
		KeymapNamespace: "ds/Org",
		PrimaryKey:      []string{"code"},
		Order:           []string{"code", "tags"},
		Properties: map[string]*manifest.Property{
			"code": {Name: "code", Place: "code", Type: manifest.DataType{Kind: manifest.TypeString}},
			"tags": {Name: "tags", Place: "tags", Source: "tags", Type: manifest.DataType{Kind: manifest.TypeArray, Items: &manifest.DataType{Kind: manifest.TypeString}}},
		},
	}
	mf.Models["ds/Org"] = model

	km, err := keymap.Open(filepath.Join(t.TempDir(), "km.db"))
	require.NoError(t, err)
	defer km.Close()
	p := NewProjector(mf, km)

	row, err := p.Project(model, SourceRow{"code": "acme", "tags": "a, b, c"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, row.Data["tags"])
}

func TestProjectRefLevelDenormalised(t *testing.T) {
	mf := manifest.New("test")
	country := &manifest.Model{Name: "ds/Country", KeymapNamespace: "ds/Country", PrimaryKey: []string{"code"},
		Properties: map[string]*manifest.Property{"code": {Name: "code", Type: manifest.DataType{Kind: manifest.TypeString}}}}
	mf.Models["ds/Country"] = country

	model := &manifest.Model{
		Name: "ds/Org", KeymapNamespace: "ds/Org", PrimaryKey: []string{"code"},
		Order: []string{"code", "country"},
		Properties: map[string]*manifest.Property{
			"code": {Name: "code", Place: "code", Type: manifest.DataType{Kind: manifest.TypeString}},
			"country": {Name: "country", Place: "country", Source: "country_code", Type: manifest.DataType{
				Kind: manifest.TypeRef, RefModel: "ds/Country", RefLevel: 3, RefProps: []string{"code"},
			}},
		},
	}
	mf.Models["ds/Org"] = model

	km, err := keymap.Open(filepath.Join(t.TempDir(), "km.db"))
	require.NoError(t, err)
	defer km.Close()
	p := NewProjector(mf, km)

	row, err := p.Project(model, SourceRow{"code": "acme", "country_code": "LT"})
	require.NoError(t, err)

	ref := row.Data["country"].(map[string]interface{})
	assert.Equal(t, "LT", ref["code"])
}

func TestProjectRefLevelHighFallsBackToID(t *testing.T) {
	mf := manifest.New("test")
	country := &manifest.Model{Name: "ds/Country", KeymapNamespace: "ds/Country", PrimaryKey: []string{"code"},
		Properties: map[string]*manifest.Property{"code": {Name: "code", Type: manifest.DataType{Kind: manifest.TypeString}}}}
	mf.Models["ds/Country"] = country

	model := &manifest.Model{
		Name: "ds/Org", KeymapNamespace: "ds/Org", PrimaryKey: []string{"code"},
		Order: []string{"code", "country"},
		Properties: map[string]*manifest.Property{
			"code": {Name: "code", Place: "code", Type: manifest.DataType{Kind: manifest.TypeString}},
			"country": {Name: "country", Place: "country", Source: "country_code", Type: manifest.DataType{
				Kind: manifest.TypeRef, RefModel: "ds/Country", RefLevel: 4,
			}},
		},
	}
	mf.Models["ds/Org"] = model

	km, err := keymap.Open(filepath.Join(t.TempDir(), "km.db"))
	require.NoError(t, err)
	defer km.Close()
	p := NewProjector(mf, km)

	row, err := p.Project(model, SourceRow{"code": "acme", "country_code": "LT"})
	require.NoError(t, err)

	ref := row.Data["country"].(map[string]interface{})
	assert.Contains(t, ref, "_id")
	assert.NotContains(t, ref, "code")
}

func TestRequiredKeymapPropertiesAreIndexed(t *testing.T) {
	mf := manifest.New("test")
	model := &manifest.Model{
		Name: "ds/Org", KeymapNamespace: "ds/Org", PrimaryKey: []string{"code"},
		Order:                    []string{"code", "alt_code"},
		RequiredKeymapProperties: [][]string{{"alt_code"}},
		Properties: map[string]*manifest.Property{
			"code":     {Name: "code", Place: "code", Type: manifest.DataType{Kind: manifest.TypeString}},
			"alt_code": {Name: "alt_code", Place: "alt_code", Type: manifest.DataType{Kind: manifest.TypeString}},
		},
	}
	mf.Models["ds/Org"] = model

	km, err := keymap.Open(filepath.Join(t.TempDir(), "km.db"))
	require.NoError(t, err)
	defer km.Close()
	p := NewProjector(mf, km)

	row, err := p.Project(model, SourceRow{"code": "acme", "alt_code": "ACM"})
	require.NoError(t, err)

	id, err := km.Lookup("ds/Org", []string{"ACM"}, nil)
	require.NoError(t, err)
	assert.Equal(t, row.ID, id)
}

func TestSetAndGetDotted(t *testing.T) {
	nested := map[string]interface{}{}
	setDotted(nested, "a.b.c", "v")
	assert.Equal(t, "v", getDotted(nested, "a.b.c"))
	assert.Nil(t, getDotted(nested, "a.b.missing"))
}
