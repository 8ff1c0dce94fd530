package extsource

import "github.com/metasvc/corehub/manifest"

// newSingleModelManifest returns a minimal Manifest with one external
// model bound to an "orgs" table/database, shared by the Sql and Couch
// integration tests.
func newSingleModelManifest() *manifest.Manifest {
	mf := manifest.New("test")
	model := &manifest.Model{
		Name:            "ds/Org",
		KeymapNamespace: "ds/Org",
		PrimaryKey:      []string{"code"},
		Order:           []string{"code", "title"},
		External:        &manifest.ExternalBinding{Table: "orgs"},
		Properties: map[string]*manifest.Property{
			"code":  {Name: "code", Place: "code", Type: manifest.DataType{Kind: manifest.TypeString}},
			"title": {Name: "title", Place: "title", Type: manifest.DataType{Kind: manifest.TypeString}},
		},
	}
	mf.Models["ds/Org"] = model
	return mf
}
