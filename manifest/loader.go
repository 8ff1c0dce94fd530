package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "manifest")

// jsonManifest is the on-disk shape a Manifest is loaded from. The
// tabular (CSV-like) source format described by the manifest's original
// authoring tool is out of scope here — this loader consumes the
// already-resolved JSON representation a config pipeline produces from it.
type jsonManifest struct {
	Name     string                `json:"name"`
	Backends map[string]string     `json:"backends"`
	Datasets map[string]jsonDataset `json:"datasets"`
}

type jsonDataset struct {
	Access    string                  `json:"access"`
	Prefixes  map[string]string       `json:"prefixes"`
	Resources map[string]jsonResource `json:"resources"`
}

type jsonResource struct {
	Type    string               `json:"type"`
	Backend string               `json:"backend"`
	Models  map[string]jsonModel `json:"models"`
}

type jsonModel struct {
	Properties               map[string]jsonProperty `json:"properties"`
	PropertyOrder            []string                `json:"propertyOrder"`
	PrimaryKey               []string                `json:"primaryKey"`
	Access                   string                  `json:"access"`
	KeymapNamespace          string                  `json:"keymapNamespace"`
	RequiredKeymapProperties [][]string              `json:"requiredKeymapProperties"`
	External                *jsonExternal           `json:"external"`
	Page                    []string                `json:"page"`
}

type jsonExternal struct {
	Prepare string `json:"prepare"`
	Table   string `json:"table"`
}

type jsonProperty struct {
	Type       string                  `json:"type"`
	Access     string                  `json:"access"`
	Level      int                     `json:"level"`
	Source     string                  `json:"source"`
	Prepare    string                  `json:"prepare"`
	Items      *jsonProperty           `json:"items"`
	Props      map[string]jsonProperty `json:"props"`
	RefModel   string                  `json:"refModel"`
	RefProps   []string                `json:"refProps"`
	RefLevel   int                     `json:"refLevel"`
	Enum       map[string]string       `json:"enum"`
	EnumStrict bool                    `json:"enumStrict"`
}

// LoadFile reads a JSON manifest description from path, builds the graph,
// links access levels, and validates ref targets before returning it.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes parses a JSON manifest description already read into memory.
func LoadBytes(data []byte) (*Manifest, error) {
	var jm jsonManifest
	if err := json.Unmarshal(data, &jm); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}

	m := New(jm.Name)
	for name, dsn := range jm.Backends {
		m.Backends[name] = dsn
	}

	for dsName, jds := range jm.Datasets {
		ds := &Dataset{
			Name:      dsName,
			Prefixes:  jds.Prefixes,
			Access:    LoadAccess(jds.Access),
			Resources: make(map[string]*Resource),
		}
		for resName, jres := range jds.Resources {
			res := &Resource{
				Name:    resName,
				Type:    jres.Type,
				Backend: jres.Backend,
				Models:  make(map[string]*Model),
			}
			for modelName, jmodel := range jres.Models {
				model, err := buildModel(modelName, jmodel)
				if err != nil {
					return nil, &LoadError{Path: modelName, Err: err}
				}
				res.Models[modelName] = model
			}
			ds.Resources[resName] = res
		}
		m.AddDataset(ds)
	}

	m.LinkAccess()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func buildModel(name string, jm jsonModel) (*Model, error) {
	model := &Model{
		Name:                     name,
		Properties:               make(map[string]*Property),
		Order:                    jm.PropertyOrder,
		PrimaryKey:               jm.PrimaryKey,
		Access:                   LoadAccess(jm.Access),
		KeymapNamespace:          jm.KeymapNamespace,
		RequiredKeymapProperties: jm.RequiredKeymapProperties,
	}
	if len(model.Order) == 0 {
		for propName := range jm.Properties {
			model.Order = append(model.Order, propName)
		}
	}
	if jm.External != nil {
		model.External = &ExternalBinding{Prepare: jm.External.Prepare, Table: jm.External.Table}
	}
	if len(jm.Page) > 0 {
		model.Page = &PageSpec{Properties: jm.Page}
	}

	for propName, jp := range jm.Properties {
		p, err := buildProperty(propName, propName, jp, nil)
		if err != nil {
			return nil, err
		}
		model.Properties[propName] = p
	}
	return model, nil
}

func buildProperty(name, place string, jp jsonProperty, parent *Property) (*Property, error) {
	kind := DataTypeKind(jp.Type)
	if kind == TypePK {
		log.Warnf("property %q uses deprecated type \"pk\", treating as primarykey", place)
	}

	p := &Property{
		Name:    name,
		Place:   place,
		Access:  LoadAccess(jp.Access),
		Level:   jp.Level,
		Source:  jp.Source,
		Prepare: jp.Prepare,
		Parent:  parent,
		Type: DataType{
			Kind:       kind,
			RefModel:   jp.RefModel,
			RefProps:   jp.RefProps,
			RefLevel:   jp.RefLevel,
			Enum:       jp.Enum,
			EnumStrict: jp.EnumStrict,
		},
	}

	if jp.Items != nil {
		item, err := buildProperty(name, place+"[]", *jp.Items, p)
		if err != nil {
			return nil, err
		}
		p.Type.Items = &item.Type
		if len(jp.Items.Props) > 0 {
			p.Type.Items.Props = make(map[string]*Property)
			for childName, childJP := range jp.Items.Props {
				child, err := buildProperty(childName, place+"[]."+childName, childJP, p)
				if err != nil {
					return nil, err
				}
				p.Type.Items.Props[childName] = child
			}
		}
	}
	if len(jp.Props) > 0 {
		p.Type.Props = make(map[string]*Property)
		for childName, childJP := range jp.Props {
			child, err := buildProperty(childName, place+"."+childName, childJP, p)
			if err != nil {
				return nil, err
			}
			p.Type.Props[childName] = child
		}
	}
	return p, nil
}
