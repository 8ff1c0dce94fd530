package manifest

import (
	"fmt"

	"github.com/metasvc/corehub/resterr"
)

// LoadError reports a problem discovered while building the graph, with the
// dotted node path that triggered it.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("manifest: %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// AddDataset registers a Dataset under the Manifest. It does not validate
// cross-dataset references; call Validate after all datasets are added.
func (m *Manifest) AddDataset(ds *Dataset) {
	m.Datasets[ds.Name] = ds
	for _, res := range ds.Resources {
		res.Dataset = ds
		for _, model := range res.Models {
			model.Resource = res
			m.Models[model.Name] = model
		}
	}
}

// LookupModel resolves a qualified model name. It returns a resterr
// NotFoundError when no such model was loaded.
func (m *Manifest) LookupModel(qn string) (*Model, error) {
	model, ok := m.Models[qn]
	if !ok {
		return nil, resterr.New(resterr.KindNotFoundError, "model %q not found", qn)
	}
	return model, nil
}

// Validate walks every Model's ref targets and confirms they resolve,
// converts deprecated `pk` data types to primarykey, and primes the
// flatProps/propsInLists caches. Call once after all datasets are loaded.
func (m *Manifest) Validate() error {
	for qn, model := range m.Models {
		normalizePK(model.Properties)
		if err := m.checkRefs(model, model.Properties, qn); err != nil {
			return err
		}
		if _, err := m.FlatProps(model); err != nil {
			return err
		}
		if _, err := m.PropsInLists(model); err != nil {
			return err
		}
	}
	return nil
}

// normalizePK rewrites any TypePK data type to TypePrimaryKey. The caller
// (logging layer) is expected to have already warned about the deprecated
// name; this just fixes up the in-memory representation so downstream code
// never has to special-case TypePK.
func normalizePK(props map[string]*Property) {
	for _, p := range props {
		if p.Type.Kind == TypePK {
			p.Type.Kind = TypePrimaryKey
		}
		if p.Type.Items != nil && p.Type.Items.Kind == TypePK {
			p.Type.Items.Kind = TypePrimaryKey
		}
		if p.Type.Props != nil {
			normalizePK(p.Type.Props)
		}
		if p.Type.Items != nil && p.Type.Items.Props != nil {
			normalizePK(p.Type.Items.Props)
		}
	}
}

func (m *Manifest) checkRefs(model *Model, props map[string]*Property, path string) error {
	for name, p := range props {
		nodePath := path + "." + name
		if p.Type.Kind == TypeRef {
			if _, ok := m.Models[p.Type.RefModel]; !ok {
				return &LoadError{Path: nodePath, Err: fmt.Errorf("ref target %q not found", p.Type.RefModel)}
			}
		}
		if p.Type.Props != nil {
			if err := m.checkRefs(model, p.Type.Props, nodePath); err != nil {
				return err
			}
		}
		if p.Type.Items != nil && p.Type.Items.Props != nil {
			if err := m.checkRefs(model, p.Type.Items.Props, nodePath+"[]"); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlatProps returns the dotted-name -> Property mapping for a Model,
// including nested object fields and array items, computing and caching it
// on first use.
func (m *Manifest) FlatProps(model *Model) (map[string]*Property, error) {
	if model.flatProps != nil {
		return model.flatProps, nil
	}
	flat := make(map[string]*Property)
	lists := make(map[string]bool)
	for _, name := range model.Order {
		p, ok := model.Properties[name]
		if !ok {
			continue
		}
		if err := walk(p, name, false, flat, lists); err != nil {
			return nil, &LoadError{Path: model.Name + "." + name, Err: err}
		}
	}
	model.flatProps = flat
	model.propsInLists = lists
	return flat, nil
}

// PropsInLists returns the set of dotted names of every array property and
// of every property that appears under an array anywhere in the Model's
// property tree, computing and caching it via the
// same traversal as FlatProps.
func (m *Manifest) PropsInLists(model *Model) (map[string]bool, error) {
	if model.propsInLists != nil {
		return model.propsInLists, nil
	}
	if _, err := m.FlatProps(model); err != nil {
		return nil, err
	}
	return model.propsInLists, nil
}

// walk performs the depth-first traversal shared by FlatProps and
// PropsInLists: it marks every array property, and threads an insideList
// flag that, once set by an enclosing array, propagates to every
// descendant leaf.
func walk(p *Property, place string, insideList bool, flat map[string]*Property, lists map[string]bool) error {
	flat[place] = p
	if insideList {
		lists[place] = true
	}

	switch p.Type.Kind {
	case TypeArray:
		if p.Type.Items == nil {
			return fmt.Errorf("array property %q missing item type", place)
		}
		lists[place] = true
		if p.Type.Items.Props != nil {
			for name, child := range p.Type.Items.Props {
				if err := walk(child, place+"."+name, true, flat, lists); err != nil {
					return err
				}
			}
		}
	case TypeObject:
		for name, child := range p.Type.Props {
			if err := walk(child, place+"."+name, insideList, flat, lists); err != nil {
				return err
			}
		}
	}
	return nil
}

// AccessCheck reports whether a caller holding scope may access a node
// whose required level is nodeAccess. Access is hierarchical: a scope
// satisfies a requirement if it is at least as permissive as nodeAccess.
func AccessCheck(nodeAccess Access, callerScope Access) bool {
	return !stricter(nodeAccess, callerScope)
}
