package push

import (
	"github.com/metasvc/corehub/manifest"
	"github.com/metasvc/corehub/resterr"
)

// orderModels returns models ordered so every ref target appears before
// the model that references it (a dependencies-first topological sort),
// so push can insert before delete. Insert uses this order directly;
// delete uses its reverse so leaf rows (nothing depends on them) are
// removed first.
func orderModels(mf *manifest.Manifest, models []*manifest.Model) ([]*manifest.Model, error) {
	byName := make(map[string]*manifest.Model, len(models))
	for _, m := range models {
		byName[m.Name] = m
	}

	visited := make(map[string]int) // 0=unvisited, 1=in-progress, 2=done
	var ordered []*manifest.Model

	var visit func(name string) error
	visit = func(name string) error {
		model, ok := byName[name]
		if !ok {
			return nil // ref target outside the selected set, nothing to order
		}
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return resterr.New(resterr.KindInvalidValue, "push: reference cycle detected at %q", name)
		}
		visited[name] = 1
		for _, dep := range refTargets(mf, model) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		ordered = append(ordered, model)
		return nil
	}

	for _, m := range models {
		if err := visit(m.Name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// reversed returns a new slice with models in the opposite order, used to
// turn the insert order into the delete order.
func reversed(models []*manifest.Model) []*manifest.Model {
	out := make([]*manifest.Model, len(models))
	for i, m := range models {
		out[len(models)-1-i] = m
	}
	return out
}

// refTargets collects the qualified names every ref-typed property
// (recursively through nested objects and array items) on model points
// to, deduplicated.
func refTargets(mf *manifest.Manifest, model *manifest.Model) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(props map[string]*manifest.Property)
	walk = func(props map[string]*manifest.Property) {
		for _, p := range props {
			walkType(&p.Type, &out, seen)
		}
	}
	walk(model.Properties)
	return out
}

func walkType(dt *manifest.DataType, out *[]string, seen map[string]bool) {
	switch dt.Kind {
	case manifest.TypeRef:
		if dt.RefModel != "" && !seen[dt.RefModel] {
			seen[dt.RefModel] = true
			*out = append(*out, dt.RefModel)
		}
	case manifest.TypeObject:
		for _, p := range dt.Props {
			walkType(&p.Type, out, seen)
		}
	case manifest.TypeArray:
		if dt.Items != nil {
			walkType(dt.Items, out, seen)
		}
	}
}
