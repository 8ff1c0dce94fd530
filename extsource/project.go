package extsource

import (
	"fmt"
	"strings"

	"github.com/metasvc/corehub/manifest"
	"github.com/metasvc/corehub/resterr"
)

// refLevelDenormalised is the RefLevel threshold at or below which a ref is
// projected by its refprops instead of by `_id`: high levels need the
// target row's own identity, low levels only need the denormalised
// values already present on this row.
const refLevelDenormalised = 3

// Project shapes one raw SourceRow into its Model form: translates
// enums, resolves refs by level, aggregates list-path values, and
// synthesises the row's `_id` (and any required_keymap_properties
// indexes) via KeyMap.
func (p *Projector) Project(model *manifest.Model, src SourceRow) (Row, error) {
	flat, err := p.manifest.FlatProps(model)
	if err != nil {
		return Row{}, err
	}

	nested := map[string]interface{}{}
	for _, name := range model.Order {
		prop, ok := model.Properties[name]
		if !ok {
			continue
		}
		value, err := p.projectProperty(prop, prop.Place, src, flat)
		if err != nil {
			return Row{}, err
		}
		if value != nil {
			setDotted(nested, prop.Place, value)
		}
	}

	id, err := p.synthesizeID(model, nested)
	if err != nil {
		return Row{}, err
	}

	if err := p.indexRequiredCombinations(model, nested, id); err != nil {
		return Row{}, err
	}

	var page map[string]interface{}
	if model.Page != nil {
		page = map[string]interface{}{}
		for _, propName := range model.Page.Properties {
			page[propName] = getDotted(nested, propName)
		}
	}

	return Row{ID: id, Data: nested, Page: page}, nil
}

// projectProperty resolves one property's value from the source row,
// recursing into nested object/array shapes and applying enum/ref rules
// for leaf properties.
func (p *Projector) projectProperty(prop *manifest.Property, place string, src SourceRow, flat map[string]*manifest.Property) (interface{}, error) {
	switch prop.Type.Kind {
	case manifest.TypeObject:
		out := map[string]interface{}{}
		for name, child := range prop.Type.Props {
			v, err := p.projectProperty(child, place+"."+name, src, flat)
			if err != nil {
				return nil, err
			}
			if v != nil {
				out[name] = v
			}
		}
		return out, nil
	case manifest.TypeArray:
		values := aggregateListValues(src, prop.Source)
		if prop.Type.Items != nil && prop.Type.Items.Kind == manifest.TypeRef {
			resolved := make([]interface{}, 0, len(values))
			for _, v := range values {
				rv, err := p.resolveRef(prop.Type.Items, v)
				if err != nil {
					return nil, err
				}
				resolved = append(resolved, rv)
			}
			return resolved, nil
		}
		return values, nil
	case manifest.TypeRef:
		raw, ok := src[sourceKey(prop)]
		if !ok || raw == nil {
			return nil, nil
		}
		return p.resolveRef(&prop.Type, raw)
	default:
		raw, ok := src[sourceKey(prop)]
		if !ok || raw == nil {
			return nil, nil
		}
		return p.applyEnum(&prop.Type, raw)
	}
}

func sourceKey(prop *manifest.Property) string {
	if prop.Source != "" {
		return prop.Source
	}
	return prop.Name
}

// applyEnum translates raw into its prepared display value, per
// DataType.Enum; when EnumStrict is set a raw value missing from the map
// is an error rather than a pass-through.
func (p *Projector) applyEnum(dt *manifest.DataType, raw interface{}) (interface{}, error) {
	if len(dt.Enum) == 0 {
		return raw, nil
	}
	key := fmt.Sprintf("%v", raw)
	prepared, ok := dt.Enum[key]
	if !ok {
		if dt.EnumStrict {
			return nil, resterr.New(resterr.KindValueNotInEnum, "value %q is not a member of its enum", key)
		}
		return raw, nil
	}
	return prepared, nil
}

// resolveRef projects a reference value per its RefLevel: levels above
// the denormalised threshold resolve to {"_id": encode(...)} against the
// target model's own KeyMap namespace; at or below threshold with
// exactly one RefProp, the reference is the one-key map {refprop: value}
// holding the denormalised value; any other shape falls back to
// `_id`-encoding.
func (p *Projector) resolveRef(dt *manifest.DataType, raw interface{}) (interface{}, error) {
	target, err := p.manifest.LookupModel(dt.RefModel)
	if err != nil {
		return nil, err
	}

	naturalKey := refNaturalKey(raw)

	if dt.RefLevel <= refLevelDenormalised && len(dt.RefProps) == 1 {
		return map[string]interface{}{dt.RefProps[0]: raw}, nil
	}

	id, err := p.keymap.Encode(target.KeymapNamespace, naturalKey, nil)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"_id": id}, nil
}

// refNaturalKey normalises a raw ref source value (a scalar, or a
// composite already split by the caller) into the ordered tuple KeyMap
// expects.
func refNaturalKey(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, len(v))
		for i, e := range v {
			out[i] = fmt.Sprintf("%v", e)
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

// synthesizeID builds this row's primary-key natural-key tuple from its
// already-projected nested data and encodes it through KeyMap.
func (p *Projector) synthesizeID(model *manifest.Model, nested map[string]interface{}) (string, error) {
	if len(model.PrimaryKey) == 0 {
		return "", resterr.New(resterr.KindInvalidValue, "model %q declares no primary key", model.Name)
	}
	naturalKey := make([]string, len(model.PrimaryKey))
	for i, propName := range model.PrimaryKey {
		naturalKey[i] = fmt.Sprintf("%v", getDotted(nested, propName))
	}
	return p.keymap.Encode(model.KeymapNamespace, naturalKey, nil)
}

// indexRequiredCombinations records an extra KeyMap lookup path for each
// of the model's RequiredKeymapProperties combinations, so a row already
// synthesised by its primary key can also be resolved by these
// alternate required_keymap_properties combinations later.
func (p *Projector) indexRequiredCombinations(model *manifest.Model, nested map[string]interface{}, id string) error {
	for _, combo := range model.RequiredKeymapProperties {
		values := make([]string, len(combo))
		for i, propName := range combo {
			values[i] = fmt.Sprintf("%v", getDotted(nested, propName))
		}
		if err := p.keymap.IndexCombination(model.KeymapNamespace, values, id); err != nil {
			return err
		}
	}
	return nil
}

// aggregateListValues collects every value under key from src, handling
// both a direct []interface{} source column and a source that has
// already been pre-aggregated into a delimited string by the foreign
// query (`_aggregate_values`).
func aggregateListValues(src SourceRow, key string) []interface{} {
	raw, ok := src[key]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []interface{}:
		return v
	case string:
		parts := strings.Split(v, ",")
		out := make([]interface{}, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
		return out
	default:
		return []interface{}{v}
	}
}

// setDotted assigns value at a dotted path within nested, creating
// intermediate maps as needed.
func setDotted(nested map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := nested
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = value
			return
		}
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[part] = next
		}
		cur = next
	}
}

// getDotted reads the value at a dotted path within nested, returning
// nil if any segment is missing.
func getDotted(nested map[string]interface{}, path string) interface{} {
	parts := strings.Split(path, ".")
	var cur interface{} = nested
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}
