package rql

import (
	"strconv"
	"strings"
	"time"

	"github.com/metasvc/corehub/manifest"
	"github.com/metasvc/corehub/resterr"
)

// ParseOp maps a raw operator token from the URL query string to an Op,
// returning an UnknownOperator error for anything else.
func ParseOp(raw string) (Op, error) {
	switch Op(raw) {
	case OpEq, OpNe, OpGe, OpGt, OpLe, OpLt, OpContains, OpStartswith:
		return Op(raw), nil
	default:
		return "", resterr.New(resterr.KindUnknownOperator, "unknown operator %q", raw)
	}
}

// Resolve lowers a filter AST, a select projection and sort terms against
// model's flattened properties into a backend-agnostic QueryPlan.
func Resolve(m *manifest.Manifest, model *manifest.Model, filter Node, selectNames []string, sorts []SortKey, limit, offset int) (*QueryPlan, error) {
	flat, err := m.FlatProps(model)
	if err != nil {
		return nil, err
	}
	lists, err := m.PropsInLists(model)
	if err != nil {
		return nil, err
	}

	plan := &QueryPlan{Limit: limit, Offset: offset}

	if !filter.IsZero() {
		root, err := resolveNode(filter, flat, lists)
		if err != nil {
			return nil, err
		}
		plan.Root = root
	}

	for _, name := range selectNames {
		if _, ok := flat[name]; !ok {
			return nil, resterr.New(resterr.KindFieldNotInResource, "field %q not in resource", name)
		}
		plan.Select = append(plan.Select, name)
	}

	for _, sk := range sorts {
		if _, ok := flat[sk.Key]; !ok {
			return nil, resterr.New(resterr.KindFieldNotInResource, "field %q not in resource", sk.Key)
		}
		plan.Sorts = append(plan.Sorts, PlanSort{
			Key:        sk.Key,
			Desc:       sk.Desc,
			ListWindow: lists[sk.Key],
		})
	}

	return plan, nil
}

func resolveNode(n Node, flat map[string]*manifest.Property, lists map[string]bool) (PlanGroup, error) {
	if n.IsLeaf() {
		cond, err := resolveCondition(n, flat, lists)
		if err != nil {
			return PlanGroup{}, err
		}
		return PlanGroup{Logical: LogicalAnd, Conditions: []PlanCondition{cond}}, nil
	}

	group := PlanGroup{Logical: n.Logical}
	for _, child := range n.Children {
		if child.IsLeaf() {
			cond, err := resolveCondition(child, flat, lists)
			if err != nil {
				return PlanGroup{}, err
			}
			group.Conditions = append(group.Conditions, cond)
			continue
		}
		childGroup, err := resolveNode(child, flat, lists)
		if err != nil {
			return PlanGroup{}, err
		}
		group.Groups = append(group.Groups, childGroup)
	}
	return group, nil
}

// resolveCondition type-checks and normalises one leaf condition against
// its Property, applying the per-type comparison semantics.
func resolveCondition(n Node, flat map[string]*manifest.Property, lists map[string]bool) (PlanCondition, error) {
	prop, ok := flat[n.Key]
	if !ok {
		return PlanCondition{}, resterr.New(resterr.KindFieldNotInResource, "field %q not in resource", n.Key)
	}

	value, err := coerceValue(prop, n.Value)
	if err != nil {
		return PlanCondition{}, err
	}

	cond := PlanCondition{
		Op:     n.Op,
		Key:    n.Key,
		Value:  value,
		InList: lists[n.Key],
	}
	if cond.InList && n.Op == OpNe {
		// ne on a list-prop must also match rows missing the key entirely;
		// callers should treat this as unstable.
		cond.NotExists = true
	}
	return cond, nil
}

// coerceValue converts a raw filter value to the Property's DataType,
// lower-casing strings for case-insensitive comparison and normalising
// temporal values to UTC ISO-8601 so they compare lexicographically with
// what was stored at insert time.
func coerceValue(prop *manifest.Property, raw interface{}) (interface{}, error) {
	switch prop.Type.Kind {
	case manifest.TypeString, manifest.TypeText, manifest.TypeURI:
		s, ok := raw.(string)
		if !ok {
			return nil, resterr.New(resterr.KindInvalidValue, "value for %q must be a string", prop.Place)
		}
		return strings.ToLower(s), nil

	case manifest.TypeInteger:
		switch v := raw.(type) {
		case int:
			return v, nil
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, resterr.Wrap(resterr.KindInvalidValue, err, "value for %q must be an integer", prop.Place)
			}
			return n, nil
		default:
			return nil, resterr.New(resterr.KindInvalidValue, "value for %q must be an integer", prop.Place)
		}

	case manifest.TypeNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, resterr.Wrap(resterr.KindInvalidValue, err, "value for %q must be a number", prop.Place)
			}
			return f, nil
		default:
			return nil, resterr.New(resterr.KindInvalidValue, "value for %q must be a number", prop.Place)
		}

	case manifest.TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, resterr.Wrap(resterr.KindInvalidValue, err, "value for %q must be a boolean", prop.Place)
			}
			return b, nil
		default:
			return nil, resterr.New(resterr.KindInvalidValue, "value for %q must be a boolean", prop.Place)
		}

	case manifest.TypeDate, manifest.TypeTime, manifest.TypeDateTime:
		s, ok := raw.(string)
		if !ok {
			return nil, resterr.New(resterr.KindInvalidValue, "value for %q must be a date/time string", prop.Place)
		}
		return NormalizeTemporal(s)

	default:
		return raw, nil
	}
}

// NormalizeTemporal parses a date/time/datetime literal in any of a small
// set of accepted layouts and returns it re-serialised in UTC, timezone
// markers stripped, ISO-8601 form so it compares lexicographically with
// values normalised the same way at insert time.
func NormalizeTemporal(raw string) (string, error) {
	layouts := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"15:04:05",
	}
	for _, layout := range layouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		switch layout {
		case "2006-01-02":
			return t.Format("2006-01-02"), nil
		case "15:04:05":
			return t.Format("15:04:05"), nil
		default:
			return t.UTC().Format("2006-01-02T15:04:05"), nil
		}
	}
	return "", resterr.New(resterr.KindInvalidValue, "cannot parse temporal value %q", raw)
}
