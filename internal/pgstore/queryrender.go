package pgstore

import (
	"fmt"
	"strings"

	"github.com/metasvc/corehub/rql"
)

// renderedQuery is a SQL WHERE fragment (referencing the main table as
// "m") plus its positional arguments.
type renderedQuery struct {
	Where string
	Args  []interface{}
}

// sqlOp maps an rql.Op to its SQL comparison operator for scalar (non-list)
// conditions.
func sqlOp(op rql.Op) (string, bool) {
	switch op {
	case rql.OpEq:
		return "=", true
	case rql.OpNe:
		return "<>", true
	case rql.OpGe:
		return ">=", true
	case rql.OpGt:
		return ">", true
	case rql.OpLe:
		return "<=", true
	case rql.OpLt:
		return "<", true
	}
	return "", false
}

// renderGroup lowers an rql.PlanGroup into a SQL boolean expression
// referencing the main table's reserved columns or its JSONB `data`
// column, and EXISTS subqueries against the lists table for list
// properties. listsTable is "" when the model has no list properties.
func renderGroup(g rql.PlanGroup, listsTable string, args *[]interface{}) (string, error) {
	var parts []string

	for _, c := range g.Conditions {
		expr, err := renderCondition(c, listsTable, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	for _, child := range g.Groups {
		expr, err := renderGroup(child, listsTable, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+expr+")")
	}

	if len(parts) == 0 {
		return "TRUE", nil
	}
	joiner := " AND "
	if g.Logical == rql.LogicalOr {
		joiner = " OR "
	}
	return strings.Join(parts, joiner), nil
}

func dataExpr(key string) string {
	segments := strings.Split(key, ".")
	if len(segments) == 1 {
		return fmt.Sprintf("m.data->>'%s'", segments[0])
	}
	return fmt.Sprintf("m.data#>>'{%s}'", strings.Join(segments, ","))
}

func renderCondition(c rql.PlanCondition, listsTable string, args *[]interface{}) (string, error) {
	if c.InList {
		return renderListCondition(c, listsTable, args)
	}

	var column string
	switch c.Key {
	case "_id":
		column = "m._id"
	case "_revision":
		column = "m._revision"
	default:
		column = dataExpr(c.Key)
	}

	switch c.Op {
	case rql.OpContains:
		*args = append(*args, "%"+fmt.Sprint(c.Value)+"%")
		return fmt.Sprintf("lower(%s) LIKE $%d", column, len(*args)), nil
	case rql.OpStartswith:
		*args = append(*args, fmt.Sprint(c.Value)+"%")
		return fmt.Sprintf("lower(%s) LIKE $%d", column, len(*args)), nil
	default:
		op, ok := sqlOp(c.Op)
		if !ok {
			return "", fmt.Errorf("pgstore: unsupported operator %q", c.Op)
		}
		*args = append(*args, c.Value)
		return fmt.Sprintf("%s %s $%d", column, op, len(*args)), nil
	}
}

// renderListCondition builds an EXISTS (or, for NotExists, a single
// NOT EXISTS) subquery against the lists table, joined to the main table
// on `_id`.
//
// NotExists is set only for `ne` on a list property, meaning "the list
// does not contain this value" — which is NOT "some item differs from
// value OR the key is absent entirely". A list of ["a","archived"]
// queried with ne(tags,"archived") must NOT match, even though "a" !=
// "archived", because the list does contain "archived". The single
// NOT EXISTS(... data = value) form below is the only rendering that is
// simultaneously correct for "no item equals value" and "no key at all":
// there is no row in the lists table for this id/key pair with a
// matching value, full stop.
func renderListCondition(c rql.PlanCondition, listsTable string, args *[]interface{}) (string, error) {
	if listsTable == "" {
		return "", fmt.Errorf("pgstore: condition on list property %q but model has no lists table", c.Key)
	}

	if c.NotExists {
		*args = append(*args, c.Value)
		return fmt.Sprintf(
			`NOT EXISTS (SELECT 1 FROM %q l WHERE l._id = m._id AND l._key = '%s' AND l.data#>>'{}' = $%d)`,
			listsTable, c.Key, len(*args)), nil
	}

	var valueExpr string
	switch c.Op {
	case rql.OpContains, rql.OpStartswith:
		pattern := fmt.Sprint(c.Value)
		if c.Op == rql.OpContains {
			pattern = "%" + pattern + "%"
		} else {
			pattern = pattern + "%"
		}
		*args = append(*args, pattern)
		valueExpr = fmt.Sprintf("lower(l.data#>>'{}') LIKE $%d", len(*args))
	default:
		op, ok := sqlOp(c.Op)
		if !ok {
			return "", fmt.Errorf("pgstore: unsupported list operator %q", c.Op)
		}
		*args = append(*args, c.Value)
		valueExpr = fmt.Sprintf("l.data#>>'{}' %s $%d", op, len(*args))
	}

	return fmt.Sprintf(
		`EXISTS (SELECT 1 FROM %q l WHERE l._id = m._id AND l._key = '%s' AND %s)`,
		listsTable, c.Key, valueExpr), nil
}

// renderOrderBy lowers the plan's sort terms into an ORDER BY clause. A
// list-prop sort computes a per-row MIN/MAX over the lists table and joins
// on it.
func renderOrderBy(sorts []rql.PlanSort, listsTable string) (string, []string) {
	if len(sorts) == 0 {
		return "", nil
	}
	var clauses []string
	var joins []string
	for i, s := range sorts {
		dir := "ASC"
		agg := "MIN"
		if s.Desc {
			dir = "DESC"
			agg = "MAX"
		}
		if s.ListWindow {
			alias := fmt.Sprintf("sw%d", i)
			joins = append(joins, fmt.Sprintf(
				`LEFT JOIN (SELECT _id, %s(data#>>'{}') AS v FROM %q WHERE _key = '%s' GROUP BY _id) %s ON %s._id = m._id`,
				agg, listsTable, s.Key, alias, alias))
			clauses = append(clauses, fmt.Sprintf("%s.v %s", alias, dir))
		} else {
			clauses = append(clauses, fmt.Sprintf("%s %s", dataExpr(s.Key), dir))
		}
	}
	return "ORDER BY " + strings.Join(clauses, ", "), joins
}
