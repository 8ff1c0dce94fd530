package api

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/metasvc/corehub/resterr"
	"github.com/metasvc/corehub/rql"
)

// parsedQuery is the decoded form of a request's RQL query string, ready
// to hand to rql.Resolve once the target model is known.
type parsedQuery struct {
	Filter rql.Node
	Select []string
	Sorts  []rql.SortKey
	Limit  int
	Offset int
}

// parseRQL decodes a raw query string of the form
// "eq(title,Acme)&select(code,title)&sort(+code)&limit(10)" (each call
// URL-encoded as its own '&'-joined segment, the way a browser sends
// `?eq(title,Acme)&select(code,title)`) into a parsedQuery.
func parseRQL(rawQuery string) (parsedQuery, error) {
	var pq parsedQuery
	var conditions []rql.Node

	for _, segment := range strings.Split(rawQuery, "&") {
		if segment == "" {
			continue
		}
		// A bare "key=value" form carries no call syntax; decode it as an
		// implicit eq() condition against key.
		if !strings.Contains(segment, "(") {
			decoded, err := url.QueryUnescape(segment)
			if err != nil {
				return pq, resterr.New(resterr.KindUnknownParameter, "malformed query segment %q", segment)
			}
			key, value, found := strings.Cut(decoded, "=")
			if !found || key == "" {
				continue
			}
			conditions = append(conditions, rql.Cond(rql.OpEq, key, value))
			continue
		}

		decoded, err := url.QueryUnescape(segment)
		if err != nil {
			return pq, resterr.New(resterr.KindUnknownParameter, "malformed query segment %q", segment)
		}
		name, args, err := splitCall(decoded)
		if err != nil {
			return pq, err
		}

		switch name {
		case "select":
			pq.Select = append(pq.Select, args...)
		case "sort":
			for _, a := range args {
				if strings.HasPrefix(a, "-") {
					pq.Sorts = append(pq.Sorts, rql.Desc(strings.TrimPrefix(a, "-")))
				} else {
					pq.Sorts = append(pq.Sorts, rql.Asc(strings.TrimPrefix(a, "+")))
				}
			}
		case "limit":
			n, err := parseIntArg(args, "limit")
			if err != nil {
				return pq, err
			}
			pq.Limit = n
		case "offset":
			n, err := parseIntArg(args, "offset")
			if err != nil {
				return pq, err
			}
			pq.Offset = n
		case "and", "or":
			node, err := logicalNode(name, args)
			if err != nil {
				return pq, err
			}
			conditions = append(conditions, node)
		default:
			node, err := conditionNode(name, args)
			if err != nil {
				return pq, err
			}
			conditions = append(conditions, node)
		}
	}

	switch len(conditions) {
	case 0:
		// pq.Filter stays zero: "no filter given".
	case 1:
		pq.Filter = conditions[0]
	default:
		pq.Filter = rql.And(conditions...)
	}
	return pq, nil
}

// splitCall parses "name(arg1,arg2)" into its name and top-level,
// comma-separated arguments (commas nested inside a further call are not
// split, so and(eq(a,1),eq(b,2)) yields two args, not four).
func splitCall(s string) (string, []string, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return "", nil, resterr.New(resterr.KindUnknownParameter, "malformed query call %q", s)
	}
	name := s[:open]
	inner := s[open+1 : len(s)-1]
	return name, splitArgs(inner), nil
}

func splitArgs(inner string) []string {
	if inner == "" {
		return nil
	}
	var args []string
	depth := 0
	start := 0
	for i, r := range inner {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(inner[start:i]))
				start = i + 1
			}
		}
	}
	args = append(args, strings.TrimSpace(inner[start:]))
	return args
}

func conditionNode(name string, args []string) (rql.Node, error) {
	op, err := rql.ParseOp(name)
	if err != nil {
		return rql.Node{}, err
	}
	if len(args) != 2 {
		return rql.Node{}, resterr.New(resterr.KindUnknownParameter, "%s() takes exactly 2 arguments", name)
	}
	return rql.Cond(op, args[0], args[1]), nil
}

func logicalNode(name string, args []string) (rql.Node, error) {
	var children []rql.Node
	for _, a := range args {
		subName, subArgs, err := splitCall(a)
		if err != nil {
			return rql.Node{}, err
		}
		var child rql.Node
		if subName == "and" || subName == "or" {
			child, err = logicalNode(subName, subArgs)
		} else {
			child, err = conditionNode(subName, subArgs)
		}
		if err != nil {
			return rql.Node{}, err
		}
		children = append(children, child)
	}
	if name == "or" {
		return rql.Or(children...), nil
	}
	return rql.And(children...), nil
}

func parseIntArg(args []string, fn string) (int, error) {
	if len(args) != 1 {
		return 0, resterr.New(resterr.KindUnknownParameter, "%s() takes exactly 1 argument", fn)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, resterr.New(resterr.KindInvalidValue, "%s() argument must be an integer: %v", fn, err)
	}
	return n, nil
}
