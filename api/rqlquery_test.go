package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metasvc/corehub/rql"
)

func TestParseRQLBareKeyValue(t *testing.T) {
	pq, err := parseRQL("title=Acme")
	require.NoError(t, err)
	assert.True(t, pq.Filter.IsLeaf())
	assert.Equal(t, rql.OpEq, pq.Filter.Op)
	assert.Equal(t, "title", pq.Filter.Key)
	assert.Equal(t, "Acme", pq.Filter.Value)
}

func TestParseRQLSingleCondition(t *testing.T) {
	pq, err := parseRQL("eq(title,Acme)")
	require.NoError(t, err)
	assert.True(t, pq.Filter.IsLeaf())
	assert.Equal(t, rql.OpEq, pq.Filter.Op)
	assert.Equal(t, "title", pq.Filter.Key)
	assert.Equal(t, "Acme", pq.Filter.Value)
}

func TestParseRQLMultipleTopLevelConditionsImplicitAnd(t *testing.T) {
	pq, err := parseRQL("eq(title,Acme)&gt(age,10)")
	require.NoError(t, err)
	require.False(t, pq.Filter.IsLeaf())
	assert.Equal(t, rql.LogicalAnd, pq.Filter.Logical)
	require.Len(t, pq.Filter.Children, 2)
	assert.Equal(t, rql.OpGt, pq.Filter.Children[1].Op)
}

func TestParseRQLNestedAndOr(t *testing.T) {
	pq, err := parseRQL("or(eq(a,1),and(eq(b,2),ne(c,3)))")
	require.NoError(t, err)
	require.False(t, pq.Filter.IsLeaf())
	assert.Equal(t, rql.LogicalOr, pq.Filter.Logical)
	require.Len(t, pq.Filter.Children, 2)

	inner := pq.Filter.Children[1]
	assert.Equal(t, rql.LogicalAnd, inner.Logical)
	require.Len(t, inner.Children, 2)
	assert.Equal(t, rql.OpNe, inner.Children[1].Op)
}

func TestParseRQLSelectSortLimitOffset(t *testing.T) {
	pq, err := parseRQL("select(code,title)&sort(+code,-title)&limit(10)&offset(20)")
	require.NoError(t, err)
	assert.Equal(t, []string{"code", "title"}, pq.Select)
	require.Len(t, pq.Sorts, 2)
	assert.Equal(t, rql.SortKey{Key: "code", Desc: false}, pq.Sorts[0])
	assert.Equal(t, rql.SortKey{Key: "title", Desc: true}, pq.Sorts[1])
	assert.Equal(t, 10, pq.Limit)
	assert.Equal(t, 20, pq.Offset)
}

func TestParseRQLEmptyQueryHasZeroFilter(t *testing.T) {
	pq, err := parseRQL("")
	require.NoError(t, err)
	assert.True(t, pq.Filter.IsZero())
}

func TestParseRQLUnknownOperatorErrors(t *testing.T) {
	_, err := parseRQL("bogus(a,1)")
	assert.Error(t, err)
}

func TestParseRQLConditionWrongArgCountErrors(t *testing.T) {
	_, err := parseRQL("eq(a,1,2)")
	assert.Error(t, err)
}

func TestParseRQLMalformedCallErrors(t *testing.T) {
	_, err := parseRQL("eq(a,1")
	assert.Error(t, err)
}

func TestParseRQLLimitNotIntegerErrors(t *testing.T) {
	_, err := parseRQL("limit(abc)")
	assert.Error(t, err)
}

func TestSplitArgsIgnoresNestedCommas(t *testing.T) {
	args := splitArgs("eq(a,1),eq(b,2)")
	assert.Equal(t, []string{"eq(a,1)", "eq(b,2)"}, args)
}
