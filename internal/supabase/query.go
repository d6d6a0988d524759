package supabase

import (
	"net/url"
	"strconv"
	"strings"
)

// Op is a PostgREST filter operator.
type Op string

const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpLt    Op = "lt"
	OpGt    Op = "gt"
	OpIs    Op = "is"
	OpNotIs Op = "not.is"
	OpILike Op = "ilike"
	OpIn    Op = "in"
)

// Filter restricts rows by one column.
type Filter struct {
	Column string
	Op     Op
	Value  string
}

func Eq(column, value string) Filter  { return Filter{Column: column, Op: OpEq, Value: value} }
func Neq(column, value string) Filter { return Filter{Column: column, Op: OpNeq, Value: value} }
func Lt(column, value string) Filter  { return Filter{Column: column, Op: OpLt, Value: value} }
func Gt(column, value string) Filter  { return Filter{Column: column, Op: OpGt, Value: value} }
func IsNull(column string) Filter     { return Filter{Column: column, Op: OpIs, Value: "null"} }
func NotNull(column string) Filter    { return Filter{Column: column, Op: OpNotIs, Value: "null"} }

// In matches any of values.
func In(column string, values ...string) Filter {
	return Filter{Column: column, Op: OpIn, Value: "(" + strings.Join(values, ",") + ")"}
}

// ILike matches case-insensitively; % is the wildcard.
func ILike(column, pattern string) Filter {
	return Filter{Column: column, Op: OpILike, Value: pattern}
}

// String renders the filter in the column=op.value form used by realtime filters.
func (f Filter) String() string {
	return f.Column + "=" + string(f.Op) + "." + f.Value
}

// Order sorts the result set.
type Order struct {
	Column    string
	Ascending bool
}

func Asc(column string) Order  { return Order{Column: column, Ascending: true} }
func Desc(column string) Order { return Order{Column: column} }

// Query describes a read of one collection. Filters are AND-ed; when Or is not
// empty at least one of its filters must also match.
type Query struct {
	Table   string
	Columns string
	Filters []Filter
	Or      []Filter
	Order   []Order
	Limit   int
}

// From starts a query on table selecting every column.
func From(table string) Query {
	return Query{Table: table, Columns: "*"}
}

func (q Query) Select(columns string) Query {
	q.Columns = columns
	return q
}

func (q Query) Where(filters ...Filter) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), filters...)
	return q
}

func (q Query) Either(filters ...Filter) Query {
	q.Or = append(append([]Filter(nil), q.Or...), filters...)
	return q
}

func (q Query) OrderBy(orders ...Order) Query {
	q.Order = append(append([]Order(nil), q.Order...), orders...)
	return q
}

func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// Endpoint returns the REST path and query string for q.
func (q Query) Endpoint() string {
	v := url.Values{}
	columns := q.Columns
	if columns == "" {
		columns = "*"
	}
	v.Set("select", columns)
	encodeFilters(v, q.Filters)
	if len(q.Or) > 0 {
		parts := make([]string, 0, len(q.Or))
		for _, f := range q.Or {
			parts = append(parts, f.Column+"."+string(f.Op)+"."+f.Value)
		}
		v.Set("or", "("+strings.Join(parts, ",")+")")
	}
	if len(q.Order) > 0 {
		parts := make([]string, 0, len(q.Order))
		for _, o := range q.Order {
			dir := "desc"
			if o.Ascending {
				dir = "asc"
			}
			parts = append(parts, o.Column+"."+dir)
		}
		v.Set("order", strings.Join(parts, ","))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return q.Table + "?" + v.Encode()
}

func filterPath(table string, filters []Filter) string {
	v := url.Values{}
	encodeFilters(v, filters)
	if len(v) == 0 {
		return table
	}
	return table + "?" + v.Encode()
}

func encodeFilters(v url.Values, filters []Filter) {
	for _, f := range filters {
		v.Add(f.Column, string(f.Op)+"."+f.Value)
	}
}
