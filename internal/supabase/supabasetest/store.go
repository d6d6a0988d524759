// Package supabasetest provides an in-memory stand-in for the Supabase REST
// and realtime APIs, used by tests across the module.
package supabasetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/realtime"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

// Op names a store operation for failure injection, hooks and call records.
type Op string

const (
	OpSelect Op = "select"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpUpsert Op = "upsert"
	OpCount  Op = "count"
	OpRPC    Op = "rpc"
)

// Row is one stored record.
type Row = map[string]any

// Call records one operation against the store.
type Call struct {
	Op      Op
	Table   string
	Filters []supabase.Filter
	Record  Row
}

// RPCFunc implements a database function.
type RPCFunc func(s *Store, args Row) (any, error)

type failureKey struct {
	op    Op
	table string
}

// Store is an in-memory backend. The zero value is not usable; use New.
type Store struct {
	// RelationsAsArray renders joined relations as one-element arrays instead of objects.
	RelationsAsArray bool

	// AutoEmit publishes a change event to subscribers after every write.
	AutoEmit bool

	// Now stamps created_at on inserted rows.
	Now func() time.Time

	// OnCall runs before every operation, outside the store lock. Tests use it to
	// block an operation in flight.
	OnCall func(op Op, table string)

	mu       sync.Mutex
	tables   map[string][]Row
	user     *models.Principal
	failures map[failureKey]error
	rpcs     map[string]RPCFunc
	calls    []Call
	subs     []*subscription
}

// New returns an empty store.
func New() *Store {
	return &Store{
		Now:      time.Now,
		tables:   make(map[string][]Row),
		failures: make(map[failureKey]error),
		rpcs:     make(map[string]RPCFunc),
	}
}

// SetUser sets the principal returned by CurrentUser; nil means signed out.
func (s *Store) SetUser(p *models.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = p
}

// Fail makes every op on table return err until cleared with a nil err.
// An empty table matches every table.
func (s *Store) Fail(op Op, table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := failureKey{op, table}
	if err == nil {
		delete(s.failures, key)
		return
	}
	s.failures[key] = err
}

// HandleRPC registers fn under name.
func (s *Store) HandleRPC(name string, fn RPCFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpcs[name] = fn
}

// Seed stores rows as given, without ids or timestamps being added.
func (s *Store) Seed(table string, rows ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], toRow(r))
	}
}

// Rows returns a copy of every stored row of table.
func (s *Store) Rows(table string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Row, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		out = append(out, cloneRow(r))
	}
	return out
}

// Calls returns the recorded operations of kind op.
func (s *Store) Calls(op Op) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// RemoveRows deletes matching rows without recording a call or emitting events.
func (s *Store) RemoveRows(table string, filters ...supabase.Filter) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tables[table][:0]
	removed := 0
	for _, r := range s.tables[table] {
		if matchAll(r, filters) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.tables[table] = kept
	return removed
}

// begin runs the hook, records the call and returns an injected failure.
func (s *Store) begin(ctx context.Context, c Call) error {
	if s.OnCall != nil {
		s.OnCall(c.Op, c.Table)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if err, ok := s.failures[failureKey{c.Op, c.Table}]; ok {
		return err
	}
	if err, ok := s.failures[failureKey{c.Op, ""}]; ok {
		return err
	}
	return nil
}

// Select implements the collection query contract.
func (s *Store) Select(ctx context.Context, q supabase.Query, dest any) error {
	if err := s.begin(ctx, Call{Op: OpSelect, Table: q.Table, Filters: q.Filters}); err != nil {
		return err
	}
	s.mu.Lock()
	rows := s.query(q)
	s.mu.Unlock()
	return decode(rows, dest)
}

// SelectOne returns the first matching row; an empty result is not an error.
func (s *Store) SelectOne(ctx context.Context, q supabase.Query, dest any) (bool, error) {
	if err := s.begin(ctx, Call{Op: OpSelect, Table: q.Table, Filters: q.Filters}); err != nil {
		return false, err
	}
	s.mu.Lock()
	rows := s.query(q.Take(1))
	s.mu.Unlock()
	if len(rows) == 0 {
		return false, nil
	}
	return true, decode(rows[0], dest)
}

// Insert stores record, assigning id and created_at when absent, and decodes the
// stored row selected with columns into dest.
func (s *Store) Insert(ctx context.Context, table string, record any, columns string, dest any) error {
	row := toRow(record)
	if err := s.begin(ctx, Call{Op: OpInsert, Table: table, Record: cloneRow(row)}); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = s.Now().UTC().Format(time.RFC3339Nano)
	}
	s.tables[table] = append(s.tables[table], row)
	out := s.render(table, row, columns)
	stored := cloneRow(row)
	s.mu.Unlock()

	s.publish(table, realtime.Insert, stored, nil)
	if columns == "" || dest == nil {
		return nil
	}
	return decode(out, dest)
}

// Update merges patch into every row matching filters.
func (s *Store) Update(ctx context.Context, table string, filters []supabase.Filter, patch any) error {
	if len(filters) == 0 {
		return errors.New("refusing to update " + table + " without filters")
	}
	p := toRow(patch)
	if err := s.begin(ctx, Call{Op: OpUpdate, Table: table, Filters: filters, Record: cloneRow(p)}); err != nil {
		return err
	}

	type change struct{ newRow, oldRow Row }
	var changes []change
	s.mu.Lock()
	for _, r := range s.tables[table] {
		if !matchAll(r, filters) {
			continue
		}
		old := cloneRow(r)
		for k, v := range p {
			r[k] = v
		}
		changes = append(changes, change{cloneRow(r), old})
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.publish(table, realtime.Update, c.newRow, c.oldRow)
	}
	return nil
}

// Upsert inserts record or merges it into the row equal on the onConflict columns.
func (s *Store) Upsert(ctx context.Context, table string, record any, onConflict string) error {
	row := toRow(record)
	if err := s.begin(ctx, Call{Op: OpUpsert, Table: table, Record: cloneRow(row)}); err != nil {
		return err
	}

	keys := strings.Split(onConflict, ",")
	s.mu.Lock()
	var existing Row
	for _, r := range s.tables[table] {
		if onConflict != "" && sameKeys(r, row, keys) {
			existing = r
			break
		}
	}

	ev := realtime.Insert
	var old Row
	if existing != nil {
		ev = realtime.Update
		old = cloneRow(existing)
		for k, v := range row {
			existing[k] = v
		}
		row = cloneRow(existing)
	} else {
		if _, ok := row["id"]; !ok {
			row["id"] = uuid.NewString()
		}
		s.tables[table] = append(s.tables[table], row)
		row = cloneRow(row)
	}
	s.mu.Unlock()

	s.publish(table, ev, row, old)
	return nil
}

// Count returns the number of rows of table matching filters.
func (s *Store) Count(ctx context.Context, table string, filters []supabase.Filter) (int, error) {
	if err := s.begin(ctx, Call{Op: OpCount, Table: table, Filters: filters}); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.tables[table] {
		if matchAll(r, filters) {
			n++
		}
	}
	return n, nil
}

// RPC calls a registered function.
func (s *Store) RPC(ctx context.Context, fn string, args any, dest any) error {
	a := toRow(args)
	if err := s.begin(ctx, Call{Op: OpRPC, Table: fn, Record: cloneRow(a)}); err != nil {
		return err
	}
	s.mu.Lock()
	h, ok := s.rpcs[fn]
	s.mu.Unlock()
	if !ok {
		return &supabase.Error{Status: 404, Code: "PGRST202", Message: "function " + fn + " not found"}
	}
	res, err := h(s, a)
	if err != nil {
		return err
	}
	if dest == nil || res == nil {
		return nil
	}
	return decode(res, dest)
}

// CurrentUser returns the principal set with SetUser.
func (s *Store) CurrentUser(ctx context.Context) (*models.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil, nil
	}
	p := *s.user
	return &p, nil
}

// query evaluates q against the stored rows. Caller holds s.mu.
func (s *Store) query(q supabase.Query) []Row {
	var rows []Row
	for _, r := range s.tables[q.Table] {
		if !matchAll(r, q.Filters) {
			continue
		}
		if len(q.Or) > 0 && !matchAny(r, q.Or) {
			continue
		}
		rows = append(rows, r)
	}

	if len(q.Order) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, o := range q.Order {
				c := compare(rows[i][o.Column], rows[j][o.Column])
				if c == 0 {
					continue
				}
				if o.Ascending {
					return c < 0
				}
				return c > 0
			}
			return false
		})
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, s.render(q.Table, r, q.Columns))
	}
	return out
}

// relationPattern matches alias:table!hint(*) select items.
var relationPattern = regexp.MustCompile(`^(\w+):(\w+)!(\w+)\(\*\)$`)

// render projects row through a PostgREST column list, resolving joined
// relations. Caller holds s.mu.
func (s *Store) render(table string, row Row, columns string) Row {
	if columns == "" {
		columns = "*"
	}
	out := Row{}
	for _, item := range splitColumns(columns) {
		if item == "*" {
			for k, v := range row {
				out[k] = v
			}
			continue
		}
		m := relationPattern.FindStringSubmatch(item)
		if m == nil {
			if v, ok := row[item]; ok {
				out[item] = v
			}
			continue
		}
		alias, target, hint := m[1], m[2], m[3]
		col := strings.TrimSuffix(strings.TrimPrefix(hint, table+"_"), "_fkey")
		var related any
		for _, r := range s.tables[target] {
			if fmt.Sprint(r["id"]) == fmt.Sprint(row[col]) {
				related = cloneRow(r)
				break
			}
		}
		if s.RelationsAsArray && related != nil {
			related = []any{related}
		}
		out[alias] = related
	}
	return out
}

func splitColumns(columns string) []string {
	var parts []string
	depth, start := 0, 0
	for i, c := range columns {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(columns[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(columns[start:]))
}

func matchAll(r Row, filters []supabase.Filter) bool {
	for _, f := range filters {
		if !match(r, f) {
			return false
		}
	}
	return true
}

func matchAny(r Row, filters []supabase.Filter) bool {
	for _, f := range filters {
		if match(r, f) {
			return true
		}
	}
	return false
}

func match(r Row, f supabase.Filter) bool {
	v, present := r[f.Column]
	switch f.Op {
	case supabase.OpIs:
		return f.Value == "null" && (!present || v == nil)
	case supabase.OpNotIs:
		return f.Value == "null" && present && v != nil
	}
	if !present || v == nil {
		return false
	}
	switch f.Op {
	case supabase.OpEq:
		return text(v) == f.Value
	case supabase.OpNeq:
		return text(v) != f.Value
	case supabase.OpLt:
		return compare(v, f.Value) < 0
	case supabase.OpGt:
		return compare(v, f.Value) > 0
	case supabase.OpILike:
		return likePattern(f.Value).MatchString(text(v))
	case supabase.OpIn:
		for _, want := range strings.Split(strings.Trim(f.Value, "()"), ",") {
			if text(v) == want {
				return true
			}
		}
		return false
	}
	return false
}

func likePattern(p string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?is)^")
	escaped := false
	for _, c := range p {
		if escaped {
			b.WriteString(regexp.QuoteMeta(string(c)))
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// compare orders two values as timestamps, then numbers, then strings. nil sorts first.
func compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	as, bs := text(a), text(b)
	if at, err := time.Parse(time.RFC3339Nano, as); err == nil {
		if bt, err := time.Parse(time.RFC3339Nano, bs); err == nil {
			return at.Compare(bt)
		}
	}
	if af, err := strconv.ParseFloat(as, 64); err == nil {
		if bf, err := strconv.ParseFloat(bs, 64); err == nil {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(as, bs)
}

func sameKeys(a, b Row, keys []string) bool {
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if text(a[k]) != text(b[k]) {
			return false
		}
	}
	return true
}

// toRow normalizes any JSON-encodable record into a Row.
func toRow(v any) Row {
	if v == nil {
		return Row{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("supabasetest: record is not JSON encodable: %v", err))
	}
	var r Row
	if err := json.Unmarshal(data, &r); err != nil || r == nil {
		return Row{}
	}
	return r
}

func cloneRow(r Row) Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func decode(v any, dest any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}
