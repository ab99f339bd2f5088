package sqlagent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/brunobiangulo/nlquery/catalog"
)

// Verdict is the outcome of validating a generated statement.
type Verdict struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
	// Tables are the catalog tables the statement reads.
	Tables []string `json:"tables,omitempty"`
	// CurrencyColumns are result column positions derived from currency
	// columns, used to round values when formatting.
	CurrencyColumns []int `json:"currency_columns,omitempty"`
}

// Summary joins the issues for a retry prompt.
func (v Verdict) Summary() string {
	return strings.Join(v.Issues, "; ")
}

// Validate checks that sql is a single SELECT (or UNION of SELECTs) whose
// every table is in the catalog and allowed, and whose every column
// reference resolves to exactly one in-scope source. allow may be nil.
func Validate(sql string, cat *catalog.Catalog, allow func(table string) bool) Verdict {
	v := &validator{cat: cat, allow: allow, seen: map[string]bool{}}

	q := strings.TrimRight(strings.TrimSpace(sql), "; \t\r\n")
	if q == "" {
		return Verdict{Issues: []string{"empty statement"}}
	}
	if multipleStatements(q) {
		return Verdict{Issues: []string{"multiple statements are not allowed"}}
	}

	stmt, err := sqlparser.Parse(q)
	if err != nil {
		return Verdict{Issues: []string{fmt.Sprintf("statement does not parse: %v", err)}}
	}
	sel, ok := stmt.(sqlparser.SelectStatement)
	if !ok {
		kind := sqlparser.StmtType(sqlparser.Preview(q))
		return Verdict{Issues: []string{fmt.Sprintf("only SELECT statements are allowed, got %s", strings.ToUpper(kind))}}
	}

	outs := v.statement(sel, nil)

	verdict := Verdict{Valid: len(v.issues) == 0, Issues: v.issues}
	for t := range v.seen {
		verdict.Tables = append(verdict.Tables, t)
	}
	sort.Strings(verdict.Tables)
	for i, o := range outs {
		if o.currency {
			verdict.CurrencyColumns = append(verdict.CurrencyColumns, i)
		}
	}
	return verdict
}

// multipleStatements reports a semicolon outside quotes.
func multipleStatements(q string) bool {
	var quote rune
	for _, r := range q {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
		case r == ';':
			return true
		}
	}
	return false
}

type outputCol struct {
	name     string
	currency bool
}

// source is a table or derived table visible in a FROM clause.
type source struct {
	name     string // alias or table name, lower case
	cols     map[string]outputCol
	outputs  []outputCol
	wildcard bool // unknown table; accept any column to avoid cascading issues
}

func (s *source) has(col string) bool {
	if s.wildcard {
		return true
	}
	_, ok := s.cols[col]
	return ok
}

type scope struct {
	sources []*source
	aliases map[string]bool
	outer   *scope
}

// find looks up a source by name in this scope and enclosing ones.
func (sc *scope) find(name string) *source {
	for s := sc; s != nil; s = s.outer {
		for _, src := range s.sources {
			if src.name == name {
				return src
			}
		}
	}
	return nil
}

type validator struct {
	cat    *catalog.Catalog
	allow  func(string) bool
	issues []string
	seen   map[string]bool
}

func (v *validator) issue(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	for _, existing := range v.issues {
		if existing == msg {
			return
		}
	}
	v.issues = append(v.issues, msg)
}

func (v *validator) statement(stmt sqlparser.SelectStatement, outer *scope) []outputCol {
	switch s := stmt.(type) {
	case *sqlparser.Select:
		return v.sel(s, outer)
	case *sqlparser.Union:
		left := v.statement(s.Left, outer)
		v.statement(s.Right, outer)
		return left
	case *sqlparser.ParenSelect:
		return v.statement(s.Select, outer)
	}
	v.issue("unsupported statement %s", sqlparser.String(stmt))
	return nil
}

func (v *validator) sel(s *sqlparser.Select, outer *scope) []outputCol {
	sc := &scope{outer: outer, aliases: map[string]bool{}}
	for _, te := range s.From {
		v.tableExpr(te, sc)
	}
	for _, se := range s.SelectExprs {
		if ae, ok := se.(*sqlparser.AliasedExpr); ok && !ae.As.IsEmpty() {
			sc.aliases[ae.As.Lowered()] = true
		}
	}
	for _, te := range s.From {
		v.joinConditions(te, sc)
	}

	var outs []outputCol
	for _, se := range s.SelectExprs {
		switch e := se.(type) {
		case *sqlparser.StarExpr:
			outs = append(outs, v.star(e, sc)...)
		case *sqlparser.AliasedExpr:
			v.expr(e.Expr, sc)
			outs = append(outs, outputCol{name: outputName(e), currency: v.isCurrency(e.Expr, sc)})
		default:
			v.issue("unsupported select expression %s", sqlparser.String(se))
		}
	}

	if s.Where != nil {
		v.expr(s.Where.Expr, sc)
	}
	for _, g := range s.GroupBy {
		v.expr(g, sc)
	}
	if s.Having != nil {
		v.expr(s.Having.Expr, sc)
	}
	for _, o := range s.OrderBy {
		v.expr(o.Expr, sc)
	}
	return outs
}

func (v *validator) tableExpr(te sqlparser.TableExpr, sc *scope) {
	switch t := te.(type) {
	case *sqlparser.AliasedTableExpr:
		switch e := t.Expr.(type) {
		case sqlparser.TableName:
			name := e.Name.String()
			// SELECT without FROM parses as FROM dual.
			if strings.EqualFold(name, "dual") && e.Qualifier.IsEmpty() {
				return
			}
			alias := strings.ToLower(name)
			if !t.As.IsEmpty() {
				alias = strings.ToLower(t.As.String())
			}
			tbl, err := v.cat.Resolve(name)
			if err != nil {
				v.issue("unknown table %q", name)
				sc.sources = append(sc.sources, &source{name: alias, wildcard: true})
				return
			}
			if v.allow != nil && !v.allow(tbl.Name) {
				v.issue("table %q is not allowed", tbl.Name)
			}
			v.seen[tbl.Name] = true
			sc.sources = append(sc.sources, tableSource(alias, tbl))
		case *sqlparser.Subquery:
			outs := v.statement(e.Select, nil)
			if t.As.IsEmpty() {
				v.issue("derived table needs an alias")
			}
			sc.sources = append(sc.sources, derivedSource(strings.ToLower(t.As.String()), outs))
		}
	case *sqlparser.ParenTableExpr:
		for _, x := range t.Exprs {
			v.tableExpr(x, sc)
		}
	case *sqlparser.JoinTableExpr:
		v.tableExpr(t.LeftExpr, sc)
		v.tableExpr(t.RightExpr, sc)
	}
}

func (v *validator) joinConditions(te sqlparser.TableExpr, sc *scope) {
	switch t := te.(type) {
	case *sqlparser.ParenTableExpr:
		for _, x := range t.Exprs {
			v.joinConditions(x, sc)
		}
	case *sqlparser.JoinTableExpr:
		v.joinConditions(t.LeftExpr, sc)
		v.joinConditions(t.RightExpr, sc)
		if t.Condition.On != nil {
			v.expr(t.Condition.On, sc)
		}
		for _, c := range t.Condition.Using {
			found := false
			for _, src := range sc.sources {
				if src.has(c.Lowered()) {
					found = true
					break
				}
			}
			if !found {
				v.issue("unknown column %q in USING", c.String())
			}
		}
	}
}

func tableSource(alias string, t catalog.Table) *source {
	src := &source{name: alias, cols: make(map[string]outputCol, len(t.Columns))}
	for _, c := range t.Columns {
		o := outputCol{name: c.Name, currency: c.Currency}
		src.cols[strings.ToLower(c.Name)] = o
		src.outputs = append(src.outputs, o)
	}
	return src
}

func derivedSource(alias string, outs []outputCol) *source {
	src := &source{name: alias, cols: make(map[string]outputCol, len(outs)), outputs: outs}
	for _, o := range outs {
		src.cols[strings.ToLower(o.name)] = o
	}
	return src
}

func outputName(e *sqlparser.AliasedExpr) string {
	if !e.As.IsEmpty() {
		return e.As.String()
	}
	if c, ok := e.Expr.(*sqlparser.ColName); ok {
		return c.Name.String()
	}
	return sqlparser.String(e.Expr)
}

func (v *validator) star(e *sqlparser.StarExpr, sc *scope) []outputCol {
	if !e.TableName.IsEmpty() {
		name := strings.ToLower(e.TableName.Name.String())
		src := sc.find(name)
		if src == nil {
			v.issue("unknown table or alias %q in %s.*", name, name)
			return nil
		}
		return src.outputs
	}
	var outs []outputCol
	for _, src := range sc.sources {
		outs = append(outs, src.outputs...)
	}
	return outs
}

// expr checks every column reference in e. Nested subqueries get their own
// scope with sc as the enclosing one.
func (v *validator) expr(e sqlparser.Expr, sc *scope) {
	if e == nil {
		return
	}
	sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.ColName:
			v.column(n, sc)
			return false, nil
		case *sqlparser.Subquery:
			v.statement(n.Select, sc)
			return false, nil
		}
		return true, nil
	}, e)
}

func (v *validator) column(c *sqlparser.ColName, sc *scope) {
	name := c.Name.Lowered()
	if !c.Qualifier.IsEmpty() {
		q := strings.ToLower(c.Qualifier.Name.String())
		src := sc.find(q)
		if src == nil {
			v.issue("unknown table or alias %q in %s.%s", q, q, name)
			return
		}
		if !src.has(name) {
			v.issue("unknown column %s.%s", q, name)
		}
		return
	}

	for s := sc; s != nil; s = s.outer {
		var (
			matches  []string
			wildcard bool
		)
		for _, src := range s.sources {
			switch {
			case src.wildcard:
				wildcard = true
			case src.has(name):
				matches = append(matches, src.name)
			}
		}
		switch {
		case len(matches) == 1:
			return
		case len(matches) > 1:
			v.issue("ambiguous column %q: present in %s", name, strings.Join(matches, ", "))
			return
		case wildcard:
			return
		}
		if s.aliases[name] {
			return
		}
	}
	v.issue("unknown column %q", name)
}

// resolve finds the output column a reference points to, if unambiguous.
func (sc *scope) resolve(c *sqlparser.ColName) (outputCol, bool) {
	name := c.Name.Lowered()
	if !c.Qualifier.IsEmpty() {
		src := sc.find(strings.ToLower(c.Qualifier.Name.String()))
		if src == nil {
			return outputCol{}, false
		}
		o, ok := src.cols[name]
		return o, ok
	}
	for s := sc; s != nil; s = s.outer {
		var found []outputCol
		for _, src := range s.sources {
			if o, ok := src.cols[name]; ok {
				found = append(found, o)
			}
		}
		if len(found) == 1 {
			return found[0], true
		}
		if len(found) > 1 {
			return outputCol{}, false
		}
	}
	return outputCol{}, false
}

// isCurrency reports whether an output expression carries money: it reads a
// currency column and is not a count.
func (v *validator) isCurrency(e sqlparser.Expr, sc *scope) bool {
	if f, ok := e.(*sqlparser.FuncExpr); ok && f.Name.Lowered() == "count" {
		return false
	}
	found := false
	sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch n := node.(type) {
		case *sqlparser.ColName:
			if o, ok := sc.resolve(n); ok && o.currency {
				found = true
			}
			return false, nil
		case *sqlparser.Subquery:
			return false, nil
		case *sqlparser.FuncExpr:
			if n.Name.Lowered() == "count" {
				return false, nil
			}
		}
		return true, nil
	}, e)
	return found
}
