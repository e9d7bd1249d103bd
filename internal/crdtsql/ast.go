package crdtsql

// Statement is any parsed top-level SQL statement this package knows
// about. Unrecognized statement kinds parse to Passthrough and are never
// rewritten.
type Statement interface {
	statementNode()
}

// SourceKind distinguishes a FROM source that is a plain table from one
// that is a derived subquery.
type SourceKind int

const (
	SourceTable SourceKind = iota
	SourceSubquery
)

// Source is one entry in a FROM clause or the right-hand side of a JOIN.
type Source struct {
	Kind     SourceKind
	Table    string     // set when Kind == SourceTable
	Subquery *SelectStmt // set when Kind == SourceSubquery
	Alias    string      // explicit or bare alias; "" if none
}

// Qualifier returns the identifier a tombstone predicate should use to
// reference this source's columns: the alias if present, else the bare
// table name, else "" for a subquery source (which is never itself
// qualified — the filter belongs one level down, inside the subquery).
func (s Source) Qualifier() string {
	if s.Alias != "" {
		return s.Alias
	}
	if s.Kind == SourceTable {
		return s.Table
	}
	return ""
}

// JoinKind captures the join keyword, rendered back verbatim.
type JoinKind string

const (
	JoinInner JoinKind = "INNER"
	JoinLeft  JoinKind = "LEFT"
	JoinRight JoinKind = "RIGHT"
	JoinCross JoinKind = "CROSS"
	JoinPlain JoinKind = "" // bare "JOIN", equivalent to INNER
)

// Continuation is one additional FROM-clause member after the first:
// either a comma-joined source or an explicit JOIN with its ON condition.
type Continuation struct {
	Comma bool // true for "FROM a, b"; false for an explicit JOIN
	Join  JoinKind
	Item  Source
	OnRaw string // raw text of the ON condition; empty for comma joins
}

// FromClause is the driving source plus zero or more continuations.
type FromClause struct {
	First Source
	Rest  []Continuation
}

// Joined reports whether this FROM clause has more than one source,
// via either comma-separation or an explicit JOIN — the condition under
// which the tombstone filter must be qualified even without an alias.
func (f FromClause) Joined() bool { return len(f.Rest) > 0 }

// SelectStmt is a parsed SELECT, with only the FROM/WHERE structure
// broken out; everything else is carried as raw text.
type SelectStmt struct {
	SelectListRaw string
	From          FromClause
	HasWhere      bool
	WhereRaw      string
	TailRaw       string // GROUP BY / HAVING / ORDER BY / LIMIT / OFFSET, verbatim
}

func (*SelectStmt) statementNode() {}

// SetOpKind is UNION or UNION ALL.
type SetOpKind string

const (
	SetOpUnion    SetOpKind = "UNION"
	SetOpUnionAll SetOpKind = "UNION ALL"
)

// SetOpStmt is a UNION [ALL] of two statements, each independently
// transformed.
type SetOpStmt struct {
	Left  Statement
	Op    SetOpKind
	Right Statement
}

func (*SetOpStmt) statementNode() {}

// InsertStmt is a parsed INSERT INTO table (cols) VALUES (tuple), ... .
type InsertStmt struct {
	Table      string
	ColumnsRaw string   // raw text inside the column-list parens, "" if omitted
	HasColumns bool
	Tuples     []string // raw text inside each VALUES (...) tuple
}

func (*InsertStmt) statementNode() {}

// UpdateStmt is a parsed UPDATE table SET ... [WHERE ...].
type UpdateStmt struct {
	Table    string
	SetRaw   string
	HasWhere bool
	WhereRaw string
}

func (*UpdateStmt) statementNode() {}

// DeleteStmt is a parsed DELETE FROM table [WHERE ...].
type DeleteStmt struct {
	Table    string
	HasWhere bool
	WhereRaw string
}

func (*DeleteStmt) statementNode() {}

// Passthrough wraps any statement this package doesn't understand (e.g.
// CREATE TABLE); it is rendered back unchanged.
type Passthrough struct {
	Raw string
}

func (*Passthrough) statementNode() {}
