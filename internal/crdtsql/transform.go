package crdtsql

import (
	"strings"

	"github.com/haexspace/haexbridge/internal/hlc"
	"github.com/haexspace/haexbridge/internal/protocol"
)

// NoSyncSuffix marks a table as exempt from CRDT tombstone filtering and
// metadata injection, per §4.2's `_no_sync` exemption.
const NoSyncSuffix = "_no_sync"

const tombstoneColumn = "haex_tombstone"
const hlcColumn = "haex_hlc"

func isSynced(table string) bool {
	return !strings.HasSuffix(table, NoSyncSuffix)
}

func tombstonePredicate(qualifier string) string {
	if qualifier == "" {
		return "IFNULL(" + tombstoneColumn + ", 0) <> 1"
	}
	return "IFNULL(\"" + qualifier + "\"." + tombstoneColumn + ", 0) <> 1"
}

func mentionsTombstone(raw string) bool {
	return strings.Contains(strings.ToUpper(raw), strings.ToUpper(tombstoneColumn))
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// Transformer applies the CRDT rewrite rules from §4.2 to a parsed
// statement tree. It holds no state: every method is safe to call
// concurrently from multiple connection handlers.
type Transformer struct{}

// New returns a Transformer. There is nothing to configure.
func New() *Transformer { return &Transformer{} }

// TransformQuery rewrites stmt in place: every SELECT node — including
// those nested in FROM-clause subqueries and both sides of a UNION —
// gets a tombstone predicate injected unless its driving table is exempt
// or the predicate is already present.
func (tr *Transformer) TransformQuery(stmt Statement) error {
	switch s := stmt.(type) {
	case *SelectStmt:
		return tr.transformSelect(s)
	case *SetOpStmt:
		if err := tr.TransformQuery(s.Left); err != nil {
			return err
		}
		return tr.TransformQuery(s.Right)
	default:
		return nil
	}
}

func (tr *Transformer) transformSelect(s *SelectStmt) error {
	// Subqueries always get their own, independent rewrite, whether or
	// not the outer level ends up adding a predicate of its own.
	if s.From.First.Kind == SourceSubquery {
		if err := tr.TransformQuery(s.From.First.Subquery); err != nil {
			return err
		}
	}
	for i := range s.From.Rest {
		if s.From.Rest[i].Item.Kind == SourceSubquery {
			if err := tr.TransformQuery(s.From.Rest[i].Item.Subquery); err != nil {
				return err
			}
		}
	}

	if s.From.First.Kind != SourceTable {
		// The driving source is itself a derived table; there is no
		// table-level tombstone column to filter on at this level.
		return nil
	}
	table := s.From.First.Table
	if table == "" {
		return protocol.NewError(protocol.CodeTransformerAmbiguousQualifier, "select has no determinable driving table")
	}
	if !isSynced(table) {
		return nil
	}
	if s.HasWhere && mentionsTombstone(s.WhereRaw) {
		return nil
	}

	qualifier := ""
	if s.From.First.Alias != "" || s.From.Joined() {
		qualifier = s.From.First.Qualifier()
	}
	pred := tombstonePredicate(qualifier)
	if s.HasWhere && strings.TrimSpace(s.WhereRaw) != "" {
		s.WhereRaw = s.WhereRaw + " AND " + pred
	} else {
		s.WhereRaw = pred
	}
	s.HasWhere = true
	return nil
}

// TransformExecuteStatement rewrites an INSERT/UPDATE/DELETE into its
// CRDT-aware form and returns the rewritten SQL text directly — there is
// no further Render step for these, since DELETE rewrites into a
// different statement kind entirely. Unsupported statement kinds render
// back unchanged. The caller, not this function, is responsible for
// materializing the affected primary-key set and writing the journal
// entry (one per affected row for UPDATE/DELETE) — this component only
// produces the equivalent statement tree.
func (tr *Transformer) TransformExecuteStatement(stmt Statement, ts hlc.Timestamp) (string, error) {
	switch s := stmt.(type) {
	case *InsertStmt:
		return tr.transformInsert(s, ts)
	case *UpdateStmt:
		return tr.transformUpdate(s, ts)
	case *DeleteStmt:
		return tr.transformDeleteAsUpdate(s, ts)
	default:
		return Render(stmt), nil
	}
}

func (tr *Transformer) transformInsert(s *InsertStmt, ts hlc.Timestamp) (string, error) {
	if !isSynced(s.Table) || !s.HasColumns {
		// Without an explicit column list we don't know the table's full
		// column order and can't safely append two more values to each
		// tuple; pass the statement through rather than guess.
		return Render(s), nil
	}
	stamp := escapeLiteral(ts.String())
	s.ColumnsRaw = s.ColumnsRaw + ", " + tombstoneColumn + ", " + hlcColumn
	for i, tuple := range s.Tuples {
		s.Tuples[i] = tuple + ", 0, '" + stamp + "'"
	}
	return Render(s), nil
}

func (tr *Transformer) transformUpdate(s *UpdateStmt, ts hlc.Timestamp) (string, error) {
	if !isSynced(s.Table) {
		return Render(s), nil
	}
	stamp := escapeLiteral(ts.String())
	s.SetRaw = s.SetRaw + ", " + hlcColumn + " = '" + stamp + "'"
	if !(s.HasWhere && mentionsTombstone(s.WhereRaw)) {
		pred := tombstonePredicate("")
		if s.HasWhere && strings.TrimSpace(s.WhereRaw) != "" {
			s.WhereRaw = s.WhereRaw + " AND " + pred
		} else {
			s.WhereRaw = pred
		}
		s.HasWhere = true
	}
	return Render(s), nil
}

func (tr *Transformer) transformDeleteAsUpdate(s *DeleteStmt, ts hlc.Timestamp) (string, error) {
	if !isSynced(s.Table) {
		return Render(s), nil
	}
	stamp := escapeLiteral(ts.String())
	u := &UpdateStmt{
		Table:  s.Table,
		SetRaw: tombstoneColumn + " = 1, " + hlcColumn + " = '" + stamp + "'",
	}
	pred := tombstonePredicate("")
	if s.HasWhere && strings.TrimSpace(s.WhereRaw) != "" {
		u.WhereRaw = s.WhereRaw + " AND " + pred
	} else {
		u.WhereRaw = pred
	}
	u.HasWhere = true
	return Render(u), nil
}
