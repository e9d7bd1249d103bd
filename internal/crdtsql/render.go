package crdtsql

import "strings"

// Render serializes a parsed statement tree back to SQL text, reflecting
// whatever rewrites TransformQuery / TransformExecuteStatement applied.
func Render(stmt Statement) string {
	switch s := stmt.(type) {
	case *SelectStmt:
		return renderSelect(s)
	case *SetOpStmt:
		return Render(s.Left) + " " + string(s.Op) + " " + Render(s.Right)
	case *InsertStmt:
		return renderInsert(s)
	case *UpdateStmt:
		return renderUpdate(s)
	case *DeleteStmt:
		return renderDelete(s)
	case *Passthrough:
		return s.Raw
	default:
		return ""
	}
}

func renderSelect(s *SelectStmt) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(s.SelectListRaw)
	b.WriteString(" FROM ")
	b.WriteString(renderFrom(s.From))
	if s.HasWhere {
		b.WriteString(" WHERE ")
		b.WriteString(s.WhereRaw)
	}
	if tail := strings.TrimSpace(s.TailRaw); tail != "" {
		b.WriteString(" ")
		b.WriteString(tail)
	}
	return b.String()
}

func renderFrom(f FromClause) string {
	var b strings.Builder
	b.WriteString(renderSource(f.First))
	for _, c := range f.Rest {
		if c.Comma {
			b.WriteString(", ")
			b.WriteString(renderSource(c.Item))
			continue
		}
		b.WriteString(" ")
		if c.Join != JoinPlain {
			b.WriteString(string(c.Join))
			b.WriteString(" ")
		}
		b.WriteString("JOIN ")
		b.WriteString(renderSource(c.Item))
		if c.OnRaw != "" {
			b.WriteString(" ON ")
			b.WriteString(c.OnRaw)
		}
	}
	return b.String()
}

func renderSource(s Source) string {
	var b strings.Builder
	if s.Kind == SourceSubquery {
		b.WriteString("(")
		b.WriteString(Render(s.Subquery))
		b.WriteString(")")
	} else {
		b.WriteString(s.Table)
	}
	if s.Alias != "" {
		b.WriteString(" ")
		b.WriteString(s.Alias)
	}
	return b.String()
}

func renderInsert(s *InsertStmt) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.Table)
	if s.HasColumns {
		b.WriteString(" (")
		b.WriteString(s.ColumnsRaw)
		b.WriteString(")")
	}
	b.WriteString(" VALUES ")
	for i, tuple := range s.Tuples {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		b.WriteString(tuple)
		b.WriteString(")")
	}
	return b.String()
}

func renderUpdate(s *UpdateStmt) string {
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(s.Table)
	b.WriteString(" SET ")
	b.WriteString(s.SetRaw)
	if s.HasWhere {
		b.WriteString(" WHERE ")
		b.WriteString(s.WhereRaw)
	}
	return b.String()
}

func renderDelete(s *DeleteStmt) string {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(s.Table)
	if s.HasWhere {
		b.WriteString(" WHERE ")
		b.WriteString(s.WhereRaw)
	}
	return b.String()
}
