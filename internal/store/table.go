package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/sift/internal/schema"
)

type column struct {
	name string
	def  string
}

// fieldColumn returns the column definition for a schema field. NOT NULL is
// only applied when creating the table.
func fieldColumn(be backend, s *schema.Schema, f schema.Field, create bool) column {
	kind := colText
	if f.Type == schema.TypeArray {
		kind = colJSON
	}
	def := quoteIdent(f.Name) + " " + be.columnType(kind)
	if create && f.Required {
		def += " NOT NULL"
	}
	if f.Type != schema.TypeArray {
		if allowed := s.AllowedValues(f.Name); len(allowed) > 0 {
			lits := make([]string, len(allowed))
			for i, v := range allowed {
				lits[i] = quoteLiteral(v)
			}
			def += fmt.Sprintf(" CHECK (%s IN (%s))", quoteIdent(f.Name), strings.Join(lits, ", "))
		}
	}
	return column{name: f.Name, def: def}
}

func ddl(be backend, table string, s *schema.Schema) string {
	cols := []string{
		"natural_id TEXT PRIMARY KEY",
		`"date" ` + be.columnType(colDate),
		`"time" ` + be.columnType(colTime),
		"author TEXT",
		"original_message TEXT",
	}
	for _, f := range s.Fields() {
		cols = append(cols, fieldColumn(be, s, f, true).def)
	}
	stamp := be.columnType(colTimestamp)
	cols = append(cols,
		"created_at "+stamp+" NOT NULL DEFAULT CURRENT_TIMESTAMP",
		"updated_at "+stamp+" NOT NULL DEFAULT CURRENT_TIMESTAMP",
	)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quoteIdent(table), strings.Join(cols, ",\n\t"))
}

// DDL returns the CREATE TABLE statement EnsureTable would run.
func (s *Store) DDL(table string, sc *schema.Schema) string {
	return ddl(s.be, SanitizeTable(table), sc)
}

// EnsureTable creates the destination table for sc, or adds columns for
// fields the existing table lacks. Added columns are nullable. It is a
// no-op after the first success for the same table and schema.
func (s *Store) EnsureTable(ctx context.Context, table string, sc *schema.Schema) error {
	name := SanitizeTable(table)
	key := name + "|" + sc.Fingerprint()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured[key] {
		return nil
	}

	if err := s.be.exec(ctx, ddl(s.be, name, sc)); err != nil {
		return fmt.Errorf("%w: create table %s: %w", ErrConnectivity, name, err)
	}

	existing, err := s.be.queryStrings(ctx, s.be.columnsQuery(), name)
	if err != nil {
		return fmt.Errorf("%w: list columns of %s: %w", ErrConnectivity, name, err)
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c] = true
	}

	for _, f := range sc.Fields() {
		if have[f.Name] {
			continue
		}
		col := fieldColumn(s.be, sc, f, false)
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quoteIdent(name), col.def)
		if err := s.be.exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: add column %s.%s: %w", ErrConnectivity, name, f.Name, err)
		}
		s.logger.Info("added column", "table", name, "column", f.Name)
	}

	s.ensured[key] = true
	return nil
}
