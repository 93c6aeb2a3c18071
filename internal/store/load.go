package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/sift/internal/schema"
	"github.com/MikeSquared-Agency/sift/internal/writer"
)

// LoadReport summarizes one Upsert.
type LoadReport struct {
	Inserted int        `json:"inserted"`
	Updated  int        `json:"updated"`
	Rejected int        `json:"rejected"`
	Errors   []RowError `json:"errors,omitempty"`
}

// RowError is a row the destination refused.
type RowError struct {
	NaturalID string `json:"natural_id"`
	Err       error  `json:"-"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %s: %v", e.NaturalID, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

// MarshalJSON includes the error text.
func (e RowError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		NaturalID string `json:"natural_id"`
		Error     string `json:"error"`
	}{e.NaturalID, msg})
}

// Upsert inserts or updates every dataset row keyed by natural_id. Rows
// violating a table constraint are counted as rejected; any other failure
// stops the load and is wrapped in ErrConnectivity.
func (s *Store) Upsert(ctx context.Context, table string, sc *schema.Schema, ds *writer.Dataset) (*LoadReport, error) {
	name := SanitizeTable(table)
	fields := sc.Fields()

	cols := []string{"natural_id", `"date"`, `"time"`, "author", "original_message"}
	for _, f := range fields {
		cols = append(cols, quoteIdent(f.Name))
	}

	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = s.be.placeholder(i + 1)
	}
	sets := make([]string, 0, len(cols))
	for _, c := range cols[1:] {
		sets = append(sets, c+" = excluded."+c)
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")

	upsertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (natural_id) DO UPDATE SET %s",
		quoteIdent(name), strings.Join(cols, ", "), strings.Join(ph, ", "), strings.Join(sets, ", "))
	existsSQL := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE natural_id = %s", quoteIdent(name), s.be.placeholder(1))

	report := &LoadReport{}
	for _, row := range ds.Rows {
		exists, err := s.be.queryInt(ctx, existsSQL, row.NaturalID)
		if err != nil {
			return report, fmt.Errorf("%w: lookup %s: %w", ErrConnectivity, row.NaturalID, err)
		}

		args := []any{
			row.NaturalID,
			s.be.dateArg(row.Timestamp),
			s.be.timeArg(row.Timestamp),
			row.Author,
			row.Message,
		}
		for i := range fields {
			var v schema.Value
			if i < len(row.Values) {
				v = row.Values[i]
			}
			args = append(args, columnArg(v))
		}

		if err := s.be.exec(ctx, upsertSQL, args...); err != nil {
			if s.be.isConstraintViolation(err) {
				s.logger.Warn("row rejected", "table", name, "natural_id", row.NaturalID, "error", err)
				report.Rejected++
				report.Errors = append(report.Errors, RowError{NaturalID: row.NaturalID, Err: err})
				continue
			}
			return report, fmt.Errorf("%w: upsert %s: %w", ErrConnectivity, row.NaturalID, err)
		}
		if exists > 0 {
			report.Updated++
		} else {
			report.Inserted++
		}
	}

	s.logger.Info("load complete",
		"table", name,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"rejected", report.Rejected,
	)
	return report, nil
}

// columnArg converts a value to a query argument. Lists are stored as JSON
// array text.
func columnArg(v schema.Value) any {
	switch v.Kind() {
	case schema.KindString:
		return v.Str()
	case schema.KindList:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.Encode(v.List())
		return strings.TrimSuffix(buf.String(), "\n")
	}
	return nil
}
