package writer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/sift/internal/normalizer"
	"github.com/MikeSquared-Agency/sift/internal/schema"
	"github.com/MikeSquared-Agency/sift/internal/transcript"
)

// Row is one accepted message in the aggregate dataset.
type Row struct {
	NaturalID string
	Timestamp time.Time
	Author    string
	Message   string
	Values    []schema.Value // schema field order
}

// Date returns the row's date as DD/MM/YYYY.
func (r Row) Date() string { return r.Timestamp.Format("02/01/2006") }

// Time returns the row's time of day as HH:MM:SS.
func (r Row) Time() string { return r.Timestamp.Format("15:04:05") }

// Dataset is the tabular result of a run.
type Dataset struct {
	Name   string
	Header []string
	Rows   []Row
}

// Accepted pairs a message with its normalized record.
type Accepted struct {
	Message transcript.RawMessage
	Record  normalizer.Record
}

// Header returns the dataset column names for s: the fields in order, then
// date and time.
func Header(s *schema.Schema) []string {
	return append(s.FieldOrder(), "date", "time")
}

// Write builds a dataset in memory.
func Write(name string, s *schema.Schema, records []Accepted) *Dataset {
	ds := &Dataset{Name: name, Header: Header(s)}
	for _, a := range records {
		ds.Rows = append(ds.Rows, NewRow(a.Message, a.Record, s))
	}
	return ds
}

// NewRow builds the dataset row for an accepted message.
func NewRow(msg transcript.RawMessage, rec normalizer.Record, s *schema.Schema) Row {
	values := make([]schema.Value, len(rec.Values))
	copy(values, rec.Values)
	return Row{
		NaturalID: NaturalID(msg, rec, s),
		Timestamp: msg.Timestamp,
		Author:    msg.Author,
		Message:   msg.Body,
		Values:    values,
	}
}

// Cells renders the row as CSV cells matching Header.
func (r Row) Cells() []string {
	cells := make([]string, 0, len(r.Values)+2)
	for _, v := range r.Values {
		cells = append(cells, Cell(v))
	}
	return append(cells, r.Date(), r.Time())
}

// NaturalID derives the stable identity of a message. A non-empty natural
// key value gives "id:<value>"; otherwise the message content is hashed.
func NaturalID(msg transcript.RawMessage, rec normalizer.Record, s *schema.Schema) string {
	if s.NaturalKey != "" {
		if v := rec.Value(s, s.NaturalKey); v.Kind() == schema.KindString && !v.IsEmpty() {
			return "id:" + sanitizeID(strings.TrimSpace(v.Str()))
		}
	}
	return MessageID(msg)
}

// MessageID hashes the timestamp, author and body of msg.
func MessageID(msg transcript.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(msg.Timestamp.Format(time.RFC3339)))
	h.Write([]byte{0})
	h.Write([]byte(msg.Author))
	h.Write([]byte{0})
	h.Write([]byte(msg.Body))
	return "msg:" + hex.EncodeToString(h.Sum(nil)[:16])
}

// sanitizeID keeps [A-Za-z0-9._-]. When anything had to be replaced a short
// hash of the original is appended so distinct values stay distinct.
func sanitizeID(v string) string {
	var b strings.Builder
	changed := false
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			changed = true
		}
	}
	if changed {
		sum := sha256.Sum256([]byte(v))
		b.WriteByte('-')
		b.WriteString(hex.EncodeToString(sum[:4]))
	}
	return b.String()
}

// Cell renders a value for the CSV: whitespace runs collapse to one space
// and lists become JSON arrays.
func Cell(v schema.Value) string {
	switch v.Kind() {
	case schema.KindString:
		return cleanText(v.Str())
	case schema.KindList:
		items := v.List()
		for i := range items {
			items[i] = cleanText(items[i])
		}
		return jsonText(items)
	}
	return ""
}

// ParseCell is the inverse of Cell for a field of type t.
func ParseCell(cell string, t schema.FieldType) schema.Value {
	if cell == "" {
		return schema.Value{}
	}
	if t == schema.TypeArray {
		var items []string
		if strings.HasPrefix(cell, "[") && json.Unmarshal([]byte(cell), &items) == nil {
			return schema.ListValue(items)
		}
		return schema.ListValue([]string{cell})
	}
	return schema.StringValue(cell)
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func jsonText(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
	return strings.TrimSuffix(buf.String(), "\n")
}
