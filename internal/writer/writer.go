// Package writer persists per-message artifacts and the aggregate CSV
// dataset of a run.
package writer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/MikeSquared-Agency/sift/internal/normalizer"
	"github.com/MikeSquared-Agency/sift/internal/schema"
	"github.com/MikeSquared-Agency/sift/internal/transcript"
)

const (
	messagesDir   = "messages"
	partialSuffix = ".partial"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrClosed is returned when writing to a closed Writer.
var ErrClosed = errors.New("writer closed")

// Writer writes one run's output directory.
type Writer struct {
	mu     sync.Mutex
	dir    string
	schema *schema.Schema
	f      *os.File
	csv    *csv.Writer
	ds     *Dataset
	closed bool
}

// CSVPath returns the final aggregate file path for a dataset name.
func CSVPath(dir, name string) string {
	return filepath.Join(dir, name+"_formatted.csv")
}

// Open prepares dir for a run. The aggregate CSV is written to a partial
// file that only replaces the previous one on Close.
func Open(dir, name string, s *schema.Schema) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(dir, messagesDir), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	f, err := os.Create(CSVPath(dir, name) + partialSuffix)
	if err != nil {
		return nil, fmt.Errorf("create csv: %w", err)
	}
	if _, err := f.Write(utf8BOM); err != nil {
		f.Close()
		return nil, fmt.Errorf("write bom: %w", err)
	}

	w := &Writer{
		dir:    dir,
		schema: s,
		f:      f,
		csv:    csv.NewWriter(f),
		ds:     &Dataset{Name: name, Header: Header(s)},
	}
	if err := w.csv.Write(w.ds.Header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	return w, nil
}

// WriteAccepted stores the artifact for an accepted message and appends its
// row to the dataset.
func (w *Writer) WriteAccepted(msg transcript.RawMessage, rec normalizer.Record) (Row, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Row{}, ErrClosed
	}

	row := NewRow(msg, rec, w.schema)
	fields := make(map[string]any, len(row.Values))
	for i, name := range w.schema.FieldOrder() {
		fields[name] = row.Values[i].Any()
	}

	art := Artifact{
		NaturalID: row.NaturalID,
		Index:     msg.Index,
		Status:    StatusAccepted,
		Timestamp: msg.Timestamp,
		Date:      row.Date(),
		Time:      row.Time(),
		Author:    msg.Author,
		Message:   msg.Body,
		Fields:    fields,
		Degraded:  rec.Degraded,
	}
	if err := writeArtifact(filepath.Join(w.dir, messagesDir), art); err != nil {
		return Row{}, err
	}
	if err := w.csv.Write(row.Cells()); err != nil {
		return Row{}, fmt.Errorf("write csv row: %w", err)
	}
	w.ds.Rows = append(w.ds.Rows, row)
	return row, nil
}

// WriteRejected stores an artifact for a message that produced no row and
// returns its natural id. Validation rejections have status "rejected",
// extraction failures "failed".
func (w *Writer) WriteRejected(msg transcript.RawMessage, kind string, cause error, attempts int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrClosed
	}

	status := StatusFailed
	if kind == "missing_required" {
		status = StatusRejected
	}
	art := Artifact{
		NaturalID: MessageID(msg),
		Index:     msg.Index,
		Status:    status,
		Timestamp: msg.Timestamp,
		Date:      msg.Date(),
		Time:      msg.Clock(),
		Author:    msg.Author,
		Message:   msg.Body,
		ErrorKind: kind,
		Attempts:  attempts,
	}
	if cause != nil {
		art.Error = cause.Error()
	}
	if err := writeArtifact(filepath.Join(w.dir, messagesDir), art); err != nil {
		return "", err
	}
	return art.NaturalID, nil
}

// Close publishes the aggregate CSV and returns the dataset.
func (w *Writer) Close() (*Dataset, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	w.closed = true

	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.f.Close()
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return nil, fmt.Errorf("sync csv: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return nil, fmt.Errorf("close csv: %w", err)
	}

	final := CSVPath(w.dir, w.ds.Name)
	if err := os.Rename(final+partialSuffix, final); err != nil {
		return nil, fmt.Errorf("publish csv: %w", err)
	}
	return w.ds, nil
}

// Abort discards the partial CSV. Artifacts already written are kept.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	return os.Remove(CSVPath(w.dir, w.ds.Name) + partialSuffix)
}
