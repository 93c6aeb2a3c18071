package writer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/sift/internal/normalizer"
	"github.com/MikeSquared-Agency/sift/internal/schema"
)

const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Artifact is the per-message JSON file.
type Artifact struct {
	NaturalID string                     `json:"natural_id"`
	Index     int                        `json:"index"`
	Status    string                     `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
	Date      string                     `json:"date"`
	Time      string                     `json:"time"`
	Author    string                     `json:"author"`
	Message   string                     `json:"original_message"`
	Fields    map[string]any             `json:"fields,omitempty"`
	Degraded  []normalizer.DegradedField `json:"degraded,omitempty"`
	ErrorKind string                     `json:"error_kind,omitempty"`
	Error     string                     `json:"error,omitempty"`
	Attempts  int                        `json:"attempts,omitempty"`
}

// artifactFile maps a natural id to a file name.
func artifactFile(id string) string {
	return strings.Replace(id, ":", "_", 1) + ".json"
}

// WriteFileAtomic writes data to path through a temporary file in the same
// directory, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func writeArtifact(dir string, a Artifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	return WriteFileAtomic(filepath.Join(dir, artifactFile(a.NaturalID)), data)
}

// ReadArtifacts loads every artifact under dir/messages in transcript order.
func ReadArtifacts(dir string) ([]Artifact, error) {
	paths, err := filepath.Glob(filepath.Join(dir, messagesDir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob artifacts: %w", err)
	}

	arts := make([]Artifact, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read artifact: %w", err)
		}
		var a Artifact
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parse artifact %s: %w", filepath.Base(p), err)
		}
		arts = append(arts, a)
	}

	sort.SliceStable(arts, func(i, j int) bool {
		if arts[i].Index != arts[j].Index {
			return arts[i].Index < arts[j].Index
		}
		return arts[i].NaturalID < arts[j].NaturalID
	})
	return arts, nil
}

// DatasetFromArtifacts rebuilds the dataset from accepted artifacts.
func DatasetFromArtifacts(name string, arts []Artifact, s *schema.Schema) *Dataset {
	ds := &Dataset{Name: name, Header: Header(s)}
	fields := s.Fields()
	for _, a := range arts {
		if a.Status != StatusAccepted {
			continue
		}
		row := Row{
			NaturalID: a.NaturalID,
			Timestamp: a.Timestamp,
			Author:    a.Author,
			Message:   a.Message,
			Values:    make([]schema.Value, len(fields)),
		}
		for i, f := range fields {
			row.Values[i] = fromJSON(a.Fields[f.Name])
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds
}

func fromJSON(v any) schema.Value {
	switch x := v.(type) {
	case string:
		return schema.StringValue(x)
	case []any:
		items := make([]string, 0, len(x))
		for _, el := range x {
			if s, ok := el.(string); ok {
				items = append(items, s)
			}
		}
		return schema.ListValue(items)
	}
	return schema.Value{}
}
