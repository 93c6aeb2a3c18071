package normalizer

import (
	"errors"
	"strings"
	"testing"

	"github.com/MikeSquared-Agency/sift/internal/extractor"
	"github.com/MikeSquared-Agency/sift/internal/schema"
)

const incidentSchema = `{
	"system_prompt": "Extract incident details from the message.",
	"output_format": {
		"incident_id": {"type": "string", "required": true},
		"severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
		"teams": {"type": "array", "items": {"type": "string"}},
		"status": {"type": "enum", "enum": ["open", "closed"]},
		"summary": {"type": "string", "required": true}
	},
	"field_transforms": {
		"teams": {"type": "remove_prefix", "value": "צוות"},
		"severity": {"type": "normalize", "valid_values": ["low", "medium", "high", "critical"], "default": "medium"}
	}
}`

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(incidentSchema))
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	return s
}

func TestNormalize_RemovePrefix(t *testing.T) {
	s := testSchema(t)
	c := extractor.Candidate{
		"incident_id": schema.StringValue("4521"),
		"summary":     schema.StringValue("DB down"),
		"severity":    schema.StringValue("high"),
		"teams":       schema.ListValue([]string{"צוות Network", "צוות DB", "צוות "}),
	}

	rec, err := Normalize(c, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	teams := rec.Value(s, "teams")
	if !teams.Equal(schema.ListValue([]string{"Network", "DB"})) {
		t.Errorf("teams = %#v", teams.Any())
	}
	if len(rec.Degraded) != 0 {
		t.Errorf("unexpected degraded: %+v", rec.Degraded)
	}
}

func TestNormalize_OutOfSetTakesDefault(t *testing.T) {
	s := testSchema(t)
	c := extractor.Candidate{
		"incident_id": schema.StringValue("4521"),
		"summary":     schema.StringValue("DB down"),
		"severity":    schema.StringValue("urgent"),
	}

	rec, err := Normalize(c, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Value(s, "severity"); !got.Equal(schema.StringValue("medium")) {
		t.Errorf("severity = %#v", got.Any())
	}
	if len(rec.Degraded) != 1 {
		t.Fatalf("degraded = %+v", rec.Degraded)
	}
	d := rec.Degraded[0]
	if d.Field != "severity" || d.Original != "urgent" || d.Replacement != "medium" || d.Reason != ReasonNotInValidValues {
		t.Errorf("degraded = %+v", d)
	}
}

func TestNormalize_CaseInsensitiveMatch(t *testing.T) {
	s := testSchema(t)
	c := extractor.Candidate{
		"incident_id": schema.StringValue("1"),
		"summary":     schema.StringValue("x"),
		"severity":    schema.StringValue("HIGH"),
	}
	rec, err := Normalize(c, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Value(s, "severity"); !got.Equal(schema.StringValue("high")) {
		t.Errorf("severity = %#v", got.Any())
	}
	if len(rec.Degraded) != 0 {
		t.Errorf("unexpected degraded: %+v", rec.Degraded)
	}
}

func TestNormalize_AbsentTakesDefault(t *testing.T) {
	s := testSchema(t)
	c := extractor.Candidate{
		"incident_id": schema.StringValue("1"),
		"summary":     schema.StringValue("x"),
	}
	rec, err := Normalize(c, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Value(s, "severity"); !got.Equal(schema.StringValue("medium")) {
		t.Errorf("severity = %#v", got.Any())
	}
	if len(rec.Degraded) != 1 || rec.Degraded[0].Reason != ReasonMissing {
		t.Errorf("degraded = %+v", rec.Degraded)
	}
	if got := rec.Value(s, "status"); got.Kind() != schema.KindAbsent {
		t.Errorf("status without default should stay absent, got %#v", got.Any())
	}
}

func TestNormalize_EnumWithoutDefaultIsCleared(t *testing.T) {
	s := testSchema(t)
	c := extractor.Candidate{
		"incident_id": schema.StringValue("1"),
		"summary":     schema.StringValue("x"),
		"status":      schema.StringValue("pending"),
	}
	rec, err := Normalize(c, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rec.Value(s, "status"); got.Kind() != schema.KindAbsent {
		t.Errorf("status = %#v, want cleared", got.Any())
	}
	found := false
	for _, d := range rec.Degraded {
		if d.Field == "status" && d.Original == "pending" && d.Reason == ReasonNotInValidValues {
			found = true
		}
	}
	if !found {
		t.Errorf("expected degraded status, got %+v", rec.Degraded)
	}
}

func TestNormalize_MissingRequired(t *testing.T) {
	s := testSchema(t)
	c := extractor.Candidate{
		"incident_id": schema.StringValue("   "),
		"severity":    schema.StringValue("low"),
	}

	_, err := Normalize(c, s)
	if !errors.Is(err, ErrMissingRequired) {
		t.Fatalf("expected ErrMissingRequired, got %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Field != "incident_id" {
		t.Errorf("field = %q, want incident_id", verr.Field)
	}
	if strings.Join(verr.Missing, ",") != "incident_id,summary" {
		t.Errorf("missing = %v", verr.Missing)
	}
}

func TestNormalize_ShapeCoercion(t *testing.T) {
	s := testSchema(t)
	c := extractor.Candidate{
		"incident_id": schema.StringValue("  4521 "),
		"summary":     schema.ListValue([]string{"a", "b"}),
		"teams":       schema.StringValue("צוות Network"),
		"status":      schema.InvalidValue(`{"x":1}`),
	}

	rec, err := Normalize(c, s)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "summary" {
		t.Fatalf("expected summary to be missing after wrong type, got %v", err)
	}
	if got := rec.Value(s, "incident_id"); !got.Equal(schema.StringValue("4521")) {
		t.Errorf("incident_id = %#v", got.Any())
	}
	if got := rec.Value(s, "teams"); !got.Equal(schema.ListValue([]string{"Network"})) {
		t.Errorf("teams = %#v", got.Any())
	}

	reasons := map[string]string{}
	for _, d := range rec.Degraded {
		reasons[d.Field] = d.Reason
	}
	if reasons["summary"] != ReasonWrongType || reasons["status"] != ReasonWrongType {
		t.Errorf("degraded = %+v", rec.Degraded)
	}
}

func TestNormalize_PreservesFieldOrder(t *testing.T) {
	s := testSchema(t)
	c := extractor.Candidate{
		"summary":     schema.StringValue("last"),
		"incident_id": schema.StringValue("first"),
	}
	rec, err := Normalize(c, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.Values) != len(s.FieldOrder()) {
		t.Fatalf("values = %d, fields = %d", len(rec.Values), len(s.FieldOrder()))
	}
	if rec.Values[0].Str() != "first" || rec.Values[len(rec.Values)-1].Str() != "last" {
		t.Errorf("values out of order: %#v", rec.Values)
	}
}
