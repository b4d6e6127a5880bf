package notepipe

import (
	"strings"
	"testing"
)

func newTestValidator(t *testing.T) *AnalysisValidator {
	t.Helper()
	validator, err := NewAnalysisValidator(DefaultCategoriesConfig())
	if err != nil {
		t.Fatalf("validator build failed: %v", err)
	}
	return validator
}

func TestAnalysisValidatorParsesValidPayload(t *testing.T) {
	validator := newTestValidator(t)
	analysis, err := validator.Parse(`{
		"category": "pain",
		"summary": "My eyes hurt after a long day at the computer.",
		"painIntensity": 3,
		"screenType": null,
		"activityDurationMinutes": null
	}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if analysis.Category != "pain" {
		t.Fatalf("expected pain, got %s", analysis.Category)
	}
	if !strings.Contains(analysis.Summary, "eyes hurt") {
		t.Fatalf("unexpected summary %q", analysis.Summary)
	}
	if analysis.Fields["painIntensity"] != float64(3) {
		t.Fatalf("expected painIntensity 3, got %+v", analysis.Fields)
	}
	if value, ok := analysis.Fields["screenType"]; !ok || value != nil {
		t.Fatalf("expected explicit null screenType retained, got %+v", analysis.Fields)
	}
}

func TestAnalysisValidatorOmitsFieldsWhenNonePresent(t *testing.T) {
	validator := newTestValidator(t)
	analysis, err := validator.Parse(`{"category": "other", "summary": "Just a thought."}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if analysis.Fields != nil {
		t.Fatalf("expected no fields, got %+v", analysis.Fields)
	}
}

func TestAnalysisValidatorRejectsUnknownCategory(t *testing.T) {
	validator := newTestValidator(t)
	if _, err := validator.Parse(`{"category": "mood", "summary": "Feeling fine."}`); err == nil {
		t.Fatalf("expected unknown category to be rejected")
	}
}

func TestAnalysisValidatorRejectsMissingRequiredFields(t *testing.T) {
	validator := newTestValidator(t)
	if _, err := validator.Parse(`{"summary": "no category"}`); err == nil {
		t.Fatalf("expected missing category to be rejected")
	}
	if _, err := validator.Parse(`{"category": "pain"}`); err == nil {
		t.Fatalf("expected missing summary to be rejected")
	}
	if _, err := validator.Parse(`{"category": "pain", "summary": ""}`); err == nil {
		t.Fatalf("expected empty summary to be rejected")
	}
	if _, err := validator.Parse(`{"category": "pain", "summary": "   \n\t"}`); err == nil {
		t.Fatalf("expected whitespace-only summary to be rejected")
	}
}

func TestAnalysisValidatorRejectsNonScalarExtractedFields(t *testing.T) {
	validator := newTestValidator(t)
	if _, err := validator.Parse(`{"category": "pain", "summary": "ok", "painIntensity": {"value": 3}}`); err == nil {
		t.Fatalf("expected object-valued field to be rejected")
	}
}

func TestAnalysisValidatorRejectsMalformedJSON(t *testing.T) {
	validator := newTestValidator(t)
	if _, err := validator.Parse("not json at all"); err == nil {
		t.Fatalf("expected malformed JSON to be rejected")
	}
	if _, err := validator.Parse(""); err == nil {
		t.Fatalf("expected empty payload to be rejected")
	}
}
