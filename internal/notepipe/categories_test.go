package notepipe

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultCategoriesConfig(t *testing.T) {
	cfg := DefaultCategoriesConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	names := cfg.Names()
	if len(names) != 3 || names[0] != "pain" || names[1] != "activity" || names[2] != "other" {
		t.Fatalf("unexpected category names: %v", names)
	}
	fields := cfg.FieldNames()
	want := []string{"painIntensity", "screenType", "activityDurationMinutes"}
	if len(fields) != len(want) {
		t.Fatalf("unexpected field names: %v", fields)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Fatalf("unexpected field names: %v", fields)
		}
	}
}

func TestSystemPromptContainsInstructions(t *testing.T) {
	prompt := DefaultCategoriesConfig().SystemPrompt()
	for _, fragment := range []string{
		"CLASSIFY",
		"SUMMARIZE",
		`"pain"`,
		`"activity"`,
		`"other"`,
		"painIntensity",
		"screenType",
		"activityDurationMinutes",
		"1-5 scale",
		"JSON format",
		"must be null",
	} {
		if !strings.Contains(prompt, fragment) {
			t.Fatalf("expected prompt to contain %q\nprompt:\n%s", fragment, prompt)
		}
	}
}

func TestLoadCategoriesConfigEmptyPathYieldsDefault(t *testing.T) {
	cfg, err := LoadCategoriesConfig("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.Categories) != 3 {
		t.Fatalf("expected default categories, got %+v", cfg)
	}
}

func TestLoadCategoriesConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "categories.yaml")
	content := `domain: a gardening journal
categories:
  - name: planting
    description: seeds going into the ground
    fields:
      - name: species
        type: string
        description: plant species if mentioned
  - name: other
    description: anything else
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	cfg, err := LoadCategoriesConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Domain != "a gardening journal" {
		t.Fatalf("unexpected domain %q", cfg.Domain)
	}
	names := cfg.Names()
	if len(names) != 2 || names[0] != "planting" {
		t.Fatalf("unexpected names %v", names)
	}
	if fields := cfg.FieldNames(); len(fields) != 1 || fields[0] != "species" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLoadCategoriesConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "categories.yaml")
	content := `categories:
  - name: dup
  - name: dup
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	if _, err := LoadCategoriesConfig(path); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for duplicate category, got %v", err)
	}

	if _, err := LoadCategoriesConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
