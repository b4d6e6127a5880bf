package notepipe

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CategoryField describes one structured value the analysis service is
// asked to extract when a category applies.
type CategoryField struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

// Category is one label of the closed classification set.
type Category struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Fields      []CategoryField `yaml:"fields"`
}

// CategoriesConfig drives both the analysis instruction and the
// validation of the analysis response. The category set is closed: a
// response naming any other category is rejected.
type CategoriesConfig struct {
	Domain     string     `yaml:"domain"`
	Categories []Category `yaml:"categories"`
}

// DefaultCategoriesConfig reproduces the shipped configuration: a
// health/pain tracking domain with pain, activity and other labels.
func DefaultCategoriesConfig() CategoriesConfig {
	return CategoriesConfig{
		Domain: "a health/pain tracking app focused on eye strain and screen usage",
		Categories: []Category{
			{
				Name:        "pain",
				Description: `Reports of pain or discomfort (e.g., "my eyes hurt", "I have a headache", "feeling strain")`,
				Fields: []CategoryField{
					{
						Name:        "painIntensity",
						Type:        "integer",
						Description: "pain intensity on a 1-5 scale (1=mild, 2=noticeable, 3=moderate, 4=severe, 5=extreme); infer from context if not explicitly stated",
					},
				},
			},
			{
				Name:        "activity",
				Description: `Reports of screen-related activities (e.g., "I looked at my phone for 30 minutes", "worked on computer for 2 hours", "watched TV")`,
				Fields: []CategoryField{
					{
						Name:        "screenType",
						Type:        "string",
						Description: `"phone", "computer" (includes laptop/desktop), "tv", or "other"`,
					},
					{
						Name:        "activityDurationMinutes",
						Type:        "number",
						Description: "duration in minutes if mentioned, otherwise null",
					},
				},
			},
			{
				Name:        "other",
				Description: "Anything that doesn't fit the above categories",
			},
		},
	}
}

// LoadCategoriesConfig reads a YAML categories file. An empty path
// yields the default configuration.
func LoadCategoriesConfig(path string) (CategoriesConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultCategoriesConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return CategoriesConfig{}, err
	}
	var cfg CategoriesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return CategoriesConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return CategoriesConfig{}, err
	}
	return cfg, nil
}

func (c CategoriesConfig) Validate() error {
	if len(c.Categories) == 0 {
		return fmt.Errorf("%w: categories config has no categories", ErrInvalidInput)
	}
	seen := map[string]struct{}{}
	for _, category := range c.Categories {
		name := strings.TrimSpace(category.Name)
		if name == "" {
			return fmt.Errorf("%w: category with empty name", ErrInvalidInput)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate category %s", ErrInvalidInput, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Names returns the closed label set in configuration order.
func (c CategoriesConfig) Names() []string {
	names := make([]string, 0, len(c.Categories))
	for _, category := range c.Categories {
		names = append(names, category.Name)
	}
	return names
}

// FieldNames returns every extracted-field name across all categories.
func (c CategoriesConfig) FieldNames() []string {
	names := make([]string, 0)
	for _, category := range c.Categories {
		for _, field := range category.Fields {
			names = append(names, field.Name)
		}
	}
	return names
}

// SystemPrompt assembles the fixed analysis instruction: classify into
// the closed set, clean up the transcript without shortening it, and
// extract category-conditional fields, answering as a single JSON
// object.
func (c CategoriesConfig) SystemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a helpful assistant that analyzes voice note transcriptions for %s.\n\n", c.Domain)
	b.WriteString("Your tasks:\n")
	b.WriteString("1. CLASSIFY the recording into one of these categories:\n")
	for _, category := range c.Categories {
		fmt.Fprintf(&b, "   - %q: %s\n", category.Name, category.Description)
	}
	b.WriteString("\n2. SUMMARIZE the content: Clean up the transcription by fixing grammar, removing filler words (um, uh, like), and organizing clearly. Keep it detailed - don't shorten significantly.\n")

	step := 3
	for _, category := range c.Categories {
		if len(category.Fields) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%d. For %s reports:\n", step, strings.ToUpper(category.Name))
		for _, field := range category.Fields {
			fmt.Fprintf(&b, "   - Extract %s: %s\n", field.Name, field.Description)
		}
		step++
	}

	b.WriteString("\nRespond in JSON format:\n{\n")
	fmt.Fprintf(&b, "  %q: one of %s,\n", "category", quotedList(c.Names()))
	fmt.Fprintf(&b, "  %q: \"cleaned up transcription...\"", "summary")
	for _, name := range c.FieldNames() {
		fmt.Fprintf(&b, ",\n  %q: value or null", name)
	}
	b.WriteString("\n}\n")
	b.WriteString("Every extracted field that does not apply to the chosen category must be null.")
	return b.String()
}

func quotedList(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, fmt.Sprintf("%q", value))
	}
	return strings.Join(quoted, " | ")
}
