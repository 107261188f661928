package recommend

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// CategoryRule maps one spending category to the query keywords that
// select it.
type CategoryRule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// CategoryRules is the inference policy: an ordered keyword table plus the
// fallback label for unmatched queries. Policy lives in data so deployers
// can override it without a rebuild.
type CategoryRules struct {
	Categories []CategoryRule `yaml:"categories"`
	Fallback   string         `yaml:"fallback"`
}

var defaultRules = func() *CategoryRules {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded rules.yaml invalid: %v", err))
	}
	return r
}()

// DefaultRules returns the embedded inference policy.
func DefaultRules() *CategoryRules { return defaultRules }

func ParseRules(raw []byte) (*CategoryRules, error) {
	var r CategoryRules
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse category rules: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadRules reads an override policy file.
func LoadRules(path string) (*CategoryRules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(raw)
}

func (r *CategoryRules) Validate() error {
	if len(r.Categories) == 0 {
		return errors.New("category rules: no categories")
	}
	if strings.TrimSpace(r.Fallback) == "" {
		return errors.New("category rules: missing fallback label")
	}
	seen := make(map[string]bool, len(r.Categories))
	for i, c := range r.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return fmt.Errorf("category rules: entry %d has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("category rules: duplicate category %q", name)
		}
		seen[name] = true
		if len(c.Keywords) == 0 {
			return fmt.Errorf("category rules: category %q has no keywords", name)
		}
	}
	return nil
}

// InferCategory maps a free-text query to a spending category. The second
// return is false when no keyword matched and the fallback label was used.
// nil rules use the embedded defaults. The function is pure: same inputs,
// same answer.
func InferCategory(query string, rules *CategoryRules) (string, bool) {
	if rules == nil {
		rules = defaultRules
	}
	q := strings.ToLower(query)
	for _, rule := range rules.Categories {
		for _, kw := range rule.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(q, strings.ToLower(kw)) {
				return rule.Name, true
			}
		}
	}
	return rules.Fallback, false
}
