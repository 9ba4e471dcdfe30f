// Package manifest loads the suite manifest: the declared tests, their
// priorities, dependencies and code-path patterns the selector matches
// changed files against.
package manifest

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/kestrelci/kestrel/internal/domain"
)

type suiteDoc struct {
	Tests []testDoc `yaml:"tests"`
}

type testDoc struct {
	ID        string   `yaml:"id"`
	Journey   string   `yaml:"journey"`
	Priority  string   `yaml:"priority"`
	DependsOn []string `yaml:"depends_on"`
	Paths     []string `yaml:"paths"`
	Target    string   `yaml:"target"`
	Timeout   string   `yaml:"timeout"`
}

// Load reads and validates a manifest file.
func Load(path string) ([]domain.TestMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes manifest bytes into validated test metadata. Glob patterns
// are checked up front so a bad pattern fails the load, not a selection
// mid-run.
func Parse(data []byte) ([]domain.TestMetadata, error) {
	var doc suiteDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if len(doc.Tests) == 0 {
		return nil, fmt.Errorf("manifest declares no tests")
	}

	out := make([]domain.TestMetadata, 0, len(doc.Tests))
	for i, td := range doc.Tests {
		if td.ID == "" {
			return nil, fmt.Errorf("tests[%d]: %w", i, domain.ErrEmptyTestID)
		}

		priority := domain.PriorityRegression
		if td.Priority != "" {
			p, err := domain.ParsePriorityTier(td.Priority)
			if err != nil {
				return nil, fmt.Errorf("test %q: %w", td.ID, err)
			}
			priority = p
		}

		tm, err := domain.NewTestMetadata(td.ID, td.Journey, priority)
		if err != nil {
			return nil, fmt.Errorf("tests[%d]: %w", i, err)
		}
		tm.DependsOn = td.DependsOn
		tm.Target = td.Target

		for _, p := range td.Paths {
			if strings.ContainsAny(p, "*?[{") && !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("test %q: invalid path pattern %q", td.ID, p)
			}
			tm.Paths = append(tm.Paths, p)
		}

		if td.Timeout != "" {
			d, err := time.ParseDuration(td.Timeout)
			if err != nil {
				return nil, fmt.Errorf("test %q: invalid timeout %q: %v", td.ID, td.Timeout, err)
			}
			tm.Timeout = d
		}

		out = append(out, tm)
	}
	return out, nil
}
