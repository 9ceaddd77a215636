package operators

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/worq1337/parcer/internal/domain"
)

//go:embed default_operators.yaml
var defaultDictionary []byte

type dictionaryFile struct {
	Operators []domain.OperatorRule `yaml:"operators"`
}

// ParseRules decodes a YAML operator dictionary.
func ParseRules(data []byte) ([]domain.OperatorRule, error) {
	var f dictionaryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ParseRules: decoding yaml: %w", err)
	}
	for i, r := range f.Operators {
		if r.Pattern == "" || r.Canonical == "" {
			return nil, fmt.Errorf("ParseRules: rule %d: pattern and canonical are required", i)
		}
	}
	return f.Operators, nil
}

// LoadFile reads rules from path, or the built-in dictionary when path is empty.
func LoadFile(path string) ([]domain.OperatorRule, error) {
	if path == "" {
		return ParseRules(defaultDictionary)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadFile: reading %s: %w", path, err)
	}
	return ParseRules(data)
}

// Load builds a registry from path (or the built-in dictionary).
func Load(ctx context.Context, path string) (*Registry, error) {
	rules, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(ctx, rules), nil
}
