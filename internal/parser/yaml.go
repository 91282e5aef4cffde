package parser

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLParser parses YAML plan files. The plan may sit at the top level or
// under a "plan" key.
type YAMLParser struct{}

// NewYAMLParser creates a YAMLParser.
func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

type yamlPlanFile struct {
	Document `yaml:",inline"`
	Plan     *Document `yaml:"plan"`
}

// Parse implements Parser.
func (p *YAMLParser) Parse(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	var file yamlPlanFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if file.Plan != nil {
		return file.Plan, nil
	}
	return &file.Document, nil
}
