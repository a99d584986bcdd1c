package plan

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLParser reads plans with a top-level header and a tasks list.
type YAMLParser struct{}

func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

type yamlPlan struct {
	Title    string     `yaml:"title"`
	Date     string     `yaml:"date"`
	Timezone string     `yaml:"timezone"`
	Defaults Defaults   `yaml:"defaults"`
	Tasks    []taskSpec `yaml:"tasks"`
}

func (p *YAMLParser) Parse(r io.Reader) (*Plan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	var doc yamlPlan
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks")
	}
	h := header{Title: doc.Title, Date: doc.Date, Timezone: doc.Timezone, Defaults: doc.Defaults}
	return build(h, doc.Tasks)
}
