package ralph

import (
	"fmt"
	"os"

	"foreman/pkg/protocol"

	"gopkg.in/yaml.v3"
)

// Default constraint values applied when a PRD omits them.
const (
	defaultMaxWorkers            = 2
	defaultMaxIterationsPerStory = 5
)

// LoadPRD reads a YAML PRD document and applies constraint defaults.
func LoadPRD(path string) (protocol.PRD, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return protocol.PRD{}, fmt.Errorf("read prd %s: %w", path, err)
	}
	return ParsePRD(data)
}

// ParsePRD decodes a YAML PRD document and applies constraint defaults.
func ParsePRD(data []byte) (protocol.PRD, error) {
	var prd protocol.PRD
	if err := yaml.Unmarshal(data, &prd); err != nil {
		return protocol.PRD{}, &protocol.ValidationError{Errors: []string{fmt.Sprintf("parse prd yaml: %v", err)}}
	}
	prd.Constraints = WithDefaults(prd.Constraints)
	return prd, nil
}

// WithDefaults fills omitted constraint fields.
func WithDefaults(c protocol.Constraints) protocol.Constraints {
	if c.MaxWorkers == 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.MaxIterationsPerStory == 0 {
		c.MaxIterationsPerStory = defaultMaxIterationsPerStory
	}
	return c
}
