// Package output renders inspection reports as JSON, YAML or a table.
package output

import (
	"fmt"

	"github.com/kriansa/image-info/internal/inspect"
)

// Format represents an output format type.
type Format string

const (
	// FormatJSON is indented JSON for machine consumption.
	FormatJSON Format = "json"
	// FormatYAML is YAML.
	FormatYAML Format = "yaml"
	// FormatTable is a human-readable summary.
	FormatTable Format = "table"
)

// Formatter formats reports.
type Formatter interface {
	Format(r *inspect.Report) (string, error)
}

// NewFormatter creates a new Formatter for format.
func NewFormatter(format string) (Formatter, error) {
	switch Format(format) {
	case FormatJSON:
		return &JSONFormatter{}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatTable:
		return &TableFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: json, yaml, table)", format)
	}
}
