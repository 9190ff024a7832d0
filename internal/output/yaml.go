package output

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kriansa/image-info/internal/inspect"
)

// YAMLFormatter formats reports as YAML.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(r *inspect.Report) (string, error) {
	data, err := yaml.Marshal(r.Fields())
	if err != nil {
		return "", fmt.Errorf("failed to marshal report to YAML: %w", err)
	}
	return string(data), nil
}
