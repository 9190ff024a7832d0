package output

import (
	"encoding/json"
	"fmt"

	"github.com/kriansa/image-info/internal/inspect"
)

// JSONFormatter formats reports as JSON indented by two spaces.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(r *inspect.Report) (string, error) {
	data, err := json.MarshalIndent(r.Fields(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
