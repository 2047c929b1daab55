package render

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadVars reads extra template variables from a YAML mapping file.
// An empty path yields no variables.
func LoadVars(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template vars: %w", err)
	}

	vars := make(map[string]any)
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("failed to parse template vars %s: %w", path, err)
	}
	return vars, nil
}
