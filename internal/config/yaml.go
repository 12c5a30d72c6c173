package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// readFile loads a flat YAML mapping whose keys are the setting names in
// lower case, e.g. "page_size: 50". Unknown keys are rejected.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(k)
		if !slices.Contains(Keys, key) {
			return nil, fmt.Errorf("config file %s: unknown key %q", path, k)
		}
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("config file %s: %q must be a scalar", path, k)
		case nil:
			continue
		}
		out[key] = fmt.Sprint(v)
	}
	return out, nil
}
