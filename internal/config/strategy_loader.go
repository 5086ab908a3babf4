package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type StrategyDef struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	Persona  string `yaml:"persona"`
	Active   bool   `yaml:"active"`
}

type StrategyFile struct {
	Strategies []StrategyDef `yaml:"strategies"`
}

// LoadStrategies reads the strategy definitions consumed read-only by the
// execution core. Duplicate ids are a config error, not a warning — two
// strategies sharing an id would corrupt ownership arbitration.
func LoadStrategies(path string) ([]StrategyDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies: %w", err)
	}

	var file StrategyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse strategies: %w", err)
	}

	seen := make(map[string]bool, len(file.Strategies))
	for _, def := range file.Strategies {
		if def.ID == "" {
			return nil, fmt.Errorf("strategy with empty id (name=%q)", def.Name)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate strategy id %q", def.ID)
		}
		if def.Priority < 0 {
			return nil, fmt.Errorf("strategy %q: negative priority %d", def.ID, def.Priority)
		}
		seen[def.ID] = true
	}

	return file.Strategies, nil
}
