package scenario

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// LoadBuiltinScenarios returns the scenarios bundled with the binary.
func LoadBuiltinScenarios() ([]*Scenario, error) {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, fmt.Errorf("read builtin scenarios: %w", err)
	}

	scenarios := make([]*Scenario, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := builtinFS.ReadFile("builtin/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read builtin scenario %s: %w", entry.Name(), err)
		}
		scn, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse builtin scenario %s: %w", entry.Name(), err)
		}
		scn.Source = "builtin"
		scenarios = append(scenarios, scn)
	}

	sort.Slice(scenarios, func(i, j int) bool {
		return scenarios[i].Name < scenarios[j].Name
	})

	return scenarios, nil
}
