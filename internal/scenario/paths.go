package scenario

import (
	"fmt"
	"os"
	"path/filepath"
)

// SearchPaths returns scenario search directories in precedence order.
// extraDir, when set, is searched first.
func SearchPaths(projectDir, extraDir string) []string {
	paths := make([]string, 0, 4)
	if extraDir != "" {
		paths = append(paths, extraDir)
	}
	if projectDir != "" {
		paths = append(paths, filepath.Join(projectDir, ".sequencer", "scenarios"))
	}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "sequencer", "scenarios"))
	}

	paths = append(paths, filepath.Join(string(filepath.Separator), "usr", "share", "sequencer", "scenarios"))
	return paths
}

// LoadFromSearchPaths loads scenarios from the search paths and the
// builtins with first-hit precedence by name.
func LoadFromSearchPaths(projectDir, extraDir string) ([]*Scenario, error) {
	seen := make(map[string]*Scenario)
	order := make([]string, 0)

	add := func(scenarios []*Scenario) {
		for _, scn := range scenarios {
			if _, exists := seen[scn.Name]; exists {
				continue
			}
			seen[scn.Name] = scn
			order = append(order, scn.Name)
		}
	}

	for _, path := range SearchPaths(projectDir, extraDir) {
		scenarios, err := LoadScenariosFromDir(path)
		if err != nil {
			return nil, err
		}
		add(scenarios)
	}

	builtins, err := LoadBuiltinScenarios()
	if err != nil {
		return nil, err
	}
	add(builtins)

	resolved := make([]*Scenario, 0, len(order))
	for _, name := range order {
		resolved = append(resolved, seen[name])
	}

	return resolved, nil
}

// Resolve returns the scenario at ref when ref is an existing file, or
// the scenario named ref from the search paths.
func Resolve(ref, projectDir, extraDir string) (*Scenario, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return LoadScenario(ref)
	}

	scenarios, err := LoadFromSearchPaths(projectDir, extraDir)
	if err != nil {
		return nil, err
	}
	for _, scn := range scenarios {
		if scn.Name == ref {
			return scn, nil
		}
	}
	return nil, fmt.Errorf("scenario %q not found", ref)
}
