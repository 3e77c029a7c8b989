package cli

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/opencode-ai/sequencer/internal/scenario"
	"github.com/spf13/cobra"
)

var (
	listTags []string
)

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(showCmd)

	listCmd.Flags().StringSliceVar(&listTags, "tag", nil, "only list scenarios with one of these tags")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available scenarios",
	Long:  "List scenarios from the search paths and the builtin set. Earlier paths shadow later ones by name.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := loadAllScenarios()
		if err != nil {
			return err
		}
		items = filterScenarios(items, listTags)

		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, scenarioSummaries(items))
		}
		if len(items) == 0 {
			fmt.Println("No scenarios found.")
			return nil
		}

		rows := make([][]string, 0, len(items))
		for _, scn := range items {
			rows = append(rows, []string{
				scn.Name,
				strconv.Itoa(len(scn.Sequences)),
				strconv.Itoa(len(scn.Groups)),
				formatList(scn.Tags),
				colorize(scn.Source, colorMuted),
			})
		}
		return writeTable(os.Stdout, []string{"NAME", "SEQUENCES", "GROUPS", "TAGS", "SOURCE"}, rows)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check scenario files",
	Long:  "Parse, render with defaults and build each scenario without running it.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		results := make([]validationResult, 0, len(args))
		failed := 0
		for _, path := range args {
			result := validateScenarioFile(path)
			if !result.Valid {
				failed++
			}
			results = append(results, result)
		}

		if IsJSONOutput() || IsJSONLOutput() {
			if err := WriteOutput(os.Stdout, results); err != nil {
				return err
			}
		} else {
			for _, result := range results {
				if result.Valid {
					fmt.Printf("%s %s (%s)\n", colorize("OK", colorGreen), result.Path, result.Name)
					continue
				}
				fmt.Printf("%s %s: %s\n", colorize("ERR", colorRed), result.Path, result.Error)
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d scenario(s) invalid", failed, len(results))
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <scenario>",
	Short: "Show a scenario's sequences and groups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scn, err := resolveScenario(args[0])
		if err != nil {
			return err
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, scn)
		}

		fmt.Printf("%s  %s\n", header(scn.Name), scn.Description)
		fmt.Printf("source: %s\n\n", scn.Source)

		rows := make([][]string, 0, len(scn.Sequences))
		for _, seq := range scn.Sequences {
			autoTrigger := seq.AutoTrigger == nil || *seq.AutoTrigger
			weight := "1"
			if seq.Weight != nil {
				weight = strconv.Itoa(*seq.Weight)
			}
			rows = append(rows, []string{
				seq.Name,
				formatYesNo(seq.Start),
				formatYesNo(autoTrigger),
				formatYesNo(seq.Repeatable),
				strconv.Itoa(seq.Priority),
				weight,
				strconv.Itoa(len(seq.Triggers)),
				strconv.Itoa(len(seq.Steps)),
			})
		}
		if err := writeTable(os.Stdout, []string{"SEQUENCE", "START", "AUTO", "REPEAT", "PRIORITY", "WEIGHT", "TRIGGERS", "STEPS"}, rows); err != nil {
			return err
		}

		if len(scn.Groups) == 0 {
			return nil
		}
		fmt.Println()
		rows = rows[:0]
		for _, grp := range scn.Groups {
			rows = append(rows, []string{grp.Name, grp.Policy, formatList(grp.Members), strconv.Itoa(len(grp.Triggers))})
		}
		return writeTable(os.Stdout, []string{"GROUP", "POLICY", "MEMBERS", "TRIGGERS"}, rows)
	},
}

type scenarioSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Sequences   int      `json:"sequences"`
	Groups      int      `json:"groups"`
	Source      string   `json:"source"`
}

func scenarioSummaries(items []*scenario.Scenario) []scenarioSummary {
	out := make([]scenarioSummary, 0, len(items))
	for _, scn := range items {
		out = append(out, scenarioSummary{
			Name:        scn.Name,
			Description: scn.Description,
			Tags:        scn.Tags,
			Sequences:   len(scn.Sequences),
			Groups:      len(scn.Groups),
			Source:      scn.Source,
		})
	}
	return out
}

type validationResult struct {
	Path  string `json:"path"`
	Name  string `json:"name,omitempty"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func validateScenarioFile(path string) validationResult {
	result := validationResult{Path: path}

	scn, err := scenario.LoadScenario(path)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Name = scn.Name

	if err := checkBuildable(scn, nil); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Valid = true
	return result
}

func scenarioSearchDirs() (string, string) {
	projectDir, err := os.Getwd()
	if err != nil {
		projectDir = ""
	}
	extraDir := ""
	if cfg := GetConfig(); cfg != nil {
		extraDir = cfg.Scenarios.Dir
	}
	return projectDir, extraDir
}

func loadAllScenarios() ([]*scenario.Scenario, error) {
	projectDir, extraDir := scenarioSearchDirs()
	return scenario.LoadFromSearchPaths(projectDir, extraDir)
}

func resolveScenario(ref string) (*scenario.Scenario, error) {
	projectDir, extraDir := scenarioSearchDirs()
	scn, err := scenario.Resolve(ref, projectDir, extraDir)
	if err == nil {
		return scn, nil
	}
	// names are matched exactly first, then without case
	if all, loadErr := scenario.LoadFromSearchPaths(projectDir, extraDir); loadErr == nil {
		if found := findScenarioByName(all, ref); found != nil {
			return found, nil
		}
	}
	return nil, &PreflightError{
		Message:  err.Error(),
		Hint:     "Pass a scenario file path or a name from the search paths",
		NextStep: "sequencer list",
	}
}

func filterScenarios(items []*scenario.Scenario, tags []string) []*scenario.Scenario {
	if len(tags) == 0 {
		return items
	}

	wanted := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		wanted[strings.ToLower(strings.TrimSpace(tag))] = struct{}{}
	}

	out := make([]*scenario.Scenario, 0, len(items))
	for _, scn := range items {
		for _, tag := range scn.Tags {
			if _, ok := wanted[strings.ToLower(tag)]; ok {
				out = append(out, scn)
				break
			}
		}
	}
	return out
}

func findScenarioByName(items []*scenario.Scenario, name string) *scenario.Scenario {
	name = strings.TrimSpace(name)
	for _, scn := range items {
		if strings.EqualFold(scn.Name, name) {
			return scn
		}
	}
	return nil
}

// parseScenarioVars accepts repeated key=value flags, each optionally a
// comma-separated list.
func parseScenarioVars(values []string) (map[string]string, error) {
	vars := make(map[string]string)
	for _, value := range values {
		for _, pair := range strings.Split(value, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			key, val, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("invalid variable %q (want key=value)", pair)
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return nil, fmt.Errorf("invalid variable %q: empty key", pair)
			}
			vars[key] = strings.TrimSpace(val)
		}
	}
	return vars, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
