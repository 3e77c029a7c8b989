package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencode-ai/sequencer/internal/group"
	"gopkg.in/yaml.v3"
)

// ErrUnknownSequence reports a reference to an undeclared sequence.
var ErrUnknownSequence = errors.New("unknown sequence")

// LoadScenario reads a single scenario from disk.
func LoadScenario(path string) (*Scenario, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("scenario path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}

	scn, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	scn.Source = path
	return scn, nil
}

// LoadScenariosFromDir loads all scenarios from a directory. A missing
// directory yields no scenarios.
func LoadScenariosFromDir(dir string) ([]*Scenario, error) {
	if strings.TrimSpace(dir) == "" {
		return []*Scenario{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Scenario{}, nil
		}
		return nil, fmt.Errorf("read scenarios dir %s: %w", dir, err)
	}

	scenarios := make([]*Scenario, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		scn, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, scn)
	}

	sort.Slice(scenarios, func(i, j int) bool {
		return scenarios[i].Name < scenarios[j].Name
	})

	return scenarios, nil
}

// Parse decodes and normalizes a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var scn Scenario
	if err := yaml.Unmarshal(data, &scn); err != nil {
		return nil, err
	}
	if err := normalize(&scn); err != nil {
		return nil, err
	}
	return &scn, nil
}

func normalize(scn *Scenario) error {
	scn.Name = strings.TrimSpace(scn.Name)
	if scn.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	scn.Description = strings.TrimSpace(scn.Description)

	if len(scn.Sequences) == 0 {
		return fmt.Errorf("scenario sequences are required")
	}

	seenVars := make(map[string]struct{})
	for i := range scn.Variables {
		name := strings.TrimSpace(scn.Variables[i].Name)
		if name == "" {
			return fmt.Errorf("scenario variable name is required")
		}
		if _, exists := seenVars[name]; exists {
			return fmt.Errorf("duplicate scenario variable %q", name)
		}
		seenVars[name] = struct{}{}
		scn.Variables[i].Name = name
	}

	seqNames := make(map[string]struct{})
	for i := range scn.Sequences {
		seq := &scn.Sequences[i]
		seq.Name = strings.TrimSpace(seq.Name)
		if seq.Name == "" {
			return fmt.Errorf("sequence %d: name is required", i+1)
		}
		if _, exists := seqNames[seq.Name]; exists {
			return fmt.Errorf("duplicate sequence %q", seq.Name)
		}
		seqNames[seq.Name] = struct{}{}

		if seq.Weight != nil && *seq.Weight < 0 {
			return fmt.Errorf("sequence %q: weight must not be negative", seq.Name)
		}
		for j := range seq.Triggers {
			if err := normalizeTrigger(&seq.Triggers[j]); err != nil {
				return fmt.Errorf("sequence %q trigger %d: %w", seq.Name, j+1, err)
			}
		}
		for j := range seq.Steps {
			if err := normalizeStep(&seq.Steps[j]); err != nil {
				return fmt.Errorf("sequence %q step %d: %w", seq.Name, j+1, err)
			}
		}
	}

	// targets are checked once every name is known
	for _, seq := range scn.Sequences {
		for j, step := range seq.Steps {
			if step.Type != StepTypeSequence {
				continue
			}
			if _, ok := seqNames[step.Target]; !ok {
				return fmt.Errorf("sequence %q step %d: %w %q", seq.Name, j+1, ErrUnknownSequence, step.Target)
			}
		}
	}

	groupNames := make(map[string]struct{})
	for i := range scn.Groups {
		grp := &scn.Groups[i]
		grp.Name = strings.TrimSpace(grp.Name)
		if grp.Name == "" {
			return fmt.Errorf("group %d: name is required", i+1)
		}
		if _, exists := groupNames[grp.Name]; exists {
			return fmt.Errorf("duplicate group %q", grp.Name)
		}
		groupNames[grp.Name] = struct{}{}

		grp.Policy = strings.ToLower(strings.TrimSpace(grp.Policy))
		if grp.Policy == "" {
			return fmt.Errorf("group %q: policy is required", grp.Name)
		}
		if _, err := group.ParsePolicy(grp.Policy); err != nil {
			return fmt.Errorf("group %q: %w", grp.Name, err)
		}
		for j := range grp.Members {
			grp.Members[j] = strings.TrimSpace(grp.Members[j])
			if _, ok := seqNames[grp.Members[j]]; !ok {
				return fmt.Errorf("group %q: %w %q", grp.Name, ErrUnknownSequence, grp.Members[j])
			}
		}
		for j := range grp.Triggers {
			if err := normalizeTrigger(&grp.Triggers[j]); err != nil {
				return fmt.Errorf("group %q trigger %d: %w", grp.Name, j+1, err)
			}
		}
	}

	return nil
}

func normalizeTrigger(t *TriggerSpec) error {
	t.Type = TriggerType(strings.ToLower(strings.TrimSpace(string(t.Type))))
	t.Message = strings.TrimSpace(t.Message)
	t.After = strings.TrimSpace(t.After)
	t.Cron = strings.TrimSpace(t.Cron)

	switch t.Type {
	case TriggerTypeAlways:

	case TriggerTypeMessage:
		if t.Message == "" {
			return fmt.Errorf("message is required")
		}

	case TriggerTypeElapsed:
		if t.After == "" {
			return fmt.Errorf("elapsed after is required")
		}
		if isTemplate(t.After) {
			break
		}
		d, err := time.ParseDuration(t.After)
		if err != nil {
			return fmt.Errorf("invalid elapsed duration: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("elapsed duration must not be negative")
		}

	case TriggerTypeCron:
		if t.Cron == "" {
			return fmt.Errorf("cron expression is required")
		}

	default:
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}

	return nil
}

func normalizeStep(step *StepSpec) error {
	step.Type = StepType(strings.ToLower(strings.TrimSpace(string(step.Type))))
	step.Text = strings.TrimSpace(step.Text)
	step.Message = strings.TrimSpace(step.Message)
	step.Duration = strings.TrimSpace(step.Duration)
	step.Target = strings.TrimSpace(step.Target)

	switch step.Type {
	case StepTypeNoop:

	case StepTypeLog:
		if step.Text == "" {
			return fmt.Errorf("log text is required")
		}
		if len(step.Levels) == 0 {
			step.Levels = []string{"info"}
		}
		for i, level := range step.Levels {
			level = strings.ToLower(strings.TrimSpace(level))
			switch level {
			case "info", "warn", "error":
			case "warning":
				level = "warn"
			default:
				return fmt.Errorf("unknown log level %q", level)
			}
			step.Levels[i] = level
		}

	case StepTypeDelay:
		if step.Duration == "" {
			return fmt.Errorf("delay duration is required")
		}
		if isTemplate(step.Duration) {
			break
		}
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return fmt.Errorf("invalid delay duration: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("delay duration must not be negative")
		}

	case StepTypePublish, StepTypeWait:
		if step.Message == "" {
			return fmt.Errorf("%s message is required", step.Type)
		}

	case StepTypeSequence:
		if step.Target == "" {
			return fmt.Errorf("sequence target is required")
		}

	default:
		return fmt.Errorf("unknown step type %q", step.Type)
	}

	return nil
}

// isTemplate reports whether value is rendered later and can only be
// validated then.
func isTemplate(value string) bool {
	return strings.Contains(value, "{{")
}
