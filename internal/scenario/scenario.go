// Package scenario loads YAML scenario files and builds them into runnable
// sequences and groups.
package scenario

// Scenario is a set of sequences and groups wired by name.
type Scenario struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Variables   []Variable     `yaml:"variables,omitempty"`
	Tags        []string       `yaml:"tags,omitempty"`
	Sequences   []SequenceSpec `yaml:"sequences"`
	Groups      []GroupSpec    `yaml:"groups,omitempty"`
	Source      string         `yaml:"-"` // file path or "builtin"
}

// Variable describes a template variable used in a scenario.
type Variable struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Default     string `yaml:"default,omitempty"`
	Required    bool   `yaml:"required"`
}

// SequenceSpec declares one sequence.
type SequenceSpec struct {
	Name        string        `yaml:"name"`
	Start       bool          `yaml:"start,omitempty"`
	AutoTrigger *bool         `yaml:"auto_trigger,omitempty"`
	Repeatable  bool          `yaml:"repeatable,omitempty"`
	Priority    int           `yaml:"priority,omitempty"`
	Weight      *int          `yaml:"weight,omitempty"`
	Triggers    []TriggerSpec `yaml:"triggers,omitempty"`
	Steps       []StepSpec    `yaml:"steps"`
}

// GroupSpec declares one group over named sequences.
type GroupSpec struct {
	Name     string        `yaml:"name"`
	Policy   string        `yaml:"policy"`
	Members  []string      `yaml:"members"`
	Triggers []TriggerSpec `yaml:"triggers,omitempty"`
}

// TriggerSpec declares a gating condition.
type TriggerSpec struct {
	Type    TriggerType `yaml:"type"`
	Message string      `yaml:"message,omitempty"`
	After   string      `yaml:"after,omitempty"`
	Cron    string      `yaml:"cron,omitempty"`
}

// StepSpec declares one action. Order defaults to the step's index.
type StepSpec struct {
	Type     StepType `yaml:"type"`
	Order    *int     `yaml:"order,omitempty"`
	Wait     *bool    `yaml:"wait,omitempty"`
	Text     string   `yaml:"text,omitempty"`
	Levels   []string `yaml:"levels,omitempty"`
	Message  string   `yaml:"message,omitempty"`
	Duration string   `yaml:"duration,omitempty"`
	Target   string   `yaml:"target,omitempty"`
	Force    bool     `yaml:"force,omitempty"`
}

// TriggerType defines the kind of trigger.
type TriggerType string

const (
	TriggerTypeAlways  TriggerType = "always"
	TriggerTypeMessage TriggerType = "message"
	TriggerTypeElapsed TriggerType = "elapsed"
	TriggerTypeCron    TriggerType = "cron"
)

// StepType defines the kind of step.
type StepType string

const (
	StepTypeNoop     StepType = "noop"
	StepTypeLog      StepType = "log"
	StepTypeDelay    StepType = "delay"
	StepTypePublish  StepType = "publish"
	StepTypeWait     StepType = "wait"
	StepTypeSequence StepType = "sequence"
)

// Sequence returns the named sequence spec, or nil.
func (s *Scenario) Sequence(name string) *SequenceSpec {
	for i := range s.Sequences {
		if s.Sequences[i].Name == name {
			return &s.Sequences[i]
		}
	}
	return nil
}
