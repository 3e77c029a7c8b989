package scenario

import (
	"fmt"
	"strings"
	"text/template"
)

// Render returns a copy of scn with variables applied to every message
// name, log text, duration and cron expression. Missing variables take
// their defaults; a missing required variable is an error.
func Render(scn *Scenario, vars map[string]string) (*Scenario, error) {
	if scn == nil {
		return nil, fmt.Errorf("scenario is required")
	}

	data := make(map[string]string, len(vars))
	for key, value := range vars {
		data[key] = value
	}

	for _, variable := range scn.Variables {
		value := strings.TrimSpace(data[variable.Name])
		if value == "" {
			if variable.Default != "" {
				data[variable.Name] = variable.Default
				continue
			}
			if variable.Required {
				return nil, fmt.Errorf("missing required variable %q", variable.Name)
			}
		}
	}

	out := *scn
	r := renderer{name: scn.Name, data: data}

	out.Sequences = make([]SequenceSpec, len(scn.Sequences))
	for i, seq := range scn.Sequences {
		seq.Triggers = r.triggers(seq.Triggers)
		seq.Steps = append([]StepSpec(nil), seq.Steps...)
		for j := range seq.Steps {
			step := &seq.Steps[j]
			step.Text = r.text(step.Text)
			step.Message = r.text(step.Message)
			step.Duration = r.text(step.Duration)
			step.Levels = append([]string(nil), step.Levels...)
		}
		if r.err != nil {
			return nil, fmt.Errorf("render scenario %q sequence %q: %w", scn.Name, seq.Name, r.err)
		}
		out.Sequences[i] = seq
	}

	out.Groups = make([]GroupSpec, len(scn.Groups))
	for i, grp := range scn.Groups {
		grp.Members = append([]string(nil), grp.Members...)
		grp.Triggers = r.triggers(grp.Triggers)
		if r.err != nil {
			return nil, fmt.Errorf("render scenario %q group %q: %w", scn.Name, grp.Name, r.err)
		}
		out.Groups[i] = grp
	}

	return &out, nil
}

// renderer keeps the first error so call sites stay flat.
type renderer struct {
	name string
	data map[string]string
	err  error
}

func (r *renderer) text(content string) string {
	if r.err != nil || !isTemplate(content) {
		return content
	}
	out, err := renderText(r.name, content, r.data)
	if err != nil {
		r.err = err
		return content
	}
	return strings.TrimSpace(out)
}

func (r *renderer) triggers(in []TriggerSpec) []TriggerSpec {
	out := append([]TriggerSpec(nil), in...)
	for i := range out {
		out[i].Message = r.text(out[i].Message)
		out[i].After = r.text(out[i].After)
		out[i].Cron = r.text(out[i].Cron)
	}
	return out
}

func renderText(name, content string, data map[string]string) (string, error) {
	parsed, err := template.New(name).
		Funcs(template.FuncMap{"default": defaultValue}).
		Option("missingkey=zero").
		Parse(content)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", name, err)
	}

	var out strings.Builder
	if err := parsed.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", name, err)
	}

	return out.String(), nil
}

func defaultValue(def string, value any) string {
	if value == nil {
		return def
	}

	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	default:
		text := strings.TrimSpace(fmt.Sprint(v))
		if text == "" {
			return def
		}
		return text
	}
}
