package agent

import (
	"strconv"
	"strings"
)

// Plan is what the planner produces for one user message: an ordered list
// of steps plus an optional direct reply for messages that need no tools.
type Plan struct {
	Goal  string `json:"goal,omitempty"`
	Steps []Step `json:"steps,omitempty"`
	Reply string `json:"reply,omitempty"`
}

// Step is one unit of work. A step with a tool id invokes that tool; a step
// without one only records its thought. DependsOn names step ids that must
// complete successfully first.
type Step struct {
	ID        string         `json:"id,omitempty"`
	Thought   string         `json:"thought,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	DependsOn []string       `json:"dependsOn,omitempty"`
}

// toolAliases maps legacy and model-invented tool ids onto the registered
// builtins. Normalization happens before execution so old plans keep
// working.
var toolAliases = map[string]string{
	"filesystem.read":  "fs.read",
	"filesystem.write": "fs.write",
	"filesystem.list":  "fs.list",
	"file.read":        "fs.read",
	"file.write":       "fs.write",
	"file.list":        "fs.list",
	"shell.run":        "system.run",
	"shell.exec":       "system.run",
	"exec.run":         "system.run",
	"terminal.run":     "system.run",
	"web.fetch":        "http.fetch",
	"http.get":         "http.fetch",
	"url.fetch":        "http.fetch",
}

// NormalizeToolID lowercases a tool id and resolves known aliases.
func NormalizeToolID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if canonical, ok := toolAliases[id]; ok {
		return canonical
	}
	return id
}

// normalize fills in step ids, resolves tool aliases, and drops empty steps.
func (p *Plan) normalize() {
	steps := p.Steps[:0]
	for i := range p.Steps {
		step := p.Steps[i]
		step.Tool = NormalizeToolID(step.Tool)
		if step.Tool == "" && strings.TrimSpace(step.Thought) == "" {
			continue
		}
		if step.ID == "" {
			step.ID = stepID(len(steps))
		}
		steps = append(steps, step)
	}
	p.Steps = steps
}

func stepID(index int) string {
	return "step-" + strconv.Itoa(index+1)
}
