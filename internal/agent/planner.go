package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/moonbotlabs/moonbot/internal/observability"
	"github.com/moonbotlabs/moonbot/internal/tools"
	"github.com/moonbotlabs/moonbot/internal/tools/toolschema"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

// DefaultMaxSteps caps how many steps a single plan may carry.
const DefaultMaxSteps = 8

// historyTail is how many trailing conversation messages ride along in the
// planning prompt.
const historyTail = 6

// PlannerOptions configures a Planner.
type PlannerOptions struct {
	// Provider answers planning prompts. Nil selects the deterministic
	// keyword planner, which also backstops provider failures.
	Provider Provider

	// Registry supplies the tool catalog for the prompt.
	Registry *tools.Registry

	// WorkspaceRoot is described to the model so paths stay inside it.
	WorkspaceRoot string

	// MaxSteps caps plan length. Zero means DefaultMaxSteps.
	MaxSteps int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Planner turns one user message into a Plan.
type Planner struct {
	provider Provider
	registry *tools.Registry
	root     string
	maxSteps int
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewPlanner builds a Planner. Zero option fields fall back to defaults.
func NewPlanner(opts PlannerOptions) *Planner {
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Planner{
		provider: opts.Provider,
		registry: opts.Registry,
		root:     opts.WorkspaceRoot,
		maxSteps: opts.MaxSteps,
		logger:   opts.Logger.With("component", "planner"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
}

// Plan produces a plan for message. With a provider it asks the model and
// parses the response; without one, or when the provider fails, it falls
// back to the deterministic keyword planner. Plan never fails: a message it
// cannot act on becomes a reply-only plan.
func (p *Planner) Plan(ctx context.Context, message string, history []models.Message, userID string) (*Plan, error) {
	if p.provider == nil {
		plan := keywordPlan(message)
		p.count("none", "fallback")
		return p.finish(plan), nil
	}

	name := p.provider.Name()
	if p.tracer != nil {
		spanCtx, span := p.tracer.StartPlan(ctx, name)
		defer span.End()
		ctx = spanCtx
	}

	completion, err := p.provider.Complete(ctx, &CompletionRequest{
		System:      p.systemPrompt(userID),
		Messages:    promptMessages(history, message),
		MaxTokens:   2048,
		Temperature: 0.1,
	})
	if err != nil {
		p.count(name, "error")
		p.logger.Warn("provider call failed, planning from keywords",
			"provider", name, "error", err)
		return p.finish(keywordPlan(message)), nil
	}

	plan, path := parsePlanText(completion.Text)
	if plan == nil {
		// No structure at all: the model answered in prose, so that prose
		// is the reply.
		plan = &Plan{Reply: strings.TrimSpace(completion.Text)}
		path = "reply"
	}
	p.count(name, path)
	p.logger.Debug("plan produced",
		"provider", name, "path", path, "steps", len(plan.Steps),
		"inputTokens", completion.InputTokens, "outputTokens", completion.OutputTokens)
	return p.finish(plan), nil
}

// finish normalizes and bounds a plan.
func (p *Planner) finish(plan *Plan) *Plan {
	plan.normalize()
	if len(plan.Steps) > p.maxSteps {
		p.logger.Warn("plan truncated", "steps", len(plan.Steps), "max", p.maxSteps)
		plan.Steps = plan.Steps[:p.maxSteps]
	}
	return plan
}

func (p *Planner) count(provider, path string) {
	if p.metrics != nil {
		p.metrics.PlannerCalls.WithLabelValues(provider, path).Inc()
	}
}

func (p *Planner) systemPrompt(userID string) string {
	var b strings.Builder
	b.WriteString("You are Moonbot, a local-first assistant that plans tool use for chat requests.\n\n")
	b.WriteString(toolschema.RenderCatalog(p.registry.List()))
	b.WriteString("\nSafety rules:\n")
	b.WriteString("- Use only the tools listed above; never invent tool ids.\n")
	b.WriteString("- Never read or write outside the workspace root.\n")
	b.WriteString("- Tools marked \"requires approval\" pause until a human approves them.\n")
	b.WriteString("- Do not plan destructive commands the user did not explicitly ask for.\n")
	if p.root != "" {
		fmt.Fprintf(&b, "\nWorkspace root: %s\n", p.root)
	}
	if userID != "" {
		fmt.Fprintf(&b, "User: %s\n", userID)
	}
	b.WriteString("\nRespond with one JSON object and nothing else:\n")
	b.WriteString(`{"goal":"...","steps":[{"id":"step-1","thought":"...","tool":"fs.read","input":{"path":"..."},"dependsOn":[]}],"reply":"..."}`)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Use \"reply\" alone for answers that need no tools. At most %d steps.\n", p.maxSteps)
	return b.String()
}

// promptMessages folds the trailing conversation plus the new message into
// provider turns. Only user and assistant entries travel; internal thought
// and tool records stay local.
func promptMessages(history []models.Message, message string) []PromptMessage {
	start := 0
	if len(history) > historyTail {
		start = len(history) - historyTail
	}
	out := make([]PromptMessage, 0, len(history)-start+1)
	for _, msg := range history[start:] {
		switch msg.Type {
		case models.MessageUser:
			out = append(out, PromptMessage{Role: RoleUser, Content: msg.Content})
		case models.MessageAssistant:
			out = append(out, PromptMessage{Role: RoleAssistant, Content: msg.Content})
		}
	}
	return append(out, PromptMessage{Role: RoleUser, Content: message})
}

// parsePlanText tries the strict JSON shape first, then the legacy line
// markup. It returns the parse path taken for metrics.
func parsePlanText(text string) (*Plan, string) {
	if plan, ok := parseJSONPlan(text); ok {
		return plan, "json"
	}
	if plan, ok := parseMarkupPlan(text); ok {
		return plan, "markup"
	}
	return nil, ""
}

// planJSON tolerates the field drift models produce: tool/toolId and
// input/args are both accepted.
type planJSON struct {
	Goal  string     `json:"goal"`
	Reply string     `json:"reply"`
	Steps []stepJSON `json:"steps"`
}

type stepJSON struct {
	ID        string         `json:"id"`
	Thought   string         `json:"thought"`
	Tool      string         `json:"tool"`
	ToolID    string         `json:"toolId"`
	Input     map[string]any `json:"input"`
	Args      map[string]any `json:"args"`
	DependsOn []string       `json:"dependsOn"`
}

func parseJSONPlan(text string) (*Plan, bool) {
	candidate, ok := extractJSONObject(text)
	if !ok {
		return nil, false
	}
	var raw planJSON
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return nil, false
	}
	if len(raw.Steps) == 0 && raw.Reply == "" {
		return nil, false
	}

	plan := &Plan{Goal: raw.Goal, Reply: raw.Reply}
	for _, s := range raw.Steps {
		tool := s.Tool
		if tool == "" {
			tool = s.ToolID
		}
		input := s.Input
		if input == nil {
			input = s.Args
		}
		plan.Steps = append(plan.Steps, Step{
			ID:        s.ID,
			Thought:   s.Thought,
			Tool:      tool,
			Input:     input,
			DependsOn: s.DependsOn,
		})
	}
	return plan, true
}

// extractJSONObject pulls the first JSON object out of model text, preferring
// a fenced code block.
func extractJSONObject(text string) (string, bool) {
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			candidate := strings.TrimSpace(rest[:j])
			if strings.HasPrefix(candidate, "{") {
				return candidate, true
			}
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1], true
	}
	return "", false
}

// parseMarkupPlan reads the legacy line format, one step per line:
//
//	>>fs.write path="notes.txt" content="hello" createDirs=true
//	>>system.run argv=["ls","-la"] timeoutMs=5000
func parseMarkupPlan(text string) (*Plan, bool) {
	var steps []Step
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, ">>") {
			continue
		}
		fields := splitMarkupFields(strings.TrimSpace(line[2:]))
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		input := map[string]any{}
		for _, field := range fields[1:] {
			key, value, ok := strings.Cut(field, "=")
			if !ok || key == "" {
				continue
			}
			input[key] = coerceMarkupValue(value)
		}
		steps = append(steps, Step{Tool: fields[0], Input: input})
	}
	if len(steps) == 0 {
		return nil, false
	}
	return &Plan{Steps: steps}, true
}

// splitMarkupFields splits on spaces outside quotes, brackets, and braces.
func splitMarkupFields(s string) []string {
	var fields []string
	var b strings.Builder
	depth := 0
	inQuote := false
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case inQuote && r == '\\':
			b.WriteRune(r)
			escaped = true
		case r == '"':
			b.WriteRune(r)
			inQuote = !inQuote
		case inQuote:
			b.WriteRune(r)
		case r == '[' || r == '{':
			depth++
			b.WriteRune(r)
		case r == ']' || r == '}':
			depth--
			b.WriteRune(r)
		case r == ' ' && depth == 0:
			if b.Len() > 0 {
				fields = append(fields, b.String())
				b.Reset()
			}
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		fields = append(fields, b.String())
	}
	return fields
}

// coerceMarkupValue maps markup literals onto decoded-JSON value shapes.
func coerceMarkupValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if len(raw) >= 2 && strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) {
		if s, err := strconv.Unquote(raw); err == nil {
			return s
		}
		return strings.Trim(raw, `"`)
	}
	if strings.HasPrefix(raw, "[") || strings.HasPrefix(raw, "{") {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v
		}
		return raw
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// keywordPlan is the deterministic no-provider planner. It recognizes a few
// unambiguous file and fetch phrasings and otherwise answers with a reply
// that says what it can do. It never guesses a command line.
func keywordPlan(message string) *Plan {
	lower := strings.ToLower(message)

	if url := extractURL(message); url != "" &&
		containsAny(lower, "fetch", "get", "download", "check") {
		return &Plan{
			Goal: "fetch a URL",
			Steps: []Step{{
				Thought: "Fetching " + url,
				Tool:    "http.fetch",
				Input:   map[string]any{"url": url},
			}},
		}
	}

	path := extractPath(message)
	switch {
	case containsAny(lower, "list", "ls ", "what files", "show files", "directory"):
		input := map[string]any{"path": "."}
		if path != "" {
			input["path"] = path
		}
		return &Plan{
			Goal:  "list workspace files",
			Steps: []Step{{Thought: "Listing files", Tool: "fs.list", Input: input}},
		}
	case path != "" && containsAny(lower, "read", "open", "show", "cat", "print"):
		return &Plan{
			Goal:  "read a file",
			Steps: []Step{{Thought: "Reading " + path, Tool: "fs.read", Input: map[string]any{"path": path}}},
		}
	case containsAny(lower, "run", "execute", "exec"):
		return &Plan{Reply: "I can run commands, but I need the exact command line to execute. " +
			"No language model is configured, so I cannot infer one from the request."}
	}

	return &Plan{Reply: "No language model is configured. I can still read, write, and list " +
		"workspace files, fetch URLs, and run approved commands when asked explicitly."}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// extractPath finds the first token that looks like a relative file path.
func extractPath(message string) string {
	for _, field := range strings.Fields(message) {
		token := strings.Trim(field, "`'\",?!:;")
		if token == "" || strings.HasPrefix(token, "-") || strings.Contains(token, "://") {
			continue
		}
		// A trailing period is a sentence end, not part of the name.
		token = strings.TrimSuffix(token, ".")
		if token == "" {
			continue
		}
		if strings.Contains(token, "/") || strings.Contains(token, ".") {
			return token
		}
	}
	return ""
}

// extractURL finds the first http(s) URL in the message.
func extractURL(message string) string {
	for _, field := range strings.Fields(message) {
		token := strings.Trim(field, "`'\",.?!:;<>()")
		if strings.HasPrefix(token, "http://") || strings.HasPrefix(token, "https://") {
			return token
		}
	}
	return ""
}
