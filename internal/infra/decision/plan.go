package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"mcproute/internal/domain"
)

const (
	maxWorkflowName = 48
	workflowSuffix  = "_workflow"
	defaultWorkflow = "workflow_plan"
)

var errNoJSONObject = errors.New("no JSON object in response")

// parsePlan decodes the planner's reply and normalizes it against the discovered tools.
// A feasible plan that references a tool outside known is an error.
func parsePlan(content, userRequest string, known map[string]domain.BackendTool) (*domain.WorkflowPlan, error) {
	var plan domain.WorkflowPlan
	if err := decodeObject(content, &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	normalizePlan(&plan)
	finalizePlan(&plan, userRequest)
	if !plan.IsFeasible {
		return &plan, nil
	}
	if len(plan.Steps) == 0 {
		return nil, errors.New("feasible plan has no steps")
	}
	if err := resolvePlanTools(&plan, known); err != nil {
		return nil, err
	}
	plan.NeedsOrchestration = plan.NeedsOrchestration || len(plan.Steps) > 1
	if plan.Confidence < 0 || plan.Confidence > 1 {
		plan.Confidence = 0
	}
	return &plan, nil
}

// decodeObject unmarshals the reply as-is, then retries on the outermost {...} block.
func decodeObject(content string, out any) error {
	cleaned := stripCodeFences(content)
	primary := json.Unmarshal([]byte(cleaned), out)
	if primary == nil {
		return nil
	}
	snippet, ok := outermostJSON(cleaned)
	if !ok {
		return fmt.Errorf("%w: %v", errNoJSONObject, primary)
	}
	if err := json.Unmarshal([]byte(snippet), out); err != nil {
		return fmt.Errorf("primary: %v, fallback: %w", primary, err)
	}
	return nil
}

func normalizePlan(plan *domain.WorkflowPlan) {
	steps := make([]domain.PlanStep, 0, len(plan.Steps))
	renumbered := make(map[int]int, len(plan.Steps))
	for _, step := range plan.Steps {
		step.Tool = strings.TrimSpace(step.Tool)
		if step.Tool == "" {
			continue
		}
		next := len(steps) + 1
		if _, seen := renumbered[step.Step]; !seen && step.Step > 0 {
			renumbered[step.Step] = next
		}
		step.Step = next
		step.Description = strings.TrimSpace(step.Description)
		if step.Description == "" {
			step.Description = "Call " + step.Tool
		}
		steps = append(steps, step)
	}
	// Dependencies still hold the planner's numbering at this point.
	for i := range steps {
		deps := make([]int, 0, len(steps[i].Dependencies))
		seen := make(map[int]struct{}, len(steps[i].Dependencies))
		for _, dep := range steps[i].Dependencies {
			mapped, ok := renumbered[dep]
			if !ok || mapped == steps[i].Step {
				continue
			}
			if _, dup := seen[mapped]; dup {
				continue
			}
			seen[mapped] = struct{}{}
			deps = append(deps, mapped)
		}
		sort.Ints(deps)
		steps[i].Dependencies = deps
	}
	plan.Steps = steps

	params := make([]domain.InputParam, 0, len(plan.InputParams))
	seen := make(map[string]struct{}, len(plan.InputParams))
	for _, param := range plan.InputParams {
		param.Name = strings.TrimSpace(param.Name)
		if param.Name == "" {
			continue
		}
		key := strings.ToLower(param.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		param.Type = sanitizeParamType(param.Type)
		param.Description = strings.TrimSpace(param.Description)
		if param.Description == "" {
			param.Description = "Input for " + param.Name
		}
		params = append(params, param)
	}
	plan.InputParams = params
}

func finalizePlan(plan *domain.WorkflowPlan, userRequest string) {
	name := snakeCase(plan.SuggestedName)
	if name == "" {
		name = snakeCase(userRequest)
	}
	plan.SuggestedName = workflowName(name)

	plan.Description = strings.TrimSpace(plan.Description)
	if plan.Description == "" {
		plan.Description = "Workflow for " + strings.TrimSpace(userRequest)
	}
	plan.Reason = strings.TrimSpace(plan.Reason)
	if !plan.IsFeasible && plan.Reason == "" {
		plan.Reason = "the planner marked the request as infeasible"
	}
}

// resolvePlanTools qualifies bare tool names that are unique across servers and rejects
// anything the pool has not discovered.
func resolvePlanTools(plan *domain.WorkflowPlan, known map[string]domain.BackendTool) error {
	byName := make(map[string][]string, len(known))
	for qualified, tool := range known {
		byName[tool.Name] = append(byName[tool.Name], qualified)
	}
	for i, step := range plan.Steps {
		if _, ok := known[step.Tool]; ok {
			continue
		}
		if matches := byName[step.Tool]; len(matches) == 1 {
			plan.Steps[i].Tool = matches[0]
			continue
		}
		return fmt.Errorf("plan step %d references unknown tool %q", step.Step, step.Tool)
	}
	return nil
}

func sanitizeParamType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "number", "integer", "float":
		return "number"
	case "boolean", "bool":
		return "boolean"
	case "object":
		return "object"
	case "array", "list":
		return "array"
	default:
		return "string"
	}
}

func stripCodeFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")[1:]
	if n := len(lines); n > 0 && strings.Trim(strings.TrimSpace(lines[n-1]), "`") == "" {
		lines = lines[:n-1]
	}
	body := strings.TrimSpace(strings.Join(lines, "\n"))
	return strings.TrimSpace(strings.TrimRight(body, "`"))
}

// outermostJSON returns the first balanced {...} block. Braces inside strings are not special-cased.
func outermostJSON(text string) (string, bool) {
	depth, start := 0, -1
	for i, ch := range text {
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func snakeCase(value string) string {
	var sb strings.Builder
	lastUnderscore := true
	for _, ch := range value {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
			sb.WriteRune(ch)
			lastUnderscore = false
		case ch >= 'A' && ch <= 'Z':
			sb.WriteRune(ch + ('a' - 'A'))
			lastUnderscore = false
		case !lastUnderscore:
			sb.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(sb.String(), "_")
}

// workflowName bounds name to 48 characters ending in "_workflow".
func workflowName(name string) string {
	if name == "" {
		return defaultWorkflow
	}
	if strings.HasSuffix(name, workflowSuffix) && len(name) <= maxWorkflowName {
		return name
	}
	name = strings.TrimSuffix(name, workflowSuffix)
	if limit := maxWorkflowName - len(workflowSuffix); len(name) > limit {
		name = strings.TrimRight(name[:limit], "_")
	}
	if name == "" {
		return defaultWorkflow
	}
	return name + workflowSuffix
}

// numberedWorkflowName derives the n-th alternative to a workflow name, such as
// "git_report_2_workflow", still bounded to 48 characters.
func numberedWorkflowName(name string, n int) string {
	suffix := fmt.Sprintf("_%d%s", n, workflowSuffix)
	stem := strings.TrimSuffix(workflowName(name), workflowSuffix)
	if limit := maxWorkflowName - len(suffix); len(stem) > limit {
		stem = strings.TrimRight(stem[:limit], "_")
	}
	return stem + suffix
}

// parseArguments extracts a JSON object of tool arguments. Non-object replies are wrapped as {"value": ...}.
func parseArguments(content string) (map[string]any, error) {
	var raw any
	if err := decodeObject(content, &raw); err != nil {
		return nil, err
	}
	return normalizeArguments(raw), nil
}

func normalizeArguments(value any) map[string]any {
	switch v := value.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case string:
		var nested map[string]any
		if err := json.Unmarshal([]byte(v), &nested); err == nil && nested != nil {
			return nested
		}
		return map[string]any{"value": v}
	default:
		return map[string]any{"value": v}
	}
}
