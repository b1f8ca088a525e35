package domain

type PlanStep struct {
	Step         int    `json:"step"`
	Tool         string `json:"tool"`
	Description  string `json:"description"`
	Dependencies []int  `json:"dependencies,omitempty"`
}

type InputParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// WorkflowPlan is the normalized result of the planning prompt.
type WorkflowPlan struct {
	IsFeasible         bool           `json:"is_feasible"`
	Reason             string         `json:"reason,omitempty"`
	SuggestedName      string         `json:"suggested_name,omitempty"`
	Description        string         `json:"description,omitempty"`
	Steps              []PlanStep     `json:"steps"`
	InputParams        []InputParam   `json:"input_params"`
	NeedsOrchestration bool           `json:"needs_orchestration"`
	Arguments          map[string]any `json:"arguments,omitempty"`
	Confidence         float64        `json:"confidence,omitempty"`
}

// Tools returns the distinct "server::tool" references in step order.
func (p *WorkflowPlan) Tools() []string {
	if p == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(p.Steps))
	out := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		if _, ok := seen[step.Tool]; ok {
			continue
		}
		seen[step.Tool] = struct{}{}
		out = append(out, step.Tool)
	}
	return out
}
