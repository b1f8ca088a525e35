package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"mcproute/internal/domain"
	"mcproute/internal/infra/script"
)

// buildPlanningPrompt asks for a feasibility verdict and a step plan over the candidate tools.
func buildPlanningPrompt(userRequest string, candidates []domain.BackendTool) string {
	var sb strings.Builder
	sb.WriteString("You are the workflow planner of an MCP routing gateway. ")
	sb.WriteString("Decide whether the user request can be accomplished with the available MCP tools.\n\n")
	sb.WriteString("## User request\n")
	sb.WriteString(strings.TrimSpace(userRequest))
	sb.WriteString("\n\n## Available MCP tools\n")
	writeTools(&sb, candidates)
	sb.WriteString(`
## Task
1. Determine whether the request is feasible with the tools above.
2. If it is, plan the workflow step by step. Reference tools as "server::tool".
3. If it is not, explain why in "reason".
Set "needs_orchestration" to true when results must be transformed or aggregated, or when the
workflow needs conditional or looping logic. For a single-step plan, put the arguments for that
call in "arguments".

## Output format (JSON only)
{
  "is_feasible": true,
  "reason": "explanation if not feasible",
  "suggested_name": "snake_case_workflow_name",
  "description": "what the workflow does",
  "steps": [
    {"step": 1, "tool": "server::tool_name", "description": "what this step does", "dependencies": []},
    {"step": 2, "tool": "server::tool_name", "description": "what this step does", "dependencies": [1]}
  ],
  "input_params": [
    {"name": "param_name", "type": "string", "description": "what it is for", "required": true}
  ],
  "needs_orchestration": false,
  "arguments": {},
  "confidence": 0.9
}
`)
	return sb.String()
}

// buildCodegenPrompt asks for the workflow source of a feasible plan.
func buildCodegenPrompt(plan *domain.WorkflowPlan) string {
	steps, err := json.MarshalIndent(plan.Steps, "", "  ")
	if err != nil {
		steps = []byte("[]")
	}
	var sb strings.Builder
	sb.WriteString("You generate JavaScript workflows for an MCP routing gateway.\n\n")
	sb.WriteString("## Workflow plan\n")
	fmt.Fprintf(&sb, "Name: %s\nDescription: %s\nSteps:\n%s\n", plan.SuggestedName, plan.Description, steps)
	if len(plan.InputParams) > 0 {
		sb.WriteString("\n## Input parameters\n")
		for _, param := range plan.InputParams {
			required := "optional"
			if param.Required {
				required = "required"
			}
			fmt.Fprintf(&sb, "- input.%s (%s, %s): %s\n", param.Name, param.Type, required, param.Description)
		}
	}
	sb.WriteString("\n## Bridge functions\n")
	for _, qualified := range plan.Tools() {
		server, tool, _ := domain.SplitQualified(qualified)
		fmt.Fprintf(&sb, "- await %s(args) calls %s\n", script.BridgeName(server, tool), qualified)
	}
	sb.WriteString(`
Each bridge takes one object argument (use {} when no arguments are needed) and returns a Promise
of the tool's result. mcp.call("server::tool", args) is equivalent, for the tools listed above only.

## Requirements
1. Define exactly one top-level function: async function workflow(input).
2. Read parameters from input, for example input.repo_path.
3. Call tools only through the bridge functions or mcp.call.
4. Handle failures with try/catch and throw errors with clear messages.
5. Return a JSON-serializable result object.
6. Do not use eval, Function, require, import, fetch, process, globalThis or prototype tricks.

## Output
Only the JavaScript source. No markdown and no explanation.
`)
	return sb.String()
}

// buildArgumentsPrompt asks for call arguments for one tool, used when a query-mode route runs immediately.
func buildArgumentsPrompt(userRequest string, tool domain.BackendTool) string {
	var sb strings.Builder
	sb.WriteString("Extract the arguments for an MCP tool call from the user request.\n\n")
	sb.WriteString("## User request\n")
	sb.WriteString(strings.TrimSpace(userRequest))
	sb.WriteString("\n\n## Tool\n")
	writeTools(&sb, []domain.BackendTool{tool})
	sb.WriteString("\nRespond with a single JSON object holding the arguments, and nothing else. Use {} when none apply.\n")
	return sb.String()
}

func writeTools(sb *strings.Builder, tools []domain.BackendTool) {
	if len(tools) == 0 {
		sb.WriteString("No tools are available.\n")
		return
	}
	for i, tool := range tools {
		description := tool.Description
		if description == "" {
			description = "No description provided"
		}
		fmt.Fprintf(sb, "%d. %s\n   Description: %s\n", i+1, tool.QualifiedName(), description)
		if len(tool.InputSchema) > 0 {
			fmt.Fprintf(sb, "   Schema: %s\n", tool.InputSchema)
		}
	}
}
