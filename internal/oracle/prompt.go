package oracle

import (
	"fmt"
	"sort"
	"strings"
)

// maxArtifactChars bounds each artifact's share of the prompt.
const maxArtifactChars = 4000

const systemPrompt = `You are the planning step of a multi-agent software project. After each
task finishes you decide exactly one of:

- "new_task": the goal is not met; propose the single most useful next task.
- "escalate": progress needs a human (conflicting requirements, repeated
  failure, missing access, or you are unsure).
- "complete": the goal is fully met.

Respond with ONLY a JSON object:
{
  "action": "new_task" | "escalate" | "complete",
  "reasoning": "one or two sentences",
  "confidence": 0.0-1.0,
  "proximity": 0.0-1.0,
  "next_task": {"type": "...", "description": "...", "role": "...", "priority": 0},
  "escalation_reason": "..."
}

"proximity" estimates how close the project is to its goal. "next_task" is
required for new_task and must use one of the available roles.
"escalation_reason" is required for escalate.`

// SystemPrompt returns the fixed instructions sent with every decision.
func SystemPrompt() string { return systemPrompt }

// Render builds the user message for p.
func Render(p Prompt) string {
	var b strings.Builder

	fmt.Fprintf(&b, "PROJECT: %s\n", p.ProjectID)
	fmt.Fprintf(&b, "GOAL: %s\n", p.Goal)
	if p.Phase != "" {
		fmt.Fprintf(&b, "PHASE: %s\n", p.Phase)
	}
	if len(p.Roles) > 0 {
		roles := make([]string, len(p.Roles))
		for i, r := range p.Roles {
			roles[i] = string(r)
		}
		sort.Strings(roles)
		fmt.Fprintf(&b, "AVAILABLE ROLES: %s\n", strings.Join(roles, ", "))
	}

	if t := p.Task; t != nil {
		b.WriteString("\nCOMPLETED TASK:\n")
		fmt.Fprintf(&b, "- id: %s\n- type: %s\n- role: %s\n- description: %s\n", t.ID, t.Type, t.Role, t.Description)
		if r := t.Result; r != nil {
			fmt.Fprintf(&b, "- success: %t\n", r.Success)
			if len(r.Steps) > 0 {
				fmt.Fprintf(&b, "- steps: %s\n", strings.Join(r.Steps, "; "))
			}
			if r.Error != "" {
				fmt.Fprintf(&b, "- error: %s\n", clip(r.Error, 500))
			}
		}
	}

	if len(p.History) > 0 {
		b.WriteString("\nRECENT TASKS (most recent first):\n")
		for i, h := range p.History {
			status := "failed"
			if h.Success {
				status = "succeeded"
			}
			fmt.Fprintf(&b, "%d. [%s] %s (%s, %s)", i+1, h.TaskID, h.Description, h.Role, status)
			if h.Summary != "" {
				fmt.Fprintf(&b, ": %s", h.Summary)
			}
			b.WriteString("\n")
		}
	}

	if len(p.Artifacts) > 0 {
		b.WriteString("\nARTIFACTS:\n")
		for _, a := range p.Artifacts {
			if a.Missing {
				fmt.Fprintf(&b, "--- %s (unavailable)\n", a.Path)
				continue
			}
			fmt.Fprintf(&b, "--- %s\n%s\n", a.Path, clip(a.Content, maxArtifactChars))
		}
	}

	b.WriteString("\nDecide the next step.")
	return b.String()
}
