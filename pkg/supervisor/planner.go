package supervisor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/loomworks/loom/pkg/scheduler"
)

// PlanStep is one step of a generated plan.
type PlanStep struct {
	Label         string `json:"label"`
	Agent         string `json:"agent"`
	Goal          string `json:"goal"`
	NeedsApproval bool   `json:"needs_approval,omitempty"`
}

// Plan is the planner's output, bridged into the DAG as a sequential chain
// after the planning node.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

func plannerPrompt(task string) string {
	return fmt.Sprintf(`Break the following task into a short sequence of steps.

Task: %s

Respond with a JSON object of this shape and nothing else:
{"steps": [{"label": "step_1", "agent": "<persona>", "goal": "<what this step must produce>", "needs_approval": false}]}

Mark a step with "needs_approval": true if it performs an action a human
should sign off on before it runs.`, task)
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\n(.*?)```")

// parsePlan extracts the plan JSON from a planner response. Responses that
// do not contain a usable plan are logic errors: the scheduler grants them
// one adaptive retry with the parse failure fed back.
func parsePlan(response string) (*Plan, error) {
	raw := response
	if m := fencedJSONRe.FindStringSubmatch(response); m != nil {
		raw = m[1]
	} else if start := strings.Index(response, "{"); start >= 0 {
		if end := strings.LastIndex(response, "}"); end > start {
			raw = response[start : end+1]
		}
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, &scheduler.LogicError{Reason: fmt.Sprintf("plan is not valid JSON: %v", err)}
	}
	if len(plan.Steps) == 0 {
		return nil, &scheduler.LogicError{Reason: "plan contains no steps"}
	}
	for i := range plan.Steps {
		if plan.Steps[i].Label == "" {
			plan.Steps[i].Label = fmt.Sprintf("step_%d", i+1)
		}
		if plan.Steps[i].Goal == "" {
			return nil, &scheduler.LogicError{Reason: fmt.Sprintf("plan step %d has no goal", i+1)}
		}
	}
	return &plan, nil
}
