package agent

import (
	"fmt"

	"github.com/clawinfra/opsclaw/internal/types"
)

// explain renders a completed cycle as one human sentence. The proof log
// carries the machine-readable trail; this string is for operators reading
// the status API.
func explain(entity string, d types.Decision, outcome types.ExecutionOutcome) string {
	if outcome.Observed {
		return fmt.Sprintf("Observed %s without acting: %s.", entity, d.Reason)
	}
	switch outcome.Result.Status {
	case types.ExecExecuted:
		stability := "system stable"
		if !outcome.SystemStable {
			stability = "system not confirmed stable"
		}
		return fmt.Sprintf("Executed %s on %s (confidence %.2f, source %s); %s.",
			d.Action, entity, d.Confidence, d.Source, stability)
	case types.ExecSimulated:
		return fmt.Sprintf("Simulated %s on %s (confidence %.2f, source %s).",
			d.Action, entity, d.Confidence, d.Source)
	case types.ExecRefused:
		return fmt.Sprintf("Refused %s on %s at the executor gate: %s.",
			d.Action, entity, outcome.Result.Reason)
	}
	return fmt.Sprintf("Took no action on %s: %s.", entity, d.Reason)
}

// explainBlock renders a blocked cycle for the status API's last-block line.
func explainBlock(entity string, d types.Decision) string {
	return fmt.Sprintf("Blocked before acting on %s: %s.", entity, d.Reason)
}
