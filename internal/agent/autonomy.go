package agent

import "github.com/loanpilot/orchestrator/pkg/models"

// Verdict is the result of consulting an autonomy policy.
type Verdict struct {
	Level    models.AutonomyLevel
	Escalate bool
	Reason   string
}

// Pending reports whether the decision must wait for a human.
func (v Verdict) Pending() bool {
	return !v.Escalate && v.Level != models.AutonomyFull
}

// Evaluate applies policy p to a decision of the given side-effect class and
// confidence. sends_external and irreversible always need approval; a zero
// confidence escalates; below-threshold confidence is assisted; a class
// outside the allowlist needs approval.
func Evaluate(p models.AutonomyPolicy, class models.SideEffectClass, confidence float64) Verdict {
	switch {
	case class.RequiresApproval():
		return Verdict{Level: models.AutonomyApprovalRequired, Reason: string(class) + " tools always require approval"}
	case confidence <= 0:
		return Verdict{Escalate: true, Reason: "decision has no confidence"}
	case confidence < p.ConfidenceThreshold:
		return Verdict{Level: models.AutonomyAssisted, Reason: "confidence below threshold"}
	case !p.Allows(class):
		return Verdict{Level: models.AutonomyApprovalRequired, Reason: string(class) + " is not in the autonomy allowlist"}
	}
	return Verdict{Level: models.AutonomyFull}
}

// defaultImpact scores a successful action when the decision carries none.
func defaultImpact(kind models.DecisionKind, class models.SideEffectClass) float64 {
	if kind == models.DecisionDirectEffect {
		return 0.3
	}
	switch class {
	case models.SideEffectReadOnly:
		return 0.1
	case models.SideEffectWritesCRM:
		return 0.5
	case models.SideEffectSendsExternal:
		return 0.7
	case models.SideEffectIrreversible:
		return 0.9
	}
	return 0
}
