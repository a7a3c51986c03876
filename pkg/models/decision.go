package models

// AgentDecision is the structured result of one pipeline stage.
type AgentDecision struct {
	// Decision is a short label such as "Approved" or
	// "Blocked - Non-actionable".
	Decision string `json:"decision"`

	// Confidence is the agent's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Evidence is an ordered list of evidence strings and/or evidence
	// item ids collected during the stage.
	Evidence []string `json:"evidence,omitempty"`

	// NextStep is an advisory routing hint, e.g. "ProceedToTriage".
	NextStep string `json:"nextStep,omitempty"`
}

// Advisory next-step values produced by agents.
const (
	NextTriage     = "ProceedToTriage"
	NextPolicy     = "ProceedToPolicy"
	NextResolution = "ProceedToResolution"
	NextEscalate   = "Escalate"
	NextDone       = "Done"
)
