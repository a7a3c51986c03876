// Package models defines the shared data model for the exception
// resolution pipeline: exception records, events, evidence, agent
// decisions, and the per-tenant configuration packs.
package models

// Severity classifies the impact of an exception.
type Severity string

// Severity levels, ordered LOW < MEDIUM < HIGH < CRITICAL.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank maps severities to their fixed priority. Unknown
// severities rank below LOW so comparisons never promote them.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the fixed priority of the severity (LOW=1 .. CRITICAL=4).
// Unknown values return 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is one of the four known severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the higher-ranked of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ResolutionStatus tracks the lifecycle of an exception.
type ResolutionStatus string

// Resolution status values. OPEN is the initial state; RESOLVED,
// ESCALATED and FAILED are terminal. PENDING_APPROVAL halts the
// pipeline until an external approval event arrives.
const (
	StatusOpen            ResolutionStatus = "OPEN"
	StatusInProgress      ResolutionStatus = "IN_PROGRESS"
	StatusPendingApproval ResolutionStatus = "PENDING_APPROVAL"
	StatusResolved        ResolutionStatus = "RESOLVED"
	StatusEscalated       ResolutionStatus = "ESCALATED"
	StatusFailed          ResolutionStatus = "FAILED"
)

// Terminal reports whether the status ends the exception lifecycle.
func (s ResolutionStatus) Terminal() bool {
	switch s {
	case StatusResolved, StatusEscalated, StatusFailed:
		return true
	}
	return false
}

// Actionability classifies what the system may automatically do with
// an exception after policy evaluation.
type Actionability string

// Actionability values.
const (
	ActionableApproved    Actionability = "ACTIONABLE_APPROVED_PROCESS"
	ActionableNonApproved Actionability = "ACTIONABLE_NON_APPROVED_PROCESS"
	NonActionableInfoOnly Actionability = "NON_ACTIONABLE_INFO_ONLY"
)

// ActorType identifies who produced an event.
type ActorType string

// Actor types for event records.
const (
	ActorSystem ActorType = "SYSTEM"
	ActorAgent  ActorType = "AGENT"
	ActorUser   ActorType = "USER"
)

// EvidenceType categorizes a piece of evidence.
type EvidenceType string

// Evidence types.
const (
	EvidenceRAG    EvidenceType = "RAG"
	EvidenceTool   EvidenceType = "TOOL"
	EvidencePolicy EvidenceType = "POLICY"
	EvidenceManual EvidenceType = "MANUAL"
)

// Influence describes how a piece of evidence relates to a decision.
type Influence string

// Influence values for evidence links.
const (
	InfluenceSupport    Influence = "SUPPORT"
	InfluenceContradict Influence = "CONTRADICT"
	InfluenceContextual Influence = "CONTEXTUAL"
)

// Stage names, in pipeline order.
const (
	StageIntake     = "intake"
	StageTriage     = "triage"
	StagePolicy     = "policy"
	StageResolution = "resolution"
	StageFeedback   = "feedback"
)

// StageOrder is the fixed stage sequence driven by the orchestrator.
var StageOrder = []string{StageIntake, StageTriage, StagePolicy, StageResolution, StageFeedback}

// Event types written to the event log.
const (
	EventExceptionReceived = "ExceptionReceived"
	EventTriageCompleted   = "TriageCompleted"
	EventPolicyEvaluated   = "PolicyEvaluated"
	EventStepExecuted      = "StepExecuted"
	EventResolutionOutcome = "ResolutionOutcome"
	EventApprovalGranted   = "ApprovalGranted"
	EventSLOViolation      = "SLOViolation"
)
