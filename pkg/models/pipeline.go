package models

import "time"

// StageResult captures the outcome of a single pipeline stage.
type StageResult struct {
	AgentName string `json:"agentName"`

	Decision *AgentDecision `json:"decision,omitempty"`

	// Error holds the stage error kind or message when the stage
	// failed; empty on success.
	Error string `json:"error,omitempty"`

	// Skipped carries a marker such as "Non-actionable exception" when
	// the orchestrator bypassed the stage.
	Skipped string `json:"skipped,omitempty"`

	DurationMS  int64     `json:"durationMs"`
	CompletedAt time.Time `json:"completedAt"`
}

// PipelineResult is the per-exception outcome of one pipeline run.
// The batch never aborts early because of one exception's failure;
// each exception gets its own result.
type PipelineResult struct {
	ExceptionID string           `json:"exceptionId"`
	TenantID    string           `json:"tenantId"`
	RunID       string           `json:"runId"`
	Status      ResolutionStatus `json:"status"`

	// Stages maps stage name to its result. StageNames preserves
	// execution order.
	Stages     map[string]*StageResult `json:"stages"`
	StageNames []string                `json:"stageNames"`

	// Evidence is the flattened list of evidence strings collected
	// across stages.
	Evidence []string `json:"evidence,omitempty"`

	// Errors maps stage name to its error, if any.
	Errors map[string]string `json:"errors,omitempty"`

	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// NewPipelineResult initializes an empty result for an exception.
func NewPipelineResult(tenantID, exceptionID, runID string) *PipelineResult {
	return &PipelineResult{
		ExceptionID: exceptionID,
		TenantID:    tenantID,
		RunID:       runID,
		Status:      StatusInProgress,
		Stages:      make(map[string]*StageResult),
		StartedAt:   time.Now().UTC(),
	}
}

// AddStage records a stage result and preserves execution order.
func (r *PipelineResult) AddStage(name string, res *StageResult) {
	r.Stages[name] = res
	r.StageNames = append(r.StageNames, name)
	if res.Error != "" {
		if r.Errors == nil {
			r.Errors = make(map[string]string)
		}
		r.Errors[name] = res.Error
	}
	if res.Decision != nil {
		r.Evidence = append(r.Evidence, res.Decision.Evidence...)
	}
}
