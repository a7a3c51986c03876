package models

import "time"

// ExceptionRecord is the canonical normalized exception. Records are
// owned by the exception store; tenant_id never changes after creation.
type ExceptionRecord struct {
	ExceptionID  string `json:"exceptionId"`
	TenantID     string `json:"tenantId"`
	SourceSystem string `json:"sourceSystem"`

	// ExceptionType is empty until triage classifies the exception.
	// Once set it must exist in the tenant's resolved domain pack.
	ExceptionType string   `json:"exceptionType,omitempty"`
	Severity      Severity `json:"severity,omitempty"`

	ResolutionStatus ResolutionStatus `json:"resolutionStatus"`

	RawPayload        map[string]any `json:"rawPayload"`
	NormalizedContext map[string]any `json:"normalizedContext"`

	// CurrentStep is nil iff CurrentPlaybookID is nil. Steps are 1-indexed.
	CurrentPlaybookID *int `json:"currentPlaybookId,omitempty"`
	CurrentStep       *int `json:"currentStep,omitempty"`

	// Timestamp is the event time in UTC. CreatedAt/UpdatedAt are
	// repository-managed.
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// AssignPlaybook sets the workflow pointers as a pair, preserving the
// current_step-nil-iff-playbook-nil invariant.
func (e *ExceptionRecord) AssignPlaybook(playbookID, step int) {
	e.CurrentPlaybookID = &playbookID
	e.CurrentStep = &step
}

// ClearPlaybook drops both workflow pointers.
func (e *ExceptionRecord) ClearPlaybook() {
	e.CurrentPlaybookID = nil
	e.CurrentStep = nil
}

// Clone returns a deep copy of the record. Payload maps are copied one
// level deep, which is sufficient for the pipeline's write patterns.
func (e *ExceptionRecord) Clone() *ExceptionRecord {
	cp := *e
	cp.RawPayload = copyMap(e.RawPayload)
	cp.NormalizedContext = copyMap(e.NormalizedContext)
	if e.CurrentPlaybookID != nil {
		v := *e.CurrentPlaybookID
		cp.CurrentPlaybookID = &v
	}
	if e.CurrentStep != nil {
		v := *e.CurrentStep
		cp.CurrentStep = &v
	}
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
