package models

import "time"

// DomainPack is the per-tenant-and-domain configuration: taxonomy,
// severity rules, playbooks, and guardrails. Packs are loaded once per
// resolution and shared read-only across concurrent pipelines.
type DomainPack struct {
	DomainName     string                      `yaml:"domain_name" json:"domainName"`
	ExceptionTypes map[string]ExceptionTypeDef `yaml:"exception_types" json:"exceptionTypes"`
	SeverityRules  []SeverityRule              `yaml:"severity_rules" json:"severityRules"`
	Playbooks      []Playbook                  `yaml:"playbooks" json:"playbooks"`
	Guardrails     Guardrails                  `yaml:"guardrails" json:"guardrails"`

	// Version invalidates resolver cache entries when the underlying
	// configuration changes.
	Version string `yaml:"version" json:"version,omitempty"`
}

// ExceptionTypeDef describes one entry of the tenant taxonomy.
type ExceptionTypeDef struct {
	Description    string   `yaml:"description" json:"description"`
	DetectionRules []string `yaml:"detection_rules" json:"detectionRules,omitempty"`
}

// SeverityRule maps a condition to a severity. Conditions use the
// small comparator grammar compiled by pkg/rules at pack-load time.
type SeverityRule struct {
	Condition string   `yaml:"condition" json:"condition"`
	Severity  Severity `yaml:"severity" json:"severity"`
}

// Guardrails constrain what the policy stage may approve.
type Guardrails struct {
	AllowLists             map[string][]string `yaml:"allow_lists" json:"allowLists,omitempty"`
	BlockLists             map[string][]string `yaml:"block_lists" json:"blockLists,omitempty"`
	HumanApprovalThreshold float64             `yaml:"human_approval_threshold" json:"humanApprovalThreshold"`

	// AllowCriticalAutoResolution permits automatic resolution of
	// CRITICAL exceptions. Off by default.
	AllowCriticalAutoResolution bool `yaml:"allow_critical_auto_resolution" json:"allowCriticalAutoResolution,omitempty"`
}

// TenantPolicyPack is the per-tenant overlay on a domain pack.
type TenantPolicyPack struct {
	TenantID                  string             `yaml:"tenant_id" json:"tenantId"`
	DomainName                string             `yaml:"domain_name" json:"domainName"`
	CustomSeverityOverrides   []SeverityOverride `yaml:"custom_severity_overrides" json:"customSeverityOverrides,omitempty"`
	CustomPlaybooks           []Playbook         `yaml:"custom_playbooks" json:"customPlaybooks,omitempty"`
	HumanApprovalRules        []HumanApprovalRule `yaml:"human_approval_rules" json:"humanApprovalRules,omitempty"`
	CustomGuardrails          *Guardrails        `yaml:"custom_guardrails" json:"customGuardrails,omitempty"`
	ApprovedBusinessProcesses []string           `yaml:"approved_business_processes" json:"approvedBusinessProcesses,omitempty"`
	Version                   string             `yaml:"version" json:"version,omitempty"`
}

// SeverityOverride forces a severity for an exception type.
type SeverityOverride struct {
	ExceptionType string   `yaml:"exception_type" json:"exceptionType"`
	Severity      Severity `yaml:"severity" json:"severity"`
}

// HumanApprovalRule requires human approval at a given severity.
type HumanApprovalRule struct {
	Severity        Severity `yaml:"severity" json:"severity"`
	RequireApproval bool     `yaml:"require_approval" json:"requireApproval"`
}

// Playbook is an ordered remediation procedure with conditions
// governing applicability.
type Playbook struct {
	ID            int                `yaml:"id" json:"id"`
	Name          string             `yaml:"name" json:"name"`
	ExceptionType string             `yaml:"exception_type" json:"exceptionType"`
	Conditions    PlaybookConditions `yaml:"conditions" json:"conditions"`
	Steps         []PlaybookStep     `yaml:"steps" json:"steps"`
	CreatedAt     time.Time          `yaml:"created_at" json:"createdAt"`
}

// PlaybookConditions carries either a match sub-object or flat match
// fields. Effective() resolves which one applies.
type PlaybookConditions struct {
	Match *MatchSpec `yaml:"match,omitempty" json:"match,omitempty"`
	Flat  MatchSpec  `yaml:",inline" json:"flat,omitempty"`
}

// Effective returns the match spec in force: the match sub-object when
// present, otherwise the flat fields.
func (c PlaybookConditions) Effective() MatchSpec {
	if c.Match != nil {
		return *c.Match
	}
	return c.Flat
}

// MatchSpec is the predicate set evaluated by the playbook matcher.
type MatchSpec struct {
	Domain                string     `yaml:"domain,omitempty" json:"domain,omitempty"`
	ExceptionType         string     `yaml:"exception_type,omitempty" json:"exceptionType,omitempty"`
	Severity              Severity   `yaml:"severity,omitempty" json:"severity,omitempty"`
	SeverityIn            []Severity `yaml:"severity_in,omitempty" json:"severityIn,omitempty"`
	SLAMinutesRemainingLT *int       `yaml:"sla_minutes_remaining_lt,omitempty" json:"slaMinutesRemainingLt,omitempty"`
	PolicyTags            []string   `yaml:"policy_tags,omitempty" json:"policyTags,omitempty"`
	Priority              int        `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// PlaybookStep is one action of a playbook. StepOrder values form a
// contiguous 1-based sequence.
type PlaybookStep struct {
	StepOrder  int            `yaml:"step_order" json:"stepOrder"`
	Action     string         `yaml:"action" json:"action"`
	Tool       string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Params     map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	MaxRetries int            `yaml:"max_retries,omitempty" json:"maxRetries,omitempty"`
}

// SLOTarget holds per-tenant-and-domain objectives.
type SLOTarget struct {
	TargetLatencyMsP95       float64  `yaml:"target_latency_ms" json:"targetLatencyMsP95"`
	TargetErrorRate          float64  `yaml:"target_error_rate" json:"targetErrorRate"`
	TargetMTTRMinutes        float64  `yaml:"target_mttr_minutes" json:"targetMttrMinutes"`
	TargetAutoResolutionRate float64  `yaml:"target_auto_resolution_rate" json:"targetAutoResolutionRate"`
	TargetThroughputEPS      *float64 `yaml:"target_throughput,omitempty" json:"targetThroughputEps,omitempty"`
	WindowMinutes            int      `yaml:"window_minutes" json:"windowMinutes"`
}
