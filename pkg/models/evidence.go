package models

import "time"

// EvidenceItem is a typed reason used in an agent decision. Items are
// created once during a stage and never updated.
type EvidenceItem struct {
	ID          string       `json:"id"`
	Type        EvidenceType `json:"type"`
	SourceID    string       `json:"sourceId"`
	Description string       `json:"description"`

	// SimilarityScore is only meaningful for RAG evidence, in [0,1].
	SimilarityScore *float64 `json:"similarityScore,omitempty"`

	PayloadRef  string         `json:"payloadRef,omitempty"`
	TenantID    string         `json:"tenantId"`
	ExceptionID string         `json:"exceptionId"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// EvidenceLink is an edge from an evidence item to a stage decision.
type EvidenceLink struct {
	ID          string    `json:"id"`
	ExceptionID string    `json:"exceptionId"`
	AgentName   string    `json:"agentName"`
	StageName   string    `json:"stageName"`
	EvidenceID  string    `json:"evidenceId"`
	Influence   Influence `json:"influence"`
	CreatedAt   time.Time `json:"createdAt"`
}
