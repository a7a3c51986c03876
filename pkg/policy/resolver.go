package policy

import (
	"fmt"
	"log/slog"
	"sync"

	"dario.cat/mergo"

	"github.com/redress-ops/redress/pkg/models"
	"github.com/redress-ops/redress/pkg/rules"
)

// CompiledSeverityRule pairs a pack severity rule with its parsed
// condition.
type CompiledSeverityRule struct {
	Condition string
	Severity  models.Severity
	Node      rules.Node
}

// Resolved is the effective configuration for one (tenant, domain)
// pair: the tenant overlay applied over the domain pack. Shared
// read-only across concurrent pipelines.
type Resolved struct {
	TenantID   string
	DomainName string

	Domain *models.DomainPack
	Tenant *models.TenantPolicyPack

	// Guardrails are the domain guardrails with the tenant's custom
	// guardrails merged on top.
	Guardrails models.Guardrails

	// Playbooks is the union of domain and tenant custom playbooks.
	Playbooks []models.Playbook

	// SeverityRules are the domain rules compiled once at resolution.
	SeverityRules []CompiledSeverityRule

	// SeverityOverrides maps exception type to the tenant's forced
	// severity.
	SeverityOverrides map[string]models.Severity

	// ApprovalRequired maps severity to the tenant's approval rule.
	ApprovalRequired map[models.Severity]bool

	// ApprovedProcesses is the set of playbook identifiers (numeric id
	// or name) the tenant pre-approved for automatic execution.
	ApprovedProcesses map[string]bool
}

// IsApprovedProcess reports whether the playbook is on the tenant's
// approved business process list, by id or by name.
func (r *Resolved) IsApprovedProcess(pb models.Playbook) bool {
	if r.ApprovedProcesses[fmt.Sprintf("%d", pb.ID)] {
		return true
	}
	return r.ApprovedProcesses[pb.Name]
}

// KnownType reports whether the exception type is in the domain
// taxonomy. An empty taxonomy accepts everything.
func (r *Resolved) KnownType(exceptionType string) bool {
	if r.Domain == nil || len(r.Domain.ExceptionTypes) == 0 {
		return true
	}
	_, ok := r.Domain.ExceptionTypes[exceptionType]
	return ok
}

// Resolver resolves and caches effective policies. Cache keys include
// the pack versions, so publishing a new pack version invalidates the
// old entry naturally.
type Resolver struct {
	store  *Store
	logger *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]*Resolved
}

type cacheKey struct {
	tenantID      string
	domainName    string
	domainVersion string
	tenantVersion string
}

// NewResolver wraps a pack store.
func NewResolver(store *Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		logger: logger.With("component", "policy_resolver"),
		cache:  make(map[cacheKey]*Resolved),
	}
}

// Resolve returns the effective policy for (tenantID, domainName).
// An empty domainName falls back to the tenant's declared domain or
// the sole loaded domain.
func (r *Resolver) Resolve(tenantID, domainName string) (*Resolved, error) {
	if domainName == "" {
		domainName = r.store.DefaultDomainFor(tenantID)
	}

	domain := r.store.Domain(domainName)
	if domain == nil {
		return nil, fmt.Errorf("no domain pack loaded for %q", domainName)
	}
	tenant := r.store.TenantPolicy(tenantID, domainName)

	key := cacheKey{tenantID: tenantID, domainName: domainName, domainVersion: domain.Version}
	if tenant != nil {
		key.tenantVersion = tenant.Version
	}

	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	resolved, err := r.build(tenantID, domain, tenant)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = resolved
	r.mu.Unlock()

	r.logger.Info("Policy resolved",
		"tenant_id", tenantID, "domain", domainName,
		"playbooks", len(resolved.Playbooks), "severity_rules", len(resolved.SeverityRules))
	return resolved, nil
}

// Invalidate drops every cached entry, e.g. after a store reload.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[cacheKey]*Resolved)
	r.mu.Unlock()
}

func (r *Resolver) build(tenantID string, domain *models.DomainPack, tenant *models.TenantPolicyPack) (*Resolved, error) {
	resolved := &Resolved{
		TenantID:          tenantID,
		DomainName:        domain.DomainName,
		Domain:            domain,
		Tenant:            tenant,
		Guardrails:        domain.Guardrails,
		SeverityOverrides: make(map[string]models.Severity),
		ApprovalRequired:  make(map[models.Severity]bool),
		ApprovedProcesses: make(map[string]bool),
	}

	resolved.Playbooks = append(resolved.Playbooks, domain.Playbooks...)

	for _, rule := range domain.SeverityRules {
		node, err := rules.Parse(rule.Condition)
		if err != nil {
			return nil, fmt.Errorf("compiling severity rule %q: %w", rule.Condition, err)
		}
		resolved.SeverityRules = append(resolved.SeverityRules, CompiledSeverityRule{
			Condition: rule.Condition,
			Severity:  rule.Severity,
			Node:      node,
		})
	}

	if tenant == nil {
		return resolved, nil
	}

	// Tenant custom guardrails override the domain's field by field.
	if tenant.CustomGuardrails != nil {
		merged := domain.Guardrails
		if err := mergo.Merge(&merged, *tenant.CustomGuardrails, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging guardrails for tenant %s: %w", tenantID, err)
		}
		resolved.Guardrails = merged
	}

	// Unions apply for playbooks and severity overrides.
	resolved.Playbooks = append(resolved.Playbooks, tenant.CustomPlaybooks...)
	for _, o := range tenant.CustomSeverityOverrides {
		resolved.SeverityOverrides[o.ExceptionType] = o.Severity
	}
	for _, rule := range tenant.HumanApprovalRules {
		resolved.ApprovalRequired[rule.Severity] = rule.RequireApproval
	}
	for _, id := range tenant.ApprovedBusinessProcesses {
		resolved.ApprovedProcesses[id] = true
	}
	return resolved, nil
}
