// Package slo evaluates per-tenant service level objectives against
// the live metrics snapshots and reports violations.
package slo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/redress-ops/redress/pkg/config"
	"github.com/redress-ops/redress/pkg/models"
)

// Targets is the loaded set of SLO target files, keyed by file base
// name: {tenant_id} or {tenant_id}_{domain}.
type Targets struct {
	entries map[string]models.SLOTarget
}

// LoadTargets reads every YAML file in dir. A missing directory yields
// an empty set, not an error.
func LoadTargets(dir string) (*Targets, error) {
	t := &Targets{entries: make(map[string]models.SLOTarget)}

	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("scanning SLO target dir %s: %w", dir, err)
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading SLO target %s: %w", file, err)
		}

		var target models.SLOTarget
		if err := yaml.Unmarshal(config.ExpandEnv(data), &target); err != nil {
			return nil, fmt.Errorf("parsing SLO target %s: %w", file, err)
		}

		base := strings.TrimSuffix(filepath.Base(file), ".yaml")
		t.entries[base] = target
	}
	return t, nil
}

// For returns the target for (tenant, domain), falling back to the
// tenant-wide file when no domain-specific one exists.
func (t *Targets) For(tenantID, domain string) (models.SLOTarget, bool) {
	if domain != "" {
		if target, ok := t.entries[tenantID+"_"+domain]; ok {
			return target, true
		}
	}
	target, ok := t.entries[tenantID]
	return target, ok
}

// Scopes returns every (tenant, domain) pair with a target file.
// Bases that match a known tenant id verbatim are tenant-wide; the
// rest split on the last underscore into tenant and domain.
func (t *Targets) Scopes(knownTenants []string) [][2]string {
	known := make(map[string]bool, len(knownTenants))
	for _, id := range knownTenants {
		known[id] = true
	}

	var out [][2]string
	for base := range t.entries {
		if known[base] {
			out = append(out, [2]string{base, ""})
			continue
		}
		if i := strings.LastIndex(base, "_"); i > 0 && known[base[:i]] {
			out = append(out, [2]string{base[:i], base[i+1:]})
			continue
		}
		// No metrics yet for this tenant; evaluate tenant-wide anyway.
		out = append(out, [2]string{base, ""})
	}
	return out
}
