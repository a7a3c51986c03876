// Package policy loads domain packs and tenant policy packs and
// resolves the effective configuration for a pipeline run.
package policy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/redress-ops/redress/pkg/config"
	"github.com/redress-ops/redress/pkg/models"
)

// Store holds loaded packs, indexed by their declared identities.
// Packs are read-only after load; Reload swaps the whole set.
type Store struct {
	dir string

	mu      sync.RWMutex
	domains map[string]*models.DomainPack            // domain_name
	tenants map[string]map[string]*models.TenantPolicyPack // tenant_id -> domain_name
}

// NewStore loads packs from dir, which contains domains/*.yaml and
// tenants/*.yaml. A missing directory yields an empty store.
func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads every pack file, replacing the loaded set.
func (s *Store) Reload() error {
	domains := make(map[string]*models.DomainPack)
	tenants := make(map[string]map[string]*models.TenantPolicyPack)

	if err := eachYAML(filepath.Join(s.dir, "domains"), func(path string, data []byte) error {
		var pack models.DomainPack
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return fmt.Errorf("parsing domain pack %s: %w", path, err)
		}
		if pack.DomainName == "" {
			return fmt.Errorf("domain pack %s has no domain_name", path)
		}
		domains[strings.ToLower(pack.DomainName)] = &pack
		return nil
	}); err != nil {
		return err
	}

	if err := eachYAML(filepath.Join(s.dir, "tenants"), func(path string, data []byte) error {
		var pack models.TenantPolicyPack
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return fmt.Errorf("parsing tenant policy pack %s: %w", path, err)
		}
		if pack.TenantID == "" {
			return fmt.Errorf("tenant policy pack %s has no tenant_id", path)
		}
		byDomain, ok := tenants[pack.TenantID]
		if !ok {
			byDomain = make(map[string]*models.TenantPolicyPack)
			tenants[pack.TenantID] = byDomain
		}
		byDomain[strings.ToLower(pack.DomainName)] = &pack
		return nil
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.domains = domains
	s.tenants = tenants
	s.mu.Unlock()

	slog.Info("Policy packs loaded", "dir", s.dir,
		"domains", len(domains), "tenants", len(tenants))
	return nil
}

// Domain returns the domain pack by name, or nil.
func (s *Store) Domain(name string) *models.DomainPack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.domains[strings.ToLower(name)]
}

// DomainNames returns the names of all loaded domain packs.
func (s *Store) DomainNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.domains))
	for _, pack := range s.domains {
		out = append(out, pack.DomainName)
	}
	return out
}

// TenantPolicy returns the tenant's overlay for a domain, or nil. A
// pack declared without a domain_name applies to every domain.
func (s *Store) TenantPolicy(tenantID, domainName string) *models.TenantPolicyPack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byDomain := s.tenants[tenantID]
	if byDomain == nil {
		return nil
	}
	if pack, ok := byDomain[strings.ToLower(domainName)]; ok {
		return pack
	}
	return byDomain[""]
}

// DefaultDomainFor picks the domain when the caller names none: the
// tenant's declared domain if unambiguous, else the sole loaded
// domain, else empty.
func (s *Store) DefaultDomainFor(tenantID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if byDomain := s.tenants[tenantID]; len(byDomain) == 1 {
		for _, pack := range byDomain {
			if pack.DomainName != "" {
				return pack.DomainName
			}
		}
	}
	if len(s.domains) == 1 {
		for _, pack := range s.domains {
			return pack.DomainName
		}
	}
	return ""
}

func eachYAML(dir string, fn func(path string, data []byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading pack directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading pack file %s: %w", path, err)
		}
		if err := fn(path, config.ExpandEnv(data)); err != nil {
			return err
		}
	}
	return nil
}
