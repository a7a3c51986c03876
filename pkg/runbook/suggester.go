package runbook

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// SuggesterConfig configures runbook resolution.
type SuggesterConfig struct {
	// RepoURL is a GitHub tree URL scanned for markdown runbooks.
	// Empty disables repository lookup.
	RepoURL string

	// Static maps an SLO dimension name to fixed runbook references,
	// used alongside (or instead of) repository matches.
	Static map[string][]string

	AllowedDomains []string
	CacheTTL       time.Duration
	GitHubToken    string
}

// Suggester resolves runbook references for failed SLO dimensions.
// All lookups fail open: an unreachable repository degrades to the
// static suggestions.
type Suggester struct {
	github *GitHubClient
	cache  *Cache
	cfg    SuggesterConfig
	logger *slog.Logger
}

// NewSuggester creates a suggester.
func NewSuggester(cfg SuggesterConfig, logger *slog.Logger) *Suggester {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Suggester{
		github: NewGitHubClient(cfg.GitHubToken),
		cache:  NewCache(ttl),
		cfg:    cfg,
		logger: logger.With("component", "runbook_suggester"),
	}
}

// Suggest returns runbook references for the failed dimensions:
// static entries first, then repository files whose name mentions the
// dimension. Duplicates are removed, order preserved.
func (s *Suggester) Suggest(ctx context.Context, failedDimensions []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(ref string) {
		if ref != "" && !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}

	for _, dim := range failedDimensions {
		for _, ref := range s.cfg.Static[dim] {
			add(ref)
		}
	}

	if s.cfg.RepoURL != "" {
		files := s.listRepo(ctx)
		for _, dim := range failedDimensions {
			token := dimensionToken(dim)
			for _, file := range files {
				if strings.Contains(strings.ToLower(file), token) {
					add(file)
				}
			}
		}
	}
	return out
}

// Fetch downloads one runbook's content with caching and URL
// validation.
func (s *Suggester) Fetch(ctx context.Context, rawURL string) (string, error) {
	if err := ValidateURL(rawURL, s.cfg.AllowedDomains); err != nil {
		return "", err
	}

	key := ConvertToRawURL(rawURL)
	if content, ok := s.cache.Get(key); ok {
		return content, nil
	}

	content, err := s.github.DownloadContent(ctx, rawURL)
	if err != nil {
		return "", err
	}
	s.cache.Set(key, content)
	return content, nil
}

// OverrideHTTPClientForTest reaches through to the GitHub client.
func (s *Suggester) OverrideHTTPClientForTest(client *GitHubClient) {
	s.github = client
}

const repoListKey = "\x00repo-list"

func (s *Suggester) listRepo(ctx context.Context) []string {
	if cached, ok := s.cache.Get(repoListKey); ok {
		return splitList(cached)
	}

	files, err := s.github.ListMarkdownFiles(ctx, s.cfg.RepoURL)
	if err != nil {
		s.logger.Warn("Listing runbook repository failed", "repo", s.cfg.RepoURL, "error", err)
		return nil
	}
	s.cache.Set(repoListKey, joinList(files))
	return files
}

// dimensionToken maps a dimension name to the filename token searched
// for, e.g. p95_latency_ms matches "latency".
func dimensionToken(dim string) string {
	d := strings.ToLower(dim)
	switch {
	case strings.Contains(d, "latency"):
		return "latency"
	case strings.Contains(d, "error"):
		return "error"
	case strings.Contains(d, "mttr"):
		return "mttr"
	case strings.Contains(d, "resolution"):
		return "resolution"
	case strings.Contains(d, "throughput"):
		return "throughput"
	default:
		return d
	}
}

func joinList(items []string) string {
	return strings.Join(items, "\x00")
}

func splitList(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, "\x00")
}
