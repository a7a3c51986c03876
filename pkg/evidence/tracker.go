// Package evidence persists typed evidence items and their links to
// agent decisions. Layout: one append-only JSON-lines file per
// (tenant_id, exception_id), interleaving items and links; link lines
// carry a reserved `_type:"link"` field.
package evidence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redress-ops/redress/pkg/models"
)

// linkMarker is the reserved _type value distinguishing link lines
// from item lines in the evidence file.
const linkMarker = "link"

// Tracker records evidence items and links. Evidence outlives the
// pipeline run; reads deduplicate by id across the in-memory cache and
// the file scan.
type Tracker struct {
	dir string

	mu    sync.Mutex
	items map[fileKey][]models.EvidenceItem
	links map[fileKey][]models.EvidenceLink
}

type fileKey struct {
	tenantID    string
	exceptionID string
}

// NewTracker creates a tracker rooted at dir (e.g. ./runtime/evidence).
func NewTracker(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating evidence directory: %w", err)
	}
	return &Tracker{
		dir:   dir,
		items: make(map[fileKey][]models.EvidenceItem),
		links: make(map[fileKey][]models.EvidenceLink),
	}, nil
}

// Record persists an evidence item. A missing id is generated; the
// stored item is returned.
func (t *Tracker) Record(item models.EvidenceItem) (models.EvidenceItem, error) {
	if item.TenantID == "" || item.ExceptionID == "" {
		return item, fmt.Errorf("evidence item requires tenant_id and exception_id")
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	line, err := json.Marshal(item)
	if err != nil {
		return item, fmt.Errorf("marshaling evidence item: %w", err)
	}

	key := fileKey{item.TenantID, item.ExceptionID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.appendLine(key, line); err != nil {
		return item, err
	}
	t.items[key] = append(t.items[key], item)
	return item, nil
}

// Link persists an edge from an evidence item to a stage decision.
func (t *Tracker) Link(tenantID, exceptionID, agentName, stageName, evidenceID string, influence models.Influence) (models.EvidenceLink, error) {
	link := models.EvidenceLink{
		ID:          uuid.New().String(),
		ExceptionID: exceptionID,
		AgentName:   agentName,
		StageName:   stageName,
		EvidenceID:  evidenceID,
		Influence:   influence,
		CreatedAt:   time.Now().UTC(),
	}

	wire := struct {
		Type string `json:"_type"`
		models.EvidenceLink
	}{Type: linkMarker, EvidenceLink: link}

	line, err := json.Marshal(wire)
	if err != nil {
		return link, fmt.Errorf("marshaling evidence link: %w", err)
	}

	key := fileKey{tenantID, exceptionID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.appendLine(key, line); err != nil {
		return link, err
	}
	t.links[key] = append(t.links[key], link)
	return link, nil
}

// EvidenceFor returns all evidence items for an exception,
// deduplicated by id across cache and file.
func (t *Tracker) EvidenceFor(tenantID, exceptionID string) ([]models.EvidenceItem, error) {
	key := fileKey{tenantID, exceptionID}

	fileItems, _, err := t.scanFile(key)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	cached := append([]models.EvidenceItem(nil), t.items[key]...)
	t.mu.Unlock()

	seen := make(map[string]bool)
	var out []models.EvidenceItem
	for _, it := range append(cached, fileItems...) {
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		out = append(out, it)
	}
	return out, nil
}

// LinksFor returns evidence links for an exception, optionally
// filtered by stage name.
func (t *Tracker) LinksFor(tenantID, exceptionID, stageName string) ([]models.EvidenceLink, error) {
	key := fileKey{tenantID, exceptionID}

	_, fileLinks, err := t.scanFile(key)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	cached := append([]models.EvidenceLink(nil), t.links[key]...)
	t.mu.Unlock()

	seen := make(map[string]bool)
	var out []models.EvidenceLink
	for _, l := range append(cached, fileLinks...) {
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		if stageName != "" && l.StageName != stageName {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// FilePath returns the evidence file for a (tenant, exception) pair.
func (t *Tracker) FilePath(tenantID, exceptionID string) string {
	return filepath.Join(t.dir, fmt.Sprintf("%s_%s_evidence.jsonl", tenantID, exceptionID))
}

// appendLine writes one line to the evidence file. Caller holds t.mu.
func (t *Tracker) appendLine(key fileKey, line []byte) error {
	f, err := os.OpenFile(t.FilePath(key.tenantID, key.exceptionID),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening evidence file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing evidence line: %w", err)
	}
	return nil
}

// scanFile reads items and links back from disk. Malformed lines are
// skipped (a crash may truncate the final line).
func (t *Tracker) scanFile(key fileKey) ([]models.EvidenceItem, []models.EvidenceLink, error) {
	f, err := os.Open(t.FilePath(key.tenantID, key.exceptionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	var (
		items []models.EvidenceItem
		links []models.EvidenceLink
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var probe struct {
			Type string `json:"_type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}

		if probe.Type == linkMarker {
			var l models.EvidenceLink
			if err := json.Unmarshal(raw, &l); err == nil {
				links = append(links, l)
			}
			continue
		}

		var it models.EvidenceItem
		if err := json.Unmarshal(raw, &it); err == nil {
			items = append(items, it)
		}
	}
	return items, links, scanner.Err()
}
