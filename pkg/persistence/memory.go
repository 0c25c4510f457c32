package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"autopilot/pkg/engine"
)

// Memory item kinds recognised by GetContext.
const (
	MemoryKindAction  = "autonomous_action"
	MemoryKindPattern = "pattern"
	MemoryKindProject = "project"
)

const minKeywordLen = 3

//nolint:gochecknoglobals // read-only lookup table
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "are": true, "was": true,
}

// MemoryStore is a SQLite-backed engine.Memory. Items are JSON documents whose
// "type" field becomes the item kind.
type MemoryStore struct {
	db *sql.DB
}

// NewMemoryStore creates a store on an initialized database.
func NewMemoryStore(db *sql.DB) *MemoryStore {
	return &MemoryStore{db: db}
}

var _ engine.Memory = (*MemoryStore)(nil)

// Store saves content for a project and returns the new item ID.
func (m *MemoryStore) Store(ctx context.Context, projectID string, content, metadata map[string]any) (string, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to marshal memory content: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal memory metadata: %w", err)
	}
	kind, _ := content["type"].(string)

	id := uuid.New().String()
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO memory_items (id, project_id, kind, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, projectID, kind, string(body), string(meta), formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to store memory item: %w", err)
	}
	return id, nil
}

// Search returns up to limit items whose content mentions the query keywords, ranked by
// the number of keywords matched and then by recency. A query with no usable keywords
// returns the most recent items.
func (m *MemoryStore) Search(ctx context.Context, projectID, query string, limit int) ([]engine.MemoryItem, error) {
	if limit <= 0 {
		limit = 10
	}
	keywords := keywordsOf(query)
	if len(keywords) == 0 {
		return m.Recent(ctx, projectID, "", limit)
	}

	clauses := make([]string, len(keywords))
	args := []any{projectID}
	for i, kw := range keywords {
		clauses[i] = `lower(content) LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(kw)+"%")
	}
	args = append(args, limit*5)

	items, err := m.query(ctx, `
		SELECT id, project_id, content, metadata, created_at FROM memory_items
		WHERE project_id = ? AND (`+strings.Join(clauses, " OR ")+`)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]int, len(items))
	for _, item := range items {
		text := strings.ToLower(mustJSON(item.Content))
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				scores[item.ID]++
			}
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return scores[items[i].ID] > scores[items[j].ID]
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Recent returns the newest items of a project, optionally filtered by kind.
func (m *MemoryStore) Recent(ctx context.Context, projectID, kind string, limit int) ([]engine.MemoryItem, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT id, project_id, content, metadata, created_at FROM memory_items WHERE project_id = ?`
	args := []any{projectID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	return m.query(ctx, query, args...)
}

// GetContext assembles recent actions, query-relevant patterns and the latest project facts.
func (m *MemoryStore) GetContext(ctx context.Context, projectID, query string, limit int) (*engine.MemoryContext, error) {
	actions, err := m.Recent(ctx, projectID, MemoryKindAction, limit)
	if err != nil {
		return nil, err
	}

	candidates, err := m.Search(ctx, projectID, query, limit)
	if err != nil {
		return nil, err
	}
	patterns := []engine.MemoryItem{}
	for _, item := range candidates {
		if kind, _ := item.Content["type"].(string); kind == MemoryKindPattern {
			patterns = append(patterns, item)
		}
	}

	project := map[string]any{}
	latest, err := m.Recent(ctx, projectID, MemoryKindProject, 1)
	if err != nil {
		return nil, err
	}
	if len(latest) == 1 {
		project = latest[0].Content
	}

	return &engine.MemoryContext{Actions: actions, Patterns: patterns, Project: project}, nil
}

func (m *MemoryStore) query(ctx context.Context, query string, args ...any) ([]engine.MemoryItem, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []engine.MemoryItem{}
	for rows.Next() {
		var (
			item                   engine.MemoryItem
			content, meta, created string
		)
		if err := rows.Scan(&item.ID, &item.ProjectID, &content, &meta, &created); err != nil {
			return nil, fmt.Errorf("failed to scan memory item: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &item.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal memory item %s: %w", item.ID, err)
		}
		if err := json.Unmarshal([]byte(meta), &item.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal memory metadata %s: %w", item.ID, err)
		}
		if item.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory items: %w", err)
	}
	return items, nil
}

func keywordsOf(query string) []string {
	seen := map[string]bool{}
	var out []string
	for _, word := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r == '_' || r == '-' || r == '.' || r == '/' ||
			(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	}) {
		if len(word) < minKeywordLen || stopWords[word] || seen[word] {
			continue
		}
		seen[word] = true
		out = append(out, word)
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
