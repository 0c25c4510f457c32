package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"autopilot/pkg/engine"
)

// MockMemory implements engine.Memory over an in-process list. Search matches any
// whitespace-separated word of the query against the item's stringified content.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockMemory struct {
	GetContextFunc func(ctx context.Context, projectID, query string, limit int) (*engine.MemoryContext, error)
	SearchFunc     func(ctx context.Context, projectID, query string, limit int) ([]engine.MemoryItem, error)
	StoreFunc      func(ctx context.Context, projectID string, content, metadata map[string]any) (string, error)

	// Items holds everything stored through the default StoreFunc, oldest first.
	Items []engine.MemoryItem

	SearchCalls int
	StoreCalls  int

	mu sync.Mutex
}

// NewMockMemory creates an empty memory.
func NewMockMemory() *MockMemory {
	m := &MockMemory{}
	m.StoreFunc = m.store
	m.SearchFunc = m.search
	m.GetContextFunc = func(ctx context.Context, projectID, query string, limit int) (*engine.MemoryContext, error) {
		items, err := m.search(ctx, projectID, query, limit)
		if err != nil {
			return nil, err
		}
		return &engine.MemoryContext{Actions: items, Patterns: []engine.MemoryItem{}}, nil
	}
	return m
}

// GetContext implements engine.Memory.
func (m *MockMemory) GetContext(ctx context.Context, projectID, query string, limit int) (*engine.MemoryContext, error) {
	return m.GetContextFunc(ctx, projectID, query, limit)
}

// Search implements engine.Memory.
func (m *MockMemory) Search(ctx context.Context, projectID, query string, limit int) ([]engine.MemoryItem, error) {
	m.mu.Lock()
	m.SearchCalls++
	m.mu.Unlock()
	return m.SearchFunc(ctx, projectID, query, limit)
}

// Store implements engine.Memory.
func (m *MockMemory) Store(ctx context.Context, projectID string, content, metadata map[string]any) (string, error) {
	m.mu.Lock()
	m.StoreCalls++
	m.mu.Unlock()
	return m.StoreFunc(ctx, projectID, content, metadata)
}

// Stored returns a copy of the stored items whose content type is kind, or all items when kind
// is empty.
func (m *MockMemory) Stored(kind string) []engine.MemoryItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []engine.MemoryItem
	for _, item := range m.Items {
		if kind == "" || item.Content["type"] == kind {
			out = append(out, item)
		}
	}
	return out
}

func (m *MockMemory) store(_ context.Context, projectID string, content, metadata map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("mem-%d", len(m.Items)+1)
	m.Items = append(m.Items, engine.MemoryItem{
		ID:        id,
		ProjectID: projectID,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
	return id, nil
}

func (m *MockMemory) search(_ context.Context, projectID, query string, limit int) ([]engine.MemoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	words := strings.Fields(strings.ToLower(query))
	var out []engine.MemoryItem
	for i := len(m.Items) - 1; i >= 0; i-- {
		item := m.Items[i]
		if item.ProjectID != projectID {
			continue
		}
		text := strings.ToLower(fmt.Sprint(item.Content))
		match := len(words) == 0
		for _, w := range words {
			if strings.Contains(text, w) {
				match = true
				break
			}
		}
		if match {
			out = append(out, item)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
