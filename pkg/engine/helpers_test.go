package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePlanner struct {
	mu          sync.Mutex
	plan        *Plan
	planErr     error
	planPanic   bool
	doneAfter   int
	assessErr   error
	failures    map[ActionKind]int
	alwaysFail  map[ActionKind]bool
	calls       map[ActionKind]int
	createCalls int
	block       chan struct{}
	entered     chan struct{}
}

func newFakePlanner(tasks ...Task) *fakePlanner {
	return &fakePlanner{
		plan:       &Plan{Goal: "goal", Tasks: tasks},
		failures:   map[ActionKind]int{},
		alwaysFail: map[ActionKind]bool{},
		calls:      map[ActionKind]int{},
	}
}

func (p *fakePlanner) CreatePlan(_ context.Context, req PlanRequest) (*Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.planPanic {
		panic("planner exploded")
	}
	p.createCalls++
	if p.planErr != nil {
		return nil, p.planErr
	}
	plan := p.plan.clone()
	plan.Goal = req.Goal
	return plan, nil
}

func (p *fakePlanner) AssessCompletion(_ context.Context, _, _ string, completed []string) (*Assessment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.assessErr != nil {
		return nil, p.assessErr
	}
	done := p.doneAfter > 0 && len(completed) >= p.doneAfter
	return &Assessment{GoalComplete: done, CompletionPercentage: float64(len(completed)) * 10}, nil
}

func (p *fakePlanner) run(kind ActionKind) (map[string]any, error) {
	p.mu.Lock()
	p.calls[kind]++
	n := p.calls[kind]
	fail := p.alwaysFail[kind] || n <= p.failures[kind]
	block, entered := p.block, p.entered
	p.mu.Unlock()

	if block != nil && kind == KindAnalyze {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-block
	}
	if fail {
		return nil, fmt.Errorf("%s attempt %d failed", kind, n)
	}
	return map[string]any{"ok": true, "attempt": n}, nil
}

func (p *fakePlanner) callCount(kind ActionKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[kind]
}

func (p *fakePlanner) AnalyzeCodebase(_ context.Context, _ TaskRequest) (map[string]any, error) {
	return p.run(KindAnalyze)
}

func (p *fakePlanner) GenerateCode(_ context.Context, _ TaskRequest) (map[string]any, error) {
	return p.run(KindGenerateCode)
}

func (p *fakePlanner) SuggestRefactoring(_ context.Context, _ TaskRequest) (map[string]any, error) {
	return p.run(KindRefactor)
}

func (p *fakePlanner) RunTests(_ context.Context, _ TaskRequest) (map[string]any, error) {
	return p.run(KindTest)
}

func (p *fakePlanner) AnalyzeError(_ context.Context, _ TaskRequest) (map[string]any, error) {
	return p.run(KindDebug)
}

func (p *fakePlanner) GenerateDocumentation(_ context.Context, _ TaskRequest) (map[string]any, error) {
	return p.run(KindDocument)
}

func (p *fakePlanner) ReviewCode(_ context.Context, _ TaskRequest) (map[string]any, error) {
	return p.run(KindReview)
}

type fakeMemory struct {
	mu         sync.Mutex
	contextErr error
	stored     []map[string]any
	items      []MemoryItem
}

func (m *fakeMemory) GetContext(context.Context, string, string, int) (*MemoryContext, error) {
	if m.contextErr != nil {
		return nil, m.contextErr
	}
	return &MemoryContext{Project: map[string]any{"name": "demo"}}, nil
}

func (m *fakeMemory) Search(context.Context, string, string, int) ([]MemoryItem, error) {
	return m.items, nil
}

func (m *fakeMemory) Store(_ context.Context, _ string, content, _ map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, content)
	return fmt.Sprintf("mem-%d", len(m.stored)), nil
}

func (m *fakeMemory) storedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stored)
}

type eventLog struct {
	mu      sync.Mutex
	status  []StatusEvent
	actions []ActionEvent
	inputs  []InputRequest
	onInput func(InputRequest)
}

func (l *eventLog) OnStatusChange(ev StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = append(l.status, ev)
}

func (l *eventLog) OnActionComplete(ev ActionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = append(l.actions, ev)
}

func (l *eventLog) OnUserInputNeeded(req InputRequest) {
	l.mu.Lock()
	l.inputs = append(l.inputs, req)
	hook := l.onInput
	l.mu.Unlock()
	if hook != nil {
		hook(req)
	}
}

func (l *eventLog) events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.status))
	for i, ev := range l.status {
		out[i] = ev.Event
	}
	return out
}

func (l *eventLog) actionEvents() []ActionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ActionEvent(nil), l.actions...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LoopDelay = time.Millisecond
	cfg.PausePoll = 2 * time.Millisecond
	cfg.InputTimeout = 2 * time.Second
	cfg.ConfirmationKinds = []ActionKind{}
	return cfg
}

type harness struct {
	engine  *Engine
	planner *fakePlanner
	memory  *fakeMemory
	store   *MemoryCheckpointStore
	events  *eventLog
}

func newHarness(t *testing.T, cfg Config, planner *fakePlanner) *harness {
	t.Helper()
	h := &harness{
		planner: planner,
		memory:  &fakeMemory{},
		store:   NewMemoryCheckpointStore(),
		events:  &eventLog{},
	}
	e, err := New(cfg, Deps{
		Planner:     planner,
		Memory:      h.memory,
		Checkpoints: h.store,
		Listener:    h.events,
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

// seed installs a context without launching the loop.
func (h *harness) seed(goal string) {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	h.engine.ec = &ExecutionContext{
		SessionID:     "s1",
		ProjectID:     "p1",
		UserID:        "u1",
		State:         StateIdle,
		Goal:          goal,
		MaxIterations: h.engine.cfg.MaxIterations,
		Pending:       []*Action{},
		Completed:     []*Action{},
		Failed:        []*Action{},
		MemoryContext: map[string]any{},
	}
}

func (h *harness) startAndWait(t *testing.T, goal string) *ExecutionContext {
	t.Helper()
	_, err := h.engine.Start(context.Background(), "s1", "p1", "u1", goal)
	require.NoError(t, err)
	waitDone(t, h.engine)
	return h.engine.Snapshot()
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not finish; state %s", e.State())
	}
}

var errBoom = errors.New("boom")
