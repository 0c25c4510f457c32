package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"autopilot/pkg/engine"
	"autopilot/pkg/intent"
	"autopilot/pkg/logx"
)

// ErrFeatureNotFound is returned when a named feature does not exist.
var ErrFeatureNotFound = errors.New("feature not found")

// FeatureStatus tracks a feature through its lifecycle.
type FeatureStatus string

// Feature statuses.
const (
	FeatureNotStarted FeatureStatus = "not_started"
	FeatureInProgress FeatureStatus = "in_progress"
	FeaturePaused     FeatureStatus = "paused"
	FeatureCompleted  FeatureStatus = "completed"
)

// Feature task statuses.
const (
	TaskPending   = "pending"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// FeatureTask is one executor task reported against a feature.
type FeatureTask struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Feature is a unit of planned work.
type Feature struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Status       FeatureStatus  `json:"status"`
	Priority     int            `json:"priority"`
	Tasks        []FeatureTask  `json:"tasks,omitempty"`
	PauseContext map[string]any `json:"pause_context,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
}

func (f *Feature) clone() *Feature {
	if f == nil {
		return nil
	}
	c := *f
	c.Tasks = append([]FeatureTask(nil), f.Tasks...)
	if f.PauseContext != nil {
		c.PauseContext = make(map[string]any, len(f.PauseContext))
		for k, v := range f.PauseContext {
			c.PauseContext[k] = v
		}
	}
	return &c
}

func (f *Feature) pendingTasks() []FeatureTask {
	var out []FeatureTask
	for _, t := range f.Tasks {
		if t.Status == TaskPending {
			out = append(out, t)
		}
	}
	return out
}

// ResultType distinguishes the planning responses.
type ResultType string

// Planning result types.
const (
	ResultPlanningResponse ResultType = "planning_response"
	ResultClarification    ResultType = "clarification_request"
	ResultDelegate         ResultType = "delegate_to_executor"
)

// Suggestion proposes the user's next step.
type Suggestion struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	FeatureID string `json:"feature_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// Request is one planning message routed from the orchestrator.
type Request struct {
	ProjectID string
	UserID    string
	Message   string
	Intent    *intent.Result
}

// Result is the planning side's answer to one message.
type Result struct {
	Type            ResultType     `json:"type"`
	Intent          intent.Intent  `json:"intent"`
	Success         bool           `json:"success"`
	Message         string         `json:"message"`
	Questions       []string       `json:"questions,omitempty"`
	Feature         *Feature       `json:"feature,omitempty"`
	Entities        map[string]any `json:"entities,omitempty"`
	PlanningContext map[string]any `json:"planning_context,omitempty"`
	SuggestedAction string         `json:"suggested_action,omitempty"`
	Next            *Suggestion    `json:"next,omitempty"`
}

// Summary aggregates a project's features.
type Summary struct {
	ProjectID            string                `json:"project_id"`
	TotalFeatures        int                   `json:"total_features"`
	CompletedFeatures    int                   `json:"completed_features"`
	CompletionPercentage float64               `json:"completion_percentage"`
	StatusBreakdown      map[FeatureStatus]int `json:"status_breakdown"`
	ActiveFeature        *Feature              `json:"active_feature,omitempty"`
}

// TaskUpdate is returned when the executor reports on a task.
type TaskUpdate struct {
	TaskID         string      `json:"task_id"`
	Completed      bool        `json:"completed"`
	Error          string      `json:"error,omitempty"`
	FeatureID      string      `json:"feature_id,omitempty"`
	FeatureStatus  string      `json:"feature_status,omitempty"`
	RemainingTasks int         `json:"remaining_tasks"`
	Suggestion     *Suggestion `json:"suggestion,omitempty"`
}

// ClarificationQuestions maps a missing piece of context to the question that asks for it.
//
//nolint:gochecknoglobals // read-only question table
var ClarificationQuestions = map[string]string{
	intent.NeedFeatureName:   "What would you like to name this feature?",
	intent.NeedTargetFeature: "Which feature are you referring to?",
	intent.NeedDescription:   "Can you describe what this feature should do?",
}

// QuestionFor returns the clarification question for a missing context item.
func QuestionFor(need string) string {
	if q, ok := ClarificationQuestions[need]; ok {
		return q
	}
	return "Please specify: " + need
}

type projectPlan struct {
	features []*Feature
	active   string
}

// FeatureBook keeps each project's features and its active feature. When a Memory is
// supplied every change is stored as a project memory record and Load restores it.
type FeatureBook struct {
	mu       sync.RWMutex
	projects map[string]*projectPlan
	memory   engine.Memory
	logger   *logx.Logger
	now      func() time.Time
}

// NewFeatureBook creates an empty book. memory may be nil.
func NewFeatureBook(memory engine.Memory) *FeatureBook {
	return &FeatureBook{
		projects: make(map[string]*projectPlan),
		memory:   memory,
		logger:   logx.NewLogger("features"),
		now:      time.Now,
	}
}

func (b *FeatureBook) project(projectID string) *projectPlan {
	p, ok := b.projects[projectID]
	if !ok {
		p = &projectPlan{}
		b.projects[projectID] = p
	}
	return p
}

// HandleMessage applies one planning intent. Missing features produce clarification
// requests; starting a feature delegates to the executor.
func (b *FeatureBook) HandleMessage(ctx context.Context, req Request) (*Result, error) {
	if req.Intent == nil {
		return nil, errors.New("planning request has no intent")
	}
	if req.ProjectID == "" {
		return nil, fmt.Errorf("%w: empty project id", engine.ErrInvalidIdentifier)
	}

	b.mu.Lock()
	var res *Result
	switch req.Intent.Intent {
	case intent.CreateFeature:
		res = b.createFeature(req)
	case intent.ModifyFeature:
		res = b.modifyFeature(req)
	case intent.StartFeature:
		res = b.startFeature(req)
	case intent.CompleteFeature:
		res = b.completeFeature(req)
	case intent.SwitchFeature:
		res = b.switchFeature(req)
	default:
		res = &Result{
			Type:    ResultPlanningResponse,
			Message: `Nothing to plan from that. Try "create a feature called <name>" or "start <feature>".`,
			Next:    b.nextSuggestion(req.ProjectID),
		}
	}
	res.Intent = req.Intent.Intent
	var snapshot map[string]any
	if res.Success {
		snapshot = b.snapshot(req.ProjectID)
	}
	b.mu.Unlock()

	if snapshot != nil {
		b.persist(ctx, req.ProjectID, snapshot)
	}
	return res, nil
}

func (b *FeatureBook) createFeature(req Request) *Result {
	name := req.Intent.Entity(intent.EntityFeatureName)
	if name == "" {
		return clarify(intent.NeedFeatureName)
	}
	p := b.project(req.ProjectID)
	if existing := findExact(p.features, name); existing != nil {
		return &Result{
			Type:    ResultPlanningResponse,
			Message: fmt.Sprintf("Feature '%s' already exists (%s)", existing.Name, existing.Status),
			Feature: existing.clone(),
		}
	}

	now := b.now()
	f := &Feature{
		ID:           uuid.New().String(),
		Name:         name,
		Description:  firstEntity(req.Intent, intent.EntityDescription, intent.EntityTaskDescription),
		Status:       FeatureNotStarted,
		Priority:     engine.DefaultPriority,
		CreatedAt:    now,
		LastActivity: now,
	}
	p.features = append(p.features, f)
	b.logger.Info("✨ Created feature %s in project %s", f.Name, req.ProjectID)

	return &Result{
		Type:    ResultPlanningResponse,
		Success: true,
		Message: fmt.Sprintf("Created feature '%s'", f.Name),
		Feature: f.clone(),
		Next:    &Suggestion{Type: "start", Message: "Start feature: " + f.Name, FeatureID: f.ID},
	}
}

func (b *FeatureBook) modifyFeature(req Request) *Result {
	p := b.project(req.ProjectID)
	f := b.lookup(p, req.Intent, false)
	if f == nil {
		return clarify(intent.NeedTargetFeature)
	}
	if d := firstEntity(req.Intent, intent.EntityDescription, intent.EntityTaskDescription); d != "" {
		f.Description = d
	} else {
		f.Description = strings.TrimSpace(req.Message)
	}
	f.LastActivity = b.now()

	return &Result{
		Type:    ResultPlanningResponse,
		Success: true,
		Message: fmt.Sprintf("Updated feature '%s'", f.Name),
		Feature: f.clone(),
		Next:    suggestNext(f),
	}
}

func (b *FeatureBook) startFeature(req Request) *Result {
	p := b.project(req.ProjectID)
	f := b.lookup(p, req.Intent, true)
	if f == nil {
		return clarify(intent.NeedTargetFeature)
	}
	if f.Status == FeatureCompleted {
		return &Result{
			Type:    ResultPlanningResponse,
			Message: fmt.Sprintf("Feature '%s' is already completed", f.Name),
			Feature: f.clone(),
		}
	}
	if p.active != "" && p.active != f.ID {
		b.pause(p, "Switched to feature "+f.Name)
	}
	f.Status = FeatureInProgress
	f.PauseContext = nil
	f.LastActivity = b.now()
	p.active = f.ID
	b.logger.Info("▶️ Started feature %s", f.Name)

	entities := make(map[string]any, len(req.Intent.Entities)+1)
	for k, v := range req.Intent.Entities {
		entities[k] = v
	}
	entities[intent.EntityFeatureName] = f.Name

	goal := "Implement feature: " + f.Name
	if f.Description != "" {
		goal += " - " + f.Description
	}
	return &Result{
		Type:            ResultDelegate,
		Success:         true,
		Message:         fmt.Sprintf("Starting work on '%s'", f.Name),
		Feature:         f.clone(),
		Entities:        entities,
		PlanningContext: b.planningContext(req.ProjectID, p),
		SuggestedAction: goal,
	}
}

func (b *FeatureBook) completeFeature(req Request) *Result {
	p := b.project(req.ProjectID)
	f := b.lookup(p, req.Intent, true)
	if f == nil {
		return clarify(intent.NeedTargetFeature)
	}
	f.Status = FeatureCompleted
	f.PauseContext = nil
	f.LastActivity = b.now()
	if p.active == f.ID {
		p.active = ""
	}
	b.logger.Info("✅ Completed feature %s", f.Name)

	return &Result{
		Type:    ResultPlanningResponse,
		Success: true,
		Message: fmt.Sprintf("Marked '%s' as complete", f.Name),
		Feature: f.clone(),
		Next:    b.nextSuggestion(req.ProjectID),
	}
}

func (b *FeatureBook) switchFeature(req Request) *Result {
	p := b.project(req.ProjectID)
	to := b.lookup(p, req.Intent, false)
	if to == nil {
		return clarify(intent.NeedTargetFeature)
	}
	if to.Status == FeatureCompleted {
		return &Result{
			Type:    ResultPlanningResponse,
			Message: fmt.Sprintf("Feature '%s' is already completed", to.Name),
			Feature: to.clone(),
		}
	}

	from := ""
	if p.active != "" && p.active != to.ID {
		if prev := b.pause(p, "Switched to feature "+to.Name); prev != nil {
			from = prev.Name
		}
	}
	to.Status = FeatureInProgress
	to.PauseContext = nil
	to.LastActivity = b.now()
	p.active = to.ID

	msg := fmt.Sprintf("Switched to '%s'", to.Name)
	if from != "" {
		msg = fmt.Sprintf("Switched from '%s' to '%s'", from, to.Name)
	}
	return &Result{
		Type:    ResultPlanningResponse,
		Success: true,
		Message: msg,
		Feature: to.clone(),
		Next:    suggestNext(to),
	}
}

// pause parks the active feature and clears the active slot.
func (b *FeatureBook) pause(p *projectPlan, reason string) *Feature {
	prev := findID(p.features, p.active)
	p.active = ""
	if prev == nil || prev.Status == FeatureCompleted {
		return nil
	}
	prev.Status = FeaturePaused
	prev.LastActivity = b.now()
	prev.PauseContext = map[string]any{
		"reason":        reason,
		"paused_at":     prev.LastActivity.UTC().Format(time.RFC3339),
		"pending_tasks": len(prev.pendingTasks()),
	}
	return prev
}

// lookup resolves the feature named by the intent's entities, falling back to the active
// feature when allowActive is set.
func (b *FeatureBook) lookup(p *projectPlan, res *intent.Result, allowActive bool) *Feature {
	name := firstEntity(res, intent.EntityFeatureName, intent.NeedTargetFeature, intent.EntityTarget)
	if name != "" {
		if f := findExact(p.features, name); f != nil {
			return f
		}
		lower := strings.ToLower(name)
		for _, f := range p.features {
			if strings.Contains(strings.ToLower(f.Name), lower) {
				return f
			}
		}
		return nil
	}
	if allowActive {
		return findID(p.features, p.active)
	}
	return nil
}

// ActiveFeature returns the project's active feature, or nil.
func (b *FeatureBook) ActiveFeature(projectID string) *Feature {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.projects[projectID]
	if !ok {
		return nil
	}
	return findID(p.features, p.active).clone()
}

// ResumableFeatures lists paused and in-progress features, most recently active first.
func (b *FeatureBook) ResumableFeatures(projectID string) []*Feature {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.projects[projectID]
	if !ok {
		return nil
	}
	var out []*Feature
	for _, f := range p.features {
		if f.Status == FeaturePaused || f.Status == FeatureInProgress {
			out = append(out, f.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out
}

// Suggestions lists not-started features, highest priority first.
func (b *FeatureBook) Suggestions(projectID string, limit int) []*Feature {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.suggestions(projectID, limit)
}

func (b *FeatureBook) suggestions(projectID string, limit int) []*Feature {
	p, ok := b.projects[projectID]
	if !ok {
		return nil
	}
	var out []*Feature
	for _, f := range p.features {
		if f.Status == FeatureNotStarted {
			out = append(out, f.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (b *FeatureBook) nextSuggestion(projectID string) *Suggestion {
	if p, ok := b.projects[projectID]; ok {
		if active := findID(p.features, p.active); active != nil {
			return suggestNext(active)
		}
	}
	if next := b.suggestions(projectID, 1); len(next) > 0 {
		return &Suggestion{Type: "start", Message: "Start feature: " + next[0].Name, FeatureID: next[0].ID}
	}
	return &Suggestion{Type: "create", Message: "No features yet. What would you like to build?"}
}

// NextStep suggests how to continue the active feature, or nil when none is active.
func (b *FeatureBook) NextStep(projectID string) *Suggestion {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.projects[projectID]
	if !ok {
		return nil
	}
	if active := findID(p.features, p.active); active != nil {
		return suggestNext(active)
	}
	return nil
}

// Status summarizes the project's features.
func (b *FeatureBook) Status(projectID string) *Summary {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := &Summary{ProjectID: projectID, StatusBreakdown: map[FeatureStatus]int{}}
	p, ok := b.projects[projectID]
	if !ok {
		return s
	}
	for _, f := range p.features {
		s.TotalFeatures++
		s.StatusBreakdown[f.Status]++
		if f.Status == FeatureCompleted {
			s.CompletedFeatures++
		}
	}
	if s.TotalFeatures > 0 {
		s.CompletionPercentage = float64(s.CompletedFeatures) / float64(s.TotalFeatures) * 100
	}
	s.ActiveFeature = findID(p.features, p.active).clone()
	return s
}

// PlanningContext describes the active feature for an executor handoff.
func (b *FeatureBook) PlanningContext(projectID string) map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.planningContext(projectID, b.projects[projectID])
}

func (b *FeatureBook) planningContext(projectID string, p *projectPlan) map[string]any {
	out := map[string]any{"project_id": projectID}
	if p == nil {
		return out
	}
	f := findID(p.features, p.active)
	if f == nil {
		return out
	}
	out["active_feature"] = map[string]any{
		"id":          f.ID,
		"name":        f.Name,
		"description": f.Description,
		"status":      string(f.Status),
	}
	pending := f.pendingTasks()
	if len(pending) > 0 {
		titles := make([]string, len(pending))
		for i, t := range pending {
			titles[i] = t.Title
		}
		out["pending_tasks"] = titles
	}
	return out
}

// ReportTaskCompletion records a finished executor task against the active feature.
func (b *FeatureBook) ReportTaskCompletion(ctx context.Context, projectID, taskID, title string) *TaskUpdate {
	return b.report(ctx, projectID, taskID, title, "")
}

// ReportTaskFailure records a failed executor task against the active feature.
func (b *FeatureBook) ReportTaskFailure(ctx context.Context, projectID, taskID, title, errMsg string) *TaskUpdate {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return b.report(ctx, projectID, taskID, title, errMsg)
}

func (b *FeatureBook) report(ctx context.Context, projectID, taskID, title, errMsg string) *TaskUpdate {
	update := &TaskUpdate{TaskID: taskID, Completed: errMsg == "", Error: errMsg}

	b.mu.Lock()
	p := b.project(projectID)
	f := findID(p.features, p.active)
	if f == nil {
		b.mu.Unlock()
		return update
	}

	status := TaskCompleted
	if errMsg != "" {
		status = TaskFailed
	}
	now := b.now()
	found := false
	for i := range f.Tasks {
		if f.Tasks[i].ID == taskID {
			f.Tasks[i].Status, f.Tasks[i].Error, f.Tasks[i].UpdatedAt = status, errMsg, now
			if title != "" {
				f.Tasks[i].Title = title
			}
			found = true
			break
		}
	}
	if !found {
		f.Tasks = append(f.Tasks, FeatureTask{ID: taskID, Title: firstNonEmpty(title, taskID), Status: status, Error: errMsg, UpdatedAt: now})
	}
	f.LastActivity = now

	pending := f.pendingTasks()
	update.FeatureID = f.ID
	update.RemainingTasks = len(pending)
	switch {
	case errMsg != "":
		update.FeatureStatus = string(f.Status)
		update.Suggestion = &Suggestion{
			Type:    "retry_or_skip",
			Message: fmt.Sprintf("Task '%s' failed. Retry or skip?", firstNonEmpty(title, taskID)),
			TaskID:  taskID,
		}
	case len(pending) == 0:
		update.FeatureStatus = "all_tasks_done"
		update.Suggestion = &Suggestion{
			Type:      "complete_feature",
			Message:   fmt.Sprintf("All tasks complete. Mark '%s' as done?", f.Name),
			FeatureID: f.ID,
		}
	default:
		update.FeatureStatus = string(f.Status)
		update.Suggestion = &Suggestion{Type: "continue", Message: "Next task: " + pending[0].Title, TaskID: pending[0].ID}
	}
	snapshot := b.snapshot(projectID)
	b.mu.Unlock()

	b.persist(ctx, projectID, snapshot)
	return update
}

// AddTasks registers pending tasks against a feature so progress can be reported.
func (b *FeatureBook) AddTasks(ctx context.Context, projectID, featureName string, tasks []engine.Task) error {
	b.mu.Lock()
	p := b.project(projectID)
	f := findExact(p.features, featureName)
	if f == nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, featureName)
	}
	now := b.now()
	for _, t := range tasks {
		if findTask(f, t.ID) {
			continue
		}
		f.Tasks = append(f.Tasks, FeatureTask{ID: t.ID, Title: firstNonEmpty(t.Title, t.Description), Status: TaskPending, UpdatedAt: now})
	}
	snapshot := b.snapshot(projectID)
	b.mu.Unlock()

	b.persist(ctx, projectID, snapshot)
	return nil
}

type bookSnapshot struct {
	Features      []*Feature `json:"features"`
	ActiveFeature string     `json:"active_feature"`
}

// snapshot serializes a project; callers hold b.mu.
func (b *FeatureBook) snapshot(projectID string) map[string]any {
	if b.memory == nil {
		return nil
	}
	p := b.project(projectID)
	data, err := json.Marshal(bookSnapshot{Features: p.features, ActiveFeature: p.active})
	if err != nil {
		b.logger.Warn("⚠️ Failed to encode features for %s: %v", projectID, err)
		return nil
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	out["type"] = "project"
	return out
}

func (b *FeatureBook) persist(ctx context.Context, projectID string, snapshot map[string]any) {
	if b.memory == nil || snapshot == nil {
		return
	}
	if _, err := b.memory.Store(ctx, projectID, snapshot, map[string]any{"source": "features"}); err != nil {
		b.logger.Warn("⚠️ Failed to persist features for %s: %v", projectID, err)
	}
}

// Load restores a project's features from the latest project memory record. A project
// with no record loads empty.
func (b *FeatureBook) Load(ctx context.Context, projectID string) error {
	if b.memory == nil {
		return nil
	}
	mc, err := b.memory.GetContext(ctx, projectID, "", 1)
	if err != nil {
		return fmt.Errorf("failed to load features for %s: %w", projectID, err)
	}
	if mc == nil || mc.Project == nil {
		return nil
	}
	data, err := json.Marshal(mc.Project)
	if err != nil {
		return fmt.Errorf("failed to decode features for %s: %w", projectID, err)
	}
	var snap bookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode features for %s: %w", projectID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.projects[projectID] = &projectPlan{features: snap.Features, active: snap.ActiveFeature}
	b.logger.Info("📂 Loaded %d features for project %s", len(snap.Features), projectID)
	return nil
}

func clarify(need string) *Result {
	return &Result{
		Type:      ResultClarification,
		Message:   QuestionFor(need),
		Questions: []string{QuestionFor(need)},
	}
}

func suggestNext(f *Feature) *Suggestion {
	if pending := f.pendingTasks(); len(pending) > 0 {
		return &Suggestion{Type: "continue", Message: "Continue with task: " + pending[0].Title, FeatureID: f.ID, TaskID: pending[0].ID}
	}
	if f.Status == FeatureNotStarted {
		return &Suggestion{Type: "start", Message: "Start feature: " + f.Name, FeatureID: f.ID}
	}
	return &Suggestion{Type: "continue", Message: "Continue working on: " + f.Name, FeatureID: f.ID}
}

func findExact(features []*Feature, name string) *Feature {
	for _, f := range features {
		if strings.EqualFold(f.Name, name) {
			return f
		}
	}
	return nil
}

func findID(features []*Feature, id string) *Feature {
	if id == "" {
		return nil
	}
	for _, f := range features {
		if f.ID == id {
			return f
		}
	}
	return nil
}

func findTask(f *Feature, id string) bool {
	for _, t := range f.Tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

func firstEntity(res *intent.Result, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(res.Entity(k)); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
