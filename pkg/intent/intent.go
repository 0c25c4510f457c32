// Package intent classifies free-text user messages into a closed set of intents.
//
// Classification runs in two stages: a regular-expression table that scores matches by
// how much of the message they cover, and an LLM fallback for messages no pattern
// recognises with high confidence. Entity extraction always runs on the raw message.
package intent

// Intent is the classified purpose of one user message.
type Intent string

// Planning intents.
const (
	CreateFeature   Intent = "create_feature"
	ModifyFeature   Intent = "modify_feature"
	StartFeature    Intent = "start_feature"
	CompleteFeature Intent = "complete_feature"
	SwitchFeature   Intent = "switch_feature"
)

// Execution intents.
const (
	ExecuteTask  Intent = "execute_task"
	GenerateCode Intent = "generate_code"
	FixBug       Intent = "fix_bug"
	Refactor     Intent = "refactor"
	RunTests     Intent = "run_tests"
	Deploy       Intent = "deploy"
)

// Query intents.
const (
	CheckStatus    Intent = "check_status"
	GetSuggestions Intent = "get_suggestions"
	Search         Intent = "search"
	Explain        Intent = "explain"
)

// Control intents.
const (
	Pause  Intent = "pause"
	Resume Intent = "resume"
	Stop   Intent = "stop"
	Cancel Intent = "cancel"
)

// Continuation and fallback intents.
const (
	Continue      Intent = "continue"
	NextStep      Intent = "next_step"
	Clarification Intent = "clarification"
	Unknown       Intent = "unknown"
)

// Category groups intents by the subsystem that handles them.
type Category string

// Categories.
const (
	CategoryPlanning      Category = "planning"
	CategoryExecution     Category = "execution"
	CategoryQuery         Category = "query"
	CategoryControl       Category = "control"
	CategoryContinuation  Category = "continuation"
	CategoryClarification Category = "clarification"
	CategoryUnknown       Category = "unknown"
)

//nolint:gochecknoglobals // closed lookup table
var categories = map[Intent]Category{
	CreateFeature:   CategoryPlanning,
	ModifyFeature:   CategoryPlanning,
	StartFeature:    CategoryPlanning,
	CompleteFeature: CategoryPlanning,
	SwitchFeature:   CategoryPlanning,
	ExecuteTask:     CategoryExecution,
	GenerateCode:    CategoryExecution,
	FixBug:          CategoryExecution,
	Refactor:        CategoryExecution,
	RunTests:        CategoryExecution,
	Deploy:          CategoryExecution,
	CheckStatus:     CategoryQuery,
	GetSuggestions:  CategoryQuery,
	Search:          CategoryQuery,
	Explain:         CategoryQuery,
	Pause:           CategoryControl,
	Resume:          CategoryControl,
	Stop:            CategoryControl,
	Cancel:          CategoryControl,
	Continue:        CategoryContinuation,
	NextStep:        CategoryContinuation,
	Clarification:   CategoryClarification,
	Unknown:         CategoryUnknown,
}

// Category returns the category the intent belongs to.
func (i Intent) Category() Category {
	if c, ok := categories[i]; ok {
		return c
	}
	return CategoryUnknown
}

// Valid reports whether i is one of the known intents.
func (i Intent) Valid() bool {
	_, ok := categories[i]
	return ok
}

func (i Intent) String() string { return string(i) }

// ParseIntent maps a name to an Intent. Unknown names yield Unknown and false.
func ParseIntent(name string) (Intent, bool) {
	i := Intent(name)
	if !i.Valid() {
		return Unknown, false
	}
	return i, true
}

// All returns every known intent grouped by category, in a stable order.
func All() []Intent {
	return []Intent{
		CreateFeature, ModifyFeature, StartFeature, CompleteFeature, SwitchFeature,
		ExecuteTask, GenerateCode, FixBug, Refactor, RunTests, Deploy,
		CheckStatus, GetSuggestions, Search, Explain,
		Pause, Resume, Stop, Cancel,
		Continue, NextStep,
		Clarification, Unknown,
	}
}

// Where a classification came from.
const (
	SourcePattern = "pattern"
	SourceLLM     = "llm"
	SourceMerged  = "merged"
	SourceDefault = "fallback"
)

// Entity keys produced by extraction and consumed by the orchestrator.
const (
	EntityFeatureName     = "feature_name"
	EntityTaskDescription = "task_description"
	EntityDescription     = "description"
	EntityTarget          = "target"
	EntityQuotedStrings   = "quoted_strings"
	EntityFiles           = "files"
)

// Context-needed items.
const (
	NeedFeatureName   = "feature_name"
	NeedTargetFeature = "target_feature"
	NeedDescription   = "description"
)

// Result is the outcome of classifying one message.
type Result struct {
	Intent               Intent         `json:"intent"`
	Category             Category       `json:"category"`
	Confidence           float64        `json:"confidence"`
	Entities             map[string]any `json:"entities"`
	ContextNeeded        []string       `json:"context_needed"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	SuggestedAction      string         `json:"suggested_action"`
	Source               string         `json:"source"`
	MatchedPattern       string         `json:"matched_pattern,omitempty"`
}

// Entity returns entity key as a string, or "" when absent or not a string.
func (r *Result) Entity(key string) string {
	if r == nil || r.Entities == nil {
		return ""
	}
	if s, ok := r.Entities[key].(string); ok {
		return s
	}
	return ""
}

// Context is what the classifier knows about the conversation.
type Context struct {
	ProjectName    string
	ActiveFeature  string
	PlannerActive  bool
	ExecutorActive bool
}
