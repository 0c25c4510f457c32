package intent

import "strings"

// contextNeeded lists what must still be learned before res can be acted on.
func contextNeeded(res *Result, cctx *Context) []string {
	needed := []string{}
	hasName := res.Entity(EntityFeatureName) != ""
	hasTarget := res.Entity(EntityTarget) != ""

	switch res.Intent {
	case CreateFeature:
		if !hasName {
			needed = append(needed, NeedFeatureName)
		}
	case StartFeature, CompleteFeature:
		if !hasName && !hasTarget && cctx.ActiveFeature == "" {
			needed = append(needed, NeedTargetFeature)
		}
	case SwitchFeature, ModifyFeature:
		if !hasName && !hasTarget {
			needed = append(needed, NeedTargetFeature)
		}
	case ExecuteTask, GenerateCode, FixBug, Refactor:
		hasWork := hasTarget ||
			res.Entity(EntityDescription) != "" ||
			res.Entity(EntityTaskDescription) != "" ||
			res.Entities[EntityFiles] != nil
		if !hasWork && cctx.ActiveFeature == "" && !cctx.ExecutorActive {
			needed = append(needed, NeedDescription)
		}
	}
	return needed
}

//nolint:gochecknoglobals // read-only templates
var actionTemplates = map[Intent]string{
	CreateFeature:   "Create feature: {name}",
	ModifyFeature:   "Update feature: {name}",
	StartFeature:    "Start working on: {name}",
	CompleteFeature: "Mark as complete: {name}",
	SwitchFeature:   "Switch to: {name}",
	ExecuteTask:     "Execute: {description}",
	GenerateCode:    "Generate code for: {description}",
	FixBug:          "Fix: {target}",
	Refactor:        "Refactor: {target}",
	RunTests:        "Run tests for: {target}",
	Deploy:          "Deploy: {target}",
	CheckStatus:     "Show current status",
	GetSuggestions:  "Suggest next steps",
	Search:          "Search: {query}",
	Explain:         "Explain: {target}",
	Pause:           "Pause execution",
	Resume:          "Resume execution",
	Stop:            "Stop execution",
	Cancel:          "Cancel current work",
	Continue:        "Continue with current task",
	NextStep:        "Proceed to the next step",
	Clarification:   "Answer pending question",
}

// suggestedAction fills the intent's template from entities and context.
func suggestedAction(res *Result, cctx *Context, msg string) string {
	tmpl, ok := actionTemplates[res.Intent]
	if !ok {
		return "Process request"
	}

	name := firstNonEmpty(res.Entity(EntityFeatureName), res.Entity(EntityTarget), cctx.ActiveFeature, "current")
	description := firstNonEmpty(res.Entity(EntityTaskDescription), res.Entity(EntityDescription),
		res.Entity(EntityTarget), res.Entity(EntityFeatureName), cctx.ActiveFeature, "the task")
	target := firstNonEmpty(res.Entity(EntityTarget), firstFile(res), res.Entity(EntityFeatureName), cctx.ActiveFeature, "current code")

	return strings.NewReplacer(
		"{name}", name,
		"{description}", description,
		"{target}", target,
		"{query}", strings.TrimSpace(msg),
	).Replace(tmpl)
}

func firstFile(res *Result) string {
	switch files := res.Entities[EntityFiles].(type) {
	case []string:
		if len(files) > 0 {
			return files[0]
		}
	case []any:
		if len(files) > 0 {
			if s, ok := files[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
