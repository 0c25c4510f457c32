package intent

import (
	"regexp"
	"strings"
)

// Pattern scores: a match is worth at least patternBase, plus up to patternSpan
// more in proportion to how much of the message it covers.
const (
	patternBase = 0.6
	patternSpan = 0.4
)

type patternRule struct {
	intent   Intent
	patterns []*regexp.Regexp
}

func compile(intent Intent, exprs ...string) patternRule {
	rule := patternRule{intent: intent}
	for _, expr := range exprs {
		rule.patterns = append(rule.patterns, regexp.MustCompile(`(?i)`+expr))
	}
	return rule
}

// patternTable is scanned in order; on equal scores the earlier rule wins.
//
//nolint:gochecknoglobals // compiled once
var patternTable = []patternRule{
	// control
	compile(Pause, `\bpause\b`, `\bhold\s+on\b`, `put\s+(it\s+)?on\s+hold`, `stop\s+for\s+now`, `take\s+a\s+break`),
	compile(Resume, `\bresume\b`, `\bunpause\b`, `pick\s+up\s+where`, `get\s+back\s+to\s+(it|work)`),
	compile(Stop, `^stop\b`, `\bstop\s+(it|execution|everything|working|now|the\s+\w+)\b`, `\bhalt\b`, `\babort\b`, `\bterminate\b`),
	compile(Cancel, `\bcancel\b`, `never\s*mind`, `forget\s+(it|about\s+it)`),

	// continuation
	compile(Continue, `^continue$`, `^go(\s+on)?$`, `^proceed$`, `keep\s+going`, `carry\s+on`, `go\s+ahead`),
	compile(NextStep, `^next(\s+step)?$`, `(do|run|start)\s+the\s+next\s+(step|task|one)`, `move\s+on\s+to\s+the\s+next`),

	// query
	compile(CheckStatus, `what'?s?\s+the\s+status`, `how'?s?\s+(it|everything|the\s+\w+)\s+going`,
		`where\s+are\s+we`, `(current|show)\s+(the\s+)?status`, `^status\??$`, `(show\s+)?progress\b`,
		`what'?s?\s+(happening|going\s+on)`, `how\s+much\s+(is\s+)?(done|left)`),
	compile(GetSuggestions, `what'?s?\s+next`, `what\s+should\s+(i|we)\s+do`, `\bsuggest(ions?)?\b`,
		`what\s+do\s+you\s+(suggest|recommend)`, `\brecommend`, `any\s+ideas`),
	compile(Search, `^search\b`, `\bsearch\s+(for|the)\b`, `^find\b`, `look\s+(for|up)`, `where\s+(is|are|do|does)\b`),
	compile(Explain, `^explain\b`, `\bexplain\b`, `what\s+(does|is|are)\b`, `how\s+does\b`, `tell\s+me\s+about`, `^why\b`),

	// planning
	compile(CreateFeature, `create\s+(a\s+)?(new\s+)?feature`, `add\s+(a\s+)?(new\s+)?feature`, `new\s+feature`,
		`let'?s?\s+build`, `i\s+want\s+to\s+build`, `implement\s+(a\s+)?(new\s+)?feature`),
	compile(ModifyFeature, `(update|modify|change|edit|extend)\s+(the\s+|this\s+)?feature`, `add\s+.+\s+to\s+(the\s+)?feature`),
	compile(StartFeature, `start\s+(working\s+on|feature|on)`, `begin\s+(working\s+on|feature)`, `let'?s?\s+start`, `\bwork\s+on\b`),
	compile(CompleteFeature, `mark\s+(it\s+|this\s+|the\s+feature\s+)?(as\s+)?(complete|done|finished)`,
		`(feature|it)\s+is\s+(done|complete|finished)`, `finish(ed)?\s+(the\s+)?feature`, `complete\s+the\s+feature`),
	compile(SwitchFeature, `switch\s+to`, `move\s+to\s+(the\s+)?\w+\s+feature`, `work\s+on\s+.+\s+instead`),

	// execution
	compile(ExecuteTask, `^(run|execute|do)\s+(the\s+)?(task|tasks|plan)\b`, `\bexecute\b`, `\bimplement\b`,
		`build\s+(this|it|that)`, `start\s+(the\s+)?execution`),
	compile(GenerateCode, `generate\s+(the\s+|some\s+)?(code|function|class|module)`, `write\s+(the\s+|some\s+)?code`,
		`create\s+(a\s+)?(function|class|module|method)`),
	compile(FixBug, `fix\s+(the\s+|a\s+|this\s+)?(bug|error|issue|crash|problem)`, `\bdebug\b`, `\btroubleshoot\b`,
		`why\s+is\s+(it|this)\s+(not\s+working|failing|broken)`, `\bfix\b`),
	compile(Refactor, `\brefactor`, `clean\s+up`, `improve\s+(the\s+)?code`, `\boptimi[sz]e\b`),
	compile(RunTests, `(run|execute)\s+(the\s+|all\s+)?tests?`, `(write|add)\s+(some\s+)?tests?`, `\btests?\b`),
	compile(Deploy, `\bdeploy`, `ship\s+it`, `release\s+(it|to)\b`, `push\s+to\s+(prod|production|staging)`),
}

// matchPatterns scores msg against the table and returns the best match. ok is false
// when nothing matched.
func matchPatterns(msg string) (best Result, ok bool) {
	normalized := strings.ToLower(strings.TrimSpace(msg))
	if normalized == "" {
		return Result{}, false
	}
	length := float64(len(normalized))

	bestScore := 0.0
	for i := range patternTable {
		rule := &patternTable[i]
		for _, re := range rule.patterns {
			loc := re.FindStringIndex(normalized)
			if loc == nil {
				continue
			}
			score := patternBase + patternSpan*(float64(loc[1]-loc[0])/length)
			if score > bestScore {
				bestScore = score
				best = Result{
					Intent:         rule.intent,
					Confidence:     score,
					Source:         SourcePattern,
					MatchedPattern: re.String(),
				}
				ok = true
			}
		}
	}
	return best, ok
}
