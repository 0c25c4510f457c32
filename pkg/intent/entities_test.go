package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractEntities(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		intent Intent
		want   map[string]any
	}{
		{
			name:   "quoted feature name",
			msg:    `start "checkout flow" today`,
			intent: StartFeature,
			want: map[string]any{
				EntityQuotedStrings: []string{"checkout flow"},
				EntityFeatureName:   "checkout flow",
			},
		},
		{
			name:   "quoted strings do not name non-feature intents",
			msg:    `search "retry budget"`,
			intent: Search,
			want:   map[string]any{EntityQuotedStrings: []string{"retry budget"}},
		},
		{
			name:   "called",
			msg:    "create a feature called Smart Search, please",
			intent: CreateFeature,
			want:   map[string]any{EntityFeatureName: "Smart Search"},
		},
		{
			name:   "for target",
			msg:    "write tests for the payment service.",
			intent: RunTests,
			want:   map[string]any{EntityTarget: "payment service"},
		},
		{
			name:   "for target strips feature suffix",
			msg:    "generate code for the login feature",
			intent: GenerateCode,
			want:   map[string]any{EntityTarget: "login"},
		},
		{
			name:   "file paths",
			msg:    "fix the panic in pkg/auth/token.go and main.go, then pkg/auth/token.go again",
			intent: FixBug,
			want:   map[string]any{EntityFiles: []string{"pkg/auth/token.go", "main.go"}},
		},
		{
			name:   "nothing",
			msg:    "pause",
			intent: Pause,
			want:   map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractEntities(tt.msg, tt.intent))
		})
	}
}

func TestMergeEntitiesKeepsExistingValues(t *testing.T) {
	got := mergeEntities(
		map[string]any{EntityFeatureName: "from llm", EntityTarget: ""},
		map[string]any{EntityFeatureName: "from regex", EntityTarget: "api", EntityFiles: []string{}},
	)
	assert.Equal(t, map[string]any{EntityFeatureName: "from llm", EntityTarget: "api"}, got)
}
