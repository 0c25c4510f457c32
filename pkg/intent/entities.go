package intent

import (
	"regexp"
	"strings"
)

//nolint:gochecknoglobals // compiled once
var (
	quotedPattern = regexp.MustCompile(`"([^"]+)"|'([^']{2,})'`)
	namedPattern  = regexp.MustCompile(`(?i)\b(?:called|named)\s+["']?([^"',.]+)["']?`)
	forPattern    = regexp.MustCompile(`(?i)\bfor\s+(?:the\s+)?([^,.?!]+?)(?:\s+feature)?(?:[,.?!]|$)`)
	filePattern   = regexp.MustCompile(`(?:^|[\s"'(])((?:[A-Za-z0-9_.-]+/)*[A-Za-z0-9_-][A-Za-z0-9_.-]*\.[A-Za-z][A-Za-z0-9]{0,7})\b`)
)

// featureIntents take their feature name from the first quoted string.
//
//nolint:gochecknoglobals // closed set
var featureIntents = map[Intent]bool{
	CreateFeature: true,
	ModifyFeature: true,
	StartFeature:  true,
	SwitchFeature: true,
}

// extractEntities runs the independent regex passes over the raw message.
func extractEntities(msg string, in Intent) map[string]any {
	entities := map[string]any{}

	var quoted []string
	for _, m := range quotedPattern.FindAllStringSubmatch(msg, -1) {
		s := m[1]
		if s == "" {
			s = m[2]
		}
		if s = strings.TrimSpace(s); s != "" {
			quoted = append(quoted, s)
		}
	}
	if len(quoted) > 0 {
		entities[EntityQuotedStrings] = quoted
		if featureIntents[in] {
			entities[EntityFeatureName] = quoted[0]
		}
	}

	if m := namedPattern.FindStringSubmatch(msg); m != nil {
		if name := strings.TrimSpace(m[1]); name != "" {
			entities[EntityFeatureName] = name
		}
	}

	if m := forPattern.FindStringSubmatch(msg); m != nil {
		if target := strings.Trim(strings.TrimSpace(m[1]), `"'`); target != "" {
			entities[EntityTarget] = target
		}
	}

	seen := map[string]bool{}
	var files []string
	for _, m := range filePattern.FindAllStringSubmatch(msg, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			files = append(files, m[1])
		}
	}
	if len(files) > 0 {
		entities[EntityFiles] = files
	}

	return entities
}

// mergeEntities copies src into dst without overwriting non-empty values in dst.
func mergeEntities(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		if isEmpty(v) {
			continue
		}
		if existing, ok := dst[k]; ok && !isEmpty(existing) {
			continue
		}
		dst[k] = v
	}
	return dst
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}
