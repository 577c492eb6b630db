// ABOUTME: Tool plan construction from explicit tags and model recommendations
// ABOUTME: Explicit #tool tags run first, then the recommended tool

package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/2389/coven-warden/internal/arbiter"
)

// maxOutputBytes caps how much tool output is stored and echoed back.
const maxOutputBytes = 100_000

var (
	explicitTagPattern  = regexp.MustCompile(`#([a-zA-Z0-9_]+)`)
	recommendedFragment = regexp.MustCompile(`\{[^{}]*"recommended_tool"[^{}]*\}`)
)

type plannedCall struct {
	name   string
	origin arbiter.Origin
}

// parseExplicitTags extracts #tool tags from the user's message text,
// preserving order and dropping duplicates.
func parseExplicitTags(text string) []string {
	matches := explicitTagPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	var tags []string
	for _, m := range matches {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		tags = append(tags, m[1])
	}
	return tags
}

// extractRecommendedTool pulls a {"recommended_tool": "..."} fragment out
// of the model's response, returning the cleaned display text and the
// tool name. Malformed fragments are left in place and ignored.
func extractRecommendedTool(raw string) (text, toolName string) {
	fragment := recommendedFragment.FindString(raw)
	if fragment == "" {
		return raw, ""
	}

	var parsed struct {
		RecommendedTool string `json:"recommended_tool"`
	}
	if err := json.Unmarshal([]byte(fragment), &parsed); err != nil || parsed.RecommendedTool == "" {
		return raw, ""
	}

	text = strings.TrimSpace(strings.Replace(raw, fragment, "", 1))
	return text, parsed.RecommendedTool
}

// buildPlan orders a turn's tool calls: explicit tags first in message
// order, then the model's recommendation unless it duplicates a tag.
func buildPlan(userText, recommended string) []plannedCall {
	var plan []plannedCall
	tagged := make(map[string]struct{})
	for _, tag := range parseExplicitTags(userText) {
		tagged[tag] = struct{}{}
		plan = append(plan, plannedCall{name: tag, origin: arbiter.OriginExplicitTag})
	}
	if recommended != "" {
		if _, dup := tagged[recommended]; !dup {
			plan = append(plan, plannedCall{name: recommended, origin: arbiter.OriginAgentProposed})
		}
	}
	return plan
}

// truncateOutput caps tool output at maxOutputBytes, marking the cut.
func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n[output truncated]"
}
