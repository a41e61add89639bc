// Package prompt renders mentor prompt templates. Rendering is a pure
// function of its inputs: no clock, no randomness, no I/O. That keeps the
// effective-prompt preview endpoint and the tests byte-exact.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/philia-app/mentor-service/internal/model"
	"github.com/philia-app/mentor-service/internal/retrieval"
)

// Template placeholders. Placeholders absent from a template are simply not
// substituted; missing data renders as an empty section, never as a literal
// token.
const (
	PlaceholderTargetName     = "{target_name}"
	PlaceholderProfileSummary = "{profile_summary}"
	PlaceholderPreferences    = "{preferences}"
	PlaceholderContext        = "{context}"
)

const emptyContextNote = "No relevant history recorded."

// Render substitutes the four named placeholders into template. The context
// block lists each retrieved memory in rank order, prefixed with its event
// date.
func Render(template string, target *model.TargetProfile, results []retrieval.Result) string {
	var name, profile, preferences string
	if target != nil {
		name = target.Name
		profile = ProfileSummary(target)
		preferences = PreferencesSummary(target.Preferences)
	}
	return strings.NewReplacer(
		PlaceholderTargetName, name,
		PlaceholderProfileSummary, profile,
		PlaceholderPreferences, preferences,
		PlaceholderContext, ContextBlock(results),
	).Replace(template)
}

// ContextBlock concatenates retrieved memories in rank order, one line per
// memory with its event date and sentiment.
func ContextBlock(results []retrieval.Result) string {
	if len(results) == 0 {
		return emptyContextNote
	}
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("- [%s] %s (sentiment: %d)",
			r.Memory.HappenedAt.Format("2006-01-02"), r.Memory.Content, r.Memory.SentimentScore))
	}
	return strings.Join(lines, "\n")
}

// ProfileSummary flattens the target's key facts into one block of
// "label: value" lines. Map keys are sorted so identical inputs always
// render identically.
func ProfileSummary(target *model.TargetProfile) string {
	if target == nil {
		return ""
	}
	var parts []string

	data := target.ProfileData
	if tags := stringList(data["tags"]); len(tags) > 0 {
		parts = append(parts, "tags: "+strings.Join(tags, ", "))
	}
	for _, key := range []string{"mbti", "zodiac", "age_range", "occupation", "location"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, key+": "+v)
		}
	}
	if personality, ok := data["personality"].(map[string]interface{}); ok && len(personality) > 0 {
		keys := make([]string, 0, len(personality))
		for k := range personality {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		traits := make([]string, 0, len(keys))
		for _, k := range keys {
			traits = append(traits, fmt.Sprintf("%s:%v", k, personality[k]))
		}
		parts = append(parts, "personality: "+strings.Join(traits, ", "))
	}
	if target.AISummary != "" {
		parts = append(parts, "summary: "+target.AISummary)
	}
	if target.CurrentStatus != "" {
		parts = append(parts, "status: "+target.CurrentStatus)
	}
	return strings.Join(parts, "\n")
}

// PreferencesSummary joins the recorded likes and dislikes.
func PreferencesSummary(p model.Preferences) string {
	var parts []string
	if len(p.Likes) > 0 {
		parts = append(parts, "likes: "+strings.Join(p.Likes, ", "))
	}
	if len(p.Dislikes) > 0 {
		parts = append(parts, "dislikes: "+strings.Join(p.Dislikes, ", "))
	}
	return strings.Join(parts, "\n")
}

func stringList(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
