package prompt_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/philia-app/mentor-service/internal/model"
	"github.com/philia-app/mentor-service/internal/prompt"
	"github.com/philia-app/mentor-service/internal/retrieval"
)

func sampleTarget() *model.TargetProfile {
	return &model.TargetProfile{
		Name:          "Alex",
		CurrentStatus: "dating",
		AISummary:     "Warm but busy.",
		ProfileData: map[string]interface{}{
			"tags":       []interface{}{"bookish", "runner"},
			"mbti":       "INFJ",
			"occupation": "architect",
			"personality": map[string]interface{}{
				"openness": "high",
				"humor":    "dry",
			},
		},
		Preferences: model.Preferences{
			Likes:    []string{"jazz", "espresso"},
			Dislikes: []string{"crowds"},
		},
	}
}

func sampleResults() []retrieval.Result {
	return []retrieval.Result{
		{
			Memory: model.Memory{
				Content:        "Had coffee at the bookshop",
				HappenedAt:     time.Date(2026, 5, 20, 15, 0, 0, 0, time.UTC),
				SentimentScore: 3,
			},
			Rank: 1,
		},
		{
			Memory: model.Memory{
				Content:        "Argued about weekend plans",
				HappenedAt:     time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC),
				SentimentScore: -4,
			},
			Rank: 2,
		},
	}
}

func TestRenderSubstitutesAllPlaceholders(t *testing.T) {
	template := "You advise about {target_name}.\nProfile:\n{profile_summary}\nPrefs:\n{preferences}\nHistory:\n{context}"
	out := prompt.Render(template, sampleTarget(), sampleResults())

	require.Contains(t, out, "You advise about Alex.")
	require.Contains(t, out, "mbti: INFJ")
	require.Contains(t, out, "likes: jazz, espresso")
	require.Contains(t, out, "- [2026-05-20] Had coffee at the bookshop (sentiment: 3)")
	require.Contains(t, out, "- [2026-04-02] Argued about weekend plans (sentiment: -4)")
	require.NotContains(t, out, "{target_name}")
	require.NotContains(t, out, "{context}")
}

func TestRenderIsDeterministic(t *testing.T) {
	template := "{target_name} {profile_summary} {preferences} {context}"
	target := sampleTarget()
	results := sampleResults()
	first := prompt.Render(template, target, results)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, prompt.Render(template, target, results))
	}
}

func TestRenderContextOrderFollowsRank(t *testing.T) {
	out := prompt.ContextBlock(sampleResults())
	// rank 1 line appears before rank 2 line
	require.Less(t, strings.Index(out, "Had coffee"), strings.Index(out, "Argued about"))
}

func TestRenderEmptyContext(t *testing.T) {
	out := prompt.Render("history: {context}", sampleTarget(), nil)
	require.Equal(t, "history: No relevant history recorded.", out)
}

func TestRenderNilTarget(t *testing.T) {
	out := prompt.Render("name={target_name} profile={profile_summary} prefs={preferences}", nil, nil)
	require.Equal(t, "name= profile= prefs=", out)
}

func TestRenderTemplateWithoutPlaceholders(t *testing.T) {
	template := "You are a blunt mentor. Answer briefly."
	require.Equal(t, template, prompt.Render(template, sampleTarget(), sampleResults()))
}

func TestProfileSummarySortsPersonalityKeys(t *testing.T) {
	out := prompt.ProfileSummary(sampleTarget())
	require.Contains(t, out, "personality: humor:dry, openness:high")
	require.Contains(t, out, "tags: bookish, runner")
	require.Contains(t, out, "summary: Warm but busy.")
	require.Contains(t, out, "status: dating")
}

func TestPreferencesSummaryEmpty(t *testing.T) {
	require.Equal(t, "", prompt.PreferencesSummary(model.Preferences{}))
}
