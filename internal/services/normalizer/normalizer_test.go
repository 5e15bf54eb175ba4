package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
	"github.com/ternarybob/accedo/internal/models"
	"github.com/ternarybob/accedo/internal/services/engine"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	catalog, err := NewCatalog(common.TranslationsConfig{}, arbor.NewLogger())
	require.NoError(t, err)
	return New(catalog, arbor.NewLogger())
}

func TestWCAGCriteria(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want []string
	}{
		{
			"single criterion",
			[]string{"cat.text-alternatives", "wcag2a", "wcag111", "section508"},
			[]string{"1.1.1"},
		},
		{
			"two digit third segment",
			[]string{"wcag21aa", "wcag1411"},
			[]string{"1.4.11"},
		},
		{
			"level tags are not criteria",
			[]string{"wcag2a", "wcag2aa", "wcag21aa", "best-practice"},
			[]string{},
		},
		{
			"order of first appearance with dedup",
			[]string{"wcag143", "wcag111", "wcag143"},
			[]string{"1.4.3", "1.1.1"},
		},
		{
			"two segment criterion",
			[]string{"wcag24"},
			[]string{"2.4"},
		},
		{
			"no tags",
			nil,
			[]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WCAGCriteria(tt.tags))
		})
	}
}

func TestWCAGLevelFromTags(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want models.WCAGLevel
	}{
		{"defaults to A", []string{"cat.color", "best-practice"}, models.WCAGLevelA},
		{"level A rule", []string{"wcag2a", "wcag111"}, models.WCAGLevelA},
		{"level AA rule", []string{"wcag2aa", "wcag143"}, models.WCAGLevelAA},
		{"level AAA rule", []string{"wcag2aaa"}, models.WCAGLevelAAA},
		{"wcag21 AA tag", []string{"wcag21aa"}, models.WCAGLevelAA},
		{"AAA wins over AA regardless of order", []string{"wcag2aa", "wcag2aaa"}, models.WCAGLevelAAA},
		{"criteria tags do not set a level", []string{"wcag111"}, models.WCAGLevelA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WCAGLevelFromTags(tt.tags))
		})
	}
}

func TestFindings(t *testing.T) {
	n := newTestNormalizer(t)

	violations := []engine.RawRule{
		{
			ID:      "image-alt",
			Impact:  "critical",
			Help:    "Images must have alternate text",
			HelpURL: "https://dequeuniversity.com/rules/axe/4.8/image-alt",
			Tags:    []string{"wcag2a", "wcag111"},
			Nodes: []engine.RawNode{
				{HTML: `<img src="a.png">`, Impact: "critical", Target: engine.SelectorChain{"#main", "img"}},
				{HTML: `<img src="b.png">`, Target: engine.SelectorChain{"footer", "img"}},
			},
		},
		{
			ID:     "color-contrast",
			Impact: "serious",
			Help:   "Elements must meet minimum color contrast ratio thresholds",
			Tags:   []string{"wcag2aa", "wcag143"},
			Nodes: []engine.RawNode{
				{HTML: `<p class="muted">x</p>`, Impact: "serious", Target: engine.SelectorChain{"p.muted"}},
			},
		},
	}

	findings := n.Findings("https://example.com/", violations)
	require.Len(t, findings, 3)

	first := findings[0]
	assert.Equal(t, "image-alt", first.RuleID)
	assert.Equal(t, models.ImpactCritical, first.Impact)
	assert.Equal(t, []string{"1.1.1"}, first.WCAGCriteria)
	assert.Equal(t, models.WCAGLevelA, first.WCAGLevel)
	assert.Equal(t, "#main > img", first.ElementSelector)
	assert.Equal(t, "https://example.com/", first.PageURL)
	assert.Contains(t, first.RegulatoryReference, "EN 301 549")
	assert.NotEmpty(t, first.TitleLocalized)
	assert.NotEmpty(t, first.DescriptionLocalized)
	assert.NotEmpty(t, first.FixLocalized)

	// Node without its own impact inherits the rule impact.
	assert.Equal(t, models.ImpactCritical, findings[1].Impact)

	third := findings[2]
	assert.Equal(t, "color-contrast", third.RuleID)
	assert.Equal(t, models.WCAGLevelAA, third.WCAGLevel)
	assert.Equal(t, []string{"1.4.3"}, third.WCAGCriteria)
}

func TestFindingsImpactDefaultsToModerate(t *testing.T) {
	n := newTestNormalizer(t)

	findings := n.Findings("https://example.com/", []engine.RawRule{
		{
			ID:    "custom-rule",
			Help:  "Custom rule",
			Nodes: []engine.RawNode{{HTML: "<div></div>", Target: engine.SelectorChain{"div"}}},
		},
	})
	require.Len(t, findings, 1)
	assert.Equal(t, models.ImpactModerate, findings[0].Impact)
}

func TestFindingsSynthesizedFixFallsBackToFailureSummary(t *testing.T) {
	n := newTestNormalizer(t)

	findings := n.Findings("https://example.com/", []engine.RawRule{
		{
			ID:     "not-in-any-catalog",
			Impact: "minor",
			Help:   "Something specific is wrong",
			Nodes: []engine.RawNode{
				{
					HTML:           "<span></span>",
					Target:         engine.SelectorChain{"span"},
					FailureSummary: "Fix any of the following: the thing",
				},
			},
		},
	})
	require.Len(t, findings, 1)
	assert.Equal(t, "Something specific is wrong", findings[0].TitleLocalized)
	assert.Equal(t, "Fix any of the following: the thing", findings[0].FixLocalized)
}

func TestNormalizePage(t *testing.T) {
	n := newTestNormalizer(t)

	raw := &engine.RawResults{
		Violations: []engine.RawRule{
			{
				ID:     "image-alt",
				Impact: "critical",
				Tags:   []string{"wcag2a", "wcag111"},
				Nodes:  []engine.RawNode{{HTML: "<img>", Impact: "critical", Target: engine.SelectorChain{"img"}}},
			},
			{
				ID:     "color-contrast",
				Impact: "serious",
				Tags:   []string{"wcag2aa", "wcag143"},
				Nodes:  []engine.RawNode{{HTML: "<p>x</p>", Impact: "serious", Target: engine.SelectorChain{"p"}}},
			},
		},
	}

	result := n.NormalizePage("https://example.com/", "Example", raw, 1500*time.Millisecond)

	assert.Equal(t, "https://example.com/", result.URL)
	assert.Equal(t, "Example", result.Title)
	assert.Equal(t, int64(1500), result.ScanTimeMs)
	assert.Len(t, result.Findings, 2)
	assert.Equal(t, 2, result.FailedRules)
	assert.Equal(t, 0, result.PassedRules)
	assert.False(t, result.Failed())

	// One critical (3) plus one serious (2) over two rules.
	assert.Equal(t, 16.7, result.Score)
}

func TestNormalizePageCleanResult(t *testing.T) {
	n := newTestNormalizer(t)

	raw := &engine.RawResults{
		Passes: []engine.RawRule{
			{ID: "document-title", Tags: []string{"wcag2a"}},
			{ID: "html-has-lang", Tags: []string{"wcag2a"}},
		},
		Inapplicable: []engine.RawRule{{ID: "video-caption"}},
	}

	result := n.NormalizePage("https://example.com/", "Example", raw, time.Second)

	assert.Empty(t, result.Findings)
	assert.Equal(t, 100.0, result.Score)
	assert.Equal(t, 2, result.PassedRules)
	assert.Equal(t, 1, result.InapplicableRules)
}

func TestErrorResult(t *testing.T) {
	n := newTestNormalizer(t)

	result := n.ErrorResult("https://example.com/broken", "", 900*time.Millisecond, assert.AnError)

	assert.Equal(t, "https://example.com/broken", result.URL)
	assert.True(t, result.Failed())
	assert.Equal(t, assert.AnError.Error(), result.Error)
	assert.Empty(t, result.Findings)
	assert.Zero(t, result.Score)
	assert.Zero(t, result.FailedRules)
	assert.Equal(t, int64(900), result.ScanTimeMs)
}
