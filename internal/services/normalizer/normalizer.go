package normalizer

import (
	"regexp"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/models"
	"github.com/ternarybob/accedo/internal/services/engine"
)

// wcagCriterionPattern matches success criterion tags such as wcag111
// (1.1.1) or wcag1411 (1.4.11). Level tags like wcag2aa do not match.
var wcagCriterionPattern = regexp.MustCompile(`^wcag(\d)(\d)(\d{1,2})?$`)

// Normalizer turns raw engine output into Findings and page results.
type Normalizer struct {
	catalog *Catalog
	logger  arbor.ILogger
}

func New(catalog *Catalog, logger arbor.ILogger) *Normalizer {
	return &Normalizer{
		catalog: catalog,
		logger:  logger,
	}
}

// NormalizePage converts one engine run into a PageScanResult: one
// finding per violating node, a weighted page score, and the rule
// counts per result class.
func (n *Normalizer) NormalizePage(pageURL, title string, raw *engine.RawResults, scanTime time.Duration) *models.PageScanResult {
	findings := n.Findings(pageURL, raw.Violations)

	weighted := 0.0
	for i := range findings {
		weighted += findings[i].Impact.Weight()
	}

	return &models.PageScanResult{
		URL:               pageURL,
		Title:             title,
		ScanTimeMs:        scanTime.Milliseconds(),
		Score:             PageScore(weighted, raw.TotalRules()),
		Findings:          findings,
		PassedRules:       len(raw.Passes),
		FailedRules:       len(raw.Violations),
		IncompleteRules:   len(raw.Incomplete),
		InapplicableRules: len(raw.Inapplicable),
		Timestamp:         time.Now().UTC(),
	}
}

// ErrorResult builds the page result for a page the engine could not
// analyze: empty findings, zero counts, score 0, error recorded.
func (n *Normalizer) ErrorResult(pageURL, title string, scanTime time.Duration, err error) *models.PageScanResult {
	return &models.PageScanResult{
		URL:        pageURL,
		Title:      title,
		ScanTimeMs: scanTime.Milliseconds(),
		Findings:   []models.Finding{},
		Timestamp:  time.Now().UTC(),
		Error:      err.Error(),
	}
}

// Findings expands violations into one Finding per matched node.
func (n *Normalizer) Findings(pageURL string, violations []engine.RawRule) []models.Finding {
	findings := make([]models.Finding, 0, len(violations))
	for i := range violations {
		rule := &violations[i]
		criteria := WCAGCriteria(rule.Tags)
		level := WCAGLevelFromTags(rule.Tags)
		tr := n.catalog.Translate(rule)

		for j := range rule.Nodes {
			node := &rule.Nodes[j]
			fix := tr.Fix
			if fix == "" {
				fix = strings.TrimSpace(node.FailureSummary)
			}
			findings = append(findings, models.Finding{
				RuleID:               rule.ID,
				Impact:               nodeImpact(node, rule),
				WCAGCriteria:         criteria,
				WCAGLevel:            level,
				RegulatoryReference:  tr.RegulatoryReference,
				TitleLocalized:       tr.Title,
				DescriptionLocalized: tr.Description,
				FixLocalized:         fix,
				ElementSelector:      node.Target.Selector(),
				ElementHTML:          node.HTML,
				HelpURL:              rule.HelpURL,
				PageURL:              pageURL,
			})
		}
	}
	return findings
}

// nodeImpact picks the node's own impact, falling back to the rule's,
// then to moderate.
func nodeImpact(node *engine.RawNode, rule *engine.RawRule) models.Impact {
	if impact := models.Impact(node.Impact); impact.Valid() {
		return impact
	}
	if impact := models.Impact(rule.Impact); impact.Valid() {
		return impact
	}
	return models.ImpactModerate
}

// WCAGCriteria extracts success criteria from rule tags, deduplicated
// in order of first appearance. wcag111 becomes 1.1.1 and wcag1411
// becomes 1.4.11.
func WCAGCriteria(tags []string) []string {
	criteria := make([]string, 0, 2)
	seen := make(map[string]struct{}, 2)
	for _, tag := range tags {
		m := wcagCriterionPattern.FindStringSubmatch(tag)
		if m == nil {
			continue
		}
		criterion := m[1] + "." + m[2]
		if m[3] != "" {
			criterion += "." + m[3]
		}
		if _, dup := seen[criterion]; dup {
			continue
		}
		seen[criterion] = struct{}{}
		criteria = append(criteria, criterion)
	}
	return criteria
}

// WCAGLevelFromTags derives the conformance level: AAA beats AA beats
// the default A.
func WCAGLevelFromTags(tags []string) models.WCAGLevel {
	level := models.WCAGLevelA
	for _, tag := range tags {
		if !strings.HasPrefix(tag, "wcag") {
			continue
		}
		if strings.HasSuffix(tag, "aaa") {
			return models.WCAGLevelAAA
		}
		if strings.HasSuffix(tag, "aa") {
			level = models.WCAGLevelAA
		}
	}
	return level
}
