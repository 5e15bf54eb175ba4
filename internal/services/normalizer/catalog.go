package normalizer

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/accedo/internal/common"
	"github.com/ternarybob/accedo/internal/services/engine"
)

//go:embed translations/en.yaml
var translationsFS embed.FS

// RuleTranslation is the localized copy and regulatory mapping for one
// rule.
type RuleTranslation struct {
	Title               string `yaml:"title" json:"title"`
	Description         string `yaml:"description" json:"description"`
	Fix                 string `yaml:"fix" json:"fix"`
	RegulatoryReference string `yaml:"regulatory_reference" json:"regulatory_reference"`
}

type catalogFile struct {
	Locale string                     `yaml:"locale"`
	Rules  map[string]RuleTranslation `yaml:"rules"`
}

// Catalog resolves rule ids to translations. Lookup order: configured
// catalog, built-in catalog, then a synthesized entry from the engine's
// raw help text. Translate therefore always returns usable copy.
type Catalog struct {
	logger   arbor.ILogger
	locale   string
	rules    map[string]RuleTranslation
	fallback map[string]RuleTranslation
}

// NewCatalog loads the built-in catalog and, when configured, the
// deployment catalog on top of it. A configured path that cannot be
// read or parsed is a startup error, not a silent fallback.
func NewCatalog(config common.TranslationsConfig, logger arbor.ILogger) (*Catalog, error) {
	builtin, err := loadBuiltin()
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		logger:   logger,
		locale:   builtin.Locale,
		rules:    map[string]RuleTranslation{},
		fallback: builtin.Rules,
	}

	if config.Path != "" {
		data, err := os.ReadFile(config.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read translation catalog %s: %w", config.Path, err)
		}
		var file catalogFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse translation catalog %s: %w", config.Path, err)
		}
		c.rules = file.Rules
		if file.Locale != "" {
			c.locale = file.Locale
		}
		logger.Info().
			Str("path", config.Path).
			Str("locale", c.locale).
			Int("rules", len(c.rules)).
			Msg("Translation catalog loaded")
	}

	return c, nil
}

func loadBuiltin() (*catalogFile, error) {
	data, err := translationsFS.ReadFile("translations/en.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read built-in translation catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse built-in translation catalog: %w", err)
	}
	return &file, nil
}

// Locale returns the catalog's locale tag.
func (c *Catalog) Locale() string {
	return c.locale
}

// Size returns the number of rules in the active catalog layers.
func (c *Catalog) Size() int {
	return len(c.rules) + len(c.fallback)
}

// Translate resolves the translation for a rule. Rules absent from both
// catalog layers get an entry synthesized from the engine's own help
// text, so no finding ever ships with empty localized fields.
func (c *Catalog) Translate(rule *engine.RawRule) RuleTranslation {
	if tr, ok := c.rules[rule.ID]; ok {
		return tr
	}
	if tr, ok := c.fallback[rule.ID]; ok {
		return tr
	}
	return synthesize(rule)
}

// synthesize builds a translation from the raw rule. The engine always
// ships help and description strings, so synthesized entries read like
// untranslated originals rather than placeholders.
func synthesize(rule *engine.RawRule) RuleTranslation {
	title := strings.TrimSpace(rule.Help)
	if title == "" {
		title = rule.ID
	}
	description := strings.TrimSpace(rule.Description)
	if description == "" {
		description = title
	}
	fix := ""
	if rule.HelpURL != "" {
		fix = "Review the guidance at " + rule.HelpURL
	}
	return RuleTranslation{
		Title:       title,
		Description: description,
		Fix:         fix,
	}
}
