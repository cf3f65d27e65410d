package safety

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/colony/internal/log"
	"github.com/ShayCichocki/colony/pkg/models"
)

// Keywords groups the keyword lists by category.
type Keywords struct {
	HighRisk         []string `yaml:"high_risk"`
	RequiresApproval []string `yaml:"requires_approval"`
	SensitiveData    []string `yaml:"sensitive_data"`
	Forbidden        []string `yaml:"forbidden"`
}

// DefaultKeywords returns a copy of the built-in keyword lists.
func DefaultKeywords() Keywords {
	return Keywords{
		HighRisk:         append([]string{}, DefaultHighRisk...),
		RequiresApproval: append([]string{}, DefaultRequiresApproval...),
		SensitiveData:    append([]string{}, DefaultSensitiveData...),
		Forbidden:        append([]string{}, DefaultForbidden...),
	}
}

func (k Keywords) normalized() Keywords {
	return Keywords{
		HighRisk:         lowerAll(k.HighRisk),
		RequiresApproval: lowerAll(k.RequiresApproval),
		SensitiveData:    lowerAll(k.SensitiveData),
		Forbidden:        lowerAll(k.Forbidden),
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// keywordFile is the YAML layout of a keyword file.
type keywordFile struct {
	// Replace discards the built-in lists instead of extending them.
	Replace bool     `yaml:"replace"`
	Safety  Keywords `yaml:"safety"`
}

// Classifier assesses free text against keyword lists.
// Matching is a plain case-insensitive substring test, so "security"
// anywhere in a sentence counts regardless of what the sentence is about.
type Classifier struct {
	mu       sync.RWMutex
	keywords Keywords
	logger   log.Logger
}

// New creates a classifier with the given keywords.
func New(kw Keywords, logger log.Logger) *Classifier {
	if logger == nil {
		logger = log.Noop
	}
	return &Classifier{
		keywords: kw.normalized(),
		logger:   logger.WithValues(log.Kv{"svc": "safety.Classifier"}),
	}
}

// NewDefault creates a classifier with the built-in keywords.
func NewDefault() *Classifier {
	return New(DefaultKeywords(), nil)
}

// Keywords returns a copy of the active keyword lists.
func (c *Classifier) Keywords() Keywords {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Keywords{
		HighRisk:         append([]string{}, c.keywords.HighRisk...),
		RequiresApproval: append([]string{}, c.keywords.RequiresApproval...),
		SensitiveData:    append([]string{}, c.keywords.SensitiveData...),
		Forbidden:        append([]string{}, c.keywords.Forbidden...),
	}
}

// SetKeywords replaces the active keyword lists.
func (c *Classifier) SetKeywords(kw Keywords) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keywords = kw.normalized()
}

// LoadFile reads a keyword file. Lists in the file extend the built-in
// defaults unless the file sets `replace: true`.
func (c *Classifier) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read keyword file: %w", err)
	}

	var f keywordFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse keyword file: %w", err)
	}

	kw := f.Safety
	if !f.Replace {
		def := DefaultKeywords()
		kw = Keywords{
			HighRisk:         append(def.HighRisk, kw.HighRisk...),
			RequiresApproval: append(def.RequiresApproval, kw.RequiresApproval...),
			SensitiveData:    append(def.SensitiveData, kw.SensitiveData...),
			Forbidden:        append(def.Forbidden, kw.Forbidden...),
		}
	}
	c.SetKeywords(kw)
	c.logger.Debugf("loaded keyword file %s", path)
	return nil
}

func matches(text string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}

// AssessRisk classifies an action. A "details" string in the context is
// scanned together with the action text.
func (c *Classifier) AssessRisk(action string, context map[string]any) models.RiskAssessment {
	text := strings.ToLower(action)
	if details, ok := context["details"].(string); ok {
		text += " " + strings.ToLower(details)
	}

	c.mu.RLock()
	kw := c.keywords
	c.mu.RUnlock()

	high := matches(text, kw.HighRisk)
	approval := matches(text, kw.RequiresApproval)
	sensitive := matches(text, kw.SensitiveData)

	var reasons []string
	for _, h := range high {
		reasons = append(reasons, fmt.Sprintf("high-risk keyword %q", h))
	}
	for _, a := range approval {
		reasons = append(reasons, fmt.Sprintf("approval keyword %q", a))
	}
	for _, s := range sensitive {
		reasons = append(reasons, fmt.Sprintf("sensitive-data keyword %q", s))
	}

	level := models.RiskLow
	switch {
	case len(high) > 0:
		level = models.RiskHigh
	case len(approval) > 0 || len(sensitive) > 0:
		level = models.RiskMedium
	}

	return models.RiskAssessment{
		Level:            level,
		RequiresApproval: level == models.RiskHigh || len(approval) > 0,
		Reasons:          reasons,
	}
}

// ReviewPlan approves a plan unless a step contains a forbidden keyword.
// High-risk and sensitive steps produce warnings only.
func (c *Classifier) ReviewPlan(plan models.Plan) models.PlanReview {
	c.mu.RLock()
	forbidden := c.keywords.Forbidden
	c.mu.RUnlock()

	review := models.PlanReview{Approved: true}
	for _, step := range plan.Steps {
		text := strings.ToLower(step.Description)
		for _, f := range matches(text, forbidden) {
			review.Issues = append(review.Issues, fmt.Sprintf("step %s: forbidden action %q", step.ID, f))
		}

		a := c.AssessRisk(step.Description, step.Context)
		if a.Level == models.RiskHigh {
			review.Warnings = append(review.Warnings, fmt.Sprintf("step %s is high risk: %s", step.ID, strings.Join(a.Reasons, ", ")))
		} else if len(a.Reasons) > 0 {
			review.Warnings = append(review.Warnings, fmt.Sprintf("step %s: %s", step.ID, strings.Join(a.Reasons, ", ")))
		}
	}
	review.Approved = len(review.Issues) == 0
	return review
}

var stopWords = map[string]struct{}{
	"that": {}, "this": {}, "with": {}, "from": {}, "have": {}, "were": {},
	"been": {}, "their": {}, "there": {}, "which": {}, "about": {}, "into": {},
	"than": {}, "then": {}, "they": {}, "will": {}, "would": {}, "should": {},
}

// significantTerms lowercases and keeps words of four or more letters that
// are not stop words.
func significantTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]struct{})
	var terms []string
	for _, f := range fields {
		if len(f) < 4 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

// CheckClaim reports whether any source contains every significant term of
// the claim. Sources lists the indexes of supporting sources and Missing the
// terms found in no source at all.
func (c *Classifier) CheckClaim(claim string, sources []string) models.ClaimCheck {
	terms := significantTerms(claim)
	if len(terms) == 0 || len(sources) == 0 {
		return models.ClaimCheck{Missing: terms}
	}

	found := make(map[string]bool, len(terms))
	var check models.ClaimCheck
	for i, src := range sources {
		lower := strings.ToLower(src)
		all := true
		for _, term := range terms {
			if strings.Contains(lower, term) {
				found[term] = true
			} else {
				all = false
			}
		}
		if all {
			check.Sources = append(check.Sources, i)
		}
	}
	for _, term := range terms {
		if !found[term] {
			check.Missing = append(check.Missing, term)
		}
	}
	check.Supported = len(check.Sources) > 0
	return check
}
