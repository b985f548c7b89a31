// Package patterns tags events with the Sigma keyword patterns they
// match (injection probes, traversal attempts and the like) before they
// are scored.
package patterns

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"sentinel/pkg/models"
)

// Tagger assigns pattern IDs to events.
type Tagger interface {
	Tag(event *models.Event) []string
}

// NoopTagger tags nothing.
type NoopTagger struct{}

// Tag returns no patterns.
func (NoopTagger) Tag(*models.Event) []string {
	return nil
}

// LoadStats tracks the number of loaded and skipped rules.
type LoadStats struct {
	TotalFiles     int
	Loaded         int
	SkippedComplex int
	SkippedProduct int
	SkippedInvalid int
}

type compiledPattern struct {
	id   string
	eval *sigmaevaluator.RuleEvaluator
}

// SigmaTagger evaluates Sigma rules against individual events.
type SigmaTagger struct {
	patterns []compiledPattern
	ctx      context.Context
}

// NewSigmaTagger loads Sigma rules from a file or directory and compiles
// evaluators. Unsupported or complex rules are skipped and counted.
func NewSigmaTagger(path string) (*SigmaTagger, LoadStats, error) {
	var stats LoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve pattern path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat pattern path: %w", err)
	}

	files := make([]string, 0, 64)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if entry.IsDir() {
				return nil
			}
			if isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk pattern directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("pattern file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}
	sort.Strings(files)

	stats.TotalFiles = len(files)
	compiled := make([]compiledPattern, 0, len(files))
	for _, patternFile := range files {
		rule, err := parseSigmaRuleFile(patternFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}

		if !isApplicationSource(rule) {
			stats.SkippedProduct++
			continue
		}

		if ok, _ := isSimpleSingleEventRule(rule); !ok {
			stats.SkippedComplex++
			continue
		}

		compiled = append(compiled, compiledPattern{
			id:   patternID(rule),
			eval: sigmaevaluator.ForRule(rule),
		})
		stats.Loaded++
	}

	return &SigmaTagger{patterns: compiled, ctx: context.Background()}, stats, nil
}

// Len returns the number of compiled patterns.
func (t *SigmaTagger) Len() int {
	if t == nil {
		return 0
	}
	return len(t.patterns)
}

// Tag evaluates all loaded patterns and returns the IDs that matched, in
// load order.
func (t *SigmaTagger) Tag(event *models.Event) []string {
	if t == nil || event == nil || len(t.patterns) == 0 {
		return nil
	}

	doc := sigmaDocument(event)
	var out []string
	for _, p := range t.patterns {
		res, err := p.eval.Matches(t.ctx, doc)
		if err != nil {
			continue
		}
		if res.Match {
			out = append(out, p.id)
		}
	}
	return out
}

func parseSigmaRuleFile(path string) (sigma.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("read pattern %s: %w", path, err)
	}
	rule, err := sigma.ParseRule(raw)
	if err != nil {
		return sigma.Rule{}, fmt.Errorf("parse pattern %s: %w", path, err)
	}
	return rule, nil
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isSimpleSingleEventRule(rule sigma.Rule) (bool, string) {
	if rule.Detection.Timeframe > 0 {
		return false, "timeframe is not supported"
	}

	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false, "aggregation condition is not supported"
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false, "complex condition expression is not supported"
		}
	}

	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false, "keyword search is not supported"
		}
		if len(search.EventMatchers) == 0 {
			return false, "search has no event matchers"
		}
	}

	return true, ""
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

func isApplicationSource(rule sigma.Rule) bool {
	product := strings.ToLower(strings.TrimSpace(rule.Logsource.Product))
	category := strings.ToLower(strings.TrimSpace(rule.Logsource.Category))

	if product != "" && product != "sentinel" && product != "webapp" {
		return false
	}
	if category != "" && category != "application" && category != "webserver" {
		return false
	}
	return true
}

func sigmaDocument(event *models.Event) map[string]interface{} {
	a := event.Attributes
	doc := make(map[string]interface{}, len(a.Extra)+12)
	for k, v := range a.Extra {
		doc[k] = v
	}
	doc["kind"] = string(event.Kind)
	doc["severity"] = string(event.Severity)
	if event.SubjectID != "" {
		doc["subject_id"] = event.SubjectID
	}
	for _, name := range []string{"ip_address", "user_id", "path", "message", "channel", "unit_id", "status", "previous_status"} {
		if v, ok := a.Lookup(name); ok {
			doc[name] = v
		}
	}
	return doc
}

func patternID(rule sigma.Rule) string {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}
	return id
}
