package rules

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"aisiem/pkg/models"
)

var techniqueTagRegex = regexp.MustCompile(`^attack\.t\d{4}(?:\.\d{3})?$`)

// SigmaLoadStats tracks the number of loaded and skipped rules.
type SigmaLoadStats struct {
	TotalFiles        int
	Loaded            int
	SkippedComplex    int
	SkippedDatasource int
	SkippedInvalid    int
}

type ruleMeta struct {
	ID        string
	Title     string
	Severity  int
	Tactic    string
	Technique string
	Product   string
	Service   string
	Category  string
}

type compiledSigmaRule struct {
	rule sigma.Rule
	eval *sigmaevaluator.RuleEvaluator
	meta ruleMeta
}

// SigmaEngine evaluates single-event Sigma rules against normalized events.
type SigmaEngine struct {
	rules []compiledSigmaRule
	ctx   context.Context
}

// NewSigmaEngine loads Sigma rules from a file or directory and compiles evaluators.
// Unsupported or complex rules are skipped and included in stats.
func NewSigmaEngine(path string) (*SigmaEngine, SigmaLoadStats, error) {
	var stats SigmaLoadStats

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve rule path: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat rule path: %w", err)
	}

	files := make([]string, 0, 256)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !entry.IsDir() && isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	compiled := make([]compiledSigmaRule, 0, len(files))
	for _, ruleFile := range files {
		raw, err := os.ReadFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		rule, err := sigma.ParseRule(raw)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if c, ok := compileRule(rule, &stats); ok {
			compiled = append(compiled, c)
		}
	}

	return &SigmaEngine{rules: compiled, ctx: context.Background()}, stats, nil
}

// NewSigmaEngineFromRules builds an engine from already-parsed rule documents.
func NewSigmaEngineFromRules(docs ...[]byte) (*SigmaEngine, SigmaLoadStats, error) {
	var stats SigmaLoadStats
	stats.TotalFiles = len(docs)
	compiled := make([]compiledSigmaRule, 0, len(docs))
	for _, doc := range docs {
		rule, err := sigma.ParseRule(doc)
		if err != nil {
			return nil, stats, fmt.Errorf("parse sigma rule: %w", err)
		}
		if c, ok := compileRule(rule, &stats); ok {
			compiled = append(compiled, c)
		}
	}
	return &SigmaEngine{rules: compiled, ctx: context.Background()}, stats, nil
}

func compileRule(rule sigma.Rule, stats *SigmaLoadStats) (compiledSigmaRule, bool) {
	if !isSupportedProduct(rule) {
		stats.SkippedDatasource++
		return compiledSigmaRule{}, false
	}
	if ok, _ := isSimpleSingleEventRule(rule); !ok {
		stats.SkippedComplex++
		return compiledSigmaRule{}, false
	}
	stats.Loaded++
	return compiledSigmaRule{
		rule: rule,
		eval: sigmaevaluator.ForRule(rule),
		meta: metaFromRule(rule),
	}, true
}

// Len returns the number of compiled rules.
func (e *SigmaEngine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Evaluate runs all loaded Sigma rules and returns one detection per matched rule.
func (e *SigmaEngine) Evaluate(event *models.NormalizedEvent) []*models.Detection {
	if e == nil || event == nil || len(e.rules) == 0 {
		return nil
	}

	eventMap := sigmaEventFrom(event)
	var out []*models.Detection
	for _, rule := range e.rules {
		if !appliesTo(rule.meta, event) {
			continue
		}
		res, err := rule.eval.Matches(e.ctx, eventMap)
		if err != nil || !res.Match {
			continue
		}
		extra := map[string]interface{}{}
		if rule.meta.Tactic != "" {
			extra["tactic"] = rule.meta.Tactic
		}
		if rule.meta.Technique != "" {
			extra["technique"] = rule.meta.Technique
		}
		out = append(out, newDetection(event, rule.meta.ID, rule.meta.Title, rule.meta.Severity, extra))
	}
	return out
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func isSupportedProduct(rule sigma.Rule) bool {
	switch strings.ToLower(strings.TrimSpace(rule.Logsource.Product)) {
	case "", "windows", "linux":
		return true
	}
	return false
}

// appliesTo narrows a rule to events whose source matches its logsource.
func appliesTo(meta ruleMeta, event *models.NormalizedEvent) bool {
	source := strings.ToLower(event.Source)
	switch meta.Product {
	case "windows":
		if !strings.HasPrefix(source, "win.") && !strings.HasPrefix(source, "sysmon") {
			return false
		}
	case "linux":
		if !strings.HasPrefix(source, "linux.") {
			return false
		}
	}
	switch meta.Service {
	case "":
	case "sysmon":
		if !strings.Contains(source, "sysmon") {
			return false
		}
	default:
		if !strings.HasSuffix(source, meta.Service) {
			return false
		}
	}
	if meta.Category != "" {
		if c := models.ParseCategory(meta.Category); c != models.CategoryGeneric && c != event.Category {
			return false
		}
	}
	return true
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

func sigmaEventFrom(event *models.NormalizedEvent) map[string]interface{} {
	buf := make(map[string]interface{}, len(event.Fields)+8)
	for k, v := range event.Fields {
		buf[k] = v
	}
	buf["category"] = string(event.Category)
	buf["subtype"] = event.Subtype
	buf["severity"] = event.Severity
	if event.Host != "" {
		buf["Computer"] = event.Host
		buf["Hostname"] = event.Host
	}
	if event.Principal != "" {
		buf["principal"] = event.Principal
		if _, ok := buf["User"]; !ok {
			buf["User"] = event.Principal
		}
	}
	if event.Object != "" {
		buf["object"] = event.Object
	}
	if _, ok := buf["EventID"]; !ok {
		if v, ok := buf["event_id"]; ok {
			buf["EventID"] = v
		}
	}
	return buf
}

// levelSeverity maps a Sigma level onto the 0-10 scale.
func levelSeverity(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "informational", "info":
		return 1
	case "low":
		return 3
	case "high":
		return 7
	case "critical":
		return 9
	default:
		return 5
	}
}

func metaFromRule(rule sigma.Rule) ruleMeta {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		id = strings.TrimSpace(rule.Title)
	}

	tactic, technique := parseAttackTags(rule.Tags)
	return ruleMeta{
		ID:        id,
		Title:     strings.TrimSpace(rule.Title),
		Severity:  levelSeverity(rule.Level),
		Tactic:    tactic,
		Technique: technique,
		Product:   strings.ToLower(strings.TrimSpace(rule.Logsource.Product)),
		Service:   strings.ToLower(strings.TrimSpace(rule.Logsource.Service)),
		Category:  strings.ToLower(strings.TrimSpace(rule.Logsource.Category)),
	}
}

func parseAttackTags(tags []string) (string, string) {
	var tactic string
	var technique string

	for _, raw := range tags {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if !strings.HasPrefix(tag, "attack.") {
			continue
		}
		suffix := strings.TrimPrefix(tag, "attack.")
		if technique == "" && techniqueTagRegex.MatchString(tag) {
			technique = strings.ToUpper(strings.ReplaceAll(suffix, ".", "/"))
			continue
		}
		if tactic == "" && !strings.HasPrefix(suffix, "t") {
			tactic = strings.ReplaceAll(suffix, "_", "-")
		}
	}

	return tactic, technique
}
