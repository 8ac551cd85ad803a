// Package policy implements the policy engine: stub/forbidden-pattern
// detection over changed file content, diff-based regression detection
// (a write that removes validate*/verify*/assert*/check* calls or
// comments out executing code),
// and an optional layer of custom CEL rule bundles for organization-
// specific checks. Bundles can only add rejections, never approvals:
// the built-in rules always run.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/sentrygate/kernel/pkg/policy/rules"
)

// Decision is the engine's final word on one proposed write.
type Decision string

const (
	DecisionAllow           Decision = "ALLOW"
	DecisionDeny            Decision = "DENY"
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
)

// Verdict is the outcome of evaluating one proposed write.
type Verdict struct {
	Decision   Decision
	Violations []rules.Violation
	Regression *RegressionFinding
	RuleHits   []string
}

// RegressionFinding flags a diff that appears to remove verification
// surface rather than add it: a removed validate*/verify*/assert*/
// check* call with no textually equivalent replacement in the new
// content, or previously-executing code that the diff comments out.
type RegressionFinding struct {
	RemovedAssertions int
	Reason            string
}

// assertionCallRe matches a call to anything prefixed validate*, verify*,
// assert*, or check*, including method-chain forms like assert.Equal(
// or t.CheckCondition(. The prefix set is fixed; removing a line that
// matches it is what counts as deleting verification surface.
var assertionCallRe = regexp.MustCompile(`(?i)\b(validate|verify|assert|check)[\w.]*\s*\(`)

// Engine evaluates file content and diffs against the forbidden-pattern
// scanner and, if loaded, a bundle of custom CEL rules.
type Engine struct {
	patterns []rules.ForbiddenPattern
	bundle   *RuleBundle
}

// New returns an Engine using the default forbidden-pattern set and no
// CEL bundle loaded.
func New() *Engine {
	return &Engine{patterns: rules.DefaultForbiddenPatterns()}
}

// LoadBundle installs a CEL rule bundle built by CompileBundle, replacing any
// previously loaded bundle. Bundles are optional: an Engine with no
// bundle loaded still runs the pattern scanner and regression detector.
func (e *Engine) LoadBundle(b *RuleBundle) {
	e.bundle = b
}

// EvaluateContent runs the forbidden-pattern scanner and any loaded CEL
// rules over a single file's full content (used for newly created files
// and for the post-write snapshot of modified files).
func (e *Engine) EvaluateContent(ctx context.Context, relPath, content string) (Verdict, error) {
	violations := rules.Scan(content, e.patterns)

	var ruleHits []string
	if e.bundle != nil {
		hits, err := e.bundle.Evaluate(ctx, map[string]interface{}{
			"path":    relPath,
			"content": content,
		})
		if err != nil {
			return Verdict{}, fmt.Errorf("policy: bundle evaluation: %w", err)
		}
		ruleHits = hits
	}

	decision := DecisionAllow
	if len(violations) > 0 || len(ruleHits) > 0 {
		decision = DecisionDeny
	}
	return Verdict{Decision: decision, Violations: violations, RuleHits: ruleHits}, nil
}

// EvaluateDiff additionally runs regression detection over a unified
// diff's added/removed lines: a removed validate*/verify*/assert*/
// check* call with no textually equivalent replacement anywhere in the
// new content, or previously-executing code the diff turns into a
// comment.
func (e *Engine) EvaluateDiff(ctx context.Context, relPath, newContent, unifiedDiff string) (Verdict, error) {
	v, err := e.EvaluateContent(ctx, relPath, newContent)
	if err != nil {
		return Verdict{}, err
	}

	if rf := removedAssertionsWithoutReplacement(unifiedDiff, newContent); rf != nil {
		v.Regression = rf
	} else if rf := commentedOutExecutingCode(unifiedDiff); rf != nil {
		v.Regression = rf
	}
	if v.Regression != nil && v.Decision == DecisionAllow {
		v.Decision = DecisionRequireApproval
	}
	return v, nil
}

// removedAssertionsWithoutReplacement finds removed lines that call a
// validate*/verify*/assert*/check* prefixed function and have no
// textually equivalent line anywhere in newContent, meaning the check
// was deleted rather than moved or reworded in place.
func removedAssertionsWithoutReplacement(unifiedDiff, newContent string) *RegressionFinding {
	squeezedNew := squeezeDiffText(newContent)

	var offending []string
	for _, line := range strings.Split(unifiedDiff, "\n") {
		if len(line) == 0 || line[0] != '-' || strings.HasPrefix(line, "---") {
			continue
		}
		body := line[1:]
		if !assertionCallRe.MatchString(body) {
			continue
		}
		if !strings.Contains(squeezedNew, squeezeDiffText(body)) {
			offending = append(offending, strings.TrimSpace(body))
		}
	}
	if len(offending) == 0 {
		return nil
	}
	return &RegressionFinding{
		RemovedAssertions: len(offending),
		Reason:            fmt.Sprintf("removed validation call(s) with no equivalent replacement: %s", strings.Join(offending, "; ")),
	}
}

// commentedOutExecutingCode flags a diff whose net effect is to turn a
// previously-executing statement into a comment rather than delete it
// outright — a common way to silence a failing check while leaving the
// appearance that it still runs.
func commentedOutExecutingCode(unifiedDiff string) *RegressionFinding {
	var removedStatements []string
	var addedComments []string
	for _, line := range strings.Split(unifiedDiff, "\n") {
		if len(line) == 0 {
			continue
		}
		switch line[0] {
		case '-':
			if strings.HasPrefix(line, "---") {
				continue
			}
			body := strings.TrimSpace(line[1:])
			if body != "" && !isCommentLine(body) && looksLikeStatement(body) {
				removedStatements = append(removedStatements, body)
			}
		case '+':
			if strings.HasPrefix(line, "+++") {
				continue
			}
			body := strings.TrimSpace(line[1:])
			if isCommentLine(body) {
				addedComments = append(addedComments, stripCommentMarker(body))
			}
		}
	}

	for _, removed := range removedStatements {
		normRemoved := squeezeDiffText(removed)
		for _, commented := range addedComments {
			if squeezeDiffText(commented) == normRemoved {
				return &RegressionFinding{
					Reason: fmt.Sprintf("diff comments out previously-executing code: %s", removed),
				}
			}
		}
	}
	return nil
}

func isCommentLine(s string) bool {
	return strings.HasPrefix(s, "//") || strings.HasPrefix(s, "#")
}

func stripCommentMarker(s string) string {
	s = strings.TrimPrefix(s, "//")
	s = strings.TrimPrefix(s, "#")
	return strings.TrimSpace(s)
}

func looksLikeStatement(s string) bool {
	return strings.HasSuffix(s, ";") || strings.Contains(s, "(") || strings.Contains(s, "=")
}

// squeezeDiffText lowercases and removes all whitespace so lines that
// differ only in formatting still compare equal.
func squeezeDiffText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RuleBundle is a named set of compiled CEL programs, each evaluated
// against a map of path/content (and any future fields) and expected to
// return a bool. A rule that evaluates true is a hit.
type RuleBundle struct {
	Name     string
	programs map[string]cel.Program
}

// CompileBundle compiles each named CEL expression in exprs into a
// RuleBundle. Expressions run against a `path` and `content` string
// variable.
func CompileBundle(name string, exprs map[string]string) (*RuleBundle, error) {
	env, err := cel.NewEnv(
		cel.Variable("path", cel.StringType),
		cel.Variable("content", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	programs := make(map[string]cel.Program, len(exprs))
	for ruleName, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: compile rule %q: %w", ruleName, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: program rule %q: %w", ruleName, err)
		}
		programs[ruleName] = prg
	}
	return &RuleBundle{Name: name, programs: programs}, nil
}

// Evaluate runs every compiled rule against vars and returns the names
// of rules that evaluated truthy.
func (b *RuleBundle) Evaluate(ctx context.Context, vars map[string]interface{}) ([]string, error) {
	var hits []string
	for name, prg := range b.programs {
		out, _, err := prg.ContextEval(ctx, vars)
		if err != nil {
			return nil, fmt.Errorf("policy: evaluate rule %q: %w", name, err)
		}
		if b, ok := out.Value().(bool); ok && b {
			hits = append(hits, name)
		}
	}
	return hits, nil
}
