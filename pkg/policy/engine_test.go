package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateContent_DeniesForbiddenMarker(t *testing.T) {
	eng := New()
	verdict, err := eng.EvaluateContent(context.Background(), "main.go", "func f() {\n // TODO: finish this\n}\n")
	require.NoError(t, err)
	require.Equal(t, DecisionDeny, verdict.Decision)
	require.NotEmpty(t, verdict.Violations)
}

func TestEvaluateContent_AllowsCleanCode(t *testing.T) {
	eng := New()
	verdict, err := eng.EvaluateContent(context.Background(), "main.go", "func f() int {\n return 1\n}\n")
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, verdict.Decision)
}

func TestEvaluateContent_DeniesSpecExampleStubReturn(t *testing.T) {
	eng := New()
	verdict, err := eng.EvaluateContent(context.Background(), "main.js", `export function f(){ return undefined; }`)
	require.NoError(t, err)
	require.Equal(t, DecisionDeny, verdict.Decision)
	require.Len(t, verdict.Violations, 1)
	require.Equal(t, "f", verdict.Violations[0].Function)
}

func TestEvaluateDiff_FlagsAssertionRegression(t *testing.T) {
	eng := New()
	diff := "-  assert.Equal(t, 1, result)\n-  verifyInvariant(state)\n+  // trimmed for brevity\n"
	verdict, err := eng.EvaluateDiff(context.Background(), "main_test.go", "func f() int { return compute() }\n", diff)
	require.NoError(t, err)
	require.Equal(t, DecisionRequireApproval, verdict.Decision)
	require.NotNil(t, verdict.Regression)
	require.Equal(t, 2, verdict.Regression.RemovedAssertions)
}

func TestEvaluateDiff_NoRegressionWhenAssertionSurvivesInNewContent(t *testing.T) {
	eng := New()
	diff := "-  assert.Equal(t, 1, result)\n+  assert.Equal(t, 1, result)\n+  assert.NoError(t, err)\n"
	newContent := "func f() int {\n  assert.Equal(t, 1, result)\n  return 2\n}\n"
	verdict, err := eng.EvaluateDiff(context.Background(), "main_test.go", newContent, diff)
	require.NoError(t, err)
	require.Nil(t, verdict.Regression)
}

func TestEvaluateDiff_FlagsCommentedOutExecutingCode(t *testing.T) {
	eng := New()
	diff := "-  runSafetyCheck(input);\n+  // runSafetyCheck(input);\n"
	verdict, err := eng.EvaluateDiff(context.Background(), "main.go", "func f() int { return 1 }\n", diff)
	require.NoError(t, err)
	require.NotNil(t, verdict.Regression)
	require.Contains(t, verdict.Regression.Reason, "comments out")
}

func TestCompileBundle_CustomRuleHit(t *testing.T) {
	eng := New()
	bundle, err := CompileBundle("org-rules", map[string]string{
		"no_env_files": `path.endsWith(".env")`,
	})
	require.NoError(t, err)
	eng.LoadBundle(bundle)

	verdict, err := eng.EvaluateContent(context.Background(), "config/.env", "SECRET=1\n")
	require.NoError(t, err)
	require.Equal(t, DecisionDeny, verdict.Decision)
	require.Contains(t, verdict.RuleHits, "no_env_files")
}
