package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentrygate/kernel/pkg/govstate"
	"github.com/sentrygate/kernel/pkg/pathresolve"
	"github.com/sentrygate/kernel/pkg/planregistry"
)

const foundationPlan = `---
plan_id: FOUNDATION-1
status: APPROVED
authority: owner@example.com
---

# Foundation plan
`

func newBootstrapper(t *testing.T) (*Bootstrapper, *pathresolve.Resolver, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "plans"), 0o755))
	resolver, err := pathresolve.ResolveRepoRoot(root)
	require.NoError(t, err)
	registry := planregistry.NewRegistry(resolver)
	state, err := govstate.Load(filepath.Join(root, ".governance", "governance.json"))
	require.NoError(t, err)
	return New([]byte("test-secret"), resolver, registry, state), resolver, root
}

func TestRun_CreatesFoundationPlanAndDisablesBootstrap(t *testing.T) {
	b, resolver, root := newBootstrapper(t)
	content := []byte(foundationPlan)
	hash := PayloadHash(content)
	token, err := IssueToken([]byte("test-secret"), resolver.Root(), "foundation.md", hash, time.Hour)
	require.NoError(t, err)

	plan, err := b.Run(token, "foundation.md", content)
	require.NoError(t, err)
	require.Equal(t, "FOUNDATION-1", plan.PlanID)
	require.Equal(t, planregistry.StatusApproved, plan.Status)
	require.FileExists(t, filepath.Join(root, "docs", "plans", "foundation.md"))

	_, err = b.Run(token, "foundation.md", content)
	require.ErrorIs(t, err, ErrAlreadyBootstrapped)
}

func TestRun_RejectsTamperedContent(t *testing.T) {
	b, resolver, _ := newBootstrapper(t)
	hash := PayloadHash([]byte(foundationPlan))
	token, err := IssueToken([]byte("test-secret"), resolver.Root(), "foundation.md", hash, time.Hour)
	require.NoError(t, err)

	_, err = b.Run(token, "foundation.md", []byte(foundationPlan+"\ntampered\n"))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRun_RejectsBadSignature(t *testing.T) {
	b, resolver, _ := newBootstrapper(t)
	content := []byte(foundationPlan)
	hash := PayloadHash(content)
	token, err := IssueToken([]byte("wrong-secret"), resolver.Root(), "foundation.md", hash, time.Hour)
	require.NoError(t, err)

	_, err = b.Run(token, "foundation.md", content)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRun_RejectsTokenIssuedForDifferentWorkspace(t *testing.T) {
	b, _, _ := newBootstrapper(t)
	content := []byte(foundationPlan)
	hash := PayloadHash(content)
	token, err := IssueToken([]byte("test-secret"), "/some/other/repo", "foundation.md", hash, time.Hour)
	require.NoError(t, err)

	_, err = b.Run(token, "foundation.md", content)
	require.ErrorIs(t, err, ErrInvalidToken)
}
