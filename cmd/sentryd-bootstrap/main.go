// Command sentryd-bootstrap issues and redeems the one-shot foundation
// plan bootstrap token. Split from sentryd itself because it runs
// before any server session exists to hold a boot secret.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sentrygate/kernel/pkg/bootstrap"
	"github.com/sentrygate/kernel/pkg/govstate"
	"github.com/sentrygate/kernel/pkg/pathresolve"
	"github.com/sentrygate/kernel/pkg/planregistry"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

// Run implements the bootstrap CLI. getenv is injected so tests can
// supply a fake environment instead of the process's real one.
func Run(args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: sentryd-bootstrap issue-token <workspace> <plan-file> <plan-content-path> | redeem <workspace> <plan-file> <token>")
		return 1
	}

	secret := getenv("SENTRY_BOOT_KEY")
	if secret == "" {
		fmt.Fprintln(stderr, "SENTRY_BOOT_KEY must be set")
		return 1
	}

	switch args[0] {
	case "issue-token":
		if len(args) != 4 {
			fmt.Fprintln(stderr, "usage: sentryd-bootstrap issue-token <workspace> <plan-file-name> <plan-content-path>")
			return 1
		}
		resolver, err := pathresolve.ResolveRepoRoot(args[1])
		if err != nil {
			fmt.Fprintf(stderr, "resolve workspace: %v\n", err)
			return 1
		}
		raw, err := os.ReadFile(args[3])
		if err != nil {
			fmt.Fprintf(stderr, "read plan content: %v\n", err)
			return 1
		}
		hash := bootstrap.PayloadHash(raw)
		token, err := bootstrap.IssueToken([]byte(secret), resolver.Root(), args[2], hash, 5*time.Minute)
		if err != nil {
			fmt.Fprintf(stderr, "issue token: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, token)
		return 0
	case "redeem":
		if len(args) != 4 {
			fmt.Fprintln(stderr, "usage: sentryd-bootstrap redeem <workspace> <plan-file-name> <token>")
			return 1
		}
		workspace, planFileName, token := args[1], args[2], args[3]

		resolver, err := pathresolve.ResolveRepoRoot(workspace)
		if err != nil {
			fmt.Fprintf(stderr, "resolve workspace: %v\n", err)
			return 1
		}
		registry := planregistry.NewRegistry(resolver)
		state, err := govstate.Load(filepath.Join(resolver.GovernanceDir(), "governance.json"))
		if err != nil {
			fmt.Fprintf(stderr, "load governance state: %v\n", err)
			return 1
		}

		planPath := filepath.Join(resolver.PlansDir(), planFileName)
		content, err := os.ReadFile(planPath)
		if err != nil {
			fmt.Fprintf(stderr, "read staged plan content at %s: %v\n", planPath, err)
			return 1
		}

		b := bootstrap.New([]byte(secret), resolver, registry, state)
		plan, err := b.Run(token, planFileName, content)
		if err != nil {
			fmt.Fprintf(stderr, "redeem: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "foundation plan %s approved (plan_id=%s)\n", plan.FileName, plan.PlanID)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown subcommand: %s\n", args[0])
		return 1
	}
}
