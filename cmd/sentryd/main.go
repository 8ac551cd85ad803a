// Command sentryd runs the governance kernel server and its
// operational subcommands. Structured as a testable Run(args, stdout,
// stderr) entrypoint so the CLI surface can be exercised without
// spawning a process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sentrygate/kernel/internal/buildinfo"
	"github.com/sentrygate/kernel/pkg/bootstrap"
	"github.com/sentrygate/kernel/pkg/dispatcher"
	"github.com/sentrygate/kernel/pkg/govstate"
	"github.com/sentrygate/kernel/pkg/journal"
	"github.com/sentrygate/kernel/pkg/killswitch"
	"github.com/sentrygate/kernel/pkg/pathresolve"
	"github.com/sentrygate/kernel/pkg/pipeline"
	"github.com/sentrygate/kernel/pkg/planregistry"
	"github.com/sentrygate/kernel/pkg/policy"
	"github.com/sentrygate/kernel/pkg/preflight"
	"github.com/sentrygate/kernel/pkg/protocol"
	"github.com/sentrygate/kernel/pkg/ratelimit"
	"github.com/sentrygate/kernel/pkg/recovery"
	"github.com/sentrygate/kernel/pkg/session"
	"github.com/sentrygate/kernel/pkg/telemetry"
)

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// Exit codes for sentryd serve, distinguishing the startup failures an
// operator must react to differently.
const (
	exitSandboxIntegrity   = 10
	exitAuditChainInvalid  = 20
	exitHaltFileUnreadable = 30
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run executes the sentryd CLI and returns a process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stdout)
		return 1
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:], stdout, stderr)
	case "doctor":
		return runDoctor(args[1:], stdout, stderr)
	case "verify-chain":
		return runVerifyChain(args[1:], stdout, stderr)
	case "recover":
		return runRecover(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "%sunknown command: %s%s\n\n", colorRed, args[0], colorReset)
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "%ssentryd%s — governance kernel for AI coding agents\n\n", colorBold, colorReset)
	fmt.Fprintln(w, "Usage:")
	printCommand(w, "serve", "run the governance kernel server")
	printCommand(w, "doctor", "report a workspace's layout and audit journal state")
	printCommand(w, "verify-chain", "verify the audit journal's hash chain")
	printCommand(w, "recover", "run the two-step kill-switch recovery protocol")
	printCommand(w, "version", "print build information")
	fmt.Fprintln(w)
	printSection(w, "Arguments: serve [--role=planner|executor|owner] [workspace]; doctor [workspace]; verify-chain [workspace]; recover <owner-id>.")
}

func printSection(w io.Writer, s string) {
	fmt.Fprintf(w, "%s%s%s\n", colorCyan, s, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-14s%s %s\n", colorGreen, name, colorReset, desc)
}

// runServe wires every kernel component into a Dispatcher and loops
// over line-delimited JSON requests on stdin, writing responses to
// stdout — one agent connection per process. role fixes the capability
// tier this process instance serves; running PLANNER, EXECUTOR, and
// OWNER sessions concurrently means running three sentryd processes,
// one per role, separating privilege tiers by process rather than by
// in-band authentication.
func runServe(args []string, stdout, stderr io.Writer) int {
	workspace := "."
	role := session.RoleExecutor
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "--role="):
			r := session.Role(strings.ToUpper(strings.TrimPrefix(a, "--role=")))
			switch r {
			case session.RolePlanner, session.RoleExecutor, session.RoleOwner:
				role = r
			default:
				fmt.Fprintf(stderr, "%sunknown role %q (want planner, executor, or owner)%s\n", colorRed, a, colorReset)
				return 1
			}
		default:
			workspace = a
		}
	}

	// Resolving the workspace root is the sandbox integrity check: it is
	// pathresolve's "first and last line of defense against path
	// traversal" (see pkg/pathresolve doc comment), so failing to
	// establish it means the process has no sandbox boundary to trust at
	// all and must not accept any request.
	resolver, err := pathresolve.ResolveRepoRoot(workspace)
	if err != nil {
		fmt.Fprintf(stderr, "%ssandbox integrity check failed: %v%s\n", colorRed, err, colorReset)
		return exitSandboxIntegrity
	}

	j, err := journal.Open(resolver.GovernanceDir() + "/audit-log.jsonl")
	if err != nil {
		fmt.Fprintf(stderr, "%sfailed to open audit journal: %v%s\n", colorRed, err, colorReset)
		return 1
	}

	if result, err := j.VerifyChain(); err != nil {
		fmt.Fprintf(stderr, "%sfailed to verify audit chain: %v%s\n", colorRed, err, colorReset)
		return 1
	} else if !result.Valid {
		fmt.Fprintf(stderr, "%saudit chain invalid at startup: %s at sequence %d%s\n", colorRed, result.FirstBadReason, result.FirstBadSeq, colorReset)
		return exitAuditChainInvalid
	}

	state, err := govstate.Load(filepath.Join(resolver.GovernanceDir(), "governance.json"))
	if err != nil {
		fmt.Fprintf(stderr, "%sfailed to load governance state: %v%s\n", colorRed, err, colorReset)
		return 1
	}

	sessions := session.NewStore(30 * time.Minute)
	sw := killswitch.New(j, sessions, filepath.Join(resolver.GovernanceDir(), "halt"))
	// Reinstall any halt state left behind by a previous trip before
	// this process accepts a single request: the kill-switch fails
	// closed across a restart, it never resets to healthy.
	if err := sw.RestoreFromDisk(); err != nil {
		fmt.Fprintf(stderr, "%shalt file unreadable: %v%s\n", colorRed, err, colorReset)
		return exitHaltFileUnreadable
	}
	rg := recovery.NewGate(sw, j, 10*time.Minute)
	plans := planregistry.NewRegistry(resolver)
	eng := policy.New()
	if bundle := loadRuleBundle(resolver.GovernanceDir()); bundle != nil {
		eng.LoadBundle(bundle)
	}
	ctx := context.Background()
	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:      os.Getenv("SENTRY_OTLP_ENDPOINT") != "",
		ServiceName:  "sentryd",
		OTLPEndpoint: os.Getenv("SENTRY_OTLP_ENDPOINT"),
	})
	if err != nil {
		fmt.Fprintf(stderr, "%sfailed to start tracing: %v%s\n", colorRed, err, colorReset)
		return 1
	}
	defer tp.Shutdown(ctx)

	pipe := pipeline.New(resolver, j, plans, eng, loadPreflightRunner(resolver.GovernanceDir()), sw).WithTelemetry(tp)

	var boot *bootstrap.Bootstrapper
	if secret := os.Getenv("SENTRY_BOOT_KEY"); secret != "" && state.CanBootstrap() {
		boot = bootstrap.New([]byte(secret), resolver, plans, state)
	}

	deps := dispatcher.Deps{
		Sessions:   sessions,
		Resolver:   resolver,
		Plans:      plans,
		Journal:    j,
		Pipeline:   pipe,
		Policy:     eng,
		KillSwitch: sw,
		Recovery:   rg,
		Bootstrap:  boot,
		Prompts:    loadPrompts(resolver.GovernanceDir()),
		Telemetry:  tp,
	}
	limiter := ratelimit.New(ratelimit.DefaultPolicy())

	d, err := dispatcher.New(role, deps, limiter)
	if err != nil {
		fmt.Fprintf(stderr, "%sfailed to build dispatcher: %v%s\n", colorRed, err, colorReset)
		return 1
	}

	fmt.Fprintf(stderr, "%ssentryd serving workspace %s as %s%s\n", colorGreen, resolver.Root(), role, colorReset)

	connToken := "stdio"
	defer sessions.ReleaseConnection(connToken)
	defer func() {
		if sess, err := sessions.BoundSession(connToken); err == nil {
			limiter.Forget(sess.ID)
		}
	}()
	reader := protocol.NewReader(os.Stdin)
	writer := protocol.NewWriter(stdout)
	for {
		req, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return 0
			}
			fmt.Fprintf(stderr, "%sread request: %v%s\n", colorRed, err, colorReset)
			return 1
		}
		resp := d.Dispatch(ctx, connToken, req)
		if err := writer.Write(resp); err != nil {
			fmt.Fprintf(stderr, "%swrite response: %v%s\n", colorRed, err, colorReset)
			return 1
		}
	}
}

// preflightConfigEntry is one line of a workspace's optional
// .governance/preflight.json check list.
type preflightConfigEntry struct {
	Name           string   `json:"name"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// loadPreflightRunner reads governanceDir/preflight.json, if present,
// into a preflight.Runner. A missing or empty config means no checks
// are configured, and the pipeline simply skips the preflight gate.
func loadPreflightRunner(governanceDir string) *preflight.Runner {
	raw, err := os.ReadFile(filepath.Join(governanceDir, "preflight.json"))
	if err != nil {
		return nil
	}
	var entries []preflightConfigEntry
	if err := json.Unmarshal(raw, &entries); err != nil || len(entries) == 0 {
		return nil
	}
	checks := make([]preflight.Check, 0, len(entries))
	for _, e := range entries {
		timeout := time.Duration(e.TimeoutSeconds) * time.Second
		checks = append(checks, preflight.Check{Name: e.Name, Command: e.Command, Args: e.Args, Timeout: timeout})
	}
	return preflight.NewRunner(checks)
}

// loadPrompts reads every *.txt file under governanceDir/prompts/ as a
// recognized prompt, keyed by file name minus the extension. A missing
// prompts directory yields an empty, valid map: read_prompt simply has
// nothing to serve until the workspace defines one.
func loadPrompts(governanceDir string) map[string]string {
	prompts := make(map[string]string)
	entries, err := os.ReadDir(filepath.Join(governanceDir, "prompts"))
	if err != nil {
		return prompts
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".txt") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(governanceDir, "prompts", de.Name()))
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(de.Name(), ".txt")
		prompts[name] = string(raw)
	}
	return prompts
}

// loadRuleBundle reads governanceDir/rules.json, if present, as a named
// map of CEL expressions and compiles it into an organization-specific
// policy bundle layered on top of the fixed stub/regression rules. A
// missing or empty file means no custom bundle is loaded; a malformed
// one is logged and skipped rather than failing server startup, since a
// broken custom bundle should not itself become a governance outage.
func loadRuleBundle(governanceDir string) *policy.RuleBundle {
	raw, err := os.ReadFile(filepath.Join(governanceDir, "rules.json"))
	if err != nil {
		return nil
	}
	var exprs map[string]string
	if err := json.Unmarshal(raw, &exprs); err != nil {
		fmt.Fprintf(os.Stderr, "%swarning: failed to parse %s/rules.json: %v%s\n", colorYellow, governanceDir, err, colorReset)
		return nil
	}
	if len(exprs) == 0 {
		return nil
	}
	bundle, err := policy.CompileBundle("workspace-rules", exprs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%swarning: failed to compile %s/rules.json: %v%s\n", colorYellow, governanceDir, err, colorReset)
		return nil
	}
	return bundle
}

func runDoctor(args []string, stdout, stderr io.Writer) int {
	workspace := "."
	if len(args) > 0 {
		workspace = args[0]
	}
	resolver, err := pathresolve.ResolveRepoRoot(workspace)
	if err != nil {
		fmt.Fprintf(stderr, "%s%v%s\n", colorRed, err, colorReset)
		return 1
	}
	fmt.Fprintf(stdout, "workspace root: %s\n", resolver.Root())
	fmt.Fprintf(stdout, "plans dir:      %s\n", resolver.PlansDir())
	fmt.Fprintf(stdout, "governance dir: %s\n", resolver.GovernanceDir())

	if j, err := journal.Open(resolver.GovernanceDir() + "/audit-log.jsonl"); err == nil {
		if sealed, err := j.IsSealed(); err == nil {
			fmt.Fprintf(stdout, "audit journal:  sealed=%t\n", sealed)
		}
	}
	return 0
}

func runVerifyChain(args []string, stdout, stderr io.Writer) int {
	workspace := "."
	if len(args) > 0 {
		workspace = args[0]
	}
	resolver, err := pathresolve.ResolveRepoRoot(workspace)
	if err != nil {
		fmt.Fprintf(stderr, "%s%v%s\n", colorRed, err, colorReset)
		return 1
	}
	j, err := journal.Open(resolver.GovernanceDir() + "/audit-log.jsonl")
	if err != nil {
		fmt.Fprintf(stderr, "%s%v%s\n", colorRed, err, colorReset)
		return 1
	}
	result, err := j.VerifyChain()
	if err != nil {
		fmt.Fprintf(stderr, "%s%v%s\n", colorRed, err, colorReset)
		return 1
	}
	if result.Valid {
		fmt.Fprintf(stdout, "%schain valid: %d entries%s\n", colorGreen, result.EntryCount, colorReset)
		return 0
	}
	fmt.Fprintf(stdout, "%schain broken at sequence %d: %s%s\n", colorRed, result.FirstBadSeq, result.FirstBadReason, colorReset)
	return 1
}

// runRecover documents the recovery protocol rather than driving it
// itself: the pending confirmation code, although persisted in the halt
// report, is accepted only from the session that called
// recovery_initiate, and the serve process holding that session talks
// LDJSON over its own stdio, not a control socket this CLI could dial.
// An owner recovers by sending recovery_initiate and recovery_confirm
// tool calls to that same running session — the same path any other
// tool call takes through the dispatcher.
func runRecover(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintf(stderr, "%susage: sentryd recover <owner-id>%s\n", colorRed, colorReset)
		return 1
	}
	fmt.Fprintf(stdout, "%srecovery is a two-step protocol against the tripped session itself%s\n", colorYellow, colorReset)
	fmt.Fprintln(stdout, "send recovery_initiate as owner_id="+args[0]+" on that session's stdio connection, record the returned code,")
	fmt.Fprintln(stdout, "then send recovery_confirm with the same owner_id and code to clear the trip")
	return 0
}
