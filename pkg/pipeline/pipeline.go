// Package pipeline orchestrates a single governed write end to end,
// through a fixed gate order: kill-switch, input validation, plan
// binding, scope resolution, policy evaluation, preflight, atomic
// commit, and an audit journal entry recording the outcome whichever
// way it goes. Gates run cheapest-first, and nothing before the commit
// step touches the workspace.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentrygate/kernel/pkg/canonical"
	"github.com/sentrygate/kernel/pkg/journal"
	"github.com/sentrygate/kernel/pkg/killswitch"
	"github.com/sentrygate/kernel/pkg/pathresolve"
	"github.com/sentrygate/kernel/pkg/planregistry"
	"github.com/sentrygate/kernel/pkg/policy"
	"github.com/sentrygate/kernel/pkg/preflight"
	"github.com/sentrygate/kernel/pkg/session"
	"github.com/sentrygate/kernel/pkg/telemetry"
)

var (
	ErrKillSwitchTripped = errors.New("KILL_SWITCH_ENGAGED")
	ErrPlanRequired      = errors.New("PLAN_BINDING_REQUIRED")
	ErrMissingField      = errors.New("MISSING_REQUIRED_FIELD")
	ErrPolicyDenied      = errors.New("POLICY_DENIED")
	ErrPreflightFailed   = errors.New("PREFLIGHT_FAILED")
	ErrAuditAppendFailed = errors.New("AUDIT_APPEND_FAILED")
)

// requiredIntentFields is the governance envelope every write_file
// call must carry beyond path/content/plan binding: the caller's own
// account of why the write is safe to make.
var requiredIntentFields = []string{"purpose", "connected_via", "registered_in", "failure_modes"}

// ValidateIntents checks the intent envelope alone, for callers that
// want to pre-check a prospective write's declaration without staging
// an actual write.
func ValidateIntents(purpose, connectedVia, registeredIn, failureModes string) error {
	fields := map[string]string{
		"purpose":       purpose,
		"connected_via": connectedVia,
		"registered_in": registeredIn,
		"failure_modes": failureModes,
	}
	for _, name := range requiredIntentFields {
		if fields[name] == "" {
			return fmt.Errorf("pipeline: %w: %s", ErrMissingField, name)
		}
	}
	return nil
}

// WriteRequest describes one proposed file write awaiting governance.
type WriteRequest struct {
	Session     *session.Session
	RelPath     string
	NewContent  string
	UnifiedDiff string
	PlanName    string
	PlanID      string
	PlanHash    string

	// Intent fields: the governance envelope every write must declare.
	// Purpose and ConnectedVia feed the audit entry's args digest; none
	// of the four is written into the audit notes, and they do not gate
	// policy decisions beyond being present.
	Purpose      string
	ConnectedVia string
	RegisteredIn string
	FailureModes string
}

// Validate checks the input-validation gate: every required field must
// be present and non-empty before any later stage runs.
func (r WriteRequest) Validate() error {
	if r.RelPath == "" {
		return fmt.Errorf("pipeline: %w: path", ErrMissingField)
	}
	if r.PlanName == "" {
		return fmt.Errorf("pipeline: %w: plan", ErrMissingField)
	}
	if r.PlanID == "" {
		return fmt.Errorf("pipeline: %w: plan_id", ErrMissingField)
	}
	if r.PlanHash == "" {
		return fmt.Errorf("pipeline: %w: plan_hash", ErrMissingField)
	}
	return ValidateIntents(r.Purpose, r.ConnectedVia, r.RegisteredIn, r.FailureModes)
}

// Outcome is the final, audited result of a write request.
type Outcome struct {
	Applied      bool
	Verdict      policy.Verdict
	Preflight    *preflight.Report
	AuditEntry   journal.Entry
	DeniedReason string
}

// Pipeline wires together every governance stage a write must pass
// through before it lands on disk.
type Pipeline struct {
	resolver   *pathresolve.Resolver
	journal    *journal.Journal
	plans      *planregistry.Registry
	policy     *policy.Engine
	preflight  *preflight.Runner
	killswitch *killswitch.Switch
	clock      func() time.Time
	telemetry  *telemetry.Provider

	// pathLocks serializes concurrent writes to the same target path:
	// the first request to acquire runs its whole gate sequence before
	// the second begins, so two racing writes can never interleave
	// their policy snapshot and commit.
	pathMu    sync.Mutex
	pathLocks map[string]*sync.Mutex
}

// New assembles a Pipeline from its constituent components. preflight
// may be nil if no checks are configured for the workspace.
func New(
	resolver *pathresolve.Resolver,
	j *journal.Journal,
	plans *planregistry.Registry,
	eng *policy.Engine,
	pf *preflight.Runner,
	sw *killswitch.Switch,
) *Pipeline {
	return &Pipeline{
		resolver:   resolver,
		journal:    j,
		plans:      plans,
		policy:     eng,
		preflight:  pf,
		killswitch: sw,
		clock:      time.Now,
		telemetry:  telemetry.NoopProvider(),
		pathLocks:  make(map[string]*sync.Mutex),
	}
}

// lockPath returns the mutex guarding one target path, creating it on
// first use. Lock entries are never removed: the set of distinct paths
// a session writes is small and bounded by the repository itself.
func (p *Pipeline) lockPath(relPath string) *sync.Mutex {
	p.pathMu.Lock()
	defer p.pathMu.Unlock()
	mu, ok := p.pathLocks[relPath]
	if !ok {
		mu = &sync.Mutex{}
		p.pathLocks[relPath] = mu
	}
	return mu
}

// WithClock overrides the time source for deterministic tests.
func (p *Pipeline) WithClock(c func() time.Time) *Pipeline {
	p.clock = c
	return p
}

// WithTelemetry attaches a tracing provider so each gate in Execute
// emits its own span. A Pipeline built via New already holds a no-op
// provider, so calling this is optional.
func (p *Pipeline) WithTelemetry(tp *telemetry.Provider) *Pipeline {
	if tp != nil {
		p.telemetry = tp
	}
	return p
}

func (p *Pipeline) now() string { return p.clock().UTC().Format(time.RFC3339Nano) }

// PreflightChecksDeclared reports how many preflight checks this
// pipeline's workspace has configured, used by pkg/maturity to score
// the reliability dimension from real evidence rather than guessing.
func (p *Pipeline) PreflightChecksDeclared() int {
	return p.preflight.DeclaredChecks()
}

// Execute runs a write request through every governance stage in
// order: kill-switch, input validation, plan binding, scope resolution,
// policy, preflight, atomic commit, audit append. The prompt gate is
// the dispatcher's responsibility — it is a session concern and the
// pipeline holds no session store. Whatever the outcome, an audit
// entry is appended recording it, unless the journal itself is sealed.
func (p *Pipeline) Execute(ctx context.Context, req WriteRequest) (Outcome, error) {
	ctx, endExec := p.telemetry.StartSpan(ctx, "pipeline.execute")
	defer endExec()
	start := p.clock()

	mu := p.lockPath(req.RelPath)
	mu.Lock()
	defer mu.Unlock()

	if p.killswitch != nil && p.killswitch.Status().Tripped {
		entry, retErr := p.record(req, "blocked", "KILL_SWITCH_ENGAGED", "", p.clock().Sub(start),
			fmt.Errorf("pipeline: %w", ErrKillSwitchTripped))
		return Outcome{Applied: false, DeniedReason: "kill switch engaged", AuditEntry: entry}, retErr
	}

	if err := req.Validate(); err != nil {
		entry, retErr := p.record(req, "blocked", "MISSING_REQUIRED_FIELD", err.Error(), p.clock().Sub(start), err)
		return Outcome{Applied: false, DeniedReason: err.Error(), AuditEntry: entry}, retErr
	}

	_, endBind := p.telemetry.StartSpan(ctx, "pipeline.plan_binding")
	plan, err := p.plans.Resolve(req.PlanName, req.PlanID, req.PlanHash)
	endBind()
	if err != nil {
		entry, retErr := p.record(req, "blocked", planBindingCode(err), err.Error(), p.clock().Sub(start),
			fmt.Errorf("pipeline: %w: %w", ErrPlanRequired, err))
		return Outcome{Applied: false, DeniedReason: err.Error(), AuditEntry: entry}, retErr
	}

	_, endScope := p.telemetry.StartSpan(ctx, "pipeline.scope")
	targetPath, err := p.resolver.ResolveWriteTarget(req.RelPath)
	endScope()
	if err != nil {
		entry, retErr := p.record(req, "blocked", "PATH_OUTSIDE_REPO", err.Error(), p.clock().Sub(start),
			fmt.Errorf("pipeline: %w", err))
		return Outcome{Applied: false, AuditEntry: entry}, retErr
	}

	policyCtx, endPolicy := p.telemetry.StartSpan(ctx, "pipeline.policy")
	verdict, err := p.policy.EvaluateDiff(policyCtx, req.RelPath, req.NewContent, req.UnifiedDiff)
	endPolicy()
	if err != nil {
		entry, retErr := p.record(req, "error", "POLICY_UNPARSEABLE", err.Error(), p.clock().Sub(start),
			fmt.Errorf("pipeline: policy evaluation: %w", err))
		return Outcome{Applied: false, Verdict: verdict, AuditEntry: entry}, retErr
	}
	if verdict.Decision == policy.DecisionDeny {
		entry, retErr := p.record(req, "blocked", "POLICY_STUB_DETECTED", summarizeVerdict(verdict), p.clock().Sub(start),
			fmt.Errorf("pipeline: %w: %s", ErrPolicyDenied, summarizeVerdict(verdict)))
		return Outcome{Applied: false, Verdict: verdict, DeniedReason: summarizeVerdict(verdict), AuditEntry: entry}, retErr
	}
	if verdict.Decision == policy.DecisionRequireApproval {
		entry, retErr := p.record(req, "blocked", "POLICY_REGRESSION_DETECTED", summarizeVerdict(verdict), p.clock().Sub(start),
			fmt.Errorf("pipeline: %w: approval required: %s", ErrPolicyDenied, summarizeVerdict(verdict)))
		return Outcome{Applied: false, Verdict: verdict, DeniedReason: summarizeVerdict(verdict), AuditEntry: entry}, retErr
	}

	preflightCtx, endPreflight := p.telemetry.StartSpan(ctx, "pipeline.preflight")
	r, pfErr := p.preflight.RunStaged(preflightCtx, p.resolver.Root(), req.RelPath, []byte(req.NewContent))
	endPreflight()
	if pfErr != nil {
		entry, retErr := p.record(req, "error", "PREFLIGHT_FAILED", pfErr.Error(), p.clock().Sub(start),
			fmt.Errorf("pipeline: preflight staging: %w", pfErr))
		return Outcome{Applied: false, Verdict: verdict, AuditEntry: entry}, retErr
	}
	report := &r
	if !r.AllPass {
		entry, retErr := p.record(req, "blocked", "PREFLIGHT_FAILED", firstFailedCheck(r), p.clock().Sub(start),
			fmt.Errorf("pipeline: %w: %s", ErrPreflightFailed, firstFailedCheck(r)))
		return Outcome{Applied: false, Verdict: verdict, Preflight: report, DeniedReason: "preflight failed", AuditEntry: entry}, retErr
	}

	// The journal must be able to record this write before it happens:
	// committing a mutation whose audit entry cannot be appended would
	// leave an unrecorded change on disk.
	if sealed, serr := p.journal.IsSealed(); serr != nil || sealed {
		entry, retErr := p.record(req, "blocked", "AUDIT_APPEND_FAILED", "journal sealed or unreadable", p.clock().Sub(start),
			fmt.Errorf("pipeline: %w: journal cannot record this write", ErrAuditAppendFailed))
		return Outcome{Applied: false, Verdict: verdict, Preflight: report, DeniedReason: "audit journal unavailable", AuditEntry: entry}, retErr
	}

	_, endCommit := p.telemetry.StartSpan(ctx, "pipeline.commit")
	writeErr := atomicWrite(targetPath, []byte(req.NewContent))
	endCommit()
	if writeErr != nil {
		entry, retErr := p.record(req, "error", "ERR_WRITE_FAILED", writeErr.Error(), p.clock().Sub(start),
			fmt.Errorf("pipeline: write %s: %w", targetPath, writeErr))
		return Outcome{Applied: false, Verdict: verdict, Preflight: report, AuditEntry: entry}, retErr
	}

	notes := fmt.Sprintf("plan %s (%s) bound", plan.FileName, plan.PlanID)
	if r.Skipped != "" {
		notes += "; preflight " + r.Skipped
	}
	entry, auditErr := p.audit(req, "ok", "", notes, p.clock().Sub(start))
	if auditErr != nil {
		// The write is already on disk; losing its audit entry is the
		// critical failure the kill-switch exists for. The outcome
		// reports Applied truthfully so the caller knows the file
		// changed even though the call failed.
		if p.killswitch != nil && !p.killswitch.Status().Tripped {
			_, _ = p.killswitch.Trip("write-pipeline",
				fmt.Sprintf("audit append failed after committing %s: %v", req.RelPath, auditErr))
		}
		return Outcome{Applied: true, Verdict: verdict, Preflight: report},
			fmt.Errorf("pipeline: %w: write %s committed but audit append failed: %v", ErrAuditAppendFailed, req.RelPath, auditErr)
	}

	return Outcome{Applied: true, Verdict: verdict, Preflight: report, AuditEntry: entry}, nil
}

// atomicWrite writes content to a randomly named temp file in target's
// directory, fsyncs it, and renames it over target. On any failure the
// temp file is removed so a partial write never lands under the real
// name.
func atomicWrite(target string, content []byte) error {
	dir := filepath.Dir(target)
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-%s", uuid.NewString()))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// record appends the audit entry for a non-applied outcome and decides
// which error the caller returns. Normally that is cause — the denial
// itself. If the append fails, the lost entry supersedes the denial:
// a governance decision that cannot be recorded is its own critical
// failure. The one absorbable append failure is a sealed journal while
// the kill-switch is engaged, which is the frozen chain a halt is
// supposed to produce.
func (p *Pipeline) record(req WriteRequest, result, errorCode, notes string, duration time.Duration, cause error) (journal.Entry, error) {
	entry, err := p.audit(req, result, errorCode, notes, duration)
	if err == nil {
		return entry, cause
	}
	if errors.Is(err, journal.ErrSealed) && p.killswitch != nil && p.killswitch.Status().Tripped {
		return entry, cause
	}
	return entry, fmt.Errorf("pipeline: %w: %v (while recording %s)", ErrAuditAppendFailed, err, errorCode)
}

func (p *Pipeline) audit(req WriteRequest, result, errorCode, notes string, duration time.Duration) (journal.Entry, error) {
	argsDigest, _ := canonical.Hash(map[string]string{
		"path":          req.RelPath,
		"plan":          req.PlanName,
		"plan_id":       req.PlanID,
		"purpose":       req.Purpose,
		"connected_via": req.ConnectedVia,
	})
	var sessID, role, root string
	if req.Session != nil {
		sessID, role, root = req.Session.ID, string(req.Session.Role), req.Session.WorkspaceRoot
	}
	e := journal.Entry{
		SessionID:     sessID,
		Role:          role,
		WorkspaceRoot: root,
		Tool:          "write_file",
		ArgsDigest:    argsDigest,
		PlanID:        req.PlanID,
		PlanHash:      req.PlanHash,
		Result:        result,
		ErrorCode:     errorCode,
		Notes:         notes,
		DurationMs:    duration.Milliseconds(),
	}
	return p.journal.Append(e, p.now)
}

// planBindingCode maps a registry resolution failure to the precise
// audit code it represents; the registry's sentinels are named after
// their codes. Falls back to the generic binding code for anything
// unexpected.
func planBindingCode(err error) string {
	for _, known := range []error{
		planregistry.ErrBindingIncomplete,
		planregistry.ErrIDMismatch,
		planregistry.ErrIntegrityViolation,
		planregistry.ErrNotApproved,
		planregistry.ErrNotFound,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return ErrPlanRequired.Error()
}

func firstFailedCheck(r preflight.Report) string {
	for _, res := range r.Results {
		if !res.Passed {
			return res.Name
		}
	}
	return "unknown check"
}

func summarizeVerdict(v policy.Verdict) string {
	if v.Regression != nil {
		return v.Regression.Reason
	}
	if len(v.Violations) > 0 {
		return fmt.Sprintf("%d forbidden-pattern violation(s), first: %s at line %d", len(v.Violations), v.Violations[0].Marker, v.Violations[0].Line)
	}
	if len(v.RuleHits) > 0 {
		return fmt.Sprintf("custom rule(s) triggered: %v", v.RuleHits)
	}
	return "denied"
}
