package dispatcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/sentrygate/kernel/pkg/journal"
	"github.com/sentrygate/kernel/pkg/maturity"
	"github.com/sentrygate/kernel/pkg/pipeline"
	"github.com/sentrygate/kernel/pkg/planregistry"
	"github.com/sentrygate/kernel/pkg/session"
)

// schema literals, one per tool. Each is compiled once at catalog
// build time; a malformed literal is a programming error caught the
// first time New is called, not at request time.
var toolSchemas = map[string]string{
	"begin_session": `{
		"type": "object",
		"properties": {
			"workspace_root": {"type": "string", "minLength": 1},
			"client_version": {"type": "string"}
		},
		"required": ["workspace_root"],
		"additionalProperties": false
	}`,
	"list_plans": `{
		"type": "object",
		"properties": {},
		"additionalProperties": false
	}`,
	"read_file": `{
		"type": "object",
		"properties": {"path": {"type": "string", "minLength": 1}},
		"required": ["path"],
		"additionalProperties": false
	}`,
	"read_audit_log": `{
		"type": "object",
		"properties": {"limit": {"type": "integer", "minimum": 1}},
		"additionalProperties": false
	}`,
	"read_prompt": `{
		"type": "object",
		"properties": {"name": {"type": "string", "minLength": 1}},
		"required": ["name"],
		"additionalProperties": false
	}`,
	"write_file": `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"},
			"diff": {"type": "string"},
			"plan_name": {"type": "string", "minLength": 1},
			"plan_id": {"type": "string", "minLength": 1},
			"plan_hash": {"type": "string", "minLength": 1},
			"purpose": {"type": "string", "minLength": 1},
			"connected_via": {"type": "string", "minLength": 1},
			"registered_in": {"type": "string", "minLength": 1},
			"failure_modes": {"type": "string", "minLength": 1}
		},
		"required": ["path", "content", "plan_name", "plan_id", "plan_hash", "purpose", "connected_via", "registered_in", "failure_modes"],
		"additionalProperties": false
	}`,
	"bootstrap_create_foundation_plan": `{
		"type": "object",
		"properties": {
			"token": {"type": "string", "minLength": 1},
			"plan_file_name": {"type": "string", "minLength": 1},
			"content_base64": {"type": "string", "minLength": 1}
		},
		"required": ["token", "plan_file_name", "content_base64"],
		"additionalProperties": false
	}`,
	"lint_plan": `{
		"type": "object",
		"properties": {"name": {"type": "string", "minLength": 1}},
		"required": ["name"],
		"additionalProperties": false
	}`,
	"validate_intents": `{
		"type": "object",
		"properties": {
			"purpose": {"type": "string"},
			"connected_via": {"type": "string"},
			"registered_in": {"type": "string"},
			"failure_modes": {"type": "string"}
		},
		"required": ["purpose", "connected_via", "registered_in", "failure_modes"],
		"additionalProperties": false
	}`,
	"verify_workspace_integrity": `{
		"type": "object",
		"properties": {},
		"additionalProperties": false
	}`,
	"recovery_initiate": `{
		"type": "object",
		"properties": {
			"owner_id": {"type": "string", "minLength": 1},
			"read_halt_report": {"type": "boolean"},
			"ran_verification": {"type": "boolean"},
			"accept_responsibility": {"type": "boolean"},
			"reason": {"type": "string", "minLength": 1}
		},
		"required": ["owner_id", "read_halt_report", "ran_verification", "accept_responsibility", "reason"],
		"additionalProperties": false
	}`,
	"recovery_confirm": `{
		"type": "object",
		"properties": {
			"owner_id": {"type": "string", "minLength": 1},
			"code": {"type": "string", "minLength": 1}
		},
		"required": ["owner_id", "code"],
		"additionalProperties": false
	}`,
	"recovery_status": `{
		"type": "object",
		"properties": {},
		"additionalProperties": false
	}`,
}

// roleSets name which of the three roles may call each tool.
// Read-heavy transparency tools (plans,
// files, prompt, audit log, integrity) are open to every role; mutation
// stays scoped to the role responsible for it; recovery is OWNER-only,
// since only an owner can have tripped the kill-switch's counterpart
// authority in the first place.
var roleSets = map[string][]session.Role{
	"begin_session":                    {session.RolePlanner, session.RoleExecutor, session.RoleOwner},
	"list_plans":                       {session.RolePlanner, session.RoleExecutor, session.RoleOwner},
	"read_file":                        {session.RolePlanner, session.RoleExecutor, session.RoleOwner},
	"read_audit_log":                   {session.RolePlanner, session.RoleExecutor, session.RoleOwner},
	"read_prompt":                      {session.RolePlanner, session.RoleExecutor, session.RoleOwner},
	"write_file":                       {session.RoleExecutor},
	"bootstrap_create_foundation_plan": {session.RoleOwner},
	"lint_plan":                        {session.RolePlanner, session.RoleOwner},
	"validate_intents":                 {session.RolePlanner, session.RoleExecutor, session.RoleOwner},
	"verify_workspace_integrity":       {session.RolePlanner, session.RoleExecutor, session.RoleOwner},
	"recovery_initiate":                {session.RoleOwner},
	"recovery_confirm":                 {session.RoleOwner},
	"recovery_status":                  {session.RoleOwner},
}

// readOnlyTools are served even while the kill-switch is engaged: pure
// reads, workspace-integrity verification, and the recovery protocol
// itself (the only path off a trip). begin_session is included too —
// otherwise no connection opened after a trip could ever reach the
// recovery or read-only tools that are supposed to remain available,
// since Dispatch requires a bound session for everything except
// begin_session itself.
var readOnlyTools = map[string]bool{
	"begin_session":              true,
	"list_plans":                 true,
	"read_file":                  true,
	"read_audit_log":             true,
	"read_prompt":                true,
	"verify_workspace_integrity": true,
	"recovery_initiate":          true,
	"recovery_confirm":           true,
	"recovery_status":            true,
}

func buildCatalog() (map[string]ToolDef, error) {
	catalog := make(map[string]ToolDef, len(toolSchemas))
	for name, schemaJSON := range toolSchemas {
		schema, err := CompileSchema(name, []byte(schemaJSON))
		if err != nil {
			return nil, fmt.Errorf("dispatcher: tool %s: %w", name, err)
		}
		roles := make(map[session.Role]bool, len(roleSets[name]))
		for _, r := range roleSets[name] {
			roles[r] = true
		}
		catalog[name] = ToolDef{Name: name, Roles: roles, Schema: schema, ReadOnly: readOnlyTools[name]}
	}
	return catalog, nil
}

// invoke routes a validated call to its in-process handler. sess is
// nil only for begin_session, which creates the session as its effect.
func (d *Dispatcher) invoke(ctx context.Context, connToken string, sess *session.Session, tool string, args map[string]interface{}) (interface{}, error) {
	switch tool {
	case "begin_session":
		return d.handleBeginSession(connToken, args)
	case "list_plans":
		return d.handleListPlans()
	case "read_file":
		return d.handleReadFile(sess, args)
	case "read_audit_log":
		return d.handleReadAuditLog(args)
	case "read_prompt":
		return d.handleReadPrompt(sess, args)
	case "write_file":
		return d.handleWriteFile(ctx, sess, args)
	case "bootstrap_create_foundation_plan":
		return d.handleBootstrap(args)
	case "lint_plan":
		return d.handleLintPlan(args)
	case "validate_intents":
		return d.handleValidateIntents(args)
	case "verify_workspace_integrity":
		return d.handleVerifyIntegrity()
	case "recovery_initiate":
		return d.handleRecoveryInitiate(sess, args)
	case "recovery_confirm":
		return d.handleRecoveryConfirm(sess, args)
	case "recovery_status":
		return d.handleRecoveryStatus()
	default:
		return nil, fmt.Errorf("dispatcher: %w: %s", ErrUnknownTool, tool)
	}
}

func strArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func (d *Dispatcher) handleBeginSession(connToken string, args map[string]interface{}) (interface{}, error) {
	root := strArg(args, "workspace_root")
	clientVersion := strArg(args, "client_version")
	sess, err := d.deps.Sessions.BeginForConnection(connToken, d.role, root, clientVersion)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"session_id":     sess.ID,
		"role":           string(sess.Role),
		"workspace_root": sess.WorkspaceRoot,
	}, nil
}

func (d *Dispatcher) handleListPlans() (interface{}, error) {
	plans, err := d.deps.Plans.List()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(plans))
	for _, p := range plans {
		out = append(out, map[string]interface{}{
			"file_name":   p.FileName,
			"plan_id":     p.PlanID,
			"status":      string(p.Status),
			"authority":   p.Authority,
			"scope":       p.Scope,
			"hash":        p.Hash,
			"parse_error": p.ParseError,
		})
	}
	return map[string]interface{}{"plans": out}, nil
}

func (d *Dispatcher) handleReadFile(sess *session.Session, args map[string]interface{}) (interface{}, error) {
	rel := strArg(args, "path")
	target, err := d.deps.Resolver.ResolveReadTarget(rel)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: read %s: %w", rel, err)
	}
	return map[string]interface{}{"path": rel, "content": string(content)}, nil
}

func (d *Dispatcher) handleReadAuditLog(args map[string]interface{}) (interface{}, error) {
	limit := 0
	if v, ok := args["limit"].(float64); ok {
		limit = int(v)
	}
	entries, err := d.deps.Journal.ReadTail(limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"entries": entries}, nil
}

func (d *Dispatcher) handleReadPrompt(sess *session.Session, args map[string]interface{}) (interface{}, error) {
	name := strArg(args, "name")
	text, ok := d.deps.Prompts[name]
	if !ok {
		return nil, fmt.Errorf("dispatcher: PROMPT_NOT_FOUND: %s", name)
	}
	if err := d.deps.Sessions.MarkPromptFetched(sess.ID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"name": name, "text": text}, nil
}

func (d *Dispatcher) handleWriteFile(ctx context.Context, sess *session.Session, args map[string]interface{}) (interface{}, error) {
	req := pipeline.WriteRequest{
		Session:      sess,
		RelPath:      strArg(args, "path"),
		NewContent:   strArg(args, "content"),
		UnifiedDiff:  strArg(args, "diff"),
		PlanName:     strArg(args, "plan_name"),
		PlanID:       strArg(args, "plan_id"),
		PlanHash:     strArg(args, "plan_hash"),
		Purpose:      strArg(args, "purpose"),
		ConnectedVia: strArg(args, "connected_via"),
		RegisteredIn: strArg(args, "registered_in"),
		FailureModes: strArg(args, "failure_modes"),
	}
	outcome, err := d.deps.Pipeline.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"applied": outcome.Applied,
		"result":  outcome.AuditEntry.Result,
		"hash":    outcome.AuditEntry.Hash,
	}, nil
}

func (d *Dispatcher) handleBootstrap(args map[string]interface{}) (interface{}, error) {
	if d.deps.Bootstrap == nil {
		return nil, fmt.Errorf("dispatcher: BOOTSTRAP_DISABLED: no bootstrapper configured")
	}
	content, err := base64.StdEncoding.DecodeString(strArg(args, "content_base64"))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: content_base64 is not valid base64: %w", err)
	}
	plan, err := d.deps.Bootstrap.Run(strArg(args, "token"), strArg(args, "plan_file_name"), content)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"plan_id": plan.PlanID, "file_name": plan.FileName, "status": string(plan.Status)}, nil
}

func (d *Dispatcher) handleLintPlan(args map[string]interface{}) (interface{}, error) {
	name := strArg(args, "name")
	plan, err := d.deps.Plans.Find(name)
	if err != nil {
		return nil, err
	}
	if plan.Status == planregistry.StatusUnparseable {
		return nil, fmt.Errorf("dispatcher: PLAN_LINT_FAILED: %s", plan.ParseError)
	}
	return map[string]interface{}{
		"file_name": plan.FileName,
		"plan_id":   plan.PlanID,
		"status":    string(plan.Status),
		"hash":      plan.Hash,
	}, nil
}

func (d *Dispatcher) handleValidateIntents(args map[string]interface{}) (interface{}, error) {
	err := pipeline.ValidateIntents(
		strArg(args, "purpose"),
		strArg(args, "connected_via"),
		strArg(args, "registered_in"),
		strArg(args, "failure_modes"),
	)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"valid": true}, nil
}

func (d *Dispatcher) handleVerifyIntegrity() (interface{}, error) {
	result, err := d.deps.Journal.VerifyChain()
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, fmt.Errorf("dispatcher: AUDIT_CHAIN_BROKEN: %s at sequence %d", result.FirstBadReason, result.FirstBadSeq)
	}

	entries, err := d.deps.Journal.ReadAll()
	if err != nil {
		return nil, err
	}
	report := maturity.Compute(maturityInputs(entries, result.Valid, d.deps.Pipeline))

	scores := make([]map[string]interface{}, 0, len(report.Scores))
	for _, s := range report.Scores {
		scores = append(scores, map[string]interface{}{
			"dimension": string(s.Dimension),
			"value":     s.Value,
			"evidence":  s.Evidence,
		})
	}

	return map[string]interface{}{
		"valid":       result.Valid,
		"entry_count": result.EntryCount,
		"maturity": map[string]interface{}{
			"overall": report.Overall,
			"scores":  scores,
		},
	}, nil
}

// maturityInputs reduces the raw audit journal (plus the pipeline's
// declared preflight checks) into the evidence pkg/maturity scores
// against. Every count here is derived straight from
// journal.Entry fields the write pipeline and dispatcher already
// record — there is no separate counter state to keep in sync.
func maturityInputs(entries []journal.Entry, chainValid bool, pipe *pipeline.Pipeline) maturity.Inputs {
	var in maturity.Inputs
	in.ChainValid = chainValid
	in.TotalAuditEntries = len(entries)
	if pipe != nil {
		in.PreflightChecksDeclared = pipe.PreflightChecksDeclared()
	}
	in.PolicyEvaluationsTotal = 0 // incremented below only for write_file attempts that reached the policy gate

	for _, e := range entries {
		if e.DurationMs > 0 {
			in.LatencySamplesMs = append(in.LatencySamplesMs, float64(e.DurationMs))
		}
		if e.Tool != "write_file" {
			continue
		}
		in.WritesTotal++
		if e.ErrorCode != "MISSING_REQUIRED_FIELD" {
			in.WritesWithCompleteIntent++
		}
		if e.PlanID != "" {
			in.WritesPlanBound++
		}

		reachedPolicyGate := e.Result == "ok" ||
			(e.ErrorCode != "KILL_SWITCH_ENGAGED" && e.ErrorCode != "MISSING_REQUIRED_FIELD" &&
				!strings.HasPrefix(e.ErrorCode, "PLAN_") && e.ErrorCode != "PATH_OUTSIDE_REPO")
		if !reachedPolicyGate {
			continue
		}
		in.PolicyEvaluationsTotal++
		// The pipeline never applies a write whose policy decision was
		// DENY, so a policy bypass can only show up here as a logic bug,
		// never as normal operation: reaching this point with result=ok
		// already proves the policy gate passed.

		if e.ErrorCode == "PREFLIGHT_FAILED" {
			in.PreflightRunsTotal++
			continue
		}
		if e.Result == "ok" && in.PreflightChecksDeclared > 0 {
			in.PreflightRunsTotal++
			in.PreflightRunsPassed++
		}
	}
	return in
}

func (d *Dispatcher) handleRecoveryInitiate(sess *session.Session, args map[string]interface{}) (interface{}, error) {
	if !boolArg(args, "read_halt_report") || !boolArg(args, "ran_verification") || !boolArg(args, "accept_responsibility") {
		return nil, fmt.Errorf("dispatcher: RECOVERY_NOT_AUTHORIZED: all three owner acknowledgements must be true")
	}
	intent, err := d.deps.Recovery.CreateIntent(strArg(args, "owner_id"), sess.ID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"code": intent.Code, "expires_at": intent.ExpiresAt}, nil
}

// handleRecoveryConfirm requires sess to be the same session that called
// handleRecoveryInitiate: Gate.Confirm binds the pending intent to the
// session id at creation time and rejects any other caller, even one
// presenting the right owner id and code.
func (d *Dispatcher) handleRecoveryConfirm(sess *session.Session, args map[string]interface{}) (interface{}, error) {
	if err := d.deps.Recovery.Confirm(strArg(args, "owner_id"), sess.ID, strArg(args, "code")); err != nil {
		return nil, err
	}
	return map[string]interface{}{"recovered": true}, nil
}

func (d *Dispatcher) handleRecoveryStatus() (interface{}, error) {
	intent, pending := d.deps.Recovery.Pending()
	if !pending {
		return map[string]interface{}{"pending": false}, nil
	}
	return map[string]interface{}{"pending": true, "owner_id": intent.OwnerID, "expires_at": intent.ExpiresAt}, nil
}
