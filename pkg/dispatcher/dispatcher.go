// Package dispatcher is the tool-call boundary: it holds the
// role-scoped catalog of the server's fixed tool set, runs strict
// JSON-schema validation over every call's arguments, enforces the
// session + prompt gate and per-session rate limits, and routes each
// call to the in-process component that implements it. No tool here
// ever shells out or loads code dynamically; the one place the server
// executes a subprocess is the preflight runner (pkg/preflight),
// invoked internally by the write pipeline, never exposed as a
// dispatchable tool itself.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sentrygate/kernel/pkg/bootstrap"
	"github.com/sentrygate/kernel/pkg/canonical"
	"github.com/sentrygate/kernel/pkg/journal"
	"github.com/sentrygate/kernel/pkg/killswitch"
	"github.com/sentrygate/kernel/pkg/pathresolve"
	"github.com/sentrygate/kernel/pkg/pipeline"
	"github.com/sentrygate/kernel/pkg/planregistry"
	"github.com/sentrygate/kernel/pkg/policy"
	"github.com/sentrygate/kernel/pkg/protocol"
	"github.com/sentrygate/kernel/pkg/ratelimit"
	"github.com/sentrygate/kernel/pkg/recovery"
	"github.com/sentrygate/kernel/pkg/session"
	"github.com/sentrygate/kernel/pkg/telemetry"
)

var (
	ErrUnknownTool    = errors.New("ERR_TOOL_UNKNOWN")
	ErrRoleNotAllowed = errors.New("ERR_TOOL_ROLE_FORBIDDEN")
	ErrUnknownFields  = errors.New("UNKNOWN_FIELDS")
	ErrInvalidValue   = errors.New("INVALID_FIELD_VALUE")
	ErrInvalidType    = errors.New("INVALID_INPUT_TYPE")
	ErrMissingField   = errors.New("MISSING_REQUIRED_FIELD")
	ErrRateLimited    = errors.New("ERR_RATE_LIMITED")
)

// ToolDef describes one dispatchable tool: which roles may call it,
// its compiled argument schema, and whether it is served even while
// the kill-switch is engaged.
type ToolDef struct {
	Name     string
	Roles    map[session.Role]bool
	Schema   *jsonschema.Schema
	ReadOnly bool // servable while the kill-switch is engaged
}

// Deps wires the dispatcher to every component a tool handler needs.
type Deps struct {
	Sessions   *session.Store
	Resolver   *pathresolve.Resolver
	Plans      *planregistry.Registry
	Journal    *journal.Journal
	Pipeline   *pipeline.Pipeline
	Policy     *policy.Engine
	KillSwitch *killswitch.Switch
	Recovery   *recovery.Gate
	Bootstrap  *bootstrap.Bootstrapper // nil when bootstrap was unavailable at startup
	Prompts    map[string]string       // recognized prompt name -> canonical text
	Clock      func() time.Time
	Telemetry  *telemetry.Provider // nil is equivalent to a no-op provider
}

// Dispatcher is the process-wide tool boundary for one fixed role.
type Dispatcher struct {
	role    session.Role
	deps    Deps
	catalog map[string]ToolDef
	limiter *ratelimit.Limiter
}

// New returns a Dispatcher scoped to role, serving only the tools that
// role is granted.
func New(role session.Role, deps Deps, limiter *ratelimit.Limiter) (*Dispatcher, error) {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.NoopProvider()
	}
	d := &Dispatcher{role: role, deps: deps, limiter: limiter}
	catalog, err := buildCatalog()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: build catalog: %w", err)
	}
	d.catalog = catalog
	return d, nil
}

// Dispatch decodes req, validates it against the tool's schema and the
// dispatcher's role/kill-switch/session gates, runs the handler, and
// returns a framed Response. Every call — success, denial, or error —
// produces exactly one audit entry, appended here for every tool except
// write_file, whose entry the pipeline records itself with the full
// plan binding attached. Four rejections are not audited at all: an
// unknown tool, a role not granted the tool, no bound session, and
// arguments that are not a JSON object; they get only an error response.
func (d *Dispatcher) Dispatch(ctx context.Context, connToken string, req protocol.Request) protocol.Response {
	ctx, endSpan := d.deps.Telemetry.StartSpan(ctx, "dispatcher.dispatch."+req.Method)
	defer endSpan()
	start := d.deps.Clock()

	tool, ok := d.catalog[req.Method]
	if !ok {
		return d.denyUnaudited(req.ID, "ERR_TOOL_UNKNOWN", fmt.Errorf("dispatcher: %w: %s", ErrUnknownTool, req.Method))
	}
	if !tool.Roles[d.role] {
		return d.denyUnaudited(req.ID, "ERR_TOOL_ROLE_FORBIDDEN", fmt.Errorf("dispatcher: %w: role %s may not call %s", ErrRoleNotAllowed, d.role, req.Method))
	}

	if d.deps.KillSwitch != nil && d.deps.KillSwitch.Status().Tripped && !tool.ReadOnly {
		return d.deny(req.ID, connToken, req.Method, "KILL_SWITCH_ENGAGED", errors.New("kill switch engaged"), start)
	}

	// Session resolution and the prompt gate run before any argument
	// decoding or schema validation: a schema-invalid call made before
	// the prompt has been fetched must still come back
	// PROMPT_GATE_LOCKED, not a validation error.
	var sess *session.Session
	var err error
	if req.Method != "begin_session" {
		sess, err = d.boundSession(connToken)
		if err != nil {
			return d.denyUnaudited(req.ID, "SESSION_NOT_INITIALIZED", err)
		}
		if req.Method != "read_prompt" {
			if gateErr := d.deps.Sessions.RequirePromptFetched(sess.ID); gateErr != nil {
				return d.deny(req.ID, connToken, req.Method, "PROMPT_GATE_LOCKED", gateErr, start)
			}
		}
		if d.limiter != nil && !d.limiter.Allow(sess.ID) {
			retryAfter := d.limiter.RetryAfter(sess.ID)
			return d.deny(req.ID, connToken, req.Method, "ERR_RATE_LIMITED",
				fmt.Errorf("dispatcher: %w: retry after %s", ErrRateLimited, retryAfter.Round(time.Millisecond)), start)
		}
	}

	var args map[string]interface{}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &args); err != nil {
			return d.denyUnaudited(req.ID, "INVALID_INPUT_TYPE", fmt.Errorf("dispatcher: %w: args must be a JSON object: %v", ErrInvalidType, err))
		}
	} else {
		args = map[string]interface{}{}
	}

	if tool.Schema != nil {
		if err := tool.Schema.Validate(args); err != nil {
			return d.deny(req.ID, connToken, req.Method, schemaErrorCode(err), fmt.Errorf("dispatcher: %w", err), start)
		}
	}

	result, handlerErr := d.invoke(ctx, connToken, sess, req.Method, args)
	if handlerErr != nil {
		if req.Method == "write_file" {
			// The pipeline has already recorded this outcome itself; a
			// second dispatcher entry would double-count the write.
			return protocol.NewErrorResponse(req.ID, errorCode(handlerErr), handlerErr)
		}
		return d.deny(req.ID, connToken, req.Method, errorCode(handlerErr), handlerErr, start)
	}

	if req.Method != "write_file" {
		if auditErr := d.audit(sess, req.Method, args, "ok", "", "", d.deps.Clock().Sub(start)); !d.auditTolerable(auditErr) {
			return protocol.NewErrorResponse(req.ID, "AUDIT_APPEND_FAILED",
				fmt.Errorf("dispatcher: %s succeeded but recording it failed: %v", req.Method, auditErr))
		}
	}
	resp, err := protocol.NewResultResponse(req.ID, result)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, "ERR_INTERNAL", err)
	}
	return resp
}

// auditTolerable reports whether a failed audit append may be absorbed
// without failing the dispatch. The only absorbable case is a sealed
// journal while the kill-switch is engaged: the halt froze the chain
// deliberately, and entries resume on the fresh journal recovery opens.
// Any other append failure surfaces as AUDIT_APPEND_FAILED.
func (d *Dispatcher) auditTolerable(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, journal.ErrSealed) &&
		d.deps.KillSwitch != nil && d.deps.KillSwitch.Status().Tripped
}

func (d *Dispatcher) boundSession(connToken string) (*session.Session, error) {
	sess, err := d.deps.Sessions.BoundSession(connToken)
	if err != nil {
		return nil, fmt.Errorf("SESSION_NOT_INITIALIZED: begin_session must be called before any other tool")
	}
	return sess, nil
}

// deny audits a blocked/denied call and returns the framed error
// response. A lost audit entry outranks the denial itself: the caller
// was going to get an error either way, but an unrecorded governance
// decision must never look like business as usual.
func (d *Dispatcher) deny(id, connToken, tool, code string, err error, start time.Time) protocol.Response {
	sess, _ := d.deps.Sessions.BoundSession(connToken)
	if auditErr := d.audit(sess, tool, nil, "blocked", code, err.Error(), d.deps.Clock().Sub(start)); !d.auditTolerable(auditErr) {
		return protocol.NewErrorResponse(id, "AUDIT_APPEND_FAILED",
			fmt.Errorf("dispatcher: audit append failed recording %s denial: %v", code, auditErr))
	}
	return protocol.NewErrorResponse(id, code, err)
}

// denyUnaudited is used for failures so early (unknown tool, role not
// granted, malformed JSON, no session yet) that there is no session to
// attribute the audit entry to in a meaningful way; these rejections
// are returned to the caller and not journaled.
func (d *Dispatcher) denyUnaudited(id, code string, err error) protocol.Response {
	return protocol.NewErrorResponse(id, code, err)
}

func (d *Dispatcher) audit(sess *session.Session, tool string, args map[string]interface{}, result, errorCode, notes string, duration time.Duration) error {
	if d.deps.Journal == nil {
		return nil
	}
	digest := ""
	if len(args) > 0 {
		if h, err := canonical.Hash(args); err == nil {
			digest = h
		}
	}
	var sessID, role, root string
	if sess != nil {
		sessID, role, root = sess.ID, string(sess.Role), sess.WorkspaceRoot
	} else {
		role = string(d.role)
	}
	e := journal.Entry{
		SessionID:     sessID,
		Role:          role,
		WorkspaceRoot: root,
		Tool:          tool,
		ArgsDigest:    digest,
		Result:        result,
		ErrorCode:     errorCode,
		Notes:         notes,
		DurationMs:    duration.Milliseconds(),
	}
	if _, err := d.deps.Journal.Append(e, func() string { return d.deps.Clock().UTC().Format(time.RFC3339Nano) }); err != nil {
		return fmt.Errorf("dispatcher: audit append: %w", err)
	}
	return nil
}

// CompileSchema compiles a JSON schema document (as raw bytes) into a
// reusable *jsonschema.Schema for use in a ToolDef.
func CompileSchema(name string, schemaJSON []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resourceName := name + ".json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("dispatcher: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: compile schema: %w", err)
	}
	return schema, nil
}

func schemaErrorCode(err error) string {
	msg := err.Error()
	switch {
	case bytes.Contains([]byte(msg), []byte("additionalProperties")):
		return "UNKNOWN_FIELDS"
	case bytes.Contains([]byte(msg), []byte("required")):
		return "MISSING_REQUIRED_FIELD"
	case bytes.Contains([]byte(msg), []byte("type")):
		return "INVALID_INPUT_TYPE"
	default:
		return "INVALID_FIELD_VALUE"
	}
}

// errorCode maps a handler error to the stable taxonomy code carried in
// its message (every sentinel error in this codebase is named after its
// taxonomy code, e.g. session.ErrPromptGateLocked wraps
// "PROMPT_GATE_LOCKED"), falling back to a generic internal code.
func errorCode(err error) string {
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "ERR_INTERNAL"
}

var knownErrors = []error{
	session.ErrNotFound,
	session.ErrNotActive,
	session.ErrInvalidRole,
	session.ErrAlreadyBound,
	session.ErrPromptGateLocked,
	planregistry.ErrNotFound,
	planregistry.ErrNotApproved,
	planregistry.ErrIntegrityViolation,
	planregistry.ErrIDMismatch,
	planregistry.ErrBindingIncomplete,
	planregistry.ErrDuplicatePlanID,
	pathresolve.ErrNoGovernedRepo,
	pathresolve.ErrPathTraversal,
	pathresolve.ErrPathOutsideRepo,
	pathresolve.ErrInvalidPlanName,
	pipeline.ErrKillSwitchTripped,
	pipeline.ErrPlanRequired,
	pipeline.ErrMissingField,
	pipeline.ErrPolicyDenied,
	pipeline.ErrPreflightFailed,
	pipeline.ErrAuditAppendFailed,
	killswitch.ErrAlreadyTripped,
	killswitch.ErrNotTripped,
	recovery.ErrNoPendingIntent,
	recovery.ErrCodeExpired,
	recovery.ErrCodeMismatch,
	recovery.ErrNotTripped,
	bootstrap.ErrAlreadyBootstrapped,
	bootstrap.ErrInvalidToken,
}
