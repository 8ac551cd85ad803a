package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentrygate/kernel/pkg/bootstrap"
	"github.com/sentrygate/kernel/pkg/govstate"
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
)

const approvedPlan = `---
plan_id: FOUNDATION-1
status: APPROVED
---

# Foundation plan
`

func newHarness(t *testing.T, role session.Role) (*Dispatcher, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "plans"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "plans", "foundation.md"), []byte(approvedPlan), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src.go"), []byte("package src\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".governance", "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".governance", "prompts", "system.txt"), []byte("be careful"), 0o644))

	resolver, err := pathresolve.ResolveRepoRoot(root)
	require.NoError(t, err)

	j, err := journal.Open(filepath.Join(resolver.GovernanceDir(), "audit-log.jsonl"))
	require.NoError(t, err)

	plans := planregistry.NewRegistry(resolver)
	eng := policy.New()
	sessions := session.NewStore(0)
	sw := killswitch.New(j, sessions, filepath.Join(resolver.GovernanceDir(), "halt"))
	rg := recovery.NewGate(sw, j, 10*time.Minute)
	pipe := pipeline.New(resolver, j, plans, eng, nil, sw)

	state, err := govstate.Load(filepath.Join(resolver.GovernanceDir(), "governance.json"))
	require.NoError(t, err)
	boot := bootstrap.New([]byte("test-secret"), resolver, plans, state)

	deps := Deps{
		Sessions:   sessions,
		Resolver:   resolver,
		Plans:      plans,
		Journal:    j,
		Pipeline:   pipe,
		Policy:     eng,
		KillSwitch: sw,
		Recovery:   rg,
		Bootstrap:  boot,
		Prompts:    map[string]string{"system": "be careful"},
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
	}

	d, err := New(role, deps, ratelimit.New(ratelimit.DefaultPolicy()))
	require.NoError(t, err)
	return d, root
}

func call(t *testing.T, d *Dispatcher, conn, method string, params interface{}) protocol.Response {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return d.Dispatch(context.Background(), conn, protocol.Request{ID: "1", Method: method, Params: raw})
}

func requireOK(t *testing.T, resp protocol.Response) json.RawMessage {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	return resp.Result
}

func requireErrCode(t *testing.T, resp protocol.Response, code string) {
	t.Helper()
	require.NotNil(t, resp.Error)
	require.Equal(t, code, resp.Error.Code)
}

func TestDispatch_RejectsToolCallBeforeBeginSession(t *testing.T) {
	d, _ := newHarness(t, session.RoleExecutor)
	resp := call(t, d, "conn1", "list_plans", map[string]interface{}{})
	requireErrCode(t, resp, "SESSION_NOT_INITIALIZED")
}

func TestDispatch_RejectsToolCallBeforePromptFetched(t *testing.T) {
	d, root := newHarness(t, session.RoleExecutor)
	requireOK(t, call(t, d, "conn1", "begin_session", map[string]interface{}{"workspace_root": root}))

	resp := call(t, d, "conn1", "list_plans", map[string]interface{}{})
	requireErrCode(t, resp, "PROMPT_GATE_LOCKED")
}

func TestDispatch_ReadPromptUnlocksGate(t *testing.T) {
	d, root := newHarness(t, session.RoleExecutor)
	requireOK(t, call(t, d, "conn1", "begin_session", map[string]interface{}{"workspace_root": root}))
	requireOK(t, call(t, d, "conn1", "read_prompt", map[string]interface{}{"name": "system"}))

	resp := call(t, d, "conn1", "list_plans", map[string]interface{}{})
	requireOK(t, resp)
}

func TestDispatch_RejectsUnknownTool(t *testing.T) {
	d, root := newHarness(t, session.RoleExecutor)
	requireOK(t, call(t, d, "conn1", "begin_session", map[string]interface{}{"workspace_root": root}))
	requireOK(t, call(t, d, "conn1", "read_prompt", map[string]interface{}{"name": "system"}))

	resp := call(t, d, "conn1", "delete_everything", map[string]interface{}{})
	requireErrCode(t, resp, "ERR_TOOL_UNKNOWN")
}

func TestDispatch_RejectsToolOutsideRole(t *testing.T) {
	d, root := newHarness(t, session.RolePlanner)
	requireOK(t, call(t, d, "conn1", "begin_session", map[string]interface{}{"workspace_root": root}))
	requireOK(t, call(t, d, "conn1", "read_prompt", map[string]interface{}{"name": "system"}))

	resp := call(t, d, "conn1", "write_file", map[string]interface{}{
		"path": "src.go", "content": "package src\n", "plan_name": "foundation.md",
		"plan_id": "FOUNDATION-1", "plan_hash": "x", "purpose": "p", "connected_via": "c",
		"registered_in": "r", "failure_modes": "f",
	})
	requireErrCode(t, resp, "ERR_TOOL_ROLE_FORBIDDEN")
}

func TestDispatch_RejectsMissingSchemaField(t *testing.T) {
	d, root := newHarness(t, session.RoleExecutor)
	requireOK(t, call(t, d, "conn1", "begin_session", map[string]interface{}{"workspace_root": root}))
	requireOK(t, call(t, d, "conn1", "read_prompt", map[string]interface{}{"name": "system"}))

	resp := call(t, d, "conn1", "write_file", map[string]interface{}{"path": "src.go"})
	requireErrCode(t, resp, "MISSING_REQUIRED_FIELD")
}

func TestDispatch_PromptGateTakesPriorityOverSchemaValidation(t *testing.T) {
	d, root := newHarness(t, session.RoleExecutor)
	requireOK(t, call(t, d, "conn1", "begin_session", map[string]interface{}{"workspace_root": root}))

	// A schema-invalid write_file call (missing every required field)
	// made before read_prompt must still fail on the prompt gate, not
	// on schema validation: the gate order is kill-switch, then
	// session+prompt, then input validation.
	resp := call(t, d, "conn1", "write_file", map[string]interface{}{"path": "src.go"})
	requireErrCode(t, resp, "PROMPT_GATE_LOCKED")
}

func TestDispatch_WriteFileAppliesThroughPipeline(t *testing.T) {
	d, root := newHarness(t, session.RoleExecutor)
	requireOK(t, call(t, d, "conn1", "begin_session", map[string]interface{}{"workspace_root": root}))
	requireOK(t, call(t, d, "conn1", "read_prompt", map[string]interface{}{"name": "system"}))

	plansResp := requireOK(t, call(t, d, "conn1", "list_plans", map[string]interface{}{}))
	var listed struct {
		Plans []struct {
			FileName string `json:"file_name"`
			PlanID   string `json:"plan_id"`
			Hash     string `json:"hash"`
		} `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(plansResp, &listed))
	require.Len(t, listed.Plans, 1)
	plan := listed.Plans[0]

	resp := call(t, d, "conn1", "write_file", map[string]interface{}{
		"path":          "src.go",
		"content":       "package src\n\nfunc F() int { return 1 }\n",
		"plan_name":     plan.FileName,
		"plan_id":       plan.PlanID,
		"plan_hash":     plan.Hash,
		"purpose":       "add helper",
		"connected_via": "cli",
		"registered_in": "docs/plans/foundation.md",
		"failure_modes": "none",
	})
	result := requireOK(t, resp)
	var out struct {
		Applied bool `json:"applied"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	require.True(t, out.Applied)

	written, err := os.ReadFile(filepath.Join(root, "src.go"))
	require.NoError(t, err)
	require.Contains(t, string(written), "func F()")
}

func TestDispatch_KillSwitchBlocksMutationButAllowsRecovery(t *testing.T) {
	d, root := newHarness(t, session.RoleOwner)
	requireOK(t, call(t, d, "conn1", "begin_session", map[string]interface{}{"workspace_root": root}))
	requireOK(t, call(t, d, "conn1", "read_prompt", map[string]interface{}{"name": "system"}))

	_, err := d.deps.KillSwitch.Trip("owner-1", "suspected compromise")
	require.NoError(t, err)

	resp := call(t, d, "conn1", "bootstrap_create_foundation_plan", map[string]interface{}{
		"token": "x", "plan_file_name": "foundation.md",
		"content_base64": base64.StdEncoding.EncodeToString([]byte("x")),
	})
	requireErrCode(t, resp, "KILL_SWITCH_ENGAGED")

	initiate := requireOK(t, call(t, d, "conn1", "recovery_initiate", map[string]interface{}{
		"owner_id": "owner-1", "read_halt_report": true, "ran_verification": true,
		"accept_responsibility": true, "reason": "verified clean",
	}))
	var intent struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(initiate, &intent))
	require.NotEmpty(t, intent.Code)

	confirm := requireOK(t, call(t, d, "conn1", "recovery_confirm", map[string]interface{}{
		"owner_id": "owner-1", "code": intent.Code,
	}))
	var confirmed struct {
		Recovered bool `json:"recovered"`
	}
	require.NoError(t, json.Unmarshal(confirm, &confirmed))
	require.True(t, confirmed.Recovered)
}

// TestDispatch_WriteFileSucceedsAfterRecovery drives the full halt and
// recovery cycle end to end: trip, blocked write, recovery_initiate,
// recovery_confirm with the right code, then the same write succeeding
// against an approved plan — audited on the fresh post-recovery chain.
func TestDispatch_WriteFileSucceedsAfterRecovery(t *testing.T) {
	owner, root := newHarness(t, session.RoleOwner)
	executor, err := New(session.RoleExecutor, owner.deps, ratelimit.New(ratelimit.DefaultPolicy()))
	require.NoError(t, err)

	requireOK(t, call(t, owner, "owner-conn", "begin_session", map[string]interface{}{"workspace_root": root}))
	requireOK(t, call(t, owner, "owner-conn", "read_prompt", map[string]interface{}{"name": "system"}))
	requireOK(t, call(t, executor, "exec-conn", "begin_session", map[string]interface{}{"workspace_root": root}))
	requireOK(t, call(t, executor, "exec-conn", "read_prompt", map[string]interface{}{"name": "system"}))

	plansResp := requireOK(t, call(t, executor, "exec-conn", "list_plans", map[string]interface{}{}))
	var listed struct {
		Plans []struct {
			FileName string `json:"file_name"`
			PlanID   string `json:"plan_id"`
			Hash     string `json:"hash"`
		} `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(plansResp, &listed))
	require.Len(t, listed.Plans, 1)
	plan := listed.Plans[0]

	writeArgs := map[string]interface{}{
		"path":          "src.go",
		"content":       "package src\n\nfunc F() int { return 1 }\n",
		"plan_name":     plan.FileName,
		"plan_id":       plan.PlanID,
		"plan_hash":     plan.Hash,
		"purpose":       "add helper",
		"connected_via": "cli",
		"registered_in": "docs/plans/foundation.md",
		"failure_modes": "none",
	}

	_, err = owner.deps.KillSwitch.Trip("owner-1", "suspected compromise")
	require.NoError(t, err)

	resp := call(t, executor, "exec-conn", "write_file", writeArgs)
	requireErrCode(t, resp, "KILL_SWITCH_ENGAGED")

	initiate := requireOK(t, call(t, owner, "owner-conn", "recovery_initiate", map[string]interface{}{
		"owner_id": "owner-1", "read_halt_report": true, "ran_verification": true,
		"accept_responsibility": true, "reason": "verified clean",
	}))
	var intent struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(initiate, &intent))

	requireOK(t, call(t, owner, "owner-conn", "recovery_confirm", map[string]interface{}{
		"owner_id": "owner-1", "code": intent.Code,
	}))

	// The same write now goes through and lands on disk.
	result := requireOK(t, call(t, executor, "exec-conn", "write_file", writeArgs))
	var out struct {
		Applied bool `json:"applied"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	require.True(t, out.Applied)

	written, err := os.ReadFile(filepath.Join(root, "src.go"))
	require.NoError(t, err)
	require.Contains(t, string(written), "func F()")

	// The post-recovery chain verifies, starts with the recovery entry,
	// and carries the write's ok entry.
	verify := requireOK(t, call(t, executor, "exec-conn", "verify_workspace_integrity", map[string]interface{}{}))
	var integrity struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal(verify, &integrity))
	require.True(t, integrity.Valid)

	entries, err := owner.deps.Journal.ReadAll()
	require.NoError(t, err)
	require.Equal(t, journal.RecoveryTool, entries[0].Tool)
	var writeOK bool
	for _, e := range entries {
		if e.Tool == "write_file" && e.Result == "ok" {
			writeOK = true
		}
	}
	require.True(t, writeOK, "the post-recovery write must be audited on the fresh chain")
}

func TestDispatch_RecoveryConfirmRejectsDifferentSession(t *testing.T) {
	d, root := newHarness(t, session.RoleOwner)
	requireOK(t, call(t, d, "conn1", "begin_session", map[string]interface{}{"workspace_root": root}))
	requireOK(t, call(t, d, "conn1", "read_prompt", map[string]interface{}{"name": "system"}))
	requireOK(t, call(t, d, "conn2", "begin_session", map[string]interface{}{"workspace_root": root}))
	requireOK(t, call(t, d, "conn2", "read_prompt", map[string]interface{}{"name": "system"}))

	_, err := d.deps.KillSwitch.Trip("owner-1", "suspected compromise")
	require.NoError(t, err)

	initiate := requireOK(t, call(t, d, "conn1", "recovery_initiate", map[string]interface{}{
		"owner_id": "owner-1", "read_halt_report": true, "ran_verification": true,
		"accept_responsibility": true, "reason": "verified clean",
	}))
	var intent struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(initiate, &intent))

	// conn2 presents the same owner_id and the correct code, but it is
	// not the session that called recovery_initiate.
	resp := call(t, d, "conn2", "recovery_confirm", map[string]interface{}{
		"owner_id": "owner-1", "code": intent.Code,
	})
	require.NotNil(t, resp.Error)

	confirm := requireOK(t, call(t, d, "conn1", "recovery_confirm", map[string]interface{}{
		"owner_id": "owner-1", "code": intent.Code,
	}))
	var confirmed struct {
		Recovered bool `json:"recovered"`
	}
	require.NoError(t, json.Unmarshal(confirm, &confirmed))
	require.True(t, confirmed.Recovered)
}

func TestDispatch_RecoveryInitiateRequiresAllAcknowledgements(t *testing.T) {
	d, root := newHarness(t, session.RoleOwner)
	requireOK(t, call(t, d, "conn1", "begin_session", map[string]interface{}{"workspace_root": root}))
	requireOK(t, call(t, d, "conn1", "read_prompt", map[string]interface{}{"name": "system"}))
	_, err := d.deps.KillSwitch.Trip("owner-1", "suspected compromise")
	require.NoError(t, err)

	resp := call(t, d, "conn1", "recovery_initiate", map[string]interface{}{
		"owner_id": "owner-1", "read_halt_report": true, "ran_verification": false,
		"accept_responsibility": true, "reason": "rushed",
	})
	require.NotNil(t, resp.Error)
}

func TestDispatch_RateLimitTripsAfterBurst(t *testing.T) {
	d, root := newHarness(t, session.RoleExecutor)
	d.limiter = ratelimit.New(ratelimit.Policy{RequestsPerMinute: 60, Burst: 2})
	requireOK(t, call(t, d, "conn1", "begin_session", map[string]interface{}{"workspace_root": root}))
	requireOK(t, call(t, d, "conn1", "read_prompt", map[string]interface{}{"name": "system"}))

	requireOK(t, call(t, d, "conn1", "list_plans", map[string]interface{}{}))
	resp := call(t, d, "conn1", "list_plans", map[string]interface{}{})
	requireErrCode(t, resp, "ERR_RATE_LIMITED")
}
