// Package recovery implements the two-step, owner-acknowledged recovery
// protocol required to resume dispatch after the kill-switch trips: an
// intent is created with a TTL-bound confirmation code, and a second,
// separate call from the SAME session must present that code. Before
// the switch clears, the sealed audit chain is re-verified, rolled
// aside as an incident record, and replaced by a fresh journal headed
// by a recovery entry linked to the sealing hash. The confirmation code
// is compared in constant time.
package recovery

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sentrygate/kernel/pkg/journal"
	"github.com/sentrygate/kernel/pkg/killswitch"
)

var (
	ErrNoPendingIntent   = errors.New("RECOVERY_NO_PENDING_INTENT")
	ErrCodeExpired       = errors.New("RECOVERY_CODE_EXPIRED")
	ErrCodeMismatch      = errors.New("RECOVERY_CODE_MISMATCH")
	ErrNotTripped        = errors.New("RECOVERY_SWITCH_NOT_TRIPPED")
	ErrAuditChainInvalid = errors.New("RECOVERY_AUDIT_CHAIN_INVALID")
)

// Intent is the first step of recovery: a confirmation code minted for
// a specific owner and session, valid until ExpiresAt.
type Intent struct {
	Code      string
	OwnerID   string
	SessionID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Gate coordinates the two-step recovery protocol against a killswitch
// and the audit journal.
type Gate struct {
	mu      sync.Mutex
	sw      *killswitch.Switch
	journal *journal.Journal
	pending *Intent
	clock   func() time.Time
	ttl     time.Duration
}

// NewGate returns a Gate with the given confirmation-code TTL. j is
// consulted by Confirm: a clean VerifyChain result is required before
// the switch clears, so recovery can never hand control back to a
// session riding on a tampered journal.
func NewGate(sw *killswitch.Switch, j *journal.Journal, ttl time.Duration) *Gate {
	return &Gate{sw: sw, journal: j, clock: time.Now, ttl: ttl}
}

// WithClock overrides the time source for deterministic tests.
func (g *Gate) WithClock(c func() time.Time) *Gate {
	g.clock = c
	return g
}

// CreateIntent mints a new TTL-bound confirmation code for ownerID,
// bound to sessionID so Confirm can require the same session that
// initiated recovery. The kill-switch must currently be tripped;
// creating an intent while the system is healthy is rejected so the
// protocol can't be used to pre-stage a bypass. The intent is persisted
// inside the halt report, not just held here, so a restart before
// confirm does not lose it.
func (g *Gate) CreateIntent(ownerID, sessionID string) (Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.sw.Status().Tripped {
		return Intent{}, fmt.Errorf("recovery: %w", ErrNotTripped)
	}

	code, err := randomCode()
	if err != nil {
		return Intent{}, fmt.Errorf("recovery: generate code: %w", err)
	}

	now := g.clock()
	intent := &Intent{
		Code:      code,
		OwnerID:   ownerID,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	if err := g.sw.SetPendingRecovery(killswitch.PendingRecovery{
		Code:      code,
		OwnerID:   ownerID,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: intent.ExpiresAt,
	}); err != nil {
		return Intent{}, fmt.Errorf("recovery: persist intent: %w", err)
	}
	g.pending = intent
	return *intent, nil
}

func randomCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// resolvePending returns the in-memory pending intent, falling back to
// the halt report's persisted copy if this process restarted between
// CreateIntent and Confirm.
func (g *Gate) resolvePending() (*Intent, error) {
	if g.pending != nil {
		return g.pending, nil
	}
	p, ok, err := g.sw.PendingRecovery()
	if err != nil {
		return nil, fmt.Errorf("recovery: read persisted intent: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Intent{Code: p.Code, OwnerID: p.OwnerID, SessionID: p.SessionID, CreatedAt: p.CreatedAt, ExpiresAt: p.ExpiresAt}, nil
}

// Confirm presents a code for the pending intent. sessionID must match
// the session that called CreateIntent: a different session presenting
// a leaked or guessed owner_id/code pair is rejected even though the
// code itself is correct. Owner id, session id, and code are all
// compared in constant time and folded into the same ErrCodeMismatch so
// a caller can't learn which field was wrong. Before clearing the
// switch, Confirm requires the audit chain to verify clean: recovering
// into a tampered journal would defeat the point of tripping at all.
func (g *Gate) Confirm(ownerID, sessionID, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending, err := g.resolvePending()
	if err != nil {
		return err
	}
	if pending == nil {
		return fmt.Errorf("recovery: %w", ErrNoPendingIntent)
	}
	if g.clock().After(pending.ExpiresAt) {
		g.pending = nil
		return fmt.Errorf("recovery: %w", ErrCodeExpired)
	}

	ownerOK := constantTimeEqual(pending.OwnerID, ownerID)
	sessionOK := constantTimeEqual(pending.SessionID, sessionID)
	codeOK := constantTimeEqual(pending.Code, code)
	if !ownerOK || !sessionOK || !codeOK {
		return fmt.Errorf("recovery: %w", ErrCodeMismatch)
	}

	result, err := g.journal.VerifyChain()
	if err != nil {
		return fmt.Errorf("recovery: verify audit chain: %w", err)
	}
	if !result.Valid {
		return fmt.Errorf("recovery: %w: %s at sequence %d", ErrAuditChainInvalid, result.FirstBadReason, result.FirstBadSeq)
	}

	// The sealed journal is rolled aside and a fresh chain opened at the
	// same path, headed by a recovery entry whose prev_hash is the
	// sealing hash. Only after that entry is durably on disk does the
	// switch release: a recovery that cannot be recorded does not
	// happen.
	if _, err := g.journal.Reopen(journal.Entry{
		SessionID: sessionID,
		Role:      "OWNER",
		Result:    "ok",
		Notes:     "kill-switch released by owner " + ownerID,
	}, func() string { return g.clock().UTC().Format(time.RFC3339Nano) }); err != nil {
		return fmt.Errorf("recovery: open fresh journal: %w", err)
	}

	g.pending = nil
	return g.sw.MarkRecovered()
}

func constantTimeEqual(want, got string) bool {
	w, b := []byte(want), []byte(got)
	return len(w) == len(b) && subtle.ConstantTimeCompare(w, b) == 1
}

// Pending reports whether a recovery intent is currently outstanding,
// consulting the halt report if this process has no in-memory copy (for
// example, immediately after a restart).
func (g *Gate) Pending() (Intent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pending, err := g.resolvePending()
	if err != nil || pending == nil {
		return Intent{}, false
	}
	return *pending, true
}
