// Package killswitch implements the emergency stop: tripping it seals
// the audit journal and marks every active session halted immediately.
// Trip is called in-process (the write pipeline trips it when an audit
// append fails after a commit); no dispatcher tool exposes it. No
// approval step is needed to trip; the approval step lives in
// pkg/recovery, which governs getting back in.
//
// A trip also persists a halt report under .governance/halt so the
// restriction survives a process restart: cmd/sentryd calls
// RestoreFromDisk before serving any request.
package killswitch

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sentrygate/kernel/pkg/journal"
	"github.com/sentrygate/kernel/pkg/session"
)

var (
	ErrAlreadyTripped = errors.New("KILL_SWITCH_ALREADY_TRIPPED")
	ErrNotTripped     = errors.New("KILL_SWITCH_NOT_TRIPPED")
)

// State reports whether the switch is currently tripped.
type State struct {
	Tripped   bool
	ID        string
	Reason    string
	TrippedBy string
	TrippedAt time.Time
}

// PendingRecovery is the in-flight recovery intent created by step 1 of
// the two-step unlock protocol. It is persisted inside the halt report,
// not just held in pkg/recovery's memory, so a restart between initiate
// and confirm does not lose it.
type PendingRecovery struct {
	Code      string    `json:"code"`
	OwnerID   string    `json:"owner_id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// haltReport is the on-disk shape of one trip: written to
// <haltDir>/<id>.json and pointed to by <haltDir>/current so startup can
// reinstall the same restrictions before the server accepts a request.
type haltReport struct {
	ID        string           `json:"id"`
	Reason    string           `json:"reason"`
	TrippedBy string           `json:"tripped_by"`
	TrippedAt time.Time        `json:"tripped_at"`
	Recovery  *PendingRecovery `json:"recovery,omitempty"`
}

// Switch coordinates sealing the journal, halting all sessions, and
// persisting halt state to disk. It holds no direct knowledge of the
// recovery protocol beyond storing its pending intent; pkg/recovery
// consumes Switch to decide whether dispatch may resume.
type Switch struct {
	mu       sync.Mutex
	state    State
	haltDir  string
	journal  *journal.Journal
	sessions *session.Store
	clock    func() time.Time
}

// New returns a Switch bound to a journal, a session store, and the
// halt directory it persists trip state to (typically
// <workspace>/.governance/halt). The directory need not exist yet; it
// is created on first trip.
func New(j *journal.Journal, sessions *session.Store, haltDir string) *Switch {
	return &Switch{journal: j, sessions: sessions, haltDir: haltDir, clock: time.Now}
}

// WithClock overrides the time source for deterministic tests.
func (s *Switch) WithClock(c func() time.Time) *Switch {
	s.clock = c
	return s
}

// RestoreFromDisk reads the halt directory's current pointer, if any,
// and reinstalls the tripped state it describes. Callers run this once
// at startup, before accepting any request, so a restart after a trip
// can never silently come back up un-halted.
func (s *Switch) RestoreFromDisk() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	report, ok, err := s.readCurrentLocked()
	if err != nil {
		return fmt.Errorf("killswitch: read halt state: %w", err)
	}
	if !ok {
		return nil
	}
	s.state = State{Tripped: true, ID: report.ID, Reason: report.Reason, TrippedBy: report.TrippedBy, TrippedAt: report.TrippedAt}
	return nil
}

// Trip seals the journal, halts every active session, persists a halt
// report to disk, and records the trip in-process. actorID names
// whoever tripped it (an owner id, or a component such as
// "write-pipeline"); Trip itself performs no role check.
func (s *Switch) Trip(actorID, reason string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Tripped {
		return s.state, fmt.Errorf("killswitch: %w", ErrAlreadyTripped)
	}

	now := s.clock()
	haltedIDs := s.sessions.HaltAll(reason)

	if _, err := s.journal.Seal(actorID, fmt.Sprintf("kill-switch tripped: %s (halted %d sessions)", reason, len(haltedIDs)), func() string {
		return now.UTC().Format(time.RFC3339Nano)
	}); err != nil && !errors.Is(err, journal.ErrSealed) {
		// The journal may itself be the failing component that forced
		// this trip. Halting must proceed regardless; the seal failure
		// is carried in the report instead of blocking the halt.
		reason = fmt.Sprintf("%s (journal seal failed: %v)", reason, err)
	}

	id, err := randomID()
	if err != nil {
		return State{}, fmt.Errorf("killswitch: generate halt id: %w", err)
	}
	report := haltReport{ID: id, Reason: reason, TrippedBy: actorID, TrippedAt: now}
	if err := s.writeHaltReportLocked(report); err != nil {
		return State{}, err
	}

	s.state = State{Tripped: true, ID: id, Reason: reason, TrippedBy: actorID, TrippedAt: now}
	return s.state, nil
}

// Status returns the current trip state.
func (s *Switch) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetPendingRecovery persists a recovery intent inside the current halt
// report, so a restart between recovery_initiate and recovery_confirm
// does not lose it. It fails if the switch is not currently tripped.
func (s *Switch) SetPendingRecovery(p PendingRecovery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Tripped {
		return fmt.Errorf("killswitch: %w", ErrNotTripped)
	}
	report, ok, err := s.readCurrentLocked()
	if err != nil {
		return fmt.Errorf("killswitch: read halt state: %w", err)
	}
	if !ok {
		report = haltReport{ID: s.state.ID, Reason: s.state.Reason, TrippedBy: s.state.TrippedBy, TrippedAt: s.state.TrippedAt}
	}
	report.Recovery = &p
	return s.writeHaltReportLocked(report)
}

// PendingRecovery returns the recovery intent persisted inside the
// current halt report, if any.
func (s *Switch) PendingRecovery() (PendingRecovery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok, err := s.readCurrentLocked()
	if err != nil || !ok || report.Recovery == nil {
		return PendingRecovery{}, false, err
	}
	return *report.Recovery, true, nil
}

// MarkRecovered clears the in-process tripped flag and the on-disk halt
// pointer after pkg/recovery has completed its two-step confirmation
// and opened a fresh journal via Journal.Reopen. It does not delete the
// halt report file: that stays on disk as an incident record alongside
// the archived sealed journal.
func (s *Switch) MarkRecovered() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Tripped {
		return fmt.Errorf("killswitch: %w", ErrNotTripped)
	}
	if err := os.Remove(s.currentPointerPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("killswitch: clear halt pointer: %w", err)
	}
	s.state = State{}
	return nil
}

func (s *Switch) currentPointerPath() string {
	return filepath.Join(s.haltDir, "current")
}

func (s *Switch) reportPath(id string) string {
	return filepath.Join(s.haltDir, id+".json")
}

func (s *Switch) readCurrentLocked() (haltReport, bool, error) {
	idRaw, err := os.ReadFile(s.currentPointerPath())
	if os.IsNotExist(err) {
		return haltReport{}, false, nil
	}
	if err != nil {
		return haltReport{}, false, err
	}
	id := strings.TrimSpace(string(idRaw))

	raw, err := os.ReadFile(s.reportPath(id))
	if os.IsNotExist(err) {
		return haltReport{}, false, nil
	}
	if err != nil {
		return haltReport{}, false, err
	}
	var report haltReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return haltReport{}, false, fmt.Errorf("decode halt report %s: %w", id, err)
	}
	return report, true, nil
}

func (s *Switch) writeHaltReportLocked(report haltReport) error {
	if err := os.MkdirAll(s.haltDir, 0o755); err != nil {
		return fmt.Errorf("killswitch: mkdir halt dir: %w", err)
	}
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("killswitch: encode halt report: %w", err)
	}
	reportPath := s.reportPath(report.ID)
	tmp := reportPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("killswitch: write halt report: %w", err)
	}
	if err := os.Rename(tmp, reportPath); err != nil {
		return fmt.Errorf("killswitch: rename halt report: %w", err)
	}

	pointerTmp := s.currentPointerPath() + ".tmp"
	if err := os.WriteFile(pointerTmp, []byte(report.ID), 0o644); err != nil {
		return fmt.Errorf("killswitch: write halt pointer: %w", err)
	}
	if err := os.Rename(pointerTmp, s.currentPointerPath()); err != nil {
		return fmt.Errorf("killswitch: rename halt pointer: %w", err)
	}
	return nil
}

func randomID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
