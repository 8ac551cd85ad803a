// Package journal implements the append-only, hash-chained audit journal.
// Every dispatched tool call, write outcome, kill-switch seal and
// recovery is recorded here. A write's entry is appended after it
// commits: the write pipeline refuses to commit while the journal is
// sealed or unreadable, and if the post-commit append still fails it
// trips the kill-switch rather than letting the write pass unrecorded.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sentrygate/kernel/pkg/canonical"
)

// Entry is one audit record. Hash and PrevHash chain the log; Sequence is
// monotonic starting at 1. DurationMs and TraceID are observability
// metadata and are deliberately excluded from the hashed payload so that
// timing jitter and tracing configuration never change an entry's hash.
type Entry struct {
	Sequence      uint64 `json:"sequence"`
	Timestamp     string `json:"timestamp"`
	SessionID     string `json:"session_id"`
	Role          string `json:"role"`
	WorkspaceRoot string `json:"workspace_root"`
	Tool          string `json:"tool"`
	ArgsDigest    string `json:"args_digest,omitempty"`
	PlanID        string `json:"plan_id,omitempty"`
	PlanHash      string `json:"plan_hash,omitempty"`
	Result        string `json:"result"`
	ErrorCode     string `json:"error_code,omitempty"`
	Notes         string `json:"notes,omitempty"`
	PrevHash      string `json:"prev_hash"`
	Hash          string `json:"hash"`

	// Observability fields, excluded from hashedFields.
	DurationMs int64  `json:"duration_ms,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
}

// hashedFields is the subset of Entry that participates in the chain
// hash. Keeping it as a distinct type (rather than hashing Entry minus
// Hash) makes the hashed surface explicit and stable across additive
// schema changes.
type hashedFields struct {
	Sequence      uint64 `json:"sequence"`
	Timestamp     string `json:"timestamp"`
	SessionID     string `json:"session_id"`
	Role          string `json:"role"`
	WorkspaceRoot string `json:"workspace_root"`
	Tool          string `json:"tool"`
	ArgsDigest    string `json:"args_digest,omitempty"`
	PlanID        string `json:"plan_id,omitempty"`
	PlanHash      string `json:"plan_hash,omitempty"`
	Result        string `json:"result"`
	ErrorCode     string `json:"error_code,omitempty"`
	Notes         string `json:"notes,omitempty"`
	PrevHash      string `json:"prev_hash"`
}

func computeHash(e Entry) (string, error) {
	h := hashedFields{
		Sequence:      e.Sequence,
		Timestamp:     e.Timestamp,
		SessionID:     e.SessionID,
		Role:          e.Role,
		WorkspaceRoot: e.WorkspaceRoot,
		Tool:          e.Tool,
		ArgsDigest:    e.ArgsDigest,
		PlanID:        e.PlanID,
		PlanHash:      e.PlanHash,
		Result:        e.Result,
		ErrorCode:     e.ErrorCode,
		Notes:         e.Notes,
		PrevHash:      e.PrevHash,
	}
	return canonical.Hash(h)
}

// genesisPrevHash is the literal sentinel the first entry in a chain
// carries as its prev_hash, per the data model: there is no real prior
// hash to point to.
const genesisPrevHash = "GENESIS"

// SealTool is the marker used as Entry.Tool for the terminal entry written by
// Seal.
const SealTool = "__seal__"

// RecoveryTool marks the first entry of a journal opened by Reopen
// after a sealed one was rolled aside. Its PrevHash is the sealing hash
// of the archived chain rather than GENESIS, linking the two.
const RecoveryTool = "__recovery__"

var (
	ErrChainBroken = errors.New("AUDIT_CHAIN_BROKEN")
	ErrSealed      = errors.New("JOURNAL_SEALED")
	ErrNotSealed   = errors.New("JOURNAL_NOT_SEALED")
)

// Journal is a single append-only file guarded by an advisory file lock,
// so that multiple sentryd processes (or a crashed-and-restarted one)
// never interleave writes or silently fork the chain.
type Journal struct {
	path string
	mu   sync.Mutex // serializes in-process appenders; flock serializes cross-process.
}

// Open returns a Journal bound to path, creating the parent directory and
// an empty file if neither exists yet.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: create: %w", err)
	}
	f.Close()
	return &Journal{path: path}, nil
}

// withLock opens the file, takes an exclusive flock, runs fn, and always
// unlocks and closes before returning. The flock is what makes Append
// safe across process boundaries; the in-process mutex additionally
// serializes goroutines within one process without round-tripping
// through the kernel lock each time two goroutines race.
func (j *Journal) withLock(flag int, fn func(f *os.File) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, flag, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("journal: flock: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn(f)
}

// Append writes e as the next entry in the chain. Sequence, PrevHash,
// and Hash are computed by Append and any caller-supplied values for
// them are overwritten; Timestamp is filled from now only when the
// caller left it empty.
func (j *Journal) Append(e Entry, now func() string) (Entry, error) {
	var result Entry
	err := j.withLock(os.O_RDWR|os.O_APPEND, func(f *os.File) error {
		tail, lastSeq, lastHash, err := readLastEntry(f)
		if err != nil {
			return err
		}
		if tail != nil && tail.Tool == SealTool {
			return fmt.Errorf("journal: %w", ErrSealed)
		}

		e.Sequence = lastSeq + 1
		if e.Timestamp == "" {
			e.Timestamp = now()
		}
		if lastHash == "" {
			e.PrevHash = genesisPrevHash
		} else {
			e.PrevHash = lastHash
		}

		hash, err := computeHash(e)
		if err != nil {
			return fmt.Errorf("journal: hash entry: %w", err)
		}
		e.Hash = hash

		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("journal: marshal entry: %w", err)
		}
		line = append(line, '\n')

		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("journal: write: %w", err)
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("journal: fsync: %w", err)
		}
		result = e
		return nil
	})
	return result, err
}

// readLastEntry scans the already-open file from the start and returns
// the last decoded entry, its sequence, and its hash (zero values if the
// file is empty). It seeks back to the end afterward so append-mode
// writes continue to land correctly.
func readLastEntry(f *os.File) (*Entry, uint64, string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, "", fmt.Errorf("seek start: %w", err)
	}
	var last *Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, 0, "", fmt.Errorf("journal: corrupt line: %w", err)
		}
		cp := e
		last = &cp
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, "", fmt.Errorf("journal: scan: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return nil, 0, "", fmt.Errorf("seek end: %w", err)
	}
	if last == nil {
		return nil, 0, "", nil
	}
	return last, last.Sequence, last.Hash, nil
}

// ReadAll returns every entry in order. Intended for verification and
// export, not hot-path reads.
func (j *Journal) ReadAll() ([]Entry, error) {
	f, err := os.Open(j.path)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("journal: flock: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("journal: corrupt line at offset %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan: %w", err)
	}
	return entries, nil
}

// ReadTail returns at most limit of the most recent entries, in order.
func (j *Journal) ReadTail(limit int) ([]Entry, error) {
	all, err := j.ReadAll()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit >= len(all) {
		return all, nil
	}
	return all[len(all)-limit:], nil
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	Valid          bool
	EntryCount     int
	FirstBadSeq    uint64
	FirstBadReason string
}

// VerifyChain walks every entry in file order, recomputing each hash and
// confirming PrevHash links to the previous entry's Hash and Sequence is
// strictly increasing by one. It returns as soon as the first break is
// found; it does not attempt to resynchronize past a corrupted entry.
func (j *Journal) VerifyChain() (VerifyResult, error) {
	entries, err := j.ReadAll()
	if err != nil {
		return VerifyResult{}, err
	}

	var prevHash string
	var prevSeq uint64
	for i, e := range entries {
		if i == 0 {
			if e.Sequence != 1 {
				return VerifyResult{Valid: false, EntryCount: len(entries), FirstBadSeq: e.Sequence,
					FirstBadReason: "first entry sequence is not 1"}, nil
			}
			// A chain either starts at GENESIS or is the fresh journal a
			// recovery opened, whose first entry carries the archived
			// chain's sealing hash as its prev_hash.
			if e.PrevHash != genesisPrevHash && e.Tool != RecoveryTool {
				return VerifyResult{Valid: false, EntryCount: len(entries), FirstBadSeq: e.Sequence,
					FirstBadReason: "first entry prev_hash is neither GENESIS nor a recovery link"}, nil
			}
		} else {
			if e.Sequence != prevSeq+1 {
				return VerifyResult{Valid: false, EntryCount: len(entries), FirstBadSeq: e.Sequence,
					FirstBadReason: fmt.Sprintf("sequence gap: expected %d got %d", prevSeq+1, e.Sequence)}, nil
			}
			if e.PrevHash != prevHash {
				return VerifyResult{Valid: false, EntryCount: len(entries), FirstBadSeq: e.Sequence,
					FirstBadReason: "prev_hash does not match previous entry's hash"}, nil
			}
		}
		wantHash, err := computeHash(e)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("journal: recompute hash at seq %d: %w", e.Sequence, err)
		}
		if wantHash != e.Hash {
			return VerifyResult{Valid: false, EntryCount: len(entries), FirstBadSeq: e.Sequence,
				FirstBadReason: "stored hash does not match recomputed hash"}, nil
		}
		prevHash = e.Hash
		prevSeq = e.Sequence
	}

	return VerifyResult{Valid: true, EntryCount: len(entries)}, nil
}

// Seal appends a terminal entry marking the journal closed for writes.
// Used by the kill-switch's safe-halt path so that any process that
// later tries to Append gets ErrSealed instead of silently extending a
// journal the operator believed was frozen.
func (j *Journal) Seal(sessionID, reason string, now func() string) (Entry, error) {
	return j.Append(Entry{
		SessionID: sessionID,
		Role:      "system",
		Tool:      SealTool,
		Result:    "sealed",
		Notes:     reason,
	}, now)
}

// IsSealed reports whether the journal's last entry is a seal marker.
func (j *Journal) IsSealed() (bool, error) {
	entries, err := j.ReadTail(1)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}
	return entries[0].Tool == SealTool, nil
}

// Reopen rolls a sealed journal aside and starts a fresh chain at the
// same path. The sealed file is renamed to <path>.sealed-<hash prefix>
// and kept as an immutable incident record; e becomes the new chain's
// first entry, with sequence 1, Tool forced to RecoveryTool, and
// PrevHash set to the archived chain's sealing hash so the two files
// stay cryptographically linked. Every component holding this Journal
// sees the fresh chain immediately, since the path is unchanged. Only a
// sealed journal may be reopened.
func (j *Journal) Reopen(e Entry, now func() string) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_RDWR, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return Entry{}, fmt.Errorf("journal: flock: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	tail, _, sealingHash, err := readLastEntry(f)
	if err != nil {
		return Entry{}, err
	}
	if tail == nil || tail.Tool != SealTool {
		return Entry{}, fmt.Errorf("journal: %w: only a sealed journal can be reopened", ErrNotSealed)
	}

	archive := fmt.Sprintf("%s.sealed-%s", j.path, sealingHash[:12])
	if err := os.Rename(j.path, archive); err != nil {
		return Entry{}, fmt.Errorf("journal: archive sealed journal: %w", err)
	}

	e.Sequence = 1
	if e.Timestamp == "" {
		e.Timestamp = now()
	}
	e.Tool = RecoveryTool
	e.PrevHash = sealingHash
	hash, err := computeHash(e)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: hash recovery entry: %w", err)
	}
	e.Hash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: marshal recovery entry: %w", err)
	}
	line = append(line, '\n')

	nf, err := os.OpenFile(j.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: create fresh journal: %w", err)
	}
	defer nf.Close()
	if _, err := nf.Write(line); err != nil {
		return Entry{}, fmt.Errorf("journal: write recovery entry: %w", err)
	}
	if err := nf.Sync(); err != nil {
		return Entry{}, fmt.Errorf("journal: fsync recovery entry: %w", err)
	}
	return e, nil
}
