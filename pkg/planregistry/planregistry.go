// Package planregistry discovers and parses plan documents under
// docs/plans/, computes their content hash, and resolves the
// name/plan_id/plan_hash triple a write must present before it is
// authorized. Plans carry their own approval status in their front
// matter; this registry never mutates a plan file or grants approval
// itself — it only reads, parses, and verifies what is already on
// disk.
package planregistry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sentrygate/kernel/pkg/canonical"
	"github.com/sentrygate/kernel/pkg/pathresolve"
)

// Status is the lifecycle state a plan declares in its own front
// matter. Only StatusApproved authorizes writes; StatusUnparseable is
// assigned by the registry itself (never by a plan author) to a file
// whose header could not be parsed, and such a plan is always excluded
// from authorization.
type Status string

const (
	StatusDraft       Status = "DRAFT"
	StatusApproved    Status = "APPROVED"
	StatusArchived    Status = "ARCHIVED"
	StatusUnparseable Status = "UNPARSEABLE"
)

var (
	ErrNotFound           = errors.New("PLAN_NOT_FOUND")
	ErrNotApproved        = errors.New("PLAN_NOT_APPROVED")
	ErrIntegrityViolation = errors.New("PLAN_INTEGRITY_VIOLATION")
	ErrIDMismatch         = errors.New("PLAN_ID_MISMATCH")
	ErrBindingIncomplete  = errors.New("PLAN_BINDING_INCOMPLETE")
	ErrDuplicatePlanID    = errors.New("PLAN_ID_DUPLICATE")
	ErrInvalidPlanID      = errors.New("PLAN_ID_INVALID")
)

// planIDPattern is the only identifier shape a plan_id may declare.
var planIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// FrontMatter is the leading structured header every plan document
// carries between a pair of `---` lines.
type FrontMatter struct {
	PlanID    string `yaml:"plan_id"`
	Status    string `yaml:"status"`
	Authority string `yaml:"authority,omitempty"`
	Scope     string `yaml:"scope,omitempty"`
}

// Plan is one entry discovered under docs/plans/.
type Plan struct {
	FileName   string
	Path       string
	PlanID     string
	Status     Status
	Authority  string
	Scope      string
	Hash       string
	ParseError string // non-empty only when Status == StatusUnparseable
}

// Registry discovers and parses plan documents for a single workspace.
// It caches nothing across calls: a cache would need invalidating on
// every plans-directory change, and re-scanning docs/plans/ is cheap
// enough that the simplest correct option is to always re-scan.
type Registry struct {
	resolver *pathresolve.Resolver
}

// NewRegistry returns a Registry bound to resolver's workspace.
func NewRegistry(resolver *pathresolve.Resolver) *Registry {
	return &Registry{resolver: resolver}
}

// List scans docs/plans/*.md non-recursively, parses each file's
// front matter, and computes its content hash. Files without a
// parseable header are returned with Status=UNPARSEABLE and excluded
// from the duplicate-plan_id invariant. A duplicate plan_id among
// otherwise-parseable plans aborts the whole load: two plans claiming
// one identity means neither can be trusted to authorize anything.
func (r *Registry) List() ([]*Plan, error) {
	entries, err := os.ReadDir(r.resolver.PlansDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("planregistry: read plans dir: %w", err)
	}

	var plans []*Plan
	seen := make(map[string]string) // plan_id -> file name, for duplicate detection
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".md") {
			continue
		}
		p, err := r.parseOne(de.Name())
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)

		if p.Status == StatusUnparseable {
			continue
		}
		if other, dup := seen[p.PlanID]; dup {
			return nil, fmt.Errorf("planregistry: %w: %q and %q both declare plan_id %q", ErrDuplicatePlanID, other, p.FileName, p.PlanID)
		}
		seen[p.PlanID] = p.FileName
	}

	sort.Slice(plans, func(i, j int) bool { return plans[i].FileName < plans[j].FileName })
	return plans, nil
}

func (r *Registry) parseOne(fileName string) (*Plan, error) {
	path := filepath.Join(r.resolver.PlansDir(), fileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planregistry: read %s: %w", fileName, err)
	}
	hash := canonical.HashFileBytes(raw)

	fm, perr := parseFrontMatter(raw)
	if perr != nil {
		return &Plan{FileName: fileName, Path: path, Status: StatusUnparseable, Hash: hash, ParseError: perr.Error()}, nil
	}

	status, perr := normalizeStatus(fm.Status)
	if perr != nil {
		return &Plan{FileName: fileName, Path: path, Status: StatusUnparseable, Hash: hash, ParseError: perr.Error()}, nil
	}
	if fm.PlanID == "" || !planIDPattern.MatchString(fm.PlanID) {
		return &Plan{FileName: fileName, Path: path, Status: StatusUnparseable, Hash: hash,
			ParseError: fmt.Sprintf("plan_id %q does not match the required grammar", fm.PlanID)}, nil
	}

	return &Plan{
		FileName:  fileName,
		Path:      path,
		PlanID:    fm.PlanID,
		Status:    status,
		Authority: fm.Authority,
		Scope:     fm.Scope,
		Hash:      hash,
	}, nil
}

// parseFrontMatter splits a `---\n...\n---\n` header from the rest of
// the Markdown body and decodes it. The header's key/value syntax is a
// restricted, permissive-but-unambiguous subset of YAML: ASCII
// identifier keys, string values.
func parseFrontMatter(raw []byte) (FrontMatter, error) {
	const delim = "---"
	text := string(raw)
	if !strings.HasPrefix(text, delim) {
		return FrontMatter{}, errors.New("no front matter: file does not begin with \"---\"")
	}
	rest := text[len(delim):]
	end := strings.Index(rest, "\n"+delim)
	if end < 0 {
		return FrontMatter{}, errors.New("unterminated front matter header")
	}
	header := rest[:end]
	var fm FrontMatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return FrontMatter{}, fmt.Errorf("malformed front matter: %w", err)
	}
	return fm, nil
}

func normalizeStatus(raw string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusDraft:
		return StatusDraft, nil
	case StatusApproved:
		return StatusApproved, nil
	case StatusArchived:
		return StatusArchived, nil
	default:
		return "", fmt.Errorf("status %q is not one of DRAFT, APPROVED, ARCHIVED", raw)
	}
}

// Find looks up a single plan by file name, scanning the registry fresh.
func (r *Registry) Find(fileName string) (*Plan, error) {
	plans, err := r.List()
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		if p.FileName == fileName {
			return p, nil
		}
	}
	return nil, fmt.Errorf("planregistry: %w: %s", ErrNotFound, fileName)
}

// Resolve authorizes a plan binding: name, planID, and planHash must
// all be present and mutually consistent.
// name must resolve to a single APPROVED plan whose plan_id equals
// planID and whose freshly computed hash equals planHash.
func (r *Registry) Resolve(name, planID, planHash string) (*Plan, error) {
	if name == "" || planID == "" || planHash == "" {
		return nil, fmt.Errorf("planregistry: %w", ErrBindingIncomplete)
	}

	plan, err := r.Find(name)
	if err != nil {
		return nil, err
	}
	if plan.Status == StatusUnparseable {
		return nil, fmt.Errorf("planregistry: %w: %s (%s)", ErrNotFound, name, plan.ParseError)
	}
	if plan.PlanID != planID {
		return nil, fmt.Errorf("planregistry: %w: %s declares plan_id %q, caller supplied %q", ErrIDMismatch, name, plan.PlanID, planID)
	}
	if plan.Status != StatusApproved {
		return nil, fmt.Errorf("planregistry: %w: %s is %s", ErrNotApproved, name, plan.Status)
	}
	if plan.Hash != planHash {
		return nil, fmt.Errorf("planregistry: %w: %s content has changed since approval", ErrIntegrityViolation, name)
	}
	return plan, nil
}
