// Package bootstrap implements the one-shot foundation-plan creation
// flow: the very first approved plan a workspace ever gets, written
// before any OWNER-role session exists to approve one through the
// normal registry path. It is gated by an HMAC-signed token derived
// from a boot secret so it can only be invoked once, by whoever holds
// that secret.
package bootstrap

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/sentrygate/kernel/pkg/canonical"
	"github.com/sentrygate/kernel/pkg/govstate"
	"github.com/sentrygate/kernel/pkg/pathresolve"
	"github.com/sentrygate/kernel/pkg/planregistry"
)

var (
	ErrAlreadyBootstrapped = errors.New("BOOTSTRAP_DISABLED")
	ErrInvalidToken        = errors.New("BOOTSTRAP_SIGNATURE_INVALID")
)

// claims is the JWT payload for a bootstrap token: it binds the token to
// a specific plan file name and content hash, and to the repo it was
// issued for, so a stolen token cannot be replayed against a different
// plan or a different workspace.
type claims struct {
	jwt.RegisteredClaims
	PlanFileName string `json:"plan_file_name"`
	PlanHash     string `json:"plan_hash"`
}

// deriveRepoKey derives a per-workspace signing key from the shared boot
// secret via HKDF-SHA256, salted with the repo identifier (the resolved
// workspace root). The raw boot secret is never used as an HMAC key
// directly: a token issued against one workspace's derived key fails
// verification against any other, so one SENTRY_BOOT_KEY shared across
// several repositories cannot leak a bootstrap capability across them.
func deriveRepoKey(secret []byte, repoIdentifier string) ([]byte, error) {
	derived := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, []byte(repoIdentifier), []byte("sentryd-bootstrap-v1"))
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, fmt.Errorf("bootstrap: derive repo key: %w", err)
	}
	return derived, nil
}

// IssueToken signs a one-shot bootstrap token for planFileName/planHash,
// scoped to repoIdentifier, using a key derived from secret (the
// operator's shared boot key), valid for ttl.
func IssueToken(secret []byte, repoIdentifier, planFileName, planHash string, ttl time.Duration) (string, error) {
	key, err := deriveRepoKey(secret, repoIdentifier)
	if err != nil {
		return "", err
	}
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   "sentryd-bootstrap",
			Issuer:    repoIdentifier,
		},
		PlanFileName: planFileName,
		PlanHash:     planHash,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("bootstrap: sign token: %w", err)
	}
	return signed, nil
}

// Bootstrapper runs the one-shot flow: verify the token, verify
// governance state still permits bootstrap, write the supplied plan
// content into docs/plans/, confirm it parses as an APPROVED plan
// matching the token's pinned hash, then persist bootstrap-done state
// so no future call can repeat it.
type Bootstrapper struct {
	secret   []byte
	resolver *pathresolve.Resolver
	registry *planregistry.Registry
	state    *govstate.State
}

// New returns a Bootstrapper verifying tokens against secret.
func New(secret []byte, resolver *pathresolve.Resolver, registry *planregistry.Registry, state *govstate.State) *Bootstrapper {
	return &Bootstrapper{secret: secret, resolver: resolver, registry: registry, state: state}
}

// Run verifies tokenString, writes planContent to docs/plans/<planFileName>,
// confirms the written file parses as an APPROVED plan whose hash
// matches the token's pinned hash, and marks bootstrap complete.
func (b *Bootstrapper) Run(tokenString string, planFileName string, planContent []byte) (*planregistry.Plan, error) {
	if !b.state.CanBootstrap() {
		return nil, fmt.Errorf("bootstrap: %w", ErrAlreadyBootstrapped)
	}

	if err := pathresolve.ValidatePlanName(planFileName); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	key, err := deriveRepoKey(b.secret, b.resolver.Root())
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w: %v", ErrInvalidToken, err)
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("bootstrap: %w: %v", ErrInvalidToken, err)
	}
	if c.PlanFileName != planFileName {
		return nil, fmt.Errorf("bootstrap: %w: token pinned to a different file name", ErrInvalidToken)
	}
	if got := canonical.HashFileBytes(planContent); got != c.PlanHash {
		return nil, fmt.Errorf("bootstrap: %w: supplied content does not match the token's pinned hash", ErrInvalidToken)
	}

	path, err := b.resolver.ResolveWriteTarget("docs/plans/" + planFileName)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	tmp := path + ".tmp-bootstrap"
	if err := os.WriteFile(tmp, planContent, 0o644); err != nil {
		return nil, fmt.Errorf("bootstrap: write plan: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("bootstrap: commit plan: %w", err)
	}

	plan, err := b.registry.Find(planFileName)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: re-read plan after write: %w", err)
	}
	if plan.Status != planregistry.StatusApproved {
		return nil, fmt.Errorf("bootstrap: %w: foundation plan must declare status: APPROVED", ErrInvalidToken)
	}

	if err := b.state.MarkBootstrapDone(); err != nil {
		return nil, fmt.Errorf("bootstrap: persist state: %w", err)
	}

	return plan, nil
}

// PayloadHash is a convenience for CLI callers that need to compute a
// plan's pinned hash to pass to IssueToken without going through a full
// Bootstrapper (the bootstrap CLI issues tokens before any registry
// instance exists).
func PayloadHash(raw []byte) string {
	return canonical.HashFileBytes(raw)
}
