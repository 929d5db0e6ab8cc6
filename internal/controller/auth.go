package controller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"ferry/internal/config"
)

// Action is an operation a principal asks to perform
type Action string

const (
	ActionImport Action = "import"
	ActionExport Action = "export"
	ActionRead   Action = "read"
	ActionCancel Action = "cancel"

	// AnyAction grants every action
	AnyAction = "*"
)

// Anonymous is the principal of requests when authentication is disabled
const Anonymous = "anonymous"

var ErrForbidden = errors.New("forbidden")

// ForbiddenError carries the reason of a denial
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Reason)
}

func (e *ForbiddenError) Is(target error) bool {
	return target == ErrForbidden
}

type Decision struct {
	Allowed bool
	Reason  string
}

func Allow() Decision { return Decision{Allowed: true} }

func Deny(reason string) Decision { return Decision{Reason: reason} }

// Authorizer decides whether principal may perform action on resource. The
// resource is a schema id for submissions and a job id otherwise.
type Authorizer interface {
	Authorize(ctx context.Context, principal string, action Action, resource string) Decision
}

// AllowAll permits everything
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, Action, string) Decision {
	return Allow()
}

// TokenAuthorizer grants actions from a static token table. Tokens are stored
// as SHA-256 hex digests so the configuration never holds usable secrets.
type TokenAuthorizer struct {
	byHash      map[string]config.AuthToken
	byPrincipal map[string]map[string]bool
}

func NewTokenAuthorizer(cfg config.AuthConfig) *TokenAuthorizer {
	a := &TokenAuthorizer{
		byHash:      make(map[string]config.AuthToken, len(cfg.Tokens)),
		byPrincipal: make(map[string]map[string]bool),
	}
	for hash, tok := range cfg.Tokens {
		a.byHash[hash] = tok
		actions, ok := a.byPrincipal[tok.Principal]
		if !ok {
			actions = make(map[string]bool)
			a.byPrincipal[tok.Principal] = actions
		}
		for _, act := range tok.Actions {
			actions[act] = true
		}
	}
	return a
}

// HashToken returns the digest under which a bearer token is configured
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Resolve returns the principal owning a bearer token
func (a *TokenAuthorizer) Resolve(token string) (string, bool) {
	tok, ok := a.byHash[HashToken(token)]
	if !ok {
		return "", false
	}
	return tok.Principal, true
}

func (a *TokenAuthorizer) Authorize(_ context.Context, principal string, action Action, _ string) Decision {
	actions, ok := a.byPrincipal[principal]
	if !ok {
		return Deny(fmt.Sprintf("unknown principal %q", principal))
	}
	if actions[AnyAction] || actions[string(action)] {
		return Allow()
	}
	return Deny(fmt.Sprintf("%s may not %s", principal, action))
}
