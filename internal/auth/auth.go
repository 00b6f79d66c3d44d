// Package auth validates session credentials.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/djlord-it/easy-grid/internal/domain"
)

// Identity is the authenticated principal behind a session.
type Identity struct {
	Name        string
	Permissions []string
}

// IdentityValidator authenticates a presented token. Implementations must
// be safe for concurrent use.
type IdentityValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// StaticValidator checks tokens against a fixed table loaded at startup.
// Comparison is constant-time per entry so token length and prefix leak
// nothing.
type StaticValidator struct {
	entries []staticEntry
}

type staticEntry struct {
	token    string
	identity Identity
}

// NewStaticValidator builds a validator from a token -> identity table.
func NewStaticValidator(tokens map[string]Identity) *StaticValidator {
	v := &StaticValidator{entries: make([]staticEntry, 0, len(tokens))}
	for token, id := range tokens {
		v.entries = append(v.entries, staticEntry{token: token, identity: id})
	}
	return v
}

// Validate returns the identity behind token, or an auth-kind error.
func (v *StaticValidator) Validate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, domain.NewError(domain.ErrorKindAuth, domain.CodeAuthFailed, "missing token")
	}
	var found *Identity
	for i := range v.entries {
		e := &v.entries[i]
		if len(e.token) == len(token) &&
			subtle.ConstantTimeCompare([]byte(e.token), []byte(token)) == 1 {
			found = &e.identity
		}
	}
	if found == nil {
		return Identity{}, domain.NewError(domain.ErrorKindAuth, domain.CodeAuthFailed, "invalid token")
	}
	out := *found
	out.Permissions = append([]string(nil), found.Permissions...)
	return out, nil
}

// ParseTokens parses the AUTH_TOKENS format into a token table:
//
//	token=identity:cap|cap,token=identity:cap
//
// An entry without capabilities gets none; unknown capability names are
// rejected so a typo does not silently strip access.
func ParseTokens(s string) (map[string]Identity, error) {
	out := make(map[string]Identity)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, rest, ok := strings.Cut(entry, "=")
		if !ok || token == "" || rest == "" {
			return nil, fmt.Errorf("auth: malformed token entry %q, want token=identity:cap|cap", entry)
		}
		name, capList, _ := strings.Cut(rest, ":")
		if name == "" {
			return nil, fmt.Errorf("auth: token entry %q has no identity", entry)
		}
		if _, dup := out[token]; dup {
			return nil, fmt.Errorf("auth: duplicate token for identity %q", name)
		}
		id := Identity{Name: name}
		if capList != "" {
			for _, cap := range strings.Split(capList, "|") {
				switch cap {
				case domain.CapExecute, domain.CapCancel, domain.CapSubscribe, domain.CapWorker:
					id.Permissions = append(id.Permissions, cap)
				default:
					return nil, fmt.Errorf("auth: unknown capability %q for identity %q", cap, name)
				}
			}
		}
		out[token] = id
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("auth: no token entries configured")
	}
	return out, nil
}
