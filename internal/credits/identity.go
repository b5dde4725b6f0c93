package credits

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
)

// Identity is an authenticated caller as resolved by the identity provider.
type Identity struct {
	AccountID   ledger.AccountID
	Email       ledger.Email
	DisplayName string
}

// NewIdentity validates the subject and email taken from a session token.
func NewIdentity(subject string, email string, displayName string) (Identity, error) {
	accountID, err := ledger.NewAccountID(subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}
	parsedEmail, err := ledger.NewEmail(email)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}
	return Identity{AccountID: accountID, Email: parsedEmail, DisplayName: strings.TrimSpace(displayName)}, nil
}

// IsZero reports whether no identity was resolved.
func (identity Identity) IsZero() bool {
	return identity.AccountID.IsZero()
}

// AdminPolicy authorizes administrators from a configured allow-list of
// emails. Comparison is trimmed and case-insensitive.
type AdminPolicy struct {
	emails map[string]struct{}
}

// NewAdminPolicy builds a policy; at least one valid email is required.
func NewAdminPolicy(emails []string) (AdminPolicy, error) {
	allowed := make(map[string]struct{}, len(emails))
	for _, raw := range emails {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		email, err := ledger.NewEmail(raw)
		if err != nil {
			return AdminPolicy{}, fmt.Errorf("%w: admin email %q: %w", ErrInvalidConfig, raw, err)
		}
		allowed[email.String()] = struct{}{}
	}
	if len(allowed) == 0 {
		return AdminPolicy{}, fmt.Errorf("%w: at least one admin email is required", ErrInvalidConfig)
	}
	return AdminPolicy{emails: allowed}, nil
}

// IsAdmin reports whether email is on the allow-list.
func (policy AdminPolicy) IsAdmin(email string) bool {
	_, ok := policy.emails[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// Authorize returns ErrNotAuthenticated for a missing identity and
// ErrNotAuthorized for a non-admin.
func (policy AdminPolicy) Authorize(identity Identity) error {
	if identity.IsZero() {
		return ErrNotAuthenticated
	}
	if !policy.IsAdmin(identity.Email.String()) {
		return fmt.Errorf("%w: %s is not an administrator", ErrNotAuthorized, identity.Email)
	}
	return nil
}
