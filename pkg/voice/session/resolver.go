package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/evercare-dev/voice-bridge/pkg/care"
)

// ErrMissingScope is returned when no care group id can be determined for
// a call.
var ErrMissingScope = errors.New("missing care group id")

// ScopeResolver decides which care group a call is about, before any data
// is fetched.
type ScopeResolver interface {
	ResolveScope(ctx context.Context, params StartParams) (string, error)
}

// DirectScope requires the telephony leg to name the care group
// explicitly via the scopeId parameter.
type DirectScope struct{}

func (DirectScope) ResolveScope(_ context.Context, params StartParams) (string, error) {
	if params.ScopeID == "" {
		return "", ErrMissingScope
	}
	return params.ScopeID, nil
}

// MembershipLister looks up the care groups a caller belongs to.
type MembershipLister interface {
	MembershipsByCaller(ctx context.Context, callerID string) ([]care.Membership, error)
}

// MultiScope resolves the scope from the caller's memberships when the
// telephony leg did not name one: the caller's default group wins,
// otherwise the first membership. The caller is never asked to choose by
// voice.
type MultiScope struct {
	Memberships MembershipLister
}

func (m MultiScope) ResolveScope(ctx context.Context, params StartParams) (string, error) {
	if params.ScopeID != "" {
		return params.ScopeID, nil
	}
	if params.CallerID == "" {
		return "", ErrMissingScope
	}

	memberships, err := m.Memberships.MembershipsByCaller(ctx, params.CallerID)
	if err != nil {
		return "", fmt.Errorf("list caller memberships: %w", err)
	}
	if len(memberships) == 0 {
		return "", ErrMissingScope
	}
	for _, ms := range memberships {
		if ms.IsDefault {
			return ms.ScopeID, nil
		}
	}
	return memberships[0].ScopeID, nil
}
