package session

import (
	"context"
	"errors"
	"testing"

	"github.com/evercare-dev/voice-bridge/pkg/care"
)

type fakeMemberships struct {
	memberships []care.Membership
	err         error
}

func (f fakeMemberships) MembershipsByCaller(context.Context, string) ([]care.Membership, error) {
	return f.memberships, f.err
}

func TestDirectScope(t *testing.T) {
	got, err := DirectScope{}.ResolveScope(context.Background(), StartParams{ScopeID: "grp-1"})
	if err != nil || got != "grp-1" {
		t.Fatalf("got %q, %v", got, err)
	}

	if _, err := (DirectScope{}).ResolveScope(context.Background(), StartParams{}); !errors.Is(err, ErrMissingScope) {
		t.Fatalf("err=%v, want ErrMissingScope", err)
	}
}

func TestMultiScope_ExplicitScopeWins(t *testing.T) {
	r := MultiScope{Memberships: fakeMemberships{
		memberships: []care.Membership{{ScopeID: "grp-other"}},
	}}
	got, err := r.ResolveScope(context.Background(), StartParams{ScopeID: "grp-explicit", CallerID: "c1"})
	if err != nil || got != "grp-explicit" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestMultiScope_DefaultMembershipWins(t *testing.T) {
	r := MultiScope{Memberships: fakeMemberships{
		memberships: []care.Membership{
			{ScopeID: "grp-a"},
			{ScopeID: "grp-b", IsDefault: true},
		},
	}}
	got, err := r.ResolveScope(context.Background(), StartParams{CallerID: "c1"})
	if err != nil || got != "grp-b" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestMultiScope_FallsBackToFirst(t *testing.T) {
	r := MultiScope{Memberships: fakeMemberships{
		memberships: []care.Membership{{ScopeID: "grp-a"}, {ScopeID: "grp-b"}},
	}}
	got, err := r.ResolveScope(context.Background(), StartParams{CallerID: "c1"})
	if err != nil || got != "grp-a" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestMultiScope_Failures(t *testing.T) {
	if _, err := (MultiScope{Memberships: fakeMemberships{}}).ResolveScope(context.Background(), StartParams{CallerID: "c1"}); !errors.Is(err, ErrMissingScope) {
		t.Fatalf("no memberships: err=%v, want ErrMissingScope", err)
	}
	if _, err := (MultiScope{Memberships: fakeMemberships{}}).ResolveScope(context.Background(), StartParams{}); !errors.Is(err, ErrMissingScope) {
		t.Fatalf("no caller: err=%v, want ErrMissingScope", err)
	}
	if _, err := (MultiScope{Memberships: fakeMemberships{err: errors.New("db down")}}).ResolveScope(context.Background(), StartParams{CallerID: "c1"}); err == nil {
		t.Fatalf("expected lookup error")
	}
}
