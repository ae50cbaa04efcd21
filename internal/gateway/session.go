package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/csabourin/wampums-sync/internal/store"
)

// SessionProvider owns the credential and tenant identity attached to every
// outbound call. It is injected into the gateway at construction instead of
// being read from ambient global state, so the reset-on-401 side effect has
// exactly one owner.
type SessionProvider interface {
	// Token returns the bearer credential, if present.
	Token(ctx context.Context) (string, bool)

	// Organization returns the tenant identifier, if present.
	Organization(ctx context.Context) (string, bool)

	// Clear removes stored credential state. Called by the gateway on 401.
	// Must be idempotent.
	Clear(ctx context.Context) error
}

// Settings keys for store-backed session state.
const (
	settingToken        = "session.token"
	settingOrganization = "session.organization"
)

// StoreSession persists session state in the shared settings table so that
// both execution contexts observe a credential reset.
type StoreSession struct {
	store    *store.Store
	onExpire func()
}

// NewStoreSession creates a store-backed session provider.
// onExpire fires after Clear removes the credential; it is the navigation
// hook the UI layer uses to force the login entry point. May be nil.
func NewStoreSession(st *store.Store, onExpire func()) *StoreSession {
	return &StoreSession{store: st, onExpire: onExpire}
}

// Token returns the stored bearer credential.
// A storage failure reads as "no credential" rather than an error.
func (s *StoreSession) Token(ctx context.Context) (string, bool) {
	token, ok, err := s.store.GetSetting(ctx, settingToken)
	if err != nil {
		slog.Warn("session token read failed", "error", err)
		return "", false
	}
	return token, ok && token != ""
}

// Organization returns the stored tenant identifier.
func (s *StoreSession) Organization(ctx context.Context) (string, bool) {
	org, ok, err := s.store.GetSetting(ctx, settingOrganization)
	if err != nil {
		slog.Warn("session organization read failed", "error", err)
		return "", false
	}
	return org, ok && org != ""
}

// SetToken stores the bearer credential.
func (s *StoreSession) SetToken(ctx context.Context, token string) error {
	return s.store.SetSetting(ctx, settingToken, token)
}

// SetOrganization stores the tenant identifier.
func (s *StoreSession) SetOrganization(ctx context.Context, org string) error {
	return s.store.SetSetting(ctx, settingOrganization, org)
}

// Clear removes the stored credential and fires the expiry hook.
// The tenant identifier survives a reset; it is configuration, not a
// credential.
func (s *StoreSession) Clear(ctx context.Context) error {
	if err := s.store.DeleteSetting(ctx, settingToken); err != nil {
		return err
	}
	if s.onExpire != nil {
		s.onExpire()
	}
	return nil
}

// StaticSession is a fixed-credential provider for tests and one-shot CLI
// invocations.
type StaticSession struct {
	mu       sync.Mutex
	token    string
	org      string
	onExpire func()
}

// NewStaticSession creates a provider with fixed values.
func NewStaticSession(token, org string, onExpire func()) *StaticSession {
	return &StaticSession{token: token, org: org, onExpire: onExpire}
}

// Token returns the fixed credential until Clear is called.
func (s *StaticSession) Token(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

// Organization returns the fixed tenant identifier.
func (s *StaticSession) Organization(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.org, s.org != ""
}

// Clear drops the credential and fires the expiry hook.
func (s *StaticSession) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.token = ""
	hook := s.onExpire
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}
