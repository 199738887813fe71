// Package credential implements the Credential Store component (§4.4):
// per-identity multi-key credential objects, provider-driven refresh, and
// template resolution for injecting secrets into tool calls without ever
// exposing them to memory, the event log, or logs. The refresh-skew and
// OAuth2 token-exchange shape are grounded on the CLI OAuth refresher in
// github.com/cklxx-elephant.ai/internal/config/cli_auth.go; the provider
// contract shape is grounded on the original implementation's
// framework/credentials package split (static vault vs oauth2 providers).
package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/errs"
)

// Secret wraps a sensitive string so it never round-trips through %v/%s
// formatting or structured logging by accident. String and LogValue both
// redact; call Reveal explicitly (and only at the call site that needs the
// raw bytes, e.g. building an HTTP header) to get the underlying value.
type Secret string

func (Secret) String() string { return "[REDACTED]" }

// LogValue implements slog.LogValuer so a Secret embedded in a struct never
// leaks through structured logging either.
func (Secret) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// Reveal returns the raw secret value. Callers must not log, wrap in an
// error, or otherwise persist the returned string outside the immediate use.
func (s Secret) Reveal() string { return string(s) }

// CredentialKey names one secret field within a CredentialObject (e.g.
// "access_token", "api_key", "refresh_token").
type CredentialKey string

// CredentialObject holds every key for one logical identity (e.g. one
// connected account), plus provider-managed refresh bookkeeping.
type CredentialObject struct {
	ID         string
	Kind       string // matches a Provider's SupportedKinds()
	Keys       map[CredentialKey]Secret
	ExpiresAt  time.Time // zero means "does not expire"
	Metadata   map[string]string
	UpdatedAt  time.Time
}

// Get returns one key's revealed value.
func (c CredentialObject) Get(key CredentialKey) (string, bool) {
	v, ok := c.Keys[key]
	if !ok {
		return "", false
	}
	return v.Reveal(), true
}

// Clone returns a deep copy so callers can't mutate the store's copy.
func (c CredentialObject) Clone() CredentialObject {
	keys := make(map[CredentialKey]Secret, len(c.Keys))
	for k, v := range c.Keys {
		keys[k] = v
	}
	meta := make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	c.Keys = keys
	c.Metadata = meta
	return c
}

// Provider is the refresh/validate/revoke contract an external identity
// system implements (§4.4). ShouldRefresh is consulted before every
// resolution so expiry policy stays provider-owned.
type Provider interface {
	ID() string
	SupportedKinds() []string
	ShouldRefresh(cred CredentialObject, now time.Time) bool
	Refresh(ctx context.Context, cred CredentialObject) (CredentialObject, error)
	Validate(ctx context.Context, cred CredentialObject) error
	Revoke(ctx context.Context, cred CredentialObject) error
}

// Store is the public surface the rest of the runtime depends on.
type Store interface {
	Get(ctx context.Context, id string) (CredentialObject, error)
	SaveCredential(ctx context.Context, cred CredentialObject) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	RegisterProvider(p Provider)
	// Resolve returns the credential for id after running it through its
	// provider's ShouldRefresh/Refresh if needed.
	Resolve(ctx context.Context, id string) (CredentialObject, error)
}

// Backend is the persistence contract a Store delegates to (§4.4 storage
// backends: encrypted-file, env-var, in-memory, layered composite).
type Backend interface {
	Load(ctx context.Context, id string) (CredentialObject, error)
	Save(ctx context.Context, cred CredentialObject) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// store is the default Store implementation: a Backend for persistence plus
// a provider registry, with double-checked-locking refresh so concurrent
// resolutions of the same near-expiry credential refresh it exactly once.
type store struct {
	backend   Backend
	providers map[string]Provider // keyed by CredentialObject.Kind
	mu        sync.Mutex
	inflight  map[string]*sync.Mutex // per-id refresh locks
}

// New constructs a Store backed by backend.
func New(backend Backend) Store {
	return &store{
		backend:   backend,
		providers: map[string]Provider{},
		inflight:  map[string]*sync.Mutex{},
	}
}

func (s *store) RegisterProvider(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range p.SupportedKinds() {
		s.providers[kind] = p
	}
}

func (s *store) Get(ctx context.Context, id string) (CredentialObject, error) {
	cred, err := s.backend.Load(ctx, id)
	if err != nil {
		return CredentialObject{}, err
	}
	return cred, nil
}

func (s *store) SaveCredential(ctx context.Context, cred CredentialObject) error {
	cred.UpdatedAt = now()
	return s.backend.Save(ctx, cred)
}

func (s *store) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, id)
}

func (s *store) List(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx)
}

// Resolve loads id and, if its provider says it needs refreshing, refreshes
// it under a per-id lock (double-checked: re-reads after acquiring the lock
// in case a concurrent caller already refreshed it) before returning.
func (s *store) Resolve(ctx context.Context, id string) (CredentialObject, error) {
	cred, err := s.backend.Load(ctx, id)
	if err != nil {
		return CredentialObject{}, err
	}

	provider, ok := s.providers[cred.Kind]
	if !ok || !provider.ShouldRefresh(cred, now()) {
		return cred, nil
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	cred, err = s.backend.Load(ctx, id)
	if err != nil {
		return CredentialObject{}, err
	}
	if !provider.ShouldRefresh(cred, now()) {
		return cred, nil
	}

	refreshed, err := provider.Refresh(ctx, cred)
	if err != nil {
		return CredentialObject{}, errs.Wrap(errs.CredentialRefreshError, "refreshing credential "+id, err)
	}
	refreshed.UpdatedAt = now()
	if err := s.backend.Save(ctx, refreshed); err != nil {
		return CredentialObject{}, errs.Wrap(errs.StorageFailure, "persisting refreshed credential "+id, err)
	}
	return refreshed, nil
}

func (s *store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.inflight[id]
	if !ok {
		lock = &sync.Mutex{}
		s.inflight[id] = lock
	}
	return lock
}

var now = time.Now
