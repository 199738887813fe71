package credential

import (
	"context"
	"testing"
	"time"

	"github.com/hupe1980/agentcore/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndGetRoundTrip(t *testing.T) {
	store := New(NewInMemoryBackend())
	ctx := context.Background()

	cred := CredentialObject{ID: "svc1", Kind: "static", Keys: map[CredentialKey]Secret{"api_key": Secret("sekret")}}
	require.NoError(t, store.SaveCredential(ctx, cred))

	got, err := store.Get(ctx, "svc1")
	require.NoError(t, err)
	v, ok := got.Get("api_key")
	require.True(t, ok)
	assert.Equal(t, "sekret", v)
}

func TestGetMissingReturnsCredentialNotFound(t *testing.T) {
	store := New(NewInMemoryBackend())
	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CredentialNotFound))
}

func TestSecretNeverRendersInStringOrLogValue(t *testing.T) {
	s := Secret("top-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", s.LogValue().String())
	assert.Equal(t, "top-secret", s.Reveal())
}

type fakeOAuthProvider struct {
	refreshed int
}

func (p *fakeOAuthProvider) ID() string              { return "fake-oauth" }
func (p *fakeOAuthProvider) SupportedKinds() []string { return []string{"fake-oauth"} }
func (p *fakeOAuthProvider) ShouldRefresh(cred CredentialObject, now time.Time) bool {
	return cred.ExpiresAt.Before(now.Add(5 * time.Minute))
}
func (p *fakeOAuthProvider) Refresh(ctx context.Context, cred CredentialObject) (CredentialObject, error) {
	p.refreshed++
	out := cred.Clone()
	out.Keys["access_token"] = Secret("refreshed-token")
	out.ExpiresAt = time.Now().Add(time.Hour)
	return out, nil
}
func (p *fakeOAuthProvider) Validate(ctx context.Context, cred CredentialObject) error { return nil }
func (p *fakeOAuthProvider) Revoke(ctx context.Context, cred CredentialObject) error    { return nil }

func TestResolveAutoRefreshesExpiringCredential(t *testing.T) {
	backend := NewInMemoryBackend()
	s := New(backend)
	provider := &fakeOAuthProvider{}
	s.RegisterProvider(provider)

	ctx := context.Background()
	require.NoError(t, s.SaveCredential(ctx, CredentialObject{
		ID:        "acct1",
		Kind:      "fake-oauth",
		Keys:      map[CredentialKey]Secret{"access_token": Secret("stale-token")},
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	got, err := s.Resolve(ctx, "acct1")
	require.NoError(t, err)
	v, _ := got.Get("access_token")
	assert.Equal(t, "refreshed-token", v)
	assert.Equal(t, 1, provider.refreshed)

	// A second resolve within the fresh window should not refresh again.
	_, err = s.Resolve(ctx, "acct1")
	require.NoError(t, err)
	assert.Equal(t, 1, provider.refreshed)
}

func TestLayeredBackendFallsThrough(t *testing.T) {
	primary := NewInMemoryBackend()
	fallback := NewInMemoryBackend()
	require.NoError(t, fallback.Save(context.Background(), CredentialObject{ID: "only-in-fallback", Kind: "static"}))

	layered := NewLayeredBackend(primary, fallback)
	_, err := layered.Load(context.Background(), "only-in-fallback")
	require.NoError(t, err)

	// Save always goes to the primary layer.
	require.NoError(t, layered.Save(context.Background(), CredentialObject{ID: "new", Kind: "static"}))
	_, err = primary.Load(context.Background(), "new")
	require.NoError(t, err)
}

func TestTemplateResolveStrictFailsOnUnknownCredential(t *testing.T) {
	store := New(NewInMemoryBackend())
	_, err := Resolve(context.Background(), store, "Bearer {{missing.access_token}}", Strict)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CredentialNotFound))
}

func TestTemplateResolveLenientLeavesUnknownVerbatim(t *testing.T) {
	store := New(NewInMemoryBackend())
	out, err := Resolve(context.Background(), store, "Bearer {{missing.access_token}}", Lenient)
	require.NoError(t, err)
	assert.Equal(t, "Bearer {{missing.access_token}}", out)
}

func TestTemplateResolveKeyedPlaceholder(t *testing.T) {
	backend := NewInMemoryBackend()
	store := New(backend)
	require.NoError(t, store.SaveCredential(context.Background(), CredentialObject{
		ID:   "svc1",
		Kind: "static",
		Keys: map[CredentialKey]Secret{"access_token": Secret("abc123")},
	}))

	out, err := Resolve(context.Background(), store, "Bearer {{svc1.access_token}}", Strict)
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc123", out)
}

func TestTemplateResolveIgnoresWhitespaceInsideBraces(t *testing.T) {
	store := New(NewInMemoryBackend())
	out, err := Resolve(context.Background(), store, "literal {{ not a placeholder }}", Lenient)
	require.NoError(t, err)
	assert.Equal(t, "literal {{ not a placeholder }}", out)
}

func TestParseTokenResponse(t *testing.T) {
	cred := CredentialObject{ID: "svc1", Keys: map[CredentialKey]Secret{}}
	out, err := parseTokenResponse(cred, []byte(`{"access_token":"tok1","refresh_token":"ref1","expires_in":3600}`))
	require.NoError(t, err)
	v, _ := out.Get("access_token")
	assert.Equal(t, "tok1", v)
	assert.WithinDuration(t, time.Now().Add(time.Hour), out.ExpiresAt, 5*time.Second)
}
