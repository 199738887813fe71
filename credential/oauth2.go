package credential

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hupe1980/agentcore/errs"
	"github.com/tidwall/gjson"
)

// OAuth2Config is the generic provider configuration the original
// implementation's BaseOAuth2Provider takes per service (see
// framework/credentials/oauth2/hubspot_provider.py): a token endpoint plus
// client credentials. RefreshSkew mirrors the 5-minute skew used by the CLI
// OAuth refresher in cklxx-elephant.ai/internal/config/cli_auth.go.
type OAuth2Config struct {
	Kind         string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshSkew  time.Duration
}

// OAuth2Provider is a generic refresh_token-grant OAuth2 Provider. Services
// with additional validation needs (a live API ping, scope checks) can wrap
// one in a type that overrides Validate.
type OAuth2Provider struct {
	cfg    OAuth2Config
	client *http.Client
}

// NewOAuth2Provider constructs an OAuth2Provider. A zero RefreshSkew
// defaults to 5 minutes.
func NewOAuth2Provider(cfg OAuth2Config) *OAuth2Provider {
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = 5 * time.Minute
	}
	return &OAuth2Provider{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *OAuth2Provider) ID() string { return "oauth2:" + p.cfg.Kind }

func (p *OAuth2Provider) SupportedKinds() []string { return []string{p.cfg.Kind} }

func (p *OAuth2Provider) ShouldRefresh(cred CredentialObject, now time.Time) bool {
	if cred.ExpiresAt.IsZero() {
		return false
	}
	return cred.ExpiresAt.Before(now.Add(p.cfg.RefreshSkew))
}

func (p *OAuth2Provider) Refresh(ctx context.Context, cred CredentialObject) (CredentialObject, error) {
	refreshToken, ok := cred.Get("refresh_token")
	if !ok || refreshToken == "" {
		return CredentialObject{}, errs.Newf(errs.CredentialRefreshError, "credential %q has no refresh_token", cred.ID)
	}

	form := url.Values{}
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return CredentialObject{}, errs.Wrap(errs.CredentialRefreshError, "building refresh request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return CredentialObject{}, errs.Wrap(errs.CredentialRefreshError, "calling token endpoint", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CredentialObject{}, errs.Wrap(errs.CredentialRefreshError, "reading token response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CredentialObject{}, errs.Newf(errs.CredentialRefreshError, "token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	return parseTokenResponse(cred, body)
}

func parseTokenResponse(cred CredentialObject, body []byte) (CredentialObject, error) {
	if !gjson.ValidBytes(body) {
		return CredentialObject{}, errs.New(errs.CredentialRefreshError, "token response is not valid JSON")
	}
	parsed := gjson.ParseBytes(body)
	accessToken := parsed.Get("access_token").String()
	if accessToken == "" {
		return CredentialObject{}, errs.New(errs.CredentialRefreshError, "token response missing access_token")
	}

	out := cred.Clone()
	out.Keys["access_token"] = Secret(accessToken)
	if rt := parsed.Get("refresh_token"); rt.Exists() && rt.String() != "" {
		out.Keys["refresh_token"] = Secret(rt.String())
	}
	if tt := parsed.Get("token_type"); tt.Exists() && tt.String() != "" {
		out.Keys["token_type"] = Secret(tt.String())
	}
	if ei := parsed.Get("expires_in"); ei.Exists() {
		out.ExpiresAt = time.Now().Add(time.Duration(ei.Int()) * time.Second)
	}
	return out, nil
}

func (p *OAuth2Provider) Validate(ctx context.Context, cred CredentialObject) error {
	if _, ok := cred.Get("access_token"); !ok {
		return errs.Newf(errs.CredentialCorrupt, "credential %q has no access_token", cred.ID)
	}
	return nil
}

func (p *OAuth2Provider) Revoke(ctx context.Context, cred CredentialObject) error {
	// Most OAuth2 providers have no universal revoke endpoint shape; callers
	// needing a real revoke call should wrap OAuth2Provider and override this.
	return nil
}
