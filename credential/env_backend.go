package credential

import (
	"context"
	"os"
	"strings"

	"github.com/hupe1980/agentcore/errs"
)

// EnvBackend resolves credentials from environment variables, read-only.
// No variable names are derived from ids: an id and its keys resolve only
// through the env var names configured for them in Keys (for example key
// "api_key" of id "openai" mapped to OPENAI_API_KEY).
type EnvBackend struct {
	lookup func(string) (string, bool)
	// Keys declares which credential keys each id exposes, and the env var
	// name for each. Populated at construction time since env vars carry no
	// structure for the store to discover them from.
	Keys map[string]map[CredentialKey]string
}

// NewEnvBackend constructs an EnvBackend using os.LookupEnv.
func NewEnvBackend(keys map[string]map[CredentialKey]string) *EnvBackend {
	return &EnvBackend{lookup: os.LookupEnv, Keys: keys}
}

func (b *EnvBackend) Load(_ context.Context, id string) (CredentialObject, error) {
	keys, ok := b.Keys[id]
	if !ok {
		return CredentialObject{}, errs.Newf(errs.CredentialNotFound, "credential %q not configured in env backend", id)
	}
	cred := CredentialObject{ID: id, Kind: "env", Keys: map[CredentialKey]Secret{}}
	for key, envVar := range keys {
		val, present := b.lookup(envVar)
		if !present || strings.TrimSpace(val) == "" {
			continue
		}
		cred.Keys[key] = Secret(val)
	}
	if len(cred.Keys) == 0 {
		return CredentialObject{}, errs.Newf(errs.CredentialNotFound, "credential %q: no configured env vars are set", id)
	}
	return cred, nil
}

// Save is unsupported: env vars are read-only from the process's perspective.
func (b *EnvBackend) Save(_ context.Context, _ CredentialObject) error {
	return errs.New(errs.StorageFailure, "env credential backend is read-only")
}

func (b *EnvBackend) Delete(_ context.Context, _ string) error {
	return errs.New(errs.StorageFailure, "env credential backend is read-only")
}

func (b *EnvBackend) List(_ context.Context) ([]string, error) {
	ids := make([]string, 0, len(b.Keys))
	for id := range b.Keys {
		ids = append(ids, id)
	}
	return ids, nil
}
