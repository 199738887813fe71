package credential

import (
	"context"
	"sort"
	"sync"

	"github.com/hupe1980/agentcore/errs"
)

// InMemoryBackend is a process-local Backend, useful for tests and as the
// innermost layer of a LayeredBackend.
type InMemoryBackend struct {
	mu    sync.RWMutex
	creds map[string]CredentialObject
}

// NewInMemoryBackend constructs an empty InMemoryBackend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{creds: map[string]CredentialObject{}}
}

func (b *InMemoryBackend) Load(_ context.Context, id string) (CredentialObject, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cred, ok := b.creds[id]
	if !ok {
		return CredentialObject{}, errs.Newf(errs.CredentialNotFound, "credential %q not found", id)
	}
	return cred.Clone(), nil
}

func (b *InMemoryBackend) Save(_ context.Context, cred CredentialObject) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds[cred.ID] = cred.Clone()
	return nil
}

func (b *InMemoryBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.creds, id)
	return nil
}

func (b *InMemoryBackend) List(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.creds))
	for id := range b.creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
