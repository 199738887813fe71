package credential

import (
	"context"

	"github.com/hupe1980/agentcore/errs"
)

// LayeredBackend tries each layer in order on Load, returning the first hit;
// Save/Delete always target the first (writable) layer. This lets a
// deployment read from an env-var backend as an override in front of a
// durable file backend, for example.
type LayeredBackend struct {
	layers []Backend
}

// NewLayeredBackend builds a LayeredBackend. layers[0] is the primary
// (writable) layer; the rest are read-only fallbacks consulted in order.
func NewLayeredBackend(layers ...Backend) *LayeredBackend {
	return &LayeredBackend{layers: layers}
}

func (b *LayeredBackend) Load(ctx context.Context, id string) (CredentialObject, error) {
	var lastErr error
	for _, layer := range b.layers {
		cred, err := layer.Load(ctx, id)
		if err == nil {
			return cred, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return CredentialObject{}, lastErr
	}
	return CredentialObject{}, errs.Newf(errs.CredentialNotFound, "credential %q not found in any layer", id)
}

func (b *LayeredBackend) Save(ctx context.Context, cred CredentialObject) error {
	if len(b.layers) == 0 {
		return errs.New(errs.StorageFailure, "layered credential backend has no layers")
	}
	return b.layers[0].Save(ctx, cred)
}

func (b *LayeredBackend) Delete(ctx context.Context, id string) error {
	if len(b.layers) == 0 {
		return errs.New(errs.StorageFailure, "layered credential backend has no layers")
	}
	return b.layers[0].Delete(ctx, id)
}

func (b *LayeredBackend) List(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	for _, layer := range b.layers {
		layerIDs, err := layer.List(ctx)
		if err != nil {
			continue
		}
		for _, id := range layerIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}
