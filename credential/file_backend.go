package credential

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/agentcore/errs"
	"golang.org/x/crypto/nacl/secretbox"
)

// FileBackend persists credentials as one encrypted file per id under
// baseDir. Writes go through a temp-file-then-rename sequence so a crash
// mid-write can never leave a corrupt credential file in place — the same
// discipline the original implementation's atomic_write helper
// (framework/utils/io.py) uses for its run storage.
type FileBackend struct {
	baseDir string
	key     [32]byte
	mu      sync.Mutex
}

// NewFileBackend constructs a FileBackend. key must be exactly 32 bytes
// (a nacl secretbox key); callers typically derive it from a master secret
// via something like HKDF before passing it in.
func NewFileBackend(baseDir string, key [32]byte) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, errs.Wrap(errs.StorageFailure, "creating credential store directory", err)
	}
	return &FileBackend{baseDir: baseDir, key: key}, nil
}

func (b *FileBackend) pathFor(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(b.baseDir, id+".cred"), nil
}

func (b *FileBackend) Load(_ context.Context, id string) (CredentialObject, error) {
	path, err := b.pathFor(id)
	if err != nil {
		return CredentialObject{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return CredentialObject{}, errs.Newf(errs.CredentialNotFound, "credential %q not found", id)
		}
		return CredentialObject{}, errs.Wrap(errs.StorageFailure, "reading credential file", err)
	}

	plaintext, err := b.decrypt(ciphertext)
	if err != nil {
		return CredentialObject{}, errs.Wrap(errs.CredentialCorrupt, "decrypting credential "+id, err)
	}

	var cred CredentialObject
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return CredentialObject{}, errs.Wrap(errs.CredentialCorrupt, "decoding credential "+id, err)
	}
	return cred, nil
}

func (b *FileBackend) Save(_ context.Context, cred CredentialObject) error {
	path, err := b.pathFor(cred.ID)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(cred)
	if err != nil {
		return errs.Wrap(errs.CredentialCorrupt, "encoding credential "+cred.ID, err)
	}
	ciphertext, err := b.encrypt(plaintext)
	if err != nil {
		return errs.Wrap(errs.StorageFailure, "encrypting credential "+cred.ID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, ciphertext, 0o600); err != nil {
		return errs.Wrap(errs.StorageFailure, "writing credential temp file", err)
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY, 0o600)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errs.Wrap(errs.StorageFailure, "finalizing credential file", err)
	}
	return nil
}

func (b *FileBackend) Delete(_ context.Context, id string) error {
	path, err := b.pathFor(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.StorageFailure, "deleting credential file", err)
	}
	return nil
}

func (b *FileBackend) List(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string
	err := filepath.WalkDir(b.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".cred") {
			return nil
		}
		ids = append(ids, strings.TrimSuffix(d.Name(), ".cred"))
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailure, "listing credential store", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *FileBackend) encrypt(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

func (b *FileBackend) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	plaintext, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &b.key)
	if !ok {
		return nil, fmt.Errorf("decryption failed: wrong key or corrupt data")
	}
	return plaintext, nil
}

// validateID guards against path traversal through a crafted credential id,
// the same defense the original implementation's FileStorage._validate_key
// applies to run ids.
func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\\x00") || strings.Contains(id, "..") || filepath.IsAbs(id) {
		return errs.Newf(errs.CredentialCorrupt, "invalid credential id %q", id)
	}
	return nil
}
