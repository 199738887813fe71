package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/errs"
	"github.com/hupe1980/agentcore/graph"
)

// FileStore persists sessions under baseDir using the directory layout the
// original implementation's FileStorage uses (framework/storage/backend.py):
// one meta file per session, one file per checkpoint (mirroring
// conversation_store.py's file-per-part layout so a crash mid-checkpoint
// never corrupts earlier ones), and secondary index files keyed by goal and
// status for ListSessions without a full directory scan.
type FileStore struct {
	baseDir string
	idGen   func() string
	mu      sync.Mutex
}

// NewFileStore constructs a FileStore rooted at baseDir, creating the
// sessions/ and indexes/ subdirectories if absent.
func NewFileStore(baseDir string, idGen func() string) (*FileStore, error) {
	for _, sub := range []string{"sessions", "indexes/by_goal", "indexes/by_status"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o755); err != nil {
			return nil, errs.Wrap(errs.StorageFailure, "creating session store directories", err)
		}
	}
	return &FileStore{baseDir: baseDir, idGen: idGen}, nil
}

type sessionMeta struct {
	ID          string
	GoalID      string
	Status      Status
	CurrentNode string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Checkpoints int
}

func (fs *FileStore) sessionDir(id string) (string, error) {
	if err := validateSessionID(id); err != nil {
		return "", err
	}
	return filepath.Join(fs.baseDir, "sessions", id), nil
}

func validateSessionID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\\x00") || strings.Contains(id, "..") {
		return errs.Newf(errs.SessionNotFound, "invalid session id %q", id)
	}
	return nil
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if f, err := os.OpenFile(tmp, os.O_WRONLY, 0o644); err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	return os.Rename(tmp, path)
}

func (fs *FileStore) CreateSession(_ context.Context, goalID string) (Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id := fs.idGen()
	dir, err := fs.sessionDir(id)
	if err != nil {
		return Session{}, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "checkpoints"), 0o755); err != nil {
		return Session{}, errs.Wrap(errs.StorageFailure, "creating session directory", err)
	}

	now := time.Now()
	meta := sessionMeta{ID: id, GoalID: goalID, Status: StatusRunning, CreatedAt: now, UpdatedAt: now}
	if err := atomicWriteJSON(filepath.Join(dir, "meta.json"), meta); err != nil {
		return Session{}, errs.Wrap(errs.StorageFailure, "writing session meta", err)
	}
	if err := fs.addToIndex("by_goal", goalID, id); err != nil {
		return Session{}, err
	}
	if err := fs.addToIndex("by_status", string(StatusRunning), id); err != nil {
		return Session{}, err
	}

	return Session{ID: id, GoalID: goalID, Status: StatusRunning, CreatedAt: now, UpdatedAt: now}, nil
}

func (fs *FileStore) LoadSession(_ context.Context, id string) (Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.loadLocked(id)
}

func (fs *FileStore) loadLocked(id string) (Session, error) {
	dir, err := fs.sessionDir(id)
	if err != nil {
		return Session{}, err
	}

	metaBytes, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, notFound(id)
		}
		return Session{}, errs.Wrap(errs.StorageFailure, "reading session meta", err)
	}
	var meta sessionMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return Session{}, errs.Wrap(errs.StorageFailure, "decoding session meta", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "checkpoints"))
	if err != nil && !os.IsNotExist(err) {
		return Session{}, errs.Wrap(errs.StorageFailure, "listing checkpoints", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	cps := make([]graph.Checkpoint, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, "checkpoints", name))
		if err != nil {
			return Session{}, errs.Wrap(errs.StorageFailure, "reading checkpoint "+name, err)
		}
		var cp graph.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return Session{}, errs.Wrap(errs.StorageFailure, "decoding checkpoint "+name, err)
		}
		cps = append(cps, cp)
	}

	return Session{
		ID:          meta.ID,
		GoalID:      meta.GoalID,
		Status:      meta.Status,
		CurrentNode: meta.CurrentNode,
		CreatedAt:   meta.CreatedAt,
		UpdatedAt:   meta.UpdatedAt,
		Checkpoints: cps,
	}, nil
}

func (fs *FileStore) AppendCheckpoint(_ context.Context, id string, cp graph.Checkpoint) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, err := fs.sessionDir(id)
	if err != nil {
		return err
	}
	sess, err := fs.loadLocked(id)
	if err != nil {
		return err
	}

	seq := len(sess.Checkpoints)
	name := fmt.Sprintf("%010d.json", seq)
	if err := atomicWriteJSON(filepath.Join(dir, "checkpoints", name), cp); err != nil {
		return errs.Wrap(errs.StorageFailure, "writing checkpoint", err)
	}

	meta := sessionMeta{
		ID: sess.ID, GoalID: sess.GoalID, Status: sess.Status,
		CurrentNode: cp.Snapshot.LastNodeID, CreatedAt: sess.CreatedAt,
		UpdatedAt: time.Now(), Checkpoints: seq + 1,
	}
	return atomicWriteJSON(filepath.Join(dir, "meta.json"), meta)
}

func (fs *FileStore) TruncateCheckpointsAfter(_ context.Context, id, checkpointID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, err := fs.sessionDir(id)
	if err != nil {
		return err
	}
	sess, err := fs.loadLocked(id)
	if err != nil {
		return err
	}
	idx := -1
	for i, cp := range sess.Checkpoints {
		if cp.ID == checkpointID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return notFound(checkpointID)
	}
	for seq := idx + 1; seq < len(sess.Checkpoints); seq++ {
		name := fmt.Sprintf("%010d.json", seq)
		if err := os.Remove(filepath.Join(dir, "checkpoints", name)); err != nil && !os.IsNotExist(err) {
			return errs.Wrap(errs.StorageFailure, "removing checkpoint "+name, err)
		}
	}
	meta := sessionMeta{
		ID: sess.ID, GoalID: sess.GoalID, Status: sess.Status,
		CurrentNode: sess.Checkpoints[idx].Snapshot.LastNodeID, CreatedAt: sess.CreatedAt,
		UpdatedAt: time.Now(), Checkpoints: idx + 1,
	}
	return atomicWriteJSON(filepath.Join(dir, "meta.json"), meta)
}

func (fs *FileStore) SetStatus(_ context.Context, id string, status Status) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, err := fs.sessionDir(id)
	if err != nil {
		return err
	}
	sess, err := fs.loadLocked(id)
	if err != nil {
		return err
	}
	if err := fs.removeFromIndex("by_status", string(sess.Status), id); err != nil {
		return err
	}
	if err := fs.addToIndex("by_status", string(status), id); err != nil {
		return err
	}

	meta := sessionMeta{
		ID: sess.ID, GoalID: sess.GoalID, Status: status,
		CurrentNode: sess.CurrentNode, CreatedAt: sess.CreatedAt,
		UpdatedAt: time.Now(), Checkpoints: len(sess.Checkpoints),
	}
	return atomicWriteJSON(filepath.Join(dir, "meta.json"), meta)
}

func (fs *FileStore) ListSessions(_ context.Context, filter Filter) ([]Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var ids []string
	switch {
	case filter.GoalID != "":
		idx, err := fs.readIndex("by_goal", filter.GoalID)
		if err != nil {
			return nil, err
		}
		ids = idx
	case filter.Status != "":
		idx, err := fs.readIndex("by_status", string(filter.Status))
		if err != nil {
			return nil, err
		}
		ids = idx
	default:
		entries, err := os.ReadDir(filepath.Join(fs.baseDir, "sessions"))
		if err != nil {
			return nil, errs.Wrap(errs.StorageFailure, "listing sessions", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				ids = append(ids, e.Name())
			}
		}
	}

	var out []Session
	for _, id := range ids {
		sess, err := fs.loadLocked(id)
		if err != nil {
			continue
		}
		if matches(sess, filter) {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (fs *FileStore) DeleteSession(_ context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	sess, err := fs.loadLocked(id)
	if err == nil {
		_ = fs.removeFromIndex("by_goal", sess.GoalID, id)
		_ = fs.removeFromIndex("by_status", string(sess.Status), id)
	}
	dir, err := fs.sessionDir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return errs.Wrap(errs.StorageFailure, "deleting session directory", err)
	}
	return nil
}

func (fs *FileStore) indexPath(kind, key string) string {
	return filepath.Join(fs.baseDir, "indexes", kind, key+".json")
}

func (fs *FileStore) readIndex(kind, key string) ([]string, error) {
	data, err := os.ReadFile(fs.indexPath(kind, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.StorageFailure, "reading index", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, errs.Wrap(errs.StorageFailure, "decoding index", err)
	}
	return ids, nil
}

func (fs *FileStore) addToIndex(kind, key, id string) error {
	ids, err := fs.readIndex(kind, key)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	if err := os.MkdirAll(filepath.Dir(fs.indexPath(kind, key)), 0o755); err != nil {
		return errs.Wrap(errs.StorageFailure, "creating index directory", err)
	}
	return atomicWriteJSON(fs.indexPath(kind, key), ids)
}

func (fs *FileStore) removeFromIndex(kind, key, id string) error {
	ids, err := fs.readIndex(kind, key)
	if err != nil {
		return err
	}
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return atomicWriteJSON(fs.indexPath(kind, key), out)
}
