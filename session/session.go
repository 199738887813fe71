// Package session implements the Session Store component (§4.5): durable
// checkpoint history per run, keyed for goal/status/node lookups, with
// Resume (continue a paused run) and Recover (roll back to the last
// checkpoint after a crash) semantics built on top.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/graph"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusEscalated Status = "escalated"
	StatusCancelled Status = "cancelled"
)

// Session is one run's durable record: identity plus its checkpoint history.
// Checkpoints are append-only; the last one is always the current
// resumption point.
type Session struct {
	ID          string
	GoalID      string
	Status      Status
	CurrentNode string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Checkpoints []graph.Checkpoint
}

// LatestCheckpoint returns the most recent checkpoint, if any.
func (s Session) LatestCheckpoint() (graph.Checkpoint, bool) {
	if len(s.Checkpoints) == 0 {
		return graph.Checkpoint{}, false
	}
	return s.Checkpoints[len(s.Checkpoints)-1], true
}

// Clone returns a deep copy so callers can't mutate the store's internal copy.
func (s Session) Clone() Session {
	cps := make([]graph.Checkpoint, len(s.Checkpoints))
	copy(cps, s.Checkpoints)
	s.Checkpoints = cps
	return s
}

// Store is the public contract the executor depends on (§4.5).
type Store interface {
	CreateSession(ctx context.Context, goalID string) (Session, error)
	LoadSession(ctx context.Context, id string) (Session, error)
	AppendCheckpoint(ctx context.Context, id string, cp graph.Checkpoint) error
	// TruncateCheckpointsAfter discards every checkpoint recorded after
	// checkpointID, inclusive of nothing before it — the persistence side of
	// Recover's "rewind to a prior checkpoint" semantics (§4.1).
	TruncateCheckpointsAfter(ctx context.Context, id, checkpointID string) error
	SetStatus(ctx context.Context, id string, status Status) error
	ListSessions(ctx context.Context, filter Filter) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Filter narrows ListSessions by any combination of fields; zero values are
// wildcards.
type Filter struct {
	GoalID string
	Status Status
	NodeID string
}

func matches(s Session, f Filter) bool {
	if f.GoalID != "" && s.GoalID != f.GoalID {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.NodeID != "" && s.CurrentNode != f.NodeID {
		return false
	}
	return true
}

// Resume rebuilds a live ExecutionState to continue a paused session from
// its latest checkpoint (a fresh state when there is none). It increments
// no visit count itself: the snapshot's counts are restored unchanged.
func Resume(s Session) (*graph.ExecutionState, error) {
	cp, ok := s.LatestCheckpoint()
	if !ok {
		return graph.NewExecutionState(s.ID, nil)
	}
	return graph.RestoreExecutionState(cp.Snapshot), nil
}

// Recover rebuilds a live ExecutionState from the last checkpoint after an
// unclean shutdown, discarding any partial progress recorded after it (§4.1).
// This differs from Resume only in intent, not mechanism: both replay from
// the latest checkpoint, but Recover is the path taken when no clean pause
// preceded it.
func Recover(s Session) (*graph.ExecutionState, error) {
	return Resume(s)
}

// inMemoryStore is the volatile Store implementation, modeled on the
// teacher's InMemoryStore (clone-on-read/write, RWMutex-guarded map).
type inMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	idGen    func() string
}

// NewVolatileStore constructs a volatile Store, suitable for tests and
// single-process deployments without durability requirements.
func NewVolatileStore(idGen func() string) Store {
	return &inMemoryStore{sessions: map[string]Session{}, idGen: idGen}
}

func (s *inMemoryStore) CreateSession(_ context.Context, goalID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.idGen()
	now := time.Now()
	sess := Session{ID: id, GoalID: goalID, Status: StatusRunning, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	return sess.Clone(), nil
}

func (s *inMemoryStore) LoadSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, notFound(id)
	}
	return sess.Clone(), nil
}

func (s *inMemoryStore) AppendCheckpoint(_ context.Context, id string, cp graph.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return notFound(id)
	}
	sess.Checkpoints = append(sess.Checkpoints, cp)
	sess.CurrentNode = cp.Snapshot.LastNodeID
	sess.UpdatedAt = time.Now()
	s.sessions[id] = sess
	return nil
}

func (s *inMemoryStore) TruncateCheckpointsAfter(_ context.Context, id, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return notFound(id)
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
	sess.Checkpoints = append([]graph.Checkpoint{}, sess.Checkpoints[:idx+1]...)
	sess.CurrentNode = sess.Checkpoints[idx].Snapshot.LastNodeID
	sess.UpdatedAt = time.Now()
	s.sessions[id] = sess
	return nil
}

func (s *inMemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return notFound(id)
	}
	sess.Status = status
	sess.UpdatedAt = time.Now()
	s.sessions[id] = sess
	return nil
}

func (s *inMemoryStore) ListSessions(_ context.Context, filter Filter) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if matches(sess, filter) {
			out = append(out, sess.Clone())
		}
	}
	return out, nil
}

func (s *inMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}
