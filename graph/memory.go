package graph

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hupe1980/agentcore/errs"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Memory is the run-scoped shared state nodes read from and write to via
// their declared input_keys/output_keys (§3). Each key's value is kept as
// its raw JSON text so gjson/sjson can address nested paths inside a stored
// object without a full decode/re-encode round trip on every access.
//
// Single-writer-per-key within a branch (§5) means reads never contend with
// the key's own writer; the mutex here only protects the map's bookkeeping
// against concurrent writes to *different* keys and against the branch-join
// merge.
type Memory struct {
	mu     sync.RWMutex
	raw    map[string]string
	writer map[string]string
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{raw: map[string]string{}, writer: map[string]string{}}
}

// NewMemorySeeded returns a Memory pre-populated from a run's input map; keys
// seeded this way have no writer attribution (they satisfy P2 as "input").
func NewMemorySeeded(input map[string]any) (*Memory, error) {
	m := NewMemory()
	for k, v := range input {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errs.Wrap(errs.GoalInvalid, fmt.Sprintf("encoding input key %q", k), err)
		}
		m.raw[k] = string(raw)
		m.writer[k] = ""
	}
	return m, nil
}

// Has reports whether key is present in memory.
func (m *Memory) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.raw[key]
	return ok
}

// Get returns the Value stored at key.
func (m *Memory) Get(key string) (Value, bool) {
	m.mu.RLock()
	raw, ok := m.raw[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return parseJSON(raw), true
}

// GetPath resolves a gjson dotted path rooted at key, e.g. GetPath("profile",
// "address.city") reaches into a nested object value without decoding the
// whole key into Go values first.
func (m *Memory) GetPath(key, path string) (Value, bool) {
	m.mu.RLock()
	raw, ok := m.raw[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	res := gjson.Get(raw, path)
	if !res.Exists() {
		return nil, false
	}
	return parseJSON(res.Raw), true
}

// Set writes v to key, attributing the write to nodeID. Its callers are the
// privileged set_output tool at the runtime boundary (§4.2), the executor's
// function-node output writes, and the parallel-branch merge.
func (m *Memory) Set(key string, v Value, nodeID string) error {
	raw, err := json.Marshal(ToAny(v))
	if err != nil {
		return errs.Wrap(errs.StorageFailure, fmt.Sprintf("encoding memory key %q", key), err)
	}
	m.mu.Lock()
	m.raw[key] = string(raw)
	m.writer[key] = nodeID
	m.mu.Unlock()
	return nil
}

// SetPath patches a nested path inside an existing (or newly created) object
// value at key using sjson, preserving the rest of the stored document.
func (m *Memory) SetPath(key, path string, v any, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.raw[key]
	if existing == "" {
		existing = "{}"
	}
	updated, err := sjson.Set(existing, path, v)
	if err != nil {
		return errs.Wrap(errs.StorageFailure, fmt.Sprintf("patching memory key %q path %q", key, path), err)
	}
	m.raw[key] = updated
	m.writer[key] = nodeID
	return nil
}

// Writer returns the node id that last wrote key ("" for run input).
func (m *Memory) Writer(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.writer[key]
	return w, ok
}

// Keys returns the set of keys currently present.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.raw))
	for k := range m.raw {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a defensive copy of the raw JSON-per-key representation,
// suitable for embedding in an ExecutionState checkpoint.
func (m *Memory) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.raw))
	for k, v := range m.raw {
		out[k] = v
	}
	return out
}

// RestoreMemory rebuilds a Memory from a prior Snapshot, used when resuming
// or recovering a session.
func RestoreMemory(snapshot map[string]string, writer map[string]string) *Memory {
	m := NewMemory()
	for k, v := range snapshot {
		m.raw[k] = v
	}
	for k, v := range writer {
		m.writer[k] = v
	}
	return m
}

// Clone returns a deep-enough copy for branch-local isolation: the raw JSON
// strings are immutable so only the maps need copying.
func (m *Memory) Clone() *Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := NewMemory()
	for k, v := range m.raw {
		out.raw[k] = v
	}
	for k, v := range m.writer {
		out.writer[k] = v
	}
	return out
}

func parseJSON(raw string) Value {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return StringValue(raw)
	}
	return FromAny(decoded)
}
