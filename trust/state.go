// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trust

import (
	"context"
	"sync"
	"time"
)

// StateStore tracks trust state per isolation unit. Implementations must
// serialize reads and writes within one unit so concurrent transitions
// resolve deterministically (last writer by arrival), and must never contend
// across unrelated units.
//
// Get creates the state lazily with IsTrusted=true. The setters are
// idempotent on content; LastTransitionAt still advances.
type StateStore interface {
	Get(ctx context.Context, unit string) (TrustState, error)
	SetTrusted(ctx context.Context, unit, reason string) (TrustState, error)
	SetUntrusted(ctx context.Context, unit, reason string) (TrustState, error)
}

// unitState pairs one unit's trust state with its own lock. The lock covers
// only state reads/writes, never tool execution or sanitization.
type unitState struct {
	mu    sync.Mutex
	state TrustState
}

// MemoryStateStore is the in-process StateStore. Suitable for single-instance
// deployments and tests; use RedisStateStore when multiple gateway instances
// share conversations.
type MemoryStateStore struct {
	mu    sync.RWMutex
	units map[string]*unitState
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{units: make(map[string]*unitState)}
}

// lookup returns the unit's entry, creating it trusted if absent. The global
// lock guards only map access.
func (s *MemoryStateStore) lookup(unit string) *unitState {
	s.mu.RLock()
	u, ok := s.units[unit]
	s.mu.RUnlock()
	if ok {
		return u
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok = s.units[unit]; ok {
		return u
	}
	u = &unitState{state: TrustState{
		Unit:             unit,
		IsTrusted:        true,
		LastTransitionAt: time.Now().UTC(),
	}}
	s.units[unit] = u
	return u
}

// Get implements StateStore.
func (s *MemoryStateStore) Get(_ context.Context, unit string) (TrustState, error) {
	u := s.lookup(unit)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state, nil
}

// SetTrusted implements StateStore. It cannot fail.
func (s *MemoryStateStore) SetTrusted(_ context.Context, unit, reason string) (TrustState, error) {
	return s.set(unit, true, reason), nil
}

// SetUntrusted implements StateStore. It cannot fail.
func (s *MemoryStateStore) SetUntrusted(_ context.Context, unit, reason string) (TrustState, error) {
	return s.set(unit, false, reason), nil
}

func (s *MemoryStateStore) set(unit string, trusted bool, reason string) TrustState {
	u := s.lookup(unit)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state.IsTrusted = trusted
	u.state.Reason = reason
	u.state.LastTransitionAt = time.Now().UTC()
	return u.state
}

// Len returns the number of tracked units.
func (s *MemoryStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.units)
}
