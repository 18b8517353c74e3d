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
	"testing"
)

func TestMemoryStateStoreLazyCreation(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	state, err := store.Get(ctx, "org-1/conv-1/agent-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !state.IsTrusted {
		t.Error("new unit must start trusted")
	}
	if state.Unit != "org-1/conv-1/agent-1" {
		t.Errorf("Unit = %q", state.Unit)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStateStoreTransitions(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()
	unit := "org-1/conv-1/agent-1"

	state, err := store.SetUntrusted(ctx, unit, "policy p-1")
	if err != nil {
		t.Fatalf("SetUntrusted() error = %v", err)
	}
	if state.IsTrusted || state.Reason != "policy p-1" {
		t.Errorf("state = %+v", state)
	}

	state, err = store.SetTrusted(ctx, unit, ReasonSanitized)
	if err != nil {
		t.Fatalf("SetTrusted() error = %v", err)
	}
	if !state.IsTrusted || state.Reason != ReasonSanitized {
		t.Errorf("state = %+v", state)
	}
}

func TestMemoryStateStoreIdempotentSetUntrusted(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()
	unit := "org-1/conv-1/agent-1"

	first, err := store.SetUntrusted(ctx, unit, "tainted")
	if err != nil {
		t.Fatalf("SetUntrusted() error = %v", err)
	}
	second, err := store.SetUntrusted(ctx, unit, "tainted")
	if err != nil {
		t.Fatalf("second SetUntrusted() error = %v", err)
	}

	if second.IsTrusted {
		t.Error("unit must stay untrusted")
	}
	if second.Reason != first.Reason {
		t.Errorf("reason changed: %q -> %q", first.Reason, second.Reason)
	}
	if second.LastTransitionAt.Before(first.LastTransitionAt) {
		t.Error("LastTransitionAt must advance (or hold) on repeated transitions")
	}
}

func TestMemoryStateStoreConcurrentUnits(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			unit := IsolationKey("org-1", "conv", string(rune('a'+n%10)))
			for j := 0; j < 20; j++ {
				if _, err := store.SetUntrusted(ctx, unit, "r"); err != nil {
					t.Errorf("SetUntrusted() error = %v", err)
				}
				if _, err := store.SetTrusted(ctx, unit, "r"); err != nil {
					t.Errorf("SetTrusted() error = %v", err)
				}
				if _, err := store.Get(ctx, unit); err != nil {
					t.Errorf("Get() error = %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	if store.Len() != 10 {
		t.Errorf("Len() = %d, want 10", store.Len())
	}
}
