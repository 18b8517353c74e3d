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
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// AuditRecorder persists sanitization runs and trust-state transitions for
// audit. Persistence is best-effort auxiliary work: failures are logged and
// counted but never reach the authorization decision path.
//
// The recorder operates in two modes:
//   - Database mode: persists to PostgreSQL via an async worker pool
//   - Memory mode: keeps records in memory (testing, no database)
type AuditRecorder struct {
	db        *sql.DB
	useMemory bool

	mu          sync.RWMutex
	memResults  []DualLLMResult
	memTransits []TrustState

	queue  chan auditJob
	wg     sync.WaitGroup
	closed atomic.Bool

	// Metrics
	recorded     uint64
	recordErrors uint64
}

type auditJob struct {
	result     *DualLLMResult
	transition *TrustState
}

// AuditRecorderConfig configures the recorder.
type AuditRecorderConfig struct {
	// DB is the PostgreSQL handle. Nil selects memory mode.
	DB *sql.DB

	// QueueSize buffers async writes. Default 1000.
	QueueSize int

	// Workers is the async worker count. Default 2.
	Workers int
}

// NewAuditRecorder creates a recorder and starts its workers (DB mode only).
func NewAuditRecorder(config AuditRecorderConfig) *AuditRecorder {
	if config.QueueSize == 0 {
		config.QueueSize = 1000
	}
	if config.Workers == 0 {
		config.Workers = 2
	}

	r := &AuditRecorder{
		db:        config.DB,
		useMemory: config.DB == nil,
	}

	if !r.useMemory {
		r.queue = make(chan auditJob, config.QueueSize)
		for i := 0; i < config.Workers; i++ {
			r.wg.Add(1)
			go r.worker(i)
		}
		log.Printf("[AuditRecorder] Started with %d async workers, queue size: %d",
			config.Workers, config.QueueSize)
	} else {
		log.Println("[AuditRecorder] Running in memory mode (no database)")
	}

	return r
}

// SaveDualLLMResult records one sanitization run. Never blocks the caller on
// the database; never returns an error.
func (r *AuditRecorder) SaveDualLLMResult(ctx context.Context, result *DualLLMResult) {
	if result == nil {
		return
	}
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	atomic.AddUint64(&r.recorded, 1)

	if r.useMemory {
		r.mu.Lock()
		r.memResults = append(r.memResults, *result)
		r.mu.Unlock()
		return
	}
	r.enqueue(auditJob{result: result})
}

// AppendTransition records one trust-state transition. Never blocks; never
// returns an error.
func (r *AuditRecorder) AppendTransition(ctx context.Context, state TrustState) {
	atomic.AddUint64(&r.recorded, 1)

	if r.useMemory {
		r.mu.Lock()
		r.memTransits = append(r.memTransits, state)
		r.mu.Unlock()
		return
	}
	stateCopy := state
	r.enqueue(auditJob{transition: &stateCopy})
}

func (r *AuditRecorder) enqueue(job auditJob) {
	if r.closed.Load() {
		return
	}
	select {
	case r.queue <- job:
	default:
		atomic.AddUint64(&r.recordErrors, 1)
		log.Println("[AuditRecorder] Queue full, dropping audit record")
	}
}

func (r *AuditRecorder) worker(id int) {
	defer r.wg.Done()
	for job := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		switch {
		case job.result != nil:
			err = r.writeResult(ctx, job.result)
		case job.transition != nil:
			err = r.writeTransition(ctx, job.transition)
		}
		if err != nil {
			atomic.AddUint64(&r.recordErrors, 1)
			log.Printf("[AuditRecorder] Worker %d: failed to record: %v", id, err)
		}
		cancel()
	}
}

func (r *AuditRecorder) writeResult(ctx context.Context, result *DualLLMResult) error {
	transcript, err := json.Marshal(result.Transcript)
	if err != nil {
		transcript = []byte("[]")
	}

	query := `
		INSERT INTO dual_llm_results (
			id, org_id, tool_call_id, user_request, raw_tool_result,
			transcript, summary, rounds_used, failed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		result.ID, result.OrgID, result.ToolCallID, result.UserRequest, result.RawToolResult,
		transcript, result.Summary, result.RoundsUsed, result.Failed, result.CreatedAt,
	)
	return err
}

func (r *AuditRecorder) writeTransition(ctx context.Context, state *TrustState) error {
	query := `
		INSERT INTO trust_transitions (id, unit, is_trusted, reason, transitioned_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		uuid.New().String(), state.Unit, state.IsTrusted, state.Reason, state.LastTransitionAt,
	)
	return err
}

// Results returns recorded sanitization runs (memory mode only).
func (r *AuditRecorder) Results() []DualLLMResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]DualLLMResult(nil), r.memResults...)
}

// Transitions returns recorded trust transitions (memory mode only).
func (r *AuditRecorder) Transitions() []TrustState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]TrustState(nil), r.memTransits...)
}

// Stats returns recorder counters.
func (r *AuditRecorder) Stats() map[string]interface{} {
	pending := 0
	if r.queue != nil {
		pending = len(r.queue)
	}
	return map[string]interface{}{
		"recorded":      atomic.LoadUint64(&r.recorded),
		"record_errors": atomic.LoadUint64(&r.recordErrors),
		"async_pending": pending,
		"memory_mode":   r.useMemory,
	}
}

// Shutdown drains pending async writes, bounded by ctx.
func (r *AuditRecorder) Shutdown(ctx context.Context) error {
	if r.queue == nil {
		return nil
	}
	r.closed.Store(true)
	close(r.queue)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Printf("[AuditRecorder] Shutdown timeout. Recorded: %d, Errors: %d",
			atomic.LoadUint64(&r.recorded), atomic.LoadUint64(&r.recordErrors))
		return ctx.Err()
	}
}
