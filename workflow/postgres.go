// Copyright 2025 AgentGate
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

package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"agentgate/platform/shared/logger"
)

const (
	auditBatchSize     = 100
	auditFlushInterval = 5 * time.Second
	auditQueueDepth    = 10000
)

// Store persists workflow audit entries and tenant ledger amounts in
// Postgres. Audit writes are queued and batched so a slow database never
// blocks workflow completion; ledger writes are synchronous because a
// debit must not be lost on shutdown.
type Store struct {
	db  *sql.DB
	log *logger.Logger

	queue    chan AuditEntry
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewStore connects to Postgres and prepares the schema.
func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	s := &Store{
		db:       db,
		log:      logger.New("workflow-store"),
		queue:    make(chan AuditEntry, auditQueueDepth),
		shutdown: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processAuditQueue()

	return s, nil
}

// AppendAudit queues one audit entry for batched insertion. When the
// queue is full the entry is written directly instead of being dropped.
func (s *Store) AppendAudit(ctx context.Context, entry AuditEntry) error {
	select {
	case s.queue <- entry:
		return nil
	default:
		return s.writeAuditBatch([]AuditEntry{entry})
	}
}

// AppendLedger records one signed amount against a tenant.
func (s *Store) AppendLedger(ctx context.Context, tenantID string, amountUSD float64, reference string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (tenant_id, amount_usd, reference)
		VALUES ($1, $2, $3)
	`, tenantID, amountUSD, nullString(reference))
	if err != nil {
		s.log.Error(tenantID, "", "failed to record ledger entry", map[string]interface{}{
			"reference": reference,
			"error":     err.Error(),
		})
	}
	return err
}

// RecentAudit returns the newest audit entries for one intent, newest
// first.
func (s *Store) RecentAudit(ctx context.Context, intentID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, intent_id, workflow_id, tenant_id, step, preview, ok, created_at
		FROM workflow_audit
		WHERE intent_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, intentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		if err := rows.Scan(&entry.ID, &entry.IntentID, &entry.WorkflowID, &entry.TenantID,
			&entry.Step, &entry.Preview, &entry.OK, &entry.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// TenantBalance sums the ledger for one tenant.
func (s *Store) TenantBalance(ctx context.Context, tenantID string) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0) FROM ledger_entries WHERE tenant_id = $1
	`, tenantID).Scan(&balance)
	return balance, err
}

// IsHealthy reports database reachability.
func (s *Store) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// Close flushes queued audit entries and closes the connection pool.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.shutdown)
	})
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) processAuditQueue() {
	defer s.wg.Done()

	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	batch := make([]AuditEntry, 0, auditBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeAuditBatch(batch); err != nil {
			s.log.Error("", "", "failed to write audit batch", map[string]interface{}{
				"entries": len(batch),
				"error":   err.Error(),
			})
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= auditBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.shutdown:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case entry := <-s.queue:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) writeAuditBatch(entries []AuditEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO workflow_audit (id, intent_id, workflow_id, tenant_id, step, preview, ok, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, entry := range entries {
		if _, err := stmt.Exec(entry.ID, entry.IntentID, entry.WorkflowID, entry.TenantID,
			entry.Step, entry.Preview, entry.OK, entry.Timestamp); err != nil {
			s.log.Error(entry.TenantID, entry.IntentID, "failed to insert audit entry", map[string]interface{}{
				"step":  entry.Step,
				"error": err.Error(),
			})
		}
	}

	return tx.Commit()
}

// nullString converts an empty string to NULL for database insertion.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func createTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS workflow_audit (
		id VARCHAR(64) PRIMARY KEY,
		intent_id VARCHAR(64) NOT NULL,
		workflow_id VARCHAR(255) NOT NULL,
		tenant_id VARCHAR(255) NOT NULL,
		step VARCHAR(255) NOT NULL,
		preview TEXT,
		ok BOOLEAN NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_audit_intent ON workflow_audit(intent_id);
	CREATE INDEX IF NOT EXISTS idx_workflow_audit_tenant ON workflow_audit(tenant_id);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		amount_usd DECIMAL(12, 6) NOT NULL,
		reference VARCHAR(512),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_tenant ON ledger_entries(tenant_id);
	`

	_, err := db.Exec(query)
	return err
}

var (
	_ AuditStore = (*Store)(nil)
	_ Ledger     = (*Store)(nil)
)
