package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vrtx-crm/be-automation/internal/database"
	"github.com/vrtx-crm/be-automation/internal/errors"
)

// AuditRepository appends and reads immutable automation audit log entries.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry. The table has a delete-prevention trigger
// so this is the only mutation operation exposed.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	entry.ID = uuid.NewString()
	query := `
		INSERT INTO automation_audit_log
		    (id, record_id, module_id, execution_id, request_id,
		     action, performed_by, status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING performed_at
	`
	return r.db.QueryRow(ctx, query,
		entry.ID, entry.RecordID, entry.ModuleID, entry.ExecutionID, entry.RequestID,
		entry.Action, entry.PerformedBy, entry.StatusBefore, entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.PerformedAt)
}

// GetByRecordID returns the full audit trail for a record ordered oldest-first.
func (r *AuditRepository) GetByRecordID(ctx context.Context, moduleID, recordID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, record_id, module_id, execution_id, request_id,
		       action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM automation_audit_log
		WHERE module_id = $1 AND record_id = $2
		ORDER BY performed_at ASC
	`
	rows, err := r.db.Query(ctx, query, moduleID, recordID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// GetByExecutionID returns all audit entries for a specific execution.
func (r *AuditRepository) GetByExecutionID(ctx context.Context, executionID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, record_id, module_id, execution_id, request_id,
		       action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM automation_audit_log
		WHERE execution_id = $1
		ORDER BY performed_at ASC
	`
	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get execution audit log")
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanAuditRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte
		err := rows.Scan(
			&entry.ID, &entry.RecordID, &entry.ModuleID, &entry.ExecutionID, &entry.RequestID,
			&entry.Action, &entry.PerformedBy, &entry.PerformedAt,
			&entry.StatusBefore, &entry.StatusAfter, &metadataJSON,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
