package repository

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vrtx-crm/be-automation/internal/database"
	"github.com/vrtx-crm/be-automation/internal/errors"
)

// RecordStore is the generic relational record store: one table per module,
// keyed by id. The automation core reads and writes records through this
// narrow surface only.
type RecordStore struct {
	db *database.DB
}

// NewRecordStore creates a new RecordStore.
func NewRecordStore(db *database.DB) *RecordStore {
	return &RecordStore{db: db}
}

// identRe limits dynamic table/column names to safe SQL identifiers. Module
// and field names come from stored configs, not request input, but they are
// still interpolated into SQL and get validated every time.
var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validIdent(name string) bool {
	return identRe.MatchString(name) && len(name) <= 63
}

// GetRecord loads a record as a field map. Returns NotFound when either the
// module table or the row is missing.
func (s *RecordStore) GetRecord(ctx context.Context, moduleID, recordID string) (map[string]any, error) {
	if !validIdent(moduleID) {
		return nil, errors.InvalidInput("module_id", "invalid module table name")
	}
	exists, err := s.db.TableExists(ctx, moduleID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to check module table")
	}
	if !exists {
		return nil, errors.NotFound("module", moduleID)
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT * FROM %q WHERE id = $1`, moduleID), recordID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to select record")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, errors.NotFound("record", recordID)
	}

	values, err := rows.Values()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read record values")
	}

	record := make(map[string]any, len(values))
	for i, fd := range rows.FieldDescriptions() {
		record[fd.Name] = values[i]
	}
	record["module_id"] = moduleID
	return record, nil
}

// UpdateField writes one field on a record. Returns false (with no error)
// when the table or column does not exist: callers surface that as a logged
// warning rather than failing the whole operation.
func (s *RecordStore) UpdateField(ctx context.Context, moduleID, recordID, field string, value any) (bool, error) {
	if !validIdent(moduleID) || !validIdent(field) {
		return false, errors.InvalidInput("field", "invalid module or field name")
	}
	ok, err := s.columnExists(ctx, moduleID, field)
	if err != nil || !ok {
		return false, err
	}

	tag, err := s.db.Exec(ctx,
		fmt.Sprintf(`UPDATE %q SET %q = $1, updated_at = NOW() WHERE id = $2`, moduleID, field),
		value, recordID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update record field")
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateFieldTx is UpdateField inside an existing transaction. Used by the
// transition executor so the field write and the state pointer move commit
// together.
func (s *RecordStore) UpdateFieldTx(ctx context.Context, tx pgx.Tx, moduleID, recordID, field string, value any) (bool, error) {
	if !validIdent(moduleID) || !validIdent(field) {
		return false, errors.InvalidInput("field", "invalid module or field name")
	}
	ok, err := s.columnExists(ctx, moduleID, field)
	if err != nil || !ok {
		return false, err
	}

	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %q SET %q = $1, updated_at = NOW() WHERE id = $2`, moduleID, field),
		value, recordID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update record field")
	}
	return tag.RowsAffected() > 0, nil
}

// InsertRecord inserts a new row into a module table and returns its id.
// Unknown columns in values are dropped rather than failing the insert.
func (s *RecordStore) InsertRecord(ctx context.Context, moduleID string, values map[string]any) (string, error) {
	if !validIdent(moduleID) {
		return "", errors.InvalidInput("module_id", "invalid module table name")
	}
	exists, err := s.db.TableExists(ctx, moduleID)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to check module table")
	}
	if !exists {
		return "", errors.NotFound("module", moduleID)
	}

	id := uuid.NewString()
	columns := []string{"id"}
	args := []any{id}
	for field, value := range values {
		if field == "id" || !validIdent(field) {
			continue
		}
		ok, err := s.columnExists(ctx, moduleID, field)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		columns = append(columns, field)
		args = append(args, value)
	}

	columnSQL := ""
	placeholderSQL := ""
	for i, col := range columns {
		if i > 0 {
			columnSQL += ", "
			placeholderSQL += ", "
		}
		columnSQL += fmt.Sprintf("%q", col)
		placeholderSQL += fmt.Sprintf("$%d", i+1)
	}

	_, err = s.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`, moduleID, columnSQL, placeholderSQL),
		args...)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to insert record")
	}
	return id, nil
}

// DeleteRecord removes a row from a module table.
func (s *RecordStore) DeleteRecord(ctx context.Context, moduleID, recordID string) error {
	if !validIdent(moduleID) {
		return errors.InvalidInput("module_id", "invalid module table name")
	}
	tag, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = $1`, moduleID), recordID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete record")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("record", recordID)
	}
	return nil
}

// AddTag attaches a tag to a record, idempotently.
func (s *RecordStore) AddTag(ctx context.Context, moduleID, recordID, tag string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO record_tags (id, module_id, record_id, tag)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (module_id, record_id, tag) DO NOTHING
	`, uuid.NewString(), moduleID, recordID, tag)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to add tag")
	}
	return nil
}

// RemoveTag detaches a tag from a record. Removing an absent tag is a no-op.
func (s *RecordStore) RemoveTag(ctx context.Context, moduleID, recordID, tag string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM record_tags
		WHERE module_id = $1 AND record_id = $2 AND tag = $3
	`, moduleID, recordID, tag)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to remove tag")
	}
	return nil
}

// Tags lists a record's tags.
func (s *RecordStore) Tags(ctx context.Context, moduleID, recordID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tag FROM record_tags
		WHERE module_id = $1 AND record_id = $2
		ORDER BY tag ASC
	`, moduleID, recordID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list tags")
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan tag")
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// RelatedCount counts rows in a related module table pointing at a record
// through a foreign key column.
func (s *RecordStore) RelatedCount(ctx context.Context, relatedModuleID, fkColumn, recordID string) (int, error) {
	if !validIdent(relatedModuleID) || !validIdent(fkColumn) {
		return 0, errors.InvalidInput("related", "invalid module or column name")
	}
	ok, err := s.columnExists(ctx, relatedModuleID, fkColumn)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var count int
	err = s.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE %q = $1`, relatedModuleID, fkColumn),
		recordID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count related records")
	}
	return count, nil
}

func (s *RecordStore) columnExists(ctx context.Context, table, column string) (bool, error) {
	exists, err := s.db.TableExists(ctx, table)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check module table")
	}
	if !exists {
		return false, nil
	}
	ok, err := s.db.ColumnExists(ctx, table, column)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check module column")
	}
	return ok, nil
}
