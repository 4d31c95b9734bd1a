package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const instanceColumns = `
	id, form_id, form_version, display_name, instance_file_path, submission_uri,
	status, last_status_change_date, deleted_date
`

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var deleted sql.NullTime
	err := row.Scan(
		&inst.ID, &inst.FormID, &inst.FormVersion, &inst.DisplayName, &inst.InstanceFilePath,
		&inst.SubmissionURI, &inst.Status, &inst.LastStatusChangeDate, &deleted,
	)
	if err != nil {
		return nil, err
	}
	inst.DeletedDate = timePtr(deleted)
	return inst, nil
}

// GetInstance retrieves an Instance by ID
func (s *Store) GetInstance(id int64) (*Instance, error) {
	inst, err := scanInstance(s.db.QueryRow("SELECT "+instanceColumns+" FROM instances WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("instance %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query instance: %w", err)
	}
	return inst, nil
}

// ListInstancesByStatus retrieves non-deleted instances in any of the given
// statuses, oldest status change first
func (s *Store) ListInstancesByStatus(statuses ...string) ([]Instance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	query := "SELECT " + instanceColumns + " FROM instances WHERE deleted_date IS NULL AND status IN (" +
		placeholders + ") ORDER BY last_status_change_date, id"

	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, *inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

// CountInstancesByForm counts non-deleted instances of a form version
func (s *Store) CountInstancesByForm(formID, version string) (int, error) {
	const query = "SELECT COUNT(*) FROM instances WHERE form_id = ? AND form_version = ? AND deleted_date IS NULL"

	var count int
	if err := s.db.QueryRow(query, formID, version).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return count, nil
}

// SaveInstance inserts a new instance, or updates it when ID is set
func (s *Store) SaveInstance(inst *Instance) error {
	if inst.LastStatusChangeDate.IsZero() {
		inst.LastStatusChangeDate = time.Now()
	}

	if inst.ID != 0 {
		const query = `
			UPDATE instances SET
				form_id = ?, form_version = ?, display_name = ?, instance_file_path = ?,
				submission_uri = ?, status = ?, last_status_change_date = ?, deleted_date = ?
			WHERE id = ?
		`
		result, err := s.db.Exec(
			query,
			inst.FormID, inst.FormVersion, inst.DisplayName, inst.InstanceFilePath,
			inst.SubmissionURI, inst.Status, inst.LastStatusChangeDate, nullTimePtr(inst.DeletedDate), inst.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update instance: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("instance %d: %w", inst.ID, ErrNotFound)
		}
		return nil
	}

	const query = `
		INSERT INTO instances (
			form_id, form_version, display_name, instance_file_path, submission_uri,
			status, last_status_change_date, deleted_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		inst.FormID, inst.FormVersion, inst.DisplayName, inst.InstanceFilePath, inst.SubmissionURI,
		inst.Status, inst.LastStatusChangeDate, nullTimePtr(inst.DeletedDate),
	)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	inst.ID = id
	return nil
}

// UpdateInstanceStatus sets an instance's status and status change date
func (s *Store) UpdateInstanceStatus(id int64, status string) error {
	result, err := s.db.Exec(
		"UPDATE instances SET status = ?, last_status_change_date = ? WHERE id = ?",
		status, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteInstance deletes an instance's row and its instance directory
func (s *Store) DeleteInstance(id int64) error {
	inst, err := s.GetInstance(id)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec("DELETE FROM instances WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	if inst.InstanceFilePath != "" {
		dir := filepath.Dir(inst.InstanceFilePath)
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove instance directory", "path", dir, "error", err)
		}
	}
	return nil
}
