package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"
)

const formColumns = `
	id, form_id, version, md5_hash, display_name, form_file_path, form_media_path,
	jr_cache_file_path, submission_uri, base64_rsa_public_key, auto_send, auto_delete,
	date_added, deleted_date, last_detected_attachments_update_date, last_detected_form_version_hash
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanForm(row rowScanner) (*Form, error) {
	f := &Form{}
	var deleted, attachments sql.NullTime
	err := row.Scan(
		&f.ID, &f.FormID, &f.Version, &f.MD5Hash, &f.DisplayName, &f.FormFilePath, &f.FormMediaPath,
		&f.JrCacheFilePath, &f.SubmissionURI, &f.Base64RSAPublicKey, &f.AutoSend, &f.AutoDelete,
		&f.DateAdded, &deleted, &attachments, &f.LastDetectedFormVersionHash,
	)
	if err != nil {
		return nil, err
	}
	f.DeletedDate = timePtr(deleted)
	f.LastDetectedAttachmentsUpdateDate = timePtr(attachments)
	return f, nil
}

func (s *Store) queryForm(what string, query string, args ...interface{}) (*Form, error) {
	f, err := scanForm(s.db.QueryRow(query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("form %s: %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query form: %w", err)
	}
	return f, nil
}

func (s *Store) queryForms(query string, args ...interface{}) ([]Form, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query forms: %w", err)
	}
	defer rows.Close()

	var forms []Form
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan form: %w", err)
		}
		forms = append(forms, *f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating forms: %w", err)
	}

	return forms, nil
}

// GetForm retrieves a Form by ID
func (s *Store) GetForm(id int64) (*Form, error) {
	return s.queryForm(fmt.Sprintf("%d", id), "SELECT "+formColumns+" FROM forms WHERE id = ?", id)
}

// GetFormByPath retrieves a Form by the absolute path of its XML file
func (s *Store) GetFormByPath(path string) (*Form, error) {
	return s.queryForm(path, "SELECT "+formColumns+" FROM forms WHERE form_file_path = ?", path)
}

// GetFormByMD5 retrieves a Form by the md5 of its XML content
func (s *Store) GetFormByMD5(hash string) (*Form, error) {
	return s.queryForm("md5 "+hash, "SELECT "+formColumns+" FROM forms WHERE md5_hash = ?", hash)
}

// GetLatestFormByFormIDAndVersion returns the newest form with the given
// formId and version, preferring forms that are not deleted
func (s *Store) GetLatestFormByFormIDAndVersion(formID, version string) (*Form, error) {
	const query = "SELECT " + formColumns + ` FROM forms
		WHERE form_id = ? AND version = ?
		ORDER BY deleted_date IS NOT NULL, date_added DESC, id DESC
		LIMIT 1`
	return s.queryForm(formID+" "+version, query, formID, version)
}

// ListForms retrieves all forms, including soft-deleted ones
func (s *Store) ListForms() ([]Form, error) {
	return s.queryForms("SELECT " + formColumns + " FROM forms ORDER BY id")
}

// ListFormsByFormID retrieves all forms sharing a formId, including soft-deleted ones
func (s *Store) ListFormsByFormID(formID string) ([]Form, error) {
	return s.queryForms("SELECT "+formColumns+" FROM forms WHERE form_id = ? ORDER BY date_added DESC, id DESC", formID)
}

// SaveForm inserts a new form, or updates it when ID is set.
// Inserting a form whose md5 already exists is a no-op that returns the
// existing row, so callers must compare the returned form with their own.
func (s *Store) SaveForm(f *Form) (*Form, error) {
	if f.MD5Hash == "" {
		return nil, fmt.Errorf("form %q: md5 hash is required", f.FormID)
	}

	if f.ID != 0 {
		return f, s.updateForm(f)
	}

	if f.DateAdded.IsZero() {
		f.DateAdded = time.Now()
	}

	const query = `
		INSERT INTO forms (
			form_id, version, md5_hash, display_name, form_file_path, form_media_path,
			jr_cache_file_path, submission_uri, base64_rsa_public_key, auto_send, auto_delete,
			date_added, deleted_date, last_detected_attachments_update_date, last_detected_form_version_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(md5_hash) DO NOTHING
	`

	result, err := s.db.Exec(
		query,
		f.FormID, f.Version, f.MD5Hash, f.DisplayName, f.FormFilePath, f.FormMediaPath,
		f.JrCacheFilePath, f.SubmissionURI, f.Base64RSAPublicKey, f.AutoSend, f.AutoDelete,
		f.DateAdded, nullTimePtr(f.DeletedDate), nullTimePtr(f.LastDetectedAttachmentsUpdateDate),
		f.LastDetectedFormVersionHash,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert form: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		s.logger.Debug("form with identical content already stored", "form_id", f.FormID, "md5", f.MD5Hash)
		return s.GetFormByMD5(f.MD5Hash)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}

	saved := *f
	saved.ID = id
	return &saved, nil
}

func (s *Store) updateForm(f *Form) error {
	const query = `
		UPDATE forms SET
			form_id = ?, version = ?, md5_hash = ?, display_name = ?, form_file_path = ?,
			form_media_path = ?, jr_cache_file_path = ?, submission_uri = ?, base64_rsa_public_key = ?,
			auto_send = ?, auto_delete = ?, deleted_date = ?,
			last_detected_attachments_update_date = ?, last_detected_form_version_hash = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		f.FormID, f.Version, f.MD5Hash, f.DisplayName, f.FormFilePath,
		f.FormMediaPath, f.JrCacheFilePath, f.SubmissionURI, f.Base64RSAPublicKey,
		f.AutoSend, f.AutoDelete, nullTimePtr(f.DeletedDate),
		nullTimePtr(f.LastDetectedAttachmentsUpdateDate), f.LastDetectedFormVersionHash, f.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update form: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("form %d: %w", f.ID, ErrNotFound)
	}
	return nil
}

// DeleteForm deletes a form's row together with its XML, media and cache files
func (s *Store) DeleteForm(id int64) error {
	f, err := s.GetForm(id)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec("DELETE FROM forms WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete form: %w", err)
	}

	s.removeFormFiles(f)
	return nil
}

// SoftDeleteForm marks a form deleted and removes its files. The row is kept
// so the form can be restored when the same content is seen again.
func (s *Store) SoftDeleteForm(id int64) error {
	f, err := s.GetForm(id)
	if err != nil {
		return err
	}

	result, err := s.db.Exec("UPDATE forms SET deleted_date = ? WHERE id = ?", time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to soft delete form: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("form %d: %w", id, ErrNotFound)
	}

	s.removeFormFiles(f)
	return nil
}

// RestoreForm clears the deleted date of a soft-deleted form
func (s *Store) RestoreForm(id int64) error {
	result, err := s.db.Exec("UPDATE forms SET deleted_date = NULL WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to restore form: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("form %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) removeFormFiles(f *Form) {
	for _, p := range []string{f.FormFilePath, f.JrCacheFilePath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove form file", "path", p, "error", err)
		}
	}
	if f.FormMediaPath != "" {
		if err := os.RemoveAll(f.FormMediaPath); err != nil {
			s.logger.Warn("failed to remove form media", "path", f.FormMediaPath, "error", err)
		}
	}
}
