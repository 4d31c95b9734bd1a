package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/fieldsync/internal/openrosa"
	"github.com/BadgerOps/fieldsync/internal/store"
	"github.com/google/uuid"
)

// ImportInstance copies a finalized instance file, and the attachments next
// to it, into the project's instances directory and records it as complete.
// The instance takes the submission URL of the form it belongs to.
func (s *Sandbox) ImportInstance(path string) (*store.Instance, error) {
	meta, err := openrosa.ReadInstanceMetadata(path)
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(s.InstancesDir, meta.FormID+"_"+uuid.NewString())
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, fmt.Errorf("failed to create instance directory: %w", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		_ = os.RemoveAll(dest)
		return nil, fmt.Errorf("failed to read instance directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		src := filepath.Join(filepath.Dir(path), e.Name())
		if err := s.Staging.Copy(src, filepath.Join(dest, e.Name())); err != nil {
			_ = os.RemoveAll(dest)
			return nil, err
		}
	}

	inst := &store.Instance{
		FormID:           meta.FormID,
		FormVersion:      meta.Version,
		DisplayName:      meta.InstanceName,
		InstanceFilePath: filepath.Join(dest, filepath.Base(path)),
		Status:           store.StatusComplete,
	}

	form, err := s.Store.GetLatestFormByFormIDAndVersion(meta.FormID, meta.Version)
	switch {
	case err == nil:
		inst.SubmissionURI = form.SubmissionURI
		if inst.DisplayName == "" {
			inst.DisplayName = form.DisplayName
		}
	case !errors.Is(err, store.ErrNotFound):
		_ = os.RemoveAll(dest)
		return nil, err
	}
	if inst.DisplayName == "" {
		inst.DisplayName = meta.FormID
	}

	if err := s.Store.SaveInstance(inst); err != nil {
		_ = os.RemoveAll(dest)
		return nil, err
	}
	return inst, nil
}
