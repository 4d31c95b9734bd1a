// Package formsync brings a project's local forms into agreement with the
// form list published by its server.
package formsync

import (
	"context"

	"github.com/BadgerOps/fieldsync/internal/download"
	"github.com/BadgerOps/fieldsync/internal/openrosa"
	"github.com/BadgerOps/fieldsync/internal/store"
)

// FormsRepository stores blank forms
type FormsRepository interface {
	GetFormByPath(path string) (*store.Form, error)
	GetFormByMD5(hash string) (*store.Form, error)
	ListForms() ([]store.Form, error)
	ListFormsByFormID(formID string) ([]store.Form, error)
	SaveForm(f *store.Form) (*store.Form, error)
	DeleteForm(id int64) error
	SoftDeleteForm(id int64) error
	RestoreForm(id int64) error
}

// InstanceCounter reports how many filled forms reference a form version
type InstanceCounter interface {
	CountInstancesByForm(formID, version string) (int, error)
}

// FormSource talks to the form server
type FormSource interface {
	FetchFormList(ctx context.Context) ([]openrosa.FormListItem, error)
	FetchManifest(ctx context.Context, manifestURL string) ([]openrosa.MediaFile, error)
	DownloadFile(ctx context.Context, fileURL, dest, hash string, progress download.ProgressFunc) (*download.DownloadResult, error)
}

// Staging writes files outside their final location and moves them in
type Staging interface {
	TempDir() (string, error)
	TempFile(pattern string) (string, error)
	WriteFile(path string, data []byte) error
	Move(src, dst string) error
	Copy(src, dst string) error
	Purge(path string)
	MD5(path string) (string, error)
}
