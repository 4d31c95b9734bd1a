package store

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// writeFormFiles creates a form XML file and media directory under dir
func writeFormFiles(t *testing.T, dir, name string) (string, string) {
	t.Helper()
	formPath := filepath.Join(dir, name+".xml")
	mediaPath := filepath.Join(dir, name+"-media")
	if err := os.WriteFile(formPath, []byte("<h:html/>"), 0644); err != nil {
		t.Fatalf("write form: %v", err)
	}
	if err := os.MkdirAll(mediaPath, 0755); err != nil {
		t.Fatalf("mkdir media: %v", err)
	}
	if err := os.WriteFile(filepath.Join(mediaPath, "a.png"), []byte("png"), 0644); err != nil {
		t.Fatalf("write media: %v", err)
	}
	return formPath, mediaPath
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}

	if store.logger == nil {
		t.Error("Expected logger to be initialized")
	}
}

func TestNewOnDiskReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fieldsync.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := New(dbPath, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	id, err := s.InstallID()
	if err != nil {
		t.Fatalf("InstallID() failed: %v", err)
	}
	s.Close()

	// Migrations must not re-run and the install id must survive
	s, err = New(dbPath, logger)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	again, err := s.InstallID()
	if err != nil {
		t.Fatalf("InstallID() failed: %v", err)
	}
	if again != id {
		t.Errorf("InstallID() = %q after reopen, want %q", again, id)
	}
}

func TestClose(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := store.ListSyncRuns("", 0); err == nil {
		t.Error("Expected error when using closed store, but got nil")
	}
}

func TestInstallID(t *testing.T) {
	s := newTestStore(t)

	id, err := s.InstallID()
	if err != nil {
		t.Fatalf("InstallID() failed: %v", err)
	}
	if !strings.HasPrefix(id, "collect:") {
		t.Errorf("InstallID() = %q, want collect: prefix", id)
	}

	again, _ := s.InstallID()
	if again != id {
		t.Errorf("InstallID() not stable: %q then %q", id, again)
	}
}

// ============================================================================
// SyncRun Tests
// ============================================================================

func TestCreateAndUpdateSyncRun(t *testing.T) {
	s := newTestStore(t)

	run := &SyncRun{
		Project:   "demo",
		Kind:      "auto_send",
		StartTime: time.Now(),
		Status:    "running",
	}
	if err := s.CreateSyncRun(run); err != nil {
		t.Fatalf("CreateSyncRun() failed: %v", err)
	}
	if run.ID == 0 {
		t.Fatal("Expected ID to be set after CreateSyncRun")
	}

	run.Status = "partial"
	run.Succeeded = 2
	run.Failed = 1
	run.EndTime = time.Now()
	run.ErrorMessage = "one instance failed"
	if err := s.UpdateSyncRun(run); err != nil {
		t.Fatalf("UpdateSyncRun() failed: %v", err)
	}

	runs, err := s.ListSyncRuns("auto_send", 0)
	if err != nil {
		t.Fatalf("ListSyncRuns() failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runs))
	}
	got := runs[0]
	if got.Status != "partial" || got.Succeeded != 2 || got.Failed != 1 {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.EndTime.IsZero() {
		t.Error("Expected EndTime to be set")
	}
}

func TestUpdateSyncRunNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateSyncRun(&SyncRun{ID: 99, StartTime: time.Now()})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateSyncRun() = %v, want ErrNotFound", err)
	}
}

func TestListSyncRunsOrderingAndLimit(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		run := &SyncRun{Project: "demo", Kind: "match_exactly", StartTime: base.Add(time.Duration(i) * time.Minute), Status: "success"}
		if err := s.CreateSyncRun(run); err != nil {
			t.Fatalf("CreateSyncRun() failed: %v", err)
		}
	}
	if err := s.CreateSyncRun(&SyncRun{Project: "demo", Kind: "auto_send", StartTime: base, Status: "success"}); err != nil {
		t.Fatalf("CreateSyncRun() failed: %v", err)
	}

	runs, err := s.ListSyncRuns("match_exactly", 2)
	if err != nil {
		t.Fatalf("ListSyncRuns() failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if !runs[0].StartTime.After(runs[1].StartTime) {
		t.Error("Expected newest run first")
	}

	all, _ := s.ListSyncRuns("", 0)
	if len(all) != 4 {
		t.Errorf("Expected 4 runs, got %d", len(all))
	}
}

// ============================================================================
// Form Tests
// ============================================================================

func TestSaveFormAndLookups(t *testing.T) {
	s := newTestStore(t)
	formPath, mediaPath := writeFormFiles(t, t.TempDir(), "birds")

	saved, err := s.SaveForm(&Form{
		FormID:        "birds",
		Version:       "2",
		MD5Hash:       "abc123",
		DisplayName:   "Birds",
		FormFilePath:  formPath,
		FormMediaPath: mediaPath,
		AutoDelete:    "false",
	})
	if err != nil {
		t.Fatalf("SaveForm() failed: %v", err)
	}
	if saved.ID == 0 {
		t.Fatal("Expected ID to be set")
	}

	byPath, err := s.GetFormByPath(formPath)
	if err != nil {
		t.Fatalf("GetFormByPath() failed: %v", err)
	}
	if byPath.ID != saved.ID || byPath.AutoDelete != "false" {
		t.Errorf("unexpected form by path: %+v", byPath)
	}

	byHash, err := s.GetFormByMD5("abc123")
	if err != nil {
		t.Fatalf("GetFormByMD5() failed: %v", err)
	}
	if byHash.FormID != "birds" || byHash.Version != "2" {
		t.Errorf("unexpected form by md5: %+v", byHash)
	}

	latest, err := s.GetLatestFormByFormIDAndVersion("birds", "2")
	if err != nil {
		t.Fatalf("GetLatestFormByFormIDAndVersion() failed: %v", err)
	}
	if latest.ID != saved.ID {
		t.Errorf("latest = %d, want %d", latest.ID, saved.ID)
	}

	if _, err := s.GetFormByMD5("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFormByMD5(missing) = %v, want ErrNotFound", err)
	}
}

func TestSaveFormRequiresMD5(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.SaveForm(&Form{FormID: "x", FormFilePath: "/tmp/x.xml"}); err == nil {
		t.Fatal("expected error for missing md5")
	}
}

func TestSaveFormDuplicateMD5ReturnsExisting(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	first, err := s.SaveForm(&Form{FormID: "birds", MD5Hash: "same", FormFilePath: filepath.Join(dir, "birds.xml")})
	if err != nil {
		t.Fatalf("SaveForm() failed: %v", err)
	}

	second, err := s.SaveForm(&Form{FormID: "birds", MD5Hash: "same", FormFilePath: filepath.Join(dir, "birds_2.xml")})
	if err != nil {
		t.Fatalf("SaveForm() duplicate failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate insert returned id %d, want existing %d", second.ID, first.ID)
	}
	if second.FormFilePath != first.FormFilePath {
		t.Errorf("duplicate insert returned path %q, want %q", second.FormFilePath, first.FormFilePath)
	}

	forms, _ := s.ListForms()
	if len(forms) != 1 {
		t.Errorf("Expected exactly 1 form row, got %d", len(forms))
	}
}

func TestSaveFormConcurrentSameMD5(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := s.SaveForm(&Form{
				FormID:       "birds",
				MD5Hash:      "race",
				FormFilePath: filepath.Join(dir, "birds_"+string(rune('a'+i))+".xml"),
			})
			if err != nil {
				t.Errorf("SaveForm() failed: %v", err)
				return
			}
			ids[i] = f.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent saves resolved to different rows: %v", ids)
		}
	}
	forms, _ := s.ListForms()
	if len(forms) != 1 {
		t.Errorf("Expected exactly 1 form row, got %d", len(forms))
	}
}

func TestUpdateForm(t *testing.T) {
	s := newTestStore(t)

	f, err := s.SaveForm(&Form{FormID: "birds", MD5Hash: "h1", FormFilePath: "/forms/birds.xml"})
	if err != nil {
		t.Fatalf("SaveForm() failed: %v", err)
	}

	now := time.Now()
	f.LastDetectedAttachmentsUpdateDate = &now
	f.LastDetectedFormVersionHash = "h2"
	if _, err := s.SaveForm(f); err != nil {
		t.Fatalf("SaveForm() update failed: %v", err)
	}

	got, _ := s.GetForm(f.ID)
	if got.LastDetectedAttachmentsUpdateDate == nil {
		t.Error("Expected attachments update date to be set")
	}
	if got.LastDetectedFormVersionHash != "h2" {
		t.Errorf("LastDetectedFormVersionHash = %q, want h2", got.LastDetectedFormVersionHash)
	}
}

func TestDeleteFormRemovesFiles(t *testing.T) {
	s := newTestStore(t)
	formPath, mediaPath := writeFormFiles(t, t.TempDir(), "birds")

	f, err := s.SaveForm(&Form{FormID: "birds", MD5Hash: "h", FormFilePath: formPath, FormMediaPath: mediaPath})
	if err != nil {
		t.Fatalf("SaveForm() failed: %v", err)
	}

	if err := s.DeleteForm(f.ID); err != nil {
		t.Fatalf("DeleteForm() failed: %v", err)
	}

	if _, err := os.Stat(formPath); !os.IsNotExist(err) {
		t.Error("Expected form file to be removed")
	}
	if _, err := os.Stat(mediaPath); !os.IsNotExist(err) {
		t.Error("Expected media dir to be removed")
	}
	if _, err := s.GetForm(f.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetForm() after delete = %v, want ErrNotFound", err)
	}
}

func TestSoftDeleteAndRestoreForm(t *testing.T) {
	s := newTestStore(t)
	formPath, mediaPath := writeFormFiles(t, t.TempDir(), "birds")

	f, err := s.SaveForm(&Form{FormID: "birds", MD5Hash: "h", FormFilePath: formPath, FormMediaPath: mediaPath})
	if err != nil {
		t.Fatalf("SaveForm() failed: %v", err)
	}

	if err := s.SoftDeleteForm(f.ID); err != nil {
		t.Fatalf("SoftDeleteForm() failed: %v", err)
	}

	got, _ := s.GetForm(f.ID)
	if !got.IsDeleted() {
		t.Error("Expected form to be marked deleted")
	}
	if _, err := os.Stat(formPath); !os.IsNotExist(err) {
		t.Error("Expected form file to be removed on soft delete")
	}

	if err := s.RestoreForm(f.ID); err != nil {
		t.Fatalf("RestoreForm() failed: %v", err)
	}
	got, _ = s.GetForm(f.ID)
	if got.IsDeleted() {
		t.Error("Expected form to be restored")
	}

	if err := s.RestoreForm(12345); !errors.Is(err, ErrNotFound) {
		t.Errorf("RestoreForm(missing) = %v, want ErrNotFound", err)
	}
}

func TestGetLatestFormPrefersNotDeleted(t *testing.T) {
	s := newTestStore(t)

	older, _ := s.SaveForm(&Form{FormID: "birds", Version: "1", MD5Hash: "a", FormFilePath: "/f/a.xml", DateAdded: time.Now().Add(-time.Hour)})
	newer, _ := s.SaveForm(&Form{FormID: "birds", Version: "1", MD5Hash: "b", FormFilePath: "/f/b.xml", DateAdded: time.Now()})
	if err := s.SoftDeleteForm(newer.ID); err != nil {
		t.Fatalf("SoftDeleteForm() failed: %v", err)
	}

	latest, err := s.GetLatestFormByFormIDAndVersion("birds", "1")
	if err != nil {
		t.Fatalf("GetLatestFormByFormIDAndVersion() failed: %v", err)
	}
	if latest.ID != older.ID {
		t.Errorf("latest = %d, want non-deleted %d", latest.ID, older.ID)
	}

	all, _ := s.ListFormsByFormID("birds")
	if len(all) != 2 {
		t.Errorf("ListFormsByFormID() returned %d, want 2", len(all))
	}
}

// ============================================================================
// Instance Tests
// ============================================================================

func TestInstanceLifecycle(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(t.TempDir(), "birds_2024-01-01")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	instancePath := filepath.Join(dir, "birds_2024-01-01.xml")
	if err := os.WriteFile(instancePath, []byte("<data/>"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	inst := &Instance{FormID: "birds", FormVersion: "2", InstanceFilePath: instancePath, Status: StatusComplete}
	if err := s.SaveInstance(inst); err != nil {
		t.Fatalf("SaveInstance() failed: %v", err)
	}
	if inst.ID == 0 {
		t.Fatal("Expected ID to be set")
	}

	if err := s.SaveInstance(&Instance{FormID: "birds", FormVersion: "2", InstanceFilePath: "/other.xml", Status: StatusIncomplete}); err != nil {
		t.Fatalf("SaveInstance() failed: %v", err)
	}

	pending, err := s.ListInstancesByStatus(StatusComplete, StatusSubmissionFailed)
	if err != nil {
		t.Fatalf("ListInstancesByStatus() failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != inst.ID {
		t.Fatalf("unexpected pending instances: %+v", pending)
	}

	count, err := s.CountInstancesByForm("birds", "2")
	if err != nil {
		t.Fatalf("CountInstancesByForm() failed: %v", err)
	}
	if count != 2 {
		t.Errorf("CountInstancesByForm() = %d, want 2", count)
	}

	if err := s.UpdateInstanceStatus(inst.ID, StatusSubmitted); err != nil {
		t.Fatalf("UpdateInstanceStatus() failed: %v", err)
	}
	got, _ := s.GetInstance(inst.ID)
	if got.Status != StatusSubmitted {
		t.Errorf("Status = %q, want %q", got.Status, StatusSubmitted)
	}

	if err := s.DeleteInstance(inst.ID); err != nil {
		t.Fatalf("DeleteInstance() failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("Expected instance directory to be removed")
	}
	if _, err := s.GetInstance(inst.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetInstance() after delete = %v, want ErrNotFound", err)
	}
}

func TestUpdateInstanceStatusNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateInstanceStatus(7, StatusSubmitted); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateInstanceStatus() = %v, want ErrNotFound", err)
	}
}
