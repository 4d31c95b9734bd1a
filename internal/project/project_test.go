package project

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/BadgerOps/fieldsync/internal/config"
	"github.com/BadgerOps/fieldsync/internal/scheduler"
	"github.com/BadgerOps/fieldsync/internal/store"
	"github.com/BadgerOps/fieldsync/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Root = t.TempDir()
	cfg.HTTP.RetryCount = 1
	cfg.Projects = []config.ProjectConfig{{
		ID:             "demo",
		ServerURL:      serverURL,
		FormListPath:   "/formList",
		SubmissionPath: "/submission",
		FormUpdateMode: config.FormUpdateMatchExactly,
		AutoSend:       config.AutoSendWiFiOnly,
		Username:       "enumerator",
		Password:       "secret",
	}}
	return cfg
}

const birdsXML = `<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml">` +
	`<h:head><h:title>Birds</h:title><model><instance><data id="birds" version="3"/></instance>` +
	`<submission action="https://collect.example.org/birds"/></model></h:head><h:body/></h:html>`

func formServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "enumerator" || pass != "secret" {
			w.Header().Set("WWW-Authenticate", `Basic realm="collect"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/formList":
			sum := md5.Sum([]byte(birdsXML))
			fmt.Fprintf(w, `<xforms xmlns="http://openrosa.org/xforms/xformsList"><xform><formID>birds</formID>`+
				`<name>Birds</name><version>3</version><hash>md5:%s</hash><downloadUrl>%s/forms/birds.xml</downloadUrl></xform></xforms>`,
				hex.EncodeToString(sum[:]), srv.URL)
		case "/forms/birds.xml":
			_, _ = w.Write([]byte(birdsXML))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenCreatesLayout(t *testing.T) {
	cfg := testConfig(t, "https://collect.example.org")
	reg := NewRegistry(cfg, testLogger())
	t.Cleanup(func() { reg.Close() })

	sb, err := reg.Sandbox("demo")
	require.NoError(t, err)

	dir := filepath.Join(cfg.Storage.Root, "projects", "demo")
	assert.Equal(t, dir, sb.Dir)
	for _, sub := range []string{"forms", "instances", "cache"} {
		assert.DirExists(t, filepath.Join(dir, sub), sub)
	}
	assert.FileExists(t, filepath.Join(dir, "fieldsync.db"))

	again, err := reg.Sandbox("demo")
	require.NoError(t, err)
	assert.Same(t, sb, again)

	p, err := reg.Project("demo")
	require.NoError(t, err)
	assert.Same(t, sb.Task, p)
	assert.Equal(t, scheduler.NetworkWiFi, p.Settings.AutoSendNetwork)
	assert.Equal(t, config.FormUpdateMatchExactly, p.Settings.FormUpdateMode)
	assert.True(t, p.FormsLock.TryLock())
	p.FormsLock.Unlock()
	assert.FileExists(t, filepath.Join(dir, ".locks", "forms.lock"))
}

func TestRegistryUnknownProject(t *testing.T) {
	reg := NewRegistry(testConfig(t, ""), testLogger())

	_, err := reg.Project("missing")
	assert.ErrorIs(t, err, tasks.ErrUnknownProject)
	assert.Equal(t, []string{"demo"}, reg.IDs())
	assert.NoError(t, reg.Close())
}

func TestInstallIDSurvivesReopen(t *testing.T) {
	cfg := testConfig(t, "")

	reg := NewRegistry(cfg, testLogger())
	sb, err := reg.Sandbox("demo")
	require.NoError(t, err)
	first, err := sb.Store.InstallID()
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	reg = NewRegistry(cfg, testLogger())
	t.Cleanup(func() { reg.Close() })
	sb, err = reg.Sandbox("demo")
	require.NoError(t, err)
	second, err := sb.Store.InstallID()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTaskSettings(t *testing.T) {
	tests := []struct {
		autosend string
		want     scheduler.NetworkType
	}{
		{config.AutoSendOff, scheduler.NetworkNone},
		{"", scheduler.NetworkNone},
		{config.AutoSendWiFiOnly, scheduler.NetworkWiFi},
		{config.AutoSendCellularOnly, scheduler.NetworkCellular},
		{config.AutoSendWiFiAndCellular, scheduler.NetworkAny},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AutoSendNetwork(tt.autosend), tt.autosend)
	}

	settings := TaskSettings(config.ProjectConfig{
		FormUpdateMode:           config.FormUpdatePreviouslyDownloaded,
		PeriodicFormUpdatesCheck: config.EveryFifteenMinutes,
		AutomaticUpdate:          true,
	})
	assert.Equal(t, config.FormUpdatePreviouslyDownloaded, settings.FormUpdateMode)
	assert.Equal(t, "15m0s", settings.FormUpdatePeriod.String())
	assert.True(t, settings.AutomaticUpdate)
}

func TestDeviceNetwork(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Network = ""
	assert.Equal(t, scheduler.NetworkWiFi, DeviceNetwork(cfg).Current())
	cfg.Network = config.NetworkCellular
	assert.Equal(t, scheduler.NetworkCellular, DeviceNetwork(cfg).Current())
}

func TestMatchFormsThroughRegistry(t *testing.T) {
	srv := formServer(t)
	cfg := testConfig(t, srv.URL)
	reg := NewRegistry(cfg, testLogger())
	t.Cleanup(func() { reg.Close() })

	updater := tasks.NewFormsUpdater(reg, tasks.NewLogNotifier(testLogger()), testLogger())
	result, err := updater.MatchFormsWithServer(context.Background(), "demo")
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)

	sb, err := reg.Sandbox("demo")
	require.NoError(t, err)
	form, err := sb.Store.GetLatestFormByFormIDAndVersion("birds", "3")
	require.NoError(t, err)
	assert.Equal(t, "https://collect.example.org/birds", form.SubmissionURI)
	assert.FileExists(t, form.FormFilePath)
	assert.Equal(t, sb.FormsDir, filepath.Dir(form.FormFilePath))
}

func TestImportInstance(t *testing.T) {
	cfg := testConfig(t, "")
	reg := NewRegistry(cfg, testLogger())
	t.Cleanup(func() { reg.Close() })
	sb, err := reg.Sandbox("demo")
	require.NoError(t, err)

	_, err = sb.Store.SaveForm(&store.Form{
		FormID: "birds", Version: "3", MD5Hash: "abc", DisplayName: "Birds",
		FormFilePath: filepath.Join(sb.FormsDir, "Birds.xml"), SubmissionURI: "https://collect.example.org/birds",
	})
	require.NoError(t, err)

	src := t.TempDir()
	instPath := filepath.Join(src, "visit.xml")
	require.NoError(t, os.WriteFile(instPath, []byte(`<data id="birds" version="3"><meta><instanceID>uuid:1</instanceID></meta></data>`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "photo.jpg"), []byte("jpeg"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".DS_Store"), []byte("x"), 0644))

	inst, err := sb.ImportInstance(instPath)
	require.NoError(t, err)
	assert.NotZero(t, inst.ID)
	assert.Equal(t, store.StatusComplete, inst.Status)
	assert.Equal(t, "Birds", inst.DisplayName)
	assert.Equal(t, "https://collect.example.org/birds", inst.SubmissionURI)

	dir := filepath.Dir(inst.InstanceFilePath)
	assert.Equal(t, sb.InstancesDir, filepath.Dir(dir))
	assert.FileExists(t, inst.InstanceFilePath)
	assert.FileExists(t, filepath.Join(dir, "photo.jpg"))
	assert.NoFileExists(t, filepath.Join(dir, ".DS_Store"))

	stored, err := sb.Store.ListInstancesByStatus(store.StatusComplete)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestImportInstanceWithoutForm(t *testing.T) {
	cfg := testConfig(t, "")
	reg := NewRegistry(cfg, testLogger())
	t.Cleanup(func() { reg.Close() })
	sb, err := reg.Sandbox("demo")
	require.NoError(t, err)

	src := t.TempDir()
	path := filepath.Join(src, "visit.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<data id="trees"/>`), 0644))

	inst, err := sb.ImportInstance(path)
	require.NoError(t, err)
	assert.Equal(t, "trees", inst.DisplayName)
	assert.Empty(t, inst.SubmissionURI)

	require.NoError(t, os.WriteFile(path, []byte(`<data/>`), 0644))
	_, err = sb.ImportInstance(path)
	assert.ErrorContains(t, err, "root element has no id attribute")
	entries, err := os.ReadDir(sb.InstancesDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected instance leaves nothing behind")
}
