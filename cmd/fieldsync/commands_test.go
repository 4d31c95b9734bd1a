package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/BadgerOps/fieldsync/internal/config"
	"github.com/BadgerOps/fieldsync/internal/formsync"
	"github.com/BadgerOps/fieldsync/internal/project"
	"github.com/BadgerOps/fieldsync/internal/store"
	"github.com/spf13/cobra"
)

const testFormXML = `<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml">` +
	`<h:head><h:title>Birds</h:title><model><instance><data id="birds" version="1"/></instance></model></h:head>` +
	`<h:body/></h:html>`

// openRosaServer serves one form and accepts submissions only with
// the enumerator's credentials
type openRosaServer struct {
	*httptest.Server
	mu    sync.Mutex
	posts int
}

func newOpenRosaServer(t *testing.T) *openRosaServer {
	t.Helper()
	s := &openRosaServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/formList":
			sum := md5.Sum([]byte(testFormXML))
			fmt.Fprintf(w, `<xforms xmlns="http://openrosa.org/xforms/xformsList"><xform><formID>birds</formID>`+
				`<name>Birds</name><version>1</version><hash>md5:%s</hash><downloadUrl>%s/forms/birds.xml</downloadUrl></xform></xforms>`,
				hex.EncodeToString(sum[:]), s.URL)
		case r.URL.Path == "/forms/birds.xml":
			_, _ = w.Write([]byte(testFormXML))
		case r.URL.Path == "/submission":
			if user, pass, ok := r.BasicAuth(); !ok || user != "enumerator" || pass != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			s.mu.Lock()
			s.posts++
			s.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`<OpenRosaResponse><message>Full submission upload was successful!</message></OpenRosaResponse>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *openRosaServer) postCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts
}

// useConfig installs cfg and a registry over it as the command globals
func useConfig(t *testing.T, cfg *config.Config) {
	t.Helper()

	origCfg, origRegistry, origLogger := globalCfg, globalRegistry, logger
	origProject, origQuiet := projectID, quiet

	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	globalCfg = cfg
	globalRegistry = project.NewRegistry(cfg, logger)
	projectID = ""
	quiet = true

	t.Cleanup(func() {
		closeRegistry()
		globalCfg, globalRegistry, logger = origCfg, origRegistry, origLogger
		projectID, quiet = origProject, origQuiet
	})
}

func testConfig(t *testing.T, serverURL string, ids ...string) *config.Config {
	t.Helper()
	if len(ids) == 0 {
		ids = []string{"demo"}
	}
	cfg := config.DefaultConfig()
	cfg.Storage.Root = t.TempDir()
	cfg.HTTP.RetryCount = 1
	for _, id := range ids {
		cfg.Projects = append(cfg.Projects, config.ProjectConfig{
			ID:             id,
			ServerURL:      serverURL,
			FormListPath:   "/formList",
			SubmissionPath: "/submission",
			FormUpdateMode: config.FormUpdateManual,
			AutoSend:       config.AutoSendOff,
		})
	}
	return cfg
}

func testCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	return cmd
}

func TestSelectProject(t *testing.T) {
	useConfig(t, testConfig(t, "", "a", "b"))

	if _, err := selectProject(); err == nil || !strings.Contains(err.Error(), "--project") {
		t.Fatalf("selectProject() = %v, want error asking for --project", err)
	}

	projectID = "b"
	sb, err := selectProject()
	if err != nil {
		t.Fatalf("selectProject() returned error: %v", err)
	}
	if sb.Config.ID != "b" {
		t.Errorf("selected project %q, want %q", sb.Config.ID, "b")
	}

	projectID = "c"
	if _, err := selectProject(); err == nil {
		t.Fatal("expected error for unknown project")
	}
}

func TestFormsSyncThenList(t *testing.T) {
	srv := newOpenRosaServer(t)
	useConfig(t, testConfig(t, srv.URL))

	out := captureStdout(t, func() {
		if err := formsSyncRun(testCmd(), nil); err != nil {
			t.Fatalf("formsSyncRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Birds - Success") || !strings.Contains(out, "Downloaded 1 form(s), removed 0.") {
		t.Fatalf("unexpected sync output: %s", out)
	}

	out = captureStdout(t, func() {
		if err := formsListRun(testCmd(), nil); err != nil {
			t.Fatalf("formsListRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "birds") || !strings.Contains(out, "Birds") {
		t.Fatalf("expected form in list output, got: %s", out)
	}

	formsListServer = true
	t.Cleanup(func() { formsListServer = false })
	out = captureStdout(t, func() {
		if err := formsListRun(testCmd(), nil); err != nil {
			t.Fatalf("formsListRun --server returned error: %v", err)
		}
	})
	if !strings.Contains(out, "up to date") {
		t.Fatalf("expected server form to be up to date, got: %s", out)
	}
}

func TestFormsDownloadUnknownForm(t *testing.T) {
	srv := newOpenRosaServer(t)
	useConfig(t, testConfig(t, srv.URL))

	err := formsDownloadRun(testCmd(), []string{"trees"})
	if err == nil || !strings.Contains(err.Error(), "not on the server") {
		t.Fatalf("formsDownloadRun = %v, want unknown form error", err)
	}
}

func TestSelectForms(t *testing.T) {
	details := []formsync.ServerFormDetails{
		{FormID: "birds", IsNotOnDevice: true},
		{FormID: "trees"},
		{FormID: "fish", IsUpdated: true},
	}

	all, err := selectForms(details, nil, true)
	if err != nil {
		t.Fatalf("selectForms returned error: %v", err)
	}
	if len(all) != 2 || all[0].FormID != "birds" || all[1].FormID != "fish" {
		t.Fatalf("selectForms(all) = %+v, want birds and fish", all)
	}

	named, err := selectForms(details, []string{"trees"}, false)
	if err != nil || len(named) != 1 || named[0].FormID != "trees" {
		t.Fatalf("selectForms(trees) = %+v, %v", named, err)
	}
}

func TestInstanceFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "visit1")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "other.xml"), "<data/>")

	got, err := instanceFile(dir)
	if err != nil || got != filepath.Join(dir, "other.xml") {
		t.Fatalf("instanceFile(single xml) = %q, %v", got, err)
	}

	writeFile(t, filepath.Join(dir, "visit1.xml"), "<data/>")
	got, err = instanceFile(dir)
	if err != nil || got != filepath.Join(dir, "visit1.xml") {
		t.Fatalf("instanceFile(named xml) = %q, %v", got, err)
	}

	if err := os.Remove(filepath.Join(dir, "visit1.xml")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "third.xml"), "<data/>")
	if _, err := instanceFile(dir); err == nil {
		t.Fatal("expected error for a directory with two XML files")
	}
}

func TestImportListAndSendWithPrompt(t *testing.T) {
	srv := newOpenRosaServer(t)
	useConfig(t, testConfig(t, srv.URL))

	src := filepath.Join(t.TempDir(), "visit1")
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(src, "visit1.xml"),
		`<data id="birds" version="1"><meta><instanceID>uuid:1</instanceID><instanceName>Visit 1</instanceName></meta></data>`)

	out := captureStdout(t, func() {
		if err := instancesImportRun(testCmd(), []string{src}); err != nil {
			t.Fatalf("instancesImportRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Visit 1") {
		t.Fatalf("unexpected import output: %s", out)
	}

	origRead, origTerm, origStdin := readPassword, isTerminal, os.Stdin
	t.Cleanup(func() { readPassword, isTerminal, os.Stdin = origRead, origTerm, origStdin })
	isTerminal = func(int) bool { return true }
	readPassword = func(int) ([]byte, error) { return []byte("secret"), nil }
	os.Stdin = stdinWith(t, "enumerator\n")

	sendAll = true
	t.Cleanup(func() { sendAll = false })
	out = captureStdout(t, func() {
		if err := sendRun(testCmd(), nil); err != nil {
			t.Fatalf("sendRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Visit 1 - Full submission upload was successful!") {
		t.Fatalf("expected success summary, got: %s", out)
	}
	if srv.postCount() != 1 {
		t.Errorf("server received %d submissions, want 1", srv.postCount())
	}

	instancesListStatus = store.StatusSubmitted
	t.Cleanup(func() { instancesListStatus = "" })
	out = captureStdout(t, func() {
		if err := instancesListRun(testCmd(), nil); err != nil {
			t.Fatalf("instancesListRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Visit 1") || !strings.Contains(out, store.StatusSubmitted) {
		t.Fatalf("expected submitted instance in list, got: %s", out)
	}
}

func TestSendWithoutTerminalReturnsAuthError(t *testing.T) {
	srv := newOpenRosaServer(t)
	useConfig(t, testConfig(t, srv.URL))

	sb, err := selectProject()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "visit.xml")
	writeFile(t, path, `<data id="birds" version="1"/>`)
	inst, err := sb.ImportInstance(path)
	if err != nil {
		t.Fatal(err)
	}

	origTerm := isTerminal
	t.Cleanup(func() { isTerminal = origTerm })
	isTerminal = func(int) bool { return false }

	captureStdout(t, func() {
		err = sendRun(testCmd(), []string{fmt.Sprint(inst.ID)})
	})
	if err == nil || !strings.Contains(err.Error(), "authentication requested") {
		t.Fatalf("sendRun = %v, want authentication error", err)
	}

	got, err := sb.Store.GetInstance(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusComplete {
		t.Errorf("status = %q, want %q", got.Status, store.StatusComplete)
	}
}

func TestPromptCredentials(t *testing.T) {
	origRead := readPassword
	t.Cleanup(func() { readPassword = origRead })

	readPassword = func(int) ([]byte, error) { return []byte("pw"), nil }
	var out bytes.Buffer
	creds, err := promptCredentials(bufio.NewReader(strings.NewReader("alice\n")), &out, "collect.example.org")
	if err != nil {
		t.Fatalf("promptCredentials returned error: %v", err)
	}
	if creds.Username != "alice" || creds.Password != "pw" {
		t.Errorf("credentials = %+v", creds)
	}
	if !strings.Contains(out.String(), "collect.example.org requires authentication") {
		t.Errorf("unexpected prompt: %q", out.String())
	}

	if _, err := promptCredentials(bufio.NewReader(strings.NewReader("\n")), &out, "h"); err == nil {
		t.Fatal("expected error for empty username")
	}

	readPassword = func(int) ([]byte, error) { return nil, errors.New("boom") }
	if _, err := promptCredentials(bufio.NewReader(strings.NewReader("alice\n")), &out, "h"); err == nil {
		t.Fatal("expected password read error")
	}
}

func TestStatusRun(t *testing.T) {
	srv := newOpenRosaServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Projects[0].Name = "Bird survey"
	useConfig(t, cfg)

	captureStdout(t, func() {
		if err := formsSyncRun(testCmd(), nil); err != nil {
			t.Fatalf("formsSyncRun returned error: %v", err)
		}
	})

	out := captureStdout(t, func() {
		if err := statusRun(testCmd(), nil); err != nil {
			t.Fatalf("statusRun returned error: %v", err)
		}
	})
	for _, want := range []string{"Project demo (Bird survey)", "Forms:       1 (0 deleted)", "match_exactly", "success"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigShowMasksPasswords(t *testing.T) {
	cfg := testConfig(t, "https://collect.example.org")
	cfg.Projects[0].Username = "enumerator"
	cfg.Projects[0].Password = "secret"
	useConfig(t, cfg)

	out := captureStdout(t, func() {
		if err := configShowRun(nil, nil); err != nil {
			t.Fatalf("configShowRun returned error: %v", err)
		}
	})
	if strings.Contains(out, "secret") {
		t.Fatalf("password leaked into output: %s", out)
	}
	if !strings.Contains(out, "enumerator") {
		t.Fatalf("expected username in output: %s", out)
	}
	if cfg.Projects[0].Password != "secret" {
		t.Fatal("configShowRun modified the loaded config")
	}
}

func TestConfigValidateRun(t *testing.T) {
	cfg := testConfig(t, "")
	useConfig(t, cfg)

	captureStdout(t, func() {
		if err := configValidateRun(nil, nil); err != nil {
			t.Fatalf("configValidateRun returned error: %v", err)
		}
	})

	cfg.Projects[0].AutoSend = "always"
	if err := configValidateRun(nil, nil); err == nil {
		t.Fatal("expected validation error")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func stdinWith(t *testing.T, input string) *os.File {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	if _, err := w.WriteString(input); err != nil {
		t.Fatal(err)
	}
	_ = w.Close()
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	done := make(chan []byte)
	go func() {
		data, _ := io.ReadAll(r)
		done <- data
	}()

	fn()

	_ = w.Close()
	data := <-done
	_ = r.Close()
	return string(data)
}
