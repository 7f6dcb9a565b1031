package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nclbk/internal/config"
	"nclbk/internal/domain"
)

const apiPrefix = "/index.php/apps/bookmarks/public/rest/v2"

type nextcloudStub struct {
	server  *httptest.Server
	mu      sync.Mutex
	deleted []string
}

func newNextcloudStub(t *testing.T, bookmarks string) *nextcloudStub {
	t.Helper()
	stub := &nextcloudStub{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+apiPrefix+"/tag", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`["zeta","alpha","video"]`))
	})
	mux.HandleFunc("GET "+apiPrefix+"/bookmark", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(bookmarks))
	})
	mux.HandleFunc("DELETE "+apiPrefix+"/bookmark/{id}", func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.deleted = append(stub.deleted, r.PathValue("id"))
		stub.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"success"}`))
	})

	stub.server = httptest.NewServer(mux)
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *nextcloudStub) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

const twoBookmarks = `{"status":"success","data":[
	{"id":1,"url":"https://a.example/","title":"A","tags":["video"]},
	{"id":2,"url":"https://b.example/","title":"B","tags":["video"]}
]}`

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	t.Setenv("NCLBK_BASE_URL", "")
	t.Setenv("NCLBK_AUTH_ID", "")
	t.Setenv("NCLBK_AUTH_SECRET", "")

	content := fmt.Sprintf(`remote:
  base_url: %s
  auth_id: dan
  auth_secret: secret
  rate_limit: -1
  retry:
    max_attempts: 1
log_level: error
`, baseURL)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer

	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestTagsCommand(t *testing.T) {
	stub := newNextcloudStub(t, twoBookmarks)
	cfgPath := writeConfig(t, stub.server.URL)

	out, err := execute(t, "tags", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "alpha\nvideo\nzeta\n", out)
}

func TestSyncCommand_DryRunByDefault(t *testing.T) {
	stub := newNextcloudStub(t, twoBookmarks)
	cfgPath := writeConfig(t, stub.server.URL)

	out, err := execute(t, "sync", "--config", cfgPath, "--tag", "video", "--json")
	require.NoError(t, err)

	var report domain.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "dan@"+strings.TrimPrefix(stub.server.URL, "http://"), report.Account)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 2, report.Kept)
	assert.Equal(t, 2, report.ArchiveSkipped)
	assert.Empty(t, stub.deletedIDs())
}

func TestSyncCommand_ArchivesThenRemoves(t *testing.T) {
	stub := newNextcloudStub(t, twoBookmarks)
	cfgPath := writeConfig(t, stub.server.URL)

	outputDir := filepath.Join(t.TempDir(), "archive")
	script := writeScript(t, `echo "$2" >> urls.txt`)

	out, err := execute(t, "sync", "--config", cfgPath,
		"--download", "--command", script,
		"--output-dir", outputDir,
		"--remove",
	)
	require.NoError(t, err)

	assert.Contains(t, out, "deleted:        2")
	assert.ElementsMatch(t, []string{"1", "2"}, stub.deletedIDs())

	urls, err := os.ReadFile(filepath.Join(outputDir, "urls.txt"))
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/\nhttps://b.example/\n", string(urls))
}

func TestSyncCommand_ArchiveFailureKeepsBookmark(t *testing.T) {
	stub := newNextcloudStub(t, twoBookmarks)
	cfgPath := writeConfig(t, stub.server.URL)

	script := writeScript(t, `case "$2" in *a.example*) exit 1;; esac`)

	out, err := execute(t, "sync", "--config", cfgPath,
		"--download", "--command", script,
		"--output-dir", t.TempDir(),
		"--remove",
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"2"}, stub.deletedIDs())
	assert.Contains(t, out, "archive failed: 1")
	assert.Contains(t, out, "#1 https://a.example/ archive_failed: archive command exited with status 1")
}

func TestSyncCommand_FetchErrorFails(t *testing.T) {
	stub := newNextcloudStub(t, `{"status":"error","data":[]}`)
	cfgPath := writeConfig(t, stub.server.URL)

	out, err := execute(t, "sync", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch bookmarks")
	assert.Empty(t, out)
}

func TestSyncCommand_InvalidConfig(t *testing.T) {
	cfgPath := writeConfig(t, "")

	_, err := execute(t, "sync", "--config", cfgPath)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestSyncCommand_ExplicitConfigMustExist(t *testing.T) {
	_, err := execute(t, "sync", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestWatchCommand_RejectsNonPositiveInterval(t *testing.T) {
	stub := newNextcloudStub(t, twoBookmarks)
	cfgPath := writeConfig(t, stub.server.URL)

	_, err := execute(t, "watch", "--config", cfgPath, "--interval=-1s")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "nclbk version dev\n", out)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer

	setupLogger(&buf, "warn", "json").Info("hidden")
	assert.Empty(t, buf.String())

	setupLogger(&buf, "debug", "json").Debug("visible", "key", "value")
	assert.Contains(t, buf.String(), `"msg":"visible"`)
	assert.Contains(t, buf.String(), `"key":"value"`)

	buf.Reset()
	setupLogger(&buf, "info", "text").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
