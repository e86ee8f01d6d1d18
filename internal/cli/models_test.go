package cli

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeConfigWithStoreDir(t *testing.T, storeDir string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	assert.NoError(t, os.WriteFile(path, []byte("store_dir = \""+storeDir+"\"\n"), 0o600))
	withConfigPath(t, path)
}

func writeConfigWithDebugAddress(t *testing.T, addr string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	assert.NoError(t, os.WriteFile(path, []byte("debug_address = \""+addr+"\"\n"), 0o600))
	withConfigPath(t, path)
}

func TestModelsListFindsManifestOnDisk(t *testing.T) {
	storeDir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(storeDir, "llama.manifest"), []byte("{}"), 0o600))
	writeConfigWithStoreDir(t, storeDir)

	out := captureStdout(t, func() {
		err := runModelsList(nil, nil)
		assert.NoError(t, err)
	})
	assert.Contains(t, out, "llama")
}

func TestModelsInfoReportsMissingManifest(t *testing.T) {
	storeDir := t.TempDir()
	writeConfigWithStoreDir(t, storeDir)

	err := runModelsInfo(nil, []string{"ghost"})
	assert.Error(t, err)
	var ec exitCoder
	assert.ErrorAs(t, err, &ec)
	assert.Equal(t, ExitUnhealthy, ec.ExitCode())
}

func TestModelsInfoPrintsDiscoveredManifest(t *testing.T) {
	storeDir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(storeDir, "llama.manifest"), []byte("{}"), 0o600))
	writeConfigWithStoreDir(t, storeDir)

	// ScanManifests populates the manifests table that GetManifest reads.
	assert.NoError(t, runModelsList(nil, nil))

	out := captureStdout(t, func() {
		err := runModelsInfo(nil, []string{"llama"})
		assert.NoError(t, err)
	})
	assert.Contains(t, out, "name: llama")
}

func TestModelsLoadRegistersNewModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/models/llama", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()
	writeConfigWithDebugAddress(t, strings.TrimPrefix(srv.URL, "http://"))

	out := captureStdout(t, func() {
		err := runModelsLoad(nil, []string{"llama", "/models/llama.manifest"})
		assert.NoError(t, err)
	})
	assert.Contains(t, out, "loaded")
}

func TestModelsLoadFallsBackToSwapOnConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/admin/models/llama":
			w.WriteHeader(http.StatusConflict)
		case "/admin/swap":
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()
	writeConfigWithDebugAddress(t, strings.TrimPrefix(srv.URL, "http://"))

	out := captureStdout(t, func() {
		err := runModelsLoad(nil, []string{"llama", "/models/llama.manifest"})
		assert.NoError(t, err)
	})
	assert.Contains(t, out, "swapped")
}

func TestModelsUnloadSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/admin/models/llama", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	writeConfigWithDebugAddress(t, strings.TrimPrefix(srv.URL, "http://"))

	out := captureStdout(t, func() {
		err := runModelsUnload(nil, []string{"llama"})
		assert.NoError(t, err)
	})
	assert.Contains(t, out, "unloaded")
}

func TestModelsUnloadReportsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()
	writeConfigWithDebugAddress(t, strings.TrimPrefix(srv.URL, "http://"))

	err := runModelsUnload(nil, []string{"llama"})
	assert.Error(t, err)
}
