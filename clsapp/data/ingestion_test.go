package data

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/harrison-roh/chicken-disease-classification/clsapp/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDataIngestion(t *testing.T) {
	payload := zipBytes(t, map[string]string{
		"Chicken-fecal-images/Healthy/a.jpg":     "aaa",
		"Chicken-fecal-images/Coccidiosis/b.jpg": "bbb",
	})
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	di := NewDataIngestion(config.DataIngestionConfig{
		RootDir:       dir,
		SourceURL:     srv.URL + "/data.zip",
		LocalDataFile: filepath.Join(dir, "data.zip"),
		UnzipDir:      dir,
	})
	di.ShowProgressBar = false

	require.NoError(t, di.DownloadFile(context.Background()))
	require.NoError(t, di.DownloadFile(context.Background()))
	assert.Equal(t, 1, hits)

	require.NoError(t, di.ExtractZip())
	b, err := os.ReadFile(filepath.Join(dir, "Chicken-fecal-images", "Healthy", "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(b))
}

func TestDownloadFileStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	di := NewDataIngestion(config.DataIngestionConfig{
		SourceURL:     srv.URL,
		LocalDataFile: filepath.Join(dir, "data.zip"),
	})
	di.ShowProgressBar = false
	require.Error(t, di.DownloadFile(context.Background()))
	assert.NoFileExists(t, filepath.Join(dir, "data.zip"))

	di.Config.SourceURL = ""
	require.Error(t, di.DownloadFile(context.Background()))
}

func TestUnzipRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(zipPath, zipBytes(t, map[string]string{"../evil.txt": "x"}), 0644))

	out := filepath.Join(dir, "out")
	require.Error(t, Unzip(zipPath, out))
	assert.NoFileExists(t, filepath.Join(dir, "evil.txt"))

	require.Error(t, Unzip(filepath.Join(dir, "missing.zip"), out))
}
