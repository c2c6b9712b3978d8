package data

import (
	"errors"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidCategory(t *testing.T) {
	assert.NoError(t, ValidCategory("Healthy"))
	for _, c := range []string{"", ".", "..", "a/b", `a\b`, "../x"} {
		assert.Error(t, ValidCategory(c), c)
	}
}

func TestSaveAndListImages(t *testing.T) {
	dm := &Manager{Root: t.TempDir()}

	headers := []*multipart.FileHeader{
		{Filename: "a.jpg"},
		{Filename: "b.PNG"},
		{Filename: "c.txt"},
		{Filename: "d.jpg"},
	}
	var saved []string
	save := func(h *multipart.FileHeader, dst string) error {
		if h.Filename == "d.jpg" {
			return errors.New("disk full")
		}
		saved = append(saved, dst)
		return os.WriteFile(dst, []byte(h.Filename), 0644)
	}

	res, err := dm.SaveImages("Healthy", headers, save, true)
	require.NoError(t, err)
	result := res.(map[string]interface{})
	assert.Equal(t, map[string]int64{"total": 4, "successful": 2, "failed": 2}, result["infos"])
	assert.Len(t, result["images"], 2)
	assert.Len(t, result["errors"], 2)

	require.Len(t, saved, 2)
	for _, p := range saved {
		assert.Equal(t, filepath.Join(dm.Root, "Healthy"), filepath.Dir(p))
		name := filepath.Base(p)
		assert.Len(t, strings.SplitN(name, "-", 2)[0], 8)
	}

	res, err = dm.SaveImages("Coccidiosis", headers[:1], save, false)
	require.NoError(t, err)
	_, verbose := res.(map[string]interface{})["images"]
	assert.False(t, verbose)

	_, err = dm.SaveImages("../x", headers, save, false)
	require.Error(t, err)

	res, err = dm.ListImages("")
	require.NoError(t, err)
	listing := res.(map[string]interface{})
	assert.Equal(t, 3, listing["total"])
	categories := listing["categories"].(map[string]interface{})
	assert.Equal(t, 2, categories["Healthy"].(map[string]interface{})["count"])
	assert.Equal(t, 1, categories["Coccidiosis"].(map[string]interface{})["count"])

	res, err = dm.ListImages("Unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, res.(map[string]interface{})["total"])
}

func TestListImagesMissingRoot(t *testing.T) {
	dm := &Manager{Root: filepath.Join(t.TempDir(), "missing")}
	res, err := dm.ListImages("")
	require.NoError(t, err)
	assert.Equal(t, 0, res.(map[string]interface{})["total"])
}
