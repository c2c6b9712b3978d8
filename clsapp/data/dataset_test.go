package data

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// makeDataset Coccidiosis 는 빨간색, Healthy 는 초록색 이미지
func makeDataset(t *testing.T, perClass int) string {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < perClass; i++ {
		writePNG(t, filepath.Join(root, "Coccidiosis", fmt.Sprintf("cocci.%02d.png", i)), 12, 10, color.NRGBA{R: 255, A: 255})
		writePNG(t, filepath.Join(root, "Healthy", fmt.Sprintf("healthy.%02d.png", i)), 10, 12, color.NRGBA{G: 255, A: 255})
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "Healthy", "notes.txt"), []byte("skip"), 0644))
	return root
}

func drain(t *testing.T, it *DirectoryIterator) (batches int, labels []int32) {
	t.Helper()
	for {
		_, inputs, ls, err := it.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, ls, 1)
		labels = append(labels, tensors.MustCopyFlatData[int32](ls[0])...)
		batches++
	}
}

func TestDirectoryIterator(t *testing.T) {
	root := makeDataset(t, 5)

	it, err := NewDirectoryIterator(IteratorConfig{
		Directory:       root,
		Height:          8,
		Width:           6,
		BatchSize:       3,
		ValidationSplit: 0.2,
		Subset:          SubsetTraining,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Coccidiosis", "Healthy"}, it.Classes())
	assert.Equal(t, map[string]int{"Coccidiosis": 0, "Healthy": 1}, it.ClassIndices())
	assert.Equal(t, 8, it.Len())
	assert.Equal(t, 3, it.NumBatches())
	assert.Equal(t, SubsetTraining, it.Name())

	_, inputs, labels, err := it.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 6, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{3, 1}, labels[0].Shape().Dimensions)

	pixels := tensors.MustCopyFlatData[float32](inputs[0])
	assert.InDelta(t, 1.0, pixels[0], 1e-6)
	assert.InDelta(t, 0.0, pixels[1], 1e-6)
	assert.Equal(t, []int32{0, 0, 0}, tensors.MustCopyFlatData[int32](labels[0]))

	batches, ls := drain(t, it)
	assert.Equal(t, 2, batches)
	assert.Len(t, ls, 5)

	it.Reset()
	batches, ls = drain(t, it)
	assert.Equal(t, 3, batches)
	assert.Equal(t, []int32{0, 0, 0, 0, 1, 1, 1, 1}, ls)
}

func TestDirectoryIteratorValidationSplit(t *testing.T) {
	root := makeDataset(t, 5)

	val, err := NewDirectoryIterator(IteratorConfig{
		Directory:       root,
		Height:          4,
		Width:           4,
		BatchSize:       8,
		ValidationSplit: 0.2,
		Subset:          SubsetValidation,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, val.Len())
	assert.Equal(t, "cocci.00.png", filepath.Base(val.samples[0].path))
	assert.Equal(t, "healthy.00.png", filepath.Base(val.samples[1].path))

	empty, err := NewDirectoryIterator(IteratorConfig{
		Directory: root,
		Height:    4,
		Width:     4,
		BatchSize: 8,
		Subset:    SubsetValidation,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
	_, _, _, err = empty.Yield()
	assert.Equal(t, io.EOF, err)
}

func TestDirectoryIteratorShuffle(t *testing.T) {
	root := makeDataset(t, 10)
	it, err := NewDirectoryIterator(IteratorConfig{
		Directory: root,
		Height:    4,
		Width:     4,
		BatchSize: 4,
		Shuffle:   true,
		Seed:      42,
		Augment:   true,
	})
	require.NoError(t, err)

	_, ls := drain(t, it)
	require.Len(t, ls, 20)
	var sum int32
	for _, l := range ls {
		sum += l
	}
	assert.Equal(t, int32(10), sum)
	assert.NotEqual(t, []int32{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, ls)
}

func TestDirectoryIteratorErrors(t *testing.T) {
	_, err := NewDirectoryIterator(IteratorConfig{Directory: filepath.Join(t.TempDir(), "missing"), Height: 4, Width: 4, BatchSize: 1})
	require.Error(t, err)

	_, err = NewDirectoryIterator(IteratorConfig{Directory: t.TempDir(), Height: 4, Width: 4, BatchSize: 1})
	require.Error(t, err)

	root := makeDataset(t, 1)
	_, err = NewDirectoryIterator(IteratorConfig{Directory: root, Height: 4, Width: 4, BatchSize: 0})
	require.Error(t, err)
	_, err = NewDirectoryIterator(IteratorConfig{Directory: root, Height: 4, Width: 4, BatchSize: 1, ValidationSplit: 1})
	require.Error(t, err)
	_, err = NewDirectoryIterator(IteratorConfig{Directory: root, Height: 4, Width: 4, BatchSize: 1, Subset: "test"})
	require.Error(t, err)

	empty := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(empty, "a"), os.ModePerm))
	_, err = NewDirectoryIterator(IteratorConfig{Directory: empty, Height: 4, Width: 4, BatchSize: 1})
	require.Error(t, err)

	broken := filepath.Join(root, "Healthy", "broken.png")
	require.NoError(t, os.WriteFile(broken, []byte("not a png"), 0644))
	it, err := NewDirectoryIterator(IteratorConfig{Directory: root, Height: 4, Width: 4, BatchSize: 4})
	require.NoError(t, err)
	_, _, _, err = it.Yield()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.png")
}

func TestLoadImageTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.png")
	writePNG(t, path, 30, 20, color.NRGBA{B: 255, A: 255})

	tensor, err := LoadImageTensor(path, 5, 7, 1.0/255)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, 7, 3}, tensor.Shape().Dimensions)
	pixels := tensors.MustCopyFlatData[float32](tensor)
	assert.InDelta(t, 0.0, pixels[0], 1e-6)
	assert.InDelta(t, 1.0, pixels[2], 1e-6)

	_, err = LoadImageTensor(filepath.Join(t.TempDir(), "missing.png"), 5, 7, 1)
	require.Error(t, err)
}

func TestAugmenterKeepsSize(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 12))
	a := NewAugmenter(rand.New(rand.NewSource(1)))
	for i := 0; i < 20; i++ {
		out := a.Apply(img, 16, 12)
		assert.Equal(t, 16, out.Bounds().Dx())
		assert.Equal(t, 12, out.Bounds().Dy())
	}

	noop := &Augmenter{rng: rand.New(rand.NewSource(1))}
	out := noop.Apply(img, 16, 12)
	assert.Equal(t, img.Pix, out.Pix)
}
