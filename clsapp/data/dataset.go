package data

import (
	"image"
	"io"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/constants"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	SubsetTraining   string = "training"
	SubsetValidation string = "validation"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
}

// IteratorConfig DirectoryIterator 설정
type IteratorConfig struct {
	Directory       string
	Height, Width   int
	BatchSize       int
	ValidationSplit float64
	Subset          string
	Shuffle         bool
	Seed            int64
	Rescale         float32
	Augment         bool
}

type sample struct {
	path  string
	label int
}

// DirectoryIterator root/<class>/<image> 구조의 디렉토리에서 batch 를 생성.
// GoMLX train.Dataset 을 구현한다.
type DirectoryIterator struct {
	cfg IteratorConfig

	classes      []string
	classIndices map[string]int
	samples      []sample

	mu        sync.Mutex
	order     []int
	pos       int
	rng       *rand.Rand
	augmenter *Augmenter
}

// ListClasses root 의 하위 디렉토리 이름을 정렬하여 반환
func ListClasses(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read data directory %q", root)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)

	return classes, nil
}

func listImages(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if imageExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	sort.Strings(files)

	return files, nil
}

// splitFiles 앞쪽 floor(split*n) 개는 validation, 나머지는 training
func splitFiles(files []string, split float64, subset string) []string {
	nVal := int(math.Floor(split * float64(len(files))))
	if subset == SubsetValidation {
		return files[:nVal]
	}
	return files[nVal:]
}

// NewDirectoryIterator 새로운 DirectoryIterator 생성
func NewDirectoryIterator(cfg IteratorConfig) (*DirectoryIterator, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", cfg.BatchSize)
	}
	if cfg.Height <= 0 || cfg.Width <= 0 {
		return nil, errors.Errorf("invalid target size %dx%d", cfg.Height, cfg.Width)
	}
	if cfg.ValidationSplit < 0 || cfg.ValidationSplit >= 1 {
		return nil, errors.Errorf("validation split must be in [0, 1), got %g", cfg.ValidationSplit)
	}
	if cfg.Subset == "" {
		cfg.Subset = SubsetTraining
	}
	if cfg.Subset != SubsetTraining && cfg.Subset != SubsetValidation {
		return nil, errors.Errorf("unknown subset %q", cfg.Subset)
	}
	if cfg.Rescale == 0 {
		cfg.Rescale = constants.Rescale
	}

	classes, err := ListClasses(cfg.Directory)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("no class directories found in %q", cfg.Directory)
	}

	it := &DirectoryIterator{
		cfg:          cfg,
		classes:      classes,
		classIndices: make(map[string]int, len(classes)),
		rng:          rand.New(rand.NewSource(cfg.Seed)),
	}

	total := 0
	for idx, class := range classes {
		it.classIndices[class] = idx
		files, err := listImages(filepath.Join(cfg.Directory, class))
		if err != nil {
			return nil, err
		}
		total += len(files)
		for _, f := range splitFiles(files, cfg.ValidationSplit, cfg.Subset) {
			it.samples = append(it.samples, sample{path: f, label: idx})
		}
	}
	if total == 0 {
		return nil, errors.Errorf("no images found in %q", cfg.Directory)
	}

	if cfg.Augment {
		it.augmenter = NewAugmenter(it.rng)
	}

	it.order = make([]int, len(it.samples))
	for i := range it.order {
		it.order[i] = i
	}
	it.shuffle()

	klog.Infof("Found %d images belonging to %d classes (%s)", len(it.samples), len(classes), cfg.Subset)

	return it, nil
}

func (it *DirectoryIterator) shuffle() {
	if !it.cfg.Shuffle {
		return
	}
	it.rng.Shuffle(len(it.order), func(i, j int) {
		it.order[i], it.order[j] = it.order[j], it.order[i]
	})
}

// Name train.Dataset 이름
func (it *DirectoryIterator) Name() string { return it.cfg.Subset }

// Classes class 이름 목록 (index 순)
func (it *DirectoryIterator) Classes() []string {
	return append([]string(nil), it.classes...)
}

// ClassIndices class 이름 -> index
func (it *DirectoryIterator) ClassIndices() map[string]int {
	m := make(map[string]int, len(it.classIndices))
	for k, v := range it.classIndices {
		m[k] = v
	}
	return m
}

// Len subset 의 이미지 수
func (it *DirectoryIterator) Len() int { return len(it.samples) }

// NumBatches 한 epoch 의 batch 수
func (it *DirectoryIterator) NumBatches() int {
	return (len(it.samples) + it.cfg.BatchSize - 1) / it.cfg.BatchSize
}

// Reset 처음부터 다시 시작. shuffle 이 켜져 있으면 순서를 섞는다.
func (it *DirectoryIterator) Reset() {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.pos = 0
	it.shuffle()
}

// Yield train.Dataset 구현. inputs: float32 [b, h, w, 3], labels: int32 [b, 1]
func (it *DirectoryIterator) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.pos >= len(it.order) {
		return nil, nil, nil, io.EOF
	}

	end := it.pos + it.cfg.BatchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	batch := it.order[it.pos:end]
	it.pos = end

	h, w := it.cfg.Height, it.cfg.Width
	imageSize := h * w * constants.ImageChannels
	flat := make([]float32, len(batch)*imageSize)
	labelsFlat := make([]int32, len(batch))
	for i, idx := range batch {
		s := it.samples[idx]
		img, err := loadResized(s.path, w, h)
		if err != nil {
			return nil, nil, nil, err
		}
		if it.augmenter != nil {
			img = it.augmenter.Apply(img, w, h)
		}
		fillRGB(flat[i*imageSize:(i+1)*imageSize], img, it.cfg.Rescale)
		labelsFlat[i] = int32(s.label)
	}

	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(flat, len(batch), h, w, constants.ImageChannels)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelsFlat, len(batch), 1)}
	return nil, inputs, labels, nil
}

func loadResized(path string, width, height int) (*image.NRGBA, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", path)
	}
	return imaging.Resize(img, width, height, imaging.NearestNeighbor), nil
}

func fillRGB(dst []float32, img *image.NRGBA, rescale float32) {
	b := img.Bounds()
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			p := row[x*4 : x*4+3]
			dst[i] = float32(p[0]) * rescale
			dst[i+1] = float32(p[1]) * rescale
			dst[i+2] = float32(p[2]) * rescale
			i += 3
		}
	}
}

// LoadImageTensor 단일 이미지를 [1, h, w, 3] float32 tensor 로 변환
func LoadImageTensor(path string, height, width int, rescale float32) (*tensors.Tensor, error) {
	img, err := loadResized(path, width, height)
	if err != nil {
		return nil, err
	}
	flat := make([]float32, height*width*constants.ImageChannels)
	fillRGB(flat, img, rescale)
	return tensors.FromFlatDataAndDimensions(flat, 1, height, width, constants.ImageChannels), nil
}
