package data

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Manager 학습 이미지 데이터를 관리
type Manager struct {
	// Root 학습 데이터 루트 (root/<category>/<image>)
	Root string

	mu sync.Mutex
}

// ImageItem 저장된 이미지 정보
type ImageItem struct {
	Category    string `json:"category"`
	OrgFilename string `json:"orgFilename"`
	Filename    string `json:"filename"`
	FileFormat  string `json:"format"`
	FilePath    string `json:"path"`
}

type saveFunc func(*multipart.FileHeader, string) error

func saveImage(file *multipart.FileHeader, dst string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}

	return out.Close()
}

// ValidCategory category 가 하나의 경로 요소인지 확인
func ValidCategory(category string) error {
	if category == "" || category == "." || category == ".." ||
		strings.ContainsAny(category, `/\`) || filepath.Base(category) != category {
		return errors.Errorf("invalid category %q", category)
	}
	return nil
}

// SaveImages category 디렉토리에 image 저장
func (dm *Manager) SaveImages(category string, images []*multipart.FileHeader, f saveFunc, verbose bool) (interface{}, error) {
	if err := ValidCategory(category); err != nil {
		return nil, err
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	fileDir := filepath.Join(dm.Root, category)
	if err := os.MkdirAll(fileDir, os.ModePerm); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory %q", fileDir)
	}

	if f == nil {
		f = saveImage
	}

	var (
		total      int64
		successful int64
		failed     int64
		items      []ImageItem
		errs       []map[string]interface{}
	)
	for _, image := range images {
		total++

		orgFileName := filepath.Base(image.Filename)
		fileName := fmt.Sprintf("%s-%s", uuid.New().String()[:8], orgFileName)
		fileFormat := strings.TrimPrefix(strings.ToLower(filepath.Ext(orgFileName)), ".")
		filePath := filepath.Join(fileDir, fileName)

		if !imageExtensions["."+fileFormat] {
			err := errors.Errorf("unsupported image format %q", fileFormat)
			if verbose {
				errs = append(errs, map[string]interface{}{
					"orgfilename": orgFileName,
					"error":       err.Error(),
				})
			}
			failed++
			continue
		}

		if err := f(image, filePath); err != nil {
			klog.Warningf("failed to save %s: %v", orgFileName, err)
			if verbose {
				errs = append(errs, map[string]interface{}{
					"orgfilename": orgFileName,
					"filename":    fileName,
					"error":       err.Error(),
				})
			}
			failed++
			continue
		}

		if verbose {
			items = append(items, ImageItem{
				Category:    category,
				OrgFilename: orgFileName,
				Filename:    fileName,
				FileFormat:  fileFormat,
				FilePath:    filePath,
			})
		}
		successful++
	}

	result := map[string]interface{}{
		"infos": map[string]int64{
			"total":      total,
			"successful": successful,
			"failed":     failed,
		},
	}
	if verbose {
		result["images"] = items
		result["errors"] = errs
	}

	return result, nil
}

// ListImages category 별 image 목록 반환. category 가 비어있으면 전체
func (dm *Manager) ListImages(category string) (interface{}, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var categories []string
	if category != "" {
		if err := ValidCategory(category); err != nil {
			return nil, err
		}
		categories = []string{category}
	} else {
		classes, err := ListClasses(dm.Root)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				return map[string]interface{}{"total": 0, "categories": map[string]interface{}{}}, nil
			}
			return nil, err
		}
		categories = classes
	}

	var total int
	listing := make(map[string]interface{}, len(categories))
	for _, c := range categories {
		var files []string
		dir := filepath.Join(dm.Root, c)
		if _, err := os.Stat(dir); err == nil {
			if files, err = listImages(dir); err != nil {
				return nil, err
			}
		}
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, filepath.Base(f))
		}
		sort.Strings(names)
		total += len(names)
		listing[c] = map[string]interface{}{
			"count":  len(names),
			"images": names,
		}
	}

	return map[string]interface{}{
		"total":      total,
		"categories": listing,
	}, nil
}
