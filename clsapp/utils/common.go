package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// ReadYAML yaml 파일을 out 으로 디코딩
func ReadYAML(path string, out interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read yaml %q", path)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return errors.Wrapf(err, "invalid yaml %q", path)
	}
	klog.V(1).Infof("yaml file: %s loaded successfully", path)
	return nil
}

// WriteYAML out 을 yaml 로 저장
func WriteYAML(path string, in interface{}) error {
	b, err := yaml.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "failed to encode yaml %q", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	return errors.Wrapf(os.WriteFile(path, b, 0644), "failed to write yaml %q", path)
}

// CreateDirectories 디렉토리 목록 생성
func CreateDirectories(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(p, os.ModePerm); err != nil {
			return errors.Wrapf(err, "failed to create directory %q", p)
		}
		klog.V(1).Infof("created directory at: %s", p)
	}
	return nil
}

// DecodeBase64 base64 문자열을 바이트로 변환.
// data URL prefix, 공백, URL-safe 인코딩과 padding 생략을 허용한다.
func DecodeBase64(imgString string) ([]byte, error) {
	s := strings.TrimSpace(imgString)
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, ","); idx != -1 {
			s = s[idx+1:]
		}
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, errors.New("empty base64 image")
	}

	encodings := []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, errors.Wrap(lastErr, "invalid base64 image")
}

// DecodeImage base64 이미지를 파일로 저장
func DecodeImage(imgString, fileName string) error {
	b, err := DecodeBase64(imgString)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(fileName); dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return errors.Wrapf(err, "failed to create directory for %q", fileName)
		}
	}
	return errors.Wrapf(os.WriteFile(fileName, b, 0644), "failed to write image %q", fileName)
}

// GetSize 파일(또는 디렉토리) 크기를 "~ N KB" 형식으로 반환
func GetSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "~ 0 KB"
	}

	total := info.Size()
	if info.IsDir() {
		total = 0
		_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
			if err != nil || !d.Type().IsRegular() {
				return nil
			}
			if fi, err := d.Info(); err == nil {
				total += fi.Size()
			}
			return nil
		})
	}

	return fmt.Sprintf("~ %d KB", int64(math.RoundToEven(float64(total)/1024)))
}

// SaveJSON data 를 json 으로 저장 (상위 디렉토리 생성)
func SaveJSON(path string, data interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", path)
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode json %q", path)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return errors.Wrapf(err, "failed to write json %q", path)
	}
	klog.V(1).Infof("json file saved at: %s", path)
	return nil
}

// LoadJSON json 파일을 out 으로 디코딩
func LoadJSON(path string, out interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read json %q", path)
	}
	return errors.Wrapf(json.Unmarshal(b, out), "invalid json %q", path)
}

// FileExists path 존재 여부
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
