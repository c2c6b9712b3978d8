package data

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/config"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// DataIngestion 학습 데이터 다운로드 및 압축해제
type DataIngestion struct {
	Config config.DataIngestionConfig

	// ShowProgressBar 다운로드 진행 표시 여부
	ShowProgressBar bool
	Client          *http.Client
}

// NewDataIngestion 새로운 DataIngestion 생성
func NewDataIngestion(cfg config.DataIngestionConfig) *DataIngestion {
	return &DataIngestion{
		Config:          cfg,
		ShowProgressBar: true,
		Client:          http.DefaultClient,
	}
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "0 B"
	}
	return humanize.Bytes(uint64(info.Size()))
}

// DownloadFile source URL 의 파일을 local 에 저장. 이미 있으면 건너뛴다.
func (di *DataIngestion) DownloadFile(ctx context.Context) error {
	dst := di.Config.LocalDataFile
	if _, err := os.Stat(dst); err == nil {
		klog.Infof("File already exists of size: %s", fileSize(dst))
		return nil
	}
	if di.Config.SourceURL == "" {
		return errors.Errorf("no source URL to download %q", dst)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, di.Config.SourceURL, nil)
	if err != nil {
		return errors.Wrapf(err, "invalid source URL %q", di.Config.SourceURL)
	}
	client := di.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", di.Config.SourceURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("failed downloading %q: %s", di.Config.SourceURL, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", dst)
	}
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q", tmp)
	}

	var w io.Writer = out
	var bar *progressbar.ProgressBar
	if di.ShowProgressBar {
		bar = progressbar.DefaultBytes(resp.ContentLength, "downloading")
		w = io.MultiWriter(out, bar)
	}
	n, err := io.Copy(w, resp.Body)
	if bar != nil {
		_ = bar.Close()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "downloading %q to %q", di.Config.SourceURL, dst)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return errors.Wrapf(err, "failed to move %q", tmp)
	}

	klog.Infof("%s downloaded (%s)", dst, humanize.Bytes(uint64(n)))
	return nil
}

// ExtractZip zip 파일을 unzip 디렉토리에 압축해제
func (di *DataIngestion) ExtractZip() error {
	return Unzip(di.Config.LocalDataFile, di.Config.UnzipDir)
}

// Unzip zipFile 을 dstDir 에 압축해제. dstDir 밖을 가리키는 항목은 거부한다.
func Unzip(zipFile, dstDir string) error {
	r, err := zip.OpenReader(zipFile)
	if err != nil {
		if r != nil {
			r.Close()
		}
		return errors.Wrapf(err, "failed to open zip %q", zipFile)
	}
	defer r.Close()

	if err := os.MkdirAll(dstDir, os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dstDir)
	}
	root, err := filepath.Abs(dstDir)
	if err != nil {
		return errors.WithStack(err)
	}

	var total uint64
	for _, f := range r.File {
		target := filepath.Join(root, f.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return errors.Errorf("illegal file path in zip: %q", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, os.ModePerm); err != nil {
				return errors.Wrapf(err, "failed to create directory %q", target)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
		total += f.UncompressedSize64
	}

	klog.Infof("%d entries (%s) extracted to %s", len(r.File), humanize.Bytes(total), dstDir)
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", target)
	}

	src, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open %q in zip", f.Name)
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", target)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return errors.Wrapf(err, "failed to extract %q", f.Name)
	}

	return errors.Wrapf(out.Close(), "failed to close %q", target)
}
