package inference

import (
	"os"
	"path/filepath"

	"github.com/harrison-roh/chicken-disease-classification/clsapp/constants"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/model"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/utils"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FindProjectRoot start 부터 상위로 올라가며 artifacts/ 또는 config/config.yaml 이 있는 디렉토리를 찾는다.
// 찾지 못하면 start 를 반환한다.
func FindProjectRoot(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return start
	}
	for {
		if utils.FileExists(filepath.Join(dir, constants.ArtifactsDir)) ||
			utils.FileExists(filepath.Join(dir, constants.ConfigFilePath)) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

// PredictionPipeline 입력 이미지 파일의 class 를 예측
type PredictionPipeline struct {
	Filename string
	// 모델 경로 탐색 기준 디렉토리. 비어있으면 현재 디렉토리에서 찾는다
	Root string

	Inference *Inference
}

// NewPredictionPipeline 새로운 PredictionPipeline 생성
func NewPredictionPipeline(filename string, inf *Inference) *PredictionPipeline {
	return &PredictionPipeline{Filename: filename, Inference: inf}
}

// ModelPaths 탐색할 모델 경로: 학습된 모델, updated base model 순
func (p *PredictionPipeline) ModelPaths() []string {
	root := p.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		root = FindProjectRoot(wd)
	}
	return []string{
		filepath.Join(root, constants.TrainedModelPath),
		filepath.Join(root, constants.UpdatedBaseModelPath),
	}
}

// ModelPath 존재하는 첫번째 모델 경로
func (p *PredictionPipeline) ModelPath() (string, error) {
	paths := p.ModelPaths()
	for _, path := range paths {
		if model.Exists(path) {
			return path, nil
		}
	}
	return "", errors.Wrapf(model.ErrModelNotFound, "tried %s", describe(paths))
}

// ensureModel 기본 모델을 등록하고 경로나 checkpoint 가 바뀌었으면 다시 로드한다
func (p *PredictionPipeline) ensureModel() error {
	path, err := p.ModelPath()
	if err != nil {
		return err
	}
	name := constants.DefaultModelName
	if p.Inference.Path(name) != path {
		return p.Inference.Register(name, path)
	}
	if p.Inference.Stale(name) {
		klog.Infof("model at %s changed, reloading", path)
		return p.Inference.Reload(name)
	}
	return nil
}

// Predict 이미지를 분류하여 [{"image": label}] 반환
func (p *PredictionPipeline) Predict() ([]map[string]string, error) {
	if p.Inference == nil {
		return nil, errors.New("prediction pipeline has no inference manager")
	}
	if err := p.ensureModel(); err != nil {
		return nil, err
	}

	infers, err := p.Inference.Infer(constants.DefaultModelName, p.Filename, 1)
	if err != nil {
		return nil, err
	}
	if len(infers) == 0 {
		return nil, errors.Errorf("model returned no prediction for %q", p.Filename)
	}

	klog.V(1).Infof("prediction for %s: %s (%.3f)", p.Filename, infers[0].Label, infers[0].Prob)
	return []map[string]string{{"image": infers[0].Label}}, nil
}
