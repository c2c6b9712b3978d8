package model

import (
	"path/filepath"

	"github.com/harrison-roh/chicken-disease-classification/clsapp/constants"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/utils"
)

const (
	BinaryClass = "binary"
	MultiClass  = "multi"
)

// TrainingResult epoch 별 학습 결과
type TrainingResult struct {
	Epochs             int       `yaml:"epochs" json:"epochs"`
	InitLoss           float32   `yaml:"initLoss" json:"initLoss"`
	InitAccuracy       float32   `yaml:"initAccuracy" json:"initAccuracy"`
	TrainLoss          []float32 `yaml:"trainLoss" json:"trainLoss"`
	TrainAccuracy      []float32 `yaml:"trainAccuracy" json:"trainAccuracy"`
	ValidationLoss     []float32 `yaml:"validationLoss" json:"validationLoss"`
	ValidationAccuracy []float32 `yaml:"validationAccuracy" json:"validationAccuracy"`
}

// Metadata 모델 디렉토리의 model.yaml
type Metadata struct {
	Name           string         `yaml:"name"`
	Type           string         `yaml:"type"`
	Classification string         `yaml:"classification"`
	InputShape     []int          `yaml:"inputShape"`
	Labels         []string       `yaml:"labels"`
	TrainingResult TrainingResult `yaml:"trainingResult"`
	Description    string         `yaml:"description"`
}

// ClassificationFor class 수에 따른 분류 타입
func ClassificationFor(classes int) string {
	if classes <= 2 {
		return BinaryClass
	}
	return MultiClass
}

// LoadMetadata dir/model.yaml 로드
func LoadMetadata(dir string) (Metadata, error) {
	var md Metadata
	err := utils.ReadYAML(filepath.Join(dir, constants.ModelMetadataFile), &md)
	return md, err
}

// SaveMetadata dir/model.yaml 저장
func SaveMetadata(dir string, md Metadata) error {
	return utils.WriteYAML(filepath.Join(dir, constants.ModelMetadataFile), md)
}
