package pipeline

import (
	"context"
	"math"

	"github.com/harrison-roh/chicken-disease-classification/clsapp/callbacks"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/data"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/evaluation"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/model"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/training"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/utils"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DataIngestionStage 학습 데이터 다운로드 및 압축해제
type DataIngestionStage struct {
	p *Pipeline
}

func (s *DataIngestionStage) Key() string  { return "data_ingestion" }
func (s *DataIngestionStage) Name() string { return "Data Ingestion" }

// Run source_URL 이 없으면 이미 압축해제된 데이터를 사용한다
func (s *DataIngestionStage) Run(ctx context.Context) error {
	cfg, err := s.p.Config.DataIngestionConfig()
	if err != nil {
		return err
	}
	if cfg.SourceURL == "" {
		if dir := s.p.Config.TrainingData(); utils.FileExists(dir) {
			klog.Warningf("no source URL configured, using existing data at %s", dir)
			return nil
		}
		return errors.New("no source URL configured and no training data found")
	}

	di := data.NewDataIngestion(cfg)
	di.ShowProgressBar = s.p.ProgressBar
	if err := di.DownloadFile(ctx); err != nil {
		return err
	}
	return di.ExtractZip()
}

// PrepareBaseModelStage base model 생성 및 head 추가
type PrepareBaseModelStage struct {
	p *Pipeline
}

func (s *PrepareBaseModelStage) Key() string  { return "prepare_base_model" }
func (s *PrepareBaseModelStage) Name() string { return "Prepare base model" }

func (s *PrepareBaseModelStage) Run(ctx context.Context) error {
	cfg, err := s.p.Config.PrepareBaseModelConfig()
	if err != nil {
		return err
	}
	backend, err := s.p.backend()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}

	prepare := model.NewPrepareBaseModel(cfg, backend)
	if err := prepare.GetBaseModel(); err != nil {
		return err
	}
	return prepare.UpdateBaseModel()
}

// TrainingStage callback 을 준비하고 모델을 학습
type TrainingStage struct {
	p *Pipeline

	result training.Result
}

func (s *TrainingStage) Key() string  { return "training" }
func (s *TrainingStage) Name() string { return "Training" }

func (s *TrainingStage) Run(ctx context.Context) error {
	cbCfg, err := s.p.Config.PrepareCallbackConfig()
	if err != nil {
		return err
	}
	cfg, err := s.p.Config.TrainingConfig()
	if err != nil {
		return err
	}
	backend, err := s.p.backend()
	if err != nil {
		return err
	}

	cbs := callbacks.NewPrepareCallback(cbCfg).GetTbCkptCallbacks()

	t := training.New(cfg, backend)
	t.ProgressBar = s.p.ProgressBar
	if err := t.GetBaseModel(); err != nil {
		return err
	}
	if err := t.MakeGenerators(); err != nil {
		return err
	}
	s.result, err = t.Train(ctx, cbs)
	return err
}

// Score 마지막 epoch 의 validation 지표 (validation 이 없으면 training 지표)
func (s *TrainingStage) Score() (int, float64, float64) {
	last := s.result.Last()
	if math.IsNaN(last.ValLoss) {
		return last.Epoch, last.Loss, last.Accuracy
	}
	return last.Epoch, last.ValLoss, last.ValAccuracy
}

// EvaluationStage 학습된 모델 평가 및 score 저장
type EvaluationStage struct {
	p *Pipeline

	score evaluation.Score
}

func (s *EvaluationStage) Key() string  { return "evaluation" }
func (s *EvaluationStage) Name() string { return "Evaluation" }

func (s *EvaluationStage) Run(ctx context.Context) error {
	cfg, err := s.p.Config.EvaluationConfig()
	if err != nil {
		return err
	}
	backend, err := s.p.backend()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}

	e := evaluation.New(cfg, backend)
	if s.score, err = e.Evaluation(); err != nil {
		return err
	}
	return e.SaveScore()
}

// Score 평가 결과
func (s *EvaluationStage) Score() (int, float64, float64) {
	return 0, s.score.Loss, s.score.Accuracy
}
