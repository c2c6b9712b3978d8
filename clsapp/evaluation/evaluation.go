package evaluation

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/config"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/constants"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/data"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/model"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/training"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/utils"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNotEvaluated Evaluation 을 실행하기 전에 score 를 저장하려 함
	ErrNotEvaluated = errors.New("model has not been evaluated")
)

// Score 평가 결과
type Score struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// Evaluation 학습된 모델을 validation 데이터로 평가
type Evaluation struct {
	Config  config.EvaluationConfig
	Backend backends.Backend

	Model   *model.Model
	ValidDS *data.DirectoryIterator
	Score   *Score
}

// New 새로운 Evaluation 생성
func New(cfg config.EvaluationConfig, backend backends.Backend) *Evaluation {
	return &Evaluation{Config: cfg, Backend: backend}
}

func (e *Evaluation) validGenerator(height, width int) error {
	it, err := data.NewDirectoryIterator(data.IteratorConfig{
		Directory:       e.Config.TrainingData,
		Height:          height,
		Width:           width,
		BatchSize:       e.Config.BatchSize,
		ValidationSplit: e.Config.ValidationSplit,
		Subset:          data.SubsetValidation,
		Rescale:         constants.Rescale,
	})
	if err != nil {
		return err
	}
	if it.Len() == 0 {
		return errors.Errorf("no validation images in %q (validation split %g)", e.Config.TrainingData, e.Config.ValidationSplit)
	}
	e.ValidDS = it
	return nil
}

// Evaluation path_of_model 의 모델을 validation subset 으로 평가한다
func (e *Evaluation) Evaluation() (Score, error) {
	m, err := model.Load(e.Config.PathOfModel)
	if err != nil {
		return Score{}, err
	}
	e.Model = m

	h, w := m.InputSize()
	if err := e.validGenerator(h, w); err != nil {
		return Score{}, err
	}

	training.EnsureCompiled(m, e.Config.AllParams.LearningRate)
	trainer, _, meanAcc, err := training.NewTrainer(e.Backend, m)
	if err != nil {
		return Score{}, err
	}
	values, err := trainer.Eval(e.ValidDS)
	e.ValidDS.Reset()
	if err != nil {
		return Score{}, errors.WithMessagef(err, "failed to evaluate %q", e.Config.PathOfModel)
	}

	score := Score{
		Loss:     training.MetricValue(trainer.EvalMetrics(), values, training.IsLoss("Mean Loss")),
		Accuracy: training.MetricValue(trainer.EvalMetrics(), values, training.IsMetric(meanAcc)),
	}
	e.Score = &score
	klog.Infof("evaluation of %s on %d images: loss %.4f, accuracy %.4f",
		e.Config.PathOfModel, e.ValidDS.Len(), score.Loss, score.Accuracy)
	return score, nil
}

// SaveScore score 를 metrics file 에 json 으로 저장
func (e *Evaluation) SaveScore() error {
	if e.Score == nil {
		return ErrNotEvaluated
	}
	return utils.SaveJSON(e.Config.MetricsFile, e.Score)
}
