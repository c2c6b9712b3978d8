package training

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/callbacks"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/config"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/constants"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/data"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrClassMismatch 모델 출력 수와 학습 데이터 class 수가 다름
var ErrClassMismatch = errors.New("model outputs do not match dataset classes")

// Training 모델 학습
type Training struct {
	Config  config.TrainingConfig
	Backend backends.Backend

	Model   *model.Model
	TrainDS *data.DirectoryIterator
	ValidDS *data.DirectoryIterator

	// 학습 진행 상황을 터미널에 출력
	ProgressBar bool
	// shuffle, augmentation seed
	Seed int64
}

// Result 학습 결과
type Result struct {
	Epochs []callbacks.EpochLogs
}

// Last 마지막 epoch 지표
func (r Result) Last() callbacks.EpochLogs {
	if len(r.Epochs) == 0 {
		return callbacks.EpochLogs{Loss: math.NaN(), Accuracy: math.NaN(), ValLoss: math.NaN(), ValAccuracy: math.NaN()}
	}
	return r.Epochs[len(r.Epochs)-1]
}

// New 새로운 Training 생성
func New(cfg config.TrainingConfig, backend backends.Backend) *Training {
	return &Training{Config: cfg, Backend: backend, Seed: time.Now().UnixNano()}
}

// GetBaseModel updated base model 을 로드한다. 없으면 base model 을 사용한다.
func (t *Training) GetBaseModel() error {
	for _, dir := range []string{t.Config.UpdatedBaseModelPath, t.Config.BaseModelPath} {
		if !model.Exists(dir) {
			klog.V(1).Infof("no model at %q", dir)
			continue
		}
		m, err := model.Load(dir)
		if err != nil {
			return err
		}
		if !m.IncludeTop() {
			klog.Warningf("model at %s has no classification head, adding one", dir)
			m.SetHead(len(constants.FallbackLabels), true)
		}
		t.Model = m
		klog.Infof("training starts from %s", dir)
		return nil
	}
	return errors.Wrapf(model.ErrModelNotFound, "neither %q nor %q exists",
		t.Config.UpdatedBaseModelPath, t.Config.BaseModelPath)
}

func (t *Training) imageSize() (int, int) {
	if t.Model != nil {
		return t.Model.InputSize()
	}
	if len(t.Config.ImageSize) >= 2 {
		return t.Config.ImageSize[0], t.Config.ImageSize[1]
	}
	return constants.ImageHeight, constants.ImageWidth
}

// MakeGenerators training (shuffle, augmentation) 과 validation iterator 생성
func (t *Training) MakeGenerators() error {
	h, w := t.imageSize()
	base := data.IteratorConfig{
		Directory:       t.Config.TrainingData,
		Height:          h,
		Width:           w,
		BatchSize:       t.Config.BatchSize,
		ValidationSplit: t.Config.ValidationSplit,
		Seed:            t.Seed,
		Rescale:         constants.Rescale,
	}

	validCfg := base
	validCfg.Subset = data.SubsetValidation
	valid, err := data.NewDirectoryIterator(validCfg)
	if err != nil {
		return err
	}

	trainCfg := base
	trainCfg.Subset = data.SubsetTraining
	trainCfg.Shuffle = true
	trainCfg.Augment = t.Config.IsAugmentation
	trainDS, err := data.NewDirectoryIterator(trainCfg)
	if err != nil {
		return err
	}

	t.TrainDS, t.ValidDS = trainDS, valid
	klog.Infof("found %d images for training and %d for validation belonging to %d classes",
		trainDS.Len(), valid.Len(), len(trainDS.Classes()))
	return nil
}

// EnsureCompiled optimizer 가 지정되지 않은 모델이면 SGD 를 사용하도록 설정한다.
// 이미 지정된 optimizer 는 유지한다.
func EnsureCompiled(m *model.Model, learningRate float64) {
	if _, found := m.Ctx.GetParam(optimizers.ParamOptimizer); found {
		return
	}
	if learningRate <= 0 {
		learningRate = constants.FallbackLearningRate
	}
	m.Ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "sgd",
		optimizers.ParamLearningRate: learningRate,
	})
	klog.V(1).Infof("model compiled with sgd(learning_rate=%g)", learningRate)
}

// NewTrainer sparse categorical cross-entropy 와 accuracy 지표를 사용하는 trainer 생성
func NewTrainer(backend backends.Backend, m *model.Model) (trainer *train.Trainer, movingAcc, meanAcc metrics.Interface, err error) {
	movingAcc = metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	meanAcc = metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	err = exceptions.TryCatch[error](func() {
		ctx := m.Scoped()
		trainer = train.NewTrainer(backend, ctx, model.ModelGraph,
			losses.SparseCategoricalCrossEntropyLogits,
			optimizers.FromContext(ctx),
			[]metrics.Interface{movingAcc},
			[]metrics.Interface{meanAcc})
	})
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "failed to create trainer")
	}
	return
}

// Train epoch 마다 training data 로 학습하고 validation 으로 평가한 뒤 callback 을 호출한다.
// ctx 가 취소되면 다음 step 전에 중단한다. 학습이 끝나면 trained_model_path 에 저장한다.
func (t *Training) Train(ctx context.Context, cbs []callbacks.Callback) (Result, error) {
	var result Result
	if t.Model == nil {
		return result, errors.New("no model to train, call GetBaseModel first")
	}
	if t.TrainDS == nil || t.ValidDS == nil {
		if err := t.MakeGenerators(); err != nil {
			return result, err
		}
	}
	if t.TrainDS.Len() == 0 {
		return result, errors.Errorf("no training images in %q", t.Config.TrainingData)
	}

	m := t.Model
	classes := t.TrainDS.Classes()
	if m.Classes() != len(classes) {
		return result, errors.Wrapf(ErrClassMismatch, "model has %d outputs but %d classes were found in %q",
			m.Classes(), len(classes), t.Config.TrainingData)
	}
	EnsureCompiled(m, t.Config.LearningRate)

	trainer, movingAcc, meanAcc, err := NewTrainer(t.Backend, m)
	if err != nil {
		return result, err
	}
	loop := train.NewLoop(trainer)
	if t.ProgressBar {
		commandline.AttachProgressBar(loop)
	}
	loop.OnStep("cancel", 0, func(_ *train.Loop, _ []*tensors.Tensor) error {
		return ctx.Err()
	})

	for _, cb := range cbs {
		if err := cb.OnTrainBegin(m); err != nil {
			return result, err
		}
	}
	defer func() {
		for _, cb := range cbs {
			if err := cb.OnTrainEnd(); err != nil {
				klog.Errorf("callback end: %v", err)
			}
		}
	}()

	tr := model.TrainingResult{InitLoss: float32(math.NaN()), InitAccuracy: float32(math.NaN())}
	if t.ValidDS.Len() > 0 {
		evalValues, err := trainer.Eval(t.ValidDS)
		t.ValidDS.Reset()
		if err != nil {
			return result, errors.WithMessage(err, "failed initial evaluation")
		}
		tr.InitLoss = float32(MetricValue(trainer.EvalMetrics(), evalValues, IsLoss("Mean Loss")))
		tr.InitAccuracy = float32(MetricValue(trainer.EvalMetrics(), evalValues, IsMetric(meanAcc)))
		klog.Infof("initial val_loss: %.4f - val_accuracy: %.4f", tr.InitLoss, tr.InitAccuracy)
	}

	for epoch := 1; epoch <= t.Config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return result, errors.Wrapf(err, "training cancelled before epoch %d", epoch)
		}

		trainValues, err := loop.RunEpochs(t.TrainDS, 1)
		if err != nil {
			return result, errors.WithMessagef(err, "epoch %d", epoch)
		}
		logs := callbacks.EpochLogs{
			Epoch:       epoch,
			Step:        loop.LoopStep,
			Loss:        MetricValue(trainer.TrainMetrics(), trainValues, IsLoss("Moving Average Loss")),
			Accuracy:    MetricValue(trainer.TrainMetrics(), trainValues, IsMetric(movingAcc)),
			ValLoss:     math.NaN(),
			ValAccuracy: math.NaN(),
			Time:        time.Now(),
		}

		if t.ValidDS.Len() > 0 {
			evalValues, err := trainer.Eval(t.ValidDS)
			t.ValidDS.Reset()
			if err != nil {
				return result, errors.WithMessagef(err, "failed to evaluate epoch %d", epoch)
			}
			logs.ValLoss = MetricValue(trainer.EvalMetrics(), evalValues, IsLoss("Mean Loss"))
			logs.ValAccuracy = MetricValue(trainer.EvalMetrics(), evalValues, IsMetric(meanAcc))
		}

		klog.Infof("epoch %d/%d - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f",
			epoch, t.Config.Epochs, logs.Loss, logs.Accuracy, logs.ValLoss, logs.ValAccuracy)

		tr.Epochs = epoch
		tr.TrainLoss = append(tr.TrainLoss, float32(logs.Loss))
		tr.TrainAccuracy = append(tr.TrainAccuracy, float32(logs.Accuracy))
		tr.ValidationLoss = append(tr.ValidationLoss, float32(logs.ValLoss))
		tr.ValidationAccuracy = append(tr.ValidationAccuracy, float32(logs.ValAccuracy))
		result.Epochs = append(result.Epochs, logs)

		m.Metadata.Labels = classes
		m.Metadata.TrainingResult = tr
		for _, cb := range cbs {
			if err := cb.OnEpochEnd(logs); err != nil {
				return result, err
			}
		}
	}

	m.Metadata.Name = "model"
	m.Metadata.Description = "trained chicken fecal image classifier"
	if err := m.Save(t.Config.TrainedModelPath); err != nil {
		return result, err
	}
	klog.Infof("trained model saved at %s", t.Config.TrainedModelPath)
	return result, nil
}

// IsMetric want 와 같은 지표
func IsMetric(want metrics.Interface) func(metrics.Interface) bool {
	return func(m metrics.Interface) bool { return m == want }
}

// IsLoss 이름이 name 인 loss 지표. batch loss 는 제외
func IsLoss(name string) func(metrics.Interface) bool {
	return func(m metrics.Interface) bool {
		if m.Name() == name {
			return true
		}
		lower := strings.ToLower(m.Name())
		return strings.Contains(lower, "loss") && !strings.Contains(lower, "batch")
	}
}

// MetricValue match 되는 첫 지표 값, 없으면 NaN
func MetricValue(objs []metrics.Interface, values []*tensors.Tensor, match func(metrics.Interface) bool) float64 {
	for i, obj := range objs {
		if i >= len(values) || values[i] == nil {
			break
		}
		if match(obj) {
			return shapes.ConvertTo[float64](values[i].Value())
		}
	}
	return math.NaN()
}
