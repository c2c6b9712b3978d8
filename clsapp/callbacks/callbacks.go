package callbacks

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/harrison-roh/chicken-disease-classification/clsapp/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	timestampFormat = "2006-01-02-15-04-05"
	metricsFile     = "metrics.jsonl"
)

// EpochLogs epoch 종료시 전달되는 지표. validation 이 없으면 Val* 는 NaN
type EpochLogs struct {
	Epoch       int
	Step        int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
	Time        time.Time
}

// Saver 모델 저장
type Saver interface {
	Save(dir string) error
}

// Callback 학습 단계별 hook
type Callback interface {
	OnTrainBegin(model Saver) error
	OnEpochEnd(logs EpochLogs) error
	OnTrainEnd() error
}

// TensorBoard run 별 디렉토리에 epoch 지표를 json line 으로 기록
type TensorBoard struct {
	LogDir string

	f *os.File
}

// OnTrainBegin log 파일 생성
func (tb *TensorBoard) OnTrainBegin(_ Saver) error {
	if err := os.MkdirAll(tb.LogDir, os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create log dir %q", tb.LogDir)
	}
	f, err := os.OpenFile(filepath.Join(tb.LogDir, metricsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to open metrics file in %q", tb.LogDir)
	}
	tb.f = f
	return nil
}

// jsonFloat NaN, Inf 는 null 로 기록
func jsonFloat(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// OnEpochEnd 지표 기록
func (tb *TensorBoard) OnEpochEnd(logs EpochLogs) error {
	if tb.f == nil {
		return errors.New("tensorboard callback not started")
	}
	record := map[string]interface{}{
		"epoch":        logs.Epoch,
		"step":         logs.Step,
		"loss":         jsonFloat(logs.Loss),
		"accuracy":     jsonFloat(logs.Accuracy),
		"val_loss":     jsonFloat(logs.ValLoss),
		"val_accuracy": jsonFloat(logs.ValAccuracy),
		"time":         logs.Time.Format(time.RFC3339),
	}
	b, err := json.Marshal(record)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = tb.f.Write(append(b, '\n'))
	return errors.Wrap(err, "failed to write metrics")
}

// OnTrainEnd log 파일 닫기
func (tb *TensorBoard) OnTrainEnd() error {
	if tb.f == nil {
		return nil
	}
	err := tb.f.Close()
	tb.f = nil
	return errors.WithStack(err)
}

// ModelCheckpoint val_loss 가 개선될 때만 모델을 저장 (save best only)
type ModelCheckpoint struct {
	Filepath string

	model Saver
	best  float64
	saved int
}

// OnTrainBegin 저장할 모델 설정
func (mc *ModelCheckpoint) OnTrainBegin(model Saver) error {
	if model == nil {
		return errors.New("model checkpoint requires a model")
	}
	mc.model = model
	mc.best = math.Inf(1)
	mc.saved = 0
	return nil
}

// OnEpochEnd val_loss 개선시 저장
func (mc *ModelCheckpoint) OnEpochEnd(logs EpochLogs) error {
	if math.IsNaN(logs.ValLoss) || logs.ValLoss >= mc.best {
		klog.V(1).Infof("epoch %d: val_loss did not improve from %.5f", logs.Epoch, mc.best)
		return nil
	}
	klog.Infof("epoch %d: val_loss improved from %.5f to %.5f, saving model to %s",
		logs.Epoch, mc.best, logs.ValLoss, mc.Filepath)
	if err := mc.model.Save(mc.Filepath); err != nil {
		return err
	}
	mc.best = logs.ValLoss
	mc.saved++
	return nil
}

// OnTrainEnd no-op
func (mc *ModelCheckpoint) OnTrainEnd() error { return nil }

// Best 가장 좋은 val_loss 와 저장 횟수
func (mc *ModelCheckpoint) Best() (float64, int) { return mc.best, mc.saved }

// PrepareCallback 학습 callback 생성
type PrepareCallback struct {
	Config config.PrepareCallbacksConfig

	now func() time.Time
}

// NewPrepareCallback 새로운 PrepareCallback 생성
func NewPrepareCallback(cfg config.PrepareCallbacksConfig) *PrepareCallback {
	return &PrepareCallback{Config: cfg, now: time.Now}
}

// TbRunDir tensorboard_root_log_dir/tb_logs_at_<timestamp>
func (p *PrepareCallback) TbRunDir() string {
	return filepath.Join(p.Config.TensorboardRootLogDir, fmt.Sprintf("tb_logs_at_%s", p.now().Format(timestampFormat)))
}

// CreateTbCallback TensorBoard callback 생성
func (p *PrepareCallback) CreateTbCallback() *TensorBoard {
	return &TensorBoard{LogDir: p.TbRunDir()}
}

// CreateCkptCallback ModelCheckpoint callback 생성
func (p *PrepareCallback) CreateCkptCallback() *ModelCheckpoint {
	return &ModelCheckpoint{Filepath: p.Config.CheckpointModelFilepath, best: math.Inf(1)}
}

// GetTbCkptCallbacks [TensorBoard, ModelCheckpoint]
func (p *PrepareCallback) GetTbCkptCallbacks() []Callback {
	return []Callback{p.CreateTbCallback(), p.CreateCkptCallback()}
}
