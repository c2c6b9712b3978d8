package pipeline

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/google/uuid"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/config"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/data/db"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Recorder 실행 이력 기록. db.DBconn 이 구현한다
type Recorder interface {
	Insert(run db.Run) error
	Finish(id, status string, epochs int, loss, accuracy float64, message string) error
}

// Stage 파이프라인 단계
type Stage interface {
	Key() string
	Name() string
	Run(ctx context.Context) error
}

// scorer 학습, 평가 단계의 결과
type scorer interface {
	Score() (epochs int, loss, accuracy float64)
}

// Pipeline 단계들이 공유하는 설정과 자원
type Pipeline struct {
	Config *config.Manager

	// 비어있으면 처음 필요할 때 생성
	Backend backends.Backend
	// nil 이면 이력을 기록하지 않음
	Recorder    Recorder
	ProgressBar bool

	backendOnce sync.Once
	backendErr  error
}

// New 새로운 Pipeline 생성
func New(cfg *config.Manager) *Pipeline {
	return &Pipeline{Config: cfg}
}

func (p *Pipeline) backend() (backends.Backend, error) {
	p.backendOnce.Do(func() {
		if p.Backend == nil {
			p.Backend, p.backendErr = model.NewBackend()
		}
	})
	return p.Backend, p.backendErr
}

// Stages 실행 순서대로 모든 단계
func (p *Pipeline) Stages() []Stage {
	return []Stage{
		&DataIngestionStage{p: p},
		&PrepareBaseModelStage{p: p},
		&TrainingStage{p: p},
		&EvaluationStage{p: p},
	}
}

// Stage key 에 해당하는 단계
func (p *Pipeline) Stage(key string) (Stage, error) {
	var keys []string
	for _, s := range p.Stages() {
		if s.Key() == key {
			return s, nil
		}
		keys = append(keys, s.Key())
	}
	return nil, errors.Errorf("unknown stage %q, expected one of %v", key, keys)
}

// RunStage 단계 하나를 실행하고 이력을 기록
func (p *Pipeline) RunStage(ctx context.Context, s Stage) (err error) {
	klog.Infof(">>>>>> stage %s started <<<<<<", s.Name())

	run := db.Run{
		ID:        uuid.New().String(),
		Stage:     s.Key(),
		Status:    db.StatusRunning,
		StartedAt: time.Now(),
	}
	if p.Recorder != nil {
		if err := p.Recorder.Insert(run); err != nil {
			klog.Warningf("failed to record stage %s: %v", s.Name(), err)
		}
	}

	defer func() {
		if p.Recorder == nil {
			return
		}
		status, message := db.StatusSucceeded, ""
		if err != nil {
			status, message = db.StatusFailed, err.Error()
		}
		epochs, loss, acc := 0, 0.0, 0.0
		if sc, ok := s.(scorer); ok && err == nil {
			epochs, loss, acc = sc.Score()
			klog.V(1).Infof("stage %s: epochs %d, loss %.4f, accuracy %.4f", s.Name(), epochs, loss, acc)
			loss, acc = finite(loss), finite(acc)
		}
		if ferr := p.Recorder.Finish(run.ID, status, epochs, loss, acc, message); ferr != nil {
			klog.Warningf("failed to record stage %s result: %v", s.Name(), ferr)
		}
	}()

	if err = s.Run(ctx); err != nil {
		klog.Errorf("stage %s failed: %v", s.Name(), err)
		return errors.WithMessagef(err, "stage %s", s.Name())
	}
	klog.Infof(">>>>>> stage %s completed <<<<<<\n\nx==========x", s.Name())
	return nil
}

// RunAll 모든 단계를 순서대로 실행. 실패한 단계에서 멈춘다
func (p *Pipeline) RunAll(ctx context.Context) error {
	for _, s := range p.Stages() {
		if err := p.RunStage(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// RunAll cfg 로 전체 파이프라인을 실행
func RunAll(ctx context.Context, cfg *config.Manager) error {
	return New(cfg).RunAll(ctx)
}

// finite NaN, Inf 는 db 에 저장할 수 없으므로 0 으로 기록
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
