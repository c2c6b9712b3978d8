package inference

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/constants"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/data"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Inference 이미지 추론 모델 관리
type Inference struct {
	backend backends.Backend
	models  map[string]*iModel
	rwMutex sync.RWMutex
}

// New 이미지 추론 모델 관리자 생성
func New(backend backends.Backend) *Inference {
	return &Inference{
		backend: backend,
		models:  make(map[string]*iModel),
	}
}

const (
	modelStatusReady = iota
	modelStatusBuild
	modelStatusRun
)

// iModel 이미지 추론 모델
type iModel struct {
	name      string
	modelPath string
	status    int32
	refCount  int32

	// mu 는 재로드시 아래 필드 교체를 보호한다
	mu     sync.RWMutex
	m      *model.Model
	exec   *context.Exec
	labels []string
	stamp  time.Time
}

// checkpointStamp dir 의 checkpoint 및 model.yaml 중 가장 최근 수정 시간
func checkpointStamp(dir string) (time.Time, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to read model dir %q", dir)
	}
	var stamp time.Time
	for _, e := range entries {
		name := e.Name()
		isCheckpoint := strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, checkpoints.JsonNameSuffix)
		if e.IsDir() || !(isCheckpoint || name == constants.ModelMetadataFile) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(stamp) {
			stamp = info.ModTime()
		}
	}
	return stamp, nil
}

func (i *Inference) loadModel(m *iModel) error {
	stamp, err := checkpointStamp(m.modelPath)
	if err != nil {
		return errors.Wrapf(model.ErrModelNotFound, "%v", err)
	}
	loaded, err := model.Load(m.modelPath)
	if err != nil {
		return err
	}
	if !loaded.IncludeTop() {
		return errors.Errorf("model at %q has no classification head", m.modelPath)
	}

	exec, err := context.NewExec(i.backend, loaded.Scoped(), func(ctx *context.Context, images *graph.Node) *graph.Node {
		logits := model.ModelGraph(ctx, nil, []*graph.Node{images})[0]
		return graph.Softmax(logits)
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to create executor for %q", m.modelPath)
	}

	m.mu.Lock()
	old := m.exec
	m.m = loaded
	m.exec = exec
	m.labels = loaded.Metadata.Labels
	m.stamp = stamp
	m.mu.Unlock()
	if old != nil {
		old.Finalize()
	}

	// Setting status should always be last
	atomic.StoreInt32(&m.status, modelStatusRun)
	klog.Infof("inference model %q loaded from %s", m.name, m.modelPath)
	return nil
}

func (i *Inference) getModel(name string) *iModel {
	if m, ok := i.models[name]; ok {
		atomic.AddInt32(&m.refCount, 1)
		return m
	}
	return nil
}

func (i *Inference) putModel(m *iModel) {
	atomic.AddInt32(&m.refCount, -1)
}

// Register modelPath 의 모델을 name 으로 로드한다. 같은 이름이 있으면 경로를 바꾸어 다시 로드한다.
func (i *Inference) Register(name, modelPath string) error {
	if name == "" {
		return errors.New("empty model name")
	}

	i.rwMutex.Lock()
	m, ok := i.models[name]
	if !ok {
		for _, other := range i.models {
			if other.modelPath == modelPath {
				i.rwMutex.Unlock()
				return errors.Errorf("duplicated model path: %s", modelPath)
			}
		}
		m = &iModel{name: name, modelPath: modelPath, status: modelStatusReady}
		i.models[name] = m
	}
	atomic.AddInt32(&m.refCount, 1)
	i.rwMutex.Unlock()
	defer i.putModel(m)

	prevPath := m.modelPath
	m.mu.Lock()
	m.modelPath = modelPath
	m.mu.Unlock()

	atomic.StoreInt32(&m.status, modelStatusBuild)
	if err := i.loadModel(m); err != nil {
		if !ok {
			i.rwMutex.Lock()
			delete(i.models, name)
			i.rwMutex.Unlock()
		} else {
			m.mu.Lock()
			m.modelPath = prevPath
			m.mu.Unlock()
			i.restoreStatus(m)
		}
		return err
	}
	return nil
}

// restoreStatus 재로드 실패시 이전 모델이 있으면 계속 사용
func (i *Inference) restoreStatus(m *iModel) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.exec != nil {
		atomic.StoreInt32(&m.status, modelStatusRun)
	} else {
		atomic.StoreInt32(&m.status, modelStatusReady)
	}
}

// Reload 모델을 같은 경로에서 다시 로드
func (i *Inference) Reload(name string) error {
	i.rwMutex.RLock()
	m := i.getModel(name)
	i.rwMutex.RUnlock()

	if m == nil {
		return errors.Errorf("no such model: %s", name)
	}
	defer i.putModel(m)

	atomic.StoreInt32(&m.status, modelStatusBuild)
	if err := i.loadModel(m); err != nil {
		i.restoreStatus(m)
		return err
	}
	return nil
}

// Stale 모델 로드 이후 checkpoint 가 바뀌었는지 확인
func (i *Inference) Stale(name string) bool {
	i.rwMutex.RLock()
	m := i.getModel(name)
	i.rwMutex.RUnlock()

	if m == nil {
		return true
	}
	defer i.putModel(m)

	m.mu.RLock()
	defer m.mu.RUnlock()
	stamp, err := checkpointStamp(m.modelPath)
	if err != nil {
		return true
	}
	return stamp.After(m.stamp)
}

// Path 모델 경로, 등록되지 않았으면 빈 문자열
func (i *Inference) Path(name string) string {
	i.rwMutex.RLock()
	defer i.rwMutex.RUnlock()

	if m, ok := i.models[name]; ok {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.modelPath
	}
	return ""
}

// GetModels 이미지 추론 모델 목록 반환
func (i *Inference) GetModels() []string {
	i.rwMutex.RLock()
	defer i.rwMutex.RUnlock()

	var models []string
	for name := range i.models {
		models = append(models, name)
	}
	sort.Strings(models)
	return models
}

func statusString(status int32) string {
	switch status {
	case modelStatusReady:
		return "ready"
	case modelStatusBuild:
		return "build"
	case modelStatusRun:
		return "run"
	default:
		return "unknown"
	}
}

// GetModel 이미지 추론 모델 정보 반환
func (i *Inference) GetModel(name string, verbose bool) map[string]interface{} {
	i.rwMutex.RLock()
	m := i.getModel(name)
	i.rwMutex.RUnlock()

	if m == nil {
		return nil
	}
	defer i.putModel(m)

	m.mu.RLock()
	defer m.mu.RUnlock()

	info := map[string]interface{}{
		"model":     m.name,
		"modelPath": m.modelPath,
		"refCount":  atomic.LoadInt32(&m.refCount) - 1,
		"status":    statusString(atomic.LoadInt32(&m.status)),
	}
	if m.m == nil {
		return info
	}

	md := m.m.Metadata
	labels := m.labels
	if !verbose && len(labels) > 10 {
		labels = append(append([]string{}, labels[:10]...), "...")
	}
	info["inputShape"] = md.InputShape
	info["numberOfLabels"] = m.m.Classes()
	info["type"] = md.Type
	info["classification"] = md.Classification
	info["description"] = md.Description
	info["labels"] = labels
	info["loadedAt"] = m.stamp

	if verbose {
		info["trainingResult"] = md.TrainingResult
	}
	return info
}

// InferLabel 이미지 추론 항목
type InferLabel struct {
	Prob  float32 `json:"probability"`
	Label string  `json:"label"`
}

type sortByProb []InferLabel

func (s sortByProb) Len() int {
	return len(s)
}

func (s sortByProb) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sortByProb) Less(i, j int) bool {
	return s[i].Prob > s[j].Prob
}

// Infer imagePath 의 이미지를 추론하여 확률이 높은 순으로 k 개 반환
func (i *Inference) Infer(name, imagePath string, k int) ([]InferLabel, error) {
	i.rwMutex.RLock()
	m := i.getModel(name)
	i.rwMutex.RUnlock()

	if m == nil {
		return nil, errors.Errorf("no such model: %s", name)
	}
	defer i.putModel(m)

	if atomic.LoadInt32(&m.status) != modelStatusRun {
		return nil, errors.Errorf("model %s is not ready yet", name)
	}
	return m.infer(imagePath, k)
}

func (m *iModel) infer(imagePath string, k int) ([]InferLabel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, w := m.m.InputSize()
	input, err := data.LoadImageTensor(imagePath, h, w, constants.Rescale)
	if err != nil {
		return nil, err
	}
	defer input.FinalizeAll()

	var output *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		var err error
		if output, err = m.exec.Exec1(input); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to run model %s", m.name)
	}
	probs := tensors.MustCopyFlatData[float32](output)
	output.FinalizeAll()

	infers := make([]InferLabel, len(probs))
	for idx, prob := range probs {
		infers[idx] = InferLabel{Prob: prob, Label: m.label(idx)}
	}
	sort.Stable(sortByProb(infers))

	if k <= 0 {
		k = constants.DefaultMultiClassMax
	}
	if k > len(infers) {
		k = len(infers)
	}
	return infers[:k], nil
}

// label 모델에 label 이 없으면 1 은 Healthy, 나머지는 Coccidiosis
func (m *iModel) label(idx int) string {
	if idx < len(m.labels) {
		return m.labels[idx]
	}
	if idx == 1 {
		return constants.FallbackLabels[1]
	}
	return constants.FallbackLabels[0]
}

// describe 로그용 모델 경로 목록
func describe(paths []string) string {
	quoted := make([]string, len(paths))
	for idx, p := range paths {
		quoted[idx] = fmt.Sprintf("%q", p)
	}
	return strings.Join(quoted, ", ")
}
