package model

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/constants"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scope 모델 변수 scope
const Scope = "model"

// context hyperparameters, checkpoint 와 함께 저장된다.
const (
	ParamImageHeight  = "image_height"
	ParamImageWidth   = "image_width"
	ParamClasses      = "num_classes"
	ParamIncludeTop   = "include_top"
	ParamFreezeBase   = "freeze_base"
	ParamConvBlocks   = "conv_blocks"
	ParamConvChannels = "conv_channels"
	ParamDenseUnits   = "dense_units"
	ParamDropoutRate  = "dropout_rate"
)

var (
	// ErrModelNotFound 모델 checkpoint 가 없음
	ErrModelNotFound = errors.New("model not found")
)

// HParams 모델 구조 설정
type HParams struct {
	Height, Width int
	Classes       int
	IncludeTop    bool
	FreezeBase    bool

	ConvBlocks   int
	ConvChannels int
	DenseUnits   int
	DropoutRate  float64
}

// DefaultHParams 224x224 입력, 4 개의 conv block
func DefaultHParams(classes int) HParams {
	return HParams{
		Height:       constants.ImageHeight,
		Width:        constants.ImageWidth,
		Classes:      classes,
		IncludeTop:   true,
		FreezeBase:   true,
		ConvBlocks:   4,
		ConvChannels: 16,
		DenseUnits:   128,
		DropoutRate:  0.5,
	}
}

func (h HParams) apply(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamImageHeight:  h.Height,
		ParamImageWidth:   h.Width,
		ParamClasses:      h.Classes,
		ParamIncludeTop:   h.IncludeTop,
		ParamFreezeBase:   h.FreezeBase,
		ParamConvBlocks:   h.ConvBlocks,
		ParamConvChannels: h.ConvChannels,
		ParamDenseUnits:   h.DenseUnits,
		ParamDropoutRate:  h.DropoutRate,
	})
}

// BaseGraph VGG 형태의 feature extractor: (conv 3x3 -> relu -> maxpool 2x2) x blocks
func BaseGraph(ctx *context.Context, images *graph.Node) *graph.Node {
	blocks := context.GetParamOr(ctx, ParamConvBlocks, 4)
	channels := context.GetParamOr(ctx, ParamConvChannels, 16)

	x := images
	for i := 0; i < blocks; i++ {
		blockCtx := ctx.Inf("block%d", i+1)
		x = layers.Convolution(blockCtx.In("conv"), x).Channels(channels).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
		x = graph.MaxPool(x).Window(2).Done()
		channels *= 2
	}
	return x
}

// ModelGraph train.ModelFn 구현. include_top 이면 class logits, 아니면 base feature 를 반환.
func ModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	_ = spec
	images := inputs[0]
	g := images.Graph()
	batchSize := images.Shape().Dimensions[0]

	features := BaseGraph(ctx.In("base"), images)
	if !context.GetParamOr(ctx, ParamIncludeTop, true) {
		return []*graph.Node{features}
	}
	if context.GetParamOr(ctx, ParamFreezeBase, true) {
		features = graph.StopGradient(features)
	}

	headCtx := ctx.In("head")
	logits := graph.Reshape(features, batchSize, -1)
	logits = layers.Dense(headCtx.In("dense_0"), logits, true, context.GetParamOr(ctx, ParamDenseUnits, 128))
	logits = activations.Relu(logits)
	if rate := context.GetParamOr(ctx, ParamDropoutRate, 0.5); rate > 0 {
		logits = layers.DropoutNormalize(headCtx.In("dropout"), logits, graph.Scalar(g, logits.DType(), rate), true)
	}
	classes := context.GetParamOr(ctx, ParamClasses, len(constants.FallbackLabels))
	logits = layers.Dense(headCtx.In("dense_1"), logits, true, classes)
	return []*graph.Node{logits}
}

// Model GoMLX context (변수 + hyperparameters) 와 메타정보
type Model struct {
	Ctx      *context.Context
	Metadata Metadata
	Dir      string
}

// New 새로운 모델 생성. 변수는 Build 또는 학습시 생성된다.
func New(h HParams) *Model {
	ctx := context.New().Checked(false)
	h.apply(ctx)

	md := Metadata{
		Type:           "cnn",
		Classification: ClassificationFor(h.Classes),
		InputShape:     []int{h.Height, h.Width, constants.ImageChannels},
	}

	return &Model{Ctx: ctx, Metadata: md}
}

// Scoped 모델 graph 를 만들 때 사용하는 context
func (m *Model) Scoped() *context.Context {
	return m.Ctx.In(Scope)
}

// InputSize 모델 입력 (height, width)
func (m *Model) InputSize() (int, int) {
	return context.GetParamOr(m.Ctx, ParamImageHeight, constants.ImageHeight),
		context.GetParamOr(m.Ctx, ParamImageWidth, constants.ImageWidth)
}

// Classes 출력 class 수
func (m *Model) Classes() int {
	return context.GetParamOr(m.Ctx, ParamClasses, len(constants.FallbackLabels))
}

// IncludeTop classification head 포함 여부
func (m *Model) IncludeTop() bool {
	return context.GetParamOr(m.Ctx, ParamIncludeTop, true)
}

// SetHead classification head 를 추가(또는 교체)한다. base 변수는 유지된다.
func (m *Model) SetHead(classes int, freezeBase bool) {
	m.Ctx.SetParams(map[string]any{
		ParamIncludeTop: true,
		ParamClasses:    classes,
		ParamFreezeBase: freezeBase,
	})
	m.Metadata.Classification = ClassificationFor(classes)
}

// NumVariables 생성된 변수 수
func (m *Model) NumVariables() int {
	return m.Ctx.NumVariables()
}

// Build 입력 크기의 zero 이미지로 forward pass 를 실행해 변수를 생성한다.
func (m *Model) Build(backend backends.Backend) error {
	h, w := m.InputSize()
	zeros := tensors.FromFlatDataAndDimensions(make([]float32, h*w*constants.ImageChannels), 1, h, w, constants.ImageChannels)
	defer zeros.FinalizeAll()

	var out *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		var err error
		out, err = context.ExecOnce(backend, m.Scoped(), func(ctx *context.Context, images *graph.Node) *graph.Node {
			return ModelGraph(ctx, nil, []*graph.Node{images})[0]
		}, zeros)
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return errors.WithMessage(err, "failed to build model graph")
	}
	out.FinalizeAll()

	klog.V(1).Infof("model built: %d variables, output shape %s", m.NumVariables(), out.Shape())
	return nil
}

// Exists dir 에 checkpoint 가 있는지 확인
func Exists(dir string) bool {
	if dir == "" {
		return false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, checkpoints.JsonNameSuffix) {
			return true
		}
	}
	return false
}

// Load dir 의 checkpoint 와 model.yaml 로드. hyperparameter 도 함께 복원된다.
func Load(dir string) (*Model, error) {
	if !Exists(dir) {
		return nil, errors.Wrapf(ErrModelNotFound, "no checkpoint in %q", dir)
	}

	ctx := context.New().Checked(false)
	if _, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done(); err != nil {
		return nil, errors.WithMessagef(err, "failed to load model from %q", dir)
	}

	m := &Model{Ctx: ctx, Dir: dir}
	md, err := LoadMetadata(dir)
	if err != nil {
		klog.Warningf("model metadata not found in %s: %v", dir, err)
		h, w := m.InputSize()
		md = Metadata{
			Type:           "cnn",
			Classification: ClassificationFor(m.Classes()),
			InputShape:     []int{h, w, constants.ImageChannels},
		}
	}
	m.Metadata = md

	klog.V(1).Infof("model loaded from %s (%d variables)", dir, m.NumVariables())
	return m, nil
}

// Save dir 의 내용을 지우고 checkpoint 와 model.yaml 을 저장
func (m *Model) Save(dir string) error {
	if m.NumVariables() == 0 {
		return errors.Errorf("model has no variables to save to %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to clear %q", dir)
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return errors.Wrapf(err, "failed to create %q", dir)
	}

	handler, err := checkpoints.Build(m.Ctx).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint in %q", dir)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint in %q", dir)
	}

	h, w := m.InputSize()
	m.Metadata.InputShape = []int{h, w, constants.ImageChannels}
	if err := SaveMetadata(dir, m.Metadata); err != nil {
		return err
	}
	m.Dir = dir

	klog.V(1).Infof("model saved at %s", dir)
	return nil
}

// NewBackend 기본 backend 생성 (GOMLX_BACKEND 환경변수로 선택)
func NewBackend() (backend backends.Backend, err error) {
	err = exceptions.TryCatch[error](func() { backend = backends.MustNew() })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create compute backend")
	}
	return backend, nil
}
