package training

import (
	"bufio"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/callbacks"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/config"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/data/datatest"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	backend, err := model.NewBackend()
	if err != nil {
		t.Skipf("no compute backend: %v", err)
	}
	return backend
}

func tinyModel(t *testing.T, backend backends.Backend, dir string) *model.Model {
	t.Helper()
	m := model.New(model.HParams{
		Height:       8,
		Width:        8,
		Classes:      2,
		IncludeTop:   true,
		FreezeBase:   false,
		ConvBlocks:   1,
		ConvChannels: 2,
		DenseUnits:   4,
		DropoutRate:  0,
	})
	require.NoError(t, m.Build(backend))
	require.NoError(t, m.Save(dir))
	return m
}

func trainingConfig(root, dataDir string) config.TrainingConfig {
	return config.TrainingConfig{
		RootDir:              filepath.Join(root, "training"),
		TrainedModelPath:     filepath.Join(root, "training", "model"),
		TrainingData:         dataDir,
		UpdatedBaseModelPath: filepath.Join(root, "prepare_base_model", "base_model_updated"),
		BaseModelPath:        filepath.Join(root, "prepare_base_model", "base_model"),
		BatchSize:            2,
		Epochs:               2,
		IsAugmentation:       true,
		ImageSize:            []int{8, 8, 3},
		LearningRate:         0.01,
		ValidationSplit:      0.25,
	}
}

func TestGetBaseModelMissing(t *testing.T) {
	root := t.TempDir()
	tr := New(trainingConfig(root, root), nil)
	err := tr.GetBaseModel()
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrModelNotFound))
}

func TestGetBaseModelFallback(t *testing.T) {
	backend := testBackend(t)
	root := t.TempDir()
	cfg := trainingConfig(root, root)
	tinyModel(t, backend, cfg.BaseModelPath)

	tr := New(cfg, backend)
	require.NoError(t, tr.GetBaseModel())
	assert.Equal(t, cfg.BaseModelPath, tr.Model.Dir)

	tinyModel(t, backend, cfg.UpdatedBaseModelPath)
	require.NoError(t, tr.GetBaseModel())
	assert.Equal(t, cfg.UpdatedBaseModelPath, tr.Model.Dir)
}

func TestEnsureCompiled(t *testing.T) {
	m := model.New(model.DefaultHParams(2))
	EnsureCompiled(m, 0)
	opt, found := m.Ctx.GetParam(optimizers.ParamOptimizer)
	require.True(t, found)
	assert.Equal(t, "sgd", opt)
	lr, _ := m.Ctx.GetParam(optimizers.ParamLearningRate)
	assert.Equal(t, 0.01, lr)

	m2 := model.New(model.DefaultHParams(2))
	m2.Ctx.SetParam(optimizers.ParamOptimizer, "adam")
	EnsureCompiled(m2, 0.5)
	opt, _ = m2.Ctx.GetParam(optimizers.ParamOptimizer)
	assert.Equal(t, "adam", opt)
	_, found = m2.Ctx.GetParam(optimizers.ParamLearningRate)
	assert.False(t, found)
}

func TestMakeGenerators(t *testing.T) {
	dataDir := datatest.MakeDataset(t, 4)
	tr := New(trainingConfig(t.TempDir(), dataDir), nil)
	tr.Seed = 1
	require.NoError(t, tr.MakeGenerators())
	assert.Equal(t, 6, tr.TrainDS.Len())
	assert.Equal(t, 2, tr.ValidDS.Len())
	assert.Equal(t, datatest.Classes, tr.TrainDS.Classes())
}

func TestTrain(t *testing.T) {
	backend := testBackend(t)
	root := t.TempDir()
	cfg := trainingConfig(root, datatest.MakeDataset(t, 4))
	tinyModel(t, backend, cfg.UpdatedBaseModelPath)

	tr := New(cfg, backend)
	tr.Seed = 1
	require.NoError(t, tr.GetBaseModel())
	require.NoError(t, tr.MakeGenerators())

	tb := &callbacks.TensorBoard{LogDir: filepath.Join(root, "tb")}
	ckpt := &callbacks.ModelCheckpoint{Filepath: filepath.Join(root, "checkpoint")}
	result, err := tr.Train(context.Background(), []callbacks.Callback{tb, ckpt})
	require.NoError(t, err)

	require.Len(t, result.Epochs, 2)
	last := result.Last()
	assert.Equal(t, 2, last.Epoch)
	assert.False(t, math.IsNaN(last.Loss))
	assert.False(t, math.IsNaN(last.ValLoss))
	assert.GreaterOrEqual(t, last.ValAccuracy, 0.0)
	assert.LessOrEqual(t, last.ValAccuracy, 1.0)

	assert.True(t, model.Exists(cfg.TrainedModelPath))
	assert.True(t, model.Exists(ckpt.Filepath))
	_, saved := ckpt.Best()
	assert.GreaterOrEqual(t, saved, 1)

	trained, err := model.Load(cfg.TrainedModelPath)
	require.NoError(t, err)
	assert.Equal(t, datatest.Classes, trained.Metadata.Labels)
	assert.Equal(t, 2, trained.Metadata.TrainingResult.Epochs)
	assert.Len(t, trained.Metadata.TrainingResult.ValidationLoss, 2)

	f, err := os.Open(filepath.Join(root, "tb", "metrics.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	for scanner := bufio.NewScanner(f); scanner.Scan(); {
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestTrainWithoutValidation(t *testing.T) {
	backend := testBackend(t)
	root := t.TempDir()
	cfg := trainingConfig(root, datatest.MakeDataset(t, 2))
	cfg.ValidationSplit = 0
	cfg.Epochs = 1
	tinyModel(t, backend, cfg.BaseModelPath)

	tr := New(cfg, backend)
	require.NoError(t, tr.GetBaseModel())
	ckpt := &callbacks.ModelCheckpoint{Filepath: filepath.Join(root, "checkpoint")}
	result, err := tr.Train(context.Background(), []callbacks.Callback{ckpt})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(result.Last().ValLoss))
	assert.False(t, model.Exists(ckpt.Filepath))
	assert.True(t, model.Exists(cfg.TrainedModelPath))
}

func TestTrainCancelled(t *testing.T) {
	backend := testBackend(t)
	root := t.TempDir()
	cfg := trainingConfig(root, datatest.MakeDataset(t, 2))
	tinyModel(t, backend, cfg.BaseModelPath)

	tr := New(cfg, backend)
	require.NoError(t, tr.GetBaseModel())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Train(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, model.Exists(cfg.TrainedModelPath))
}

func TestTrainWithoutModel(t *testing.T) {
	tr := New(trainingConfig(t.TempDir(), t.TempDir()), nil)
	_, err := tr.Train(context.Background(), nil)
	require.Error(t, err)
}

func TestTrainClassMismatch(t *testing.T) {
	backend := testBackend(t)
	root := t.TempDir()
	dataDir := datatest.MakeDataset(t, 2)
	extra := filepath.Join(dataDir, "Zother")
	require.NoError(t, os.MkdirAll(extra, os.ModePerm))
	for _, name := range []string{"a.png", "b.png"} {
		datatest.WriteImage(t, filepath.Join(extra, name), 12, 12, datatest.Colors["Healthy"])
	}
	cfg := trainingConfig(root, dataDir)
	tinyModel(t, backend, cfg.BaseModelPath)

	tr := New(cfg, backend)
	require.NoError(t, tr.GetBaseModel())
	require.NoError(t, tr.MakeGenerators())
	require.Len(t, tr.TrainDS.Classes(), 3)

	_, err := tr.Train(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrClassMismatch))
	assert.False(t, model.Exists(cfg.TrainedModelPath))
}
