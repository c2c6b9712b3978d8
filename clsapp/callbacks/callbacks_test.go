package callbacks

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harrison-roh/chicken-disease-classification/clsapp/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSaver struct {
	dirs []string
	err  error
}

func (s *fakeSaver) Save(dir string) error {
	if s.err != nil {
		return s.err
	}
	s.dirs = append(s.dirs, dir)
	return nil
}

func TestGetTbCkptCallbacks(t *testing.T) {
	root := t.TempDir()
	p := NewPrepareCallback(config.PrepareCallbacksConfig{
		RootDir:                 root,
		TensorboardRootLogDir:   filepath.Join(root, "tensorboard_log_dir"),
		CheckpointModelFilepath: filepath.Join(root, "checkpoint_dir", "model"),
	})
	p.now = func() time.Time { return time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC) }

	assert.Equal(t, filepath.Join(root, "tensorboard_log_dir", "tb_logs_at_2024-03-05-07-08-09"), p.TbRunDir())

	cbs := p.GetTbCkptCallbacks()
	require.Len(t, cbs, 2)
	assert.IsType(t, &TensorBoard{}, cbs[0])
	assert.IsType(t, &ModelCheckpoint{}, cbs[1])
	assert.Equal(t, filepath.Join(root, "checkpoint_dir", "model"), cbs[1].(*ModelCheckpoint).Filepath)
}

func TestTensorBoard(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tb_logs_at_x")
	tb := &TensorBoard{LogDir: dir}

	require.Error(t, tb.OnEpochEnd(EpochLogs{}))
	require.NoError(t, tb.OnTrainBegin(nil))
	require.NoError(t, tb.OnEpochEnd(EpochLogs{Epoch: 1, Step: 10, Loss: 0.7, Accuracy: 0.5, ValLoss: 0.6, ValAccuracy: 0.55, Time: time.Now()}))
	require.NoError(t, tb.OnEpochEnd(EpochLogs{Epoch: 2, Step: 20, Loss: 0.5, Accuracy: 0.7, ValLoss: math.NaN(), ValAccuracy: math.NaN(), Time: time.Now()}))
	require.NoError(t, tb.OnTrainEnd())
	require.NoError(t, tb.OnTrainEnd())

	f, err := os.Open(filepath.Join(dir, "metrics.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var records []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		records = append(records, r)
	}
	require.Len(t, records, 2)
	assert.Equal(t, 1.0, records[0]["epoch"])
	assert.Equal(t, 0.6, records[0]["val_loss"])
	assert.Nil(t, records[1]["val_loss"])
	assert.Equal(t, 0.5, records[1]["loss"])
}

func TestModelCheckpointSavesBestOnly(t *testing.T) {
	saver := &fakeSaver{}
	mc := &ModelCheckpoint{Filepath: "ckpt"}
	require.Error(t, mc.OnTrainBegin(nil))
	require.NoError(t, mc.OnTrainBegin(saver))

	for i, valLoss := range []float64{0.9, 0.95, math.NaN(), 0.5, 0.5, 0.7} {
		require.NoError(t, mc.OnEpochEnd(EpochLogs{Epoch: i + 1, ValLoss: valLoss}))
	}
	require.NoError(t, mc.OnTrainEnd())

	assert.Equal(t, []string{"ckpt", "ckpt"}, saver.dirs)
	best, saved := mc.Best()
	assert.Equal(t, 0.5, best)
	assert.Equal(t, 2, saved)

	onlyNaN := &ModelCheckpoint{Filepath: "ckpt"}
	saver = &fakeSaver{}
	require.NoError(t, onlyNaN.OnTrainBegin(saver))
	require.NoError(t, onlyNaN.OnEpochEnd(EpochLogs{Epoch: 1, ValLoss: math.NaN()}))
	assert.Empty(t, saver.dirs)

	failing := &ModelCheckpoint{Filepath: "ckpt"}
	require.NoError(t, failing.OnTrainBegin(&fakeSaver{err: errors.New("disk full")}))
	require.Error(t, failing.OnEpochEnd(EpochLogs{Epoch: 1, ValLoss: 0.1}))
	best, _ = failing.Best()
	assert.True(t, math.IsInf(best, 1))
}
