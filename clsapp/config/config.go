package config

import (
	"path/filepath"

	"github.com/harrison-roh/chicken-disease-classification/clsapp/constants"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/utils"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Document config.yaml 구조
type Document struct {
	ArtifactsRoot string `yaml:"artifacts_root"`

	DataIngestion struct {
		RootDir       string `yaml:"root_dir"`
		SourceURL     string `yaml:"source_URL"`
		LocalDataFile string `yaml:"local_data_file"`
		UnzipDir      string `yaml:"unzip_dir"`
	} `yaml:"data_ingestion"`

	PrepareBaseModel struct {
		RootDir              string `yaml:"root_dir"`
		BaseModelPath        string `yaml:"base_model_path"`
		UpdatedBaseModelPath string `yaml:"updated_base_model_path"`
	} `yaml:"prepare_base_model"`

	PrepareCallbacks struct {
		RootDir                 string `yaml:"root_dir"`
		TensorboardRootLogDir   string `yaml:"tensorboard_root_log_dir"`
		CheckpointModelFilepath string `yaml:"checkpoint_model_filepath"`
	} `yaml:"prepare_callbacks"`

	Training struct {
		RootDir          string `yaml:"root_dir"`
		TrainedModelPath string `yaml:"trained_model_path"`
	} `yaml:"training"`

	Evaluation struct {
		RootDir     string `yaml:"root_dir"`
		MetricsFile string `yaml:"metrics_file"`
	} `yaml:"evaluation"`

	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	Server struct {
		Host       string `yaml:"host"`
		Port       int    `yaml:"port"`
		InputImage string `yaml:"input_image"`
	} `yaml:"server"`
}

// Params params.yaml 구조
type Params struct {
	Augmentation    bool     `yaml:"AUGMENTATION" json:"AUGMENTATION"`
	ImageSize       []int    `yaml:"IMAGE_SIZE" json:"IMAGE_SIZE"`
	BatchSize       int      `yaml:"BATCH_SIZE" json:"BATCH_SIZE"`
	IncludeTop      bool     `yaml:"INCLUDE_TOP" json:"INCLUDE_TOP"`
	Epochs          int      `yaml:"EPOCHS" json:"EPOCHS"`
	Classes         int      `yaml:"CLASSES" json:"CLASSES"`
	Weights         string   `yaml:"WEIGHTS" json:"WEIGHTS"`
	LearningRate    float64  `yaml:"LEARNING_RATE" json:"LEARNING_RATE"`
	ValidationSplit *float64 `yaml:"VALIDATION_SPLIT,omitempty" json:"VALIDATION_SPLIT,omitempty"`
	DatasetDir      string   `yaml:"DATASET_DIR,omitempty" json:"DATASET_DIR,omitempty"`
}

// Split validation split 값 (기본값 0.2)
func (p Params) Split() float64 {
	if p.ValidationSplit == nil {
		return constants.ValidationSplit
	}
	return *p.ValidationSplit
}

func (p Params) validate() error {
	if len(p.ImageSize) < 2 || p.ImageSize[0] <= 0 || p.ImageSize[1] <= 0 {
		return errors.Errorf("IMAGE_SIZE must have at least 2 positive entries, got %v", p.ImageSize)
	}
	if p.BatchSize <= 0 {
		return errors.Errorf("BATCH_SIZE must be > 0, got %d", p.BatchSize)
	}
	if p.Epochs <= 0 {
		return errors.Errorf("EPOCHS must be > 0, got %d", p.Epochs)
	}
	if p.Classes <= 0 {
		return errors.Errorf("CLASSES must be > 0, got %d", p.Classes)
	}
	if s := p.Split(); s < 0 || s >= 1 {
		return errors.Errorf("VALIDATION_SPLIT must be in [0, 1), got %g", s)
	}
	return nil
}

// Manager 설정 파일을 읽어 단계별 설정을 생성
type Manager struct {
	Config Document
	Params Params
}

// New config.yaml, params.yaml 을 읽어 Manager 생성
func New(configFilepath, paramsFilepath string) (*Manager, error) {
	if configFilepath == "" {
		configFilepath = constants.ConfigFilePath
	}
	if paramsFilepath == "" {
		paramsFilepath = constants.ParamsFilePath
	}

	m := &Manager{}
	if err := utils.ReadYAML(configFilepath, &m.Config); err != nil {
		return nil, err
	}
	if err := utils.ReadYAML(paramsFilepath, &m.Params); err != nil {
		return nil, err
	}
	if err := m.Params.validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid params %q", paramsFilepath)
	}

	if m.Config.ArtifactsRoot == "" {
		m.Config.ArtifactsRoot = constants.ArtifactsDir
	}
	if err := utils.CreateDirectories(m.Config.ArtifactsRoot); err != nil {
		return nil, err
	}

	return m, nil
}

// DataIngestionConfig 데이터 수집 설정 반환
func (m *Manager) DataIngestionConfig() (DataIngestionConfig, error) {
	cfg := m.Config.DataIngestion
	if err := utils.CreateDirectories(cfg.RootDir); err != nil {
		return DataIngestionConfig{}, err
	}

	return DataIngestionConfig{
		RootDir:       cfg.RootDir,
		SourceURL:     cfg.SourceURL,
		LocalDataFile: cfg.LocalDataFile,
		UnzipDir:      cfg.UnzipDir,
	}, nil
}

// PrepareBaseModelConfig base model 설정 반환
func (m *Manager) PrepareBaseModelConfig() (PrepareBaseModelConfig, error) {
	cfg := m.Config.PrepareBaseModel
	if err := utils.CreateDirectories(cfg.RootDir); err != nil {
		return PrepareBaseModelConfig{}, err
	}

	return PrepareBaseModelConfig{
		RootDir:              cfg.RootDir,
		BaseModelPath:        cfg.BaseModelPath,
		UpdatedBaseModelPath: cfg.UpdatedBaseModelPath,
		ImageSize:            m.Params.ImageSize,
		LearningRate:         m.Params.LearningRate,
		IncludeTop:           m.Params.IncludeTop,
		Weights:              m.Params.Weights,
		Classes:              m.Params.Classes,
	}, nil
}

// PrepareCallbackConfig callback 설정 반환
func (m *Manager) PrepareCallbackConfig() (PrepareCallbacksConfig, error) {
	cfg := m.Config.PrepareCallbacks
	if err := utils.CreateDirectories(
		cfg.RootDir,
		cfg.TensorboardRootLogDir,
		filepath.Dir(cfg.CheckpointModelFilepath),
	); err != nil {
		return PrepareCallbacksConfig{}, err
	}

	return PrepareCallbacksConfig{
		RootDir:                 cfg.RootDir,
		TensorboardRootLogDir:   cfg.TensorboardRootLogDir,
		CheckpointModelFilepath: cfg.CheckpointModelFilepath,
	}, nil
}

// TrainingData 학습 이미지 루트 디렉토리
func (m *Manager) TrainingData() string {
	datasetDir := m.Params.DatasetDir
	if datasetDir == "" {
		datasetDir = constants.DatasetDir
	}
	return filepath.Join(m.Config.DataIngestion.UnzipDir, datasetDir)
}

// TrainingConfig 학습 설정 반환
func (m *Manager) TrainingConfig() (TrainingConfig, error) {
	cfg := m.Config.Training
	if err := utils.CreateDirectories(cfg.RootDir); err != nil {
		return TrainingConfig{}, err
	}

	return TrainingConfig{
		RootDir:              cfg.RootDir,
		TrainedModelPath:     cfg.TrainedModelPath,
		TrainingData:         m.TrainingData(),
		UpdatedBaseModelPath: m.Config.PrepareBaseModel.UpdatedBaseModelPath,
		BaseModelPath:        m.Config.PrepareBaseModel.BaseModelPath,
		BatchSize:            m.Params.BatchSize,
		Epochs:               m.Params.Epochs,
		IsAugmentation:       m.Params.Augmentation,
		ImageSize:            m.Params.ImageSize,
		LearningRate:         m.Params.LearningRate,
		ValidationSplit:      m.Params.Split(),
	}, nil
}

// EvaluationConfig 평가 설정 반환
func (m *Manager) EvaluationConfig() (EvaluationConfig, error) {
	metricsFile := m.Config.Evaluation.MetricsFile
	if metricsFile == "" {
		metricsFile = constants.MetricsFilePath
	}
	if err := utils.CreateDirectories(m.Config.Evaluation.RootDir); err != nil {
		return EvaluationConfig{}, err
	}
	klog.V(1).Infof("evaluation metrics will be saved at %s", metricsFile)

	return EvaluationConfig{
		PathOfModel:     m.Config.Training.TrainedModelPath,
		TrainingData:    m.TrainingData(),
		AllParams:       m.Params,
		ImageSize:       m.Params.ImageSize,
		BatchSize:       m.Params.BatchSize,
		ValidationSplit: m.Params.Split(),
		MetricsFile:     metricsFile,
	}, nil
}

// ServerConfig 서버 설정 반환
func (m *Manager) ServerConfig() ServerConfig {
	cfg := ServerConfig{
		Host:       m.Config.Server.Host,
		Port:       m.Config.Server.Port,
		InputImage: m.Config.Server.InputImage,
	}
	if cfg.Host == "" {
		cfg.Host = constants.ServerHost
	}
	if cfg.Port == 0 {
		cfg.Port = constants.ServerPort
	}
	if cfg.InputImage == "" {
		cfg.InputImage = constants.InputImageFile
	}
	return cfg
}

// DatabaseConfig db 설정 반환
func (m *Manager) DatabaseConfig() DatabaseConfig {
	driver := m.Config.Database.Driver
	if driver == "" {
		driver = "mysql"
	}
	return DatabaseConfig{
		Driver: driver,
		DSN:    m.Config.Database.DSN,
	}
}
