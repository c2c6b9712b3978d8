package config

// DataIngestionConfig 데이터 다운로드 및 압축해제 설정
type DataIngestionConfig struct {
	RootDir       string
	SourceURL     string
	LocalDataFile string
	UnzipDir      string
}

// PrepareBaseModelConfig base model 생성 설정
type PrepareBaseModelConfig struct {
	RootDir              string
	BaseModelPath        string
	UpdatedBaseModelPath string

	ImageSize    []int
	LearningRate float64
	IncludeTop   bool
	Weights      string
	Classes      int
}

// PrepareCallbacksConfig 학습 callback 설정
type PrepareCallbacksConfig struct {
	RootDir                 string
	TensorboardRootLogDir   string
	CheckpointModelFilepath string
}

// TrainingConfig 학습 설정
type TrainingConfig struct {
	RootDir          string
	TrainedModelPath string
	TrainingData     string

	// 학습 시작 모델 (updated 가 없으면 base 사용)
	UpdatedBaseModelPath string
	BaseModelPath        string

	BatchSize       int
	Epochs          int
	IsAugmentation  bool
	ImageSize       []int
	LearningRate    float64
	ValidationSplit float64
}

// EvaluationConfig 평가 설정
type EvaluationConfig struct {
	PathOfModel     string
	TrainingData    string
	AllParams       Params
	ImageSize       []int
	BatchSize       int
	ValidationSplit float64
	MetricsFile     string
}

// ServerConfig http 서버 설정
type ServerConfig struct {
	Host       string
	Port       int
	InputImage string
}

// DatabaseConfig 학습 이력 db 설정. DSN 이 비어있으면 사용하지 않음
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// Enabled db 사용 여부
func (c DatabaseConfig) Enabled() bool {
	return c.DSN != ""
}
