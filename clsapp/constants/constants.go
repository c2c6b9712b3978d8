package constants

const (
	DefaultModelName string = "default"

	ConfigFilePath string = "config/config.yaml"
	ParamsFilePath string = "params.yaml"
	ArtifactsDir   string = "artifacts"
	TemplatesDir   string = "templates"

	TrainedModelPath     string = "artifacts/training/model"
	UpdatedBaseModelPath string = "artifacts/prepare_base_model/base_model_updated"
	MetricsFilePath      string = "artifacts/evaluation/metrics.json"

	DatasetDir        string = "Chicken-fecal-images"
	ModelMetadataFile string = "model.yaml"
	InputImageFile    string = "inputImage.jpg"

	ServerHost string = "0.0.0.0"
	ServerPort int    = 8080

	ImageHeight     int     = 224
	ImageWidth      int     = 224
	ImageChannels   int     = 3
	Rescale         float32 = 1.0 / 255
	ValidationSplit float64 = 0.2

	// 저장된 모델에 optimizer 가 없을 때 사용하는 SGD learning rate
	FallbackLearningRate float64 = 0.01

	DefaultMultiClassMax int = 5
	MaxUploadMemory      int64 = 8 << 20
)

// FallbackLabels 모델 메타정보에 label 이 없을 때 사용하는 class 이름
var FallbackLabels = []string{"Coccidiosis", "Healthy"}
