package api

import (
	"context"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/constants"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/data"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/data/db"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/utils"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrTrainingBusy 이미 학습이 진행중
	ErrTrainingBusy = errors.New("training is already running")
	// ErrNoDatabase 실행 이력 db 가 설정되지 않음
	ErrNoDatabase = errors.New("no database configured")
)

const indexFile = "index.html"

// Predictor 입력 이미지 파일의 class 예측
type Predictor interface {
	Predict() ([]map[string]string, error)
}

// Trainer 전체 학습 파이프라인 실행
type Trainer interface {
	RunAll(ctx context.Context) error
}

// ModelRegistry 추론 모델 정보
type ModelRegistry interface {
	GetModels() []string
	GetModel(name string, verbose bool) map[string]interface{}
	Reload(name string) error
}

// RunLister 실행 이력 조회
type RunLister interface {
	List(limit int) ([]db.Run, error)
}

// APIs api 핸들러
type APIs struct {
	P Predictor
	T Trainer
	I ModelRegistry
	M *data.Manager
	// nil 이면 /runs 는 503
	R RunLister

	// base64 이미지를 저장할 파일, Predictor 의 입력
	InputImage   string
	TemplatesDir string
	// 학습에 사용하는 context. 서버 종료시 취소된다
	BaseContext context.Context

	training  int32
	predictMu sync.Mutex
}

// CORS 모든 origin 허용. preflight 요청은 204 로 응답
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          12 * time.Hour,
	})
}

// Router 라우팅이 설정된 gin engine 생성
func (a *APIs) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), CORS())
	r.MaxMultipartMemory = constants.MaxUploadMemory

	r.GET("/", a.Home)
	r.GET("/health", a.Health)
	r.GET("/train", a.Train)
	r.POST("/train", a.Train)
	r.POST("/predict", a.Predict)
	r.GET("/runs", a.ListRuns)

	modelsGroup := r.Group("/models")
	{
		modelsGroup.GET("", a.ListModels)
		modelsGroup.GET(":model", a.ShowModel)
		modelsGroup.PUT(":model", a.ReloadModel)
	}

	imagesGroup := r.Group("/images")
	{
		imagesGroup.GET("", a.ListImages)
		imagesGroup.POST("", a.UploadImages)
	}

	return r
}

// Home index.html 이 있으면 반환
func (a *APIs) Home(c *gin.Context) {
	index := filepath.Join(a.TemplatesDir, indexFile)
	if a.TemplatesDir != "" && utils.FileExists(index) {
		c.File(index)
		return
	}
	c.String(http.StatusOK, "Chicken Disease Classifier API is running.")
}

// Health 상태 확인
func (a *APIs) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"training": atomic.LoadInt32(&a.training) == 1,
	})
}

// Train 전체 파이프라인 실행. 이미 실행중이면 409
func (a *APIs) Train(c *gin.Context) {
	if !atomic.CompareAndSwapInt32(&a.training, 0, 1) {
		Error(c, http.StatusConflict, ErrTrainingBusy)
		return
	}
	defer atomic.StoreInt32(&a.training, 0)

	ctx := a.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}

	t0 := time.Now()
	if err := a.T.RunAll(ctx); err != nil {
		klog.Errorf("training failed: %v", err)
		c.String(http.StatusInternalServerError, "Training failed: %s", err)
		return
	}
	klog.Infof("training done in %s", time.Since(t0).Round(time.Second))
	c.String(http.StatusOK, "Training done successfully!")
}

// PredictRequest 예측 요청
type PredictRequest struct {
	Image string `json:"image"`
}

// Predict base64 이미지를 InputImage 에 저장하고 예측
func (a *APIs) Predict(c *gin.Context) {
	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Image == "" {
		Error(c, http.StatusBadRequest, errors.New("Missing 'image' field"))
		return
	}

	a.predictMu.Lock()
	defer a.predictMu.Unlock()

	if err := utils.DecodeImage(req.Image, a.InputImage); err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	result, err := a.P.Predict()
	if err != nil {
		klog.Errorf("prediction failed: %v", err)
		Error(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListModels 추론 모델 목록 반환
func (a *APIs) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models": a.I.GetModels(),
	})
}

// ShowModel 추론 모델 정보 반환
func (a *APIs) ShowModel(c *gin.Context) {
	model := c.Param("model")
	_, verbose := c.GetQuery("verbose")

	if info := a.I.GetModel(model, verbose); info != nil {
		c.JSON(http.StatusOK, info)
	} else {
		Error(c, http.StatusNotFound, errors.Errorf("cannot find model info: %s", model))
	}
}

// ReloadModel 추론 모델 다시 로드
func (a *APIs) ReloadModel(c *gin.Context) {
	model := c.Param("model")
	if err := a.I.Reload(model); err != nil {
		Error(c, http.StatusInternalServerError, err)
		return
	}
	c.String(http.StatusOK, "OK")
}

// UploadImages image 업로드
func (a *APIs) UploadImages(c *gin.Context) {
	category := c.Query("category")
	if category == "" {
		Error(c, http.StatusBadRequest, errors.New("empty `category`"))
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	images := form.File["images[]"]
	_, verbose := c.GetQuery("verbose")

	if result, err := a.M.SaveImages(category, images, c.SaveUploadedFile, verbose); err != nil {
		Error(c, http.StatusBadRequest, err)
	} else {
		c.JSON(http.StatusOK, result)
	}
}

// ListImages image 목록 반환
func (a *APIs) ListImages(c *gin.Context) {
	category := c.Query("category")

	if result, err := a.M.ListImages(category); err != nil {
		Error(c, http.StatusBadRequest, err)
	} else {
		c.JSON(http.StatusOK, result)
	}
}

// ListRuns 최근 실행 이력 반환
func (a *APIs) ListRuns(c *gin.Context) {
	if a.R == nil {
		Error(c, http.StatusServiceUnavailable, ErrNoDatabase)
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		Error(c, http.StatusBadRequest, errors.Wrap(err, "invalid limit"))
		return
	}

	runs, err := a.R.List(limit)
	if err != nil {
		Error(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runs": runs,
	})
}

// HTTPError api 에러 메시지
type HTTPError struct {
	Error string `json:"error"`
}

// Error api 에러를 담은 json 응답 생성
func Error(c *gin.Context, status int, err error) {
	c.JSON(status, HTTPError{
		Error: err.Error(),
	})
}
