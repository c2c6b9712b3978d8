package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harrison-roh/chicken-disease-classification/clsapp/api"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/config"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/constants"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/data"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/data/db"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/inference"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/model"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/pipeline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

const shutdownTimeout = 5 * time.Second

func main() {
	klog.InitFlags(nil)
	configPath := flag.String("config", constants.ConfigFilePath, "Path of config.yaml")
	paramsPath := flag.String("params", constants.ParamsFilePath, "Path of params.yaml")
	addr := flag.String("addr", "", "Listen address (default from config server section)")
	stage := flag.String("stage", "", "Run a pipeline stage (data_ingestion, prepare_base_model, training, evaluation or all) and exit")
	progress := flag.Bool("progress", true, "Show progress bars while downloading and training")
	flag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := must.M1(config.New(*configPath, *paramsPath))

	p := pipeline.New(cfg)
	p.ProgressBar = *progress

	var runs api.RunLister
	if dbCfg := cfg.DatabaseConfig(); dbCfg.Enabled() {
		conn := must.M1(db.New(db.Config{
			DriverName: dbCfg.Driver,
			ConnInfo:   dbCfg.DSN,
			TableName:  "run_tab",
		}))
		defer conn.Destroy()
		p.Recorder = conn
		runs = conn
	}

	if *stage != "" {
		if err := runStage(ctx, p, *stage); err != nil {
			klog.Errorf("%+v", err)
			klog.Flush()
			os.Exit(1)
		}
		return
	}

	p.Backend = must.M1(model.NewBackend())
	inf := inference.New(p.Backend)

	serverCfg := cfg.ServerConfig()
	listen := *addr
	if listen == "" {
		listen = fmt.Sprintf("%s:%d", serverCfg.Host, serverCfg.Port)
	}

	a := &api.APIs{
		P:            inference.NewPredictionPipeline(serverCfg.InputImage, inf),
		T:            p,
		I:            inf,
		M:            &data.Manager{Root: cfg.TrainingData()},
		R:            runs,
		InputImage:   serverCfg.InputImage,
		TemplatesDir: constants.TemplatesDir,
		BaseContext:  ctx,
	}

	server := &http.Server{
		Addr:    listen,
		Handler: a.Router(),
	}

	go func() {
		klog.Infof("listening on %s", listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	klog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("server shutdown: %v", err)
	}
}

func runStage(ctx context.Context, p *pipeline.Pipeline, key string) error {
	if key == "all" {
		return p.RunAll(ctx)
	}
	s, err := p.Stage(key)
	if err != nil {
		return err
	}
	return p.RunStage(ctx, s)
}
