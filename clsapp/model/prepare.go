package model

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/harrison-roh/chicken-disease-classification/clsapp/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PrepareBaseModel base model 생성 및 classification head 추가
type PrepareBaseModel struct {
	Config  config.PrepareBaseModelConfig
	Backend backends.Backend

	// 구조 설정. 비어있으면 DefaultHParams 사용
	HParams *HParams

	Base    *Model
	Updated *Model
}

// NewPrepareBaseModel 새로운 PrepareBaseModel 생성
func NewPrepareBaseModel(cfg config.PrepareBaseModelConfig, backend backends.Backend) *PrepareBaseModel {
	return &PrepareBaseModel{Config: cfg, Backend: backend}
}

func (p *PrepareBaseModel) hparams() HParams {
	var h HParams
	if p.HParams != nil {
		h = *p.HParams
	} else {
		h = DefaultHParams(p.Config.Classes)
	}
	if len(p.Config.ImageSize) >= 2 {
		h.Height, h.Width = p.Config.ImageSize[0], p.Config.ImageSize[1]
	}
	h.Classes = p.Config.Classes
	h.IncludeTop = p.Config.IncludeTop
	return h
}

// GetBaseModel base model 을 만들어 base_model_path 에 저장.
// WEIGHTS 가 checkpoint 디렉토리이면 그 가중치로 초기화한다.
func (p *PrepareBaseModel) GetBaseModel() error {
	h := p.hparams()
	m := New(h)
	m.Metadata.Name = "base_model"
	m.Metadata.Description = "convolutional base"

	if weights := p.Config.Weights; Exists(weights) {
		if _, err := checkpoints.Load(m.Ctx).Dir(weights).Immediate().Done(); err != nil {
			return errors.WithMessagef(err, "failed to load weights from %q", weights)
		}
		// 저장된 hyperparameter 보다 현재 설정을 우선한다
		h.apply(m.Ctx)
		klog.Infof("base model weights loaded from %s", weights)
	} else if weights != "" {
		klog.Warningf("weights %q not found, base model is randomly initialized", weights)
	}

	if err := m.Build(p.Backend); err != nil {
		return err
	}
	if err := m.Save(p.Config.BaseModelPath); err != nil {
		return err
	}
	p.Base = m

	klog.Infof("base model saved at %s (%d variables)", p.Config.BaseModelPath, m.NumVariables())
	return nil
}

// UpdateBaseModel base model 에 CLASSES 출력 head 를 추가하고 base 를 고정하여 updated_base_model_path 에 저장
func (p *PrepareBaseModel) UpdateBaseModel() error {
	m := p.Base
	if m == nil {
		var err error
		if m, err = Load(p.Config.BaseModelPath); err != nil {
			return err
		}
	}

	m.SetHead(p.Config.Classes, true)
	m.Metadata.Name = "base_model_updated"
	m.Metadata.Description = "convolutional base (frozen) with classification head"
	if err := m.Build(p.Backend); err != nil {
		return err
	}
	if err := m.Save(p.Config.UpdatedBaseModelPath); err != nil {
		return err
	}
	p.Updated = m

	klog.Infof("updated base model saved at %s (%d variables)", p.Config.UpdatedBaseModelPath, m.NumVariables())
	return nil
}
