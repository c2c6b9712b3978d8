package data

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Augmenter 학습 이미지 변형 설정
type Augmenter struct {
	RotationRange    float64 // degree, uniform in [-r, r]
	WidthShiftRange  float64 // fraction of width
	HeightShiftRange float64
	ZoomRange        float64 // zoom uniform in [1-z, 1+z]
	HorizontalFlip   bool

	rng *rand.Rand
}

// NewAugmenter 기본 augmentation 설정 (rotation 20, shift 0.1, zoom 0.1, flip)
func NewAugmenter(rng *rand.Rand) *Augmenter {
	return &Augmenter{
		RotationRange:    20,
		WidthShiftRange:  0.1,
		HeightShiftRange: 0.1,
		ZoomRange:        0.1,
		HorizontalFlip:   true,
		rng:              rng,
	}
}

func (a *Augmenter) uniform(r float64) float64 {
	if r == 0 {
		return 0
	}
	return (a.rng.Float64()*2 - 1) * r
}

// Apply width x height 크기의 img 에 임의 변형을 적용. 결과 크기는 동일하다.
func (a *Augmenter) Apply(img image.Image, width, height int) *image.NRGBA {
	black := color.NRGBA{A: 255}
	out := imaging.Clone(img)

	if a.HorizontalFlip && a.rng.Intn(2) == 1 {
		out = imaging.FlipH(out)
	}

	if angle := a.uniform(a.RotationRange); angle != 0 {
		out = imaging.CropCenter(imaging.Rotate(out, angle, black), width, height)
	}

	zoom := 1 + a.uniform(a.ZoomRange)
	zw := int(math.Round(float64(width) * zoom))
	zh := int(math.Round(float64(height) * zoom))
	if zw != width || zh != height {
		out = imaging.Resize(out, zw, zh, imaging.Linear)
	}

	dx := int(math.Round(a.uniform(a.WidthShiftRange) * float64(width)))
	dy := int(math.Round(a.uniform(a.HeightShiftRange) * float64(height)))
	if dx == 0 && dy == 0 && zw == width && zh == height {
		return out
	}

	pos := image.Pt((width-zw)/2+dx, (height-zh)/2+dy)
	return imaging.Paste(imaging.New(width, height, black), out, pos)
}
