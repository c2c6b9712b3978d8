// Package datatest 테스트용 이미지 데이터셋 생성
package datatest

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

// Classes 테스트 데이터셋의 class. Coccidiosis 는 빨간색, Healthy 는 초록색
var Classes = []string{"Coccidiosis", "Healthy"}

// Colors class 별 이미지 색
var Colors = map[string]color.NRGBA{
	"Coccidiosis": {R: 255, A: 255},
	"Healthy":     {G: 255, A: 255},
}

// WriteImage 단색 이미지를 path 에 저장 (형식은 확장자로 결정)
func WriteImage(t testing.TB, path string, w, h int, c color.Color) {
	t.Helper()
	img := imaging.New(w, h, c)
	require.NoError(t, imaging.Save(img, path))
}

// MakeDataset root/<class>/<n>.png 구조의 데이터셋을 만들어 root 를 반환
func MakeDataset(t testing.TB, perClass int) string {
	t.Helper()
	root := t.TempDir()
	for _, class := range Classes {
		for i := 0; i < perClass; i++ {
			path := filepath.Join(root, class, fmt.Sprintf("%s.%02d.png", class, i))
			require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
			WriteImage(t, path, 12, 12, Colors[class])
		}
	}
	return root
}
