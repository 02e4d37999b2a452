package modules

import (
	"github.com/okieraised/go-ffhq-alignment/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
	"testing"
)

func genTestDetection(box [4]float32, eyeDist float32) config.FaceDetectionOutput {
	cx := (box[0] + box[2]) / 2
	cy := (box[1] + box[3]) / 2
	return config.FaceDetectionOutput{
		Box:   tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(4), tensor.WithBacking(box[:])),
		Score: tensor.New(tensor.Of(tensor.Float32), tensor.FromScalar(float32(0.9))),
		Landmark: tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(10), tensor.WithBacking([]float32{
			cx - eyeDist/2, cy, cx + eyeDist/2, cy, cx, cy, cx - 5, cy + 5, cx + 5, cy + 5,
		})),
	}
}

func TestFaceSelection_Select(t *testing.T) {
	dets := []config.FaceDetectionOutput{
		genTestDetection([4]float32{0, 0, 20, 20}, 8),
		genTestDetection([4]float32{40, 40, 60, 60}, 8),
		genTestDetection([4]float32{60, 0, 100, 50}, 16),
	}

	tests := []struct {
		name     string
		sel      FaceSelection
		expected [][4]float32
	}{
		{"keep all", FaceSelection{}, [][4]float32{{0, 0, 20, 20}, {40, 40, 60, 60}, {60, 0, 100, 50}}},
		{"largest", FaceSelection{KeepLargest: true}, [][4]float32{{60, 0, 100, 50}}},
		{"center", FaceSelection{KeepCenter: true}, [][4]float32{{40, 40, 60, 60}}},
		{"eye distance", FaceSelection{EyeDistanceThreshold: 10}, [][4]float32{{60, 0, 100, 50}}},
		{"nothing left", FaceSelection{EyeDistanceThreshold: 100, KeepLargest: true}, [][4]float32{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.sel.Select(dets, 100, 100)
			boxes := make([][4]float32, 0, len(got))
			for _, d := range got {
				boxes = append(boxes, boxOf(d))
			}
			assert.Equal(t, tt.expected, boxes)
		})
	}
}

func TestLargestFace_ClipsToImage(t *testing.T) {
	dets := []config.FaceDetectionOutput{
		genTestDetection([4]float32{-500, -500, 10, 10}, 8),
		genTestDetection([4]float32{20, 20, 60, 60}, 8),
	}
	assert.Equal(t, 1, largestFace(dets, 100, 100))
}

func TestShiftDetection(t *testing.T) {
	det := genTestDetection([4]float32{60, 50, 80, 90}, 8)
	shifted := shiftDetection(det, 50, 40)

	assert.Equal(t, [4]float32{10, 10, 30, 50}, boxOf(shifted))
	assert.InDelta(t, 70-4-50, shifted.Landmark.Float32s()[0], 1e-5)
	assert.InDelta(t, 70-40, shifted.Landmark.Float32s()[1], 1e-5)
	// the source detection is untouched
	assert.Equal(t, [4]float32{60, 50, 80, 90}, boxOf(det))
}

func TestPadImage(t *testing.T) {
	img := uniformImage(40, 20, gocv.NewScalar(9, 9, 9, 0))
	defer img.Close()

	padded, offX, offY := padImage(img, 0.5)
	defer padded.Close()

	assert.Equal(t, 20, offX)
	assert.Equal(t, 10, offY)
	assert.Equal(t, 80, padded.Cols())
	assert.Equal(t, 40, padded.Rows())
	assert.Equal(t, gocv.Vecb{0, 0, 0}, padded.GetVecbAt(0, 0))
	assert.Equal(t, gocv.Vecb{9, 9, 9}, padded.GetVecbAt(offY, offX))
}

func TestSwapRGB(t *testing.T) {
	img := uniformImage(2, 2, gocv.NewScalar(1, 2, 3, 0))
	defer img.Close()

	rgb := SwapRGB(img)
	defer rgb.Close()
	require.Equal(t, 2, rgb.Rows())
	assert.Equal(t, gocv.Vecb{3, 2, 1}, rgb.GetVecbAt(1, 1))
}
