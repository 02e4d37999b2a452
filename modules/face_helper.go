package modules

import (
	"github.com/okieraised/go-ffhq-alignment/config"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
	"image/color"
	"math"
	"slices"
)

// FaceSelection filters detector output before landmarks are predicted.
// With neither KeepLargest nor KeepCenter set every face is kept.
type FaceSelection struct {
	KeepLargest bool
	KeepCenter  bool
	// EyeDistanceThreshold drops faces whose 5-point eye distance is smaller, in pixels.
	EyeDistanceThreshold float32
	// TryPadding reruns detection on a padded copy when nothing was found.
	TryPadding bool
}

var DefaultFaceSelection = &FaceSelection{}

func SwapRGB(srcMat gocv.Mat) gocv.Mat {
	dstMat := gocv.NewMat()
	gocv.CvtColor(srcMat, &dstMat, gocv.ColorBGRToRGB)
	return dstMat
}

func getLocation(val, length float32) float32 {
	if val < 0 {
		return 0
	} else if val > length {
		return length
	}
	return val
}

// padImage surrounds img with black borders of ratio times its size.
func padImage(img gocv.Mat, ratio float32) (gocv.Mat, int, int) {
	h, w := img.Rows(), img.Cols()
	offX := int(ratio * float32(w))
	offY := int(ratio * float32(h))

	dstMat := gocv.NewMat()
	gocv.CopyMakeBorder(img, &dstMat, offY, offY, offX, offX, gocv.BorderConstant, color.RGBA{})
	return dstMat, offX, offY
}

// boxOf returns a detection box as [x1, y1, x2, y2].
func boxOf(det config.FaceDetectionOutput) [4]float32 {
	var box [4]float32
	copy(box[:], det.Box.Float32s())
	return box
}

func shiftXY(t *tensor.Dense, dx, dy float32) *tensor.Dense {
	if t == nil {
		return nil
	}
	out := t.Clone().(*tensor.Dense)
	data := out.Float32s()
	for i := range data {
		if i%2 == 0 {
			data[i] -= dx
		} else {
			data[i] -= dy
		}
	}
	return out
}

// shiftDetection moves a detection made on a padded image back by (offX, offY).
func shiftDetection(det config.FaceDetectionOutput, offX, offY int) config.FaceDetectionOutput {
	out := det
	out.Box = shiftXY(det.Box, float32(offX), float32(offY))
	out.Landmark = shiftXY(det.Landmark, float32(offX), float32(offY))
	return out
}

// eyeDistance is the distance between the first two 5-point landmarks.
func eyeDistance(det config.FaceDetectionOutput) float32 {
	if det.Landmark == nil {
		return 0
	}
	lm := det.Landmark.Float32s()
	if len(lm) < 4 {
		return 0
	}
	return float32(math.Hypot(float64(lm[2]-lm[0]), float64(lm[3]-lm[1])))
}

// largestFace returns the index of the detection covering the largest area
// inside a w x h image.
func largestFace(dets []config.FaceDetectionOutput, w, h int) int {
	faceAreas := make([]float32, 0, len(dets))
	for _, det := range dets {
		box := boxOf(det)
		left := getLocation(box[0], float32(w))
		right := getLocation(box[2], float32(w))
		top := getLocation(box[1], float32(h))
		bottom := getLocation(box[3], float32(h))
		faceAreas = append(faceAreas, (right-left)*(bottom-top))
	}
	return slices.Index(faceAreas, slices.Max(faceAreas))
}

// centerFace returns the index of the detection whose box center is closest
// to the image center.
func centerFace(dets []config.FaceDetectionOutput, w, h int) int {
	center := config.Point2D{X: float64(w) / 2, Y: float64(h) / 2}
	centerDist := make([]float64, 0, len(dets))
	for _, det := range dets {
		box := boxOf(det)
		faceCenter := config.Point2D{
			X: float64(box[0]+box[2]) / 2,
			Y: float64(box[1]+box[3]) / 2,
		}
		centerDist = append(centerDist, faceCenter.Sub(center).Norm())
	}
	return slices.Index(centerDist, slices.Min(centerDist))
}

// Select applies the eye distance filter, then keeps one face when
// KeepLargest or KeepCenter is set.
func (s *FaceSelection) Select(dets []config.FaceDetectionOutput, w, h int) []config.FaceDetectionOutput {
	kept := make([]config.FaceDetectionOutput, 0, len(dets))
	for _, det := range dets {
		if s.EyeDistanceThreshold > 0 && eyeDistance(det) < s.EyeDistanceThreshold {
			continue
		}
		kept = append(kept, det)
	}
	if len(kept) == 0 {
		return kept
	}

	switch {
	case s.KeepLargest:
		idx := largestFace(kept, w, h)
		return kept[idx : idx+1]
	case s.KeepCenter:
		idx := centerFace(kept, w, h)
		return kept[idx : idx+1]
	}
	return kept
}
