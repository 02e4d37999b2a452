package utils

import (
	"errors"
	"fmt"
	"github.com/okieraised/go-ffhq-alignment/config"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
	"os"
	"path/filepath"
	"strings"
)

// ErrImageDecode is returned when an input buffer is not a decodable image.
var ErrImageDecode = errors.New("cannot decode image")

// ConvertImageToMat decodes an encoded image into a 3-channel BGR Mat.
func ConvertImageToMat(bImage []byte) (*gocv.Mat, error) {
	if len(bImage) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrImageDecode)
	}
	srcMat, err := gocv.IMDecode(bImage, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	if srcMat.Empty() {
		_ = srcMat.Close()
		return nil, fmt.Errorf("%w: unsupported or corrupt data", ErrImageDecode)
	}
	return &srcMat, nil
}

// ReadImageFile reads and decodes the image at fPath.
func ReadImageFile(fPath string) (*gocv.Mat, error) {
	content, err := os.ReadFile(fPath)
	if err != nil {
		return nil, err
	}
	img, err := ConvertImageToMat(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fPath, err)
	}
	return img, nil
}

// WriteImageFile encodes img by the extension of fPath. jpegQuality only
// applies to .jpg/.jpeg outputs.
func WriteImageFile(fPath string, img gocv.Mat, jpegQuality int) error {
	if err := os.MkdirAll(filepath.Dir(fPath), 0o755); err != nil {
		return err
	}
	var ok bool
	switch strings.ToLower(filepath.Ext(fPath)) {
	case ".jpg", ".jpeg":
		ok = gocv.IMWriteWithParams(fPath, img, []int{int(gocv.IMWriteJpegQuality), jpegQuality})
	default:
		ok = gocv.IMWrite(fPath, img)
	}
	if !ok {
		return fmt.Errorf("failed to write image %s", fPath)
	}
	return nil
}

// TensorToPoints converts a (n, 2) float32 tensor into points.
func TensorToPoints(t *tensor.Dense) ([]config.Point2D, error) {
	if t == nil {
		return nil, errors.New("nil landmark tensor")
	}
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != 2 {
		return nil, fmt.Errorf("expected a 2D tensor with shape (n, 2), got shape: %v", shape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 tensor, got %v", t.Dtype())
	}
	n := shape[0]
	points := make([]config.Point2D, n)
	for i := 0; i < n; i++ {
		points[i] = config.Point2D{
			X: float64(data[i*2]),
			Y: float64(data[i*2+1]),
		}
	}
	return points, nil
}

// PointsToTensor packs points into a (n, 2) float32 tensor.
func PointsToTensor(points []config.Point2D) *tensor.Dense {
	backing := make([]float32, 0, len(points)*2)
	for _, p := range points {
		backing = append(backing, float32(p.X), float32(p.Y))
	}
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(points), 2),
		tensor.WithBacking(backing),
	)
}

// QuadToPoint2fVector converts quad corners, shifted by offset, into an OpenCV point vector.
func QuadToPoint2fVector(q config.Quad, offset float64) gocv.Point2fVector {
	pts := make([]gocv.Point2f, 0, len(q))
	for _, p := range q {
		pts = append(pts, gocv.Point2f{
			X: float32(p.X + offset),
			Y: float32(p.Y + offset),
		})
	}
	return gocv.NewPoint2fVectorFromPoints(pts)
}

// MatToCHWTensor converts an 8-bit 3-channel image into a (3, H, W) float32
// tensor, normalizing each channel as (v - mean) / std. Channel order is kept.
func MatToCHWTensor(img gocv.Mat, mean, std [3]float64) (*tensor.Dense, error) {
	if img.Type() != gocv.MatTypeCV8UC3 {
		return nil, fmt.Errorf("expected 3-channel 8-bit image, got type %v", img.Type())
	}
	cont := img
	if !img.IsContinuous() {
		cont = img.Clone()
		defer cont.Close()
	}
	pix, err := cont.DataPtrUint8()
	if err != nil {
		return nil, err
	}
	h, w := cont.Rows(), cont.Cols()
	plane := h * w
	backing := make([]float32, 3*plane)
	for i := 0; i < plane; i++ {
		for ch := 0; ch < 3; ch++ {
			backing[ch*plane+i] = float32((float64(pix[i*3+ch]) - mean[ch]) / std[ch])
		}
	}
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(3, h, w),
		tensor.WithBacking(backing),
	), nil
}
