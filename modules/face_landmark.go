package modules

import (
	"errors"
	"fmt"
	"github.com/okieraised/go-ffhq-alignment/config"
	"github.com/okieraised/go-ffhq-alignment/utils"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/okieraised/go-triton-client/triton_proto"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
	"image"
	"image/color"
	"math"
	"slices"
)

// FaceLandmarkClient predicts 68 landmarks on a square face crop.
type FaceLandmarkClient struct {
	tritonClient *gotritonclient.TritonGRPCClient
	ModelConfig  *triton_proto.ModelConfigResponse
	ModelParams  *config.FaceLandmarkParams
}

func NewFaceLandmarkClient(triton *gotritonclient.TritonGRPCClient, cfg *config.FaceLandmarkParams) (*FaceLandmarkClient, error) {
	if cfg == nil {
		cfg = config.DefaultFaceLandmarkParams
	}
	if cfg.ImgSize <= 0 || cfg.CropScale <= 0 {
		return nil, fmt.Errorf("model %s: image size and crop scale must be positive", cfg.ModelName)
	}
	inferenceConfig, err := triton.GetModelConfiguration(cfg.Timeout, cfg.ModelName, "")
	if err != nil {
		return nil, err
	}

	return &FaceLandmarkClient{
		tritonClient: triton,
		ModelParams:  cfg,
		ModelConfig:  inferenceConfig,
	}, nil
}

// squareCrop returns the square around the center of box whose side is the
// longer box side times scale.
func squareCrop(box [4]float32, scale float64) image.Rectangle {
	w := float64(box[2] - box[0])
	h := float64(box[3] - box[1])
	cx := float64(box[0]+box[2]) / 2
	cy := float64(box[1]+box[3]) / 2
	side := max(int(math.Round(math.Max(w, h)*scale)), 1)

	x0 := int(math.Round(cx - float64(side)/2))
	y0 := int(math.Round(cy - float64(side)/2))
	return image.Rect(x0, y0, x0+side, y0+side)
}

// cropRegion copies rect out of img. Parts of rect outside the image are black.
func cropRegion(img gocv.Mat, rect image.Rectangle) gocv.Mat {
	inter := rect.Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
	if inter.Empty() {
		return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rect.Dy(), rect.Dx(), img.Type())
	}
	roi := img.Region(inter)
	defer roi.Close()

	out := gocv.NewMat()
	gocv.CopyMakeBorder(
		roi,
		&out,
		inter.Min.Y-rect.Min.Y,
		rect.Max.Y-inter.Max.Y,
		inter.Min.X-rect.Min.X,
		rect.Max.X-inter.Max.X,
		gocv.BorderConstant,
		color.RGBA{},
	)
	return out
}

func (c *FaceLandmarkClient) preprocess(img gocv.Mat, rect image.Rectangle) (*tensor.Dense, error) {
	cropped := cropRegion(img, rect)
	defer cropped.Close()

	rgb := SwapRGB(cropped)
	defer rgb.Close()

	size := c.ModelParams.ImgSize
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(rgb, &resized, image.Pt(size, size), 0, 0, gocv.InterpolationLinear)

	var mean, std [3]float64
	for i := range mean {
		mean[i] = c.ModelParams.Mean[i] * 255
		std[i] = c.ModelParams.STD[i] * 255
	}
	return utils.MatToCHWTensor(resized, mean, std)
}

// landmarksToImage maps 68 (x, y) pairs normalized to the crop into image pixels.
func landmarksToImage(raw []float32, rect image.Rectangle) (*tensor.Dense, error) {
	if len(raw) != config.NumLandmarks*2 {
		return nil, fmt.Errorf("landmark model output: %w", &ShapeError{Shape: tensor.Shape{len(raw)}})
	}
	side := float64(rect.Dx())
	pts := make([]config.Point2D, config.NumLandmarks)
	for i := range pts {
		pts[i] = config.Point2D{
			X: float64(rect.Min.X) + float64(raw[i*2])*side,
			Y: float64(rect.Min.Y) + float64(raw[i*2+1])*side,
		}
	}
	return utils.PointsToTensor(pts), nil
}

/*
Predict returns the (68, 2) landmark set of the face inside box.

Inputs:

  - img (gocv.Mat): BGR source image.
  - box ([4]float32): face box [x1, y1, x2, y2] in img pixels.

Outputs:

  - landmark (*tensor.Dense): landmarks in img pixel coordinates.
*/
func (c *FaceLandmarkClient) Predict(img gocv.Mat, box [4]float32) (*tensor.Dense, error) {
	rect := squareCrop(box, c.ModelParams.CropScale)
	input, err := c.preprocess(img, rect)
	if err != nil {
		return nil, err
	}
	outputs, err := infer(c.tritonClient, c.ModelParams.ModelName, c.ModelParams.Timeout, c.ModelConfig, input)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, errors.New("landmark model returned no outputs")
	}
	return landmarksToImage(outputs[0].Float32s(), rect)
}

// FaceLandmarkProvider detects faces, then predicts 68 landmarks for each.
type FaceLandmarkProvider struct {
	Detector   *FaceDetectionClient
	Landmarker *FaceLandmarkClient
	Selection  *FaceSelection
}

// NewFaceLandmarkProvider builds both Triton clients. Nil params select the defaults.
func NewFaceLandmarkProvider(
	triton *gotritonclient.TritonGRPCClient,
	detCfg *config.FaceDetectionParams,
	lmkCfg *config.FaceLandmarkParams,
	selection *FaceSelection,
) (*FaceLandmarkProvider, error) {
	detector, err := NewFaceDetectionClient(triton, detCfg)
	if err != nil {
		return nil, err
	}
	landmarker, err := NewFaceLandmarkClient(triton, lmkCfg)
	if err != nil {
		return nil, err
	}
	if selection == nil {
		selection = DefaultFaceSelection
	}
	return &FaceLandmarkProvider{
		Detector:   detector,
		Landmarker: landmarker,
		Selection:  selection,
	}, nil
}

func (p *FaceLandmarkProvider) detect(img gocv.Mat) ([]config.FaceDetectionOutput, error) {
	dets, err := p.Detector.Detect(img)
	if err != nil {
		return nil, err
	}
	if len(dets) > 0 || !p.Selection.TryPadding {
		return dets, nil
	}

	padded, offX, offY := padImage(img, 0.5)
	defer padded.Close()
	dets, err = p.Detector.Detect(padded)
	if err != nil {
		return nil, err
	}
	for i := range dets {
		dets[i] = shiftDetection(dets[i], offX, offY)
	}
	return dets, nil
}

// Detect implements LandmarkProvider.
func (p *FaceLandmarkProvider) Detect(img gocv.Mat) ([]*tensor.Dense, error) {
	if err := checkImage(img); err != nil {
		return nil, err
	}
	dets, err := p.detect(img)
	if err != nil {
		return nil, err
	}
	dets = p.Selection.Select(dets, img.Cols(), img.Rows())

	landmarks := make([]*tensor.Dense, 0, len(dets))
	for idx, det := range dets {
		lmk, err := p.Landmarker.Predict(img, boxOf(det))
		if err != nil {
			malformed, ok := malformedLandmarks(err)
			if !ok {
				return nil, fmt.Errorf("face %d: %w", idx, err)
			}
			lmk = malformed
		}
		landmarks = append(landmarks, lmk)
	}
	return landmarks, nil
}

// malformedLandmarks turns a ShapeError from the landmark model into a
// placeholder set of the offending shape, which fails alignment on its own.
// Any other error is not handled.
func malformedLandmarks(err error) (*tensor.Dense, bool) {
	var se *ShapeError
	if !errors.As(err, &se) {
		return nil, false
	}
	if len(se.Shape) == 0 || slices.Contains(se.Shape, 0) {
		return nil, true
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(se.Shape...)), true
}
